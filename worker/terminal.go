package worker

import (
	"context"
	"sync"
	"time"

	"github.com/guseggert/warmfork/rpc"
	"github.com/guseggert/warmfork/tty"
)

const (
	ProcTCGetAttr = "tcgetattr"
	ProcTCSetAttr = "tcsetattr"
)

var (
	termMut   sync.Mutex
	termProxy *remoteTerminal
)

// Terminal returns the device payloads should use for terminal attributes.
// When the bundle enabled proxying and stdin is not a terminal, that is the
// client's terminal, reached over its callback socket.
func Terminal() tty.Device {
	termMut.Lock()
	defer termMut.Unlock()
	if termProxy != nil && !tty.IsTerminal(0) {
		return termProxy
	}
	return tty.FD(0)
}

func enableTermProxy(callback string) {
	termMut.Lock()
	defer termMut.Unlock()
	termProxy = &remoteTerminal{client: rpc.Dial(callback), timeout: 5 * time.Second}
}

// remoteTerminal forwards attribute calls to the client.
type remoteTerminal struct {
	client  *rpc.Client
	timeout time.Duration
}

func (r *remoteTerminal) GetAttr() (tty.Attrs, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	var a tty.Attrs
	err := r.client.Call(ctx, ProcTCGetAttr, &a)
	return a, err
}

func (r *remoteTerminal) SetAttr(when tty.When, a tty.Attrs) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	return r.client.Call(ctx, ProcTCSetAttr, nil, a, when)
}
