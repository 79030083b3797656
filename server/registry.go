package server

import (
	"errors"
	"io"
	"sync"
	"syscall"
	"time"

	"github.com/guseggert/warmfork/forker"
	"go.uber.org/zap"
)

var errUnknownPid = errors.New("no such worker")

type entry struct {
	handle  *forker.Handle
	drained chan struct{}
}

// registry tracks running workers by pid.
type registry struct {
	mut     sync.Mutex
	workers map[int]*entry
}

func newRegistry() *registry {
	return &registry{workers: map[int]*entry{}}
}

func (r *registry) add(e *entry) {
	r.mut.Lock()
	defer r.mut.Unlock()
	r.workers[e.handle.Pid] = e
}

func (r *registry) remove(pid int) *entry {
	r.mut.Lock()
	defer r.mut.Unlock()
	e := r.workers[pid]
	delete(r.workers, pid)
	return e
}

func (r *registry) len() int {
	r.mut.Lock()
	defer r.mut.Unlock()
	return len(r.workers)
}

// signal sends sig to a registered worker. The signal goes through the
// worker's pidfd when there is one, so a worker reaped after the lookup cannot
// be mistaken for a process that reused its pid. Without pidfd support that
// window stays open between the reap and remove.
func (r *registry) signal(pid int, sig syscall.Signal) error {
	r.mut.Lock()
	defer r.mut.Unlock()
	e, ok := r.workers[pid]
	if !ok {
		return errUnknownPid
	}
	err := e.handle.Signal(sig)
	if errors.Is(err, syscall.ESRCH) {
		return errUnknownPid
	}
	return err
}

// drain copies the pty master to w until the worker closes its side.
func (e *entry) drain(log *zap.SugaredLogger, w io.Writer) {
	defer close(e.drained)
	_, err := io.Copy(w, e.handle.PTY)
	if err != nil && !errors.Is(err, syscall.EIO) {
		log.Debugf("error draining pty of worker %d: %s", e.handle.Pid, err)
	}
}

// release closes the worker's descriptors, waiting for the pty master to be
// drained for at most timeout.
func (e *entry) release(timeout time.Duration) error {
	if e.handle.PTY != nil {
		select {
		case <-e.drained:
		case <-time.After(timeout):
		}
	}
	return e.handle.Close()
}
