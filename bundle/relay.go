package bundle

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

var ErrRelayTimeout = errors.New("timed out draining stdio relays")

// Streams are the real endpoints a Relay copies to and from.
type Streams struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer
}

func OSStreams() Streams {
	return Streams{In: os.Stdin, Out: os.Stdout, Err: os.Stderr}
}

// Relay copies bytes between a client's streams and three named pipes the worker opens.
type Relay struct {
	fifos   Stdio2
	outputs errgroup.Group
	done    chan struct{}
}

// CollectStdio2 creates three named pipes in dir and starts relaying them to
// and from s. It is meant for workers that cannot open the client's
// descriptors through /proc, e.g. when they live in another namespace.
// dir should be private to the client.
func CollectStdio2(dir string, s Streams) (*Relay, Stdio2, error) {
	id := uuid.NewString()[:8]
	fifos := Stdio2{
		Stdin:  filepath.Join(dir, "stdin-"+id),
		Stdout: filepath.Join(dir, "stdout-"+id),
		Stderr: filepath.Join(dir, "stderr-"+id),
	}
	for _, p := range []string{fifos.Stdin, fifos.Stdout, fifos.Stderr} {
		if err := unix.Mkfifo(p, 0o600); err != nil {
			removeAll(fifos)
			return nil, Stdio2{}, fmt.Errorf("creating fifo %s: %w", p, err)
		}
	}

	r := &Relay{fifos: fifos, done: make(chan struct{})}
	go r.copyIn(s.In)
	r.outputs.Go(func() error { return copyOut(fifos.Stdout, s.Out) })
	r.outputs.Go(func() error { return copyOut(fifos.Stderr, s.Err) })
	go func() {
		r.outputs.Wait()
		close(r.done)
	}()
	return r, fifos, nil
}

// Stdio2 returns the section advertising the relay's pipes.
func (r *Relay) Stdio2() Stdio2 {
	return r.fifos
}

func (r *Relay) copyIn(in io.Reader) {
	// blocks until the worker opens its end
	f, err := os.OpenFile(r.fifos.Stdin, os.O_WRONLY, 0)
	if err != nil {
		return
	}
	defer f.Close()
	if in != nil {
		io.Copy(f, in)
	}
}

func copyOut(path string, w io.Writer) error {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if errors.Is(err, os.ErrNotExist) {
		// closed before the relay started
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening fifo %s: %w", path, err)
	}
	defer f.Close()
	if w == nil {
		w = io.Discard
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("relaying %s: %w", path, err)
	}
	return nil
}

// Wait blocks until the worker has closed its output pipes and everything
// written to them has been copied, or until timeout passes.
func (r *Relay) Wait(timeout time.Duration) error {
	select {
	case <-r.done:
		return r.outputs.Wait()
	case <-time.After(timeout):
		return ErrRelayTimeout
	}
}

// Close unblocks relays whose pipes were never opened by a worker and removes the pipes.
func (r *Relay) Close() error {
	for _, p := range []string{r.fifos.Stdin, r.fifos.Stdout, r.fifos.Stderr} {
		// O_RDWR on a fifo never blocks and satisfies a pending open on either side.
		if f, err := os.OpenFile(p, os.O_RDWR|unix.O_NONBLOCK, 0); err == nil {
			f.Close()
		}
	}
	return removeAll(r.fifos)
}

func removeAll(fifos Stdio2) error {
	var errs []error
	for _, p := range []string{fifos.Stdin, fifos.Stdout, fifos.Stderr} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
