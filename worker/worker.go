package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/guseggert/warmfork/bundle"
	"golang.org/x/sys/unix"
)

// Launch is what the server hands each worker through the forker.
type Launch struct {
	// Callback is the socket path of the client that requested the worker.
	Callback string          `json:"callback"`
	Bundle   json.RawMessage `json:"bundle"`
}

func (l Launch) Encode() ([]byte, error) {
	if len(l.Bundle) == 0 {
		l.Bundle = nil
	}
	return json.Marshal(l)
}

func DecodeLaunch(b []byte) (Launch, error) {
	var l Launch
	if err := json.Unmarshal(b, &l); err != nil {
		return l, fmt.Errorf("decoding launch spec: %w", err)
	}
	return l, nil
}

// Main is the forker payload of warmfork binaries. It applies the bundle in
// order and then runs the selected payload once.
func Main(launch []byte) int {
	if err := run(launch); err != nil {
		fmt.Fprintf(os.Stderr, "warmfork worker: %s\n", err)
		return ExitCode(err)
	}
	return 0
}

func run(launch []byte) error {
	l, err := DecodeLaunch(launch)
	if err != nil {
		return err
	}
	b, err := bundle.Decode(l.Bundle)
	if err != nil {
		return err
	}

	var sel bundle.Exec
	for _, s := range b {
		if err := apply(s, l.Callback, &sel); err != nil {
			return fmt.Errorf("applying %s: %w", s.Name(), err)
		}
	}

	payload, err := lookup(sel.Payload)
	if err != nil {
		return err
	}
	return payload(context.Background(), sel.Args)
}

func apply(s bundle.Section, callback string, sel *bundle.Exec) error {
	switch s := s.(type) {
	case bundle.Cwd:
		return os.Chdir(s.Path)
	case bundle.Env:
		os.Clearenv()
		for k, v := range s.Vars {
			if err := os.Setenv(k, v); err != nil {
				return err
			}
		}
		return nil
	case bundle.Stdio:
		return redirect(s.Stdin, s.Stdout, s.Stderr)
	case bundle.Stdio2:
		return redirect(s.Stdin, s.Stdout, s.Stderr)
	case bundle.TermProxy:
		enableTermProxy(callback)
		return nil
	case bundle.Exec:
		*sel = s
		return nil
	}
	return fmt.Errorf("%w: %T", bundle.ErrUnknownSection, s)
}

// redirect replaces fds 0, 1 and 2 with the given paths.
func redirect(stdin, stdout, stderr string) error {
	targets := []struct {
		path string
		flag int
	}{
		{stdin, os.O_RDONLY},
		{stdout, os.O_WRONLY | os.O_CREATE | os.O_APPEND},
		{stderr, os.O_WRONLY | os.O_CREATE | os.O_APPEND},
	}
	for fd, t := range targets {
		f, err := os.OpenFile(t.path, t.flag, 0o666)
		if err != nil {
			return err
		}
		err = unix.Dup3(int(f.Fd()), fd, 0)
		f.Close()
		if err != nil {
			return fmt.Errorf("dup onto fd %d: %w", fd, err)
		}
	}
	return nil
}
