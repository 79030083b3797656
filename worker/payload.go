package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Payload is the routine a worker runs after its bundle has been applied.
// Returning nil exits 0, an error from Exit exits with its code, and any other
// error exits with status 1.
type Payload func(ctx context.Context, args []string) error

var (
	ErrNotImplemented = errors.New("not implemented")
	ErrUnknownPayload = errors.New("unknown payload")
)

var (
	payloadsMut    sync.RWMutex
	payloads       = map[string]Payload{}
	defaultPayload Payload = func(context.Context, []string) error { return ErrNotImplemented }
)

// Register makes p available to bundles under name. Workers are fresh
// processes, so registration must happen before forker.Init runs, e.g. from
// an init function or at the top of main.
func Register(name string, p Payload) {
	payloadsMut.Lock()
	defer payloadsMut.Unlock()
	payloads[name] = p
}

// SetDefault replaces the payload run by bundles without an exec section.
func SetDefault(p Payload) {
	payloadsMut.Lock()
	defer payloadsMut.Unlock()
	defaultPayload = p
}

func lookup(name string) (Payload, error) {
	payloadsMut.RLock()
	defer payloadsMut.RUnlock()
	if name == "" {
		return defaultPayload, nil
	}
	p, ok := payloads[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPayload, name)
	}
	return p, nil
}

// ExitError makes a payload exit with a chosen status.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

func Exit(code int) error {
	return &ExitError{Code: code}
}

// ExitCode maps a payload result to the worker's exit status. Codes the
// kernel cannot report without truncation become 1.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Code >= 0 && exitErr.Code <= 255 {
		return exitErr.Code
	}
	return 1
}
