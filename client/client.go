package client

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/guseggert/warmfork/bundle"
	"github.com/guseggert/warmfork/internal/sockpath"
	"github.com/guseggert/warmfork/rpc"
	"github.com/guseggert/warmfork/server"
	"github.com/guseggert/warmfork/tty"
	"github.com/guseggert/warmfork/worker"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

type State int

const (
	Idle State = iota
	AwaitingFork
	Attached
	Finished
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingFork:
		return "awaiting-fork"
	case Attached:
		return "attached"
	case Finished:
		return "finished"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ExitNotAttached is the status reported when no worker could be started.
const ExitNotAttached = 1

var (
	ErrNotAttached = errors.New("no worker attached")
	ErrUsed        = errors.New("client already started")
)

// Client asks a warm server for one worker and stays attached to it until it exits.
type Client struct {
	Log *zap.SugaredLogger

	socketPath   string
	terminal     tty.Device
	tempDir      string
	retryMax     int
	drainTimeout time.Duration
	interrupts   <-chan os.Signal

	stateMut sync.Mutex
	state    State

	dir   string
	relay *bundle.Relay
}

type Option func(c *Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.Log = l.Named("client").Sugar()
	}
}

// WithTerminal sets the terminal that proxied attribute calls act on, stdin by default.
func WithTerminal(d tty.Device) Option {
	return func(c *Client) {
		c.terminal = d
	}
}

// WithTempDir sets where the client's private directory is created.
func WithTempDir(dir string) Option {
	return func(c *Client) {
		c.tempDir = dir
	}
}

func WithRetryMax(n int) Option {
	return func(c *Client) {
		c.retryMax = n
	}
}

// WithDrainTimeout bounds how long Start waits for relayed output after the worker exits.
func WithDrainTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.drainTimeout = d
	}
}

// WithInterrupts replaces SIGINT as the source of interrupts to relay.
func WithInterrupts(ch <-chan os.Signal) Option {
	return func(c *Client) {
		c.interrupts = ch
	}
}

func New(socketPath string, opts ...Option) *Client {
	c := &Client{
		Log:          zap.NewNop().Sugar(),
		socketPath:   socketPath,
		terminal:     tty.FD(0),
		retryMax:     3,
		drainTimeout: 2 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) State() State {
	c.stateMut.Lock()
	defer c.stateMut.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.stateMut.Lock()
	c.state = s
	c.stateMut.Unlock()
	c.Log.Debugw("state changed", "State", s)
}

// privateDir returns the directory holding the callback socket and fifos, creating it on first use.
func (c *Client) privateDir() (string, error) {
	if c.dir != "" {
		return c.dir, nil
	}
	dir, err := sockpath.Dir(c.tempDir, "warmfork-client-")
	if err != nil {
		return "", err
	}
	c.dir = dir
	return dir, nil
}

// CollectStdio2 relays streams through fifos in the client's private
// directory. Start waits for the relay to drain before returning.
func (c *Client) CollectStdio2(streams bundle.Streams) (bundle.Stdio2, error) {
	if c.relay != nil {
		return c.relay.Stdio2(), nil
	}
	dir, err := c.privateDir()
	if err != nil {
		return bundle.Stdio2{}, err
	}
	r, s, err := bundle.CollectStdio2(dir, streams)
	if err != nil {
		return bundle.Stdio2{}, err
	}
	c.relay = r
	return s, nil
}

// Collect returns the sections describing the calling process: its working
// directory, its environment, and its standard streams, referenced through
// /proc or, with fifos, relayed through named pipes.
func (c *Client) Collect(fifos bool) (bundle.Bundle, error) {
	cwd, err := bundle.CollectCwd()
	if err != nil {
		return nil, err
	}
	b := bundle.Bundle{cwd, bundle.CollectEnv()}
	if !fifos {
		return b.Merge(bundle.CollectStdio()), nil
	}
	s, err := c.CollectStdio2(bundle.OSStreams())
	if err != nil {
		return nil, err
	}
	return b.Merge(s), nil
}

// Start spawns a worker configured by b and returns its exit status once it
// has exited. If no worker could be started the status is ExitNotAttached and
// the error wraps ErrNotAttached. Cancelling ctx detaches from a running
// worker without stopping it.
func (c *Client) Start(ctx context.Context, b bundle.Bundle) (int, error) {
	c.stateMut.Lock()
	if c.state != Idle {
		c.stateMut.Unlock()
		return ExitNotAttached, ErrUsed
	}
	c.stateMut.Unlock()
	defer c.cleanup()

	encoded, err := b.Encode()
	if err != nil {
		return ExitNotAttached, fmt.Errorf("%w: encoding bundle: %w", ErrNotAttached, err)
	}

	dir, err := c.privateDir()
	if err != nil {
		return ExitNotAttached, fmt.Errorf("%w: %w", ErrNotAttached, err)
	}
	callbackPath, err := sockpath.New(dir, "callback")
	if err != nil {
		return ExitNotAttached, fmt.Errorf("%w: %w", ErrNotAttached, err)
	}
	callback, err := rpc.Listen(callbackPath, rpc.WithServerLogger(c.Log.Desugar().Named("callback").Sugar()))
	if err != nil {
		return ExitNotAttached, fmt.Errorf("%w: %w", ErrNotAttached, err)
	}
	defer callback.Close()

	exits := make(chan int, 1)
	var exitOnce sync.Once
	callback.Handle(server.ProcExit, func(ctx context.Context, args rpc.Args) (any, error) {
		if err := args.Expect(1); err != nil {
			return nil, err
		}
		var status int
		if err := args.Decode(0, &status); err != nil {
			return nil, err
		}
		exitOnce.Do(func() { exits <- status })
		return nil, nil
	})
	if b.Has(bundle.NameTermProxy) {
		callback.Handle(worker.ProcTCGetAttr, c.tcgetattr)
		callback.Handle(worker.ProcTCSetAttr, c.tcsetattr)
	}
	go func() {
		if err := callback.Serve(); err != nil {
			c.Log.Warnf("callback server stopped: %s", err)
		}
	}()

	interrupts := c.interrupts
	if interrupts == nil {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt)
		defer signal.Stop(sigs)
		interrupts = sigs
	}

	c.setState(AwaitingFork)
	srv := rpc.Dial(c.socketPath,
		rpc.WithRetryMax(c.retryMax),
		rpc.WithClientLogger(c.Log.Desugar().Named("rpc").Sugar()),
	)
	defer srv.Close()

	var spawnBundle any
	if b != nil {
		spawnBundle = encoded
	}
	var pid int
	if err := srv.Call(ctx, server.ProcSpawn, &pid, callbackPath, spawnBundle); err != nil {
		return ExitNotAttached, fmt.Errorf("%w: %w", ErrNotAttached, err)
	}
	c.setState(Attached)
	log := c.Log.With("Pid", pid)
	log.Debugw("attached to worker")

	var status int
	for waiting := true; waiting; {
		select {
		case status = <-exits:
			waiting = false
		case <-interrupts:
			log.Debugw("relaying interrupt")
			err := srv.Call(ctx, server.ProcInterrupt, nil, pid)
			if err != nil && !rpc.IsFault(err, rpc.CodeNotFound) {
				log.Warnw("unable to relay interrupt", "Error", err)
			}
		case <-ctx.Done():
			return ExitNotAttached, ctx.Err()
		}
	}
	log.Debugw("worker exited", "Status", status)

	if c.relay != nil {
		if err := c.relay.Wait(c.drainTimeout); err != nil {
			log.Debugf("stdio relay: %s", err)
		}
	}
	return status, nil
}

func (c *Client) cleanup() {
	if c.relay != nil {
		if err := c.relay.Close(); err != nil {
			c.Log.Debugf("closing stdio relay: %s", err)
		}
	}
	if c.dir != "" {
		if err := os.RemoveAll(c.dir); err != nil {
			c.Log.Debugf("removing %s: %s", c.dir, err)
		}
	}
	c.setState(Finished)
}

func (c *Client) tcgetattr(ctx context.Context, args rpc.Args) (any, error) {
	if err := args.Expect(0); err != nil {
		return nil, err
	}
	a, err := c.terminal.GetAttr()
	if err != nil {
		return nil, terminalFault(err)
	}
	return a, nil
}

func (c *Client) tcsetattr(ctx context.Context, args rpc.Args) (any, error) {
	if len(args) < 1 || len(args) > 2 {
		return nil, rpc.Faultf(rpc.CodeProtocol, "expected 1 or 2 arguments, got %d", len(args))
	}
	var a tty.Attrs
	if err := args.Decode(0, &a); err != nil {
		return nil, err
	}
	when := tty.Now
	if len(args) == 2 {
		if err := args.Decode(1, &when); err != nil {
			return nil, err
		}
	}
	if err := c.terminal.SetAttr(when, a); err != nil {
		return nil, terminalFault(err)
	}
	return nil, nil
}

// terminalFault reports a client without a terminal as a configuration problem.
func terminalFault(err error) error {
	if errors.Is(err, unix.ENOTTY) {
		return rpc.Faultf(rpc.CodeConfiguration, "client has no terminal: %s", err)
	}
	return rpc.Faultf(rpc.CodeInternal, "%s", err)
}
