package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/guseggert/warmfork/bundle"
	"github.com/guseggert/warmfork/forker"
	"github.com/guseggert/warmfork/rpc"
	"github.com/guseggert/warmfork/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	ProcSpawn     = "spawn"
	ProcInterrupt = "interrupt"
	ProcStatus    = "status"
	ProcExit      = "exit"
)

type State int

const (
	Created State = iota
	WarmedUp
	Serving
	ShuttingDown
	Terminated
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case WarmedUp:
		return "warmed-up"
	case Serving:
		return "serving"
	case ShuttingDown:
		return "shutting-down"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var ErrAlreadyStarted = errors.New("server already started")

// StatusReply is the result of the status procedure.
type StatusReply struct {
	State   string `json:"state"`
	Workers int    `json:"workers"`
}

// WarmServer warms up once and then spawns workers on behalf of clients.
type WarmServer struct {
	Log *zap.SugaredLogger

	socketPath    string
	warmup        func(ctx context.Context) error
	forker        *forker.Forker
	pty           bool
	notifyTimeout time.Duration
	notifyRetries int
	ptyOutput     io.Writer
	promRegistry  *prometheus.Registry
	metrics       *metrics

	stateMut sync.Mutex
	state    State

	workers *registry
	ready   chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
}

type Option func(s *WarmServer)

// WithWarmup sets the routine run exactly once before serving.
func WithWarmup(f func(ctx context.Context) error) Option {
	return func(s *WarmServer) {
		s.warmup = f
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *WarmServer) {
		s.Log = l.Named("server").Sugar()
	}
}

// WithPTY runs every worker on its own pseudo-terminal.
func WithPTY(b bool) Option {
	return func(s *WarmServer) {
		s.pty = b
	}
}

func WithForker(f *forker.Forker) Option {
	return func(s *WarmServer) {
		s.forker = f
	}
}

// WithNotifyTimeout bounds each attempt to deliver an exit notification.
func WithNotifyTimeout(d time.Duration) Option {
	return func(s *WarmServer) {
		s.notifyTimeout = d
	}
}

func WithNotifyRetries(n int) Option {
	return func(s *WarmServer) {
		s.notifyRetries = n
	}
}

// WithPTYOutput sets where pty output of workers is copied, stdout by default.
func WithPTYOutput(w io.Writer) Option {
	return func(s *WarmServer) {
		s.ptyOutput = w
	}
}

// WithMetrics registers the server's metrics in reg and serves reg at /metrics.
func WithMetrics(reg *prometheus.Registry) Option {
	return func(s *WarmServer) {
		s.promRegistry = reg
	}
}

func New(socketPath string, opts ...Option) *WarmServer {
	s := &WarmServer{
		Log:           zap.NewNop().Sugar(),
		socketPath:    socketPath,
		warmup:        func(context.Context) error { return nil },
		forker:        &forker.Forker{},
		notifyTimeout: 5 * time.Second,
		notifyRetries: 3,
		ptyOutput:     os.Stdout,
		workers:       newRegistry(),
		ready:         make(chan struct{}),
		stop:          make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.pty {
		s.forker.PTY = true
	}
	if s.forker.Log == nil {
		s.forker.Log = s.Log.Desugar().Named("forker").Sugar()
	}
	if s.promRegistry == nil {
		s.promRegistry = prometheus.NewRegistry()
	}
	s.metrics = newMetrics(s.promRegistry)
	return s
}

func (s *WarmServer) State() State {
	s.stateMut.Lock()
	defer s.stateMut.Unlock()
	return s.state
}

func (s *WarmServer) setState(st State) {
	s.stateMut.Lock()
	s.state = st
	s.stateMut.Unlock()
	s.Log.Debugw("state changed", "State", st)
}

// Ready is closed once the server accepts spawn calls.
func (s *WarmServer) Ready() <-chan struct{} {
	return s.ready
}

// SocketPath returns the path the server listens on.
func (s *WarmServer) SocketPath() string {
	return s.socketPath
}

// Stop makes Run return. Running workers are not affected.
func (s *WarmServer) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Run binds the socket, warms up, and serves until ctx is done or Stop is
// called. The socket is removed on every return path.
func (s *WarmServer) Run(ctx context.Context) error {
	s.stateMut.Lock()
	if s.state != Created {
		s.stateMut.Unlock()
		return ErrAlreadyStarted
	}
	s.stateMut.Unlock()

	srv, err := rpc.Listen(s.socketPath, rpc.WithServerLogger(s.Log.Desugar().Named("rpc").Sugar()))
	if err != nil {
		s.setState(Terminated)
		return err
	}
	defer func() {
		if err := srv.Close(); err != nil {
			s.Log.Warnf("error closing socket: %s", err)
		}
		s.setState(Terminated)
	}()

	start := time.Now()
	if err := s.warmup(ctx); err != nil {
		return fmt.Errorf("warming up: %w", err)
	}
	s.setState(WarmedUp)
	s.Log.Infow("warmed up", "Socket", s.socketPath, "Duration", time.Since(start))

	srv.Handle(ProcSpawn, s.spawn)
	srv.Handle(ProcInterrupt, s.interrupt)
	srv.Handle(ProcStatus, s.status)
	srv.Mount("/metrics", promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{}))

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()
	s.setState(Serving)
	close(s.ready)

	select {
	case <-ctx.Done():
	case <-s.stop:
	case err = <-serveErr:
		if err != nil {
			err = fmt.Errorf("serving: %w", err)
		}
	}
	s.setState(ShuttingDown)
	s.Log.Infow("shutting down", "Workers", s.workers.len())
	return err
}

func (s *WarmServer) spawn(ctx context.Context, args rpc.Args) (any, error) {
	if err := args.Expect(2); err != nil {
		return nil, err
	}
	var callback string
	if err := args.Decode(0, &callback); err != nil {
		return nil, err
	}
	if callback == "" {
		return nil, rpc.Faultf(rpc.CodeProtocol, "empty callback address")
	}
	var b []byte
	if err := args.Decode(1, &b); err != nil {
		return nil, err
	}
	if err := bundle.Validate(b); err != nil {
		return nil, rpc.Faultf(rpc.CodeProtocol, "%s", err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		b = nil
	}
	launch, err := worker.Launch{Callback: callback, Bundle: b}.Encode()
	if err != nil {
		return nil, rpc.Faultf(rpc.CodeProtocol, "%s", err)
	}

	// the exit handler waits until the worker is registered, so removal always follows the insert
	recorded := make(chan struct{})
	h, err := s.forker.Start(launch, func(h *forker.Handle, status int) {
		<-recorded
		s.workerExited(callback, h, status)
	})
	if err != nil {
		s.metrics.spawnFailures.Inc()
		s.Log.Warnw("spawn failed", "Callback", callback, "Error", err)
		return nil, rpc.Faultf(rpc.CodeResource, "%s", err)
	}
	e := &entry{handle: h, drained: make(chan struct{})}
	s.workers.add(e)
	s.metrics.spawns.Inc()
	s.metrics.active.Inc()
	close(recorded)
	if h.PTY != nil {
		go e.drain(s.Log, s.ptyOutput)
	} else {
		close(e.drained)
	}
	s.Log.Infow("spawned worker", "Pid", h.Pid, "Callback", callback)
	return h.Pid, nil
}

func (s *WarmServer) workerExited(callback string, h *forker.Handle, status int) {
	if e := s.workers.remove(h.Pid); e != nil {
		if err := e.release(time.Second); err != nil {
			s.Log.Debugf("error releasing worker %d: %s", h.Pid, err)
		}
	}
	s.metrics.exited(status)
	s.Log.Infow("worker exited", "Pid", h.Pid, "Status", status)
	go s.notifyExit(callback, h.Pid, status)
}

// notifyExit tells the client its worker is gone. Failures only get logged,
// the client may well have gone away first.
func (s *WarmServer) notifyExit(callback string, pid, status int) {
	c := rpc.Dial(callback,
		rpc.WithRetryMax(s.notifyRetries),
		rpc.WithDialTimeout(s.notifyTimeout),
		rpc.WithClientLogger(s.Log.Desugar().Named("notify").Sugar()),
	)
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), s.notifyTimeout)
	defer cancel()
	if err := c.Call(ctx, ProcExit, nil, status); err != nil {
		s.metrics.notifyFailures.Inc()
		s.Log.Warnw("unable to deliver exit notification", "Pid", pid, "Callback", callback, "Error", err)
	}
}

func (s *WarmServer) interrupt(ctx context.Context, args rpc.Args) (any, error) {
	if err := args.Expect(1); err != nil {
		return nil, err
	}
	var pid int
	if err := args.Decode(0, &pid); err != nil {
		return nil, err
	}
	err := s.workers.signal(pid, syscall.SIGINT)
	if errors.Is(err, errUnknownPid) {
		return nil, rpc.Faultf(rpc.CodeNotFound, "no worker with pid %d", pid)
	}
	if err != nil {
		return nil, fmt.Errorf("signaling %d: %w", pid, err)
	}
	s.Log.Debugw("interrupted worker", "Pid", pid)
	return nil, nil
}

func (s *WarmServer) status(ctx context.Context, args rpc.Args) (any, error) {
	if err := args.Expect(0); err != nil {
		return nil, err
	}
	return StatusReply{State: s.State().String(), Workers: s.workers.len()}, nil
}
