package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

// Handler implements one procedure. The returned value is JSON-encoded as the call result.
type Handler func(ctx context.Context, args Args) (any, error)

// Server dispatches calls arriving on a Unix socket to registered handlers.
type Server struct {
	Log *zap.SugaredLogger

	path         string
	listener     net.Listener
	router       *httprouter.Router
	httpServer   *http.Server
	closeTimeout time.Duration

	handlersMut sync.RWMutex
	handlers    map[string]Handler

	closeOnce sync.Once
	closeErr  error
}

type ServerOption func(s *Server)

func WithServerLogger(l *zap.SugaredLogger) ServerOption {
	return func(s *Server) {
		s.Log = l
	}
}

// WithCloseTimeout bounds how long Close waits for in-flight calls.
func WithCloseTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.closeTimeout = d
	}
}

// Listen binds path and returns a Server that is not yet serving.
// Handlers should be registered with Handle before Serve is called.
func Listen(path string, opts ...ServerOption) (*Server, error) {
	s := &Server{
		Log:          zap.NewNop().Sugar(),
		path:         path,
		router:       httprouter.New(),
		handlers:     map[string]Handler{},
		closeTimeout: 2 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}

	if err := removeStale(path); err != nil {
		return nil, err
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}
	s.listener = listener

	s.router.POST("/rpc/:procedure", s.dispatch)
	s.httpServer = &http.Server{Handler: s.router}
	return s, nil
}

// removeStale unlinks a socket file left behind by a server that is no longer running.
func removeStale(path string) error {
	if _, err := os.Lstat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	conn, err := net.DialTimeout("unix", path, 500*time.Millisecond)
	if err == nil {
		conn.Close()
		return fmt.Errorf("%w: %s", ErrAddressInUse, path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing stale socket %s: %w", path, err)
	}
	return nil
}

// Addr returns the socket path the server is bound to.
func (s *Server) Addr() string {
	return s.path
}

// Handle registers h as the handler for procedure name, replacing any previous one.
func (s *Server) Handle(name string, h Handler) {
	s.handlersMut.Lock()
	defer s.handlersMut.Unlock()
	s.handlers[name] = h
}

// Mount attaches a plain HTTP GET handler next to the procedures, e.g. for metrics.
func (s *Server) Mount(path string, h http.Handler) {
	s.router.Handler(http.MethodGet, path, h)
}

// Serve accepts connections until Close is called.
func (s *Server) Serve() error {
	s.Log.Debugw("serving", "Socket", s.path)
	err := s.httpServer.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close stops the server, waiting a bounded time for in-flight calls, and unlinks the socket path.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.closeTimeout)
		defer cancel()
		err := s.httpServer.Shutdown(ctx)
		if err != nil {
			s.Log.Debugf("shutdown did not complete, closing: %s", err)
			s.httpServer.Close()
		}
		// Shutdown only closes the listener once Serve is running.
		s.listener.Close()
		if rmErr := os.Remove(s.path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) && err == nil {
			err = fmt.Errorf("removing socket %s: %w", s.path, rmErr)
		}
		s.closeErr = err
	})
	return s.closeErr
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	name := params.ByName("procedure")

	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.reply(w, name, nil, Faultf(CodeProtocol, "decoding request: %s", err))
		return
	}

	s.handlersMut.RLock()
	h, ok := s.handlers[name]
	s.handlersMut.RUnlock()
	if !ok {
		s.reply(w, name, nil, Faultf(CodeProtocol, "unknown procedure %q", name))
		return
	}

	result, err := s.call(r.Context(), h, req.Args)
	s.reply(w, name, result, err)
}

func (s *Server) call(ctx context.Context, h Handler, args Args) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = Faultf(CodeInternal, "handler panicked: %v", p)
		}
	}()
	return h(ctx, args)
}

func (s *Server) reply(w http.ResponseWriter, name string, result any, err error) {
	resp := callResponse{Result: result}
	if err != nil {
		resp.Fault = toFault(err)
		resp.Result = nil
		s.Log.Debugw("call faulted", "Procedure", name, "Fault", resp.Fault)
	}
	b, err := json.Marshal(resp)
	if err != nil {
		b, _ = json.Marshal(callResponse{Fault: Faultf(CodeInternal, "encoding result: %s", err)})
	}
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(b)
}
