package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/warmfork/bundle"
	"github.com/guseggert/warmfork/forker"
	"github.com/guseggert/warmfork/rpc"
	"github.com/guseggert/warmfork/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	worker.Register("noop", func(context.Context, []string) error { return nil })
	worker.Register("fail", func(context.Context, []string) error { return worker.Exit(42) })
	worker.Register("hello", func(context.Context, []string) error {
		_, err := fmt.Println("Hello World!")
		return err
	})
	// loop spins until interrupted, then exits 42. args[0] is created once the handler is in place.
	worker.Register("loop", func(ctx context.Context, args []string) error {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, os.Interrupt)
		if err := os.WriteFile(args[0], nil, 0o600); err != nil {
			return err
		}
		for {
			select {
			case <-sigs:
				return worker.Exit(42)
			case <-time.After(10 * time.Millisecond):
			}
		}
	})
	forker.Init(worker.Main)
	os.Exit(m.Run())
}

type fakeClient struct {
	path  string
	exits chan int
}

func newFakeClient(t *testing.T) *fakeClient {
	f := &fakeClient{
		path:  filepath.Join(t.TempDir(), "cb.sock"),
		exits: make(chan int, 4),
	}
	srv, err := rpc.Listen(f.path)
	require.NoError(t, err)
	srv.Handle(ProcExit, func(ctx context.Context, args rpc.Args) (any, error) {
		var status int
		if err := args.Decode(0, &status); err != nil {
			return nil, err
		}
		f.exits <- status
		return nil, nil
	})
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })
	return f
}

func (f *fakeClient) wait(t *testing.T) int {
	select {
	case status := <-f.exits:
		return status
	case <-time.After(10 * time.Second):
		t.Fatal("no exit notification")
		return -1
	}
}

func startServer(t *testing.T, opts ...Option) (*WarmServer, *rpc.Client) {
	path := filepath.Join(t.TempDir(), "server.sock")
	s := New(path, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	select {
	case <-s.Ready():
	case err := <-done:
		t.Fatalf("server exited early: %s", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server not ready")
	}
	c := rpc.Dial(path)
	t.Cleanup(func() { c.Close() })
	return s, c
}

func spawn(t *testing.T, c *rpc.Client, callback string, sections ...bundle.Section) int {
	var b []byte
	if len(sections) > 0 {
		var err error
		b, err = bundle.Bundle(sections).Encode()
		require.NoError(t, err)
	}
	var pid int
	require.NoError(t, c.Call(context.Background(), ProcSpawn, &pid, callback, b))
	require.Greater(t, pid, 0)
	return pid
}

func TestLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.sock")
	warmups := 0
	s := New(path, WithWarmup(func(ctx context.Context) error {
		_, err := os.Stat(path)
		assert.NoError(t, err, "socket should be bound before warm-up")
		warmups++
		return nil
	}))
	assert.Equal(t, Created, s.State())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	<-s.Ready()
	assert.Equal(t, Serving, s.State())

	c := rpc.Dial(path)
	defer c.Close()
	var st StatusReply
	require.NoError(t, c.Call(ctx, ProcStatus, &st))
	assert.Equal(t, StatusReply{State: "serving", Workers: 0}, st)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, Terminated, s.State())
	assert.Equal(t, 1, warmups)
	_, err := os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	assert.ErrorIs(t, s.Run(context.Background()), ErrAlreadyStarted)
}

func TestWarmupFailureAbortsRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.sock")
	boom := errors.New("boom")
	s := New(path, WithWarmup(func(context.Context) error { return boom }))

	err := s.Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, Terminated, s.State())
	_, err = os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestStop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.sock")
	s := New(path)
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	<-s.Ready()
	s.Stop()
	s.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestSpawnReportsExitOnce(t *testing.T) {
	cases := []struct {
		name     string
		sections []bundle.Section
		status   int
	}{
		{name: "noop", sections: []bundle.Section{bundle.Exec{Payload: "noop"}}, status: 0},
		{name: "default payload", sections: nil, status: 1},
		{name: "chosen status", sections: []bundle.Section{bundle.Exec{Payload: "fail"}}, status: 42},
	}
	_, c := startServer(t)
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			cb := newFakeClient(t)
			spawn(t, c, cb.path, tc.sections...)
			assert.Equal(t, tc.status, cb.wait(t))
			select {
			case status := <-cb.exits:
				t.Fatalf("second exit notification with status %d", status)
			case <-time.After(200 * time.Millisecond):
			}
		})
	}
}

func TestUnknownSectionOnlyFailsWorker(t *testing.T) {
	_, c := startServer(t)
	cb := newFakeClient(t)

	var pid int
	err := c.Call(context.Background(), ProcSpawn, &pid, cb.path, []byte(`[{"section":"bogus","args":[1]}]`))
	require.NoError(t, err)
	assert.Equal(t, 1, cb.wait(t))

	// the server keeps working
	spawn(t, c, cb.path, bundle.Exec{Payload: "noop"})
	assert.Equal(t, 0, cb.wait(t))
}

func TestSpawnMalformedBundle(t *testing.T) {
	_, c := startServer(t)
	cb := newFakeClient(t)

	err := c.Call(context.Background(), ProcSpawn, nil, cb.path, []byte("not a bundle"))
	assert.True(t, rpc.IsFault(err, rpc.CodeProtocol), "got %v", err)

	err = c.Call(context.Background(), ProcSpawn, nil, cb.path)
	assert.True(t, rpc.IsFault(err, rpc.CodeProtocol), "got %v", err)

	var st StatusReply
	require.NoError(t, c.Call(context.Background(), ProcStatus, &st))
	assert.Equal(t, 0, st.Workers)
}

func TestSpawnForkFailure(t *testing.T) {
	_, c := startServer(t, WithForker(&forker.Forker{Executable: "/nonexistent/warmfork"}))
	cb := newFakeClient(t)

	err := c.Call(context.Background(), ProcSpawn, nil, cb.path, nil)
	assert.True(t, rpc.IsFault(err, rpc.CodeResource), "got %v", err)
}

func TestInterruptUnknownPid(t *testing.T) {
	_, c := startServer(t)
	err := c.Call(context.Background(), ProcInterrupt, nil, os.Getpid())
	assert.True(t, rpc.IsFault(err, rpc.CodeNotFound), "got %v", err)
}

func TestInterruptLoopingWorker(t *testing.T) {
	s, c := startServer(t)
	cb := newFakeClient(t)
	ready := filepath.Join(t.TempDir(), "ready")

	pid := spawn(t, c, cb.path, bundle.Exec{Payload: "loop", Args: []string{ready}})
	require.Eventually(t, func() bool {
		_, err := os.Stat(ready)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	var st StatusReply
	require.NoError(t, c.Call(context.Background(), ProcStatus, &st))
	assert.Equal(t, 1, st.Workers)

	require.NoError(t, c.Call(context.Background(), ProcInterrupt, nil, pid))
	assert.Equal(t, 42, cb.wait(t))

	require.Eventually(t, func() bool { return s.workers.len() == 0 }, time.Second, 10*time.Millisecond)
	err := c.Call(context.Background(), ProcInterrupt, nil, pid)
	assert.True(t, rpc.IsFault(err, rpc.CodeNotFound), "got %v", err)
}

func TestExitNotifyFailureIsSwallowed(t *testing.T) {
	s, c := startServer(t, WithNotifyRetries(0), WithNotifyTimeout(time.Second))
	gone := filepath.Join(t.TempDir(), "gone.sock")

	spawn(t, c, gone, bundle.Exec{Payload: "noop"})
	require.Eventually(t, func() bool {
		return readMetrics(t, s.SocketPath()).Contains("warmfork_exit_notify_failures_total 1")
	}, 10*time.Second, 20*time.Millisecond)

	var st StatusReply
	require.NoError(t, c.Call(context.Background(), ProcStatus, &st))
	assert.Equal(t, "serving", st.State)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, c := startServer(t, WithMetrics(reg))
	cb := newFakeClient(t)
	spawn(t, c, cb.path, bundle.Exec{Payload: "fail"})
	require.Equal(t, 42, cb.wait(t))

	m := readMetrics(t, s.SocketPath())
	assert.True(t, m.Contains("warmfork_spawns_total 1"), m)
	assert.True(t, m.Contains(`warmfork_worker_exits_total{status="42"} 1`), m)
	assert.True(t, m.Contains("warmfork_workers_active 0"), m)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["warmfork_spawns_total"])
	assert.True(t, names["warmfork_exit_notify_failures_total"])
}

func TestSlowStartDoesNotBlockOtherCalls(t *testing.T) {
	// an intermediate that never reports a pid
	script := filepath.Join(t.TempDir(), "hang.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nexec sleep 30\n"), 0o755))
	s, c := startServer(t, WithForker(&forker.Forker{Executable: script, StartTimeout: 3 * time.Second}))
	cb := newFakeClient(t)

	spawned := make(chan error, 1)
	go func() {
		spawned <- c.Call(context.Background(), ProcSpawn, nil, cb.path, nil)
	}()

	other := rpc.Dial(s.SocketPath())
	defer other.Close()
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	err := other.Call(context.Background(), ProcInterrupt, nil, os.Getpid())
	assert.True(t, rpc.IsFault(err, rpc.CodeNotFound), "got %v", err)
	var st StatusReply
	require.NoError(t, other.Call(context.Background(), ProcStatus, &st))
	assert.Less(t, time.Since(start), time.Second)

	select {
	case err := <-spawned:
		assert.True(t, rpc.IsFault(err, rpc.CodeResource), "got %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("spawn never timed out")
	}
}

type lockedBuffer struct {
	mut sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mut.Lock()
	defer b.mut.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mut.Lock()
	defer b.mut.Unlock()
	return b.buf.String()
}

func TestPTYOutputIsDrained(t *testing.T) {
	out := &lockedBuffer{}
	_, c := startServer(t, WithPTY(true), WithPTYOutput(out))
	cb := newFakeClient(t)

	spawn(t, c, cb.path, bundle.Exec{Payload: "hello"})
	assert.Equal(t, 0, cb.wait(t))
	assert.Contains(t, out.String(), "Hello World!")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "warmed-up", WarmedUp.String())
	assert.Equal(t, "State(9)", State(9).String())
}

type metricsText string

func (m metricsText) Contains(s string) bool {
	return bytes.Contains([]byte(m), []byte(s))
}

func readMetrics(t *testing.T, socket string) metricsText {
	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(ctx, "unix", socket)
		},
	}}
	resp, err := client.Get("http://unix/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return metricsText(b)
}
