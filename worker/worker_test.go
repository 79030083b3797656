package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/guseggert/warmfork/bundle"
	"github.com/guseggert/warmfork/forker"
	"github.com/guseggert/warmfork/rpc"
	"github.com/guseggert/warmfork/tty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	Register("noop", func(context.Context, []string) error { return nil })
	Register("exit", func(ctx context.Context, args []string) error {
		var code int
		fmt.Sscan(args[0], &code)
		return Exit(code)
	})
	Register("hello", func(context.Context, []string) error {
		_, err := fmt.Println("Hello World!")
		return err
	})
	// report writes the working directory and sorted environment to args[0]
	Register("report", func(ctx context.Context, args []string) error {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		env := os.Environ()
		sort.Strings(env)
		return os.WriteFile(args[0], []byte(wd+"\n"+strings.Join(env, "\n")), 0o600)
	})
	Register("tcget", func(context.Context, []string) error {
		a, err := Terminal().GetAttr()
		if err != nil {
			return err
		}
		a.Lflag++
		if err := Terminal().SetAttr(tty.Drain, a); err != nil {
			return err
		}
		return Exit(int(a.Lflag))
	})
	forker.Init(Main)
	os.Exit(m.Run())
}

func runWorker(t *testing.T, l Launch) int {
	launch, err := l.Encode()
	require.NoError(t, err)
	done := make(chan int, 1)
	f := &forker.Forker{}
	_, err = f.Start(launch, func(_ *forker.Handle, status int) { done <- status })
	require.NoError(t, err)
	select {
	case status := <-done:
		return status
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not exit")
		return -1
	}
}

func encode(t *testing.T, sections ...bundle.Section) json.RawMessage {
	b, err := bundle.Bundle(sections).Encode()
	require.NoError(t, err)
	return b
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{nil, 0},
		{Exit(42), 42},
		{fmt.Errorf("wrapped: %w", Exit(3)), 3},
		{ErrNotImplemented, 1},
		{errors.New("anything"), 1},
		{Exit(255), 255},
		{Exit(256), 1},
		{Exit(-1), 1},
	}
	for _, c := range cases {
		assert.Equal(t, c.code, ExitCode(c.err), "%v", c.err)
	}
}

func TestLookup(t *testing.T) {
	p, err := lookup("")
	require.NoError(t, err)
	assert.ErrorIs(t, p(context.Background(), nil), ErrNotImplemented)

	_, err = lookup("no-such-payload")
	assert.ErrorIs(t, err, ErrUnknownPayload)

	_, err = lookup(CommandPayload)
	assert.NoError(t, err)
}

func TestSetDefault(t *testing.T) {
	prev, err := lookup("")
	require.NoError(t, err)
	t.Cleanup(func() { SetDefault(prev) })

	SetDefault(func(context.Context, []string) error { return Exit(7) })
	p, err := lookup("")
	require.NoError(t, err)
	assert.Equal(t, 7, ExitCode(p(context.Background(), nil)))
}

func TestLaunchEncodesNullBundle(t *testing.T) {
	b, err := Launch{Callback: "/tmp/cb.sock"}.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"callback":"/tmp/cb.sock","bundle":null}`, string(b))

	l, err := DecodeLaunch(b)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/cb.sock", l.Callback)
}

func TestWorkerStatus(t *testing.T) {
	cases := []struct {
		name   string
		bundle json.RawMessage
		status int
	}{
		{name: "default payload", bundle: nil, status: 1},
		{name: "noop", bundle: encode(t, bundle.Exec{Payload: "noop"}), status: 0},
		{name: "chosen status", bundle: encode(t, bundle.Exec{Payload: "exit", Args: []string{"42"}}), status: 42},
		{name: "unknown section", bundle: json.RawMessage(`[{"section":"bogus","args":[]}]`), status: 1},
		{name: "unknown payload", bundle: encode(t, bundle.Exec{Payload: "missing"}), status: 1},
		{name: "bad cwd", bundle: encode(t, bundle.Cwd{Path: "/nonexistent/dir"}, bundle.Exec{Payload: "noop"}), status: 1},
		{name: "exec true", bundle: encode(t, bundle.Exec{Payload: CommandPayload, Args: []string{"true"}}), status: 0},
		{name: "exec false", bundle: encode(t, bundle.Exec{Payload: CommandPayload, Args: []string{"false"}}), status: 1},
		{name: "exec missing program", bundle: encode(t, bundle.Exec{Payload: CommandPayload, Args: []string{"warmfork-no-such-program"}}), status: 127},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, c.status, runWorker(t, Launch{Bundle: c.bundle}))
		})
	}
}

func TestCwdAndEnvAreApplied(t *testing.T) {
	dir := t.TempDir()
	cwd := filepath.Join(dir, "x")
	require.NoError(t, os.Mkdir(cwd, 0o755))
	report := filepath.Join(dir, "report")

	status := runWorker(t, Launch{Bundle: encode(t,
		bundle.Cwd{Path: cwd},
		bundle.Env{Vars: map[string]string{"K": "V"}},
		bundle.Exec{Payload: "report", Args: []string{report}},
	)})
	require.Equal(t, 0, status)

	b, err := os.ReadFile(report)
	require.NoError(t, err)
	assert.Equal(t, cwd+"\nK=V", string(b))
}

func TestStdoutRedirect(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out")

	status := runWorker(t, Launch{Bundle: encode(t,
		bundle.Stdio{Stdin: "/dev/null", Stdout: out, Stderr: filepath.Join(dir, "err")},
		bundle.Exec{Payload: "hello"},
	)})
	require.Equal(t, 0, status)

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "Hello World!\n", string(b))
}

func TestTermProxy(t *testing.T) {
	dir := t.TempDir()
	callback := filepath.Join(dir, "cb.sock")
	srv, err := rpc.Listen(callback)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	set := make(chan tty.Attrs, 1)
	srv.Handle(ProcTCGetAttr, func(ctx context.Context, args rpc.Args) (any, error) {
		return tty.Attrs{Lflag: 76}, nil
	})
	srv.Handle(ProcTCSetAttr, func(ctx context.Context, args rpc.Args) (any, error) {
		var a tty.Attrs
		if err := args.Decode(0, &a); err != nil {
			return nil, err
		}
		set <- a
		return nil, nil
	})
	go srv.Serve()

	status := runWorker(t, Launch{Callback: callback, Bundle: encode(t,
		bundle.Stdio{Stdin: "/dev/null", Stdout: "/dev/null", Stderr: "/dev/null"},
		bundle.TermProxy{},
		bundle.Exec{Payload: "tcget"},
	)})
	assert.Equal(t, 77, status)
	select {
	case a := <-set:
		assert.Equal(t, uint32(77), a.Lflag)
	default:
		t.Fatal("tcsetattr was not proxied")
	}
}
