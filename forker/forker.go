package forker

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	roleIntermediate = "warmfork-intermediate"
	roleWorker       = "warmfork-worker"

	argPTY = "pty"

	// ExitFailure is the status of a worker whose payload failed without choosing a status.
	ExitFailure = 1
)

var (
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrNoPid             = errors.New("intermediate exited without reporting a worker pid")
)

// Handle identifies a started worker. The caller owns PidFD and PTY.
type Handle struct {
	Pid int
	// PidFD refers to the worker process itself, nil on kernels without pidfd_open.
	PidFD *os.File
	// PTY is the master side of the worker's terminal in the PTY variant, nil otherwise.
	PTY *os.File
}

// Signal sends sig to the worker. Through PidFD it fails with ESRCH once the
// worker is gone instead of reaching a process that reused the pid.
func (h *Handle) Signal(sig syscall.Signal) error {
	if h.PidFD != nil {
		return unix.PidfdSendSignal(int(h.PidFD.Fd()), sig, nil, 0)
	}
	return syscall.Kill(h.Pid, sig)
}

// Close releases the descriptors held by the handle.
func (h *Handle) Close() error {
	var errs []error
	for _, f := range []*os.File{h.PidFD, h.PTY} {
		if f != nil {
			errs = append(errs, f.Close())
		}
	}
	return errors.Join(errs...)
}

// ExitFunc is called once per started worker, after the worker has terminated.
type ExitFunc func(h *Handle, status int)

type Forker struct {
	Log *zap.SugaredLogger

	// PTY makes workers session leaders of a new pseudo-terminal.
	PTY bool

	// Executable is the binary to re-execute, /proc/self/exe by default.
	Executable string

	// StartTimeout bounds how long Start waits for the worker pid.
	StartTimeout time.Duration
}

// handoffMsg is one message from the intermediate. Attached descriptors come
// in field order: the pidfd, then the pty master.
type handoffMsg struct {
	Pid    int  `json:"pid,omitempty"`
	PidFD  bool `json:"pidfd,omitempty"`
	PTY    bool `json:"pty,omitempty"`
	Status *int `json:"status,omitempty"`
}

func (f *Forker) log() *zap.SugaredLogger {
	if f.Log == nil {
		return zap.NewNop().Sugar()
	}
	return f.Log
}

// Start launches a worker that will be handed launch as its Payload input.
// It returns as soon as the worker's pid is known. onExit is called exactly
// once, from another goroutine, after the worker has terminated and the
// intermediate process has been reaped.
func (f *Forker) Start(launch []byte, onExit ExitFunc) (*Handle, error) {
	exe := f.Executable
	if exe == "" {
		exe = "/proc/self/exe"
	}
	timeout := f.StartTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	conn, childSock, err := socketpair()
	if err != nil {
		return nil, fmt.Errorf("%w: creating handoff socket: %s", ErrResourceExhausted, err)
	}
	launchR, launchW, err := os.Pipe()
	if err != nil {
		conn.Close()
		childSock.Close()
		return nil, fmt.Errorf("%w: creating launch pipe: %s", ErrResourceExhausted, err)
	}

	args := []string{roleIntermediate}
	if f.PTY {
		args = append(args, argPTY)
	}
	cmd := &exec.Cmd{
		Path:       exe,
		Args:       args,
		Stdin:      os.Stdin,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		ExtraFiles: []*os.File{childSock, launchR},
	}
	err = cmd.Start()
	childSock.Close()
	launchR.Close()
	if err != nil {
		conn.Close()
		launchW.Close()
		return nil, fmt.Errorf("%w: starting intermediate: %s", ErrResourceExhausted, err)
	}
	log := f.log().With("Intermediate", cmd.Process.Pid)

	_, writeErr := launchW.Write(launch)
	launchW.Close()
	if writeErr != nil {
		log.Debugf("error writing launch spec: %s", writeErr)
	}

	conn.SetReadDeadline(time.Now().Add(timeout))
	msg, files, err := recvMsg(conn)
	conn.SetReadDeadline(time.Time{})
	if err != nil || msg.Pid <= 0 {
		conn.Close()
		closeFiles(files)
		cmd.Process.Kill()
		cmd.Wait()
		if err == nil {
			err = ErrNoPid
		}
		return nil, fmt.Errorf("%w: waiting for worker pid: %w", ErrResourceExhausted, err)
	}

	h := &Handle{Pid: msg.Pid}
	if msg.PidFD && len(files) > 0 {
		h.PidFD, files = files[0], files[1:]
	}
	if msg.PTY && len(files) > 0 {
		h.PTY, files = files[0], files[1:]
	}
	closeFiles(files)
	log.Debugw("worker started", "Pid", h.Pid, "PidFD", h.PidFD != nil, "PTY", h.PTY != nil)

	go f.reap(cmd, conn, h, onExit)
	return h, nil
}

// reap waits for the intermediate's status report and then for the intermediate itself.
func (f *Forker) reap(cmd *exec.Cmd, conn *net.UnixConn, h *Handle, onExit ExitFunc) {
	log := f.log().With("Pid", h.Pid)

	status := ExitFailure
	msg, files, err := recvMsg(conn)
	closeFiles(files)
	conn.Close()
	switch {
	case err != nil:
		log.Warnf("no exit status from intermediate: %s", err)
	case msg.Status == nil:
		log.Warnf("malformed exit report from intermediate")
	default:
		status = *msg.Status
	}

	if err := cmd.Wait(); err != nil {
		log.Debugf("intermediate exited: %s", err)
	}
	log.Debugw("worker exited", "Status", status)
	onExit(h, status)
}

// ExitStatus converts a process state into a single status: the exit code,
// or 128+N for a process killed by signal N.
func ExitStatus(state *os.ProcessState) int {
	if state == nil {
		return ExitFailure
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return state.ExitCode()
}

func closeFiles(files []*os.File) {
	for _, f := range files {
		f.Close()
	}
}

func encodeMsg(msg handoffMsg) []byte {
	b, _ := json.Marshal(msg)
	return b
}

func statusPtr(status int) *int {
	return &status
}
