package forker

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// Payload is the code a worker runs. launch is the byte string given to
// Forker.Start; the return value becomes the worker's exit status.
type Payload func(launch []byte) int

// Init turns the process into an intermediate or a worker when it was
// re-executed by a Forker, in which case it never returns. Otherwise it
// returns immediately.
func Init(payload Payload) {
	if len(os.Args) == 0 {
		return
	}
	switch os.Args[0] {
	case roleIntermediate:
		os.Exit(runIntermediate(len(os.Args) > 1 && os.Args[1] == argPTY))
	case roleWorker:
		os.Exit(runWorker(payload))
	}
}

// runIntermediate is the body of the first-level child. fd 3 is the handoff
// socket and fd 4 carries the launch spec.
func runIntermediate(withPTY bool) int {
	// the worker's parent-death signal is bound to the thread that starts it
	runtime.LockOSThread()

	fail := func(format string, args ...any) int {
		fmt.Fprintf(os.Stderr, "warmfork intermediate: "+format+"\n", args...)
		return ExitFailure
	}

	conn, err := fileConn(os.NewFile(3, "handoff"))
	if err != nil {
		return fail("%s", err)
	}
	defer conn.Close()

	launchFile := os.NewFile(4, "launch")
	launch, err := io.ReadAll(launchFile)
	launchFile.Close()
	if err != nil {
		return fail("reading launch spec: %s", err)
	}

	launchR, launchW, err := os.Pipe()
	if err != nil {
		return fail("creating launch pipe: %s", err)
	}

	cmd := &exec.Cmd{
		Path:        "/proc/self/exe",
		Args:        []string{roleWorker},
		Stdin:       os.Stdin,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
		ExtraFiles:  []*os.File{launchR},
		SysProcAttr: &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL},
	}

	var master, slave *os.File
	if withPTY {
		master, slave, err = pty.Open()
		if err != nil {
			return fail("allocating pty: %s", err)
		}
		cmd.Stdin, cmd.Stdout, cmd.Stderr = slave, slave, slave
		cmd.SysProcAttr.Setsid = true
		cmd.SysProcAttr.Setctty = true
		cmd.SysProcAttr.Ctty = 0
	}

	err = cmd.Start()
	launchR.Close()
	if slave != nil {
		slave.Close()
	}
	if err != nil {
		return fail("starting worker: %s", err)
	}

	launchW.Write(launch)
	launchW.Close()

	// the worker cannot be reaped before Wait below, so the pidfd is its own
	msg := handoffMsg{Pid: cmd.Process.Pid}
	var passed []*os.File
	if fd, err := unix.PidfdOpen(cmd.Process.Pid, 0); err == nil {
		passed = append(passed, os.NewFile(uintptr(fd), "pidfd"))
		msg.PidFD = true
	}
	if master != nil {
		passed = append(passed, master)
		msg.PTY = true
	}
	err = sendMsg(conn, msg, passed...)
	closeFiles(passed)
	if err != nil {
		// the caller is gone; nobody is left to report to
		cmd.Process.Kill()
		cmd.Wait()
		return fail("reporting worker pid: %s", err)
	}

	cmd.Wait()
	if err := sendMsg(conn, handoffMsg{Status: statusPtr(ExitStatus(cmd.ProcessState))}); err != nil {
		return fail("reporting worker exit: %s", err)
	}
	return 0
}

// runWorker reads the launch spec from fd 3 and runs the payload once.
func runWorker(payload Payload) int {
	launchFile := os.NewFile(3, "launch")
	launch, err := io.ReadAll(launchFile)
	launchFile.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "warmfork worker: reading launch spec: %s\n", err)
		return ExitFailure
	}
	if payload == nil {
		fmt.Fprintln(os.Stderr, "warmfork worker: no payload")
		return ExitFailure
	}
	return runPayload(payload, launch)
}

func runPayload(payload Payload, launch []byte) (status int) {
	defer func() {
		if p := recover(); p != nil {
			fmt.Fprintf(os.Stderr, "warmfork worker: payload panicked: %v\n", p)
			status = ExitFailure
		}
	}()
	return payload(launch)
}
