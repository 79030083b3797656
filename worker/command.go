package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// CommandPayload replaces the worker with the program named by its first argument.
const CommandPayload = "exec"

func init() {
	Register(CommandPayload, execCommand)
}

func execCommand(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("exec: no program given")
	}
	path, err := exec.LookPath(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "warmfork worker: %s\n", err)
		return Exit(127)
	}
	// only returns on failure
	err = syscall.Exec(path, args, os.Environ())
	return fmt.Errorf("exec %s: %w", path, err)
}
