package bundle

import (
	"fmt"
	"os"
	"strings"
)

// CollectCwd captures the caller's working directory.
func CollectCwd() (Cwd, error) {
	wd, err := os.Getwd()
	if err != nil {
		return Cwd{}, fmt.Errorf("getting wd: %w", err)
	}
	return Cwd{Path: wd}, nil
}

// CollectEnv captures the caller's complete environment.
func CollectEnv() Env {
	vars := map[string]string{}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		vars[k] = v
	}
	return Env{Vars: vars}
}

// CollectStdio references the caller's own standard streams through /proc so
// another process can open the same files, pipes or terminal.
func CollectStdio() Stdio {
	return Stdio{
		Stdin:  fdPath(os.Getpid(), 0),
		Stdout: fdPath(os.Getpid(), 1),
		Stderr: fdPath(os.Getpid(), 2),
	}
}

func fdPath(pid, fd int) string {
	return fmt.Sprintf("/proc/%d/fd/%d", pid, fd)
}
