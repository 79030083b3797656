package main

import (
	"context"
	"fmt"
	"io"
	"os"
)

func warmupByName(name string) (func(ctx context.Context) error, error) {
	switch name {
	case "", "none":
		return func(context.Context) error { return nil }, nil
	case "preload":
		return preload, nil
	}
	return nil, fmt.Errorf("unsupported warmup %q", name)
}

// preload reads the executable once so that re-executing it for each worker is served from the page cache.
func preload(ctx context.Context) error {
	f, err := os.Open("/proc/self/exe")
	if err != nil {
		return fmt.Errorf("opening executable: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(io.Discard, f); err != nil {
		return fmt.Errorf("reading executable: %w", err)
	}
	return ctx.Err()
}
