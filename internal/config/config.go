package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/guseggert/warmfork/internal/files"
	"github.com/guseggert/warmfork/internal/sockpath"
	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up from the working directory when none is given.
const FileName = "warmfork.yaml"

// Server is the warm server's configuration file. Command line flags take precedence.
type Server struct {
	Socket        string        `yaml:"socket"`
	PTY           bool          `yaml:"pty"`
	LogLevel      string        `yaml:"log_level"`
	Warmup        string        `yaml:"warmup"`
	NotifyTimeout time.Duration `yaml:"notify_timeout"`
	NotifyRetries int           `yaml:"notify_retries"`
}

func Default() Server {
	return Server{
		LogLevel:      "info",
		Warmup:        "none",
		NotifyTimeout: 5 * time.Second,
		NotifyRetries: 3,
	}
}

// Load reads path over the defaults. Unknown keys are an error.
func Load(path string) (Server, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Find returns the nearest FileName in dir or its parents, or "" if there is none.
func Find(dir string) (string, error) {
	return files.FindUp(FileName, dir)
}

func (s Server) Validate() error {
	if s.Socket != "" {
		if err := sockpath.Check(s.Socket); err != nil {
			return err
		}
	}
	if s.NotifyTimeout < 0 {
		return fmt.Errorf("notify_timeout must not be negative, got %s", s.NotifyTimeout)
	}
	if s.NotifyRetries < 0 {
		return fmt.Errorf("notify_retries must not be negative, got %d", s.NotifyRetries)
	}
	return nil
}
