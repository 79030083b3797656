package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/guseggert/warmfork/internal/sockpath"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, dir, content string) string {
	p := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoad(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    Server
		wantErr bool
	}{
		{
			name:    "empty file keeps defaults",
			content: "",
			want:    Default(),
		},
		{
			name: "all fields",
			content: `socket: /run/warmfork.sock
pty: true
log_level: debug
warmup: preload
notify_timeout: 250ms
notify_retries: 0
`,
			want: Server{
				Socket:        "/run/warmfork.sock",
				PTY:           true,
				LogLevel:      "debug",
				Warmup:        "preload",
				NotifyTimeout: 250 * time.Millisecond,
				NotifyRetries: 0,
			},
		},
		{name: "unknown key", content: "sockett: /tmp/x.sock\n", wantErr: true},
		{name: "negative retries", content: "notify_retries: -1\n", wantErr: true},
		{name: "long socket", content: "socket: /" + strings.Repeat("s", sockpath.MaxLen) + "\n", wantErr: true},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			cfg, err := Load(write(t, t.TempDir(), c.content))
			if c.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.want, cfg)
		})
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFind(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "sub")
	require.NoError(t, os.Mkdir(sub, 0o755))
	want := write(t, root, "pty: true\n")

	got, err := Find(sub)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
