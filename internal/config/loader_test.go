package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultWorkingDir, cfg.Working.Dir)
	assert.Equal(t, 60, cfg.Session.DefaultSeconds)
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultListen, cfg.Listen)
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
listen: "0.0.0.0:7777"
working:
  dir: /srv/vector
session:
  max_seconds: 120
  progress_interval: 10s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:7777", cfg.Listen)
	assert.Equal(t, "/srv/vector", cfg.Working.Dir)
	assert.Equal(t, 120, cfg.Session.MaxSeconds)
	assert.Equal(t, 10*time.Second, cfg.Session.ProgressInterval)

	// Untouched fields keep their defaults.
	assert.Equal(t, DefaultMapDir, cfg.Working.MapDir)
	assert.Equal(t, "perf", cfg.Tools.Perf)
}

func TestLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [unterminated"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "empty working dir",
			mutate:  func(c *Config) { c.Working.Dir = "" },
			wantErr: "working directory",
		},
		{
			name:    "default exceeds max",
			mutate:  func(c *Config) { c.Session.DefaultSeconds = 700 },
			wantErr: "exceeds max_seconds",
		},
		{
			name:    "poll too tight",
			mutate:  func(c *Config) { c.Session.PollInterval = 100 * time.Millisecond },
			wantErr: "at least 1s",
		},
		{
			name:    "negative bound",
			mutate:  func(c *Config) { c.Session.MaxConcurrent = -1 },
			wantErr: "not be negative",
		},
		{
			name:   "unbounded is allowed",
			mutate: func(c *Config) { c.Session.MaxSeconds = 0; c.Session.MaxConcurrent = 0 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
