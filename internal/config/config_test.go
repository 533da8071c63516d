package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultParses(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, 4, cfg.Workers.Size)
	require.Equal(t, 2*time.Second, cfg.Workers.PollInterval)
	require.Equal(t, 10*time.Second, cfg.Authority.Timeout)
	require.Equal(t, 24*time.Hour, cfg.Housekeeping.OrphanGrace)
	require.Len(t, cfg.Scheduler.Jobs, 3)
	require.Equal(t, "orphan_sweep", cfg.Scheduler.Jobs[0].Name)
	require.Equal(t, time.Hour, cfg.Scheduler.Jobs[0].Every)
}

func TestLoadOptionalFallsBackToDefault(t *testing.T) {
	cfg, err := LoadOptional(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(t.TempDir())
	require.ErrorContains(t, err, "not found")
}

func TestLoadFromWorkspace(t *testing.T) {
	dir := t.TempDir()
	data := []byte(`database:
  driver: mysql
  dsn: "caseline:pw@tcp(db:3306)/caseline"
authority:
  url: https://authority.example/api
webhooks:
  - url: https://hooks.example/in
    events: [confirmation.answered]
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "caseline.yml"), data, 0o644))
	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, "mysql", cfg.Database.Driver)
	require.Equal(t, "https://authority.example/api", cfg.Authority.URL)
	require.Len(t, cfg.Webhooks, 1)
	require.Equal(t, []string{"confirmation.answered"}, cfg.Webhooks[0].Events)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"driver":        "database:\n  driver: postgres\n",
		"mysql dsn":     "database:\n  driver: mysql\n",
		"signing pair":  "signing:\n  cert_file: cert.pem\n",
		"authority url": "authority:\n  url: ftp://x\n",
		"job interval":  "scheduler:\n  jobs:\n    - name: orphan_sweep\n",
		"duplicate job": "scheduler:\n  jobs:\n    - {name: a, every: 1s}\n    - {name: a, every: 2s}\n",
		"webhook url":   "webhooks:\n  - secret: x\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(raw))
			require.Error(t, err)
		})
	}
}

func TestStoragePath(t *testing.T) {
	cfg := Default()
	require.Equal(t, filepath.Join("ws", ".caseline", "files"), cfg.StoragePath("ws"))
	cfg.Storage.Path = "/var/lib/caseline"
	require.Equal(t, "/var/lib/caseline", cfg.StoragePath("ws"))
	cfg.Storage.Path = ""
	require.Equal(t, "", cfg.StoragePath("ws"))
}
