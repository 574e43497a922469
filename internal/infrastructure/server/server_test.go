package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/BrowserMover/internal/infrastructure/config"
	"github.com/GriffinCanCode/BrowserMover/internal/infrastructure/logging"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	base := t.TempDir()
	cfg := config.Default()
	cfg.Executor.Mode = "local"
	cfg.Executor.Shell = "sh"
	cfg.Executor.GlobalNamespace = false
	cfg.Paths.DataPrefix = filepath.Join(base, "device")
	cfg.Paths.WorkDir = filepath.Join(base, "work")
	cfg.Paths.BackupDir = filepath.Join(base, "backups")
	cfg.Paths.LogFile = filepath.Join(base, "logs", "migration.log")
	cfg.Paths.SearchRoot = cfg.Paths.DataPrefix
	cfg.RateLimit.Enabled = false
	return cfg
}

func TestBuild(t *testing.T) {
	cfg := testConfig(t)
	stack, err := Build(cfg, logging.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = stack.Close() })

	assert.Equal(t, cfg.Paths.LogFile, stack.LogPath())
	assert.NotNil(t, stack.Engine)
	assert.False(t, stack.Engine.Busy())
	assert.DirExists(t, cfg.Paths.WorkDir)
}

func TestBuildRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"unknown executor mode", func(c *config.Config) { c.Executor.Mode = "sudo" }},
		{"missing catalog file", func(c *config.Config) { c.Paths.CatalogFile = "/nonexistent/catalog.yaml" }},
		{"invalid catalog", func(c *config.Config) {
			p := filepath.Join(filepath.Dir(c.Paths.WorkDir), "catalog.yaml")
			_ = os.WriteFile(p, []byte("families: [unterminated"), 0o644)
			c.Paths.CatalogFile = p
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)
			_, err := Build(cfg, nil)
			assert.Error(t, err)
		})
	}
}

func TestServerRoutes(t *testing.T) {
	stack, err := Build(testConfig(t), logging.NewNop())
	require.NoError(t, err)
	srv := NewServer(stack)
	t.Cleanup(func() { _ = srv.Close() })

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantBody   string
	}{
		{"health", http.MethodGet, "/health", "", http.StatusOK, `"healthy"`},
		{"prometheus", http.MethodGet, "/metrics", "", http.StatusOK, "mover_uptime_seconds"},
		{"metrics json", http.MethodGet, "/metrics/json", "", http.StatusOK, `"busy":false`},
		{"empty backups", http.MethodGet, "/backups", "", http.StatusOK, `"backups":[]`},
		{"empty migrations", http.MethodGet, "/migrations", "", http.StatusOK, `"migrations":[]`},
		{"invalid migration", http.MethodPost, "/migrations", `{"source_id":"a b","target_id":"c"}`, http.StatusBadRequest, "error"},
		{"logs", http.MethodGet, "/logs?lines=10", "", http.StatusOK, `"lines"`},
		{"unknown route", http.MethodGet, "/nope", "", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			srv.Handler().ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			body, _ := io.ReadAll(w.Body)
			assert.Contains(t, string(body), tt.wantBody)
			assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
		})
	}
}

func TestAddr(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = "9123"
	stack, err := Build(cfg, nil)
	require.NoError(t, err)
	srv := NewServer(stack)
	t.Cleanup(func() { _ = srv.Close() })

	assert.Equal(t, "127.0.0.1:9123", srv.Addr())
}
