package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/BrowserMover/internal/domain/backup"
	"github.com/GriffinCanCode/BrowserMover/internal/domain/classify"
	"github.com/GriffinCanCode/BrowserMover/internal/domain/locate"
	"github.com/GriffinCanCode/BrowserMover/internal/domain/migration"
	"github.com/GriffinCanCode/BrowserMover/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/BrowserMover/internal/shared/id"
	"github.com/GriffinCanCode/BrowserMover/internal/shared/types"
)

type fakeEngine struct {
	busy     atomic.Bool
	release  chan struct{}
	mu       sync.Mutex
	requests []migration.Request
	archives []backup.Archive
}

func (f *fakeEngine) Migrate(_ context.Context, req migration.Request, onProgress migration.ProgressFunc) *migration.Result {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	onProgress(migration.Progress{Phase: 6, PhaseName: "Copy data", Detail: "started", Percent: 60})
	if f.release != nil {
		<-f.release
	}
	return &migration.Result{RunID: req.RunID, Status: migration.StatusSuccess, Summary: "Migrated"}
}

func (f *fakeEngine) Rollback(_ context.Context, archive string, onLine func(string)) bool {
	onLine("[INFO] restoring " + archive)
	return true
}

func (f *fakeEngine) ListBackups(context.Context) ([]backup.Archive, error) {
	return f.archives, nil
}

func (f *fakeEngine) Busy() bool { return f.busy.Load() }

func (f *fakeEngine) lastRequest() migration.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type fakeClassifier map[string]types.Family

func (f fakeClassifier) ClassifyDetailed(_ context.Context, appID string) classify.Verdict {
	if fam, ok := f[appID]; ok {
		return classify.Verdict{Family: fam, Strategy: "allow-list"}
	}
	return classify.Verdict{}
}

type fakeLocator struct{}

func (fakeLocator) Locate(_ context.Context, appID string, family types.Family) (*locate.Location, error) {
	return &locate.Location{ID: appID, Family: family, Root: "/data/user/0/" + appID}, nil
}

type recordedEvent struct {
	typ, jobID string
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (p *recordingPublisher) Publish(typ, jobID string, _ any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{typ, jobID})
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.typ)
	}
	return out
}

func newTestRouter(t *testing.T, deps Deps) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if deps.Classifier == nil {
		deps.Classifier = fakeClassifier{"org.mozilla.firefox": types.FamilyGecko}
	}
	if deps.Locator == nil {
		deps.Locator = fakeLocator{}
	}
	h := NewHandlers(deps)

	r := gin.New()
	r.GET("/health", h.Health)
	r.GET("/apps/:id", h.GetApp)
	r.POST("/migrations", h.StartMigration)
	r.GET("/migrations", h.ListMigrations)
	r.GET("/migrations/:id", h.GetMigration)
	r.GET("/backups", h.ListBackups)
	r.POST("/backups/rollback", h.StartRollback)
	r.GET("/rollbacks/:id", h.GetRollback)
	r.GET("/logs", h.GetLogs)
	r.GET("/metrics/json", h.MetricsJSON)
	return r
}

func do(r http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var decoded map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &decoded)
	return w, decoded
}

func TestHealth(t *testing.T) {
	eng := &fakeEngine{}
	r := newTestRouter(t, Deps{Engine: eng})

	w, body := do(r, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, false, body["busy"])
}

func TestGetApp(t *testing.T) {
	r := newTestRouter(t, Deps{Engine: &fakeEngine{}})

	tests := []struct {
		name       string
		appID      string
		wantStatus int
		wantFamily string
		located    bool
	}{
		{"known browser", "org.mozilla.firefox", http.StatusOK, "gecko", true},
		{"unknown app", "com.example.notes", http.StatusOK, "unknown", false},
		{"injection", "org.mozilla;rm", http.StatusBadRequest, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := do(r, http.MethodGet, "/apps/"+tt.appID, "")
			require.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus != http.StatusOK {
				assert.NotEmpty(t, body["error"])
				return
			}
			record := body["record"].(map[string]any)
			assert.Equal(t, tt.appID, record["id"])
			assert.Equal(t, tt.wantFamily, record["family"])
			_, hasLocation := body["location"]
			assert.Equal(t, tt.located, hasLocation)
		})
	}
}

func TestStartMigrationValidation(t *testing.T) {
	eng := &fakeEngine{}
	r := newTestRouter(t, Deps{Engine: eng})

	tests := []struct {
		name string
		body string
	}{
		{"missing body", ""},
		{"missing target", `{"source_id":"org.mozilla.firefox"}`},
		{"same ids", `{"source_id":"org.mozilla.firefox","target_id":"org.mozilla.firefox"}`},
		{"shell metacharacters", `{"source_id":"org.mozilla.firefox","target_id":"x$(id)"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := do(r, http.MethodPost, "/migrations", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.NotEmpty(t, body["error"])
		})
	}
	assert.Empty(t, eng.requests)
}

func TestStartMigrationWhileBusy(t *testing.T) {
	eng := &fakeEngine{}
	eng.busy.Store(true)
	r := newTestRouter(t, Deps{Engine: eng})

	w, body := do(r, http.MethodPost, "/migrations", `{"source_id":"org.mozilla.firefox","target_id":"org.mozilla.fenix"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, migration.ErrBusy.Error(), body["error"])
}

func TestMigrationLifecycle(t *testing.T) {
	eng := &fakeEngine{release: make(chan struct{})}
	events := &recordingPublisher{}
	r := newTestRouter(t, Deps{Engine: eng, Events: events, BackupByDefault: true})

	w, body := do(r, http.MethodPost, "/migrations", `{"source_id":"org.mozilla.firefox","target_id":"org.mozilla.fenix"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	runID := body["run_id"].(string)
	assert.Equal(t, "/migrations/"+runID, body["status_url"])
	_, err := id.ParseRunID(runID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, job := do(r, http.MethodGet, "/migrations/"+runID, "")
		return job["progress"] != nil
	}, time.Second, 10*time.Millisecond)

	_, job := do(r, http.MethodGet, "/migrations/"+runID, "")
	assert.Equal(t, string(JobRunning), job["state"])
	close(eng.release)

	require.Eventually(t, func() bool {
		_, job := do(r, http.MethodGet, "/migrations/"+runID, "")
		return job["state"] == string(JobFinished)
	}, time.Second, 10*time.Millisecond)

	_, job = do(r, http.MethodGet, "/migrations/"+runID, "")
	result := job["result"].(map[string]any)
	assert.Equal(t, string(migration.StatusSuccess), result["status"])
	assert.True(t, eng.lastRequest().Backup)
	assert.Equal(t, id.RunID(runID), eng.lastRequest().RunID)
	assert.Equal(t, []string{"progress", "result"}, events.types())

	_, list := do(r, http.MethodGet, "/migrations", "")
	assert.Len(t, list["migrations"], 1)
}

func TestStartWhileJobPending(t *testing.T) {
	// The fake engine never reports busy, so only the handler's own claim
	// can refuse the second request.
	eng := &fakeEngine{release: make(chan struct{})}
	r := newTestRouter(t, Deps{Engine: eng})
	body := `{"source_id":"org.mozilla.firefox","target_id":"org.mozilla.fenix"}`
	rollback := `{"path":"/sdcard/BrowserMover/org.mozilla.fenix_1700000000.tar.gz"}`

	w, _ := do(r, http.MethodPost, "/migrations", body)
	require.Equal(t, http.StatusAccepted, w.Code)

	w, _ = do(r, http.MethodPost, "/migrations", body)
	assert.Equal(t, http.StatusConflict, w.Code)
	w, _ = do(r, http.MethodPost, "/backups/rollback", rollback)
	assert.Equal(t, http.StatusConflict, w.Code)

	close(eng.release)
	require.Eventually(t, func() bool {
		w, _ := do(r, http.MethodPost, "/migrations", body)
		return w.Code == http.StatusAccepted
	}, time.Second, 10*time.Millisecond)

	_, list := do(r, http.MethodGet, "/migrations", "")
	assert.Len(t, list["migrations"], 2)
}

func TestStartMigrationBackupOverride(t *testing.T) {
	eng := &fakeEngine{}
	r := newTestRouter(t, Deps{Engine: eng, BackupByDefault: true})

	w, _ := do(r, http.MethodPost, "/migrations", `{"source_id":"org.mozilla.firefox","target_id":"org.mozilla.fenix","backup":false}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Eventually(t, func() bool {
		eng.mu.Lock()
		defer eng.mu.Unlock()
		return len(eng.requests) == 1
	}, time.Second, 10*time.Millisecond)
	assert.False(t, eng.lastRequest().Backup)
}

func TestGetMigrationErrors(t *testing.T) {
	r := newTestRouter(t, Deps{Engine: &fakeEngine{}})

	tests := []struct {
		name       string
		runID      string
		wantStatus int
	}{
		{"malformed", "not-a-run", http.StatusBadRequest},
		{"wrong prefix", id.NewRollbackID().String(), http.StatusBadRequest},
		{"unknown", id.NewRunID().String(), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := do(r, http.MethodGet, "/migrations/"+tt.runID, "")
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}

func TestListBackups(t *testing.T) {
	created := time.Unix(1700000000, 0).UTC()
	eng := &fakeEngine{archives: []backup.Archive{
		{Path: "/sdcard/BrowserMover/org.mozilla.fenix_1700000000.tar.gz", TargetID: "org.mozilla.fenix", CreatedAt: created},
	}}
	r := newTestRouter(t, Deps{Engine: eng})

	w, body := do(r, http.MethodGet, "/backups", "")
	require.Equal(t, http.StatusOK, w.Code)
	backups := body["backups"].([]any)
	require.Len(t, backups, 1)
	assert.Equal(t, "org.mozilla.fenix", backups[0].(map[string]any)["target_id"])

	empty := newTestRouter(t, Deps{Engine: &fakeEngine{}})
	_, body = do(empty, http.MethodGet, "/backups", "")
	assert.Equal(t, []any{}, body["backups"])
}

func TestRollback(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		busy       bool
		wantStatus int
	}{
		{"missing path", `{}`, false, http.StatusBadRequest},
		{"not an archive", `{"path":"/sdcard/notes.txt"}`, false, http.StatusBadRequest},
		{"bad target in name", `{"path":"/sdcard/x;rm_1700000000.tar.gz"}`, false, http.StatusBadRequest},
		{"busy", `{"path":"/sdcard/BrowserMover/org.mozilla.fenix_1700000000.tar.gz"}`, true, http.StatusConflict},
		{"accepted", `{"path":"/sdcard/BrowserMover/org.mozilla.fenix_1700000000.tar.gz"}`, false, http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := &fakeEngine{}
			eng.busy.Store(tt.busy)
			r := newTestRouter(t, Deps{Engine: eng})

			w, body := do(r, http.MethodPost, "/backups/rollback", tt.body)
			require.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus != http.StatusAccepted {
				return
			}
			rollbackID := body["rollback_id"].(string)
			assert.True(t, strings.HasPrefix(rollbackID, id.RollbackPrefix+"_"))

			require.Eventually(t, func() bool {
				_, job := do(r, http.MethodGet, "/rollbacks/"+rollbackID, "")
				return job["state"] == string(JobFinished)
			}, time.Second, 10*time.Millisecond)
			_, job := do(r, http.MethodGet, "/rollbacks/"+rollbackID, "")
			assert.Equal(t, true, job["succeeded"])
			assert.Equal(t, "org.mozilla.fenix", job["target_id"])
			assert.Len(t, job["lines"], 1)
		})
	}
}

func TestGetRollbackNotFound(t *testing.T) {
	r := newTestRouter(t, Deps{Engine: &fakeEngine{}})
	w, _ := do(r, http.MethodGet, "/rollbacks/"+id.NewRollbackID().String(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetLogs(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "migration.log")
	var sb strings.Builder
	for i := range 150 {
		sb.WriteString("line ")
		sb.WriteString(strings.Repeat("x", i%3))
		sb.WriteString("\n")
	}
	require.NoError(t, os.WriteFile(logPath, []byte(sb.String()), 0o644))

	tests := []struct {
		name       string
		logPath    string
		query      string
		wantStatus int
		wantLines  int
	}{
		{"default tail", logPath, "", http.StatusOK, 100},
		{"explicit count", logPath, "?lines=5", http.StatusOK, 5},
		{"more than available", logPath, "?lines=500", http.StatusOK, 150},
		{"invalid count", logPath, "?lines=zero", http.StatusBadRequest, 0},
		{"missing file", filepath.Join(t.TempDir(), "absent.log"), "", http.StatusOK, 0},
		{"not configured", "", "", http.StatusNotFound, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(t, Deps{Engine: &fakeEngine{}, LogPath: tt.logPath})
			w, body := do(r, http.MethodGet, "/logs"+tt.query, "")
			require.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Len(t, body["lines"], tt.wantLines)
			}
		})
	}
}

func TestMetricsJSON(t *testing.T) {
	r := newTestRouter(t, Deps{Engine: &fakeEngine{}, Metrics: monitoring.NewMetricsWith(prometheus.NewRegistry())})
	w, body := do(r, http.MethodGet, "/metrics/json", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotNil(t, body["metrics"])
	assert.Equal(t, false, body["busy"])

	disabled := newTestRouter(t, Deps{Engine: &fakeEngine{}})
	w, _ = do(disabled, http.MethodGet, "/metrics/json", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestJobsEvictOldest(t *testing.T) {
	jobs := NewJobs(2)
	for _, jobID := range []string{"a", "b", "c"} {
		jobs.Add(&Job{ID: jobID, Kind: JobMigration})
	}
	_, ok := jobs.Get("a")
	assert.False(t, ok)

	list := jobs.List(JobMigration)
	require.Len(t, list, 2)
	assert.Equal(t, "c", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
}
