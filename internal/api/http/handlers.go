// Package http exposes the migration engine over a small REST API.
//
// Migrations and rollbacks are started asynchronously: the request returns
// 202 with a job identifier, progress is pushed to websocket clients, and
// the job can be polled until it finishes. The engine runs one job at a
// time; a second request while one is running gets 409.
package http

import (
	"context"
	"net/http"
	"path"
	"sync/atomic"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/BrowserMover/internal/api/ws"
	"github.com/GriffinCanCode/BrowserMover/internal/domain/backup"
	"github.com/GriffinCanCode/BrowserMover/internal/domain/catalog"
	"github.com/GriffinCanCode/BrowserMover/internal/domain/classify"
	"github.com/GriffinCanCode/BrowserMover/internal/domain/discovery"
	"github.com/GriffinCanCode/BrowserMover/internal/domain/locate"
	"github.com/GriffinCanCode/BrowserMover/internal/domain/migration"
	"github.com/GriffinCanCode/BrowserMover/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/BrowserMover/internal/shared/id"
	"github.com/GriffinCanCode/BrowserMover/internal/shared/types"
	"github.com/GriffinCanCode/BrowserMover/internal/shared/utils"
)

// Engine is the migration engine as the API uses it.
type Engine interface {
	Migrate(ctx context.Context, req migration.Request, onProgress migration.ProgressFunc) *migration.Result
	Rollback(ctx context.Context, archive string, onLine func(string)) bool
	ListBackups(ctx context.Context) ([]backup.Archive, error)
	Busy() bool
}

// Classifier classifies one application.
type Classifier interface {
	ClassifyDetailed(ctx context.Context, id string) classify.Verdict
}

// Locator locates one application's data.
type Locator interface {
	Locate(ctx context.Context, id string, family types.Family) (*locate.Location, error)
}

// Publisher pushes events to live clients.
type Publisher interface {
	Publish(typ, jobID string, data any)
}

// Deps wires Handlers.
type Deps struct {
	Engine     Engine
	Classifier Classifier
	Locator    Locator
	Resolver   discovery.Resolver
	Catalog    *catalog.Catalog
	Events     Publisher
	Metrics    *monitoring.Metrics
	Jobs       *Jobs
	// LogPath is the rolling migration log served by /logs.
	LogPath string
	// BackupByDefault applies when a migration request omits "backup".
	BackupByDefault bool
	Logger          *zap.Logger
}

// Handlers contains all HTTP handlers
type Handlers struct {
	deps   Deps
	logger *zap.Logger
	// claimed is held from a 202 until the engine returns.
	claimed atomic.Bool
}

// NewHandlers creates a new handler set
func NewHandlers(deps Deps) *Handlers {
	if deps.Jobs == nil {
		deps.Jobs = NewJobs(0)
	}
	if deps.Catalog == nil {
		deps.Catalog = catalog.Default()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{deps: deps, logger: logger.Named("api")}
}

// Health handles the health check
func (h *Handlers) Health(c *gin.Context) {
	respond(c, http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "browser-mover",
		"busy":    h.deps.Engine.Busy(),
	})
}

// AppReport describes one application.
type AppReport struct {
	Record        types.ApplicationRecord `json:"record"`
	Strategy      string                  `json:"strategy,omitempty"`
	Location      *locate.Location        `json:"location,omitempty"`
	LocationError string                  `json:"location_error,omitempty"`
}

// GetApp classifies an application and locates its data
func (h *Handlers) GetApp(c *gin.Context) {
	appID := c.Param("id")
	if err := utils.ValidateApplicationID(appID, "application"); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	ctx := c.Request.Context()

	verdict := h.deps.Classifier.ClassifyDetailed(ctx, appID)
	report := AppReport{
		Record:   types.ApplicationRecord{ID: appID, DisplayName: h.deps.Catalog.DisplayName(appID), Family: verdict.Family},
		Strategy: verdict.Strategy,
	}
	if h.deps.Resolver != nil {
		meta, err := h.deps.Resolver.Resolve(ctx, appID)
		if err != nil {
			h.logger.Warn("Metadata lookup failed", zap.String("id", appID), zap.Error(err))
		}
		report.Record.Installed = meta.Installed
		if report.Record.DisplayName == "" {
			report.Record.DisplayName = meta.DisplayName
		}
	}
	if verdict.Family.Known() {
		loc, err := h.deps.Locator.Locate(ctx, appID, verdict.Family)
		if err != nil {
			report.LocationError = err.Error()
		} else {
			report.Location = loc
		}
	}
	respond(c, http.StatusOK, report)
}

// MigrationRequest is the body of POST /migrations.
type MigrationRequest struct {
	SourceID string `json:"source_id" binding:"required"`
	TargetID string `json:"target_id" binding:"required"`
	Backup   *bool  `json:"backup"`
}

// StartMigration starts a migration in the background
func (h *Handlers) StartMigration(c *gin.Context) {
	var req MigrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "source_id and target_id are required")
		return
	}
	for _, check := range []error{
		utils.ValidateApplicationID(req.SourceID, "source"),
		utils.ValidateApplicationID(req.TargetID, "target"),
		utils.ValidateDistinct(req.SourceID, req.TargetID),
	} {
		if check != nil {
			fail(c, http.StatusBadRequest, check.Error())
			return
		}
	}
	if !h.claim() {
		fail(c, http.StatusConflict, migration.ErrBusy.Error())
		return
	}

	backupWanted := h.deps.BackupByDefault
	if req.Backup != nil {
		backupWanted = *req.Backup
	}
	runID := id.NewRunID()
	jobID := runID.String()
	h.deps.Jobs.Add(&Job{ID: jobID, Kind: JobMigration, SourceID: req.SourceID, TargetID: req.TargetID})

	mreq := migration.Request{SourceID: req.SourceID, TargetID: req.TargetID, Backup: backupWanted, RunID: runID}
	go h.runMigration(jobID, mreq)

	respond(c, http.StatusAccepted, gin.H{"run_id": jobID, "status_url": "/migrations/" + jobID})
}

// runMigration is detached from the request: a migration past the clear
// phase must not be cancelled.
func (h *Handlers) runMigration(jobID string, req migration.Request) {
	res := h.deps.Engine.Migrate(context.Background(), req, func(p migration.Progress) {
		h.deps.Jobs.Update(jobID, func(j *Job) { j.Progress = &p })
		h.publish(ws.TypeProgress, jobID, p)
	})
	h.claimed.Store(false)
	h.deps.Jobs.Update(jobID, func(j *Job) {
		j.Result = res
		j.finish()
	})
	h.publish(ws.TypeResult, jobID, res)
}

// GetMigration returns one migration job
func (h *Handlers) GetMigration(c *gin.Context) {
	runID, err := id.ParseRunID(c.Param("id"))
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	job, ok := h.deps.Jobs.Get(runID.String())
	if !ok || job.Kind != JobMigration {
		fail(c, http.StatusNotFound, "migration not found")
		return
	}
	respond(c, http.StatusOK, job)
}

// ListMigrations lists recent migration jobs
func (h *Handlers) ListMigrations(c *gin.Context) {
	respond(c, http.StatusOK, gin.H{"migrations": h.deps.Jobs.List(JobMigration)})
}

// ListBackups lists the backup archives
func (h *Handlers) ListBackups(c *gin.Context) {
	archives, err := h.deps.Engine.ListBackups(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list backups", zap.Error(err))
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	if archives == nil {
		archives = []backup.Archive{}
	}
	respond(c, http.StatusOK, gin.H{"backups": archives})
}

// RollbackRequest is the body of POST /backups/rollback.
type RollbackRequest struct {
	Path string `json:"path" binding:"required"`
}

// StartRollback restores a target from an archive in the background
func (h *Handlers) StartRollback(c *gin.Context) {
	var req RollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "path is required")
		return
	}
	target, _, err := backup.ParseName(path.Base(req.Path))
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if !h.claim() {
		fail(c, http.StatusConflict, migration.ErrBusy.Error())
		return
	}

	jobID := id.NewRollbackID().String()
	h.deps.Jobs.Add(&Job{ID: jobID, Kind: JobRollback, Archive: req.Path, TargetID: target})
	go h.runRollback(jobID, req.Path)

	respond(c, http.StatusAccepted, gin.H{"rollback_id": jobID, "status_url": "/rollbacks/" + jobID})
}

// claim reserves the engine for one background job. It fails while another
// job started here is in flight or the engine is busy with outside work.
func (h *Handlers) claim() bool {
	if !h.claimed.CompareAndSwap(false, true) {
		return false
	}
	if h.deps.Engine.Busy() {
		h.claimed.Store(false)
		return false
	}
	return true
}

func (h *Handlers) runRollback(jobID, archive string) {
	ok := h.deps.Engine.Rollback(context.Background(), archive, func(line string) {
		h.deps.Jobs.Update(jobID, func(j *Job) { j.addLine(line) })
		h.publish(ws.TypeLine, jobID, line)
	})
	h.claimed.Store(false)
	h.deps.Jobs.Update(jobID, func(j *Job) {
		j.Succeeded = &ok
		j.finish()
	})
	h.publish(ws.TypeResult, jobID, gin.H{"succeeded": ok, "archive": archive})
}

// GetRollback returns one rollback job
func (h *Handlers) GetRollback(c *gin.Context) {
	job, ok := h.deps.Jobs.Get(c.Param("id"))
	if !ok || job.Kind != JobRollback {
		fail(c, http.StatusNotFound, "rollback not found")
		return
	}
	respond(c, http.StatusOK, job)
}

func (h *Handlers) publish(typ, jobID string, data any) {
	if h.deps.Events != nil {
		h.deps.Events.Publish(typ, jobID, data)
	}
}

// respond encodes v with sonic.
func respond(c *gin.Context, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode response"})
		return
	}
	c.Data(status, "application/json; charset=utf-8", data)
}

func fail(c *gin.Context, status int, msg string) {
	respond(c, status, gin.H{"error": msg})
}
