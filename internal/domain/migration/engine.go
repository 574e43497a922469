// Package migration runs a migration end to end: validate, classify,
// locate, plan, then execute the phases in order while streaming progress.
//
// One Engine runs at most one migration or rollback at a time. Phases are
// fatal or not as the plan marks them; everything that goes wrong in a
// non-fatal phase is collected as a warning and reported in the Result.
package migration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/BrowserMover/internal/domain/backup"
	"github.com/GriffinCanCode/BrowserMover/internal/domain/catalog"
	"github.com/GriffinCanCode/BrowserMover/internal/domain/classify"
	"github.com/GriffinCanCode/BrowserMover/internal/domain/locate"
	"github.com/GriffinCanCode/BrowserMover/internal/domain/patch"
	"github.com/GriffinCanCode/BrowserMover/internal/domain/plan"
	"github.com/GriffinCanCode/BrowserMover/internal/executor"
	"github.com/GriffinCanCode/BrowserMover/internal/infrastructure/staging"
	"github.com/GriffinCanCode/BrowserMover/internal/shared/id"
	"github.com/GriffinCanCode/BrowserMover/internal/shared/types"
	"github.com/GriffinCanCode/BrowserMover/internal/shared/utils"
)

// Classifier resolves the family of both applications.
type Classifier interface {
	ClassifyPair(ctx context.Context, source, target string) (classify.Verdict, classify.Verdict)
}

// Locator resolves data directories.
type Locator interface {
	Locate(ctx context.Context, id string, family types.Family) (*locate.Location, error)
	LocateAllowMissingProfile(ctx context.Context, id string, family types.Family, profileName string) (*locate.Location, error)
	LocatePair(ctx context.Context, source, target string, family types.Family) (*locate.Location, *locate.Location, error)
}

// Patcher runs planned patch tasks.
type Patcher interface {
	Run(ctx context.Context, task plan.PatchTask, sub *patch.Substitution) patch.Result
}

// Backups owns the archive directory.
type Backups interface {
	PathFor(targetID string, t time.Time) string
	Inspect(ctx context.Context, archive string) (*backup.Summary, error)
	List(ctx context.Context) ([]backup.Archive, error)
	Rollback(ctx context.Context, archive string, onLine func(string)) error
}

// Observer receives engine metrics.
type Observer interface {
	ObservePhase(kind, outcome string, d time.Duration)
	ObserveMigration(family, status string, d time.Duration)
	ObserveRollback(outcome string)
	SetActive(active bool)
}

// Options wires an Engine.
type Options struct {
	Executor   executor.Executor
	Catalog    *catalog.Catalog
	Classifier Classifier
	Locator    Locator
	Patcher    Patcher
	Backups    Backups
	Area       *staging.Area

	// Sqlite3 is the preferred sqlite3 binary for checkpoints.
	Sqlite3 string
	// Timeout bounds a whole migration.
	Timeout time.Duration
	// StopWait bounds how long the engine waits for stopped processes to
	// exit.
	StopWait time.Duration

	Logger *zap.Logger
	// RunLog receives every phase transition and script line.
	RunLog  *zap.Logger
	LogPath string

	Observer Observer
	// Dispatch delivers progress callbacks on the caller's context. The
	// default calls them inline.
	Dispatch func(func())
}

// Request names the two applications of a migration.
type Request struct {
	SourceID string `json:"source_id"`
	TargetID string `json:"target_id"`
	Backup   bool   `json:"backup"`
	// RunID is generated when empty.
	RunID id.RunID `json:"run_id,omitempty"`
}

// Engine runs migrations and rollbacks.
type Engine struct {
	opts   Options
	logger *zap.Logger
	runLog *zap.Logger
	busy   sync.Mutex
}

// New creates an engine
func New(opts Options) *Engine {
	if opts.Catalog == nil {
		opts.Catalog = catalog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	if opts.Dispatch == nil {
		opts.Dispatch = func(f func()) { f() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	runLog := opts.RunLog
	if runLog == nil {
		runLog = zap.NewNop()
	}
	return &Engine{opts: opts, logger: logger.Named("migration"), runLog: runLog}
}

// Busy reports whether a migration or rollback is running.
func (e *Engine) Busy() bool {
	if e.busy.TryLock() {
		e.busy.Unlock()
		return false
	}
	return true
}

// run is the state of one migration attempt.
type run struct {
	req        Request
	result     *Result
	onProgress ProgressFunc
	log        *zap.Logger
	tail       tail
	warnings   []string

	family types.Family
	cross  bool
	src    *locate.Location
	dst    *locate.Location
	plan   *plan.Plan
	sub    *patch.Substitution
	dir    string
}

func (r *run) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.warnings = append(r.warnings, msg)
	r.log.Warn("warning", zap.String("text", msg))
}

// Migrate moves the browsing data of req.SourceID into req.TargetID. It
// returns exactly one Result and never panics on a bad request.
func (e *Engine) Migrate(ctx context.Context, req Request, onProgress ProgressFunc) *Result {
	if req.RunID == "" {
		req.RunID = id.NewRunID()
	}
	started := time.Now()
	r := &run{
		req:        req,
		result:     &Result{RunID: req.RunID, LogPath: e.opts.LogPath, StartedAt: started},
		onProgress: onProgress,
		log:        e.runLog.With(zap.String("run", req.RunID.String())),
		tail:       tail{n: detailLines},
	}

	if !e.busy.TryLock() {
		return e.finish(r, ErrBusy)
	}
	defer e.busy.Unlock()
	e.setActive(true)
	defer e.setActive(false)

	ctx, cancel := context.WithTimeoutCause(ctx, e.opts.Timeout, ErrTimedOut)
	defer cancel()

	e.logger.Info("Migration started",
		zap.String("run", req.RunID.String()),
		zap.String("source", req.SourceID),
		zap.String("target", req.TargetID),
		zap.Bool("backup", req.Backup))
	r.log.Info("migration started",
		zap.String("source", req.SourceID),
		zap.String("target", req.TargetID),
		zap.Bool("backup", req.Backup))

	err := e.execute(ctx, r)
	if r.dir != "" {
		os.RemoveAll(r.dir)
	}
	if ctx.Err() != nil {
		err = e.interrupted(ctx)
	}
	res := e.finish(r, err)
	if e.opts.Observer != nil {
		e.opts.Observer.ObserveMigration(r.family.String(), string(res.Status), time.Since(started))
	}
	return res
}

// execute runs every phase and returns the error that aborted the run.
func (e *Engine) execute(ctx context.Context, r *run) error {
	leading := plan.Leading()

	validate := &leading[0]
	e.progress(r, validate, "checking identifiers")
	if err := utils.ValidateApplicationID(r.req.SourceID, "source"); err != nil {
		return err
	}
	if err := utils.ValidateApplicationID(r.req.TargetID, "target"); err != nil {
		return err
	}
	if err := utils.ValidateDistinct(r.req.SourceID, r.req.TargetID); err != nil {
		return err
	}
	e.progress(r, validate, "identifiers are valid")

	classifyPhase := &leading[1]
	e.progress(r, classifyPhase, "resolving data-layout families")
	if err := e.resolve(ctx, r); err != nil {
		return err
	}
	e.progress(r, classifyPhase, fmt.Sprintf("%s layout", r.family))

	if err := e.prepare(ctx, r); err != nil {
		return err
	}

	for i := len(leading); i < len(r.plan.Phases); i++ {
		if ctx.Err() != nil {
			return e.interrupted(ctx)
		}
		if err := e.runPhase(ctx, r, &r.plan.Phases[i]); err != nil {
			return err
		}
	}
	return nil
}

// interrupted tells a timeout apart from the caller cancelling ctx.
func (e *Engine) interrupted(ctx context.Context) error {
	if errors.Is(context.Cause(ctx), ErrTimedOut) {
		return fmt.Errorf("%w after %s", ErrTimedOut, e.opts.Timeout)
	}
	return ErrCancelled
}

// resolve classifies both sides and locates their data.
func (e *Engine) resolve(ctx context.Context, r *run) error {
	srcV, dstV := e.opts.Classifier.ClassifyPair(ctx, r.req.SourceID, r.req.TargetID)
	r.log.Info("classified",
		zap.String("source_family", srcV.Family.String()),
		zap.String("source_strategy", srcV.Strategy),
		zap.String("target_family", dstV.Family.String()),
		zap.String("target_strategy", dstV.Strategy))

	switch {
	case !srcV.Family.Known() && !dstV.Family.Known():
		return &ClassificationError{SourceID: r.req.SourceID, TargetID: r.req.TargetID}
	case srcV.Family.Known():
		r.family = srcV.Family
	default:
		r.family = dstV.Family
	}
	switch {
	case srcV.Family.Known() && dstV.Family.Known() && srcV.Family != dstV.Family:
		r.cross = true
		r.warn("%s uses the %s layout and %s the %s layout; extension data will not transfer, only core data is copied",
			r.req.SourceID, srcV.Family, r.req.TargetID, dstV.Family)
	case !srcV.Family.Known():
		r.warn("%s could not be classified; assuming the %s layout", r.req.SourceID, r.family)
	case !dstV.Family.Known():
		r.warn("%s could not be classified; assuming the %s layout", r.req.TargetID, r.family)
	}
	r.result.Family = r.family
	r.result.CrossFamily = r.cross

	if !r.cross {
		src, dst, err := e.opts.Locator.LocatePair(ctx, r.req.SourceID, r.req.TargetID, r.family)
		if err != nil {
			return err
		}
		r.src, r.dst = src, dst
		return nil
	}

	src, err := e.opts.Locator.Locate(ctx, r.req.SourceID, r.family)
	if err != nil {
		return locate.TagSide(err, locate.SideSource)
	}
	dst, err := e.opts.Locator.LocateAllowMissingProfile(ctx, r.req.TargetID, r.family, src.ProfileName)
	if err != nil {
		return locate.TagSide(err, locate.SideTarget)
	}
	if dst.Synthesized {
		r.warn("%s has no %s profile; one is created at %s", r.req.TargetID, r.family, dst.ContentDir)
	}
	r.src, r.dst = src, dst
	return nil
}

// prepare inventories the source profile and builds the plan.
func (e *Engine) prepare(ctx context.Context, r *run) error {
	inventory, err := e.inventory(ctx, r.src)
	if err != nil {
		return err
	}
	cat := e.opts.Catalog
	sel := cat.Select(r.family, cat.Categories(r.family, r.cross), inventory)
	r.log.Info("selected entries", zap.Strings("paths", sel.Paths()), zap.Strings("excluded", sel.Excluded))

	req := plan.Request{
		Catalog:     cat,
		Family:      r.family,
		CrossFamily: r.cross,
		Source:      r.src,
		Target:      r.dst,
		Selection:   sel,
		Backup:      r.req.Backup && e.opts.Backups != nil,
		Sqlite3:     e.opts.Sqlite3,
	}
	if req.Backup {
		req.BackupPath = e.opts.Backups.PathFor(r.req.TargetID, time.Now())
	}
	p, err := plan.Build(req)
	if err != nil {
		return err
	}
	r.plan = p
	r.sub = patch.NewSubstitution(r.src, r.dst)
	if req.Backup {
		r.result.BackupPath = req.BackupPath
	}

	dir, err := e.opts.Area.ScriptDir(r.req.RunID.String())
	if err != nil {
		return err
	}
	r.dir = dir
	return nil
}

// inventory lists the source content directory, three levels deep, as
// content-relative paths.
func (e *Engine) inventory(ctx context.Context, src *locate.Location) ([]string, error) {
	cmd := fmt.Sprintf("cd %s && find . -mindepth 1 -maxdepth 3", executor.Quote(src.ContentDir))
	res, err := executor.Run(ctx, e.opts.Executor, cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to list source profile: %w", err)
	}
	lines := res.Lines()
	inventory := make([]string, 0, len(lines))
	for _, l := range lines {
		if rel := strings.TrimPrefix(l, "./"); rel != "" && rel != "." {
			inventory = append(inventory, rel)
		}
	}
	return inventory, nil
}

func (e *Engine) finish(r *run, err error) *Result {
	res := r.result
	res.FinishedAt = time.Now()
	res.Warnings = r.warnings
	if res.Warnings == nil {
		res.Warnings = []string{}
	}

	switch {
	case err != nil:
		res.Status = StatusFailure
		res.Err = err
		res.Error = err.Error()
		res.Detail = r.tail.snapshot()
		res.Summary = fmt.Sprintf("Migration from %s to %s failed: %v", e.label(r.req.SourceID), e.label(r.req.TargetID), err)
		if res.BackupPath != "" && !errors.Is(err, ErrBusy) {
			res.Summary += "; roll back from " + res.BackupPath
		}
	case len(res.Warnings) > 0:
		res.Status = StatusSuccessWithWarnings
		res.Summary = fmt.Sprintf("Migrated %s to %s with %d warning(s)", e.label(r.req.SourceID), e.label(r.req.TargetID), len(res.Warnings))
	default:
		res.Status = StatusSuccess
		res.Summary = fmt.Sprintf("Migrated %s to %s", e.label(r.req.SourceID), e.label(r.req.TargetID))
	}

	r.log.Info("migration finished",
		zap.String("status", string(res.Status)),
		zap.String("summary", res.Summary),
		zap.Strings("warnings", res.Warnings))
	fields := []zap.Field{
		zap.String("run", res.RunID.String()),
		zap.String("status", string(res.Status)),
		zap.Int("warnings", len(res.Warnings)),
		zap.Duration("duration", res.FinishedAt.Sub(res.StartedAt)),
	}
	if err != nil {
		e.logger.Error("Migration failed", append(fields, zap.Error(err))...)
	} else {
		e.logger.Info("Migration finished", fields...)
	}
	return res
}

func (e *Engine) label(id string) string {
	if name := e.opts.Catalog.DisplayName(id); name != "" {
		return name
	}
	return id
}

func (e *Engine) progress(r *run, ph *plan.Phase, detail string) {
	if r.onProgress == nil {
		return
	}
	ev := Progress{Phase: ph.Index, PhaseName: ph.Name, Detail: detail, Percent: ph.Percent}
	cb := r.onProgress
	e.opts.Dispatch(func() { cb(ev) })
}

func (e *Engine) setActive(active bool) {
	if e.opts.Observer != nil {
		e.opts.Observer.SetActive(active)
	}
}

// ListBackups returns the archives in the backup directory, newest first.
func (e *Engine) ListBackups(ctx context.Context) ([]backup.Archive, error) {
	if e.opts.Backups == nil {
		return nil, nil
	}
	return e.opts.Backups.List(ctx)
}

// Rollback restores a target from archive. Every output line, including
// the reason for a refusal, is passed to onLine. It reports whether the
// restore succeeded.
func (e *Engine) Rollback(ctx context.Context, archive string, onLine func(string)) bool {
	emit := func(line string) {
		if onLine != nil {
			e.opts.Dispatch(func() { onLine(line) })
		}
	}
	if e.opts.Backups == nil {
		emit(plan.LevelErr.Marker() + " backups are not configured")
		return false
	}
	if !e.busy.TryLock() {
		emit(plan.LevelErr.Marker() + " " + ErrBusy.Error())
		return false
	}
	defer e.busy.Unlock()
	e.setActive(true)
	defer e.setActive(false)

	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	log := e.runLog.With(zap.String("rollback", archive))
	err := e.opts.Backups.Rollback(ctx, archive, func(line string) {
		log.Info("line", zap.String("text", line))
		emit(line)
	})
	outcome := "ok"
	if err != nil {
		outcome = "failed"
		emit(plan.LevelErr.Marker() + " " + err.Error())
		e.logger.Error("Rollback failed", zap.String("archive", archive), zap.Error(err))
	} else {
		e.logger.Info("Rollback finished", zap.String("archive", archive))
	}
	log.Info("rollback finished", zap.String("outcome", outcome))
	if e.opts.Observer != nil {
		e.opts.Observer.ObserveRollback(outcome)
	}
	return err == nil
}
