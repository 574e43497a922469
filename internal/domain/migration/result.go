package migration

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/GriffinCanCode/BrowserMover/internal/shared/id"
	"github.com/GriffinCanCode/BrowserMover/internal/shared/types"
)

// Status is the overall health of a finished migration.
type Status string

const (
	StatusSuccess             Status = "success"
	StatusSuccessWithWarnings Status = "success_with_warnings"
	StatusFailure             Status = "failure"
)

// detailLines is how many trailing log lines a failure carries.
const detailLines = 10

// Result is the sealed outcome of one Migrate call.
type Result struct {
	RunID       id.RunID     `json:"run_id"`
	Status      Status       `json:"status"`
	Family      types.Family `json:"family"`
	CrossFamily bool         `json:"cross_family"`
	Summary     string       `json:"summary"`
	Warnings    []string     `json:"warnings"`
	// Err is set on failure; Error carries its text for encoders.
	Err   error  `json:"-"`
	Error string `json:"error,omitempty"`
	// Detail holds the last log lines of a failed run.
	Detail     []string  `json:"detail,omitempty"`
	LogPath    string    `json:"log_path,omitempty"`
	BackupPath string    `json:"backup_path,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Succeeded reports whether the migration completed, with or without
// warnings.
func (r *Result) Succeeded() bool {
	return r.Status == StatusSuccess || r.Status == StatusSuccessWithWarnings
}

// Progress is one live progress event.
type Progress struct {
	Phase     int    `json:"phase"`
	PhaseName string `json:"phase_name"`
	Detail    string `json:"detail"`
	Percent   int    `json:"percent"`
}

// ProgressFunc receives progress events.
type ProgressFunc func(Progress)

// ClassificationError reports that neither application belongs to a known
// data-layout family.
type ClassificationError struct {
	SourceID string
	TargetID string
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("neither %s nor %s is a recognised browser", e.SourceID, e.TargetID)
}

// SecurityRestoreError reports that the target's ownership or labels could
// not be restored, leaving it unreadable by its own process.
type SecurityRestoreError struct {
	TargetID string
	Err      error
}

func (e *SecurityRestoreError) Error() string {
	return fmt.Sprintf("could not restore ownership of %s: %v", e.TargetID, e.Err)
}

func (e *SecurityRestoreError) Unwrap() error { return e.Err }

// ErrBusy is returned while another migration or rollback runs.
var ErrBusy = errors.New("a migration or rollback is already running")

var (
	// ErrTimedOut ends a migration that ran past its timeout.
	ErrTimedOut = errors.New("migration timed out")
	// ErrCancelled ends a migration whose caller gave up on it.
	ErrCancelled = errors.New("migration cancelled")
)

// tail keeps the last n lines written to it.
type tail struct {
	n     int
	lines []string
}

func (t *tail) add(line string) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return
	}
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *tail) snapshot() []string {
	return append([]string(nil), t.lines...)
}
