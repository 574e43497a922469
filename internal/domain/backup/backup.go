// Package backup enumerates, inspects and restores the archives the engine
// writes before it mutates a target.
//
// Archives are named <targetId>_<unixTimestamp>.tar.gz and hold the target's
// data root as a single top-level directory. Rollback is independent of any
// migration: it needs only the archive and the target's current data root.
package backup

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/BrowserMover/internal/domain/plan"
	"github.com/GriffinCanCode/BrowserMover/internal/executor"
	"github.com/GriffinCanCode/BrowserMover/internal/infrastructure/staging"
	"github.com/GriffinCanCode/BrowserMover/internal/shared/id"
	"github.com/GriffinCanCode/BrowserMover/internal/shared/utils"
)

const (
	namePattern = "*_*.tar.gz"
	suffix      = ".tar.gz"
)

var nameRe = regexp.MustCompile(`^(.+)_(\d+)\.tar\.gz$`)

// Archive is one backup on disk.
type Archive struct {
	Path      string    `json:"path"`
	TargetID  string    `json:"target_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Summary describes an archive's content.
type Summary struct {
	Entries int   `json:"entries"`
	Files   int   `json:"files"`
	Bytes   int64 `json:"bytes"`
	// Top is the single top-level directory every entry lives under.
	Top string `json:"top"`
}

var (
	// ErrOutsideDir rejects archives that do not live in the backup directory.
	ErrOutsideDir = errors.New("archive is not in the backup directory")
	// ErrBadName rejects files that do not follow the archive naming scheme.
	ErrBadName = errors.New("archive name does not follow <targetId>_<timestamp>.tar.gz")
	// ErrUnsafeArchive rejects archives with entries outside their root.
	ErrUnsafeArchive = errors.New("archive holds entries outside its data root")
)

// RootFinder resolves an application's data root.
type RootFinder interface {
	FindRoot(ctx context.Context, id string) (string, error)
}

// Manager owns the backup directory.
type Manager struct {
	exec   executor.Executor
	dir    string
	area   *staging.Area
	roots  RootFinder
	keep   []string
	logger *zap.Logger
}

// NewManager creates a manager for archives under dir. keep names root
// entries a rollback must leave in place.
func NewManager(exec executor.Executor, dir string, area *staging.Area, roots RootFinder, keep []string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		exec:   exec,
		dir:    strings.TrimSuffix(path.Clean(dir), "/"),
		area:   area,
		roots:  roots,
		keep:   keep,
		logger: logger.Named("backup"),
	}
}

// Dir returns the backup directory.
func (m *Manager) Dir() string {
	return m.dir
}

// PathFor returns the archive path for a backup of targetID taken at t.
func (m *Manager) PathFor(targetID string, t time.Time) string {
	return path.Join(m.dir, fmt.Sprintf("%s_%d%s", targetID, t.Unix(), suffix))
}

// ParseName extracts the target identifier and creation time from an
// archive file name.
func ParseName(name string) (string, time.Time, error) {
	if ok, _ := doublestar.Match(namePattern, name); !ok {
		return "", time.Time{}, ErrBadName
	}
	m := nameRe.FindStringSubmatch(name)
	if m == nil || !utils.IsValidApplicationID(m[1]) {
		return "", time.Time{}, ErrBadName
	}
	ts, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return "", time.Time{}, ErrBadName
	}
	return m[1], time.Unix(ts, 0), nil
}

// List returns the archives in the backup directory, newest first. Files
// that do not follow the naming scheme are ignored.
func (m *Manager) List(ctx context.Context) ([]Archive, error) {
	dir := executor.Quote(m.dir)
	res, err := executor.Run(ctx, m.exec, fmt.Sprintf("[ -d %s ] || exit 0; ls -1 %s", dir, dir))
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	var out []Archive
	for _, name := range res.Lines() {
		target, created, err := ParseName(name)
		if err != nil {
			continue
		}
		out = append(out, Archive{Path: path.Join(m.dir, name), TargetID: target, CreatedAt: created})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Inspect reads an archive end to end and summarizes it. An archive that
// cannot be read completely is reported as an error.
func (m *Manager) Inspect(ctx context.Context, archive string) (*Summary, error) {
	f, err := os.Open(archive)
	if errors.Is(err, os.ErrPermission) && m.area != nil {
		// Archives written by the privileged shell may not be readable here.
		local := m.area.Temp("inspect")
		cmd := fmt.Sprintf("cp -f -- %s %s && chmod 0644 %s",
			executor.Quote(archive), executor.Quote(local), executor.Quote(local))
		if _, rerr := executor.Run(ctx, m.exec, cmd); rerr != nil {
			return nil, fmt.Errorf("failed to stage archive: %w", rerr)
		}
		defer os.Remove(local)
		f, err = os.Open(local)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	return summarize(f)
}

func summarize(r io.Reader) (*Summary, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("archive is not gzip-compressed: %w", err)
	}
	defer zr.Close()

	s := &Summary{}
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("archive is truncated or corrupt: %w", err)
		}
		name := strings.TrimPrefix(hdr.Name, "./")
		top, _, _ := strings.Cut(name, "/")
		switch {
		case s.Top == "":
			s.Top = top
		case top != s.Top:
			return nil, fmt.Errorf("%w: %s", ErrUnsafeArchive, hdr.Name)
		}
		if path.IsAbs(hdr.Name) || slices.Contains(strings.Split(name, "/"), "..") {
			return nil, fmt.Errorf("%w: %s", ErrUnsafeArchive, hdr.Name)
		}

		s.Entries++
		if hdr.Typeflag == tar.TypeReg {
			s.Files++
			n, err := io.Copy(io.Discard, tr)
			if err != nil {
				return nil, fmt.Errorf("archive is truncated or corrupt: %w", err)
			}
			s.Bytes += n
		}
	}
	if s.Entries == 0 {
		return nil, errors.New("archive is empty")
	}
	return s, nil
}

// Rollback restores the target named by the archive from it: stop, clear
// the data root, extract, then restore ownership and labels. Script output
// is passed to onLine.
func (m *Manager) Rollback(ctx context.Context, archive string, onLine func(string)) error {
	clean := path.Clean(archive)
	if path.Dir(clean) != m.dir {
		return ErrOutsideDir
	}
	target, _, err := ParseName(path.Base(clean))
	if err != nil {
		return err
	}

	summary, err := m.Inspect(ctx, clean)
	if err != nil {
		return err
	}
	root, err := m.roots.FindRoot(ctx, target)
	if err != nil {
		return err
	}
	if summary.Top != path.Base(root) {
		return fmt.Errorf("%w: archive root %q does not match %s", ErrUnsafeArchive, summary.Top, root)
	}

	rid := id.NewRollbackID()
	log := m.logger.With(zap.String("rollback_id", rid.String()), zap.String("target", target))
	log.Info("Starting rollback", zap.String("archive", clean), zap.Int("entries", summary.Entries))

	dir, err := m.area.ScriptDir(rid.String())
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	p := plan.BuildRollback(plan.RollbackRequest{TargetID: target, Root: root, Archive: clean, Keep: m.keep})
	for i := range p.Phases {
		ph := &p.Phases[i]
		out, err := plan.Execute(ctx, m.exec, dir, ph, onLine)
		if err != nil {
			return fmt.Errorf("rollback phase %q: %w", ph.Name, err)
		}
		if out.Failed() {
			if ph.Fatal {
				return fmt.Errorf("rollback phase %q failed: %s", ph.Name, strings.Join(out.Errors, "; "))
			}
			log.Warn("Rollback phase reported problems", zap.String("phase", ph.Name), zap.Strings("warnings", out.Warnings))
		}
	}
	log.Info("Rollback finished")
	return nil
}
