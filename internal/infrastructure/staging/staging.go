// Package staging manages the local work area where scripts are rendered
// and artifacts are patched before being moved back into place.
//
// Everything under the area is disposable. Runs that were killed leave
// files behind; Sweep removes them once they are old enough that no live
// run can still own them.
package staging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charlievieth/fastwalk"
	"github.com/google/uuid"
)

// Area is a staging directory.
type Area struct {
	Dir string
}

// New creates the staging directory if needed.
func New(dir string) (*Area, error) {
	if dir == "" {
		return nil, fmt.Errorf("staging directory not configured")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	return &Area{Dir: dir}, nil
}

// Path returns name inside the area.
func (a *Area) Path(name string) string {
	return filepath.Join(a.Dir, name)
}

// Temp returns a fresh, unused file name inside the area.
func (a *Area) Temp(prefix string) string {
	return filepath.Join(a.Dir, prefix+"-"+uuid.NewString())
}

// ScriptDir creates and returns the script directory of one run.
func (a *Area) ScriptDir(runID string) (string, error) {
	dir := filepath.Join(a.Dir, "scripts", runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create script directory: %w", err)
	}
	return dir, nil
}

// Sweep removes top-level files and run directories older than maxAge and
// returns how many entries it removed.
func (a *Area) Sweep(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	scripts := filepath.Join(a.Dir, "scripts")

	var (
		mu    sync.Mutex
		stale []string
	)
	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, a.Dir, func(p string, d os.DirEntry, err error) error {
		if err != nil || p == a.Dir || p == scripts {
			return nil
		}
		parent := filepath.Dir(p)
		if parent != a.Dir && parent != scripts {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info, err := d.Info(); err == nil && info.ModTime().Before(cutoff) {
			mu.Lock()
			stale = append(stale, p)
			mu.Unlock()
		}
		if d.IsDir() {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan staging directory: %w", err)
	}

	removed := 0
	for _, p := range stale {
		if err := os.RemoveAll(p); err == nil {
			removed++
		}
	}
	return removed, nil
}
