// Package locate finds where an application keeps its private data.
//
// Locating is read-only and goes through the privileged executor, since the
// directories involved belong to other applications.
package locate

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/GriffinCanCode/BrowserMover/internal/domain/catalog"
	"github.com/GriffinCanCode/BrowserMover/internal/domain/discovery"
	"github.com/GriffinCanCode/BrowserMover/internal/executor"
	"github.com/GriffinCanCode/BrowserMover/internal/shared/types"
)

// Location is a resolved data directory.
type Location struct {
	ID     string       `json:"id"`
	Family types.Family `json:"family"`
	// Root is the application's private data root.
	Root string `json:"root"`
	// ContentDir holds the browsing data: the live profile directory for
	// Gecko, the app_* base directory for Chromium.
	ContentDir string `json:"content_dir"`
	// ProfileName is the Gecko profile directory name or the Chromium base
	// directory name.
	ProfileName string `json:"profile_name"`
	// Synthesized marks a ContentDir that does not exist yet.
	Synthesized bool `json:"synthesized,omitempty"`
}

// Rel returns p relative to the content directory, or "" if p lies outside.
func (l *Location) Rel(p string) string {
	rel, ok := strings.CutPrefix(p, l.ContentDir+"/")
	if !ok {
		return ""
	}
	return rel
}

// Path joins content-relative elements onto the content directory.
func (l *Location) Path(rel string) string {
	return path.Join(l.ContentDir, rel)
}

// Side names which application of a migration an error concerns.
type Side string

const (
	SideSource Side = "source"
	SideTarget Side = "target"
)

// LocationError reports a missing data root or profile.
type LocationError struct {
	Side   Side
	ID     string
	Reason string
	Err    error
}

func (e *LocationError) Error() string {
	who := "application"
	if e.Side != "" {
		who = string(e.Side) + " application"
	}
	return fmt.Sprintf("%s %s: %s; launch the application once so it creates its profile, then retry", who, e.ID, e.Reason)
}

func (e *LocationError) Unwrap() error { return e.Err }

// Options configures a Locator.
type Options struct {
	// Prefix is prepended to every canonical data root. It is empty on a
	// device and points at a fixture tree in tests.
	Prefix string
	// SearchRoot and SearchDepth bound the last-resort directory search.
	SearchRoot  string
	SearchDepth int
}

// Locator resolves data roots and profiles.
type Locator struct {
	exec     executor.Executor
	resolver discovery.Resolver
	catalog  *catalog.Catalog
	opts     Options
	logger   *zap.Logger
}

// New creates a locator
func New(exec executor.Executor, resolver discovery.Resolver, cat *catalog.Catalog, opts Options, logger *zap.Logger) *Locator {
	if opts.SearchDepth <= 0 {
		opts.SearchDepth = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Locator{exec: exec, resolver: resolver, catalog: cat, opts: opts, logger: logger.Named("locate")}
}

// Roots returns the canonical data roots of id in probe order.
func (l *Locator) Roots(id string) []string {
	roots := l.catalog.RootsFor(id)
	if l.opts.Prefix == "" {
		return roots
	}
	for i, r := range roots {
		roots[i] = strings.TrimSuffix(l.opts.Prefix, "/") + r
	}
	return roots
}

// Locate finds the data root and the content directory of id for family.
func (l *Locator) Locate(ctx context.Context, id string, family types.Family) (*Location, error) {
	root, err := l.FindRoot(ctx, id)
	if err != nil {
		return nil, err
	}
	loc, err := l.content(ctx, id, root, family)
	if err != nil {
		return nil, err
	}
	l.logger.Debug("Located profile",
		zap.String("id", id),
		zap.String("root", loc.Root),
		zap.String("content", loc.ContentDir),
	)
	return loc, nil
}

// LocateAllowMissingProfile behaves like Locate but, when the root exists
// without a family layout, synthesizes the content directory the family
// would use. profileName names a Gecko profile directory to synthesize.
func (l *Locator) LocateAllowMissingProfile(ctx context.Context, id string, family types.Family, profileName string) (*Location, error) {
	root, err := l.FindRoot(ctx, id)
	if err != nil {
		return nil, err
	}
	loc, err := l.content(ctx, id, root, family)
	if err == nil {
		return loc, nil
	}

	spec := l.catalog.Family(family)
	if spec == nil {
		return nil, err
	}
	loc = &Location{ID: id, Family: family, Root: root, Synthesized: true}
	switch family {
	case types.FamilyGecko:
		if profileName == "" {
			profileName = "migrated.default-release"
		}
		loc.ProfileName = profileName
		loc.ContentDir = path.Join(root, spec.Layout.ProfilesDir, profileName)
	case types.FamilyChromium:
		loc.ProfileName = spec.Layout.BaseDirs[0]
		loc.ContentDir = path.Join(root, loc.ProfileName)
	}
	return loc, nil
}

// LocatePair locates both sides concurrently. A failure is tagged with the
// side it concerns.
func (l *Locator) LocatePair(ctx context.Context, source, target string, family types.Family) (*Location, *Location, error) {
	var src, dst *Location
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		src, err = l.Locate(gctx, source, family)
		return TagSide(err, SideSource)
	})
	g.Go(func() error {
		var err error
		dst, err = l.Locate(gctx, target, family)
		return TagSide(err, SideTarget)
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return src, dst, nil
}

// TagSide records on a *LocationError which side of a migration it
// concerns. Other errors pass through unchanged.
func TagSide(err error, side Side) error {
	var le *LocationError
	if errors.As(err, &le) {
		le.Side = side
	}
	return err
}

// FindRoot probes the canonical roots, then the package manager's declared
// data directory, then a bounded search.
func (l *Locator) FindRoot(ctx context.Context, id string) (string, error) {
	for _, root := range l.Roots(id) {
		ok, err := executor.Test(ctx, l.exec, "-d", root)
		if err != nil {
			return "", &LocationError{ID: id, Reason: "data root could not be probed", Err: err}
		}
		if ok {
			return root, nil
		}
	}

	if l.resolver != nil {
		if meta, err := l.resolver.Resolve(ctx, id); err == nil && meta.DeclaredDataDir != "" {
			if ok, _ := executor.Test(ctx, l.exec, "-d", meta.DeclaredDataDir); ok {
				return meta.DeclaredDataDir, nil
			}
		}
	}

	if l.opts.SearchRoot != "" {
		cmd := fmt.Sprintf("find %s -maxdepth %d -type d -name %s 2>/dev/null | head -n 1",
			executor.Quote(l.opts.SearchRoot), l.opts.SearchDepth, executor.Quote(id))
		if res, err := l.exec.Execute(ctx, cmd); err == nil {
			if found := res.FirstLine(); found != "" {
				l.logger.Info("Data root found by search", zap.String("id", id), zap.String("root", found))
				return found, nil
			}
		}
	}
	return "", &LocationError{ID: id, Reason: "no data directory found"}
}

func (l *Locator) content(ctx context.Context, id, root string, family types.Family) (*Location, error) {
	switch family {
	case types.FamilyGecko:
		return l.geckoProfile(ctx, id, root)
	case types.FamilyChromium:
		return l.chromiumBase(ctx, id, root)
	}
	return nil, &LocationError{ID: id, Reason: "data-layout family is unknown"}
}

func (l *Locator) geckoProfile(ctx context.Context, id, root string) (*Location, error) {
	layout := l.catalog.Family(types.FamilyGecko).Layout
	profilesDir := path.Join(root, layout.ProfilesDir)

	candidates, err := l.listDirs(ctx, profilesDir)
	if err != nil {
		return nil, &LocationError{ID: id, Reason: "profile directory could not be listed", Err: err}
	}
	if len(candidates) == 0 {
		return nil, &LocationError{ID: id, Reason: "no Gecko profile directory under " + profilesDir}
	}
	skip := make(map[string]struct{}, len(layout.SkipDirs))
	for _, d := range layout.SkipDirs {
		skip[d] = struct{}{}
	}
	var dirs []string
	for _, d := range candidates {
		if _, ok := skip[d]; !ok {
			dirs = append(dirs, d)
		}
	}

	name := ""
	if res, err := l.exec.Execute(ctx, "cat "+executor.Quote(path.Join(root, layout.Registry))+" 2>/dev/null"); err == nil && res.Success() {
		name = DefaultProfile(res.Stdout, dirs)
	}
	if name == "" {
		name = matchProfile(layout.ProfilePatterns, dirs)
	}
	if name == "" {
		return nil, &LocationError{ID: id, Reason: "no release profile found under " + profilesDir}
	}
	return &Location{
		ID:          id,
		Family:      types.FamilyGecko,
		Root:        root,
		ContentDir:  path.Join(profilesDir, name),
		ProfileName: name,
	}, nil
}

func (l *Locator) chromiumBase(ctx context.Context, id, root string) (*Location, error) {
	layout := l.catalog.Family(types.FamilyChromium).Layout
	for _, base := range layout.BaseDirs {
		ok, err := executor.Test(ctx, l.exec, "-d", path.Join(root, base, layout.Profile))
		if err != nil {
			return nil, &LocationError{ID: id, Reason: "browser directory could not be probed", Err: err}
		}
		if ok {
			return &Location{
				ID:          id,
				Family:      types.FamilyChromium,
				Root:        root,
				ContentDir:  path.Join(root, base),
				ProfileName: base,
			}, nil
		}
	}
	return nil, &LocationError{ID: id, Reason: "no Chromium profile (" + layout.Profile + ") under " + root}
}

func (l *Locator) listDirs(ctx context.Context, dir string) ([]string, error) {
	cmd := fmt.Sprintf("cd %s 2>/dev/null && for d in *; do [ -d \"$d\" ] && echo \"$d\"; done", executor.Quote(dir))
	res, err := l.exec.Execute(ctx, cmd)
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, line := range res.Lines() {
		if line != "*" {
			dirs = append(dirs, line)
		}
	}
	return dirs, nil
}

func matchProfile(patterns, dirs []string) string {
	for _, p := range patterns {
		for _, d := range dirs {
			if ok, _ := doublestar.Match(p, d); ok {
				return d
			}
		}
	}
	return ""
}

var iniSection = regexp.MustCompile(`^\[(.+)\]$`)

// DefaultProfile picks the profile a profiles.ini registry marks as
// default, provided it is one of dirs. Install sections (which carry the
// default of the current build) take precedence over Profile sections.
func DefaultProfile(ini string, dirs []string) string {
	present := make(map[string]struct{}, len(dirs))
	for _, d := range dirs {
		present[d] = struct{}{}
	}

	type section struct {
		name   string
		values map[string]string
	}
	var sections []*section
	var cur *section
	for _, raw := range strings.Split(ini, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "#") {
			continue
		}
		if m := iniSection.FindStringSubmatch(line); m != nil {
			cur = &section{name: m[1], values: map[string]string{}}
			sections = append(sections, cur)
			continue
		}
		if k, v, ok := strings.Cut(line, "="); ok && cur != nil {
			cur.values[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}

	dirName := func(p string) string {
		return path.Base(strings.ReplaceAll(p, "\\", "/"))
	}
	for _, s := range sections {
		if strings.HasPrefix(s.name, "Install") {
			if d := dirName(s.values["Default"]); s.values["Default"] != "" {
				if _, ok := present[d]; ok {
					return d
				}
			}
		}
	}
	for _, s := range sections {
		if !strings.HasPrefix(s.name, "Profile") {
			continue
		}
		if def, _ := strconv.Atoi(s.values["Default"]); def != 1 {
			continue
		}
		if d := dirName(s.values["Path"]); s.values["Path"] != "" {
			if _, ok := present[d]; ok {
				return d
			}
		}
	}
	return ""
}
