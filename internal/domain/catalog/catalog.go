// Package catalog holds the compiled-in knowledge the engine relies on:
// which applications belong to which data-layout family, the evidence used
// to classify unknown ones, and for each family the allow-list of data
// categories that are safe to move together with the artifacts that need
// reference patching afterwards.
//
// The catalog is embedded YAML parsed once per process. Callers receive a
// shared *Catalog and must treat it as read-only.
package catalog

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/goccy/go-yaml"

	"github.com/GriffinCanCode/BrowserMover/internal/shared/types"
)

//go:embed catalog.yaml
var embedded []byte

// Catalog is the parsed, read-only catalog.
type Catalog struct {
	DataRoots       []string               `yaml:"data_roots"`
	NonBrowsers     []string               `yaml:"non_browsers"`
	KeepAlways      []string               `yaml:"keep_always"`
	CrossFamilyCore []string               `yaml:"cross_family_core"`
	Families        map[string]*FamilySpec `yaml:"families"`

	nonBrowsers map[string]struct{}
	owners      map[string]types.Family
}

// FamilySpec describes one data-layout family.
type FamilySpec struct {
	Known       map[string]string `yaml:"known"`
	NativeLibs  NativeLibs        `yaml:"native_libs"`
	DataMarkers []string          `yaml:"data_markers"`
	Keywords    []string          `yaml:"keywords"`
	Layout      Layout            `yaml:"layout"`
	Categories  []Category        `yaml:"categories"`
	Exclude     []string          `yaml:"exclude"`
	Keep        []string          `yaml:"keep"`
	Patches     PatchRules        `yaml:"patches"`

	StableIdentifierKeys  []string `yaml:"stable_identifier_keys"`
	LocalState            string   `yaml:"local_state"`
	SecurePreferencesDrop []string `yaml:"secure_preferences_drop"`
	TelemetryDrop         []string `yaml:"telemetry_drop"`
}

// NativeLibs is the shared-library evidence for a family.
type NativeLibs struct {
	Threshold int      `yaml:"threshold"`
	Markers   []string `yaml:"markers"`
}

// Layout locates the profile inside an application's data root.
type Layout struct {
	Registry        string   `yaml:"registry"`
	ProfilesDir     string   `yaml:"profiles_dir"`
	ProfilePatterns []string `yaml:"profile_patterns"`
	SkipDirs        []string `yaml:"skip_dirs"`
	BaseDirs        []string `yaml:"base_dirs"`
	Profile         string   `yaml:"profile"`
}

// Category is one named group of artifacts copied together. Patterns are
// doublestar globs relative to the family's content directory.
type Category struct {
	Name      string   `yaml:"name"`
	Extension bool     `yaml:"extension"`
	Patterns  []string `yaml:"patterns"`
}

// PatchRules lists, per artifact kind, the content-relative paths that carry
// self-references after a copy.
type PatchRules struct {
	JSON       []string `yaml:"json"`
	SecureJSON []string `yaml:"secure_json"`
	Prefs      []string `yaml:"prefs"`
	Relational []string `yaml:"relational"`
}

var (
	loadOnce sync.Once
	loaded   *Catalog
	loadErr  error
)

// Default returns the embedded catalog, parsing it on first use.
func Default() *Catalog {
	loadOnce.Do(func() {
		loaded, loadErr = Parse(embedded)
	})
	if loadErr != nil {
		// The embedded document is part of the binary; failing to parse it
		// is a build defect.
		panic(fmt.Sprintf("catalog: embedded catalog invalid: %v", loadErr))
	}
	return loaded
}

// Parse builds a Catalog from YAML and indexes it.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if err := c.index(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) index() error {
	c.nonBrowsers = make(map[string]struct{}, len(c.NonBrowsers))
	for _, id := range c.NonBrowsers {
		c.nonBrowsers[id] = struct{}{}
	}

	c.owners = make(map[string]types.Family)
	for name, spec := range c.Families {
		family, err := types.ParseFamily(name)
		if err != nil || !family.Known() {
			return fmt.Errorf("catalog: unknown family %q", name)
		}
		if spec == nil {
			return fmt.Errorf("catalog: family %q is empty", name)
		}
		for id := range spec.Known {
			if prev, dup := c.owners[id]; dup {
				return fmt.Errorf("catalog: %s listed under both %s and %s", id, prev, family)
			}
			c.owners[id] = family
		}
		for _, cat := range spec.Categories {
			for _, p := range cat.Patterns {
				if !doublestar.ValidatePattern(p) {
					return fmt.Errorf("catalog: %s category %s: invalid pattern %q", name, cat.Name, p)
				}
			}
		}
	}
	for _, f := range []types.Family{types.FamilyGecko, types.FamilyChromium} {
		if c.Families[f.String()] == nil {
			return fmt.Errorf("catalog: family %s missing", f)
		}
	}
	return nil
}

// Family returns the definition of a known family, nil otherwise.
func (c *Catalog) Family(f types.Family) *FamilySpec {
	if !f.Known() {
		return nil
	}
	return c.Families[f.String()]
}

// FamilyOf looks an identifier up in the allow-lists.
func (c *Catalog) FamilyOf(id string) (types.Family, bool) {
	f, ok := c.owners[id]
	return f, ok
}

// IsNonBrowser reports ids of engine components that hold no profile.
func (c *Catalog) IsNonBrowser(id string) bool {
	_, ok := c.nonBrowsers[id]
	return ok
}

// DisplayName returns the catalogued name for id, or "".
func (c *Catalog) DisplayName(id string) string {
	if f, ok := c.owners[id]; ok {
		return c.Family(f).Known[id]
	}
	return ""
}

// KnownIDs returns every allow-listed id of a family, sorted.
func (c *Catalog) KnownIDs(f types.Family) []string {
	spec := c.Family(f)
	if spec == nil {
		return nil
	}
	ids := make([]string, 0, len(spec.Known))
	for id := range spec.Known {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RootsFor expands the canonical data roots for id.
func (c *Catalog) RootsFor(id string) []string {
	roots := make([]string, len(c.DataRoots))
	for i, tmpl := range c.DataRoots {
		roots[i] = strings.ReplaceAll(tmpl, "{id}", id)
	}
	return roots
}

// Categories returns the categories copied for a family. When crossFamily
// is set only the core categories survive.
func (c *Catalog) Categories(f types.Family, crossFamily bool) []Category {
	spec := c.Family(f)
	if spec == nil {
		return nil
	}
	if !crossFamily {
		return spec.Categories
	}
	core := make(map[string]struct{}, len(c.CrossFamilyCore))
	for _, name := range c.CrossFamilyCore {
		core[name] = struct{}{}
	}
	var out []Category
	for _, cat := range spec.Categories {
		if _, ok := core[cat.Name]; ok && !cat.Extension {
			out = append(out, cat)
		}
	}
	return out
}

// KeepNames returns the entry names a clear of the family's content
// directory must leave in place.
func (c *Catalog) KeepNames(f types.Family) []string {
	keep := append([]string(nil), c.KeepAlways...)
	if spec := c.Family(f); spec != nil {
		keep = append(keep, spec.Keep...)
	}
	return keep
}

// Selection is the outcome of matching a profile inventory against the
// allow-list.
type Selection struct {
	// Entries maps each selected content-relative path to its category.
	Entries map[string]string
	// Excluded lists inventory entries rejected by an exclusion pattern.
	Excluded []string
}

// Paths returns the selected paths in a stable order.
func (s Selection) Paths() []string {
	paths := make([]string, 0, len(s.Entries))
	for p := range s.Entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Covers reports whether rel was selected itself or lies under a selected
// directory.
func (s Selection) Covers(rel string) bool {
	if _, ok := s.Entries[rel]; ok {
		return true
	}
	return underSelected(s.Entries, rel)
}

// Select matches inventory (content-relative paths, "/" separated) against
// the categories. An entry nested under an already selected directory is
// not selected again.
func (c *Catalog) Select(f types.Family, categories []Category, inventory []string) Selection {
	sel := Selection{Entries: make(map[string]string)}
	spec := c.Family(f)
	if spec == nil {
		return sel
	}

	sorted := append([]string(nil), inventory...)
	sort.Strings(sorted)

	for _, rel := range sorted {
		if matchAny(spec.Exclude, rel) {
			sel.Excluded = append(sel.Excluded, rel)
			continue
		}
		if underSelected(sel.Entries, rel) {
			continue
		}
		for _, cat := range categories {
			if matchAny(cat.Patterns, rel) {
				sel.Entries[rel] = cat.Name
				break
			}
		}
	}

	// A database travels with its write-ahead log so transactions that were
	// never checkpointed still reach the target.
	present := make(map[string]bool, len(sorted))
	for _, rel := range sorted {
		present[rel] = true
	}
	for rel, name := range sel.Entries {
		if wal := rel + walSuffix; present[wal] {
			if _, ok := sel.Entries[wal]; !ok {
				sel.Entries[wal] = name
			}
		}
	}
	return sel
}

const walSuffix = "-wal"

// IsExcluded reports whether rel matches one of the family's exclusions.
func (c *Catalog) IsExcluded(f types.Family, rel string) bool {
	spec := c.Family(f)
	return spec != nil && matchAny(spec.Exclude, rel)
}

func matchAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

func underSelected(selected map[string]string, rel string) bool {
	for dir := parent(rel); dir != ""; dir = parent(dir) {
		if _, ok := selected[dir]; ok {
			return true
		}
	}
	return false
}

func parent(rel string) string {
	i := strings.LastIndex(rel, "/")
	if i < 0 {
		return ""
	}
	return rel[:i]
}
