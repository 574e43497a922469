package classify

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/GriffinCanCode/BrowserMover/internal/domain/catalog"
	"github.com/GriffinCanCode/BrowserMover/internal/domain/discovery"
	"github.com/GriffinCanCode/BrowserMover/internal/executor"
	"github.com/GriffinCanCode/BrowserMover/internal/shared/types"
)

// families is the order in which families are tested inside one tier.
// Gecko's evidence is narrower, so it is checked first.
var families = []types.Family{types.FamilyGecko, types.FamilyChromium}

// RootFunc expands the candidate data roots of an application.
type RootFunc func(id string) []string

// AllowList recognises curated identifiers without any I/O.
type AllowList struct {
	Catalog *catalog.Catalog
}

func (AllowList) Name() string { return "allow-list" }

func (s AllowList) Classify(_ context.Context, id string) (types.Family, bool) {
	return s.Catalog.FamilyOf(id)
}

// NativeLibraries inspects the shared libraries bundled in the
// application's installed packages.
type NativeLibraries struct {
	Catalog  *catalog.Catalog
	Resolver discovery.Resolver
}

func (NativeLibraries) Name() string { return "native-libs" }

func (s NativeLibraries) Classify(ctx context.Context, id string) (types.Family, bool) {
	if s.Resolver == nil {
		return types.FamilyUnknown, false
	}
	meta, err := s.Resolver.Resolve(ctx, id)
	if err != nil || len(meta.PackagePaths) == 0 {
		return types.FamilyUnknown, false
	}

	libs := make(map[string]struct{})
	for _, pkg := range meta.PackagePaths {
		for _, name := range nativeLibraries(pkg) {
			libs[name] = struct{}{}
		}
	}
	return matchLibraries(s.Catalog, libs)
}

func matchLibraries(cat *catalog.Catalog, libs map[string]struct{}) (types.Family, bool) {
	for _, f := range families {
		spec := cat.Family(f)
		hits := 0
		for _, marker := range spec.NativeLibs.Markers {
			if _, ok := libs[marker]; ok {
				hits++
			}
		}
		threshold := spec.NativeLibs.Threshold
		if threshold <= 0 {
			threshold = 1
		}
		if hits >= threshold {
			return f, true
		}
	}
	return types.FamilyUnknown, false
}

// nativeLibraries lists the .so base names inside an installed package,
// plus any extracted next to it. Unreadable packages yield nothing.
func nativeLibraries(pkg string) []string {
	var names []string
	if r, err := zip.OpenReader(pkg); err == nil {
		for _, f := range r.File {
			if strings.HasPrefix(f.Name, "lib/") && strings.HasSuffix(f.Name, ".so") {
				names = append(names, path.Base(f.Name))
			}
		}
		r.Close()
	}

	abis, err := os.ReadDir(filepath.Join(filepath.Dir(pkg), "lib"))
	if err != nil {
		return names
	}
	for _, abi := range abis {
		if !abi.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(filepath.Dir(pkg), "lib", abi.Name()))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if strings.HasSuffix(e.Name(), ".so") {
				names = append(names, e.Name())
			}
		}
	}
	return names
}

// DataMarkers looks for family-specific files in the application's data
// root. Reading another application's storage needs the privileged channel.
type DataMarkers struct {
	Catalog *catalog.Catalog
	Exec    executor.Executor
	Roots   RootFunc
}

func (DataMarkers) Name() string { return "data-markers" }

func (s DataMarkers) Classify(ctx context.Context, id string) (types.Family, bool) {
	if s.Exec == nil {
		return types.FamilyUnknown, false
	}
	roots := s.Catalog.RootsFor(id)
	if s.Roots != nil {
		roots = s.Roots(id)
	}

	for _, root := range roots {
		for _, f := range families {
			for _, marker := range s.Catalog.Family(f).DataMarkers {
				ok, err := executor.Test(ctx, s.Exec, "-e", root+"/"+marker)
				if err != nil {
					// The channel is down; later tiers need no privilege.
					return types.FamilyUnknown, false
				}
				if ok {
					return f, true
				}
			}
		}
	}
	return types.FamilyUnknown, false
}

// NameHeuristic matches family keywords against the identifier and the
// display name. It is the least reliable tier.
type NameHeuristic struct {
	Catalog  *catalog.Catalog
	Resolver discovery.Resolver
}

func (NameHeuristic) Name() string { return "name-heuristic" }

func (s NameHeuristic) Classify(ctx context.Context, id string) (types.Family, bool) {
	haystack := strings.ToLower(id)
	if s.Resolver != nil {
		if meta, err := s.Resolver.Resolve(ctx, id); err == nil && meta.DisplayName != id {
			haystack += " " + strings.ToLower(meta.DisplayName)
		}
	}
	for _, f := range families {
		for _, kw := range s.Catalog.Family(f).Keywords {
			if strings.Contains(haystack, kw) {
				return f, true
			}
		}
	}
	return types.FamilyUnknown, false
}
