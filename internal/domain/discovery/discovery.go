// Package discovery resolves installed-application metadata for the engine.
package discovery

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/GriffinCanCode/BrowserMover/internal/domain/catalog"
	"github.com/GriffinCanCode/BrowserMover/internal/executor"
)

// Metadata describes one installed application.
type Metadata struct {
	DisplayName     string
	Installed       bool
	DeclaredDataDir string
	// PackagePaths lists the application's installed binary packages.
	PackagePaths []string
}

// Resolver answers metadata queries about installed applications.
type Resolver interface {
	Resolve(ctx context.Context, id string) (Metadata, error)
}

// PackageManager resolves metadata through the platform's package manager
// commands run over the privileged executor.
type PackageManager struct {
	exec    executor.Executor
	catalog *catalog.Catalog
}

// NewPackageManager creates a resolver
func NewPackageManager(exec executor.Executor, cat *catalog.Catalog) *PackageManager {
	return &PackageManager{exec: exec, catalog: cat}
}

var dataDirPattern = regexp.MustCompile(`(?m)^\s*dataDir=(\S+)\s*$`)

// Resolve implements Resolver. id must already be validated.
func (p *PackageManager) Resolve(ctx context.Context, id string) (Metadata, error) {
	meta := Metadata{DisplayName: p.catalog.DisplayName(id)}
	if meta.DisplayName == "" {
		meta.DisplayName = id
	}

	res, err := p.exec.Execute(ctx, "pm path "+executor.Quote(id))
	if err != nil {
		return meta, fmt.Errorf("failed to query package paths for %s: %w", id, err)
	}
	for _, line := range res.Lines() {
		if path, ok := strings.CutPrefix(line, "package:"); ok {
			meta.PackagePaths = append(meta.PackagePaths, path)
		}
	}
	meta.Installed = len(meta.PackagePaths) > 0
	if !meta.Installed {
		return meta, nil
	}

	res, err = p.exec.Execute(ctx, "dumpsys package "+executor.Quote(id))
	if err != nil {
		return meta, fmt.Errorf("failed to dump package %s: %w", id, err)
	}
	if m := dataDirPattern.FindStringSubmatch(res.Stdout); m != nil {
		meta.DeclaredDataDir = m[1]
	}
	return meta, nil
}

// Static is a fixed Resolver, used where the package manager is unavailable.
type Static map[string]Metadata

// Resolve implements Resolver.
func (s Static) Resolve(_ context.Context, id string) (Metadata, error) {
	if meta, ok := s[id]; ok {
		return meta, nil
	}
	return Metadata{DisplayName: id}, nil
}
