// Package plan turns a migration request into an ordered list of phases.
//
// A phase is either a list of typed steps, rendered to a POSIX sh script
// and run through the privileged executor, or a list of patch tasks run
// in-process by the reference patcher. Steps never carry raw shell text:
// every path and identifier is quoted by the renderer.
package plan

import (
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/GriffinCanCode/BrowserMover/internal/domain/catalog"
	"github.com/GriffinCanCode/BrowserMover/internal/domain/locate"
	"github.com/GriffinCanCode/BrowserMover/internal/shared/types"
)

// Kind identifies what a phase does.
type Kind string

const (
	KindValidate          Kind = "validate"
	KindClassify          Kind = "classify"
	KindStop              Kind = "stop"
	KindCheckpoint        Kind = "checkpoint"
	KindBackup            Kind = "backup"
	KindClear             Kind = "clear"
	KindCopy              Kind = "copy"
	KindSyncIdentifiers   Kind = "sync-identifiers"
	KindNeutralizeSecure  Kind = "neutralize-secure-prefs"
	KindStripTelemetry    Kind = "strip-telemetry"
	KindPatch             Kind = "patch"
	KindRestoreSecurity   Kind = "restore-security"
	KindVerify            Kind = "verify"
	KindRollbackExtract   Kind = "rollback-extract"
	KindRollbackOwnership Kind = "rollback-ownership"
)

type phaseDef struct {
	kind    Kind
	name    string
	percent int
}

// Each family has a fixed phase sequence with fixed completion percentages.
var (
	geckoPhases = []phaseDef{
		{KindValidate, "Validate identifiers", 2},
		{KindClassify, "Classify applications", 5},
		{KindStop, "Stop applications", 10},
		{KindCheckpoint, "Checkpoint databases", 15},
		{KindBackup, "Back up target", 25},
		{KindClear, "Clear target profile", 35},
		{KindCopy, "Copy selected data", 60},
		{KindSyncIdentifiers, "Synchronize extension identifiers", 70},
		{KindPatch, "Patch references", 82},
		{KindRestoreSecurity, "Restore ownership and labels", 92},
		{KindVerify, "Verify target", 98},
	}
	chromiumPhases = []phaseDef{
		{KindValidate, "Validate identifiers", 2},
		{KindClassify, "Classify applications", 5},
		{KindStop, "Stop applications", 10},
		{KindCheckpoint, "Checkpoint databases", 15},
		{KindBackup, "Back up target", 25},
		{KindClear, "Clear target profile", 35},
		{KindCopy, "Copy selected data", 55},
		{KindNeutralizeSecure, "Neutralize secure preferences", 65},
		{KindStripTelemetry, "Strip installation identifiers", 72},
		{KindPatch, "Patch references", 82},
		{KindRestoreSecurity, "Restore ownership and labels", 92},
		{KindVerify, "Verify target", 98},
	}
)

// fatal phases abort the migration when they fail.
var fatal = map[Kind]bool{
	KindValidate:          true,
	KindClassify:          true,
	KindClear:             true,
	KindRestoreSecurity:   true,
	KindRollbackExtract:   true,
	KindRollbackOwnership: true,
}

// IsFatal reports whether a failure of kind aborts the run.
func IsFatal(kind Kind) bool {
	return fatal[kind]
}

// Phases returns the kinds of a family's sequence in order.
func Phases(f types.Family) []Kind {
	defs := definitions(f)
	kinds := make([]Kind, len(defs))
	for i, d := range defs {
		kinds[i] = d.kind
	}
	return kinds
}

// Leading returns the validate and classify phases, which every family
// shares and which run before the family is known.
func Leading() []Phase {
	out := make([]Phase, 2)
	for i, d := range geckoPhases[:2] {
		out[i] = Phase{Index: i, Kind: d.kind, Name: d.name, Fatal: fatal[d.kind], Percent: d.percent}
	}
	return out
}

func definitions(f types.Family) []phaseDef {
	switch f {
	case types.FamilyGecko:
		return geckoPhases
	case types.FamilyChromium:
		return chromiumPhases
	}
	return nil
}

// Phase is one unit of privileged work.
type Phase struct {
	Index   int          `json:"index"`
	Kind    Kind         `json:"kind"`
	Name    string       `json:"name"`
	Family  types.Family `json:"family"`
	Fatal   bool         `json:"fatal"`
	Percent int          `json:"percent"`
	// Skip explains why the phase has nothing to do.
	Skip    string      `json:"skip,omitempty"`
	Steps   []Step      `json:"-"`
	Patches []PatchTask `json:"patches,omitempty"`
}

// Scripted reports whether the phase runs as a rendered script.
func (p *Phase) Scripted() bool {
	return p.Skip == "" && len(p.Steps) > 0
}

// PatchKind selects the patcher operation for a task.
type PatchKind string

const (
	PatchJSON       PatchKind = "json"
	PatchPrefs      PatchKind = "prefs"
	PatchRelational PatchKind = "relational"
	PatchStableIDs  PatchKind = "stable-identifiers"
)

// PatchTask is one artifact to rewrite after the copy.
type PatchTask struct {
	Kind PatchKind `json:"kind"`
	// Path is the artifact in the target profile.
	Path string `json:"path"`
	// Source is the source-side artifact, for identifier synchronization.
	Source string `json:"source,omitempty"`
	// Keys are top-level JSON keys to drop, or preference keys to sync.
	Keys []string `json:"keys,omitempty"`
}

// Plan is the ordered phase list of one migration.
type Plan struct {
	Family      types.Family `json:"family"`
	CrossFamily bool         `json:"cross_family"`
	Phases      []Phase      `json:"phases"`
}

// Kinds lists the plan's phase kinds in order.
func (p *Plan) Kinds() []Kind {
	kinds := make([]Kind, len(p.Phases))
	for i, ph := range p.Phases {
		kinds[i] = ph.Kind
	}
	return kinds
}

// Request is everything Build needs. It is resolved by the caller; Build
// performs no I/O.
type Request struct {
	Catalog     *catalog.Catalog
	Family      types.Family
	CrossFamily bool
	Source      *locate.Location
	Target      *locate.Location
	// Selection holds the content-relative source entries to copy.
	Selection catalog.Selection
	// Backup requests an archive of the target root at BackupPath.
	Backup     bool
	BackupPath string
	// Sqlite3 is the preferred sqlite3 binary; PATH is searched otherwise.
	Sqlite3 string
}

// backupExcludes are root-relative directories never archived.
var backupExcludes = []string{"cache", "code_cache"}

// Build produces the plan for req.
func Build(req Request) (*Plan, error) {
	defs := definitions(req.Family)
	if defs == nil {
		return nil, fmt.Errorf("no plan for data-layout family %s", req.Family)
	}
	if req.Catalog == nil || req.Source == nil || req.Target == nil {
		return nil, fmt.Errorf("plan request incomplete")
	}
	if req.Backup && req.BackupPath == "" {
		return nil, fmt.Errorf("backup requested without an archive path")
	}

	p := &Plan{Family: req.Family, CrossFamily: req.CrossFamily}
	for i, d := range defs {
		ph := Phase{
			Index:   i,
			Kind:    d.kind,
			Name:    d.name,
			Family:  req.Family,
			Fatal:   fatal[d.kind],
			Percent: d.percent,
		}
		fill(&ph, req)
		p.Phases = append(p.Phases, ph)
	}
	return p, nil
}

func fill(ph *Phase, req Request) {
	src, dst := req.Source, req.Target
	spec := req.Catalog.Family(req.Family)

	switch ph.Kind {
	case KindStop:
		ph.Steps = []Step{ForceStop{ID: src.ID}, ForceStop{ID: dst.ID}}

	case KindCheckpoint:
		ph.Steps = []Step{Checkpoint{Dir: src.ContentDir, Sqlite3: req.Sqlite3}}

	case KindBackup:
		if !req.Backup {
			ph.Skip = "backup not requested"
			return
		}
		ph.Steps = []Step{Archive{Root: dst.Root, Dest: req.BackupPath, Exclude: backupExcludes}}

	case KindClear:
		ph.Steps = []Step{Clear{Dir: dst.ContentDir, Keep: req.Catalog.KeepNames(req.Family)}}

	case KindCopy:
		ph.Steps = []Step{MakeDir{Path: dst.ContentDir}}
		paths := req.Selection.Paths()
		if len(paths) == 0 {
			ph.Steps = append(ph.Steps, Note{Level: LevelWarn, Text: "no recognised data found in the source profile"})
		}
		for _, rel := range paths {
			ph.Steps = append(ph.Steps, CopyEntry{Src: src.Path(rel), Dst: dst.Path(rel), Rel: rel})
		}

	case KindSyncIdentifiers:
		if req.CrossFamily {
			ph.Skip = "extension identifiers do not transfer across data-layout families"
			return
		}
		prefs := firstOr(spec.Patches.Prefs, "prefs.js")
		ph.Patches = []PatchTask{{
			Kind:   PatchStableIDs,
			Path:   dst.Path(prefs),
			Source: src.Path(prefs),
			Keys:   spec.StableIdentifierKeys,
		}}

	case KindNeutralizeSecure:
		for _, rel := range spec.Patches.SecureJSON {
			if req.Selection.Covers(rel) {
				ph.Patches = append(ph.Patches, PatchTask{Kind: PatchJSON, Path: dst.Path(rel), Keys: spec.SecurePreferencesDrop})
			}
		}

	case KindStripTelemetry:
		if spec.LocalState != "" && req.Selection.Covers(spec.LocalState) {
			ph.Patches = []PatchTask{{Kind: PatchJSON, Path: dst.Path(spec.LocalState), Keys: spec.TelemetryDrop}}
		}

	case KindPatch:
		present := func(rel string) bool {
			return req.Selection.Covers(rel) || slices.Contains(req.Catalog.KeepNames(req.Family), rel)
		}
		for _, rel := range spec.Patches.JSON {
			if present(rel) {
				ph.Patches = append(ph.Patches, PatchTask{Kind: PatchJSON, Path: dst.Path(rel)})
			}
		}
		for _, rel := range spec.Patches.Prefs {
			if present(rel) {
				ph.Patches = append(ph.Patches, PatchTask{Kind: PatchPrefs, Path: dst.Path(rel)})
			}
		}
		for _, rel := range spec.Patches.Relational {
			if present(rel) {
				ph.Patches = append(ph.Patches, PatchTask{Kind: PatchRelational, Path: dst.Path(rel)})
			}
		}

	case KindRestoreSecurity:
		ph.Steps = []Step{ResolveOwner{Root: dst.Root, ID: dst.ID}}
		for _, dir := range between(dst.Root, dst.ContentDir) {
			ph.Steps = append(ph.Steps, ChownTree{Path: dir})
		}
		ph.Steps = append(ph.Steps,
			ChownTree{Path: dst.ContentDir, Recursive: true},
			Relabel{Path: dst.Root},
		)

	case KindVerify:
		ph.Steps = []Step{ListTree{Dir: dst.ContentDir}}
	}

	if ph.Skip == "" && len(ph.Steps) == 0 && len(ph.Patches) == 0 && ph.Kind != KindValidate && ph.Kind != KindClassify {
		ph.Skip = "nothing to do"
	}
}

// between lists the directories strictly between root and dir, outermost
// first.
func between(root, dir string) []string {
	rel, ok := strings.CutPrefix(dir, strings.TrimSuffix(root, "/")+"/")
	if !ok {
		return nil
	}
	parts := strings.Split(rel, "/")
	var dirs []string
	for i := 1; i < len(parts); i++ {
		dirs = append(dirs, path.Join(root, path.Join(parts[:i]...)))
	}
	return dirs
}

func firstOr(list []string, def string) string {
	if len(list) > 0 {
		return list[0]
	}
	return def
}

// RollbackRequest describes restoring a target root from an archive.
type RollbackRequest struct {
	TargetID string
	Root     string
	Archive  string
	Keep     []string
}

// BuildRollback produces the rollback sequence: stop the target, clear its
// root, extract the archive, then restore ownership and labels.
func BuildRollback(req RollbackRequest) *Plan {
	parent := path.Dir(req.Root)
	steps := [][]Step{
		{ForceStop{ID: req.TargetID}},
		{Clear{Dir: req.Root, Keep: req.Keep}},
		{Extract{Archive: req.Archive, Dir: parent}},
		{
			ResolveOwner{Root: req.Root, ID: req.TargetID},
			ChownTree{Path: req.Root, Recursive: true, Skip: req.Keep},
			Relabel{Path: req.Root},
		},
	}
	defs := []phaseDef{
		{KindStop, "Stop target", 15},
		{KindClear, "Clear target", 40},
		{KindRollbackExtract, "Extract backup", 75},
		{KindRollbackOwnership, "Restore ownership and labels", 100},
	}

	p := &Plan{}
	for i, d := range defs {
		p.Phases = append(p.Phases, Phase{
			Index:   i,
			Kind:    d.kind,
			Name:    d.name,
			Fatal:   fatal[d.kind],
			Percent: d.percent,
			Steps:   steps[i],
		})
	}
	return p
}
