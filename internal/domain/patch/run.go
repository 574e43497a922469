package patch

import (
	"context"
	"fmt"

	"github.com/GriffinCanCode/BrowserMover/internal/domain/plan"
)

type kind string

const (
	kindJSON       kind = "json"
	kindSecureJSON kind = "json-drop-keys"
	kindPrefs      kind = "prefs"
	kindRelational kind = "relational"
	kindStableIDs  kind = "stable-identifiers"
)

// Run dispatches one planned task.
func (p *Patcher) Run(ctx context.Context, task plan.PatchTask, sub *Substitution) Result {
	switch task.Kind {
	case plan.PatchJSON:
		if len(task.Keys) > 0 {
			return p.NeutralizeSecurePreferences(ctx, task.Path, sub, task.Keys)
		}
		return p.PatchJSONDocument(ctx, task.Path, sub)
	case plan.PatchPrefs:
		return p.PatchLineOrientedPrefs(ctx, task.Path, sub)
	case plan.PatchRelational:
		return p.PatchRelationalStore(ctx, task.Path, sub)
	case plan.PatchStableIDs:
		return p.SynchronizeStableIdentifiers(ctx, task.Source, task.Path, task.Keys, sub)
	default:
		return failed(task.Path, "dispatch", fmt.Sprintf("kind %q", task.Kind), ErrUnknownKind)
	}
}
