package patch

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
)

// numberSafe keeps JSON numbers as written. Chromium stores 64-bit
// timestamps that do not survive a float64 round trip.
var numberSafe = sonic.Config{UseNumber: true, EscapeHTML: false, SortMapKeys: false}.Froze()

// PatchJSONDocument rewrites self-references in a JSON document.
func (p *Patcher) PatchJSONDocument(ctx context.Context, artifact string, sub *Substitution) Result {
	return p.done(string(kindJSON), p.patchJSON(ctx, artifact, sub, nil))
}

// NeutralizeSecurePreferences rewrites self-references and drops the named
// top-level keys. Chromium binds its integrity MACs and installation
// identifiers to the installation that wrote them; without the keys the
// target regenerates them on first start instead of resetting settings.
func (p *Patcher) NeutralizeSecurePreferences(ctx context.Context, artifact string, sub *Substitution, keys []string) Result {
	return p.done(string(kindSecureJSON), p.patchJSON(ctx, artifact, sub, keys))
}

func (p *Patcher) patchJSON(ctx context.Context, artifact string, sub *Substitution, drop []string) Result {
	raw, found, err := p.readStaged(ctx, artifact)
	if err != nil {
		return failed(artifact, "read", "could not stage artifact", err)
	}
	if !found {
		return unchanged(artifact, "not present")
	}
	if !sonic.Valid(raw) {
		return failed(artifact, "validate", "artifact is not valid JSON before patching", nil)
	}

	text, replaced := sub.Apply(string(raw))
	out := []byte(text)

	dropped := 0
	if len(drop) > 0 {
		var doc map[string]any
		if err := numberSafe.Unmarshal(out, &doc); err != nil {
			return failed(artifact, "decode", "top level is not a JSON object", err)
		}
		for _, k := range drop {
			if _, ok := doc[k]; ok {
				delete(doc, k)
				dropped++
			}
		}
		if dropped > 0 {
			if out, err = numberSafe.Marshal(doc); err != nil {
				return failed(artifact, "encode", "could not re-encode document", err)
			}
		}
	}

	if replaced == 0 && dropped == 0 {
		return unchanged(artifact, "no references to rewrite")
	}
	if !sonic.Valid(out) {
		return failed(artifact, "validate", "patched content is not valid JSON; original kept", nil)
	}
	if err := p.commitBytes(ctx, out, artifact); err != nil {
		return failed(artifact, "write", "could not replace artifact", err)
	}

	msg := fmt.Sprintf("rewrote %d references", replaced)
	if dropped > 0 {
		msg += fmt.Sprintf(", dropped %d keys", dropped)
	}
	return Result{Artifact: artifact, Success: true, Message: msg, Replaced: replaced + dropped}
}
