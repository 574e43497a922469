package patch

import (
	"context"
	"fmt"
	"strings"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"
)

// prefCallees are the statement forms a Gecko preference file may contain.
var prefCallees = map[string]bool{
	"user_pref":   true,
	"pref":        true,
	"sticky_pref": true,
	"lock_pref":   true,
}

// checkPrefLine verifies that line is still a well-formed preference
// statement or a comment.
func checkPrefLine(line string) error {
	prog, err := parser.ParseFile(nil, "", line, 0)
	if err != nil {
		return err
	}
	switch len(prog.Body) {
	case 0:
		return nil
	case 1:
	default:
		return fmt.Errorf("expected one statement, found %d", len(prog.Body))
	}
	stmt, ok := prog.Body[0].(*ast.ExpressionStatement)
	if !ok {
		return fmt.Errorf("not an expression statement")
	}
	call, ok := stmt.Expression.(*ast.CallExpression)
	if !ok {
		return fmt.Errorf("not a call")
	}
	callee, ok := call.Callee.(*ast.Identifier)
	if !ok || !prefCallees[string(callee.Name)] {
		return fmt.Errorf("unexpected callee")
	}
	if len(call.ArgumentList) < 2 {
		return fmt.Errorf("expected a key and a value")
	}
	if _, ok := call.ArgumentList[0].(*ast.StringLiteral); !ok {
		return fmt.Errorf("preference key is not a string")
	}
	return nil
}

// PatchLineOrientedPrefs rewrites self-references in a Gecko preference
// file. Every changed line must still parse as a preference statement.
func (p *Patcher) PatchLineOrientedPrefs(ctx context.Context, artifact string, sub *Substitution) Result {
	return p.done(string(kindPrefs), p.patchPrefs(ctx, artifact, sub))
}

func (p *Patcher) patchPrefs(ctx context.Context, artifact string, sub *Substitution) Result {
	raw, found, err := p.readStaged(ctx, artifact)
	if err != nil {
		return failed(artifact, "read", "could not stage artifact", err)
	}
	if !found {
		return unchanged(artifact, "not present")
	}

	lines := strings.Split(string(raw), "\n")
	replaced := 0
	for i, line := range lines {
		out, n := sub.Apply(line)
		if n == 0 {
			continue
		}
		if err := checkPrefLine(out); err != nil {
			return failed(artifact, "validate", fmt.Sprintf("line %d would no longer parse; original kept", i+1), err)
		}
		lines[i] = out
		replaced += n
	}
	if replaced == 0 {
		return unchanged(artifact, "no references to rewrite")
	}
	if err := p.commitBytes(ctx, []byte(strings.Join(lines, "\n")), artifact); err != nil {
		return failed(artifact, "write", "could not replace artifact", err)
	}
	return Result{Artifact: artifact, Success: true, Message: fmt.Sprintf("rewrote %d references", replaced), Replaced: replaced}
}

// SynchronizeStableIdentifiers copies the named preference lines from the
// source preference file into the target's, replacing any the target
// already has. Extension storage is keyed by the identifiers these hold;
// carrying them over keeps copied extension data reachable. Finding none of
// the keys is not an error.
func (p *Patcher) SynchronizeStableIdentifiers(ctx context.Context, source, target string, keys []string, sub *Substitution) Result {
	return p.done(string(kindStableIDs), p.syncIdentifiers(ctx, source, target, keys, sub))
}

func (p *Patcher) syncIdentifiers(ctx context.Context, source, target string, keys []string, sub *Substitution) Result {
	srcRaw, found, err := p.readStaged(ctx, source)
	if err != nil {
		return failed(target, "read", "could not stage source preferences", err)
	}
	if !found {
		return failed(target, "read", "source preferences not found", nil)
	}
	dstRaw, _, err := p.readStaged(ctx, target)
	if err != nil {
		return failed(target, "read", "could not stage target preferences", err)
	}

	srcLines := strings.Split(string(srcRaw), "\n")
	dstLines := strings.Split(strings.TrimRight(string(dstRaw), "\n"), "\n")
	if len(dstLines) == 1 && dstLines[0] == "" {
		dstLines = nil
	}

	var injected []string
	for _, key := range keys {
		prefix := `user_pref("` + key + `"`
		line, ok := findPref(srcLines, prefix)
		if !ok {
			continue
		}
		line, _ = sub.Apply(line)
		if err := checkPrefLine(line); err != nil {
			return failed(target, "validate", fmt.Sprintf("preference %s would no longer parse; original kept", key), err)
		}
		dstLines = dropPref(dstLines, prefix)
		injected = append(injected, line)
	}
	if len(injected) == 0 {
		return unchanged(target, "no stable identifiers found in source")
	}

	out := strings.Join(append(dstLines, injected...), "\n") + "\n"
	if err := p.commitBytes(ctx, []byte(out), target); err != nil {
		return failed(target, "write", "could not replace artifact", err)
	}
	return Result{Artifact: target, Success: true, Message: fmt.Sprintf("synchronized %d identifiers", len(injected)), Replaced: len(injected)}
}

func findPref(lines []string, prefix string) (string, bool) {
	for _, l := range lines {
		t := strings.TrimSpace(l)
		if strings.HasPrefix(t, prefix) {
			return t, true
		}
	}
	return "", false
}

func dropPref(lines []string, prefix string) []string {
	kept := lines[:0]
	for _, l := range lines {
		if !strings.HasPrefix(strings.TrimSpace(l), prefix) {
			kept = append(kept, l)
		}
	}
	return kept
}
