package patch

import (
	"sort"
	"strings"

	"github.com/GriffinCanCode/BrowserMover/internal/domain/locate"
	"github.com/GriffinCanCode/BrowserMover/internal/shared/types"
)

// rootSpellings are the equivalent prefixes under which Android exposes an
// application's data root. Copied content may use either.
var rootSpellings = []string{"/data/data/", "/data/user/0/"}

// Rule replaces one self-reference.
type Rule struct {
	Old string
	New string
}

// Substitution rewrites the source application's self-references into the
// target's. Matches are boundary-aware: an occurrence that continues into a
// longer identifier is left alone. That keeps a second application a no-op
// even when the new identifier extends the old one.
type Substitution struct {
	rules []Rule
}

// NewRules creates a substitution from explicit rules.
func NewRules(rules ...Rule) *Substitution {
	s := &Substitution{}
	seen := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		if r.Old == "" || r.Old == r.New {
			continue
		}
		if _, dup := seen[r.Old]; dup {
			continue
		}
		seen[r.Old] = struct{}{}
		s.rules = append(s.rules, r)
	}
	// Longest first, so a content path wins over the bare identifier.
	sort.SliceStable(s.rules, func(i, j int) bool {
		return len(s.rules[i].Old) > len(s.rules[j].Old)
	})
	return s
}

// IDSubstitution rewrites only the application identifier.
func IDSubstitution(oldID, newID string) *Substitution {
	return NewRules(Rule{Old: oldID, New: newID})
}

// NewSubstitution derives the rules for a copy from src to dst: content
// directory paths under every root spelling, the profile directory name,
// then the identifier itself.
func NewSubstitution(src, dst *locate.Location) *Substitution {
	var rules []Rule
	rules = append(rules, Rule{Old: src.ContentDir, New: dst.ContentDir})

	srcRel, srcOK := strings.CutPrefix(src.ContentDir, src.Root)
	dstRel, dstOK := strings.CutPrefix(dst.ContentDir, dst.Root)
	if srcOK && dstOK {
		for _, spelling := range rootSpellings {
			rules = append(rules, Rule{Old: spelling + src.ID + srcRel, New: spelling + dst.ID + dstRel})
		}
	}

	if src.ProfileName != "" && dst.ProfileName != "" {
		if src.Family == types.FamilyGecko && dst.Family == types.FamilyGecko {
			rules = append(rules, Rule{Old: src.ProfileName, New: dst.ProfileName})
		} else {
			rules = append(rules, Rule{Old: "/" + src.ProfileName + "/", New: "/" + dst.ProfileName + "/"})
		}
	}

	rules = append(rules, Rule{Old: src.ID, New: dst.ID})
	return NewRules(rules...)
}

// Rules returns the rules in application order.
func (s *Substitution) Rules() []Rule {
	return append([]Rule(nil), s.rules...)
}

// Empty reports whether the substitution changes nothing.
func (s *Substitution) Empty() bool {
	return s == nil || len(s.rules) == 0
}

// Apply rewrites text in a single left-to-right pass and returns the
// result with the number of replacements. Replaced text is never rescanned.
func (s *Substitution) Apply(text string) (string, int) {
	if s.Empty() {
		return text, 0
	}
	var b strings.Builder
	count := 0
	i := 0
	for i < len(text) {
		matched := false
		for _, r := range s.rules {
			if strings.HasPrefix(text[i:], r.Old) && bounded(text, i, i+len(r.Old), r.Old) {
				if count == 0 {
					b.Grow(len(text))
					b.WriteString(text[:i])
				}
				b.WriteString(r.New)
				i += len(r.Old)
				count++
				matched = true
				break
			}
		}
		if !matched {
			if count > 0 {
				b.WriteByte(text[i])
			}
			i++
		}
	}
	if count == 0 {
		return text, 0
	}
	return b.String(), count
}

// bounded reports whether text[start:end] is a whole token rather than
// part of a longer identifier or name.
func bounded(text string, start, end int, old string) bool {
	if isWord(old[0]) && start > 0 {
		if prev := text[start-1]; isWord(prev) || prev == '.' {
			return false
		}
	}
	if isWord(old[len(old)-1]) && end < len(text) {
		next := text[end]
		if isWord(next) {
			return false
		}
		if next == '.' && end+1 < len(text) && isLetter(text[end+1]) {
			return componentSuffixes[segment(text[end+1:])]
		}
	}
	return true
}

// componentSuffixes name components an application declares under its own
// identifier, such as the authority of its file provider.
var componentSuffixes = map[string]bool{
	"FileProvider": true,
	"fileprovider": true,
	"provider":     true,
}

// segment returns the leading dot-free word of s.
func segment(s string) string {
	i := 0
	for i < len(s) && isWord(s[i]) {
		i++
	}
	return s[:i]
}

func isWord(c byte) bool {
	return isLetter(c) || (c >= '0' && c <= '9') || c == '_' || c == '-'
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
