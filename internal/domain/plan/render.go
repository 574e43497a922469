package plan

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// PhaseMarker prefixes the first line every rendered script prints.
const PhaseMarker = "PHASE"

var phaseLine = regexp.MustCompile(`^` + PhaseMarker + `\s+(\d+):\s+(.+)$`)

// Render produces the POSIX sh script of a scripted phase. The script
// announces itself with a PHASE line, prints one [INFO], [WARN] or [ERR]
// line per notable event and exits non-zero when a step it cannot recover
// from fails.
func Render(ph *Phase) string {
	w := &scriptWriter{}
	for _, s := range ph.Steps {
		w.line("# %s", strings.ReplaceAll(s.Describe(), "\n", " "))
		s.render(w)
	}

	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	fmt.Fprintf(&b, "# %s (%s)\n", ph.Name, ph.Kind)
	b.WriteString("rc=0\n")
	if w.needOwnerCheck {
		b.WriteString("valid_owner() {\n  case \"$1\" in [0-9]*:[0-9]*) return 0 ;; esac\n  return 1\n}\n")
	}
	fmt.Fprintf(&b, "echo '%s %d: %s'\n", PhaseMarker, ph.Index, strings.ReplaceAll(ph.Name, "'", ""))
	b.WriteString(w.body.String())
	b.WriteString("exit $rc\n")
	return b.String()
}

// ScriptName is the file name a phase's script is written under.
func ScriptName(ph *Phase) string {
	return fmt.Sprintf("%02d-%s.sh", ph.Index, ph.Kind)
}

// ParsePhaseLine recognises the PHASE line a script prints first.
func ParsePhaseLine(line string) (int, string, bool) {
	m := phaseLine.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return 0, "", false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, "", false
	}
	return n, m[2], true
}

// ParseLevel splits a marked script line into its level and message.
// Unmarked lines are informational.
func ParseLevel(line string) (Level, string) {
	trimmed := strings.TrimSpace(line)
	for _, l := range []Level{LevelErr, LevelWarn, LevelInfo} {
		if rest, ok := strings.CutPrefix(trimmed, l.Marker()); ok {
			return l, strings.TrimSpace(rest)
		}
	}
	return LevelInfo, trimmed
}
