package plan

import (
	"fmt"
	"path"
	"strings"

	"github.com/GriffinCanCode/BrowserMover/internal/executor"
)

// Level is the severity marker a script prints in front of a line.
type Level string

const (
	LevelInfo Level = "INFO"
	LevelWarn Level = "WARN"
	LevelErr  Level = "ERR"
)

// Marker returns the bracketed form printed by scripts, e.g. "[WARN]".
func (l Level) Marker() string {
	return "[" + string(l) + "]"
}

// Step is one shell-renderable operation.
type Step interface {
	// Describe returns a one-line summary for logs.
	Describe() string
	render(w *scriptWriter)
}

// ForceStop terminates every process of an application.
type ForceStop struct {
	ID string
}

func (s ForceStop) Describe() string { return "force-stop " + s.ID }

func (s ForceStop) render(w *scriptWriter) {
	w.line("if command -v am >/dev/null 2>&1; then")
	w.line("  if am force-stop %s >/dev/null 2>&1; then %s; else %s; fi",
		executor.Quote(s.ID), w.msg(LevelInfo, "stopped "+s.ID), w.msg(LevelWarn, "could not stop "+s.ID))
	w.line("else")
	w.line("  %s", w.msg(LevelWarn, "activity manager unavailable; "+s.ID+" was not stopped"))
	w.line("fi")
}

// Checkpoint merges every write-ahead log under Dir into its database.
type Checkpoint struct {
	Dir     string
	Sqlite3 string
}

func (s Checkpoint) Describe() string { return "checkpoint databases under " + s.Dir }

func (s Checkpoint) render(w *scriptWriter) {
	w.line("SQLITE3=%s", executor.Quote(s.Sqlite3))
	w.line(`if [ ! -x "$SQLITE3" ]; then SQLITE3=$(command -v sqlite3 2>/dev/null); fi`)
	w.line(`if [ -z "$SQLITE3" ]; then`)
	w.line("  %s", w.msg(LevelWarn, "sqlite3 unavailable; write-ahead logs are copied with their databases"))
	w.line("else")
	w.line("  find %s -maxdepth 4 -type f -name '*-wal' 2>/dev/null | while IFS= read -r wal; do", executor.Quote(s.Dir))
	w.line(`    db="${wal%%-wal}"`)
	w.line(`    if "$SQLITE3" "$db" 'PRAGMA wal_checkpoint(TRUNCATE);' >/dev/null 2>&1; then`)
	w.line(`      echo "[INFO] checkpointed ${db##*/}"`)
	w.line("    else")
	w.line(`      echo "[WARN] checkpoint failed for ${db##*/}; its write-ahead log is copied with it"`)
	w.line("    fi")
	w.line("  done")
	w.line("fi")
}

// Archive writes a gzip-compressed tar of Root to Dest. Exclude holds
// root-relative names left out of the archive.
type Archive struct {
	Root    string
	Dest    string
	Exclude []string
}

func (s Archive) Describe() string { return "archive " + s.Root + " to " + s.Dest }

func (s Archive) render(w *scriptWriter) {
	base := path.Base(s.Root)
	args := []string{"-czf", s.Dest, "-C", path.Dir(s.Root)}
	for _, ex := range s.Exclude {
		args = append(args, "--exclude="+base+"/"+ex)
	}
	args = append(args, base)

	w.line("mkdir -p %s 2>/dev/null", executor.Quote(path.Dir(s.Dest)))
	w.line("if tar %s 2>&1; then", executor.QuoteAll(args))
	w.line("  %s", w.msg(LevelInfo, "backup written to "+s.Dest))
	w.line("else")
	w.line("  rm -f %s", executor.Quote(s.Dest))
	w.line("  %s", w.msg(LevelWarn, "backup of "+s.Root+" failed; continuing without a safety net"))
	w.fail()
	w.line("fi")
}

// Extract unpacks a gzip-compressed tar into Dir.
type Extract struct {
	Archive string
	Dir     string
}

func (s Extract) Describe() string { return "extract " + s.Archive + " into " + s.Dir }

func (s Extract) render(w *scriptWriter) {
	w.line("if tar -xzf %s -C %s 2>&1; then", executor.Quote(s.Archive), executor.Quote(s.Dir))
	w.line("  %s", w.msg(LevelInfo, "extracted "+path.Base(s.Archive)))
	w.line("else")
	w.line("  %s", w.msg(LevelErr, "could not extract "+s.Archive))
	w.fail()
	w.line("fi")
}

// Clear removes every entry of Dir except those named in Keep. It fails
// only when entries exist and none of them could be removed.
type Clear struct {
	Dir  string
	Keep []string
}

func (s Clear) Describe() string { return "clear " + s.Dir }

func (s Clear) render(w *scriptWriter) {
	dir := executor.Quote(s.Dir)
	w.line("if [ ! -d %s ]; then", dir)
	w.line("  if mkdir -p %s; then %s; else %s; rc=1; fi",
		dir, w.msg(LevelInfo, "created "+s.Dir), w.msg(LevelErr, "could not create "+s.Dir))
	w.line("else")
	w.line("  removed=0; failed=0")
	w.line("  for e in %s/* %s/.[!.]* %s/..?*; do", dir, dir, dir)
	w.line(`    [ -e "$e" ] || [ -L "$e" ] || continue`)
	if len(s.Keep) > 0 {
		w.line(`    case "${e##*/}" in %s) echo "[INFO] kept ${e##*/}"; continue ;; esac`, casePattern(s.Keep))
	}
	w.line(`    if rm -rf -- "$e" 2>/dev/null; then removed=$((removed + 1)); else failed=$((failed + 1)); echo "[WARN] could not remove ${e##*/}"; fi`)
	w.line("  done")
	w.line(`  if [ "$failed" -gt 0 ] && [ "$removed" -eq 0 ]; then`)
	w.line("    %s", w.msg(LevelErr, "nothing under "+s.Dir+" could be removed"))
	w.line("    rc=1")
	w.line("  else")
	w.line(`    echo "[INFO] removed $removed entries"`)
	w.line("  fi")
	w.line("fi")
}

// MakeDir creates a directory and its parents.
type MakeDir struct {
	Path string
}

func (s MakeDir) Describe() string { return "mkdir " + s.Path }

func (s MakeDir) render(w *scriptWriter) {
	w.line("if ! mkdir -p %s; then %s; rc=1; fi", executor.Quote(s.Path), w.msg(LevelErr, "could not create "+s.Path))
}

// CopyEntry copies one file or directory, replacing whatever is at Dst.
type CopyEntry struct {
	Src string
	Dst string
	// Rel is the content-relative name used in progress lines.
	Rel string
}

func (s CopyEntry) Describe() string { return "copy " + s.Rel }

func (s CopyEntry) render(w *scriptWriter) {
	src, dst := executor.Quote(s.Src), executor.Quote(s.Dst)
	w.line("if [ -e %s ]; then", src)
	w.line("  if mkdir -p %s && rm -rf %s && cp -a %s %s; then %s; else %s; fi",
		executor.Quote(path.Dir(s.Dst)), dst, src, dst,
		w.msg(LevelInfo, "copied "+s.Rel), w.msg(LevelWarn, "failed to copy "+s.Rel))
	w.line("else")
	w.line("  %s", w.msg(LevelInfo, "not present: "+s.Rel))
	w.line("fi")
}

// ResolveOwner determines the numeric owner of Root into $owner, trying
// stat, then ls, then the package manager. The script stops when no method
// works.
type ResolveOwner struct {
	Root string
	ID   string
}

func (s ResolveOwner) Describe() string { return "resolve owner of " + s.Root }

func (s ResolveOwner) render(w *scriptWriter) {
	root := executor.Quote(s.Root)
	w.needOwnerCheck = true
	w.line("owner=$(stat -c '%%u:%%g' %s 2>/dev/null)", root)
	w.line(`valid_owner "$owner" || owner=$(ls -ldn %s 2>/dev/null | awk '{print $3":"$4}')`, root)
	w.line(`if ! valid_owner "$owner" && command -v dumpsys >/dev/null 2>&1; then`)
	w.line(`  uid=$(dumpsys package %s 2>/dev/null | sed -n 's/.*userId=\([0-9][0-9]*\).*/\1/p' | head -n 1)`, executor.Quote(s.ID))
	w.line(`  [ -n "$uid" ] && owner="$uid:$uid"`)
	w.line("fi")
	w.line(`if valid_owner "$owner"; then`)
	w.line(`  echo "[INFO] owner $owner"`)
	w.line("else")
	w.line("  %s", w.msg(LevelErr, "owner of "+s.Root+" could not be determined"))
	w.line("  exit 1")
	w.line("fi")
}

// ChownTree hands Path to $owner. Recursive descends into it, leaving the
// entries named in Skip alone.
type ChownTree struct {
	Path      string
	Recursive bool
	Skip      []string
}

func (s ChownTree) Describe() string { return "chown " + s.Path }

func (s ChownTree) render(w *scriptWriter) {
	p := executor.Quote(s.Path)
	switch {
	case !s.Recursive:
		w.line(`chown "$owner" %s 2>/dev/null || %s`, p, w.msg(LevelWarn, "could not chown "+s.Path))
	case len(s.Skip) == 0:
		w.line(`if chown -R "$owner" %s 2>/dev/null; then %s; else %s; fi`,
			p, w.msg(LevelInfo, "ownership restored on "+s.Path), w.msg(LevelWarn, "could not chown "+s.Path))
	default:
		w.line(`chown "$owner" %s 2>/dev/null || %s`, p, w.msg(LevelWarn, "could not chown "+s.Path))
		w.line("for e in %s/* %s/.[!.]* %s/..?*; do", p, p, p)
		w.line(`  [ -e "$e" ] || continue`)
		w.line(`  case "${e##*/}" in %s) continue ;; esac`, casePattern(s.Skip))
		w.line(`  chown -R "$owner" "$e" 2>/dev/null || echo "[WARN] could not chown ${e##*/}"`)
		w.line("done")
		w.line("%s", w.msg(LevelInfo, "ownership restored on "+s.Path))
	}
}

// Relabel reapplies the default security labels below Path.
type Relabel struct {
	Path string
}

func (s Relabel) Describe() string { return "restorecon " + s.Path }

func (s Relabel) render(w *scriptWriter) {
	p := executor.Quote(s.Path)
	w.line("if command -v restorecon >/dev/null 2>&1; then")
	w.line("  if restorecon -R %s >/dev/null 2>&1; then %s; else %s; fi",
		p, w.msg(LevelInfo, "security labels restored"), w.msg(LevelWarn, "restorecon failed on "+s.Path))
	w.line("else")
	w.line("  %s", w.msg(LevelWarn, "restorecon unavailable; labels not restored"))
	w.line("fi")
}

// ListTree reports what a directory holds.
type ListTree struct {
	Dir string
}

func (s ListTree) Describe() string { return "list " + s.Dir }

func (s ListTree) render(w *scriptWriter) {
	d := executor.Quote(s.Dir)
	w.line("if [ -d %s ]; then", d)
	w.line("  n=$(find %s -type f 2>/dev/null | wc -l | tr -d ' ')", d)
	w.line(`  echo "[INFO] target profile holds $n files"`)
	w.line("  ls -1 %s 2>/dev/null | head -n 40 | while IFS= read -r e; do echo \"  $e\"; done", d)
	w.line("else")
	w.line("  %s", w.msg(LevelWarn, s.Dir+" is missing after migration"))
	w.line("fi")
}

// Note prints a fixed line.
type Note struct {
	Level Level
	Text  string
}

func (s Note) Describe() string { return s.Level.Marker() + " " + s.Text }

func (s Note) render(w *scriptWriter) {
	w.line("%s", w.msg(s.Level, s.Text))
}

func casePattern(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = executor.Quote(n)
	}
	return strings.Join(quoted, "|")
}

// scriptWriter accumulates script lines.
type scriptWriter struct {
	body           strings.Builder
	needOwnerCheck bool
}

func (w *scriptWriter) line(format string, args ...any) {
	fmt.Fprintf(&w.body, format, args...)
	w.body.WriteByte('\n')
}

// msg renders an echo of a marked message.
func (w *scriptWriter) msg(level Level, text string) string {
	return "echo " + executor.Quote(level.Marker()+" "+text)
}

// fail marks the script as failed without stopping it.
func (w *scriptWriter) fail() {
	w.line("  rc=1")
}
