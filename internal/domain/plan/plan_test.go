package plan

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/BrowserMover/internal/domain/catalog"
	"github.com/GriffinCanCode/BrowserMover/internal/domain/locate"
	"github.com/GriffinCanCode/BrowserMover/internal/executor"
	"github.com/GriffinCanCode/BrowserMover/internal/shared/types"
)

func geckoRequest() Request {
	cat := catalog.Default()
	src := &locate.Location{
		ID: "org.mozilla.firefox", Family: types.FamilyGecko,
		Root:        "/data/user/0/org.mozilla.firefox",
		ContentDir:  "/data/user/0/org.mozilla.firefox/files/mozilla/aaaa.default-release",
		ProfileName: "aaaa.default-release",
	}
	dst := &locate.Location{
		ID: "io.github.forkmaintainers.iceraven", Family: types.FamilyGecko,
		Root:        "/data/user/0/io.github.forkmaintainers.iceraven",
		ContentDir:  "/data/user/0/io.github.forkmaintainers.iceraven/files/mozilla/bbbb.default-release",
		ProfileName: "bbbb.default-release",
	}
	sel := cat.Select(types.FamilyGecko, cat.Categories(types.FamilyGecko, false),
		[]string{"places.sqlite", "cookies.sqlite", "session.json", "extensions", "extensions.json", "prefs.js"})
	return Request{
		Catalog: cat, Family: types.FamilyGecko, Source: src, Target: dst, Selection: sel,
		Backup: true, BackupPath: "/sdcard/BrowserDataMover/backups/io.github.forkmaintainers.iceraven_1700000000.tar.gz",
	}
}

func chromiumRequest() Request {
	cat := catalog.Default()
	src := &locate.Location{
		ID: "com.android.chrome", Family: types.FamilyChromium,
		Root: "/data/user/0/com.android.chrome", ContentDir: "/data/user/0/com.android.chrome/app_chrome", ProfileName: "app_chrome",
	}
	dst := &locate.Location{
		ID: "com.brave.browser", Family: types.FamilyChromium,
		Root: "/data/user/0/com.brave.browser", ContentDir: "/data/user/0/com.brave.browser/app_chrome", ProfileName: "app_chrome",
	}
	sel := cat.Select(types.FamilyChromium, cat.Categories(types.FamilyChromium, false),
		[]string{"Local State", "Default/History", "Default/Preferences", "Default/Secure Preferences", "Default/Current Session"})
	return Request{Catalog: cat, Family: types.FamilyChromium, Source: src, Target: dst, Selection: sel}
}

func TestPhaseSequences(t *testing.T) {
	gecko, err := Build(geckoRequest())
	require.NoError(t, err)
	chromium, err := Build(chromiumRequest())
	require.NoError(t, err)

	assert.Equal(t, Phases(types.FamilyGecko), gecko.Kinds())
	assert.Equal(t, Phases(types.FamilyChromium), chromium.Kinds())
	assert.NotEqual(t, len(gecko.Phases), len(chromium.Phases))

	for _, p := range []*Plan{gecko, chromium} {
		last := 0
		for i, ph := range p.Phases {
			assert.Equal(t, i, ph.Index)
			assert.Greater(t, ph.Percent, last, ph.Kind)
			last = ph.Percent
			assert.Equal(t, IsFatal(ph.Kind), ph.Fatal, ph.Kind)
		}
	}
}

func TestNoCrossFamilyPhaseLeakage(t *testing.T) {
	gecko, err := Build(geckoRequest())
	require.NoError(t, err)
	chromium, err := Build(chromiumRequest())
	require.NoError(t, err)

	assert.Contains(t, gecko.Kinds(), KindSyncIdentifiers)
	assert.NotContains(t, gecko.Kinds(), KindNeutralizeSecure)
	assert.NotContains(t, gecko.Kinds(), KindStripTelemetry)

	assert.Contains(t, chromium.Kinds(), KindNeutralizeSecure)
	assert.Contains(t, chromium.Kinds(), KindStripTelemetry)
	assert.NotContains(t, chromium.Kinds(), KindSyncIdentifiers)

	for _, ph := range gecko.Phases {
		for _, task := range ph.Patches {
			assert.NotContains(t, task.Path, "Secure Preferences")
			assert.NotContains(t, task.Path, "Local State")
		}
	}
	for _, ph := range chromium.Phases {
		for _, task := range ph.Patches {
			assert.NotEqual(t, PatchStableIDs, task.Kind)
			assert.NotContains(t, task.Path, "prefs.js")
		}
	}
}

func phase(t *testing.T, p *Plan, kind Kind) *Phase {
	t.Helper()
	for i := range p.Phases {
		if p.Phases[i].Kind == kind {
			return &p.Phases[i]
		}
	}
	t.Fatalf("phase %s missing", kind)
	return nil
}

func TestGeckoPlanContents(t *testing.T) {
	p, err := Build(geckoRequest())
	require.NoError(t, err)

	copyPhase := phase(t, p, KindCopy)
	var copied []string
	for _, s := range copyPhase.Steps {
		if c, ok := s.(CopyEntry); ok {
			copied = append(copied, c.Rel)
		}
	}
	assert.ElementsMatch(t, []string{"places.sqlite", "cookies.sqlite", "extensions", "extensions.json"}, copied)

	sync := phase(t, p, KindSyncIdentifiers)
	require.Len(t, sync.Patches, 1)
	assert.Equal(t, PatchStableIDs, sync.Patches[0].Kind)
	assert.True(t, strings.HasSuffix(sync.Patches[0].Source, "aaaa.default-release/prefs.js"))
	assert.True(t, strings.HasSuffix(sync.Patches[0].Path, "bbbb.default-release/prefs.js"))

	patchPhase := phase(t, p, KindPatch)
	kinds := map[PatchKind][]string{}
	for _, task := range patchPhase.Patches {
		kinds[task.Kind] = append(kinds[task.Kind], filepath.Base(task.Path))
	}
	assert.Equal(t, []string{"extensions.json"}, kinds[PatchJSON])
	assert.Equal(t, []string{"prefs.js"}, kinds[PatchPrefs])
	assert.Equal(t, []string{"places.sqlite"}, kinds[PatchRelational])

	restore := phase(t, p, KindRestoreSecurity)
	require.IsType(t, ResolveOwner{}, restore.Steps[0])
	assert.Equal(t, ChownTree{Path: "/data/user/0/io.github.forkmaintainers.iceraven/files"}, restore.Steps[1])
	assert.Equal(t, ChownTree{Path: "/data/user/0/io.github.forkmaintainers.iceraven/files/mozilla"}, restore.Steps[2])
	assert.Equal(t, ChownTree{Path: "/data/user/0/io.github.forkmaintainers.iceraven/files/mozilla/bbbb.default-release", Recursive: true}, restore.Steps[3])
}

func TestChromiumPlanContents(t *testing.T) {
	p, err := Build(chromiumRequest())
	require.NoError(t, err)

	neutralize := phase(t, p, KindNeutralizeSecure)
	require.Len(t, neutralize.Patches, 1)
	assert.Contains(t, neutralize.Patches[0].Keys, "super_mac")

	strip := phase(t, p, KindStripTelemetry)
	require.Len(t, strip.Patches, 1)
	assert.True(t, strings.HasSuffix(strip.Patches[0].Path, "/Local State"))

	backup := phase(t, p, KindBackup)
	assert.Equal(t, "backup not requested", backup.Skip)
	assert.False(t, backup.Scripted())

	patchPhase := phase(t, p, KindPatch)
	var paths []string
	for _, task := range patchPhase.Patches {
		paths = append(paths, filepath.Base(task.Path))
	}
	assert.ElementsMatch(t, []string{"Preferences", "History"}, paths)
}

func TestCrossFamilySkipsIdentifierSync(t *testing.T) {
	req := geckoRequest()
	req.CrossFamily = true
	p, err := Build(req)
	require.NoError(t, err)
	sync := phase(t, p, KindSyncIdentifiers)
	assert.NotEmpty(t, sync.Skip)
	assert.Empty(t, sync.Patches)
}

func TestBuildRejectsBadRequests(t *testing.T) {
	req := geckoRequest()
	req.Family = types.FamilyUnknown
	_, err := Build(req)
	assert.Error(t, err)

	req = geckoRequest()
	req.BackupPath = ""
	_, err = Build(req)
	assert.Error(t, err)
}

func TestRenderQuotesEverything(t *testing.T) {
	ph := &Phase{Index: 6, Kind: KindCopy, Name: "Copy selected data", Steps: []Step{
		CopyEntry{Src: "/src/it's; rm -rf /", Dst: "/dst/$(whoami)", Rel: "Login Data"},
	}}
	script := Render(ph)
	assert.Contains(t, script, `'/src/it'\''s; rm -rf /'`)
	assert.Contains(t, script, `'/dst/$(whoami)'`)
	assert.True(t, strings.HasPrefix(script, "#!/bin/sh\n"))
	assert.Contains(t, script, "echo 'PHASE 6: Copy selected data'")
	assert.True(t, strings.HasSuffix(script, "exit $rc\n"))
	assert.Equal(t, "06-copy.sh", ScriptName(ph))
}

func TestParseLines(t *testing.T) {
	n, name, ok := ParsePhaseLine("PHASE 5: Clear target profile")
	require.True(t, ok)
	assert.Equal(t, 5, n)
	assert.Equal(t, "Clear target profile", name)

	_, _, ok = ParsePhaseLine("[INFO] PHASE 5: nope")
	assert.False(t, ok)

	level, msg := ParseLevel("[WARN] could not stop org.mozilla.firefox")
	assert.Equal(t, LevelWarn, level)
	assert.Equal(t, "could not stop org.mozilla.firefox", msg)

	level, msg = ParseLevel("  plain output")
	assert.Equal(t, LevelInfo, level)
	assert.Equal(t, "plain output", msg)
}

// runPhase renders ph and runs it through a local shell.
func runPhase(t *testing.T, ph *Phase) (int, []string) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	script := filepath.Join(t.TempDir(), ScriptName(ph))
	require.NoError(t, os.WriteFile(script, []byte(Render(ph)), 0o700))

	var lines []string
	code, err := executor.New(executor.LocalOptions()).ExecuteStreaming(context.Background(), script, nil, func(l string) {
		lines = append(lines, l)
	})
	require.NoError(t, err)
	return code, lines
}

func TestRenderedClearKeepsListedEntries(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "profile dir")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sessionstore-backups"), 0o755))
	for _, f := range []string{"prefs.js", "session.json", ".parentlock"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, f), []byte("x"), 0o600))
	}
	require.NoError(t, os.Symlink("/nonexistent/lib", filepath.Join(dir, "lib")))

	code, lines := runPhase(t, &Phase{Index: 5, Kind: KindClear, Name: "Clear target profile",
		Steps: []Step{Clear{Dir: dir, Keep: []string{"lib", "prefs.js"}}}})
	assert.Equal(t, 0, code, strings.Join(lines, "\n"))
	assert.Equal(t, "PHASE 5: Clear target profile", lines[0])

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"lib", "prefs.js"}, names)
}

func TestRenderedClearCreatesMissingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "files", "mozilla", "new.default-release")
	code, _ := runPhase(t, &Phase{Kind: KindClear, Name: "Clear", Steps: []Step{Clear{Dir: dir}}})
	assert.Equal(t, 0, code)
	assert.DirExists(t, dir)
}

func TestRenderedCopyAndVerify(t *testing.T) {
	base := t.TempDir()
	src := filepath.Join(base, "src")
	dst := filepath.Join(base, "dst")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "Default", "Extensions", "abc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "Default", "Login Data"), []byte("db"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(src, "Default", "Extensions", "abc", "manifest.json"), []byte("{}"), 0o600))

	code, lines := runPhase(t, &Phase{Kind: KindCopy, Name: "Copy", Steps: []Step{
		MakeDir{Path: dst},
		CopyEntry{Src: filepath.Join(src, "Default", "Login Data"), Dst: filepath.Join(dst, "Default", "Login Data"), Rel: "Default/Login Data"},
		CopyEntry{Src: filepath.Join(src, "Default", "Extensions"), Dst: filepath.Join(dst, "Default", "Extensions"), Rel: "Default/Extensions"},
		CopyEntry{Src: filepath.Join(src, "Default", "History"), Dst: filepath.Join(dst, "Default", "History"), Rel: "Default/History"},
		ListTree{Dir: dst},
	}})
	assert.Equal(t, 0, code, strings.Join(lines, "\n"))
	assert.FileExists(t, filepath.Join(dst, "Default", "Login Data"))
	assert.FileExists(t, filepath.Join(dst, "Default", "Extensions", "abc", "manifest.json"))
	assert.NoFileExists(t, filepath.Join(dst, "Default", "History"))
	assert.Contains(t, lines, "[INFO] copied Default/Login Data")
	assert.Contains(t, lines, "[INFO] not present: Default/History")
	assert.Contains(t, lines, "[INFO] target profile holds 2 files")
}

func TestRenderedOwnershipRestore(t *testing.T) {
	root := t.TempDir()
	content := filepath.Join(root, "app_chrome")
	require.NoError(t, os.MkdirAll(content, 0o755))

	code, lines := runPhase(t, &Phase{Kind: KindRestoreSecurity, Name: "Restore", Steps: []Step{
		ResolveOwner{Root: root, ID: "com.brave.browser"},
		ChownTree{Path: content, Recursive: true},
		ChownTree{Path: root, Recursive: true, Skip: []string{"lib"}},
	}})
	assert.Equal(t, 0, code, strings.Join(lines, "\n"))
	assert.Contains(t, lines, "[INFO] owner "+ownerOf(t, root))
}

func ownerOf(t *testing.T, p string) string {
	t.Helper()
	info, err := os.Stat(p)
	require.NoError(t, err)
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		t.Skip("ownership not available on this platform")
	}
	return fmt.Sprintf("%d:%d", st.Uid, st.Gid)
}

func TestRenderedOwnershipFailsWithoutOwner(t *testing.T) {
	code, lines := runPhase(t, &Phase{Kind: KindRestoreSecurity, Name: "Restore", Steps: []Step{
		ResolveOwner{Root: filepath.Join(t.TempDir(), "missing"), ID: "com.example.none"},
		ChownTree{Path: "/nonexistent", Recursive: true},
	}})
	assert.NotEqual(t, 0, code)
	level, _ := ParseLevel(lines[len(lines)-1])
	assert.Equal(t, LevelErr, level)
}

func TestRenderedArchiveAndExtract(t *testing.T) {
	if _, err := exec.LookPath("tar"); err != nil {
		t.Skip("tar not available")
	}
	base := t.TempDir()
	root := filepath.Join(base, "data", "com.brave.browser")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "app_chrome", "Default"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "cache"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "app_chrome", "Default", "History"), []byte("h"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "cache", "blob"), []byte("c"), 0o600))
	archive := filepath.Join(base, "backups", "com.brave.browser_1700000000.tar.gz")

	code, lines := runPhase(t, &Phase{Kind: KindBackup, Name: "Backup", Steps: []Step{
		Archive{Root: root, Dest: archive, Exclude: []string{"cache"}},
	}})
	require.Equal(t, 0, code, strings.Join(lines, "\n"))
	require.FileExists(t, archive)

	require.NoError(t, os.RemoveAll(root))
	code, lines = runPhase(t, &Phase{Kind: KindRollbackExtract, Name: "Extract", Steps: []Step{
		Extract{Archive: archive, Dir: filepath.Dir(root)},
	}})
	require.Equal(t, 0, code, strings.Join(lines, "\n"))
	assert.FileExists(t, filepath.Join(root, "app_chrome", "Default", "History"))
	assert.NoDirExists(t, filepath.Join(root, "cache"))
}

func TestBuildRollback(t *testing.T) {
	p := BuildRollback(RollbackRequest{
		TargetID: "com.brave.browser",
		Root:     "/data/user/0/com.brave.browser",
		Archive:  "/sdcard/BrowserDataMover/backups/com.brave.browser_1700000000.tar.gz",
		Keep:     []string{"lib"},
	})
	assert.Equal(t, []Kind{KindStop, KindClear, KindRollbackExtract, KindRollbackOwnership}, p.Kinds())
	extract := p.Phases[2].Steps[0].(Extract)
	assert.Equal(t, "/data/user/0", extract.Dir)
	assert.True(t, p.Phases[2].Fatal)
	assert.Equal(t, 100, p.Phases[3].Percent)
}

func TestLeadingMatchesEveryFamily(t *testing.T) {
	lead := Leading()
	require.Len(t, lead, 2)
	for _, req := range []Request{geckoRequest(), chromiumRequest()} {
		p, err := Build(req)
		require.NoError(t, err)
		for i, ph := range lead {
			assert.Equal(t, p.Phases[i].Kind, ph.Kind)
			assert.Equal(t, p.Phases[i].Name, ph.Name)
			assert.Equal(t, p.Phases[i].Percent, ph.Percent)
			assert.True(t, ph.Fatal)
		}
	}
}

func TestExecuteCollectsMarkedLines(t *testing.T) {
	ph := &Phase{Index: 4, Kind: KindVerify, Name: "Verify target", Steps: []Step{
		Note{Level: LevelWarn, Text: "first warning"},
		Note{Level: LevelErr, Text: "an error"},
		ListTree{Dir: t.TempDir()},
	}}

	var seen []string
	out, err := Execute(context.Background(), executor.New(executor.LocalOptions()), t.TempDir(), ph, func(l string) {
		seen = append(seen, l)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"first warning"}, out.Warnings)
	assert.Equal(t, []string{"an error"}, out.Errors)
	assert.Equal(t, len(seen), out.Lines)
	assert.Equal(t, "PHASE 4: Verify target", seen[0])
}
