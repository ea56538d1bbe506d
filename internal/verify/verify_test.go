package verify

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GiselleSerate/pure19prototype/internal/inventory"
	"github.com/GiselleSerate/pure19prototype/internal/pkgmgr"
)

// fakeSystem is a minimal backend with a scriptable strategy. Install tokens
// render as "name=ver" and listings parse "name ver" lines.
type fakeSystem struct {
	strategy pkgmgr.Strategy
}

func (s *fakeSystem) Name() string          { return "fake" }
func (s *fakeSystem) BaseImage() string     { return "fake:1" }
func (s *fakeSystem) ListInstalled() string { return "list-installed" }

func (s *fakeSystem) ParsePackageLine(line string) (string, string, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return "", "", fmt.Errorf("%w: %q", pkgmgr.ErrMalformedLine, line)
	}
	return fields[0], fields[1], nil
}

func (s *fakeSystem) ParseAllPackages(lines []string) (map[string]string, error) {
	pkgs := make(map[string]string)
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		name, ver, err := s.ParsePackageLine(line)
		if err != nil {
			return nil, err
		}
		pkgs[name] = ver
	}
	return pkgs, nil
}

func (s *fakeSystem) Dependencies(context.Context, string) ([]string, error) { return nil, nil }
func (s *fakeSystem) ConfigFiles(context.Context, string) ([]string, error)  { return nil, nil }
func (s *fakeSystem) ListFilesForPackages(context.Context, []string) (map[string][]string, error) {
	return nil, nil
}
func (s *fakeSystem) FilesChangedFromPackage(context.Context, string) (map[string]bool, error) {
	return nil, nil
}

func (s *fakeSystem) InstallDirective(inv *inventory.Inventory) string {
	return "FROM fake:1\nRUN install " + strings.Join(s.tokens(inv), " ") + "\n"
}

func (s *fakeSystem) Prelude() string { return "FROM fake:1\n" }

func (s *fakeSystem) InstallCommand(inv *inventory.Inventory) string {
	return "install " + strings.Join(s.tokens(inv), " ")
}

func (s *fakeSystem) MissingFromInstallOutput(lines []string) ([]string, error) {
	var missing []string
	for _, line := range lines {
		if name, ok := strings.CutPrefix(line, "missing: "); ok {
			missing = append(missing, name)
		}
	}
	return missing, nil
}

func (s *fakeSystem) Strategy() pkgmgr.Strategy { return s.strategy }

func (s *fakeSystem) tokens(inv *inventory.Inventory) []string {
	var tokens []string
	for _, name := range inv.InstallNames() {
		if ver := inv.Install[name]; ver == inventory.NoVersion {
			tokens = append(tokens, name)
		} else {
			tokens = append(tokens, name+"="+ver)
		}
	}
	return tokens
}

// fakeEngine records builds and serves scripted container logs in order.
// Directives containing failBuildOn refuse to build, the way an install
// layer naming an unresolvable package aborts a real image build.
type fakeEngine struct {
	builds      []string // directives, in build order
	runs        []string // commands handed to Run
	logQueue    [][]string
	removed     []string
	failBuildOn string
	nextRun     int
	buildCount  int
}

func (f *fakeEngine) BuildImage(ctx context.Context, contextDir, tag string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(contextDir, "Dockerfile"))
	if err != nil {
		return "", err
	}
	if f.failBuildOn != "" && strings.Contains(string(raw), f.failBuildOn) {
		return "", fmt.Errorf("build returned a non-zero code: 100")
	}
	f.builds = append(f.builds, string(raw))
	f.buildCount++
	return fmt.Sprintf("%s:%d", tag, f.buildCount), nil
}

func (f *fakeEngine) Run(ctx context.Context, imageRef string, cmd []string) (string, error) {
	f.runs = append(f.runs, strings.Join(cmd, " "))
	f.nextRun++
	return fmt.Sprintf("container-%d", f.nextRun), nil
}

func (f *fakeEngine) Wait(ctx context.Context, id string) (int, error) { return 0, nil }

func (f *fakeEngine) Logs(ctx context.Context, id string) ([]string, error) {
	if len(f.logQueue) == 0 {
		return nil, nil
	}
	logs := f.logQueue[0]
	f.logQueue = f.logQueue[1:]
	return logs, nil
}

func (f *fakeEngine) Remove(ctx context.Context, id string, force bool) error {
	f.removed = append(f.removed, id)
	return nil
}

func newEngine(t *testing.T, sys pkgmgr.System, inv *inventory.Inventory, fe *fakeEngine) *Engine {
	t.Helper()
	e, err := New(sys, inv, fe, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestVerify_ListDiffComplete(t *testing.T) {
	inv := inventory.New(map[string]string{"a": "1", "b": "2"})
	fe := &fakeEngine{logQueue: [][]string{{"a 1", "b 2"}}}
	e := newEngine(t, &fakeSystem{strategy: pkgmgr.ListDiff}, inv, fe)

	result, err := e.Verify(context.Background(), Dry)
	require.NoError(t, err)

	assert.True(t, result.Complete)
	assert.Empty(t, result.Missing)
	assert.Equal(t, "verify-fake:1", e.ImageRef())
	require.Len(t, fe.builds, 1)
	assert.Equal(t, "FROM fake:1\nRUN install a=1 b=2\n", fe.builds[0])
	assert.Len(t, fe.removed, 1, "probe container must be cleaned up")
}

func TestVerify_DryMutatesNothing(t *testing.T) {
	inv := inventory.New(map[string]string{"a": "1", "b": "2"})
	fe := &fakeEngine{logQueue: [][]string{{"a 1"}}}
	e := newEngine(t, &fakeSystem{strategy: pkgmgr.ListDiff}, inv, fe)

	result, err := e.Verify(context.Background(), Dry)
	require.NoError(t, err)

	assert.False(t, result.Complete)
	assert.Equal(t, []string{"b"}, result.Missing)
	assert.Equal(t, []string{"a", "b"}, inv.InstallNames())
	assert.Empty(t, inv.Unversion)
}

func TestVerify_DryIsIdempotent(t *testing.T) {
	inv := inventory.New(map[string]string{"a": "1", "b": "2"})
	fe := &fakeEngine{logQueue: [][]string{{"a 1"}, {"a 1"}}}
	e := newEngine(t, &fakeSystem{strategy: pkgmgr.ListDiff}, inv, fe)

	first, err := e.Verify(context.Background(), Dry)
	require.NoError(t, err)
	second, err := e.Verify(context.Background(), Dry)
	require.NoError(t, err)
	assert.Equal(t, first.Missing, second.Missing)
}

func TestVerify_DeleteDropsMissing(t *testing.T) {
	inv := inventory.New(map[string]string{"a": "1", "b": "2"})
	fe := &fakeEngine{logQueue: [][]string{{"a 1"}}}
	e := newEngine(t, &fakeSystem{strategy: pkgmgr.ListDiff}, inv, fe)

	result, err := e.Verify(context.Background(), Delete)
	require.NoError(t, err)

	assert.Equal(t, []string{"b"}, result.Missing, "verdict reflects the pre-fallback state")
	assert.Equal(t, []string{"a"}, inv.InstallNames())
	assert.Contains(t, inv.All, "b", "ground truth never shrinks")
}

func TestVerify_UnversionRecordsSubstitute(t *testing.T) {
	inv := inventory.New(map[string]string{"a": "1", "b": "2"})
	fe := &fakeEngine{logQueue: [][]string{
		{"a 1"},        // probe: b missing at its pinned version
		{"a 1", "b 9"}, // rebuilt unconstrained image carries b at 9
	}}
	e := newEngine(t, &fakeSystem{strategy: pkgmgr.ListDiff}, inv, fe)

	result, err := e.Verify(context.Background(), Unversion)
	require.NoError(t, err)

	assert.Equal(t, []string{"b"}, result.Missing)
	assert.Equal(t, "9", inv.Install["b"])
	assert.Equal(t, inventory.Substitution{Original: "2", Substitute: "9"}, inv.Unversion["b"])

	require.Len(t, fe.builds, 2)
	assert.Equal(t, "FROM fake:1\nRUN install a=1 b\n", fe.builds[1],
		"rebuild must use the unconstrained directive")
}

func TestVerify_UnversionUnrecoveredStaysUnconstrained(t *testing.T) {
	inv := inventory.New(map[string]string{"a": "1", "b": "2"})
	fe := &fakeEngine{logQueue: [][]string{
		{"a 1"},
		{"a 1"}, // rebuilt image still lacks b
	}}
	e := newEngine(t, &fakeSystem{strategy: pkgmgr.ListDiff}, inv, fe)

	_, err := e.Verify(context.Background(), Unversion)
	require.NoError(t, err)

	assert.Equal(t, inventory.NoVersion, inv.Install["b"])
	assert.Equal(t, inventory.Substitution{Original: "2", Substitute: inventory.NoVersion}, inv.Unversion["b"])
}

func TestVerify_MarkerScanComplete(t *testing.T) {
	inv := inventory.New(map[string]string{"a": "1"})
	fe := &fakeEngine{logQueue: [][]string{{"all good"}}}
	e := newEngine(t, &fakeSystem{strategy: pkgmgr.MarkerScan}, inv, fe)

	result, err := e.Verify(context.Background(), Dry)
	require.NoError(t, err)

	assert.True(t, result.Complete)
	require.Len(t, fe.builds, 2, "prelude probe build plus the final replica build")
	assert.Equal(t, "FROM fake:1\n", fe.builds[0])
	assert.Equal(t, "FROM fake:1\nRUN install a=1\n", fe.builds[1])
	assert.Equal(t, "/bin/sh -c install a=1", fe.runs[0])
	assert.NotEmpty(t, e.ImageRef())
}

func TestVerify_MarkerScanPartial(t *testing.T) {
	inv := inventory.New(map[string]string{"a": "1", "b": "2", "c": "3"})
	fe := &fakeEngine{logQueue: [][]string{{"missing: c", "missing: b"}}}
	e := newEngine(t, &fakeSystem{strategy: pkgmgr.MarkerScan}, inv, fe)

	result, err := e.Verify(context.Background(), Dry)
	require.NoError(t, err)

	assert.False(t, result.Complete)
	assert.Equal(t, []string{"b", "c"}, result.Missing, "missing names are sorted")
}

func TestVerify_FallbackSequenceShrinksTheProblem(t *testing.T) {
	inv := inventory.New(map[string]string{"a": "1", "b": "2"})
	fe := &fakeEngine{logQueue: [][]string{
		{"a 1"}, // dry probe
		{"a 1"}, // unversion probe
		{"a 1"}, // unversion rebuild: b still missing
		{"a 1"}, // delete probe: drops b
	}}
	e := newEngine(t, &fakeSystem{strategy: pkgmgr.ListDiff}, inv, fe)

	var result Result
	var err error
	for _, mode := range Modes {
		result, err = e.Verify(context.Background(), mode)
		require.NoError(t, err)
		if result.Complete {
			break
		}
	}
	assert.False(t, result.Complete, "every verdict reflects its pre-fallback state")
	assert.Equal(t, []string{"b"}, result.Missing)
	assert.Equal(t, []string{"a"}, inv.InstallNames(), "delete left a satisfiable set behind")

	// A fresh pass over the shrunken set verifies clean.
	fe.logQueue = [][]string{{"a 1"}}
	result, err = e.Verify(context.Background(), Dry)
	require.NoError(t, err)
	assert.True(t, result.Complete)
}

func TestVerify_MarkerScanUnversionKeepsVerdict(t *testing.T) {
	// Package b cannot be resolved at any version, so any image build whose
	// install layer names it would abort. Unversion must still return a
	// verdict so the caller can proceed to delete mode.
	inv := inventory.New(map[string]string{"a": "1", "b": "2"})
	fe := &fakeEngine{
		failBuildOn: "install a=1 b",
		logQueue: [][]string{
			{"missing: b"}, // probe: b unresolvable at its pin
			{"missing: b"}, // fallback re-run: still unresolvable unconstrained
		},
	}
	e := newEngine(t, &fakeSystem{strategy: pkgmgr.MarkerScan}, inv, fe)

	result, err := e.Verify(context.Background(), Unversion)
	require.NoError(t, err)

	assert.False(t, result.Complete)
	assert.Equal(t, []string{"b"}, result.Missing)
	assert.Equal(t, inventory.NoVersion, inv.Install["b"])
	require.Len(t, fe.builds, 2, "only prelude images may be built while markers remain")
	assert.Equal(t, []string{"FROM fake:1\n", "FROM fake:1\n"}, fe.builds)
	assert.Equal(t, "/bin/sh -c install a=1 b", fe.runs[1],
		"fallback re-run must use the unconstrained command")

	// Delete mode drops b, after which a dry pass verifies clean and the
	// replica image finally builds.
	fe.logQueue = [][]string{{"missing: b"}}
	result, err = e.Verify(context.Background(), Delete)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, result.Missing)
	assert.Equal(t, []string{"a"}, inv.InstallNames())

	fe.logQueue = [][]string{{"ok"}}
	result, err = e.Verify(context.Background(), Dry)
	require.NoError(t, err)
	assert.True(t, result.Complete)
	assert.Equal(t, "FROM fake:1\nRUN install a=1\n", fe.builds[len(fe.builds)-1])
}

func TestVerify_MarkerScanUnversionRecovers(t *testing.T) {
	inv := inventory.New(map[string]string{"a": "1", "b": "2"})
	fe := &fakeEngine{logQueue: [][]string{
		{"missing: b"}, // probe: b unavailable at its pin
		{"ok"},         // fallback re-run: resolvable once unconstrained
	}}
	e := newEngine(t, &fakeSystem{strategy: pkgmgr.MarkerScan}, inv, fe)

	result, err := e.Verify(context.Background(), Unversion)
	require.NoError(t, err)

	assert.Equal(t, []string{"b"}, result.Missing)
	assert.Equal(t, inventory.NoVersion, inv.Install["b"])
	assert.Equal(t, inventory.Substitution{Original: "2", Substitute: inventory.NoVersion}, inv.Unversion["b"])

	// The next pass verifies clean with b unconstrained.
	fe.logQueue = [][]string{{"ok"}}
	result, err = e.Verify(context.Background(), Dry)
	require.NoError(t, err)
	assert.True(t, result.Complete)
	assert.Equal(t, "FROM fake:1\nRUN install a=1 b\n", fe.builds[len(fe.builds)-1])
}

func TestWriteManifest(t *testing.T) {
	inv := inventory.New(map[string]string{"a": "1"})
	e := newEngine(t, &fakeSystem{strategy: pkgmgr.ListDiff}, inv, &fakeEngine{})

	path := filepath.Join(t.TempDir(), "Dockerfile.replica")
	require.NoError(t, e.WriteManifest(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "FROM fake:1\nRUN install a=1\n", string(raw))
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "dry", Dry.String())
	assert.Equal(t, "unversion", Unversion.String())
	assert.Equal(t, "delete", Delete.String())
}
