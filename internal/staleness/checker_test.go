package staleness

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/docexport/internal/registry"
)

type fixture struct {
	srcDir  string
	destDir string
	base    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		srcDir:  filepath.Join(root, "src"),
		destDir: filepath.Join(root, "out"),
		base:    time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, os.MkdirAll(f.srcDir, 0o755))
	require.NoError(t, os.MkdirAll(f.destDir, 0o755))
	return f
}

func (f *fixture) touch(t *testing.T, path string, offset time.Duration) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	mt := f.base.Add(offset)
	require.NoError(t, os.Chtimes(path, mt, mt))
}

func (f *fixture) source(t *testing.T, name string, offset time.Duration) registry.Location {
	t.Helper()
	p := filepath.Join(f.srcDir, name)
	f.touch(t, p, offset)
	return registry.ParseLocation(p, "")
}

func TestEvaluate_ArtifactMissing(t *testing.T) {
	f := newFixture(t)
	loc := f.source(t, "A.md", 0)

	v := NewChecker(".html").Evaluate(loc, f.destDir)
	assert.True(t, v.NeedsExport)
	assert.Equal(t, ReasonArtifactMissing, v.Reason)
	assert.Empty(t, v.ArtifactPath)
}

func TestEvaluate_UpToDateWhenSourceNotNewer(t *testing.T) {
	f := newFixture(t)
	c := NewChecker(".html")

	for name, srcOffset := range map[string]time.Duration{"equal": 0, "older": -time.Hour} {
		t.Run(name, func(t *testing.T) {
			loc := f.source(t, name+".md", srcOffset)
			f.touch(t, filepath.Join(f.destDir, name+".html"), 0)

			v := c.Evaluate(loc, f.destDir)
			assert.False(t, v.NeedsExport)
			assert.Equal(t, ReasonUpToDate, v.Reason)
			require.NotNil(t, v.SourceTime)
			require.NotNil(t, v.ArtifactTime)
			assert.Equal(t, filepath.Join(f.destDir, name+".html"), v.ArtifactPath)
		})
	}
}

func TestEvaluate_SourceUpdated(t *testing.T) {
	f := newFixture(t)
	loc := f.source(t, "plan.md", time.Minute)
	f.touch(t, filepath.Join(f.destDir, "plan.html"), 0)

	v := NewChecker(".html").Evaluate(loc, f.destDir)
	assert.True(t, v.NeedsExport)
	assert.Equal(t, ReasonSourceUpdated, v.Reason)
}

func TestEvaluate_RemoteAlwaysExports(t *testing.T) {
	f := newFixture(t)
	// Even a far newer artifact does not prevent exporting a remote source.
	f.touch(t, filepath.Join(f.destDir, "readme.html"), 24*time.Hour)
	loc := registry.ParseLocation("https://example.com/docs/readme.md", "")

	v := NewChecker(".html").Evaluate(loc, f.destDir)
	assert.True(t, v.NeedsExport)
	assert.Equal(t, ReasonRemoteSource, v.Reason)
	assert.Equal(t, filepath.Join(f.destDir, "readme.html"), v.ArtifactPath)
}

func TestEvaluate_SourceTimestampUnknown(t *testing.T) {
	f := newFixture(t)
	f.touch(t, filepath.Join(f.destDir, "gone.html"), 0)
	loc := registry.ParseLocation(filepath.Join(f.srcDir, "gone.md"), "")

	v := NewChecker(".html").Evaluate(loc, f.destDir)
	assert.True(t, v.NeedsExport)
	assert.Equal(t, ReasonSourceUnknown, v.Reason)
}

func TestEvaluate_ChoosesNewerRevisionCandidate(t *testing.T) {
	f := newFixture(t)
	loc := f.source(t, "Tower_rev3.md", 30*time.Minute)
	f.touch(t, filepath.Join(f.destDir, "Tower_rev3.html"), 0)
	f.touch(t, filepath.Join(f.destDir, "Tower_rev4.html"), time.Hour)

	v := NewChecker(".html").Evaluate(loc, f.destDir)
	assert.False(t, v.NeedsExport)
	assert.Equal(t, filepath.Join(f.destDir, "Tower_rev4.html"), v.ArtifactPath)

	v = NewChecker(".html", WithNaming(PrimaryNaming{})).Evaluate(loc, f.destDir)
	assert.True(t, v.NeedsExport, "primary-only naming ignores the next-revision artifact")
	assert.Equal(t, ReasonSourceUpdated, v.Reason)
}

func TestEvaluate_FilesystemFaultExports(t *testing.T) {
	f := newFixture(t)
	loc := f.source(t, "a.md", 0)
	stat := func(name string) (fs.FileInfo, error) {
		if filepath.Dir(name) == f.destDir {
			return nil, errors.New("input/output error")
		}
		return os.Stat(name)
	}

	v := NewChecker(".html", WithStat(stat)).Evaluate(loc, f.destDir)
	assert.True(t, v.NeedsExport)
	assert.Equal(t, ReasonCheckFailed, v.Reason)
}

func TestEvaluate_SecondCheckAfterExportIsUpToDate(t *testing.T) {
	f := newFixture(t)
	loc := f.source(t, "A.md", 0)
	c := NewChecker(".html")

	first := c.Evaluate(loc, f.destDir)
	require.Equal(t, ReasonArtifactMissing, first.Reason)

	// Simulates a converter run producing the artifact after the source was written.
	f.touch(t, filepath.Join(f.destDir, "A.html"), time.Second)

	second := c.Evaluate(loc, f.destDir)
	assert.False(t, second.NeedsExport)
	assert.Equal(t, ReasonUpToDate, second.Reason)
}

func TestEvaluateSource_PerLocation(t *testing.T) {
	f := newFixture(t)
	src := registry.Source{
		ID:             "s",
		DestinationDir: f.destDir,
		Locations: []registry.Location{
			f.source(t, "one.md", 0),
			registry.ParseLocation("https://example.com/two.md", ""),
		},
	}
	got := NewChecker(".html").EvaluateSource(src)
	require.Len(t, got, 2)
	assert.Equal(t, ReasonArtifactMissing, got[0].Verdict.Reason)
	assert.Equal(t, ReasonRemoteSource, got[1].Verdict.Reason)
}
