package runstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/docexport/internal/export"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLastSuccessfulDate(t *testing.T) {
	s := openMemory(t)
	ctx := t.Context()

	_, ok, err := s.LastSuccessfulDate(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetLastSuccessfulDate(ctx, "2026-10-18"))
	require.NoError(t, s.SetLastSuccessfulDate(ctx, "2026-10-19"))
	date, ok, err := s.LastSuccessfulDate(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2026-10-19", date)

	assert.Error(t, s.SetLastSuccessfulDate(ctx, "19.10.2026"))
}

func TestLastError(t *testing.T) {
	s := openMemory(t)
	ctx := t.Context()
	at := time.Date(2026, 10, 19, 9, 5, 0, 0, time.UTC)

	require.NoError(t, s.SetLastError(ctx, "registry unreadable", at))
	msg, got, ok, err := s.LastError(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "registry unreadable", msg)
	assert.True(t, got.Equal(at))

	require.NoError(t, s.SetLastError(ctx, "", at))
	_, _, ok, err = s.LastError(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecordRunAndHistory(t *testing.T) {
	s := openMemory(t)
	ctx := t.Context()
	base := time.Date(2026, 10, 19, 9, 3, 0, 0, time.UTC)

	first := export.Summary{RunID: "r1", Trigger: "scheduled", StartedAt: base, Total: 3, Exported: 2, Errors: 1, Elapsed: 1500 * time.Millisecond,
		Outcomes: []export.TaskOutcome{
			{SourceID: "a", Location: "/in/a.md", Outcome: export.OutcomeExported, ArtifactPath: "/out/a.html", SizeBytes: 10, Attempts: 1, Duration: 20 * time.Millisecond},
			{SourceID: "a", Location: "/in/b.md", Outcome: export.OutcomeError, Attempts: 3, Error: "boom"},
			{SourceID: "b", Location: "/in/c.md", Outcome: export.OutcomeExported, Attempts: 1},
		}}
	second := export.Summary{RunID: "r2", Trigger: "manual", StartedAt: base.Add(time.Hour), Total: 1, Aborted: true, Remaining: 1}

	require.NoError(t, s.RecordRun(ctx, first))
	require.NoError(t, s.RecordRun(ctx, second))
	assert.Error(t, s.RecordRun(ctx, first), "run ids are unique")

	runs, err := s.RecentRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r2", runs[0].RunID)
	assert.True(t, runs[0].Aborted)
	assert.Equal(t, 1, runs[0].Remaining)
	assert.Equal(t, "r1", runs[1].RunID)
	assert.Equal(t, 2, runs[1].Exported)
	assert.Equal(t, 1500*time.Millisecond, runs[1].Elapsed)
	assert.True(t, runs[1].StartedAt.Equal(base))

	outcomes, err := s.RunOutcomes(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, outcomes, 3)
	assert.Equal(t, "/in/b.md", outcomes[1].Location)
	assert.Equal(t, export.OutcomeError, outcomes[1].Outcome)
	assert.Equal(t, 3, outcomes[1].Attempts)
	assert.Equal(t, "boom", outcomes[1].Error)
	assert.Equal(t, "/out/a.html", outcomes[0].ArtifactPath)

	limited, err := s.RecentRuns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestRecordRunRequiresID(t *testing.T) {
	assert.Error(t, openMemory(t).RecordRun(t.Context(), export.Summary{}))
}

func TestPrune(t *testing.T) {
	s := openMemory(t)
	ctx := t.Context()
	now := time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordRun(ctx, export.Summary{RunID: "old", StartedAt: now.AddDate(0, 0, -40),
		Outcomes: []export.TaskOutcome{{SourceID: "a", Location: "x", Outcome: export.OutcomeExported}}}))
	require.NoError(t, s.RecordRun(ctx, export.Summary{RunID: "new", StartedAt: now}))

	n, err := s.Prune(ctx, now.AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	runs, err := s.RecentRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "new", runs[0].RunID)

	outcomes, err := s.RunOutcomes(ctx, "old")
	require.NoError(t, err)
	assert.Empty(t, outcomes)
}

func TestOpenPersistsToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.SetLastSuccessfulDate(t.Context(), "2026-10-19"))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	date, ok, err := s.LastSuccessfulDate(t.Context())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2026-10-19", date)
}
