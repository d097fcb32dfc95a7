package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 11, 10, 0, 0, 0, time.UTC)

	id1, err := s.Record(ctx, Run{
		Query:       "query 5147",
		ExecutionID: "01HX",
		State:       "QUERY_STATE_COMPLETED",
		Polls:       3,
		OutputPath:  "data/dune_export_1718000000.csv",
		Bytes:       2048,
		Outcome:     "success",
		StartedAt:   base,
		FinishedAt:  base.Add(7 * time.Second),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id1)

	id2, err := s.Record(ctx, Run{
		ID:         "fixed-id",
		Query:      "raw sql",
		Outcome:    "config_error",
		Error:      "Missing DUNE_API_KEY secret",
		StartedAt:  base.Add(time.Hour),
		FinishedAt: base.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", id2)

	runs, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	assert.Equal(t, "fixed-id", runs[0].ID)
	assert.Equal(t, "Missing DUNE_API_KEY secret", runs[0].Error)
	assert.Empty(t, runs[0].ExecutionID)

	assert.Equal(t, id1, runs[1].ID)
	assert.Equal(t, "01HX", runs[1].ExecutionID)
	assert.Equal(t, 3, runs[1].Polls)
	assert.Equal(t, 2048, runs[1].Bytes)
	assert.True(t, base.Equal(runs[1].StartedAt))
	assert.Equal(t, 7*time.Second, runs[1].FinishedAt.Sub(runs[1].StartedAt))
}

func TestRecent_Limit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		_, err := s.Record(ctx, Run{Query: "q", Outcome: "success", StartedAt: base.Add(time.Duration(i) * time.Second), FinishedAt: base})
		require.NoError(t, err)
	}

	runs, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestRecent_OrdersFractionalSeconds(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 11, 10, 0, 20, 0, time.UTC)

	for _, r := range []struct {
		query   string
		started time.Time
	}{
		{"earliest", base},
		{"later", base.Add(time.Second)},
		{"earlier", base.Add(500 * time.Millisecond)},
		{"slightly later", base.Add(123 * time.Millisecond)},
		{"slightly earlier", base.Add(120 * time.Millisecond)},
	} {
		_, err := s.Record(ctx, Run{Query: r.query, Outcome: "success", StartedAt: r.started, FinishedAt: r.started})
		require.NoError(t, err)
	}

	runs, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	var got []string
	for _, r := range runs {
		got = append(got, r.Query)
	}
	assert.Equal(t, []string{"later", "earlier", "slightly later", "slightly earlier", "earliest"}, got)
	assert.Equal(t, base.Add(123*time.Millisecond), runs[2].StartedAt)
}

func TestRecord_DuplicateIDFails(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	run := Run{ID: "same", Query: "q", Outcome: "success", StartedAt: time.Now(), FinishedAt: time.Now()}
	_, err := s.Record(ctx, run)
	require.NoError(t, err)
	_, err = s.Record(ctx, run)
	require.Error(t, err)
}

func TestOpen_ReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.Record(context.Background(), Run{Query: "q", Outcome: "success", StartedAt: time.Now(), FinishedAt: time.Now()})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	runs, err := s.Recent(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
