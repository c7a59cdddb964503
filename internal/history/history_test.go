package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordAndRecent(t *testing.T) {
	s := openTestStore(t)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i, prompt := range []string{"first", "second", "third"} {
		require.NoError(t, s.Record(Record{
			ID:      uuid.NewString(),
			AskedAt: base.Add(time.Duration(i) * time.Minute),
			Prompt:  prompt,
			Answer:  "answer to " + prompt,
			Elapsed: 12 * time.Second,
			Steps:   []string{"Searching something", "Reading something"},
		}))
	}

	recs, err := s.Recent(2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "third", recs[0].Prompt, "newest first")
	require.Equal(t, "second", recs[1].Prompt)
	require.Equal(t, []string{"Searching something", "Reading something"}, recs[0].Steps)
	require.Equal(t, 12*time.Second, recs[0].Elapsed)
}

func TestTimedOutRunRoundTrips(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Record(Record{
		ID:       uuid.NewString(),
		AskedAt:  time.Now(),
		Prompt:   "slow one",
		TimedOut: true,
		Elapsed:  3 * time.Minute,
		Steps:    []string{"Analyzing the question"},
	}))

	recs, err := s.Recent(1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.True(t, recs[0].TimedOut)
	require.Empty(t, recs[0].Answer)
}

func TestRecentOnEmptyStore(t *testing.T) {
	s := openTestStore(t)
	recs, err := s.Recent(10)
	require.NoError(t, err)
	require.Empty(t, recs)
}
