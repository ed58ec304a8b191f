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
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	first, err := s.Record(ctx, Entry{
		AttemptID: "a1",
		Kind:      KindCalibration,
		From:      "MUST_CHECK",
		To:        "CHECKING",
		Reason:    "calibration checking is enabled",
		Time:      base,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)

	_, err = s.Record(ctx, Entry{
		AttemptID:    "a1",
		Kind:         KindCalibration,
		From:         "CHECKING",
		To:           "CALIBRATED",
		Samples:      250,
		Mean:         0.0001,
		StdDeviation: 0.0002,
		Temperature:  31.5,
		Time:         base.Add(5500 * time.Millisecond),
	})
	require.NoError(t, err)

	_, err = s.Record(ctx, Entry{Kind: KindLifecycle, From: "STANDBY", To: "READY", Time: base.Add(-time.Second)})
	require.NoError(t, err)

	all, err := s.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "CALIBRATED", all[0].To)
	assert.Equal(t, "CHECKING", all[1].To)
	assert.Equal(t, "READY", all[2].To)

	got := all[0]
	assert.Equal(t, "a1", got.AttemptID)
	assert.Equal(t, KindCalibration, got.Kind)
	assert.Equal(t, 250, got.Samples)
	assert.InDelta(t, 0.0002, got.StdDeviation, 1e-12)
	assert.True(t, got.Time.Equal(base.Add(5500*time.Millisecond)))
	assert.Empty(t, all[2].AttemptID)

	limited, err := s.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, all[0].ID, limited[0].ID)
}

func TestLastCalibrated(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, ok, err := s.LastCalibrated(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, temp := range []float64{30, 32} {
		_, err := s.Record(ctx, Entry{
			Kind:        KindCalibration,
			From:        "CHECKING",
			To:          "CALIBRATED",
			Temperature: temp,
			Time:        base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
	_, err = s.Record(ctx, Entry{Kind: KindCalibration, From: "CALIBRATED", To: "MUST_CHECK", Time: base.Add(time.Hour)})
	require.NoError(t, err)

	e, ok, err := s.LastCalibrated(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 32.0, e.Temperature)
}

func TestReopenKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.Record(context.Background(), Entry{Kind: KindLifecycle, From: "INIT", To: "STANDBY"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	entries, err := s.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
