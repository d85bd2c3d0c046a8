package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vrutest/internal/fault"
	"github.com/banshee-data/vrutest/internal/matching"
	"github.com/banshee-data/vrutest/internal/session"
)

func sampleDefinition() session.Definition {
	end := 4.5
	return session.Definition{
		Session: session.TestSession{
			ID:   "crossing-01",
			Name: "Zebra crossing, morning",
			Videos: []session.VideoRef{
				{ID: "cam-front-001", Path: "/data/front-001.mp4", DurationSeconds: 62.5, FrameCount: 1875},
				{ID: "cam-front-002", DurationSeconds: 30},
			},
			Config: session.Configuration{
				AutoAdvance:         true,
				SyncExternalSignals: true,
				MaxSyncDriftMs:      80,
				SyncCheckIntervalMs: 250,
				ToleranceMs:         150,
			},
		},
		GroundTruth: []matching.GroundTruth{
			{VideoID: "cam-front-001", ClassLabel: "pedestrian", Timestamp: 1.0},
			{ID: 10, VideoID: "cam-front-001", ClassLabel: "cyclist", Timestamp: 4.0, End: &end,
				Box: &matching.BoundingBox{X: 10, Y: 20, Width: 30, Height: 60}},
		},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemory())
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := OpenSQLite(filepath.Join(t.TempDir(), "vrutest.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
}

func TestCreateAndLoadSession(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		def := sampleDefinition()
		require.NoError(t, s.CreateSession(ctx, def))

		got, err := s.LoadSession(ctx, "crossing-01")
		require.NoError(t, err)

		want := def
		want.Session.Config.PlaybackOrder = session.Sequential
		want.GroundTruth[0].ID = 11 // assigned after the highest explicit id
		want.GroundTruth = []matching.GroundTruth{want.GroundTruth[1], want.GroundTruth[0]}
		opts := []cmp.Option{
			cmpopts.IgnoreFields(session.TestSession{}, "CreatedAt", "UpdatedAt"),
			cmpopts.SortSlices(func(a, b matching.GroundTruth) bool { return a.ID < b.ID }),
		}
		if diff := cmp.Diff(want, got, opts...); diff != "" {
			t.Errorf("LoadSession mismatch (-want +got):\n%s", diff)
		}
		assert.False(t, got.Session.CreatedAt.IsZero())
	})
}

func TestLoadMissingSession(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.LoadSession(context.Background(), "nope")
		assert.True(t, errors.Is(err, fault.ErrSessionNotFound))
	})
}

func TestCreateSessionRejectsInvalid(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		err := s.CreateSession(ctx, session.Definition{Session: session.TestSession{ID: "empty"}})
		assert.True(t, errors.Is(err, fault.ErrMalformedMessage))

		def := sampleDefinition()
		def.GroundTruth[0].ID = 10
		err = s.CreateSession(ctx, def)
		assert.True(t, errors.Is(err, fault.ErrMalformedMessage), "duplicate ground truth id")
	})
}

func TestCreateSessionReplacesDefinition(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateSession(ctx, sampleDefinition()))

		def := sampleDefinition()
		def.Session.Videos = def.Session.Videos[:1]
		def.GroundTruth = nil
		require.NoError(t, s.CreateSession(ctx, def))

		got, err := s.LoadSession(ctx, "crossing-01")
		require.NoError(t, err)
		assert.Len(t, got.Session.Videos, 1)
		assert.Empty(t, got.GroundTruth)

		list, err := s.ListSessions(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "Zebra crossing, morning", list[0].Name)
	})
}

func TestImportAnnotations(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateSession(ctx, sampleDefinition()))

		n, err := s.ImportAnnotations(ctx, "crossing-01", []matching.GroundTruth{
			{VideoID: "cam-front-002", ClassLabel: "pedestrian", Timestamp: 12, Source: "import"},
		})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		def, err := s.LoadSession(ctx, "crossing-01")
		require.NoError(t, err)
		require.Len(t, def.GroundTruth, 3)
		ids := []int64{def.GroundTruth[0].ID, def.GroundTruth[1].ID, def.GroundTruth[2].ID}
		assert.ElementsMatch(t, []int64{10, 11, 12}, ids)

		_, err = s.ImportAnnotations(ctx, "missing", nil)
		assert.True(t, errors.Is(err, fault.ErrSessionNotFound))
		_, err = s.ImportAnnotations(ctx, "crossing-01", []matching.GroundTruth{{ID: 10, ClassLabel: "car"}})
		assert.True(t, errors.Is(err, fault.ErrMalformedMessage))
	})
}

func TestResultsAndSummary(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateSession(ctx, sampleDefinition()))

		eng, err := matching.NewEngine(matching.Config{ToleranceMs: 100}, []matching.GroundTruth{
			{ID: 1, ClassLabel: "pedestrian", Timestamp: 1.0},
			{ID: 2, ClassLabel: "pedestrian", Timestamp: 8.0},
		})
		require.NoError(t, err)
		eng.Process(matching.Detection{Timestamp: 1.05, ClassLabel: "pedestrian", Confidence: 0.9})
		eng.Process(matching.Detection{Timestamp: 3.0, ClassLabel: "pedestrian", Confidence: 0.4})
		eng.Finalize()

		for _, r := range eng.Results() {
			require.NoError(t, s.AppendResult(ctx, "crossing-01", r))
		}
		require.NoError(t, s.SaveSummary(ctx, "crossing-01", eng.Metrics()))

		got, err := s.StoredResults(ctx, "crossing-01")
		require.NoError(t, err)
		if diff := cmp.Diff(eng.Results(), got); diff != "" {
			t.Errorf("stored results mismatch (-want +got):\n%s", diff)
		}

		sum, ok, err := s.Summary(ctx, "crossing-01")
		require.NoError(t, err)
		require.True(t, ok)
		if diff := cmp.Diff(eng.Metrics(), sum); diff != "" {
			t.Errorf("summary mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestSQLiteMigrationVersion(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "v.db"))
	require.NoError(t, err)
	defer s.Close()

	v, dirty, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), v)
	assert.False(t, dirty)

	// Re-running is a no-op.
	assert.NoError(t, s.MigrateUp())
}

func TestLoadDefinitionFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"session": {"id": "s1", "videos": [{"id": "v1", "duration_seconds": 10}], "config": {"auto_advance": true}},
		"ground_truth": [{"class_label": "pedestrian", "t_start": 1.5}]
	}`), 0o644))

	def, err := LoadDefinitionFile(path)
	require.NoError(t, err)
	assert.Equal(t, "s1", def.Session.ID)
	assert.True(t, def.Session.Config.AutoAdvance)
	require.Len(t, def.GroundTruth, 1)
	assert.Equal(t, 1.5, def.GroundTruth[0].Timestamp)

	require.NoError(t, os.WriteFile(path, []byte(`{`), 0o644))
	_, err = LoadDefinitionFile(path)
	assert.True(t, errors.Is(err, fault.ErrMalformedMessage))
}
