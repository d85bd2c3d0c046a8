package matching

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vrutest/internal/fault"
)

func point(id int64, t float64, class string) GroundTruth {
	return GroundTruth{ID: id, Timestamp: t, ClassLabel: class}
}

func window(id int64, start, end float64, class string) GroundTruth {
	return GroundTruth{ID: id, Timestamp: start, End: &end, ClassLabel: class}
}

func newTestEngine(t *testing.T, toleranceMs float64, truth ...GroundTruth) *Engine {
	t.Helper()
	e, err := NewEngine(Config{ToleranceMs: toleranceMs}, truth)
	require.NoError(t, err)
	return e
}

func TestEngine_WithinToleranceIsTruePositive(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, 100, point(1, 1.0, "pedestrian"))
	res, dup, err := e.Process(Detection{Timestamp: 1.05, ClassLabel: "pedestrian", Confidence: 0.9})
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, TruePositive, res.Classification)
	require.NotNil(t, res.GroundTruthID)
	assert.Equal(t, int64(1), *res.GroundTruthID)
	require.NotNil(t, res.OffsetMs)
	assert.InDelta(t, 50.0, *res.OffsetMs, 1e-9)

	e.Finalize()
	m := e.Metrics()
	assert.Equal(t, 1, m.TruePositives)
	assert.Equal(t, 0, m.FalsePositives)
	assert.Equal(t, 0, m.FalseNegatives)
	assert.Equal(t, 1.0, m.Precision)
	assert.Equal(t, 1.0, m.Recall)
	assert.Equal(t, 1.0, m.F1)
}

func TestEngine_OutsideToleranceIsFalsePositiveAndFalseNegative(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, 100, point(1, 1.0, "pedestrian"))
	res, _, err := e.Process(Detection{Timestamp: 1.2, ClassLabel: "pedestrian", Confidence: 0.9})
	require.NoError(t, err)
	assert.Equal(t, FalsePositive, res.Classification)
	assert.Nil(t, res.GroundTruthID)

	fns := e.Finalize()
	require.Len(t, fns, 1)
	assert.Equal(t, FalseNegative, fns[0].Classification)
	assert.Nil(t, fns[0].DetectionID)

	m := e.Metrics()
	assert.Equal(t, 0, m.TruePositives)
	assert.Equal(t, 1, m.FalsePositives)
	assert.Equal(t, 1, m.FalseNegatives)
	assert.Equal(t, 0.0, m.Precision)
	assert.Equal(t, 0.0, m.Recall)
	assert.Equal(t, 0.0, m.F1)
}

func TestEngine_ToleranceBoundaryInclusive(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, 100, point(1, 1.0, "cyclist"))
	res, _, err := e.Process(Detection{Timestamp: 1.1, ClassLabel: "cyclist", Confidence: 0.5})
	require.NoError(t, err)
	assert.Equal(t, TruePositive, res.Classification)
}

func TestEngine_PerAnnotationTolerance(t *testing.T) {
	t.Parallel()

	g := point(1, 5.0, "pedestrian")
	g.ToleranceMs = 1000
	e := newTestEngine(t, 100, g)
	res, _, err := e.Process(Detection{Timestamp: 5.8, ClassLabel: "pedestrian", Confidence: 0.7})
	require.NoError(t, err)
	assert.Equal(t, TruePositive, res.Classification)
}

func TestEngine_WindowContainment(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, 100, window(1, 2.0, 4.0, "pedestrian"))

	res, _, err := e.Process(Detection{Timestamp: 4.5, ClassLabel: "pedestrian", Confidence: 0.8})
	require.NoError(t, err)
	assert.Equal(t, FalsePositive, res.Classification, "outside the window")

	res, _, err = e.Process(Detection{Timestamp: 3.0, ClassLabel: "pedestrian", Confidence: 0.8})
	require.NoError(t, err)
	assert.Equal(t, TruePositive, res.Classification)
	assert.InDelta(t, 1000.0, *res.OffsetMs, 1e-9)
}

func TestEngine_CrossClassNeverMatches(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, 100, point(1, 1.0, "pedestrian"))
	res, _, err := e.Process(Detection{Timestamp: 1.0, ClassLabel: "cyclist", Confidence: 0.99})
	require.NoError(t, err)
	assert.Equal(t, FalsePositive, res.Classification)
}

func TestEngine_DifferentVideoNeverMatches(t *testing.T) {
	t.Parallel()

	g := point(1, 1.0, "pedestrian")
	g.VideoID = "v1"
	e := newTestEngine(t, 100, g)
	res, _, err := e.Process(Detection{VideoID: "v2", Timestamp: 1.0, ClassLabel: "pedestrian", Confidence: 0.9})
	require.NoError(t, err)
	assert.Equal(t, FalsePositive, res.Classification)
}

func TestEngine_SmallestOffsetWinsThenLowestID(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, 500,
		point(7, 1.3, "pedestrian"),
		point(3, 0.9, "pedestrian"),
		point(5, 1.1, "pedestrian"),
	)
	// 1.0 is 100ms from both #3 and #5; #3 has the lower id.
	res, _, err := e.Process(Detection{Timestamp: 1.0, ClassLabel: "pedestrian", Confidence: 0.9})
	require.NoError(t, err)
	require.NotNil(t, res.GroundTruthID)
	assert.Equal(t, int64(3), *res.GroundTruthID)

	res, _, err = e.Process(Detection{Timestamp: 1.25, ClassLabel: "pedestrian", Confidence: 0.9})
	require.NoError(t, err)
	assert.Equal(t, int64(7), *res.GroundTruthID)
}

func TestEngine_GroundTruthClaimedOnce(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, 200, point(1, 1.0, "pedestrian"))
	first, _, err := e.Process(Detection{Timestamp: 1.0, ClassLabel: "pedestrian", Confidence: 0.9})
	require.NoError(t, err)
	second, _, err := e.Process(Detection{Timestamp: 1.1, ClassLabel: "pedestrian", Confidence: 0.9})
	require.NoError(t, err)

	assert.Equal(t, TruePositive, first.Classification)
	assert.Equal(t, FalsePositive, second.Classification)
}

func TestEngine_DuplicateDetectionIsIdempotent(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, 100, point(1, 1.0, "pedestrian"))
	d := Detection{Timestamp: 1.02, ClassLabel: "pedestrian", Confidence: 0.9}

	first, dup, err := e.Process(d)
	require.NoError(t, err)
	assert.False(t, dup)

	d.Confidence = 0.4 // confidence is not part of the identity
	again, dup, err := e.Process(d)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, first, again)
	assert.Len(t, e.Results(), 1)
	assert.Equal(t, 1, e.Metrics().TruePositives)
}

func TestEngine_ProcessShiftedKeysOnReceivedTimestamp(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, 100, point(1, 1.3, "cyclist"))
	d := Detection{Timestamp: 1.0, ClassLabel: "cyclist", Confidence: 0.9}

	first, dup, err := e.ProcessShifted(d, 0.3)
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, TruePositive, first.Classification)
	assert.InDelta(t, 1.3, *first.DetectionTime, 1e-9)

	again, dup, err := e.ProcessShifted(d, 0.5)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, first, again)

	_, dup, err = e.Process(d)
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Len(t, e.Results(), 1)
}

func TestEngine_MalformedDetectionRejected(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, 100, point(1, 1.0, "pedestrian"))
	bad := []Detection{
		{Timestamp: 1.0, ClassLabel: "", Confidence: 0.9},
		{Timestamp: 1.0, ClassLabel: "   ", Confidence: 0.9},
		{Timestamp: math.NaN(), ClassLabel: "pedestrian", Confidence: 0.9},
		{Timestamp: -1, ClassLabel: "pedestrian", Confidence: 0.9},
		{Timestamp: 1.0, ClassLabel: "pedestrian", Confidence: 1.5},
	}
	for _, d := range bad {
		_, _, err := e.Process(d)
		assert.True(t, errors.Is(err, fault.ErrMalformedDetection), "detection %+v: got %v", d, err)
	}
	assert.Empty(t, e.Results())
	assert.Equal(t, 0, e.Metrics().TruePositives)
	assert.Equal(t, 0, e.Metrics().FalsePositives)
}

func TestEngine_FinalizeSealsAndIsIdempotent(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, 100, point(1, 1.0, "pedestrian"), point(2, 2.0, "cyclist"))
	_, _, err := e.Process(Detection{Timestamp: 2.0, ClassLabel: "cyclist", Confidence: 0.9})
	require.NoError(t, err)

	assert.Len(t, e.Finalize(), 1)
	assert.Nil(t, e.Finalize())
	assert.True(t, e.Finalized())

	_, _, err = e.Process(Detection{Timestamp: 1.0, ClassLabel: "pedestrian", Confidence: 0.9})
	assert.True(t, errors.Is(err, fault.ErrInvalidState))

	_, err = e.AddGroundTruth(point(0, 3.0, "pedestrian"))
	assert.True(t, errors.Is(err, fault.ErrInvalidState))
}

func TestEngine_EvaluateDoesNotSeal(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, 100, point(1, 1.0, "pedestrian"), point(2, 2.0, "pedestrian"))
	_, _, err := e.Process(Detection{Timestamp: 1.0, ClassLabel: "pedestrian", Confidence: 0.9})
	require.NoError(t, err)

	m := e.Evaluate()
	assert.True(t, m.Provisional)
	assert.Equal(t, 1, m.FalseNegatives)
	assert.Equal(t, 0.5, m.Recall)
	assert.False(t, e.Finalized())
	assert.Equal(t, 0, e.Metrics().FalseNegatives)

	res, _, err := e.Process(Detection{Timestamp: 2.0, ClassLabel: "pedestrian", Confidence: 0.9})
	require.NoError(t, err)
	assert.Equal(t, TruePositive, res.Classification)
}

func TestEngine_AddGroundTruthAssignsIDs(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, 100, point(10, 1.0, "pedestrian"), point(0, 2.0, "pedestrian"))
	ids := []int64{}
	for _, g := range e.GroundTruth() {
		ids = append(ids, g.ID)
	}
	assert.Equal(t, []int64{10, 11}, ids)

	id, err := e.AddGroundTruth(point(0, 3.0, "cyclist"))
	require.NoError(t, err)
	assert.Equal(t, int64(12), id)

	_, err = e.AddGroundTruth(point(10, 4.0, "cyclist"))
	assert.True(t, errors.Is(err, fault.ErrMalformedMessage))
}

func TestEngine_MetricsMatchReplayedLog(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, 150,
		point(1, 1.0, "pedestrian"), point(2, 3.0, "cyclist"), window(3, 5.0, 6.0, "pedestrian"))
	for _, d := range []Detection{
		{Timestamp: 1.1, ClassLabel: "pedestrian", Confidence: 0.9},
		{Timestamp: 2.0, ClassLabel: "pedestrian", Confidence: 0.6},
		{Timestamp: 5.5, ClassLabel: "pedestrian", Confidence: 0.8},
	} {
		_, _, err := e.Process(d)
		require.NoError(t, err)
	}
	e.Finalize()
	assert.Equal(t, ComputeMetrics(e.Results(), DefaultConfidenceLevel), e.Metrics())
}

// Invariants over random inputs: TP+FN = |G|, TP+FP = accepted detections,
// and no annotation is claimed twice.
func TestEngine_CountingInvariants(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))
	classes := []string{"pedestrian", "cyclist", "scooter"}

	for round := 0; round < 50; round++ {
		var truth []GroundTruth
		nTruth, nDet := rng.Intn(20), rng.Intn(40)
		for i := 0; i < nTruth; i++ {
			truth = append(truth, point(0, rng.Float64()*30, classes[rng.Intn(len(classes))]))
		}
		e := newTestEngine(t, 300, truth...)

		accepted := 0
		for i := 0; i < nDet; i++ {
			d := Detection{Timestamp: rng.Float64() * 30, ClassLabel: classes[rng.Intn(len(classes))], Confidence: rng.Float64()}
			if rng.Intn(10) == 0 {
				d.ClassLabel = ""
			}
			if _, dup, err := e.Process(d); err == nil && !dup {
				accepted++
			}
		}
		e.Finalize()

		m := e.Metrics()
		require.Equal(t, len(truth), m.TruePositives+m.FalseNegatives, "round %d", round)
		require.Equal(t, accepted, m.TruePositives+m.FalsePositives, "round %d", round)

		claimed := map[int64]bool{}
		for _, r := range e.Results() {
			if r.Classification != TruePositive {
				continue
			}
			require.False(t, claimed[*r.GroundTruthID], "ground truth %d claimed twice", *r.GroundTruthID)
			claimed[*r.GroundTruthID] = true
		}
	}
}

func TestEngine_PermutationInvariantWithoutConflicts(t *testing.T) {
	t.Parallel()

	var truth []GroundTruth
	var detections []Detection
	for i := 0; i < 20; i++ {
		ts := float64(i) * 10
		class := []string{"pedestrian", "cyclist"}[i%2]
		truth = append(truth, point(int64(i+1), ts, class))
		if i%3 != 0 {
			detections = append(detections, Detection{Timestamp: ts + 0.05, ClassLabel: class, Confidence: 0.9})
		}
		if i%4 == 0 {
			detections = append(detections, Detection{Timestamp: ts + 5, ClassLabel: class, Confidence: 0.3})
		}
	}

	run := func(ds []Detection) SessionMetrics {
		e := newTestEngine(t, 100, truth...)
		for _, d := range ds {
			_, _, err := e.Process(d)
			require.NoError(t, err)
		}
		e.Finalize()
		return e.Metrics()
	}

	want := run(detections)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 10; i++ {
		shuffled := append([]Detection(nil), detections...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, want, run(shuffled))
	}
}
