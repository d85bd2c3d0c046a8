package matching

import (
	"math"
	"sort"
	"strings"

	"github.com/banshee-data/vrutest/internal/fault"
)

// DefaultToleranceMs is the point-annotation tolerance used when neither the
// engine nor the annotation specifies one.
const DefaultToleranceMs = 500

// offsetEpsilon absorbs float rounding at the tolerance boundary, so that a
// detection exactly tolerance_ms away still matches.
const offsetEpsilon = 1e-9

// Config controls an Engine.
type Config struct {
	ToleranceMs     float64
	ConfidenceLevel float64
}

// Engine matches a detection stream against one session's ground truth.
// It is not safe for concurrent use; the owning session worker serialises
// access.
type Engine struct {
	toleranceMs float64
	level       float64

	truth   []GroundTruth // sorted by ID
	byID    map[int64]int
	claimed map[int64]int64 // ground truth ID -> detection ID
	nextGT  int64

	seen      map[detectionKey]int // detection key -> index into results
	results   []MatchResult
	nextDetID int64

	tp, fp, fn int
	finalized  bool
}

// NewEngine builds an engine over the given ground truth. Annotations with a
// zero ID are assigned IDs after the highest explicit one.
func NewEngine(cfg Config, truth []GroundTruth) (*Engine, error) {
	if cfg.ToleranceMs <= 0 {
		cfg.ToleranceMs = DefaultToleranceMs
	}
	if cfg.ConfidenceLevel <= 0 || cfg.ConfidenceLevel >= 1 {
		cfg.ConfidenceLevel = DefaultConfidenceLevel
	}
	e := &Engine{
		toleranceMs: cfg.ToleranceMs,
		level:       cfg.ConfidenceLevel,
		byID:        make(map[int64]int),
		claimed:     make(map[int64]int64),
		seen:        make(map[detectionKey]int),
	}
	for _, g := range truth {
		if g.ID > e.nextGT {
			e.nextGT = g.ID
		}
	}
	for _, g := range truth {
		if _, err := e.AddGroundTruth(g); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// ToleranceMs returns the default point tolerance.
func (e *Engine) ToleranceMs() float64 { return e.toleranceMs }

// AddGroundTruth appends an annotation and returns its ID. Annotations are
// immutable once added; detections classified earlier are not revisited.
func (e *Engine) AddGroundTruth(g GroundTruth) (int64, error) {
	if e.finalized {
		return 0, fault.New(fault.InvalidState, "matching already finalized; cannot add ground truth")
	}
	g.ClassLabel = strings.TrimSpace(g.ClassLabel)
	if g.ClassLabel == "" {
		return 0, fault.New(fault.MalformedMessage, "ground truth annotation has no class label")
	}
	if !finite(g.Timestamp) || g.Timestamp < 0 {
		return 0, fault.New(fault.MalformedMessage, "ground truth timestamp %v is invalid", g.Timestamp)
	}
	if g.End != nil && (!finite(*g.End) || *g.End < g.Timestamp) {
		return 0, fault.New(fault.MalformedMessage, "ground truth window [%v, %v] is invalid", g.Timestamp, *g.End)
	}
	if g.ID == 0 {
		e.nextGT++
		g.ID = e.nextGT
	} else if g.ID < 0 {
		return 0, fault.New(fault.MalformedMessage, "ground truth id %d is negative", g.ID)
	}
	if _, dup := e.byID[g.ID]; dup {
		return 0, fault.New(fault.MalformedMessage, "duplicate ground truth id %d", g.ID)
	}
	if g.ID > e.nextGT {
		e.nextGT = g.ID
	}

	i := sort.Search(len(e.truth), func(i int) bool { return e.truth[i].ID > g.ID })
	e.truth = append(e.truth, GroundTruth{})
	copy(e.truth[i+1:], e.truth[i:])
	e.truth[i] = g
	for j := i; j < len(e.truth); j++ {
		e.byID[e.truth[j].ID] = j
	}
	return g.ID, nil
}

// GroundTruth returns a copy of the annotation set ordered by ID.
func (e *Engine) GroundTruth() []GroundTruth {
	out := make([]GroundTruth, len(e.truth))
	copy(out, e.truth)
	return out
}

// Process classifies one detection and appends the result to the log.
//
// Among unclaimed annotations of the same class and video that contain the
// detection time (windows) or lie within tolerance (points), the one with the
// smallest absolute offset wins, ties going to the lowest ID. Final counts do
// not depend on arrival order unless two detections compete for the same
// annotation; then the first to arrive claims it.
//
// A detection identical in (video, timestamp, class) to one already processed
// returns the original result with duplicate set and changes nothing.
func (e *Engine) Process(d Detection) (res MatchResult, duplicate bool, err error) {
	return e.ProcessShifted(d, 0)
}

// ProcessShifted matches d after moving its timestamp by shift seconds.
// Duplicates are recognised on the timestamp as received, so a detection
// resent after the shift changed is still the same detection.
func (e *Engine) ProcessShifted(d Detection, shift float64) (res MatchResult, duplicate bool, err error) {
	d.ClassLabel = strings.TrimSpace(d.ClassLabel)
	if err := validateDetection(d); err != nil {
		return MatchResult{}, false, err
	}
	if e.finalized {
		return MatchResult{}, false, fault.New(fault.InvalidState, "matching already finalized; detection at %.3fs rejected", d.Timestamp)
	}

	key := keyOf(d)
	if idx, ok := e.seen[key]; ok {
		return e.results[idx], true, nil
	}
	d.Timestamp += shift

	e.nextDetID++
	detID := e.nextDetID
	res = MatchResult{
		Index:         len(e.results),
		ClassLabel:    d.ClassLabel,
		VideoID:       d.VideoID,
		DetectionID:   ptrInt64(detID),
		DetectionTime: ptrFloat64(d.Timestamp),
		Confidence:    ptrFloat64(d.Confidence),
	}

	if g, offset, ok := e.bestCandidate(d); ok {
		e.claimed[g.ID] = detID
		res.Classification = TruePositive
		res.GroundTruthID = ptrInt64(g.ID)
		res.OffsetMs = ptrFloat64(offset * 1000)
		e.tp++
	} else {
		res.Classification = FalsePositive
		e.fp++
	}

	e.seen[key] = res.Index
	e.results = append(e.results, res)
	return res, false, nil
}

func (e *Engine) bestCandidate(d Detection) (GroundTruth, float64, bool) {
	var (
		best       GroundTruth
		bestOffset float64
		found      bool
	)
	for _, g := range e.truth { // ID order gives the tie-break for free
		if g.ClassLabel != d.ClassLabel || g.VideoID != d.VideoID {
			continue
		}
		if _, taken := e.claimed[g.ID]; taken {
			continue
		}
		offset := d.Timestamp - g.Timestamp
		if g.IsWindow() {
			if d.Timestamp < g.Timestamp || d.Timestamp > *g.End {
				continue
			}
		} else {
			tol := g.ToleranceMs
			if tol <= 0 {
				tol = e.toleranceMs
			}
			if math.Abs(offset) > tol/1000+offsetEpsilon {
				continue
			}
		}
		if !found || math.Abs(offset) < math.Abs(bestOffset) {
			best, bestOffset, found = g, offset, true
		}
	}
	return best, bestOffset, found
}

// Finalize seals the engine and appends a FalseNegative for every
// annotation never claimed. Calling it again returns nil.
func (e *Engine) Finalize() []MatchResult {
	if e.finalized {
		return nil
	}
	e.finalized = true

	var added []MatchResult
	for _, g := range e.truth {
		if _, taken := e.claimed[g.ID]; taken {
			continue
		}
		res := MatchResult{
			Index:          len(e.results),
			Classification: FalseNegative,
			ClassLabel:     g.ClassLabel,
			VideoID:        g.VideoID,
			GroundTruthID:  ptrInt64(g.ID),
		}
		e.results = append(e.results, res)
		added = append(added, res)
		e.fn++
	}
	return added
}

// Finalized reports whether Finalize has run.
func (e *Engine) Finalized() bool { return e.finalized }

// Results returns a copy of the result log.
func (e *Engine) Results() []MatchResult {
	out := make([]MatchResult, len(e.results))
	copy(out, e.results)
	return out
}

// Metrics returns the metrics of the result log so far. Counts never
// decrease; false negatives only appear after Finalize.
func (e *Engine) Metrics() SessionMetrics {
	return metricsFromCounts(e.tp, e.fp, e.fn, e.level)
}

// Evaluate returns metrics as if the session were finalized now, without
// sealing the engine.
func (e *Engine) Evaluate() SessionMetrics {
	if e.finalized {
		return e.Metrics()
	}
	m := metricsFromCounts(e.tp, e.fp, len(e.truth)-len(e.claimed), e.level)
	m.Provisional = true
	return m
}

// Unclaimed returns the number of annotations not yet matched.
func (e *Engine) Unclaimed() int { return len(e.truth) - len(e.claimed) }

func validateDetection(d Detection) error {
	if d.ClassLabel == "" {
		return fault.New(fault.MalformedDetection, "detection at %.3fs has no class label", d.Timestamp)
	}
	if !finite(d.Timestamp) || d.Timestamp < 0 {
		return fault.New(fault.MalformedDetection, "detection timestamp %v is invalid", d.Timestamp)
	}
	if !finite(d.Confidence) || d.Confidence < 0 || d.Confidence > 1 {
		return fault.New(fault.MalformedDetection, "detection confidence %v outside [0, 1]", d.Confidence)
	}
	return nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
