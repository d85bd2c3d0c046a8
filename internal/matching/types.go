// Package matching classifies detector output against verified ground truth.
//
// The Engine is a pure, single-owner algorithm: it holds the ground-truth set
// for one session, consumes detections one at a time and appends immutable
// MatchResults to an ordered log. Metrics are accumulated incrementally and
// can always be recomputed from the log with ComputeMetrics.
package matching

import "math"

// Classification tags a MatchResult.
type Classification string

const (
	TruePositive  Classification = "true_positive"
	FalsePositive Classification = "false_positive"
	FalseNegative Classification = "false_negative"
)

// BoundingBox is an optional spatial extent in pixel space. The temporal
// matcher ignores it; it is carried for downstream spatial scoring.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// GroundTruth is a verified annotation. A nil End makes it a point event at
// Timestamp matched within a tolerance; otherwise it covers the closed window
// [Timestamp, End]. Times are seconds on the video's local timeline.
type GroundTruth struct {
	ID          int64        `json:"id"`
	VideoID     string       `json:"video_id,omitempty"`
	ClassLabel  string       `json:"class_label"`
	Timestamp   float64      `json:"t_start"`
	End         *float64     `json:"t_end,omitempty"`
	ToleranceMs float64      `json:"tolerance_ms,omitempty"`
	Box         *BoundingBox `json:"bbox,omitempty"`
	Source      string       `json:"source,omitempty"`
}

// IsWindow reports whether the annotation covers a time window.
func (g GroundTruth) IsWindow() bool { return g.End != nil }

// Detection is one model output.
type Detection struct {
	VideoID     string       `json:"video_id,omitempty"`
	Timestamp   float64      `json:"timestamp"`
	ClassLabel  string       `json:"class_label"`
	Confidence  float64      `json:"confidence"`
	FrameNumber int          `json:"frame_number,omitempty"`
	Box         *BoundingBox `json:"bbox,omitempty"`
}

// MatchResult is one entry of the per-session result log.
type MatchResult struct {
	Index          int            `json:"index"`
	Classification Classification `json:"classification"`
	ClassLabel     string         `json:"class_label"`
	VideoID        string         `json:"video_id,omitempty"`
	DetectionID    *int64         `json:"detection_id"`
	GroundTruthID  *int64         `json:"ground_truth_id"`
	DetectionTime  *float64       `json:"detection_time,omitempty"`
	Confidence     *float64       `json:"confidence,omitempty"`
	OffsetMs       *float64       `json:"offset_ms,omitempty"`
}

// Interval is a two-sided confidence interval for a proportion.
type Interval struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
	Level float64 `json:"level"`
}

// SessionMetrics summarises a result log.
type SessionMetrics struct {
	TruePositives  int      `json:"true_positives"`
	FalsePositives int      `json:"false_positives"`
	FalseNegatives int      `json:"false_negatives"`
	Precision      float64  `json:"precision"`
	Recall         float64  `json:"recall"`
	F1             float64  `json:"f1"`
	Accuracy       float64  `json:"accuracy"`
	PrecisionCI    Interval `json:"precision_ci"`
	RecallCI       Interval `json:"recall_ci"`
	Provisional    bool     `json:"provisional,omitempty"`
}

type detectionKey struct {
	video string
	class string
	ts    uint64
}

func keyOf(d Detection) detectionKey {
	return detectionKey{video: d.VideoID, class: d.ClassLabel, ts: math.Float64bits(d.Timestamp)}
}

func ptrInt64(v int64) *int64       { return &v }
func ptrFloat64(v float64) *float64 { return &v }
