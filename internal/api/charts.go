package api

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/vrutest/internal/httputil"
	"github.com/banshee-data/vrutest/internal/matching"
)

// offsetBins is the histogram resolution of the timing-offset plot.
const offsetBins = 20

// classCounts tallies results per class label, in label order.
type classCounts struct {
	labels []string
	tp     []int
	fp     []int
	fn     []int
}

func countByClass(results []matching.MatchResult) classCounts {
	idx := map[string]int{}
	var labels []string
	for _, r := range results {
		if _, ok := idx[r.ClassLabel]; !ok {
			idx[r.ClassLabel] = 0
			labels = append(labels, r.ClassLabel)
		}
	}
	sort.Strings(labels)
	for i, l := range labels {
		idx[l] = i
	}
	c := classCounts{labels: labels, tp: make([]int, len(labels)), fp: make([]int, len(labels)), fn: make([]int, len(labels))}
	for _, r := range results {
		i := idx[r.ClassLabel]
		switch r.Classification {
		case matching.TruePositive:
			c.tp[i]++
		case matching.FalsePositive:
			c.fp[i]++
		case matching.FalseNegative:
			c.fn[i]++
		}
	}
	return c
}

// runningRates returns precision and recall after each result in log order.
// Recall is measured against totalTruth, the number of annotations.
func runningRates(results []matching.MatchResult, totalTruth int) (precision, recall []float64) {
	var tp, fp int
	for _, r := range results {
		switch r.Classification {
		case matching.TruePositive:
			tp++
		case matching.FalsePositive:
			fp++
		}
		p, rc := 0.0, 0.0
		if tp+fp > 0 {
			p = float64(tp) / float64(tp+fp)
		}
		if totalTruth > 0 {
			rc = float64(tp) / float64(totalTruth)
		}
		precision = append(precision, p)
		recall = append(recall, rc)
	}
	return precision, recall
}

func barData(vals []int) []opts.BarData {
	out := make([]opts.BarData, len(vals))
	for i, v := range vals {
		out[i] = opts.BarData{Value: v}
	}
	return out
}

func lineData(vals []float64) []opts.LineData {
	out := make([]opts.LineData, len(vals))
	for i, v := range vals {
		out[i] = opts.LineData{Value: v}
	}
	return out
}

// chart renders an HTML page with per-class TP/FP/FN bars and running
// precision/recall lines.
func (s *Server) chart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	out, err := s.sessionResults(r, id)
	if err != nil {
		httputil.WriteFault(w, err)
		return
	}

	counts := countByClass(out.Results)
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Session " + id, Width: "900px", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: "Matches by class", Subtitle: fmt.Sprintf("session=%s results=%d (%s)", id, len(out.Results), out.Source)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(counts.labels).
		AddSeries("TP", barData(counts.tp)).
		AddSeries("FP", barData(counts.fp)).
		AddSeries("FN", barData(counts.fn))

	totalTruth := 0
	if out.Metrics != nil {
		totalTruth = out.Metrics.TruePositives + out.Metrics.FalseNegatives
	}
	precision, recall := runningRates(out.Results, totalTruth)
	xs := make([]int, len(out.Results))
	for i := range xs {
		xs[i] = i
	}
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "900px", Height: "360px"}),
		charts.WithTitleOpts(opts.Title{Title: "Running precision / recall"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: 1}),
	)
	line.SetXAxis(xs).
		AddSeries("precision", lineData(precision)).
		AddSeries("recall", lineData(recall))

	page := components.NewPage()
	page.AddCharts(bar, line)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// offsetsPlot renders a PNG histogram of true-positive timing offsets.
func (s *Server) offsetsPlot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	out, err := s.sessionResults(r, id)
	if err != nil {
		httputil.WriteFault(w, err)
		return
	}

	var offsets plotter.Values
	for _, res := range out.Results {
		if res.Classification == matching.TruePositive && res.OffsetMs != nil {
			offsets = append(offsets, *res.OffsetMs)
		}
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Detection timing offsets, session %s (n=%d)", id, len(offsets))
	p.X.Label.Text = "offset (ms)"
	p.Y.Label.Text = "count"
	if len(offsets) > 0 {
		hist, err := plotter.NewHist(offsets, offsetBins)
		if err != nil {
			httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to build histogram: %v", err))
			return
		}
		p.Add(hist)
	}

	wt, err := p.WriterTo(8*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}
