package monitor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Chart names one figure and the metrics drawn on it.
type Chart struct {
	Name  string
	Title string
	Keys  []string
	LogY  bool
}

// DefaultCharts are the loss, accuracy and learning-rate figures.
var DefaultCharts = []Chart{
	{Name: "loss", Title: "Loss", Keys: []string{TrainLoss, ValidLoss}},
	{Name: "accuracy", Title: "Accuracy", Keys: []string{TrainAccuracy, ValidAccuracy}},
	{Name: "lr", Title: "Learning rate", Keys: []string{LRFinetune, LRFresh}, LogY: true},
}

// renderChart draws chart from history. Epochs with a missing value are
// skipped for that line.
func renderChart(chart Chart, history []Point) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = chart.Title
	p.X.Label.Text = "epoch"
	p.Legend.Top = true
	p.Add(plotter.NewGrid())
	if chart.LogY {
		p.Y.Scale = plot.LogScale{}
		p.Y.Tick.Marker = plot.LogTicks{}
	}

	for i, key := range chart.Keys {
		var pts plotter.XYs
		for _, pt := range history {
			v, ok := pt.Metrics[key]
			if !ok || (chart.LogY && v <= 0) {
				continue
			}
			pts = append(pts, plotter.XY{X: float64(pt.Epoch), Y: v})
		}
		if len(pts) == 0 {
			continue
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, fmt.Errorf("chart %s: %w", chart.Name, err)
		}
		line.Width = vg.Points(2)
		line.Color = plotutil.Color(i)
		p.Add(line)
		p.Legend.Add(key, line)
	}
	return p, nil
}

// writeSVG renders chart as an SVG document to w.
func writeSVG(w io.Writer, chart Chart, history []Point) error {
	p, err := renderChart(chart, history)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(6*vg.Inch, 4*vg.Inch, "svg")
	if err != nil {
		return fmt.Errorf("chart %s: %w", chart.Name, err)
	}
	_, err = wt.WriteTo(w)
	return err
}

// PlotSink redraws training curves as SVG files in a directory after every
// epoch.
type PlotSink struct {
	mu      sync.Mutex
	dir     string
	charts  []Chart
	history []Point
}

// NewPlotSink creates the output directory and returns a sink drawing
// DefaultCharts.
func NewPlotSink(dir string) (*PlotSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create plot directory: %w", err)
	}
	return &PlotSink{dir: dir, charts: DefaultCharts}, nil
}

// Path returns the file a chart is written to.
func (s *PlotSink) Path(chart string) string {
	return filepath.Join(s.dir, chart+".svg")
}

func (s *PlotSink) Log(epoch int, metrics map[string]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, Point{Epoch: epoch, Metrics: copyMetrics(metrics)})
	for _, chart := range s.charts {
		p, err := renderChart(chart, s.history)
		if err != nil {
			return err
		}
		if err := p.Save(6*vg.Inch, 4*vg.Inch, s.Path(chart.Name)); err != nil {
			return fmt.Errorf("failed to save %s plot: %w", chart.Name, err)
		}
	}
	return nil
}

func (s *PlotSink) Close() error { return nil }

func copyMetrics(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
