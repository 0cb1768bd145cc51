package training

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/wcharczuk/go-chart"
)

// LossHistory accumulates the logged scalar signals over training so a
// summary chart can be rendered at the end of a run.
type LossHistory struct {
	steps  []float64
	series map[string][]float64
}

// NewLossHistory creates an empty history.
func NewLossHistory() *LossHistory {
	return &LossHistory{series: make(map[string][]float64)}
}

// Record appends one logging interval's values. Every series is padded to
// the same length so a signal that appears late still lines up.
func (lh *LossHistory) Record(values map[string]float64, step int) {
	lh.steps = append(lh.steps, float64(step))
	n := len(lh.steps)
	for name, value := range values {
		s := lh.series[name]
		for len(s) < n-1 {
			s = append(s, 0)
		}
		lh.series[name] = append(s, value)
	}
	for name, s := range lh.series {
		for len(s) < n {
			s = append(s, 0)
		}
		lh.series[name] = s
	}
}

// Render writes a PNG chart of every recorded series to path.
func (lh *LossHistory) Render(path string) error {
	if len(lh.steps) < 2 {
		return fmt.Errorf("not enough data points to render a chart")
	}

	names := make([]string, 0, len(lh.series))
	for name := range lh.series {
		names = append(names, name)
	}
	sort.Strings(names)

	var series []chart.Series
	for _, name := range names {
		series = append(series, chart.ContinuousSeries{
			Name:    name,
			XValues: lh.steps,
			YValues: lh.series[name],
		})
	}

	graph := chart.Chart{
		Title:      "training losses",
		TitleStyle: chart.StyleShow(),
		XAxis: chart.XAxis{
			Name:      "step",
			NameStyle: chart.StyleShow(),
			Style:     chart.StyleShow(),
		},
		YAxis: chart.YAxis{
			Name:      "loss",
			NameStyle: chart.StyleShow(),
			Style:     chart.StyleShow(),
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating chart directory: %v", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating chart file: %v", err)
	}
	defer file.Close()

	if err := graph.Render(chart.PNG, file); err != nil {
		return fmt.Errorf("rendering chart: %v", err)
	}
	return nil
}
