package api

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/callaudit/internal/httputil"
	"github.com/banshee-data/callaudit/internal/workflow"
)

// progressSeries is one bar group per task in the progress charts.
type progressSeries struct {
	name  string
	value func(workflow.TaskProgress) int
}

var progressSeriesList = []progressSeries{
	{"double annotated", func(p workflow.TaskProgress) int { return p.DoubleAnnotated }},
	{"adjudicated", func(p workflow.TaskProgress) int { return p.Adjudicated }},
	{"needs adjudication", func(p workflow.TaskProgress) int { return p.NeedsAdjudication }},
	{"target", func(p workflow.TaskProgress) int { return p.TargetTotalCompleted }},
}

func taskNames(d workflow.Dashboard) []string {
	names := make([]string, len(d.Tasks))
	for i, c := range d.Tasks {
		names[i] = c.Progress.DisplayName
		if names[i] == "" {
			names[i] = string(c.Progress.TaskType)
		}
	}
	return names
}

// progressChartHTML renders per-task progress against target as an echarts bar chart.
func (s *Server) progressChartHTML(w http.ResponseWriter, r *http.Request) {
	includeTest, err := optionalBool(r, "include_test")
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	d, err := s.dashboardData(r, includeTest)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Labeling progress", Width: "100%", Height: "520px"}),
		charts.WithTitleOpts(opts.Title{Title: "Labeling progress", Subtitle: d.GeneratedAt.Format("2006-01-02 15:04:05 MST")}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "bottom"}),
	)
	bar.SetXAxis(taskNames(d))
	for _, series := range progressSeriesList {
		data := make([]opts.BarData, len(d.Tasks))
		for i, c := range d.Tasks {
			data[i] = opts.BarData{Value: series.value(c.Progress)}
		}
		bar.AddSeries(series.name, data, charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}))
	}

	var buf bytes.Buffer
	if err := bar.Render(&buf); err != nil {
		httputil.InternalServerError(w, "failed to render chart")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// progressPlot builds the static version of the progress chart.
func progressPlot(d workflow.Dashboard) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "Labeling progress"
	p.Y.Label.Text = "samples"
	p.Legend.Top = true

	width := vg.Points(14)
	n := len(progressSeriesList)
	for i, series := range progressSeriesList {
		values := make(plotter.Values, len(d.Tasks))
		for j, c := range d.Tasks {
			values[j] = float64(series.value(c.Progress))
		}
		bars, err := plotter.NewBarChart(values, width)
		if err != nil {
			return nil, fmt.Errorf("bar chart %s: %w", series.name, err)
		}
		bars.LineStyle.Width = vg.Length(0)
		bars.Color = plotutil.Color(i)
		bars.Offset = width * vg.Length(2*i-n+1) / 2
		p.Add(bars)
		p.Legend.Add(series.name, bars)
	}
	p.NominalX(taskNames(d)...)
	return p, nil
}

// progressChartPNG renders the progress chart as a PNG for reports.
func (s *Server) progressChartPNG(w http.ResponseWriter, r *http.Request) {
	includeTest, err := optionalBool(r, "include_test")
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	d, err := s.dashboardData(r, includeTest)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := progressPlot(d)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	wt, err := p.WriterTo(10*vg.Inch, 5*vg.Inch, "png")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}
