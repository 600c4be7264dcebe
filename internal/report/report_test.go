package report

import (
	"bytes"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"

	"github.com/groundline-data/pointprep/internal/cloud"
	"github.com/groundline-data/pointprep/internal/edges"
	"github.com/groundline-data/pointprep/internal/fsutil"
)

func ladderSet() *edges.MaskSet {
	return &edges.MaskSet{
		Thresholds: []float64{0.1, 0.5, 0.9},
		Masks: [][]int64{
			{0, 0, 0, 0},
			{0, 1, 0, 0},
			{0, 1, 1, 0},
		},
	}
}

func TestStats(t *testing.T) {
	st := Stats("12", ladderSet())

	if st.CloudID != "12" || st.Points != 4 {
		t.Fatalf("stats = %+v", st)
	}
	wantCounts := []int{0, 1, 2}
	wantRates := []float64{0, 0.25, 0.5}
	for i := range wantCounts {
		if st.EdgeCounts[i] != wantCounts[i] {
			t.Fatalf("counts = %v, want %v", st.EdgeCounts, wantCounts)
		}
		if st.EdgeRates[i] != wantRates[i] {
			t.Fatalf("rates = %v, want %v", st.EdgeRates, wantRates)
		}
	}
	if st.MeanRate != 0.25 {
		t.Fatalf("mean rate = %v, want 0.25", st.MeanRate)
	}
}

func TestWriteEdgeReport(t *testing.T) {
	stats := []EdgeStats{
		Stats("12", ladderSet()),
		Stats("34", ladderSet()),
	}

	var buf bytes.Buffer
	if err := WriteEdgeReport(&buf, stats); err != nil {
		t.Fatalf("WriteEdgeReport: %v", err)
	}
	html := buf.String()
	if !strings.Contains(html, "echarts") {
		t.Fatal("output does not look like an echarts page")
	}
	for _, id := range []string{"12", "34"} {
		if !strings.Contains(html, id) {
			t.Fatalf("series %q missing from report", id)
		}
	}
	if !strings.Contains(html, "Edge rate by threshold") {
		t.Fatal("title missing from report")
	}
}

func TestWriteEdgeReport_NoClouds(t *testing.T) {
	if err := WriteEdgeReport(&bytes.Buffer{}, nil); err == nil {
		t.Fatal("empty report accepted")
	}
}

func TestWriteEdgeReport_MismatchedLadders(t *testing.T) {
	a := Stats("1", ladderSet())
	b := Stats("2", &edges.MaskSet{
		Thresholds: []float64{0.5},
		Masks:      [][]int64{{0, 0}},
	})
	if err := WriteEdgeReport(&bytes.Buffer{}, []EdgeStats{a, b}); err == nil {
		t.Fatal("mismatched ladders accepted")
	}
}

func TestWriteScatterPNG(t *testing.T) {
	tbl, err := cloud.FromDense(mat.NewDense(4, 3, []float64{
		0, 0, 0,
		1, 0, 0,
		0, 1, 0,
		1, 1, 0,
	}), cloud.Schema{})
	if err != nil {
		t.Fatalf("FromDense: %v", err)
	}

	fs := fsutil.NewMemoryFileSystem()
	if err := WriteScatterPNG(fs, "plots/cloud.png", tbl, []int64{0, 1, 0, 1}); err != nil {
		t.Fatalf("WriteScatterPNG: %v", err)
	}

	data, err := fs.ReadFile("plots/cloud.png")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")) {
		t.Fatal("output is not a PNG")
	}
}

func TestWriteScatterPNG_MaskMismatch(t *testing.T) {
	tbl, err := cloud.FromDense(mat.NewDense(2, 3, nil), cloud.Schema{})
	if err != nil {
		t.Fatalf("FromDense: %v", err)
	}
	fs := fsutil.NewMemoryFileSystem()
	if err := WriteScatterPNG(fs, "p.png", tbl, []int64{0}); err == nil {
		t.Fatal("mismatched mask accepted")
	}
}
