// Package edges flags geometric edge points by comparing each point's
// normal against the normals of its spatial neighbors.
//
// A point whose neighborhood mean cosine similarity falls below a threshold
// sits where the surface orientation changes quickly, e.g. a crease or an
// object boundary. The detector sweeps a whole threshold ladder in one pass
// so callers pick an operating point after the fact instead of re-running
// the neighborhood queries per threshold.
package edges

import (
	"errors"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/groundline-data/pointprep/internal/cloud"
	"github.com/groundline-data/pointprep/internal/spatial"
)

// ErrEmptyCloud rejects detection over a cloud with no points.
var ErrEmptyCloud = errors.New("edges: empty point cloud")

// Thresholds is the default sweep, ten steps from 0.0 to 0.9.
var Thresholds = []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9}

// Config controls the neighborhood rule and the threshold ladder.
type Config struct {
	// Radius bounds the neighborhood ball around each point. The point
	// itself is always excluded from its own neighborhood. Default: 0.1.
	Radius float64

	// Thresholds lists the cutoffs to sweep, ascending. Empty uses the
	// package default ladder. Default: nil.
	Thresholds []float64

	// CellSize overrides the spatial index cell edge length. Zero uses
	// Radius. Default: 0.
	CellSize float64

	// Workers bounds the per-point parallelism. Values below 1 use all
	// CPUs. Default: 0.
	Workers int
}

// DefaultConfig returns the detection defaults.
func DefaultConfig() Config {
	return Config{Radius: 0.1}
}

// Validate checks the neighborhood radius and the threshold ladder.
func (c Config) Validate() error {
	if c.Radius <= 0 {
		return fmt.Errorf("edges: radius must be positive, got %v", c.Radius)
	}
	if c.CellSize < 0 {
		return fmt.Errorf("edges: cell size must not be negative, got %v", c.CellSize)
	}
	for i, t := range c.Thresholds {
		if t < -1 || t > 1 {
			return fmt.Errorf("edges: threshold %v is outside [-1,1]", t)
		}
		if i > 0 && t <= c.Thresholds[i-1] {
			return fmt.Errorf("edges: thresholds must be strictly ascending, got %v after %v", t, c.Thresholds[i-1])
		}
	}
	return nil
}

// WithRadius returns a copy with the neighborhood radius set.
func (c Config) WithRadius(r float64) Config {
	c.Radius = r
	return c
}

// WithThresholds returns a copy with an explicit threshold ladder.
func (c Config) WithThresholds(ts []float64) Config {
	c.Thresholds = ts
	return c
}

// WithWorkers returns a copy with the worker bound set.
func (c Config) WithWorkers(w int) Config {
	c.Workers = w
	return c
}

// MaskSet holds one edge mask per threshold, all derived from a single
// neighborhood pass.
//
// Masks are nested: because a point is an edge exactly when its score is
// below the threshold, every point masked at Thresholds[i] is also masked
// at Thresholds[j] for j > i.
type MaskSet struct {
	// Thresholds is the ascending ladder the masks were swept over.
	Thresholds []float64

	// Masks holds one mask per threshold, aligned by index. Each mask has
	// one entry per input point, 1 for edge and 0 otherwise.
	Masks [][]int64

	// Scores holds the per-point mean cosine similarity the masks were cut
	// from. Points with no usable neighbor pairs carry NaN and are never
	// masked.
	Scores []float64
}

// Mask returns the mask for the given threshold value, matching against the
// ladder the set was built with.
func (m *MaskSet) Mask(threshold float64) ([]int64, bool) {
	for i, t := range m.Thresholds {
		if t == threshold {
			return m.Masks[i], true
		}
	}
	return nil, false
}

// EdgeCount returns the number of masked points at ladder index i.
func (m *MaskSet) EdgeCount(i int) int {
	n := 0
	for _, v := range m.Masks[i] {
		if v == 1 {
			n++
		}
	}
	return n
}

// Detect scores every point and cuts one mask per threshold.
//
// normals must be [len(points),3]; rows are expected unit length, as
// produced by normal estimation. Points with a zero normal, and points
// whose neighborhood holds no neighbor with a usable normal, score NaN and
// are never edges.
func Detect(points []cloud.Point, normals *mat.Dense, cfg Config) (*MaskSet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := len(points)
	if n == 0 {
		return nil, ErrEmptyCloud
	}
	if r, c := normals.Dims(); r != n || c != 3 {
		return nil, fmt.Errorf("edges: normals are %dx%d, want %dx3", r, c, n)
	}

	cellSize := cfg.CellSize
	if cellSize == 0 {
		cellSize = cfg.Radius
	}
	grid, err := spatial.NewGrid(points, cellSize)
	if err != nil {
		return nil, err
	}

	thresholds := cfg.Thresholds
	if len(thresholds) == 0 {
		thresholds = Thresholds
	}

	scores := make([]float64, n)

	workers := cfg.Workers
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	var eg errgroup.Group
	for w := 0; w < workers; w++ {
		lo := n * w / workers
		hi := n * (w + 1) / workers
		eg.Go(func() error {
			for i := lo; i < hi; i++ {
				scores[i] = meanCosine(grid, normals, points, i, cfg.Radius)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	set := &MaskSet{
		Thresholds: append([]float64(nil), thresholds...),
		Masks:      make([][]int64, len(thresholds)),
		Scores:     scores,
	}
	for ti, t := range thresholds {
		mask := make([]int64, n)
		for i, s := range scores {
			// NaN compares false, so unscored points stay 0.
			if s < t {
				mask[i] = 1
			}
		}
		set.Masks[ti] = mask
	}
	return set, nil
}

// meanCosine averages the cosine similarity between point i's normal and
// each neighbor normal inside the radius ball, excluding i itself and any
// neighbor with a zero normal. Returns NaN when no usable pair exists.
func meanCosine(grid *spatial.Grid, normals *mat.Dense, points []cloud.Point, i int, radius float64) float64 {
	nx := normals.At(i, 0)
	ny := normals.At(i, 1)
	nz := normals.At(i, 2)
	if nx == 0 && ny == 0 && nz == 0 {
		return math.NaN()
	}

	var sum float64
	var count int
	for _, nb := range grid.RadiusQuery(points[i], radius) {
		if nb.Index == i {
			continue
		}
		mx := normals.At(nb.Index, 0)
		my := normals.At(nb.Index, 1)
		mz := normals.At(nb.Index, 2)
		if mx == 0 && my == 0 && mz == 0 {
			continue
		}
		sum += nx*mx + ny*my + nz*mz
		count++
	}
	if count == 0 {
		return math.NaN()
	}
	return sum / float64(count)
}
