// Package normals estimates per-point surface normals from local
// neighborhoods.
//
// Each normal is the eigenvector of the neighborhood's 3x3 position
// covariance with the smallest eigenvalue, i.e. the direction of least
// variance around the local best-fit plane. Normals are independently
// derived per point; no cross-point orientation propagation happens, so
// globally consistent signs are not guaranteed. For reproducibility each
// normal's sign is canonicalized so its first nonzero component (z, then y,
// then x) is positive.
package normals

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

// ErrEmptyCloud rejects estimation over a cloud with no points.
var ErrEmptyCloud = errors.New("normals: empty point cloud")

// InsufficientNeighborsError reports a point whose neighborhood was too
// small for a plane fit. Such points receive the zero normal; the batch
// continues.
type InsufficientNeighborsError struct {
	Index int // point index within the cloud
	Count int // neighborhood size found, including the point itself
}

func (e *InsufficientNeighborsError) Error() string {
	return fmt.Sprintf("normals: point %d has %d neighbors, need at least 3", e.Index, e.Count)
}

// Config selects the neighborhood rule for normal estimation.
type Config struct {
	// Neighbors is the fixed neighbor count per point, including the point
	// itself. Used when Radius is zero. Default: 30.
	Neighbors int

	// Radius switches to a fixed-radius neighborhood when positive.
	// Default: 0 (neighbor-count rule).
	Radius float64

	// CellSize overrides the spatial index cell edge length. Zero picks a
	// size from the cloud's extent. Default: 0.
	CellSize float64

	// Workers bounds the per-point parallelism. Values below 1 use all
	// CPUs. Default: 0.
	Workers int
}

// DefaultConfig returns the estimation defaults.
func DefaultConfig() Config {
	return Config{Neighbors: 30}
}

// Validate checks that exactly one usable neighborhood rule is configured.
func (c Config) Validate() error {
	if c.Radius < 0 {
		return fmt.Errorf("normals: radius must not be negative, got %v", c.Radius)
	}
	if c.Radius == 0 && c.Neighbors < 1 {
		return fmt.Errorf("normals: neighbor count must be positive, got %d", c.Neighbors)
	}
	if c.CellSize < 0 {
		return fmt.Errorf("normals: cell size must not be negative, got %v", c.CellSize)
	}
	return nil
}

// WithNeighbors returns a copy using a fixed neighbor count.
func (c Config) WithNeighbors(n int) Config {
	c.Neighbors = n
	c.Radius = 0
	return c
}

// WithRadius returns a copy using a fixed-radius neighborhood.
func (c Config) WithRadius(r float64) Config {
	c.Radius = r
	return c
}

// WithWorkers returns a copy with the worker bound set.
func (c Config) WithWorkers(w int) Config {
	c.Workers = w
	return c
}

// Result carries the estimated normals and the points whose neighborhoods
// were too small to fit a plane.
type Result struct {
	// Normals is [N,3] with unit rows in [-1,1], zero rows for degenerate
	// points, aligned to the input point order.
	Normals *mat.Dense

	// Degenerate lists the failed plane fits in point-index order.
	Degenerate []*InsufficientNeighborsError
}

// Estimate computes one normal per point. The spatial index is built here,
// is read-only during the parallel phase, and is discarded on return.
func Estimate(points []cloud.Point, cfg Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := len(points)
	if n == 0 {
		return nil, ErrEmptyCloud
	}

	cellSize := cfg.CellSize
	if cellSize == 0 {
		cellSize = autoCellSize(points)
	}
	grid, err := spatial.NewGrid(points, cellSize)
	if err != nil {
		return nil, err
	}

	out := mat.NewDense(n, 3, nil)
	failed := make([]*InsufficientNeighborsError, n)

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
				var nbrs []spatial.Neighbor
				if cfg.Radius > 0 {
					nbrs = grid.RadiusQuery(points[i], cfg.Radius)
				} else {
					nbrs = grid.KNearest(points[i], cfg.Neighbors)
				}

				nx, ny, nz, ok := planeNormal(points, nbrs)
				if !ok {
					failed[i] = &InsufficientNeighborsError{Index: i, Count: len(nbrs)}
					continue
				}
				out.Set(i, 0, nx)
				out.Set(i, 1, ny)
				out.Set(i, 2, nz)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	res := &Result{Normals: out}
	for _, f := range failed {
		if f != nil {
			res.Degenerate = append(res.Degenerate, f)
		}
	}
	return res, nil
}

// planeNormal fits a plane to the neighborhood and returns its canonical
// unit normal. ok is false when the neighborhood has fewer than 3 members
// or the covariance cannot be factorized.
func planeNormal(points []cloud.Point, nbrs []spatial.Neighbor) (nx, ny, nz float64, ok bool) {
	if len(nbrs) < 3 {
		return 0, 0, 0, false
	}

	// Neighborhood centroid.
	var cx, cy, cz float64
	for _, nb := range nbrs {
		p := points[nb.Index]
		cx += p.X
		cy += p.Y
		cz += p.Z
	}
	m := float64(len(nbrs))
	cx /= m
	cy /= m
	cz /= m

	// 3x3 covariance about the centroid.
	var xx, xy, xz, yy, yz, zz float64
	for _, nb := range nbrs {
		p := points[nb.Index]
		dx := p.X - cx
		dy := p.Y - cy
		dz := p.Z - cz
		xx += dx * dx
		xy += dx * dy
		xz += dx * dz
		yy += dy * dy
		yz += dy * dz
		zz += dz * dz
	}
	xx /= m
	xy /= m
	xz /= m
	yy /= m
	yz /= m
	zz /= m

	cov := mat.NewSymDense(3, []float64{
		xx, xy, xz,
		xy, yy, yz,
		xz, yz, zz,
	})

	var eig mat.EigenSym
	if !eig.Factorize(cov, true) {
		return 0, 0, 0, false
	}

	// Eigenvalues come back ascending; the first eigenvector spans the
	// direction of least variance, the plane normal.
	var vecs mat.Dense
	eig.VectorsTo(&vecs)
	nx = vecs.At(0, 0)
	ny = vecs.At(1, 0)
	nz = vecs.At(2, 0)

	norm := math.Sqrt(nx*nx + ny*ny + nz*nz)
	if norm == 0 {
		return 0, 0, 0, false
	}
	nx /= norm
	ny /= norm
	nz /= norm

	if flipSign(nx, ny, nz) {
		nx, ny, nz = -nx, -ny, -nz
	}
	return nx, ny, nz, true
}

// flipSign reports whether the canonical orientation requires negating the
// vector: the first nonzero component of (z, y, x) must be positive.
func flipSign(nx, ny, nz float64) bool {
	switch {
	case nz != 0:
		return nz < 0
	case ny != 0:
		return ny < 0
	default:
		return nx < 0
	}
}

// autoCellSize derives an index cell size from the cloud extent so roughly
// a handful of points land per cell. Any positive value is correct; this
// only tunes how many cells a query scans.
func autoCellSize(points []cloud.Point) float64 {
	minP, maxP := points[0], points[0]
	for _, p := range points[1:] {
		minP.X = math.Min(minP.X, p.X)
		minP.Y = math.Min(minP.Y, p.Y)
		minP.Z = math.Min(minP.Z, p.Z)
		maxP.X = math.Max(maxP.X, p.X)
		maxP.Y = math.Max(maxP.Y, p.Y)
		maxP.Z = math.Max(maxP.Z, p.Z)
	}
	extent := math.Max(maxP.X-minP.X, math.Max(maxP.Y-minP.Y, maxP.Z-minP.Z))
	if extent == 0 {
		return 1
	}
	side := math.Cbrt(float64(len(points)))
	if side < 1 {
		side = 1
	}
	return extent / side
}

// RemapToByte rescales normal components from [-1,1] to [0,255] for storage
// as a fixed-range array: (x+1)/2*255.
func RemapToByte(normals *mat.Dense) *mat.Dense {
	r, c := normals.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, (normals.At(i, j)+1)/2*255)
		}
	}
	return out
}

// RemapFromByte inverts RemapToByte, restoring components to [-1,1].
func RemapFromByte(stored *mat.Dense) *mat.Dense {
	r, c := stored.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, stored.At(i, j)/255*2-1)
		}
	}
	return out
}
