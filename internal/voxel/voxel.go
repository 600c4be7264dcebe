// Package voxel reduces a point cloud to one representative point per
// occupied grid cell while carrying the original intensity attribute across
// the resampling.
//
// Position and color average cleanly, so the representative takes the mean
// of its members. Intensity does not: the representative inherits the
// intensity of the single original point nearest the computed centroid,
// looked up against the pre-downsample cloud.
package voxel

import (
	"errors"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/groundline-data/pointprep/internal/cloud"
	"github.com/groundline-data/pointprep/internal/spatial"
)

// positionScale divides every output position. Downstream consumers expect
// coordinates in this reduced range; the factor is part of the output
// contract and must not change.
const positionScale = 1_000_000

// ErrEmptyCloud rejects downsampling a cloud with no points.
var ErrEmptyCloud = errors.New("voxel: empty point cloud")

// ErrIncompleteSchema rejects tables missing the color or intensity
// attribute. The output schema is fixed at position+color+intensity, so
// both inputs are required.
var ErrIncompleteSchema = errors.New("voxel: table must carry color and intensity")

// InvalidVoxelSizeError reports a non-positive voxel edge length.
type InvalidVoxelSizeError struct {
	Size float64
}

func (e *InvalidVoxelSizeError) Error() string {
	return fmt.Sprintf("voxel: voxel size must be positive, got %v", e.Size)
}

// Key identifies one cubic grid cell. Keys group points for downsampling
// and are never persisted.
type Key struct {
	I, J, K int64
}

// KeyFor maps a position to its cell by componentwise floor division.
func KeyFor(p cloud.Point, size float64) Key {
	return Key{
		I: int64(math.Floor(p.X / size)),
		J: int64(math.Floor(p.Y / size)),
		K: int64(math.Floor(p.Z / size)),
	}
}

// cellAccum collects the running sums for one occupied voxel.
type cellAccum struct {
	px, py, pz float64
	r, g, b    float64
	count      int
}

// Downsample reduces t to one representative per occupied voxel of edge
// length size. Color channels must already be normalized to [0,1]. The
// output table holds, per representative: the centroid position divided by
// 1e6, the mean color, and the intensity inherited from the nearest
// original point (equidistant ties resolve to the smallest original index).
//
// Voxels appear in the output in the order their first member appears in
// the input, so identical inputs produce byte-identical outputs. workers
// bounds the intensity-transfer parallelism; values below 1 use all CPUs.
func Downsample(t *cloud.Table, size float64, workers int) (*cloud.Table, error) {
	if t.Len() == 0 {
		return nil, ErrEmptyCloud
	}
	if size <= 0 {
		return nil, &InvalidVoxelSizeError{Size: size}
	}
	schema := t.Schema()
	if !schema.HasColor || !schema.HasIntensity {
		return nil, ErrIncompleteSchema
	}

	// Group points into voxels, keeping first-occurrence order.
	n := t.Len()
	slots := make(map[Key]int)
	var accums []cellAccum
	for i := 0; i < n; i++ {
		p := t.Position(i)
		key := KeyFor(p, size)
		s, ok := slots[key]
		if !ok {
			s = len(accums)
			slots[key] = s
			accums = append(accums, cellAccum{})
		}
		r, g, b := t.Color(i)
		acc := &accums[s]
		acc.px += p.X
		acc.py += p.Y
		acc.pz += p.Z
		acc.r += r
		acc.g += g
		acc.b += b
		acc.count++
	}

	// Centroids in voxel order.
	reps := make([]cloud.Point, len(accums))
	for s, acc := range accums {
		c := float64(acc.count)
		reps[s] = cloud.Point{X: acc.px / c, Y: acc.py / c, Z: acc.pz / c}
	}

	// Intensity transfer against the original cloud. The grid is read-only
	// during the parallel phase and every worker writes disjoint rows.
	grid, err := spatial.NewGrid(t.Positions(), size)
	if err != nil {
		return nil, err
	}

	out := cloud.NewTable(len(reps), cloud.Schema{HasColor: true, HasIntensity: true})
	for s, acc := range accums {
		c := float64(acc.count)
		out.SetPosition(s, cloud.Point{
			X: reps[s].X / positionScale,
			Y: reps[s].Y / positionScale,
			Z: reps[s].Z / positionScale,
		})
		out.SetColor(s, acc.r/c, acc.g/c, acc.b/c)
	}

	if workers < 1 {
		workers = runtime.NumCPU()
	}
	var eg errgroup.Group
	for w := 0; w < workers; w++ {
		lo := len(reps) * w / workers
		hi := len(reps) * (w + 1) / workers
		eg.Go(func() error {
			for s := lo; s < hi; s++ {
				nn := grid.KNearest(reps[s], 1)
				out.SetIntensity(s, t.Intensity(nn[0].Index))
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return out, nil
}
