// Package spatial provides nearest-neighbor queries over a fixed set of 3-D
// positions using a uniform cell hash.
//
// A Grid is built once from a position slice and is read-only afterwards:
// concurrent queries are safe, but if the positions change a new grid must
// be built. Distances are Euclidean over the three coordinates only; no
// other attribute participates.
//
// Query results are fully deterministic. Neighbors are ordered ascending by
// distance, with exact distance ties broken by the smaller original point
// index, so repeated queries over identical inputs return identical
// sequences.
package spatial

import (
	"fmt"
	"math"
	"sort"

	"github.com/groundline-data/pointprep/internal/cloud"
)

// Neighbor is one query result: the point's index in the indexed slice and
// its Euclidean distance from the query position.
type Neighbor struct {
	Index    int
	Distance float64
}

// cellKey addresses one cubic cell of the hash grid.
type cellKey struct {
	X, Y, Z int64
}

// Grid hashes points into cubic cells of a fixed edge length. Queries scan
// the cells that can contain matches instead of the whole point set; cell
// size should be in the order of the expected query radius or point spacing
// for that to pay off.
type Grid struct {
	cellSize float64
	points   []cloud.Point
	cells    map[cellKey][]int

	// Cell-coordinate bounds of the occupied cells, used to stop expanding
	// k-NN shell searches once every cell has been visited.
	minCell cellKey
	maxCell cellKey
}

// NewGrid indexes points into cells of the given edge length. The point
// slice is copied; the grid never observes later mutations.
func NewGrid(points []cloud.Point, cellSize float64) (*Grid, error) {
	if cellSize <= 0 {
		return nil, fmt.Errorf("spatial: cell size must be positive, got %v", cellSize)
	}

	g := &Grid{
		cellSize: cellSize,
		points:   make([]cloud.Point, len(points)),
		cells:    make(map[cellKey][]int),
	}
	copy(g.points, points)

	for i, p := range g.points {
		key := g.cellFor(p)
		g.cells[key] = append(g.cells[key], i)

		if i == 0 {
			g.minCell, g.maxCell = key, key
			continue
		}
		g.minCell.X = min64(g.minCell.X, key.X)
		g.minCell.Y = min64(g.minCell.Y, key.Y)
		g.minCell.Z = min64(g.minCell.Z, key.Z)
		g.maxCell.X = max64(g.maxCell.X, key.X)
		g.maxCell.Y = max64(g.maxCell.Y, key.Y)
		g.maxCell.Z = max64(g.maxCell.Z, key.Z)
	}

	return g, nil
}

// Len returns the number of indexed points.
func (g *Grid) Len() int { return len(g.points) }

// Point returns the indexed point at i.
func (g *Grid) Point(i int) cloud.Point { return g.points[i] }

// cellFor maps a position to its cell by componentwise floor division.
func (g *Grid) cellFor(p cloud.Point) cellKey {
	return cellKey{
		X: int64(math.Floor(p.X / g.cellSize)),
		Y: int64(math.Floor(p.Y / g.cellSize)),
		Z: int64(math.Floor(p.Z / g.cellSize)),
	}
}

// KNearest returns the k indexed points nearest q, ascending by distance,
// ties broken by smallest index. Fewer than k points are returned only when
// the grid holds fewer than k points.
func (g *Grid) KNearest(q cloud.Point, k int) []Neighbor {
	if k <= 0 || len(g.points) == 0 {
		return nil
	}
	if k > len(g.points) {
		k = len(g.points)
	}

	center := g.cellFor(q)
	maxShell := g.maxShellFrom(center)

	var cand []Neighbor
	for shell := int64(0); shell <= maxShell; shell++ {
		g.collectShell(center, shell, q, &cand)

		// Points in any unvisited shell are farther than shell*cellSize
		// from q, so once the kth-best candidate is at least that close
		// the search is complete.
		if len(cand) >= k {
			sortNeighbors(cand)
			bound := float64(shell) * g.cellSize
			if cand[k-1].Distance <= bound*bound {
				break
			}
		}
	}

	sortNeighbors(cand)
	if len(cand) > k {
		cand = cand[:k]
	}
	finalizeDistances(cand)
	return cand
}

// RadiusQuery returns every indexed point within Euclidean distance r of q,
// ascending by distance with index tie-break. A query at a member position
// includes that member at distance zero.
func (g *Grid) RadiusQuery(q cloud.Point, r float64) []Neighbor {
	if r < 0 || len(g.points) == 0 {
		return nil
	}

	center := g.cellFor(q)
	reach := int64(math.Ceil(r / g.cellSize))
	r2 := r * r

	var result []Neighbor
	for dx := -reach; dx <= reach; dx++ {
		for dy := -reach; dy <= reach; dy++ {
			for dz := -reach; dz <= reach; dz++ {
				key := cellKey{center.X + dx, center.Y + dy, center.Z + dz}
				for _, idx := range g.cells[key] {
					d2 := q.SquaredDistance(g.points[idx])
					if d2 <= r2 {
						result = append(result, Neighbor{Index: idx, Distance: d2})
					}
				}
			}
		}
	}

	sortNeighbors(result)
	finalizeDistances(result)
	return result
}

// collectShell appends every point whose cell lies at exactly the given
// Chebyshev cell distance from center, carrying squared distances.
func (g *Grid) collectShell(center cellKey, shell int64, q cloud.Point, cand *[]Neighbor) {
	for dx := -shell; dx <= shell; dx++ {
		for dy := -shell; dy <= shell; dy++ {
			for dz := -shell; dz <= shell; dz++ {
				if max64(abs64(dx), max64(abs64(dy), abs64(dz))) != shell {
					continue
				}
				key := cellKey{center.X + dx, center.Y + dy, center.Z + dz}
				for _, idx := range g.cells[key] {
					*cand = append(*cand, Neighbor{Index: idx, Distance: q.SquaredDistance(g.points[idx])})
				}
			}
		}
	}
}

// maxShellFrom returns the Chebyshev cell distance from center to the
// farthest occupied cell. Shell searches beyond it cannot find points.
func (g *Grid) maxShellFrom(center cellKey) int64 {
	m := max64(abs64(g.minCell.X-center.X), abs64(g.maxCell.X-center.X))
	m = max64(m, max64(abs64(g.minCell.Y-center.Y), abs64(g.maxCell.Y-center.Y)))
	m = max64(m, max64(abs64(g.minCell.Z-center.Z), abs64(g.maxCell.Z-center.Z)))
	return m
}

// sortNeighbors orders by squared distance, then index. Neighbor.Distance
// holds squared distances until finalizeDistances runs.
func sortNeighbors(ns []Neighbor) {
	sort.Slice(ns, func(i, j int) bool {
		if ns[i].Distance != ns[j].Distance {
			return ns[i].Distance < ns[j].Distance
		}
		return ns[i].Index < ns[j].Index
	})
}

// finalizeDistances converts the squared distances accumulated during a
// search into Euclidean distances.
func finalizeDistances(ns []Neighbor) {
	for i := range ns {
		ns[i].Distance = math.Sqrt(ns[i].Distance)
	}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
