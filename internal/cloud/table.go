// Package cloud defines the dense attributed point tables that move between
// pipeline stages, together with their on-disk array representation.
//
// A Table is a [N, 3+{0,3}+{0,1}] float64 matrix with a fixed column order:
// the 3 spatial coordinates first, then 3 color channels when present, then
// 1 intensity channel when present. Index position is a point's identity for
// the lifetime of one pipeline stage; every co-indexed array (normals, edge
// masks) is aligned to the same order.
package cloud

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Schema describes which optional attribute columns a table carries.
// Position columns are always present.
type Schema struct {
	HasColor     bool // three color channels follow the position columns
	HasIntensity bool // one intensity column follows color (or position)
}

// Cols returns the number of columns a table with this schema has.
func (s Schema) Cols() int {
	n := 3
	if s.HasColor {
		n += 3
	}
	if s.HasIntensity {
		n++
	}
	return n
}

// colorCol returns the index of the first color column.
func (s Schema) colorCol() int { return 3 }

// intensityCol returns the index of the intensity column.
func (s Schema) intensityCol() int {
	if s.HasColor {
		return 6
	}
	return 3
}

// SchemaForCols infers the schema from a column count. The four valid widths
// are 3 (position only), 4 (position+intensity), 6 (position+color) and
// 7 (position+color+intensity).
func SchemaForCols(cols int) (Schema, error) {
	switch cols {
	case 3:
		return Schema{}, nil
	case 4:
		return Schema{HasIntensity: true}, nil
	case 6:
		return Schema{HasColor: true}, nil
	case 7:
		return Schema{HasColor: true, HasIntensity: true}, nil
	}
	return Schema{}, fmt.Errorf("cloud: no schema with %d columns", cols)
}

// Point is a position in sensor space. Distances between points are
// Euclidean over the three coordinates.
type Point struct {
	X, Y, Z float64
}

// Sub returns p - q.
func (p Point) Sub(q Point) Point {
	return Point{p.X - q.X, p.Y - q.Y, p.Z - q.Z}
}

// Dot returns the dot product of p and q treated as vectors.
func (p Point) Dot(q Point) float64 {
	return p.X*q.X + p.Y*q.Y + p.Z*q.Z
}

// SquaredDistance returns the squared Euclidean distance between p and q.
// Callers that only compare distances can avoid the square root.
func (p Point) SquaredDistance(q Point) float64 {
	dx := p.X - q.X
	dy := p.Y - q.Y
	dz := p.Z - q.Z
	return dx*dx + dy*dy + dz*dz
}

// Table is an ordered point cloud with dense per-point attributes.
type Table struct {
	data   *mat.Dense
	schema Schema
}

// NewTable allocates a zeroed table of n points with the given schema.
func NewTable(n int, schema Schema) *Table {
	return &Table{
		data:   mat.NewDense(n, schema.Cols(), nil),
		schema: schema,
	}
}

// FromDense wraps an existing matrix as a table. The matrix column count
// must match the schema; the table takes ownership of the matrix.
func FromDense(m *mat.Dense, schema Schema) (*Table, error) {
	_, cols := m.Dims()
	if cols != schema.Cols() {
		return nil, fmt.Errorf("cloud: matrix has %d columns, schema needs %d", cols, schema.Cols())
	}
	return &Table{data: m, schema: schema}, nil
}

// Len returns the number of points.
func (t *Table) Len() int {
	n, _ := t.data.Dims()
	return n
}

// Schema returns the table's attribute schema.
func (t *Table) Schema() Schema { return t.schema }

// Dense exposes the backing matrix. Mutating it mutates the table.
func (t *Table) Dense() *mat.Dense { return t.data }

// Position returns point i's coordinates.
func (t *Table) Position(i int) Point {
	return Point{t.data.At(i, 0), t.data.At(i, 1), t.data.At(i, 2)}
}

// SetPosition stores point i's coordinates.
func (t *Table) SetPosition(i int, p Point) {
	t.data.Set(i, 0, p.X)
	t.data.Set(i, 1, p.Y)
	t.data.Set(i, 2, p.Z)
}

// Positions copies all point coordinates into a slice.
func (t *Table) Positions() []Point {
	pts := make([]Point, t.Len())
	for i := range pts {
		pts[i] = t.Position(i)
	}
	return pts
}

// Color returns point i's three color channels. The table must carry color.
func (t *Table) Color(i int) (r, g, b float64) {
	c := t.schema.colorCol()
	return t.data.At(i, c), t.data.At(i, c+1), t.data.At(i, c+2)
}

// SetColor stores point i's color channels.
func (t *Table) SetColor(i int, r, g, b float64) {
	c := t.schema.colorCol()
	t.data.Set(i, c, r)
	t.data.Set(i, c+1, g)
	t.data.Set(i, c+2, b)
}

// Intensity returns point i's intensity. The table must carry intensity.
func (t *Table) Intensity(i int) float64 {
	return t.data.At(i, t.schema.intensityCol())
}

// SetIntensity stores point i's intensity.
func (t *Table) SetIntensity(i int, v float64) {
	t.data.Set(i, t.schema.intensityCol(), v)
}

// ScaleColors divides every color channel by div in place. Loader output
// carries raw 16-bit channel values; dividing by 65536 brings them into
// [0, 1) before downsampling.
func (t *Table) ScaleColors(div float64) {
	if !t.schema.HasColor {
		return
	}
	c := t.schema.colorCol()
	n := t.Len()
	for i := 0; i < n; i++ {
		t.data.Set(i, c, t.data.At(i, c)/div)
		t.data.Set(i, c+1, t.data.At(i, c+1)/div)
		t.data.Set(i, c+2, t.data.At(i, c+2)/div)
	}
}
