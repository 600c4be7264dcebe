package cloud

import (
	"fmt"
	"io"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"

	"github.com/groundline-data/pointprep/internal/fsutil"
)

// Tables, normal arrays and edge masks are persisted as NumPy ".npy" files
// so downstream consumers can load them as plain numeric arrays. Tables and
// normal arrays are 2-D float64; masks are 1-D int64 of {0,1}.

// WriteTable writes a table as a 2-D float64 array.
func WriteTable(w io.Writer, t *Table) error {
	if err := npyio.Write(w, t.data); err != nil {
		return fmt.Errorf("cloud: write table: %w", err)
	}
	return nil
}

// ReadTable reads a 2-D float64 array and infers the attribute schema from
// its column count.
func ReadTable(r io.Reader) (*Table, error) {
	m, err := ReadMatrix(r)
	if err != nil {
		return nil, err
	}
	_, cols := m.Dims()
	schema, err := SchemaForCols(cols)
	if err != nil {
		return nil, err
	}
	return &Table{data: m, schema: schema}, nil
}

// WriteMatrix writes a bare 2-D float64 array, used for normal tables.
func WriteMatrix(w io.Writer, m *mat.Dense) error {
	if err := npyio.Write(w, m); err != nil {
		return fmt.Errorf("cloud: write matrix: %w", err)
	}
	return nil
}

// ReadMatrix reads a bare 2-D float64 array.
func ReadMatrix(r io.Reader) (*mat.Dense, error) {
	var m mat.Dense
	if err := npyio.Read(r, &m); err != nil {
		return nil, fmt.Errorf("cloud: read matrix: %w", err)
	}
	return &m, nil
}

// WriteMask writes an edge mask as a 1-D int64 array.
func WriteMask(w io.Writer, mask []int64) error {
	if err := npyio.Write(w, mask); err != nil {
		return fmt.Errorf("cloud: write mask: %w", err)
	}
	return nil
}

// ReadMask reads a 1-D int64 array.
func ReadMask(r io.Reader) ([]int64, error) {
	var mask []int64
	if err := npyio.Read(r, &mask); err != nil {
		return nil, fmt.Errorf("cloud: read mask: %w", err)
	}
	return mask, nil
}

// SaveTable writes a table to path on fsys.
func SaveTable(fsys fsutil.FileSystem, path string, t *Table) error {
	return save(fsys, path, func(w io.Writer) error { return WriteTable(w, t) })
}

// LoadTable reads a table from path on fsys.
func LoadTable(fsys fsutil.FileSystem, path string) (*Table, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cloud: open %s: %w", path, err)
	}
	defer f.Close()
	t, err := ReadTable(f)
	if err != nil {
		return nil, fmt.Errorf("cloud: %s: %w", path, err)
	}
	return t, nil
}

// SaveMatrix writes a bare matrix to path on fsys.
func SaveMatrix(fsys fsutil.FileSystem, path string, m *mat.Dense) error {
	return save(fsys, path, func(w io.Writer) error { return WriteMatrix(w, m) })
}

// LoadMatrix reads a bare matrix from path on fsys.
func LoadMatrix(fsys fsutil.FileSystem, path string) (*mat.Dense, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cloud: open %s: %w", path, err)
	}
	defer f.Close()
	m, err := ReadMatrix(f)
	if err != nil {
		return nil, fmt.Errorf("cloud: %s: %w", path, err)
	}
	return m, nil
}

// SaveMask writes an edge mask to path on fsys.
func SaveMask(fsys fsutil.FileSystem, path string, mask []int64) error {
	return save(fsys, path, func(w io.Writer) error { return WriteMask(w, mask) })
}

// LoadMask reads an edge mask from path on fsys.
func LoadMask(fsys fsutil.FileSystem, path string) ([]int64, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cloud: open %s: %w", path, err)
	}
	defer f.Close()
	mask, err := ReadMask(f)
	if err != nil {
		return nil, fmt.Errorf("cloud: %s: %w", path, err)
	}
	return mask, nil
}

// save streams one write through fsys.Create, surfacing the Close error
// since buffered filesystems commit on Close.
func save(fsys fsutil.FileSystem, path string, write func(io.Writer) error) error {
	f, err := fsys.Create(path)
	if err != nil {
		return fmt.Errorf("cloud: create %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("cloud: %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("cloud: close %s: %w", path, err)
	}
	return nil
}
