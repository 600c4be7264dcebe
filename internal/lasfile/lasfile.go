// Package lasfile decodes ASPRS LAS point cloud files into attribute
// tables. Plain .las files and gzip-wrapped .las.gz files are supported;
// laszip-compressed point data (.laz) is detected and rejected.
package lasfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/klauspost/compress/gzip"
	"gonum.org/v1/gonum/mat"

	"github.com/groundline-data/pointprep/internal/cloud"
	"github.com/groundline-data/pointprep/internal/fsutil"
)

/*
LAS wire layout, all fields little-endian. The public header block is
followed by variable length records, then by point data records starting at
the header's point data offset.

	PUBLIC HEADER BLOCK (227 bytes for LAS 1.0-1.3, 375 for LAS 1.4)

	offset  size  field
	     0     4  file signature "LASF"
	    24     1  version major
	    25     1  version minor
	    94     2  header size
	    96     4  offset to point data
	   100     4  number of variable length records
	   104     1  point data record format (bit 7 set: laszip compressed)
	   105     2  point data record length
	   107     4  legacy number of point records
	   131    24  x/y/z scale factors (3 x f64)
	   155    24  x/y/z offsets (3 x f64)
	   247     8  number of point records (LAS 1.4 only)

	POINT DATA RECORD (prefix shared by every supported format)

	offset  size  field
	     0     4  x (i32, scaled:  raw * scale + offset)
	     4     4  y (i32)
	     8     4  z (i32)
	    12     2  intensity (u16)

	Color sits at a format-specific offset: formats 2 and 3 append RGB after
	the format 0/1 body, formats 7 and 8 after the format 6 body. Formats
	4, 5, 9 and 10 carry waveform packets and are not supported here.
*/
const (
	FILE_SIGNATURE = "LASF"

	MIN_HEADER_SIZE = 227

	OFF_VERSION_MAJOR = 24
	OFF_VERSION_MINOR = 25
	OFF_HEADER_SIZE   = 94
	OFF_POINT_DATA    = 96
	OFF_POINT_FORMAT  = 104
	OFF_RECORD_LENGTH = 105
	OFF_LEGACY_COUNT  = 107
	OFF_SCALE_XYZ     = 131
	OFF_OFFSET_XYZ    = 155
	OFF_COUNT_1_4     = 247

	OFF_INTENSITY = 12

	COMPRESSION_BIT = 0x80

	// MAX_POINT_COUNT bounds a single cloud. Counts beyond this are taken
	// as header corruption rather than data.
	MAX_POINT_COUNT = 1 << 31
)

// Sentinel causes carried inside a FormatError.
var (
	ErrCompressed = errors.New("point data is laszip compressed")
	ErrNoPoints   = errors.New("no point records")
)

// FormatError reports a source file that cannot be decoded as LAS.
type FormatError struct {
	Msg string
	Err error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("lasfile: %s: %v", e.Msg, e.Err)
	}
	return "lasfile: " + e.Msg
}

func (e *FormatError) Unwrap() error { return e.Err }

func formatErrf(format string, args ...any) error {
	return &FormatError{Msg: fmt.Sprintf(format, args...)}
}

// recordLayout describes one point data record format.
type recordLayout struct {
	minLength int
	rgbOffset int // -1 when the format carries no color
}

var layouts = map[uint8]recordLayout{
	0: {minLength: 20, rgbOffset: -1},
	1: {minLength: 28, rgbOffset: -1},
	2: {minLength: 26, rgbOffset: 20},
	3: {minLength: 34, rgbOffset: 28},
	6: {minLength: 30, rgbOffset: -1},
	7: {minLength: 36, rgbOffset: 30},
	8: {minLength: 38, rgbOffset: 30},
}

// Header is the decoded public header block.
type Header struct {
	VersionMajor uint8
	VersionMinor uint8
	HeaderSize   uint16
	PointOffset  uint32
	PointFormat  uint8
	RecordLength uint16
	PointCount   uint64

	ScaleX, ScaleY, ScaleZ    float64
	OffsetX, OffsetY, OffsetZ float64
}

// HasColor reports whether the point format carries RGB channels.
func (h *Header) HasColor() bool {
	l, ok := layouts[h.PointFormat]
	return ok && l.rgbOffset >= 0
}

// ReadHeader decodes the public header block, consuming exactly HeaderSize
// bytes from r. It validates the signature, version, format and record
// length, and rejects laszip-compressed point data.
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, MIN_HEADER_SIZE)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, &FormatError{Msg: "file shorter than a LAS header", Err: err}
	}
	if string(buf[0:4]) != FILE_SIGNATURE {
		return nil, formatErrf("bad signature %q, want %q", buf[0:4], FILE_SIGNATURE)
	}

	h := &Header{
		VersionMajor: buf[OFF_VERSION_MAJOR],
		VersionMinor: buf[OFF_VERSION_MINOR],
		HeaderSize:   binary.LittleEndian.Uint16(buf[OFF_HEADER_SIZE:]),
		PointOffset:  binary.LittleEndian.Uint32(buf[OFF_POINT_DATA:]),
		PointFormat:  buf[OFF_POINT_FORMAT],
		RecordLength: binary.LittleEndian.Uint16(buf[OFF_RECORD_LENGTH:]),
		PointCount:   uint64(binary.LittleEndian.Uint32(buf[OFF_LEGACY_COUNT:])),
	}
	h.ScaleX = readF64(buf, OFF_SCALE_XYZ)
	h.ScaleY = readF64(buf, OFF_SCALE_XYZ+8)
	h.ScaleZ = readF64(buf, OFF_SCALE_XYZ+16)
	h.OffsetX = readF64(buf, OFF_OFFSET_XYZ)
	h.OffsetY = readF64(buf, OFF_OFFSET_XYZ+8)
	h.OffsetZ = readF64(buf, OFF_OFFSET_XYZ+16)

	if h.VersionMajor != 1 {
		return nil, formatErrf("unsupported LAS version %d.%d", h.VersionMajor, h.VersionMinor)
	}
	if int(h.HeaderSize) < MIN_HEADER_SIZE {
		return nil, formatErrf("header size %d below minimum %d", h.HeaderSize, MIN_HEADER_SIZE)
	}

	// LAS 1.4 grew the header; the 64-bit record count replaces the legacy
	// field, which 1.4 writers may leave at zero.
	if h.HeaderSize > MIN_HEADER_SIZE {
		ext := make([]byte, int(h.HeaderSize)-MIN_HEADER_SIZE)
		if _, err := io.ReadFull(r, ext); err != nil {
			return nil, &FormatError{Msg: "truncated extended header", Err: err}
		}
		if int(h.HeaderSize) >= OFF_COUNT_1_4+8 {
			if n := binary.LittleEndian.Uint64(ext[OFF_COUNT_1_4-MIN_HEADER_SIZE:]); n > 0 {
				h.PointCount = n
			}
		}
	}

	if h.PointFormat&COMPRESSION_BIT != 0 {
		return nil, &FormatError{
			Msg: fmt.Sprintf("record format 0x%02x", h.PointFormat),
			Err: ErrCompressed,
		}
	}
	layout, ok := layouts[h.PointFormat]
	if !ok {
		return nil, formatErrf("unsupported point record format %d", h.PointFormat)
	}
	if int(h.RecordLength) < layout.minLength {
		return nil, formatErrf("record length %d below format %d minimum %d",
			h.RecordLength, h.PointFormat, layout.minLength)
	}
	if h.PointOffset < uint32(h.HeaderSize) {
		return nil, formatErrf("point data offset %d inside %d byte header", h.PointOffset, h.HeaderSize)
	}
	if h.PointCount > MAX_POINT_COUNT {
		return nil, formatErrf("implausible point count %d", h.PointCount)
	}
	if h.PointCount == 0 {
		return nil, &FormatError{Msg: "empty cloud", Err: ErrNoPoints}
	}
	return h, nil
}

// Read decodes a complete LAS stream into a table. Position columns hold
// scaled coordinates, color columns (when the format has them) hold the raw
// 16-bit channel values, and the intensity column holds the raw 16-bit
// intensity.
//
// The stream is consumed strictly forward so it works behind gzip.
func Read(r io.Reader) (*cloud.Table, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	// Variable length records sit between the header and the point data.
	if skip := int64(h.PointOffset) - int64(h.HeaderSize); skip > 0 {
		if _, err := io.CopyN(io.Discard, r, skip); err != nil {
			return nil, &FormatError{Msg: "truncated before point data", Err: err}
		}
	}

	layout := layouts[h.PointFormat]
	schema := cloud.Schema{HasColor: layout.rgbOffset >= 0, HasIntensity: true}
	n := int(h.PointCount)
	data := mat.NewDense(n, schema.Cols(), nil)

	rec := make([]byte, int(h.RecordLength))
	for i := 0; i < n; i++ {
		if _, err := io.ReadFull(r, rec); err != nil {
			return nil, &FormatError{
				Msg: fmt.Sprintf("truncated at point %d of %d", i, n),
				Err: err,
			}
		}
		data.Set(i, 0, float64(int32(binary.LittleEndian.Uint32(rec[0:])))*h.ScaleX+h.OffsetX)
		data.Set(i, 1, float64(int32(binary.LittleEndian.Uint32(rec[4:])))*h.ScaleY+h.OffsetY)
		data.Set(i, 2, float64(int32(binary.LittleEndian.Uint32(rec[8:])))*h.ScaleZ+h.OffsetZ)

		col := 3
		if schema.HasColor {
			off := layout.rgbOffset
			data.Set(i, col, float64(binary.LittleEndian.Uint16(rec[off:])))
			data.Set(i, col+1, float64(binary.LittleEndian.Uint16(rec[off+2:])))
			data.Set(i, col+2, float64(binary.LittleEndian.Uint16(rec[off+4:])))
			col += 3
		}
		data.Set(i, col, float64(binary.LittleEndian.Uint16(rec[OFF_INTENSITY:])))
	}
	return cloud.FromDense(data, schema)
}

// Open decodes the named LAS file, transparently unwrapping gzip when the
// name ends in .gz.
func Open(fsys fsutil.FileSystem, name string) (*cloud.Table, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(name, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, &FormatError{Msg: "bad gzip envelope", Err: err}
		}
		defer gz.Close()
		r = gz
	}
	return Read(r)
}

func readF64(buf []byte, off int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(buf[off:]))
}
