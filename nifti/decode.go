package nifti

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"slices"

	humanize "github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"

	"github.com/janelia-flyem/ichseg/ichseg"
)

// NIfTI-1 datatype codes supported for decoding and encoding.
const (
	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
	DTInt8    int16 = 256
	DTUint16  int16 = 512
	DTUint32  int16 = 768
	DTInt64   int16 = 1024
	DTUint64  int16 = 1280
)

const (
	// DefaultMaxDataBytes bounds the memory of decoded voxels, eight bytes each.
	DefaultMaxDataBytes int64 = 4 * ichseg.Giga

	decodedVoxelSize = 8

	// readChunk is the most voxel bytes read at once.  It is a multiple of every
	// datatype size.
	readChunk = 1 << 20
)

type datatype struct {
	name string
	size int
	get  func(b []byte, order binary.ByteOrder) float64
	put  func(b []byte, order binary.ByteOrder, v float64)
}

var datatypes = map[int16]datatype{
	DTUint8: {"uint8", 1,
		func(b []byte, _ binary.ByteOrder) float64 { return float64(b[0]) },
		func(b []byte, _ binary.ByteOrder, v float64) { b[0] = uint8(v) }},
	DTInt8: {"int8", 1,
		func(b []byte, _ binary.ByteOrder) float64 { return float64(int8(b[0])) },
		func(b []byte, _ binary.ByteOrder, v float64) { b[0] = uint8(int8(v)) }},
	DTInt16: {"int16", 2,
		func(b []byte, o binary.ByteOrder) float64 { return float64(int16(o.Uint16(b))) },
		func(b []byte, o binary.ByteOrder, v float64) { o.PutUint16(b, uint16(int16(v))) }},
	DTUint16: {"uint16", 2,
		func(b []byte, o binary.ByteOrder) float64 { return float64(o.Uint16(b)) },
		func(b []byte, o binary.ByteOrder, v float64) { o.PutUint16(b, uint16(v)) }},
	DTInt32: {"int32", 4,
		func(b []byte, o binary.ByteOrder) float64 { return float64(int32(o.Uint32(b))) },
		func(b []byte, o binary.ByteOrder, v float64) { o.PutUint32(b, uint32(int32(v))) }},
	DTUint32: {"uint32", 4,
		func(b []byte, o binary.ByteOrder) float64 { return float64(o.Uint32(b)) },
		func(b []byte, o binary.ByteOrder, v float64) { o.PutUint32(b, uint32(v)) }},
	DTInt64: {"int64", 8,
		func(b []byte, o binary.ByteOrder) float64 { return float64(int64(o.Uint64(b))) },
		func(b []byte, o binary.ByteOrder, v float64) { o.PutUint64(b, uint64(int64(v))) }},
	DTUint64: {"uint64", 8,
		func(b []byte, o binary.ByteOrder) float64 { return float64(o.Uint64(b)) },
		func(b []byte, o binary.ByteOrder, v float64) { o.PutUint64(b, uint64(v)) }},
	DTFloat32: {"float32", 4,
		func(b []byte, o binary.ByteOrder) float64 { return float64(math.Float32frombits(o.Uint32(b))) },
		func(b []byte, o binary.ByteOrder, v float64) { o.PutUint32(b, math.Float32bits(float32(v))) }},
	DTFloat64: {"float64", 8,
		func(b []byte, o binary.ByteOrder) float64 { return math.Float64frombits(o.Uint64(b)) },
		func(b []byte, o binary.ByteOrder, v float64) { o.PutUint64(b, math.Float64bits(v)) }},
}

// DatatypeName returns a readable name for a NIfTI datatype code.
func DatatypeName(code int16) string {
	if dt, found := datatypes[code]; found {
		return dt.name
	}
	return fmt.Sprintf("datatype(%d)", code)
}

// DatatypeNames returns the names of the supported datatypes ordered by code.
func DatatypeNames() []string {
	codes := make([]int16, 0, len(datatypes))
	for code := range datatypes {
		codes = append(codes, code)
	}
	slices.Sort(codes)
	names := make([]string, len(codes))
	for i, code := range codes {
		names[i] = datatypes[code].name
	}
	return names
}

// Decode reads a single-file NIfTI-1 image from r within the default memory limit.
// All failures are load errors.
func Decode(r io.Reader) (*ichseg.Volume, error) {
	return DecodeLimit(r, DefaultMaxDataBytes)
}

// DecodeLimit is like Decode but refuses images whose decoded voxels would need more
// than maxDataBytes.  A non-positive limit uses DefaultMaxDataBytes.
func DecodeLimit(r io.Reader, maxDataBytes int64) (*ichseg.Volume, error) {
	vol, err := decode(r, -1, maxDataBytes)
	if err != nil {
		return nil, ichseg.WrapError(ichseg.KindLoad, err)
	}
	return vol, nil
}

// decode reads an image from r.  If inputSize is not negative it is the number of
// bytes r holds, and a header declaring more voxel data than that is rejected before
// anything is allocated.
func decode(r io.Reader, inputSize, maxDataBytes int64) (*ichseg.Volume, error) {
	if maxDataBytes <= 0 {
		maxDataBytes = DefaultMaxDataBytes
	}
	hdr, order, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	if err := hdr.Validate(); err != nil {
		return nil, err
	}
	dt := datatypes[hdr.Datatype]

	shape := hdr.Shape()
	numVoxels := 1
	for _, d := range shape {
		numVoxels *= d
		if int64(numVoxels)*decodedVoxelSize > maxDataBytes {
			return nil, fmt.Errorf("shape %v needs more than the %s limit for decoded voxels",
				shape, humanize.IBytes(uint64(maxDataBytes)))
		}
	}
	total := numVoxels * dt.size
	if needed := hdr.DataOffset() + int64(total); inputSize >= 0 && needed > inputSize {
		return nil, fmt.Errorf("header declares %d bytes of %s voxels at offset %d but input holds only %d bytes",
			total, dt.name, hdr.DataOffset(), inputSize)
	}

	skip := hdr.DataOffset() - HeaderSize
	if n, err := io.CopyN(io.Discard, r, skip); err != nil {
		return nil, fmt.Errorf("data offset %d past end of input (%d bytes after header): %v",
			hdr.DataOffset(), n, err)
	}

	// Voxels are read in chunks so the decoded data grows only as input arrives.
	slope, inter, scaled := hdr.SlopeInter()
	buf := make([]byte, min(total, readChunk))
	data := make([]float64, 0, min(numVoxels, readChunk))
	for read := 0; read < total; {
		chunk := buf[:min(total-read, len(buf))]
		if n, err := io.ReadFull(r, chunk); err != nil {
			return nil, fmt.Errorf("truncated voxel data, read %d of %d bytes: %v", read+n, total, err)
		}
		for off := 0; off < len(chunk); off += dt.size {
			v := dt.get(chunk[off:], order)
			if scaled {
				v = v*slope + inter
			}
			data = append(data, v)
		}
		read += len(chunk)
	}

	return &ichseg.Volume{
		Shape:    shape,
		Spacing:  hdr.Zooms(),
		Affine:   hdr.Affine(),
		Datatype: hdr.Datatype,
		Data:     data,
	}, nil
}

// DecodeFile decodes the file at path, reading through gzip if compressed is true.
// Failing to open the file is an internal error; anything the decoder rejects is a
// load error.
func DecodeFile(path string, compressed bool) (*ichseg.Volume, error) {
	return DecodeFileLimit(path, compressed, DefaultMaxDataBytes)
}

// DecodeFileLimit is like DecodeFile with a limit on decoded voxel memory.  An
// uncompressed file must also be large enough for the voxel data its header declares.
func DecodeFileLimit(path string, compressed bool, maxDataBytes int64) (*ichseg.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ichseg.WrapError(ichseg.KindInternal, err)
	}
	defer f.Close()

	inputSize := int64(-1)
	var r io.Reader = bufio.NewReaderSize(f, 64*ichseg.Kilo)
	if compressed {
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, ichseg.NewError(ichseg.KindLoad, "gzip stream of %s: %w", path, err)
		}
		defer zr.Close()
		r = zr
	} else {
		info, err := f.Stat()
		if err != nil {
			return nil, ichseg.WrapError(ichseg.KindInternal, err)
		}
		inputSize = info.Size()
	}
	vol, err := decode(r, inputSize, maxDataBytes)
	if err != nil {
		return nil, ichseg.NewError(ichseg.KindLoad, "decoding %s: %w", path, err)
	}
	return vol, nil
}
