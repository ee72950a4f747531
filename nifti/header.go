package nifti

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	// HeaderSize is the size in bytes of a NIfTI-1 header.
	HeaderSize = 348

	// MinVoxOffset is the smallest data offset of a single-file (.nii) image: the header
	// plus the four byte extension flag.
	MinVoxOffset = 352
)

// Magic strings of NIfTI-1 files.
var (
	MagicSingle = [4]byte{'n', '+', '1', 0}
	MagicPair   = [4]byte{'n', 'i', '1', 0}
)

// NIfTI-1 xform codes.
const (
	XformUnknown = 0
	XformScanner = 1
	XformAligned = 2
)

// Header is the on-disk NIfTI-1 header.  Field order and sizes follow nifti1.h so the
// struct can be read and written with encoding/binary.
type Header struct {
	SizeofHdr     int32
	DataType      [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XYZTUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// ReadHeader reads a NIfTI-1 header, detecting its byte order from sizeof_hdr.
func ReadHeader(r io.Reader) (*Header, binary.ByteOrder, error) {
	buf := make([]byte, HeaderSize)
	if n, err := io.ReadFull(r, buf); err != nil {
		return nil, nil, fmt.Errorf("read %d of %d header bytes: %v", n, HeaderSize, err)
	}
	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(buf) == HeaderSize:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(buf) == HeaderSize:
		order = binary.BigEndian
	default:
		return nil, nil, fmt.Errorf("not a NIfTI-1 file: sizeof_hdr is %d", binary.LittleEndian.Uint32(buf))
	}
	var hdr Header
	if err := binary.Read(bytes.NewReader(buf), order, &hdr); err != nil {
		return nil, nil, fmt.Errorf("bad NIfTI-1 header: %v", err)
	}
	return &hdr, order, nil
}

// Write writes the header in the given byte order.
func (h *Header) Write(w io.Writer, order binary.ByteOrder) error {
	return binary.Write(w, order, h)
}

// Validate checks the parts of the header needed to decode a single-file image.
func (h *Header) Validate() error {
	if h.Magic == MagicPair {
		return fmt.Errorf("two-file (.hdr/.img) NIfTI images are not supported")
	}
	if h.Magic != MagicSingle {
		return fmt.Errorf("bad NIfTI-1 magic %q", h.Magic[:])
	}
	ndim := int(h.Dim[0])
	if ndim < 1 || ndim > 7 {
		return fmt.Errorf("unsupported dimensionality %d", ndim)
	}
	for i := 1; i <= ndim; i++ {
		if h.Dim[i] < 0 {
			return fmt.Errorf("dimension %d has negative extent %d", i, h.Dim[i])
		}
	}
	dt, found := datatypes[h.Datatype]
	if !found {
		return fmt.Errorf("unsupported NIfTI datatype %d", h.Datatype)
	}
	if h.Bitpix != 0 && int(h.Bitpix) != dt.size*8 {
		return fmt.Errorf("bitpix %d does not match datatype %s", h.Bitpix, dt.name)
	}
	return nil
}

// Shape returns dim[1:dim[0]+1].
func (h *Header) Shape() []int {
	ndim := int(h.Dim[0])
	shape := make([]int, ndim)
	for i := range shape {
		shape[i] = int(h.Dim[i+1])
	}
	return shape
}

// Zooms returns pixdim[1:dim[0]+1], the voxel spacing along each dimension.
func (h *Header) Zooms() []float64 {
	ndim := int(h.Dim[0])
	zooms := make([]float64, ndim)
	for i := range zooms {
		zooms[i] = float64(h.Pixdim[i+1])
	}
	return zooms
}

// DataOffset returns where voxel data starts in a single-file image.
func (h *Header) DataOffset() int64 {
	offset := int64(h.VoxOffset)
	if offset < MinVoxOffset {
		return MinVoxOffset
	}
	return offset
}

// SlopeInter returns the scaling applied to stored values and whether it applies at all.
// A zero or non-finite slope means the data are unscaled.
func (h *Header) SlopeInter() (slope, inter float64, scaled bool) {
	slope, inter = float64(h.SclSlope), float64(h.SclInter)
	if slope == 0 || math.IsNaN(slope) || math.IsInf(slope, 0) {
		return 1, 0, false
	}
	if math.IsNaN(inter) || math.IsInf(inter, 0) {
		inter = 0
	}
	return slope, inter, !(slope == 1 && inter == 0)
}

// Affine returns the best voxel-to-world transform: the sform if set, else the qform,
// else a transform built from the shape and zooms.
func (h *Header) Affine() *mat.Dense {
	switch {
	case h.SformCode > XformUnknown:
		return h.sformAffine()
	case h.QformCode > XformUnknown:
		return h.qformAffine()
	default:
		return h.baseAffine()
	}
}

func (h *Header) sformAffine() *mat.Dense {
	aff := mat.NewDense(4, 4, nil)
	for c := 0; c < 4; c++ {
		aff.Set(0, c, float64(h.SrowX[c]))
		aff.Set(1, c, float64(h.SrowY[c]))
		aff.Set(2, c, float64(h.SrowZ[c]))
	}
	aff.Set(3, 3, 1)
	return aff
}

// qformAffine follows the quaternion convention of nifti1.h.
func (h *Header) qformAffine() *mat.Dense {
	b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		norm := 1 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = b*norm, c*norm, d*norm
		a = 0
	} else {
		a = math.Sqrt(a)
	}
	dx, dy, dz := h.spatialZooms()
	if h.Pixdim[0] < 0 {
		dz = -dz
	}

	aff := mat.NewDense(4, 4, []float64{
		(a*a + b*b - c*c - d*d) * dx, 2 * (b*c - a*d) * dy, 2 * (b*d + a*c) * dz, float64(h.QoffsetX),
		2 * (b*c + a*d) * dx, (a*a + c*c - b*b - d*d) * dy, 2 * (c*d - a*b) * dz, float64(h.QoffsetY),
		2 * (b*d - a*c) * dx, 2 * (c*d + a*b) * dy, (a*a + d*d - c*c - b*b) * dz, float64(h.QoffsetZ),
		0, 0, 0, 1,
	})
	return aff
}

// baseAffine centers the volume at the origin with a flipped x axis.
func (h *Header) baseAffine() *mat.Dense {
	dx, dy, dz := h.spatialZooms()
	zooms := []float64{-dx, dy, dz}
	shape := h.Shape()
	aff := mat.NewDense(4, 4, nil)
	for i, zoom := range zooms {
		n := 1
		if i < len(shape) {
			n = shape[i]
		}
		origin := float64(n-1) / 2
		aff.Set(i, i, zoom)
		aff.Set(i, 3, -origin*zoom)
	}
	aff.Set(3, 3, 1)
	return aff
}

func (h *Header) spatialZooms() (dx, dy, dz float64) {
	z := [3]float64{1, 1, 1}
	ndim := int(h.Dim[0])
	for i := 0; i < 3 && i < ndim; i++ {
		if p := float64(h.Pixdim[i+1]); p > 0 {
			z[i] = p
		}
	}
	return z[0], z[1], z[2]
}

// SetSform stores aff as the scanner-aligned sform and clears the qform.
func (h *Header) SetSform(aff mat.Matrix) {
	for c := 0; c < 4; c++ {
		h.SrowX[c] = float32(aff.At(0, c))
		h.SrowY[c] = float32(aff.At(1, c))
		h.SrowZ[c] = float32(aff.At(2, c))
	}
	h.SformCode = XformAligned
	h.QformCode = XformUnknown
}
