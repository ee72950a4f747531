package nifti

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/janelia-flyem/ichseg/ichseg"
)

// unitsMM is NIFTI_UNITS_MM in the xyzt_units field.
const unitsMM = 2

// NewHeader returns a little-endian single-file header describing vol stored as dtype.
func NewHeader(vol *ichseg.Volume, dtype int16) (*Header, error) {
	dt, found := datatypes[dtype]
	if !found {
		return nil, fmt.Errorf("can't encode unsupported datatype %d", dtype)
	}
	ndim := len(vol.Shape)
	if ndim < 1 || ndim > ichseg.MaxDims {
		return nil, fmt.Errorf("can't encode %d-d volume", ndim)
	}
	if len(vol.Spacing) != ndim {
		return nil, fmt.Errorf("volume has %d dims but %d spacings", ndim, len(vol.Spacing))
	}
	hdr := &Header{
		SizeofHdr: HeaderSize,
		Datatype:  dtype,
		Bitpix:    int16(dt.size * 8),
		VoxOffset: MinVoxOffset,
		SclSlope:  1,
		XYZTUnits: unitsMM,
		Magic:     MagicSingle,
	}
	hdr.Dim[0] = int16(ndim)
	hdr.Pixdim[0] = 1
	for i := 1; i < len(hdr.Dim); i++ {
		hdr.Dim[i] = 1
		hdr.Pixdim[i] = 1
	}
	for i, d := range vol.Shape {
		if d < 0 || d > 32767 {
			return nil, fmt.Errorf("dimension %d extent %d out of range", i, d)
		}
		hdr.Dim[i+1] = int16(d)
		hdr.Pixdim[i+1] = float32(vol.Spacing[i])
	}
	if vol.Affine != nil {
		hdr.SetSform(vol.Affine)
	}
	copy(hdr.Descrip[:], "ichseg")
	return hdr, nil
}

// Encode writes vol as an uncompressed single-file NIfTI-1 image with voxels stored as dtype.
func Encode(w io.Writer, vol *ichseg.Volume, dtype int16) error {
	hdr, err := NewHeader(vol, dtype)
	if err != nil {
		return err
	}
	if len(vol.Data) != vol.NumVoxels() {
		return fmt.Errorf("volume %v holds %d values", vol.Shape, len(vol.Data))
	}
	order := binary.LittleEndian
	if err := hdr.Write(w, order); err != nil {
		return err
	}
	// No extensions follow the header.
	if _, err := w.Write(make([]byte, MinVoxOffset-HeaderSize)); err != nil {
		return err
	}

	dt := datatypes[dtype]
	buf := make([]byte, 64*ichseg.Kilo-(64*ichseg.Kilo)%dt.size)
	pos := 0
	for _, v := range vol.Data {
		dt.put(buf[pos:], order, v)
		pos += dt.size
		if pos == len(buf) {
			if _, err := w.Write(buf); err != nil {
				return err
			}
			pos = 0
		}
	}
	if pos > 0 {
		if _, err := w.Write(buf[:pos]); err != nil {
			return err
		}
	}
	return nil
}

// WriteFile encodes vol to path, gzip compressing when path ends in ".gz".  A partially
// written file is removed.
func WriteFile(path string, vol *ichseg.Volume, dtype int16) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(path)
		}
	}()

	bw := bufio.NewWriter(f)
	if strings.HasSuffix(path, CompressedSuffix) {
		zw := gzip.NewWriter(bw)
		if err = Encode(zw, vol, dtype); err != nil {
			return err
		}
		if err = zw.Close(); err != nil {
			return err
		}
	} else if err = Encode(bw, vol, dtype); err != nil {
		return err
	}
	return bw.Flush()
}
