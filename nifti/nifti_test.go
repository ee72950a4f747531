package nifti

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"gonum.org/v1/gonum/mat"

	"github.com/janelia-flyem/ichseg/ichseg"
)

// makeVolume returns a volume whose voxel values depend on their index.
func makeVolume(shape ...int) *ichseg.Volume {
	vol := &ichseg.Volume{
		Shape:   shape,
		Spacing: make([]float64, len(shape)),
		Affine:  mat.NewDense(4, 4, []float64{0.5, 0, 0, -10, 0, 0.75, 0, -20, 0, 0, 2, -30, 0, 0, 0, 1}),
	}
	for i := range vol.Spacing {
		vol.Spacing[i] = []float64{0.5, 0.75, 2, 1, 1, 1, 1}[i]
	}
	vol.Data = make([]float64, vol.NumVoxels())
	for i := range vol.Data {
		vol.Data[i] = float64(i % 97)
	}
	return vol
}

func encodeBytes(t *testing.T, vol *ichseg.Volume, dtype int16) []byte {
	var buf bytes.Buffer
	if err := Encode(&buf, vol, dtype); err != nil {
		t.Fatalf("couldn't encode %s: %v\n", vol, err)
	}
	return buf.Bytes()
}

func gzipBytes(t *testing.T, data []byte) []byte {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatalf("couldn't gzip: %v\n", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("couldn't close gzip writer: %v\n", err)
	}
	return buf.Bytes()
}

func writeTemp(t *testing.T, name string, data []byte) string {
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("couldn't write %s: %v\n", path, err)
	}
	return path
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func checkSameVolume(t *testing.T, got, expected *ichseg.Volume) {
	if !reflect.DeepEqual(got.Shape, expected.Shape) {
		t.Fatalf("expected shape %v, got %v\n", expected.Shape, got.Shape)
	}
	if !reflect.DeepEqual(got.Spacing, expected.Spacing) {
		t.Errorf("expected spacing %v, got %v\n", expected.Spacing, got.Spacing)
	}
	if len(got.Data) != len(expected.Data) {
		t.Fatalf("expected %d voxels, got %d\n", len(expected.Data), len(got.Data))
	}
	for i := range got.Data {
		if got.Data[i] != expected.Data[i] {
			t.Fatalf("voxel %d: expected %f, got %f\n", i, expected.Data[i], got.Data[i])
		}
	}
}

func TestLoadUncompressed(t *testing.T) {
	for _, dtype := range []int16{DTUint8, DTInt8, DTInt16, DTUint16, DTInt32, DTUint32, DTInt64, DTUint64, DTFloat32, DTFloat64} {
		vol := makeVolume(7, 5, 3)
		path := writeTemp(t, "scan.nii", encodeBytes(t, vol, dtype))
		got, finalPath, err := Load(path)
		if err != nil {
			t.Fatalf("couldn't load %s volume: %v\n", DatatypeName(dtype), err)
		}
		if finalPath != path {
			t.Errorf("uncompressed load moved %s to %s\n", path, finalPath)
		}
		if got.Datatype != dtype {
			t.Errorf("expected datatype %d, got %d\n", dtype, got.Datatype)
		}
		checkSameVolume(t, got, vol)
	}
}

func TestLoadCompressed(t *testing.T) {
	vol := makeVolume(10, 12, 4)
	path := writeTemp(t, "scan.nii.gz", gzipBytes(t, encodeBytes(t, vol, DTInt16)))

	got, finalPath, err := Load(path)
	if err != nil {
		t.Fatalf("couldn't load compressed volume: %v\n", err)
	}
	if finalPath != path {
		t.Errorf("correctly labelled file was moved to %s\n", finalPath)
	}
	checkSameVolume(t, got, vol)

	direct, err := DecodeFile(path, true)
	if err != nil {
		t.Fatalf("couldn't decode compressed volume directly: %v\n", err)
	}
	checkSameVolume(t, got, direct)
}

func TestLoadMislabelled(t *testing.T) {
	vol := makeVolume(6, 6, 6)
	raw := encodeBytes(t, vol, DTFloat32)
	path := writeTemp(t, "scan.nii.gz", raw)

	got, finalPath, err := Load(path)
	if err != nil {
		t.Fatalf("mislabelled file should load after rename: %v\n", err)
	}
	expectedPath := filepath.Join(filepath.Dir(path), "scan.nii")
	if finalPath != expectedPath {
		t.Fatalf("expected file renamed to %s, got %s\n", expectedPath, finalPath)
	}
	if exists(path) {
		t.Errorf("mislabelled file %s still present after rename\n", path)
	}
	if !exists(finalPath) {
		t.Errorf("renamed file %s missing\n", finalPath)
	}

	correct, _, err := Load(writeTemp(t, "scan.nii", raw))
	if err != nil {
		t.Fatalf("couldn't load correctly labelled copy: %v\n", err)
	}
	checkSameVolume(t, got, correct)
}

func TestLoadZeroByteCompressed(t *testing.T) {
	path := writeTemp(t, "scan.nii.gz", nil)
	_, finalPath, err := Load(path)
	if err == nil {
		t.Fatalf("expected load error for zero-byte file\n")
	}
	if !ichseg.IsKind(err, ichseg.KindLoad) {
		t.Errorf("expected load error kind, got %s: %v\n", ichseg.KindOf(err), err)
	}
	if filepath.Base(finalPath) != "scan.nii" || !exists(finalPath) {
		t.Errorf("zero-byte file should have been renamed to scan.nii, got %s\n", finalPath)
	}
}

func TestLoadEmptyGzipPayload(t *testing.T) {
	path := writeTemp(t, "scan.nii.gz", gzipBytes(t, nil))
	_, finalPath, err := Load(path)
	if !ichseg.IsKind(err, ichseg.KindLoad) {
		t.Fatalf("expected load error for empty gzip payload, got %v\n", err)
	}
	if finalPath == path {
		t.Errorf("empty gzip payload is expected to fail the probe and be renamed\n")
	}
}

func TestLoadCorrupt(t *testing.T) {
	path := writeTemp(t, "scan.nii", []byte("this is not a nifti file at all"))
	_, finalPath, err := Load(path)
	if !ichseg.IsKind(err, ichseg.KindLoad) {
		t.Fatalf("expected load error for corrupt file, got %v\n", err)
	}
	if finalPath != path {
		t.Errorf("corrupt uncompressed file should not move, got %s\n", finalPath)
	}

	// Compressed but corrupt inside is decoded once and rejected.
	gzPath := writeTemp(t, "bad.nii.gz", gzipBytes(t, bytes.Repeat([]byte{7}, 1000)))
	_, finalPath, err = Load(gzPath)
	if !ichseg.IsKind(err, ichseg.KindLoad) {
		t.Fatalf("expected load error for corrupt compressed file, got %v\n", err)
	}
	if finalPath != gzPath {
		t.Errorf("genuinely compressed file should not be renamed, got %s\n", finalPath)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "nope.nii"))
	if err == nil || !ichseg.IsKind(err, ichseg.KindInternal) {
		t.Fatalf("expected internal error for missing file, got %v\n", err)
	}
}

func TestTruncated(t *testing.T) {
	raw := encodeBytes(t, makeVolume(8, 8, 8), DTInt16)
	_, err := Decode(bytes.NewReader(raw[:len(raw)-10]))
	if !ichseg.IsKind(err, ichseg.KindLoad) {
		t.Fatalf("expected load error for truncated data, got %v\n", err)
	}
}

// hugeHeader returns a header declaring a 1024 x 1024 x 1024 float64 volume with no
// voxel data after it.
func hugeHeader(t *testing.T) []byte {
	hdr, err := NewHeader(makeVolume(1, 1, 1), DTFloat64)
	if err != nil {
		t.Fatalf("couldn't make header: %v\n", err)
	}
	hdr.Dim[1], hdr.Dim[2], hdr.Dim[3] = 1024, 1024, 1024
	return writeRaw(t, hdr, binary.LittleEndian, nil)
}

func TestHugeDeclaredShape(t *testing.T) {
	raw := hugeHeader(t)
	if len(raw) != MinVoxOffset {
		t.Fatalf("expected %d byte file, got %d\n", MinVoxOffset, len(raw))
	}

	// 8 GiB of decoded voxels is over the default limit.
	_, err := Decode(bytes.NewReader(raw))
	if !ichseg.IsKind(err, ichseg.KindLoad) || !strings.Contains(err.Error(), "limit") {
		t.Errorf("expected load error for shape over the limit, got %v\n", err)
	}

	// Within a larger limit the stream runs out of voxels after the first chunk.
	_, err = DecodeLimit(bytes.NewReader(raw), 16*ichseg.Giga)
	if !ichseg.IsKind(err, ichseg.KindLoad) || !strings.Contains(err.Error(), "truncated") {
		t.Errorf("expected truncated load error, got %v\n", err)
	}

	// An uncompressed file is checked against its size before reading voxels.
	path := writeTemp(t, "huge.nii", raw)
	_, finalPath, err := LoadLimit(path, 16*ichseg.Giga)
	if !ichseg.IsKind(err, ichseg.KindLoad) || !strings.Contains(err.Error(), "input holds only 352 bytes") {
		t.Errorf("expected file size load error, got %v\n", err)
	}
	if finalPath != path {
		t.Errorf("uncompressed file should not be renamed, got %s\n", finalPath)
	}

	gzPath := writeTemp(t, "huge.nii.gz", gzipBytes(t, raw))
	if _, _, err := LoadLimit(gzPath, 16*ichseg.Giga); !ichseg.IsKind(err, ichseg.KindLoad) {
		t.Errorf("expected load error for compressed header without data, got %v\n", err)
	}
}

func TestDataLimit(t *testing.T) {
	vol := makeVolume(4, 4, 4)
	path := writeTemp(t, "scan.nii", encodeBytes(t, vol, DTUint8))
	if _, _, err := LoadLimit(path, 64*8-1); !ichseg.IsKind(err, ichseg.KindLoad) {
		t.Errorf("expected load error one byte under the limit, got %v\n", err)
	}
	got, _, err := LoadLimit(path, 64*8)
	if err != nil {
		t.Fatalf("volume at the limit should load: %v\n", err)
	}
	checkSameVolume(t, got, vol)
}

// A volume spanning several read chunks decodes every voxel.
func TestChunkedRead(t *testing.T) {
	vol := makeVolume(256, 256, 20)
	got, err := Decode(bytes.NewReader(encodeBytes(t, vol, DTInt16)))
	if err != nil {
		t.Fatalf("couldn't decode multi-chunk volume: %v\n", err)
	}
	if !reflect.DeepEqual(got.Data, vol.Data) {
		t.Errorf("multi-chunk decode changed voxel values\n")
	}
}

func writeRaw(t *testing.T, hdr *Header, order binary.ByteOrder, values []float64) []byte {
	var buf bytes.Buffer
	if err := hdr.Write(&buf, order); err != nil {
		t.Fatalf("couldn't write header: %v\n", err)
	}
	buf.Write(make([]byte, hdr.DataOffset()-HeaderSize))
	dt := datatypes[hdr.Datatype]
	b := make([]byte, dt.size)
	for _, v := range values {
		dt.put(b, order, v)
		buf.Write(b)
	}
	return buf.Bytes()
}

func TestBigEndian(t *testing.T) {
	vol := makeVolume(4, 3, 2)
	hdr, err := NewHeader(vol, DTInt32)
	if err != nil {
		t.Fatalf("couldn't make header: %v\n", err)
	}
	got, err := Decode(bytes.NewReader(writeRaw(t, hdr, binary.BigEndian, vol.Data)))
	if err != nil {
		t.Fatalf("couldn't decode big-endian volume: %v\n", err)
	}
	checkSameVolume(t, got, vol)
}

func TestScaling(t *testing.T) {
	vol := makeVolume(3, 3, 3)
	hdr, err := NewHeader(vol, DTInt16)
	if err != nil {
		t.Fatalf("couldn't make header: %v\n", err)
	}
	hdr.SclSlope = 2
	hdr.SclInter = -1
	hdr.VoxOffset = 400
	got, err := Decode(bytes.NewReader(writeRaw(t, hdr, binary.LittleEndian, vol.Data)))
	if err != nil {
		t.Fatalf("couldn't decode scaled volume: %v\n", err)
	}
	for i, v := range got.Data {
		if expected := vol.Data[i]*2 - 1; v != expected {
			t.Fatalf("voxel %d: expected %f, got %f\n", i, expected, v)
		}
	}

	hdr.SclSlope = float32(math.NaN())
	got, err = Decode(bytes.NewReader(writeRaw(t, hdr, binary.LittleEndian, vol.Data)))
	if err != nil {
		t.Fatalf("couldn't decode volume with NaN slope: %v\n", err)
	}
	checkSameVolume(t, got, vol)
}

func TestUnsupportedHeaders(t *testing.T) {
	vol := makeVolume(2, 2, 2)
	tests := map[string]func(h *Header){
		"complex datatype": func(h *Header) { h.Datatype = 32 },
		"zero dims":        func(h *Header) { h.Dim[0] = 0 },
		"eight dims":       func(h *Header) { h.Dim[0] = 8 },
		"negative extent":  func(h *Header) { h.Dim[2] = -4 },
		"pair magic":       func(h *Header) { h.Magic = MagicPair },
		"bad magic":        func(h *Header) { h.Magic = [4]byte{'x', 'y', 'z', 0} },
		"bitpix mismatch":  func(h *Header) { h.Bitpix = 16 },
	}
	for name, modify := range tests {
		hdr, err := NewHeader(vol, DTUint8)
		if err != nil {
			t.Fatalf("couldn't make header: %v\n", err)
		}
		modify(hdr)
		var buf bytes.Buffer
		hdr.Write(&buf, binary.LittleEndian)
		buf.Write(make([]byte, 64))
		if _, err := Decode(&buf); !ichseg.IsKind(err, ichseg.KindLoad) {
			t.Errorf("%s: expected load error, got %v\n", name, err)
		}
	}
}

func TestZeroExtent(t *testing.T) {
	vol := &ichseg.Volume{Shape: []int{10, 10, 0}, Spacing: []float64{1, 1, 1}}
	got, err := Decode(bytes.NewReader(encodeBytes(t, vol, DTFloat32)))
	if err != nil {
		t.Fatalf("zero extent volume should decode: %v\n", err)
	}
	if got.NumVoxels() != 0 || len(got.Data) != 0 {
		t.Errorf("expected empty volume, got %d voxels\n", got.NumVoxels())
	}
}

func TestAffine(t *testing.T) {
	vol := makeVolume(4, 6, 8)
	hdr, err := NewHeader(vol, DTUint8)
	if err != nil {
		t.Fatalf("couldn't make header: %v\n", err)
	}
	if !mat.Equal(hdr.Affine(), vol.Affine) {
		t.Errorf("sform affine mismatch:\n%v\n", mat.Formatted(hdr.Affine()))
	}

	// Identity quaternion scales by the spacing and translates by the offsets.
	hdr.SformCode = XformUnknown
	hdr.QformCode = XformScanner
	hdr.QoffsetX, hdr.QoffsetY, hdr.QoffsetZ = 1, 2, 3
	expected := mat.NewDense(4, 4, []float64{0.5, 0, 0, 1, 0, 0.75, 0, 2, 0, 0, 2, 3, 0, 0, 0, 1})
	if !mat.EqualApprox(hdr.Affine(), expected, 1e-6) {
		t.Errorf("qform affine mismatch:\n%v\n", mat.Formatted(hdr.Affine()))
	}

	hdr.Pixdim[0] = -1
	expected.Set(2, 2, -2)
	if !mat.EqualApprox(hdr.Affine(), expected, 1e-6) {
		t.Errorf("qform affine with qfac -1 mismatch:\n%v\n", mat.Formatted(hdr.Affine()))
	}

	// Without transforms the volume is centered with x flipped.
	hdr.QformCode = XformUnknown
	expected = mat.NewDense(4, 4, []float64{-0.5, 0, 0, 0.75, 0, 0.75, 0, -1.875, 0, 0, 2, -7, 0, 0, 0, 1})
	if !mat.EqualApprox(hdr.Affine(), expected, 1e-6) {
		t.Errorf("base affine mismatch:\n%v\n", mat.Formatted(hdr.Affine()))
	}
}

func TestWriteFileCompressed(t *testing.T) {
	vol := makeVolume(5, 5, 5)
	path := filepath.Join(t.TempDir(), "mask.nii.gz")
	if err := WriteFile(path, vol, DTUint8); err != nil {
		t.Fatalf("couldn't write %s: %v\n", path, err)
	}
	compressed, err := probeGzip(path)
	if err != nil || !compressed {
		t.Fatalf("written .nii.gz should be gzip compressed (err %v)\n", err)
	}
	got, finalPath, err := Load(path)
	if err != nil {
		t.Fatalf("couldn't reload written mask: %v\n", err)
	}
	if finalPath != path {
		t.Errorf("written mask was renamed to %s\n", finalPath)
	}
	checkSameVolume(t, got, vol)
	if !mat.Equal(got.Affine, vol.Affine) {
		t.Errorf("affine not preserved:\n%v\n", mat.Formatted(got.Affine))
	}
}

func TestSuffixes(t *testing.T) {
	if TempSuffix("brain.nii.gz") != GzSuffix || TempSuffix("brain.gz") != GzSuffix {
		t.Errorf("names ending in .gz should be stored as %s\n", GzSuffix)
	}
	if TempSuffix("brain.nii") != Suffix || TempSuffix("brain") != Suffix {
		t.Errorf("names not ending in .gz should be stored as %s\n", Suffix)
	}
	if StripSuffix("/tmp/abc.nii.gz") != "/tmp/abc" || StripSuffix("/tmp/abc.nii") != "/tmp/abc" {
		t.Errorf("bad suffix stripping\n")
	}
}
