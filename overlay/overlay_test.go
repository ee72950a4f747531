package overlay

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/janelia-flyem/ichseg/ichseg"
	"github.com/janelia-flyem/ichseg/segment"
)

func closeTo(got color.Color, expected color.RGBA) bool {
	r, g, b, _ := got.RGBA()
	diff := func(a uint32, e uint8) bool {
		d := int(a>>8) - int(e)
		return d >= -1 && d <= 1
	}
	return diff(r, expected.R) && diff(g, expected.G) && diff(b, expected.B)
}

// testVolume is 2 x 2 x 3 with a bright mid slice except at (0,0) and its mask set at (1,1).
func testVolume() (*ichseg.Volume, *segment.Mask) {
	vol := &ichseg.Volume{Shape: []int{2, 2, 3}, Spacing: []float64{1, 1, 1}, Data: make([]float64, 12)}
	mask := &segment.Mask{Shape: vol.Shape, Data: make([]uint8, 12)}
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			vol.Data[vol.Index(i, j, 1)] = 10
		}
	}
	vol.Data[vol.Index(0, 0, 1)] = 0
	mask.Data[vol.Index(1, 1, 1)] = 1
	mask.Count = 1
	return vol, mask
}

func TestColormaps(t *testing.T) {
	if c := Reds.At(0); c != (color.RGBA{255, 245, 240, 255}) {
		t.Errorf("Reds(0) expected #fff5f0, got %v\n", c)
	}
	if c := Reds.At(1); c != (color.RGBA{103, 0, 13, 255}) {
		t.Errorf("Reds(1) expected #67000d, got %v\n", c)
	}
	if c := Reds.At(2); c != Reds.At(1) {
		t.Errorf("values above 1 should clamp, got %v\n", c)
	}
	if c := Gray.At(0.5); !closeTo(c, color.RGBA{128, 128, 128, 255}) {
		t.Errorf("Gray(0.5) expected mid gray, got %v\n", c)
	}
}

func TestMidSlice(t *testing.T) {
	if _, err := MidSlice(&ichseg.Volume{Shape: []int{4, 4}, Data: make([]float64, 16)}); !ichseg.IsKind(err, ichseg.KindInvalidVolume) {
		t.Errorf("expected invalid volume for 2-d input, got %v\n", err)
	}
	mid, err := MidSlice(&ichseg.Volume{Shape: []int{4, 4, 5}})
	if err == nil {
		t.Errorf("expected error for volume without voxels, got mid %d\n", mid)
	}
	vol := &ichseg.Volume{Shape: []int{4, 4, 5}, Data: make([]float64, 80)}
	if mid, err := MidSlice(vol); err != nil || mid != 2 {
		t.Errorf("expected mid slice 2, got %d (%v)\n", mid, err)
	}
	short := &ichseg.Volume{Shape: []int{4, 4, 5}, Data: make([]float64, 79)}
	if _, err := MidSlice(short); !ichseg.IsKind(err, ichseg.KindInvalidVolume) {
		t.Errorf("expected invalid volume for short data, got %v\n", err)
	}
	mask := &segment.Mask{Shape: short.Shape}
	if _, err := Render(&ichseg.Volume{Shape: []int{4, 4, 5}}, mask, DefaultOptions()); !ichseg.IsKind(err, ichseg.KindInvalidVolume) {
		t.Errorf("expected render of volume without voxels to fail, got %v\n", err)
	}
}

func TestRenderLayers(t *testing.T) {
	vol, mask := testVolume()

	img, err := Render(vol, mask, Options{Alpha: 0})
	if err != nil {
		t.Fatalf("render: %v\n", err)
	}
	if b := img.Bounds(); b.Dx() != 2 || b.Dy() != 2 {
		t.Fatalf("expected 2x2 overlay, got %v\n", b)
	}
	if !closeTo(img.At(0, 0), color.RGBA{0, 0, 0, 255}) {
		t.Errorf("darkest voxel should be black, got %v\n", img.At(0, 0))
	}
	if !closeTo(img.At(1, 1), color.RGBA{255, 255, 255, 255}) {
		t.Errorf("brightest voxel should be white, got %v\n", img.At(1, 1))
	}

	img, err = Render(vol, mask, Options{Alpha: 1})
	if err != nil {
		t.Fatalf("render: %v\n", err)
	}
	if !closeTo(img.At(1, 1), color.RGBA{103, 0, 13, 255}) {
		t.Errorf("masked voxel should be dark red, got %v\n", img.At(1, 1))
	}
	if !closeTo(img.At(0, 1), color.RGBA{255, 245, 240, 255}) {
		t.Errorf("unmasked voxel should be near white, got %v\n", img.At(0, 1))
	}
}

func TestRenderOrientation(t *testing.T) {
	vol := &ichseg.Volume{Shape: []int{6, 4, 1}, Spacing: []float64{1, 1, 1}, Data: make([]float64, 24)}
	vol.Data[vol.Index(5, 0, 0)] = 1
	mask := &segment.Mask{Shape: vol.Shape, Data: make([]uint8, 24)}

	img, err := Render(vol, mask, Options{Alpha: 0})
	if err != nil {
		t.Fatalf("render: %v\n", err)
	}
	if b := img.Bounds(); b.Dx() != 4 || b.Dy() != 6 {
		t.Fatalf("expected rows along the first axis (4x6), got %v\n", b)
	}
	if !closeTo(img.At(0, 5), color.RGBA{255, 255, 255, 255}) {
		t.Errorf("voxel (5,0) should be drawn at row 5, column 0\n")
	}

	img, err = Render(vol, mask, Options{Size: 60, Alpha: DefaultAlpha})
	if err != nil {
		t.Fatalf("render: %v\n", err)
	}
	if b := img.Bounds(); b.Dx() != 40 || b.Dy() != 60 {
		t.Errorf("expected 40x60 after resize, got %v\n", b)
	}
}

func TestRenderErrors(t *testing.T) {
	vol, mask := testVolume()
	if _, err := Render(vol, &segment.Mask{Data: make([]uint8, 3)}, DefaultOptions()); err == nil {
		t.Errorf("expected error for mismatched mask\n")
	}
	if _, err := Render(vol, mask, Options{Alpha: 2}); err == nil {
		t.Errorf("expected error for alpha outside [0, 1]\n")
	}
}

func TestWriteFile(t *testing.T) {
	vol, mask := testVolume()
	img, err := Render(vol, mask, DefaultOptions())
	if err != nil {
		t.Fatalf("render: %v\n", err)
	}
	path := filepath.Join(t.TempDir(), "scan_overlay.png")
	if err := WriteFile(path, img); err != nil {
		t.Fatalf("write: %v\n", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v\n", err)
	}
	defer f.Close()
	decoded, err := png.Decode(f)
	if err != nil {
		t.Fatalf("overlay is not a PNG: %v\n", err)
	}
	if decoded.Bounds() != image.Rect(0, 0, DefaultSize, DefaultSize) {
		t.Errorf("expected %dx%d PNG, got %v\n", DefaultSize, DefaultSize, decoded.Bounds())
	}
}
