/*
	Package overlay renders the middle axial slice of a volume in grayscale with its
	segmentation mask blended on top, as a quick visual check of a placeholder result.
*/
package overlay

import (
	"fmt"
	"image"

	"github.com/anthonynsimon/bild/blend"
	"github.com/disintegration/imaging"

	"github.com/janelia-flyem/ichseg/ichseg"
	"github.com/janelia-flyem/ichseg/segment"
)

const (
	// DefaultSize is the longest side of a rendered overlay in pixels.
	DefaultSize = 600

	// DefaultAlpha is the opacity of the mask layer.
	DefaultAlpha = 0.5
)

// Options controls overlay rendering.
type Options struct {
	// Size is the longest side of the output in pixels.  Zero keeps one pixel per voxel.
	Size int

	// Alpha is the opacity of the mask over the intensity slice, in [0, 1].
	Alpha float64
}

// DefaultOptions returns the standard 600 pixel, half opacity rendering.
func DefaultOptions() Options {
	return Options{Size: DefaultSize, Alpha: DefaultAlpha}
}

// MidSlice returns the index of the middle slice along the third axis.
func MidSlice(vol *ichseg.Volume) (int, error) {
	if vol.NumDims() < 3 {
		return 0, ichseg.NewError(ichseg.KindInvalidVolume, "overlay needs a 3-d volume, got shape %v", vol.Shape)
	}
	if vol.NumVoxels() == 0 {
		return 0, ichseg.NewError(ichseg.KindInvalidVolume, "overlay of empty volume %v", vol.Shape)
	}
	if len(vol.Data) != vol.NumVoxels() {
		return 0, ichseg.NewError(ichseg.KindInvalidVolume, "volume %v holds %d voxels", vol.Shape, len(vol.Data))
	}
	return vol.Shape[2] / 2, nil
}

// Render draws slice data[:, :, mid] with the mask slice over it.  Image rows follow
// the first axis and columns the second.  Each layer is scaled to its own slice range.
func Render(vol *ichseg.Volume, mask *segment.Mask, opts Options) (image.Image, error) {
	mid, err := MidSlice(vol)
	if err != nil {
		return nil, err
	}
	if len(mask.Data) != len(vol.Data) {
		return nil, fmt.Errorf("mask has %d voxels, volume %d", len(mask.Data), len(vol.Data))
	}
	if opts.Alpha < 0 || opts.Alpha > 1 {
		return nil, fmt.Errorf("overlay alpha %g outside [0, 1]", opts.Alpha)
	}
	rows, cols := vol.Shape[0], vol.Shape[1]

	intensity := make([]float64, rows*cols)
	labels := make([]float64, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			intensity[i*cols+j] = vol.At(i, j, mid)
			labels[i*cols+j] = float64(mask.Data[vol.Index(i, j, mid)])
		}
	}

	bounds := image.Rect(0, 0, cols, rows)
	bg := image.NewRGBA(bounds)
	fg := image.NewRGBA(bounds)
	grayNorm, maskNorm := newNormalizer(intensity), newNormalizer(labels)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			bg.SetRGBA(x, y, Gray.At(grayNorm.scale(intensity[y*cols+x])))
			fg.SetRGBA(x, y, Reds.At(maskNorm.scale(labels[y*cols+x])))
		}
	}
	var img image.Image = blend.Opacity(bg, fg, opts.Alpha)

	if opts.Size > 0 {
		if cols >= rows {
			img = imaging.Resize(img, opts.Size, 0, imaging.NearestNeighbor)
		} else {
			img = imaging.Resize(img, 0, opts.Size, imaging.NearestNeighbor)
		}
	}
	return img, nil
}

// WriteFile saves img as a PNG at path.
func WriteFile(path string, img image.Image) error {
	if err := imaging.Save(img, path); err != nil {
		return fmt.Errorf("saving overlay %s: %v", path, err)
	}
	return nil
}
