/*
	Package segment implements the placeholder intensity-threshold segmentation: voxels
	brighter than a fixed percentile of the whole volume are marked as hemorrhage.
*/
package segment

import (
	"context"
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"

	"github.com/janelia-flyem/ichseg/ichseg"
)

// DefaultPercentile is the intensity percentile above which voxels are masked.
const DefaultPercentile = 99.0

// Mask is a binary segmentation with the same shape as the volume it came from.
type Mask struct {
	Shape []int

	// Data holds 0 or 1 per voxel in the volume's file order.
	Data []uint8

	// Threshold is the percentile value voxels had to exceed.
	Threshold float64

	// Count is the number of positive voxels.
	Count int
}

// Percentile returns the p-th percentile of data, interpolating linearly between the
// two nearest ranks as NumPy does by default.  Any NaN in data gives NaN.  Empty data
// is an invalid volume.
func Percentile(data []float64, p float64) (float64, error) {
	if len(data) == 0 {
		return 0, ichseg.NewError(ichseg.KindInvalidVolume, "percentile of empty volume is undefined")
	}
	if p < 0 || p > 100 || math.IsNaN(p) {
		return 0, fmt.Errorf("percentile %g outside [0, 100]", p)
	}
	if floats.HasNaN(data) {
		return math.NaN(), nil
	}
	sorted := slices.Clone(data)
	slices.Sort(sorted)

	pos := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac, nil
}

// Threshold marks every voxel of vol strictly greater than its p-th percentile.
func Threshold(ctx context.Context, vol *ichseg.Volume, p float64) (*Mask, error) {
	if vol.NumVoxels() == 0 || len(vol.Data) == 0 {
		return nil, ichseg.NewError(ichseg.KindInvalidVolume, "volume with shape %v has no voxels", vol.Shape)
	}
	threshold, err := Percentile(vol.Data, p)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mask := &Mask{
		Shape:     slices.Clone(vol.Shape),
		Data:      make([]uint8, len(vol.Data)),
		Threshold: threshold,
	}
	for i, v := range vol.Data {
		if v > threshold {
			mask.Data[i] = 1
			mask.Count++
		}
	}
	ichseg.Debugf("Threshold %g at percentile %g selected %d of %d voxels\n",
		threshold, p, mask.Count, len(vol.Data))
	return mask, nil
}

// VolumeML returns the physical volume of the mask in milliliters, rounded to 3
// decimals, assuming vol's spacing is in millimeters.
func (m *Mask) VolumeML(vol *ichseg.Volume) float64 {
	cubicMM := float64(m.Count) * vol.VoxelVolume()
	return Round(cubicMM/1000, 3)
}

// Volume returns the mask as a volume carrying vol's spacing and affine, ready to be
// written as an image.
func (m *Mask) Volume(vol *ichseg.Volume) *ichseg.Volume {
	data := make([]float64, len(m.Data))
	for i, v := range m.Data {
		data[i] = float64(v)
	}
	return &ichseg.Volume{
		Shape:   slices.Clone(m.Shape),
		Spacing: slices.Clone(vol.Spacing),
		Affine:  vol.Affine,
		Data:    data,
	}
}

// Round rounds v half away from zero to the given number of decimal places.
func Round(v float64, decimals int) float64 {
	scale := math.Pow(10, float64(decimals))
	return math.Round(v*scale) / scale
}
