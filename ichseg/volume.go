package ichseg

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// MaxDims is the maximum number of dimensions a NIfTI-1 volume can declare.
const MaxDims = 7

// Volume is a decoded N-d array of voxel intensities plus its spatial metadata.
// Data is held in file order, i.e., the first index varies fastest.
type Volume struct {
	// Shape is the extent along each declared dimension.
	Shape []int

	// Spacing is the physical size of a voxel along each dimension, usually in mm.
	// It always has the same length as Shape.
	Spacing []float64

	// Affine maps (i, j, k, 1) voxel indices to physical coordinates.
	Affine *mat.Dense

	// Datatype is the NIfTI datatype code the intensities were stored as.
	Datatype int16

	// Data holds intensities after any slope/intercept scaling.
	Data []float64
}

// NumVoxels returns the product of the shape, which is 0 for a degenerate shape.
func (v *Volume) NumVoxels() int {
	if len(v.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range v.Shape {
		n *= d
	}
	return n
}

// NumDims returns the number of declared dimensions.
func (v *Volume) NumDims() int {
	return len(v.Shape)
}

// SpatialSpacing returns the spacing of the first (up to) three axes.
func (v *Volume) SpatialSpacing() []float64 {
	n := len(v.Spacing)
	if n > 3 {
		n = 3
	}
	return v.Spacing[:n]
}

// VoxelVolume returns the physical volume of one voxel, the product of the spatial spacing.
// For millimeter units the result is in cubic millimeters.
func (v *Volume) VoxelVolume() float64 {
	spacing := v.SpatialSpacing()
	if len(spacing) == 0 {
		return 0
	}
	return floats.Prod(spacing)
}

// Index returns the position within Data of voxel (i, j, k), with all higher
// dimensions fixed at zero.
func (v *Volume) Index(i, j, k int) int {
	nx, ny := v.dim(0), v.dim(1)
	return (k*ny+j)*nx + i
}

// At returns the intensity at (i, j, k).
func (v *Volume) At(i, j, k int) float64 {
	return v.Data[v.Index(i, j, k)]
}

func (v *Volume) dim(axis int) int {
	if axis < len(v.Shape) {
		return v.Shape[axis]
	}
	return 1
}

// VoxelToWorld maps a voxel index to physical coordinates through the affine.
func (v *Volume) VoxelToWorld(i, j, k float64) [3]float64 {
	var world mat.VecDense
	world.MulVec(v.Affine, mat.NewVecDense(4, []float64{i, j, k, 1}))
	return [3]float64{world.AtVec(0), world.AtVec(1), world.AtVec(2)}
}

func (v *Volume) String() string {
	return fmt.Sprintf("volume %v (spacing %v, datatype %d)", v.Shape, v.Spacing, v.Datatype)
}
