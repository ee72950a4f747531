/*
	Package nifti reads and writes single-file NIfTI-1 images and normalizes uploads
	whose ".gz" suffix does not match their contents.

	Voxel data are returned as float64 in file order, with scl_slope/scl_inter applied.
	The affine is taken from the sform, then the qform, then built from the shape and
	voxel spacing.  Two-file (.hdr/.img) images, NIfTI-2, and complex or RGB datatypes
	are rejected as load errors.
*/
package nifti
