/*
	Package ichseg provides types, constants, and functions that have no other dependencies
	and can be used by all packages within the ICH segmentation service.  This includes the
	decoded Volume, the error kinds shared by the loader, segmenter and web layer, and
	the package-level leveled logger.
*/
package ichseg
