/*
Package server provides the HTTP interface to ICH segmentation.  Uploaded NIfTI images
are staged in a temporary file, loaded with the gzip mislabelling correction of package
nifti, and thresholded by package segment.  The /inference endpoint also writes a mask
image and an overlay PNG that are kept in an artifact directory for a configurable time.

	GET    /                       health check
	POST   /segment                multipart "file" upload, returns shape and ICH volume
	POST   /inference              as /segment but also writes mask and overlay artifacts
	GET    /artifacts/:id/mask     returns the mask of an /inference call
	GET    /artifacts/:id/overlay  returns the overlay PNG of an /inference call
	DELETE /artifacts/:id          removes the artifacts of an /inference call
	GET    /api/server/info        server settings as JSON

Errors are returned as JSON of the form {"error": "message"} with a status chosen by
the ichseg.ErrorKind of the failure.
*/
package server
