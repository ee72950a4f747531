package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	humanize "github.com/dustin/go-humanize"
	"github.com/twinj/uuid"

	"github.com/janelia-flyem/ichseg/ichseg"
	"github.com/janelia-flyem/ichseg/nifti"
)

// UploadField is the multipart form field holding the NIfTI file.
const UploadField = "file"

// upload is a client file staged on local disk.
type upload struct {
	// filename is the name supplied by the client.
	filename string

	// path is where the staged file currently lives.  Loading may rename it.
	path string

	size int64

	// release tells the service the upload is no longer in use.
	release func()
}

// remove deletes the staged file wherever it now lives.
func (up *upload) remove() {
	if err := os.Remove(up.path); err != nil && !os.IsNotExist(err) {
		ichseg.Errorf("Unable to remove staged upload %s: %v\n", up.path, err)
	}
	if up.release != nil {
		up.release()
		up.release = nil
	}
}

// stagingWriter tags failures writing the staging file as internal so they are not
// mistaken for a bad request body.
type stagingWriter struct {
	f *os.File
}

func (w stagingWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if err != nil {
		return n, ichseg.NewError(ichseg.KindInternal, "writing staging file: %w", err)
	}
	return n, nil
}

// track marks the staged upload id as in use until the returned function is called.
func (s *Service) track(id string) func() {
	s.mu.Lock()
	s.staged[id] = struct{}{}
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.staged, id)
		s.mu.Unlock()
	}
}

// inUse returns true if name in the upload directory belongs to a request in flight.
func (s *Service) inUse(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, found := s.staged[nifti.StripSuffix(name)]
	return found
}

// stage copies src into a new file in the upload directory, named by a fresh id and
// carrying the NIfTI suffix the client's filename declares.
func (s *Service) stage(src io.Reader, filename string) (*upload, error) {
	id := fmt.Sprintf("%x", uuid.NewV4().Bytes())
	up := &upload{
		filename: filename,
		path:     filepath.Join(s.config.Storage.UploadDir, id+nifti.TempSuffix(filename)),
		release:  s.track(id),
	}
	f, err := os.OpenFile(up.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		up.release()
		return nil, ichseg.NewError(ichseg.KindInternal, "can't create staging file: %w", err)
	}
	up.size, err = io.Copy(stagingWriter{f}, src)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = ichseg.WrapError(ichseg.KindInternal, cerr)
	}
	if err != nil {
		up.remove()
		return nil, uploadError(err)
	}
	ichseg.Debugf("Staged %q (%s) at %s\n", filename, humanize.Bytes(uint64(up.size)), up.path)
	return up, nil
}

// receiveUpload streams the multipart "file" field of the request to disk.  The request
// body is limited to the configured maximum upload size.
func (s *Service) receiveUpload(w http.ResponseWriter, r *http.Request) (*upload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes())
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, ichseg.NewError(ichseg.KindBadRequest, "expected multipart/form-data upload: %v", err)
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, ichseg.NewError(ichseg.KindBadRequest, "no %q field in upload", UploadField)
		}
		if err != nil {
			return nil, uploadError(err)
		}
		if part.FormName() != UploadField {
			part.Close()
			continue
		}
		filename := part.FileName()
		if ichseg.Verbose {
			ichseg.Debugf("Upload part %q headers: %v\n", filename, part.Header)
		}
		if err := s.checkFilename(filename); err != nil {
			part.Close()
			return nil, err
		}
		up, err := s.stage(part, filename)
		part.Close()
		if err != nil {
			return nil, err
		}
		ichseg.Infof("Received %q, %s\n", filename, humanize.Bytes(uint64(up.size)))
		return up, nil
	}
}

func (s *Service) checkFilename(filename string) error {
	if filename == "" {
		return ichseg.NewError(ichseg.KindBadRequest, "%q field must be a file with a name", UploadField)
	}
	if !s.config.AllowedName(filename) {
		return ichseg.NewError(ichseg.KindUnsupported, "unsupported file %q, name must end in one of: %s",
			filename, strings.Join(s.config.Server.AllowedSuffixes, ", "))
	}
	return nil
}

// uploadError classifies a failure reading the request body.  Errors already tagged,
// like those of stagingWriter, keep their kind.
func uploadError(err error) error {
	var tooLarge *http.MaxBytesError
	var tagged *ichseg.Error
	switch {
	case errors.As(err, &tooLarge):
		return ichseg.NewError(ichseg.KindTooLarge, "upload exceeds %s limit", humanize.Bytes(uint64(tooLarge.Limit)))
	case errors.As(err, &tagged):
		return err
	default:
		return ichseg.NewError(ichseg.KindBadRequest, "reading upload: %v", err)
	}
}
