package nifti

import (
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/janelia-flyem/ichseg/ichseg"
)

const (
	// Suffix is the extension of an uncompressed single-file NIfTI image.
	Suffix = ".nii"

	// CompressedSuffix marks a gzip compressed file.
	CompressedSuffix = ".gz"

	// GzSuffix is the extension of a gzip compressed NIfTI image.
	GzSuffix = Suffix + CompressedSuffix
)

// IsCompressedName returns true if the name declares gzip compression.
func IsCompressedName(name string) bool {
	return strings.HasSuffix(name, CompressedSuffix)
}

// Load decodes the NIfTI file at path, trusting the ".gz" suffix only after a gzip
// reader yields a byte.  A file declared compressed that fails this probe is renamed
// in place without the ".gz" suffix and decoded uncompressed.  There is at most one
// such correction; a decode failure afterwards is returned as a load error.
//
// The returned path is where the file lives after Load, which differs from path when
// the file was renamed and is valid even when an error is returned.
//
// A zero-length gzip payload also fails the probe.  It is renamed and then rejected
// by the uncompressed decoder.
func Load(path string) (*ichseg.Volume, string, error) {
	return LoadLimit(path, DefaultMaxDataBytes)
}

// LoadLimit is like Load but rejects images whose decoded voxels need more than
// maxDataBytes.
func LoadLimit(path string, maxDataBytes int64) (*ichseg.Volume, string, error) {
	if !IsCompressedName(path) {
		vol, err := DecodeFileLimit(path, false, maxDataBytes)
		return vol, path, err
	}

	compressed, err := probeGzip(path)
	if err != nil {
		return nil, path, err
	}
	if compressed {
		vol, err := DecodeFileLimit(path, true, maxDataBytes)
		return vol, path, err
	}

	renamed := strings.TrimSuffix(path, CompressedSuffix)
	ichseg.Infof("%s is not gzip compressed, renaming to %s\n", path, renamed)
	if err := os.Rename(path, renamed); err != nil {
		return nil, path, ichseg.NewError(ichseg.KindInternal, "renaming mislabelled %s: %w", path, err)
	}
	vol, err := DecodeFileLimit(renamed, false, maxDataBytes)
	return vol, renamed, err
}

// probeGzip reads one byte through a gzip reader.  It returns false if the stream is
// rejected or holds no data, and an error only if the file can't be opened.
func probeGzip(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, ichseg.WrapError(ichseg.KindInternal, err)
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		ichseg.Debugf("gzip probe of %s: %v\n", path, err)
		return false, nil
	}
	defer zr.Close()

	var b [1]byte
	if _, err := io.ReadFull(zr, b[:]); err != nil {
		ichseg.Debugf("gzip probe of %s: %v\n", path, err)
		return false, nil
	}
	return true, nil
}

// TempSuffix returns the suffix an upload named filename is stored under.
func TempSuffix(filename string) string {
	if IsCompressedName(filename) {
		return GzSuffix
	}
	return Suffix
}

// StripSuffix removes a trailing ".nii" or ".nii.gz" from name.
func StripSuffix(name string) string {
	for _, suffix := range []string{GzSuffix, Suffix} {
		if strings.HasSuffix(name, suffix) {
			return strings.TrimSuffix(name, suffix)
		}
	}
	return name
}
