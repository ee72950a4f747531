package server

import (
	"context"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/janelia-flyem/ichseg/ichseg"
	"github.com/janelia-flyem/ichseg/nifti"
	"github.com/janelia-flyem/ichseg/overlay"
	"github.com/janelia-flyem/ichseg/segment"
)

// Messages returned by the endpoints.
const (
	RootMessage     = "ICH segmentation POC API is running."
	SegmentStatus   = "Segmentation complete (placeholder model)."
	InferenceStatus = "Inference complete (placeholder)"
)

// SegmentResult is the response of a /segment request.
type SegmentResult struct {
	Filename string  `json:"filename"`
	Shape    []int   `json:"shape"`
	VolumeML float64 `json:"ICH_volume_ml"`
	Status   string  `json:"status"`
}

// InferenceResult is the response of an /inference request.
type InferenceResult struct {
	ID          string `json:"id"`
	MaskFile    string `json:"mask_file"`
	OverlayFile string `json:"overlay_file"`
	Shape       []int  `json:"shape"`
	Status      string `json:"status"`
}

// threshold loads a staged upload and computes its mask.  The upload's path is updated
// if loading renamed the file.
func (s *Service) threshold(ctx context.Context, up *upload) (*ichseg.Volume, *segment.Mask, error) {
	vol, path, err := nifti.LoadLimit(up.path, s.config.MaxVoxelBytes())
	up.path = path
	if err != nil {
		return nil, nil, err
	}
	mask, err := segment.Threshold(ctx, vol, s.config.Segment.Percentile)
	if err != nil {
		return nil, nil, err
	}
	ichseg.Debugf("%s: %s, threshold %g selects %d voxels\n", up.filename, vol, mask.Threshold, mask.Count)
	return vol, mask, nil
}

// segmentUpload returns summary statistics for a staged upload.
func (s *Service) segmentUpload(ctx context.Context, up *upload) (*SegmentResult, error) {
	vol, mask, err := s.threshold(ctx, up)
	if err != nil {
		return nil, err
	}
	return &SegmentResult{
		Filename: up.filename,
		Shape:    vol.Shape,
		VolumeML: mask.VolumeML(vol),
		Status:   SegmentStatus,
	}, nil
}

// inferUpload writes the mask and overlay of a staged upload and registers them as
// an artifact.  Either both files are kept or neither is.
func (s *Service) inferUpload(ctx context.Context, up *upload) (*InferenceResult, error) {
	vol, mask, err := s.threshold(ctx, up)
	if err != nil {
		return nil, err
	}
	if _, err := overlay.MidSlice(vol); err != nil {
		return nil, err
	}

	art := s.artifacts.New(up.path)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := nifti.WriteFile(art.MaskFile, mask.Volume(vol), nifti.DTUint8); err != nil {
			return ichseg.NewError(ichseg.KindInternal, "writing mask: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		img, err := overlay.Render(vol, mask, s.config.OverlayOptions())
		if err != nil {
			return err
		}
		if err := gctx.Err(); err != nil {
			return err
		}
		if err := overlay.WriteFile(art.OverlayFile, img); err != nil {
			return ichseg.NewError(ichseg.KindInternal, "writing overlay: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		s.artifacts.Discard(art)
		return nil, err
	}
	if err := s.artifacts.Register(art); err != nil {
		s.artifacts.Discard(art)
		return nil, err
	}
	ichseg.Infof("Wrote artifacts %s and %s\n", art.MaskFile, art.OverlayFile)
	return &InferenceResult{
		ID:          art.ID,
		MaskFile:    art.MaskFile,
		OverlayFile: art.OverlayFile,
		Shape:       vol.Shape,
		Status:      InferenceStatus,
	}, nil
}

// SegmentFile runs the /segment pipeline on a local file.  The file is copied to the
// upload directory first so that a mislabelled file is never renamed in place.
func (s *Service) SegmentFile(ctx context.Context, path string) (*SegmentResult, error) {
	up, err := s.stageFile(path)
	if err != nil {
		return nil, err
	}
	defer up.remove()
	return s.segmentUpload(ctx, up)
}

// InferFile runs the /inference pipeline on a local file.
func (s *Service) InferFile(ctx context.Context, path string) (*InferenceResult, error) {
	up, err := s.stageFile(path)
	if err != nil {
		return nil, err
	}
	defer up.remove()
	return s.inferUpload(ctx, up)
}

func (s *Service) stageFile(path string) (*upload, error) {
	if err := s.checkFilename(path); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ichseg.NewError(ichseg.KindNotFound, "no file %q", path)
		}
		return nil, ichseg.WrapError(ichseg.KindInternal, err)
	}
	defer f.Close()
	return s.stage(f, filepath.Base(path))
}
