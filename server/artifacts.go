package server

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coocood/freecache"

	"github.com/janelia-flyem/ichseg/ichseg"
	"github.com/janelia-flyem/ichseg/nifti"
)

// Artifact kinds that can be retrieved.
const (
	MaskArtifact    = "mask"
	OverlayArtifact = "overlay"

	maskSuffix    = "_mask" + nifti.GzSuffix
	overlaySuffix = "_overlay.png"
)

// Artifact describes the files written by one inference request.
type Artifact struct {
	ID          string    `json:"id"`
	MaskFile    string    `json:"mask_file"`
	OverlayFile string    `json:"overlay_file"`
	Created     time.Time `json:"created"`

	// Fetched holds the kinds already retrieved.
	Fetched []string `json:"fetched,omitempty"`
}

// Path returns the file of the given artifact kind.
func (a *Artifact) Path(kind string) (string, error) {
	switch kind {
	case MaskArtifact:
		return a.MaskFile, nil
	case OverlayArtifact:
		return a.OverlayFile, nil
	default:
		return "", ichseg.NewError(ichseg.KindNotFound, "no artifact kind %q, use %q or %q", kind, MaskArtifact, OverlayArtifact)
	}
}

func (a *Artifact) fetched(kind string) bool {
	for _, k := range a.Fetched {
		if k == kind {
			return true
		}
	}
	return false
}

// ArtifactStore keeps inference outputs in a directory and an index of them in a
// fixed-size freecache registry.  Entries expire after the TTL.
type ArtifactStore struct {
	dir              string
	ttl              time.Duration
	deleteOnRetrieve bool
	registry         *freecache.Cache

	// mu serializes updates of the fetch bookkeeping and deletions.
	mu sync.Mutex
}

// NewArtifactStore returns a store writing to dir, creating it if needed.  The registry
// uses registryMB megabytes of memory.
func NewArtifactStore(dir string, ttl time.Duration, registryMB int, deleteOnRetrieve bool) (*ArtifactStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, ichseg.NewError(ichseg.KindInternal, "can't create artifact directory %q: %w", dir, err)
	}
	return &ArtifactStore{
		dir:              dir,
		ttl:              ttl,
		deleteOnRetrieve: deleteOnRetrieve,
		registry:         freecache.NewCache(registryMB * ichseg.Mega),
	}, nil
}

// Dir returns the directory holding artifacts.
func (a *ArtifactStore) Dir() string {
	return a.dir
}

// New returns an unregistered artifact whose files are derived from the staged input
// path by replacing its NIfTI suffix.
func (a *ArtifactStore) New(inputPath string) *Artifact {
	id := nifti.StripSuffix(filepath.Base(inputPath))
	return &Artifact{
		ID:          id,
		MaskFile:    filepath.Join(a.dir, id+maskSuffix),
		OverlayFile: filepath.Join(a.dir, id+overlaySuffix),
		Created:     time.Now(),
	}
}

// expireSeconds converts the TTL to freecache's granularity where 0 never expires.
func (a *ArtifactStore) expireSeconds() int {
	if a.ttl <= 0 {
		return 0
	}
	secs := int(a.ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Register records an artifact whose files have been written.
func (a *ArtifactStore) Register(art *Artifact) error {
	value, err := json.Marshal(art)
	if err != nil {
		return ichseg.WrapError(ichseg.KindInternal, err)
	}
	if err := a.registry.Set([]byte(art.ID), value, a.expireSeconds()); err != nil {
		return ichseg.NewError(ichseg.KindInternal, "registering artifact %s: %w", art.ID, err)
	}
	return nil
}

// Get returns a registered artifact.  If the registry no longer holds the id, for
// example after a restart, unexpired files on disk are still found.
func (a *ArtifactStore) Get(id string) (*Artifact, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return nil, ichseg.NewError(ichseg.KindNotFound, "bad artifact id %q", id)
	}
	value, err := a.registry.Get([]byte(id))
	switch {
	case err == nil:
		var art Artifact
		if err := json.Unmarshal(value, &art); err != nil {
			return nil, ichseg.WrapError(ichseg.KindInternal, err)
		}
		return &art, nil
	case errors.Is(err, freecache.ErrNotFound):
		return a.fromDisk(id)
	default:
		return nil, ichseg.WrapError(ichseg.KindInternal, err)
	}
}

func (a *ArtifactStore) fromDisk(id string) (*Artifact, error) {
	art := &Artifact{
		ID:          id,
		MaskFile:    filepath.Join(a.dir, id+maskSuffix),
		OverlayFile: filepath.Join(a.dir, id+overlaySuffix),
	}
	fi, err := os.Stat(art.MaskFile)
	if err != nil {
		if fi, err = os.Stat(art.OverlayFile); err != nil {
			return nil, ichseg.NewError(ichseg.KindNotFound, "no artifacts with id %q", id)
		}
	}
	if a.expired(fi.ModTime(), time.Now()) {
		return nil, ichseg.NewError(ichseg.KindNotFound, "artifacts %q have expired", id)
	}
	art.Created = fi.ModTime()
	return art, nil
}

func (a *ArtifactStore) expired(created, now time.Time) bool {
	return a.ttl > 0 && now.Sub(created) > a.ttl
}

// Open returns the file of the given kind for an artifact.  The caller must close it
// and then call Retrieved.
func (a *ArtifactStore) Open(id, kind string) (*os.File, *Artifact, error) {
	art, err := a.Get(id)
	if err != nil {
		return nil, nil, err
	}
	path, err := art.Path(kind)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ichseg.NewError(ichseg.KindNotFound, "%s of artifact %q is gone", kind, id)
		}
		return nil, nil, ichseg.WrapError(ichseg.KindInternal, err)
	}
	return f, art, nil
}

// Retrieved notes that an artifact kind was sent to a client.  If the store deletes on
// retrieval, the artifacts are removed once both kinds have been fetched.
func (a *ArtifactStore) Retrieved(id, kind string) error {
	if !a.deleteOnRetrieve {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	art, err := a.Get(id)
	if err != nil {
		return err
	}
	if !art.fetched(kind) {
		art.Fetched = append(art.Fetched, kind)
	}
	if art.fetched(MaskArtifact) && art.fetched(OverlayArtifact) {
		ichseg.Debugf("Both artifacts of %s retrieved, deleting\n", id)
		return a.remove(art)
	}
	return a.Register(art)
}

// Delete removes the files and registry entry of an artifact.
func (a *ArtifactStore) Delete(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	art, err := a.Get(id)
	if err != nil {
		return err
	}
	return a.remove(art)
}

// Discard removes whatever files of an unregistered artifact were written.
func (a *ArtifactStore) Discard(art *Artifact) {
	for _, path := range []string{art.MaskFile, art.OverlayFile} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			ichseg.Warningf("Unable to remove %s: %v\n", path, err)
		}
	}
}

func (a *ArtifactStore) remove(art *Artifact) error {
	a.registry.Del([]byte(art.ID))
	var firstErr error
	for _, path := range []string{art.MaskFile, art.OverlayFile} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = ichseg.WrapError(ichseg.KindInternal, err)
		}
	}
	return firstErr
}

// Reap removes artifact files older than the TTL and returns how many were deleted.
func (a *ArtifactStore) Reap(now time.Time) (int, error) {
	if a.ttl <= 0 {
		return 0, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	return sweepDir(a.dir, now, a.ttl, func(name string) bool {
		var id string
		switch {
		case strings.HasSuffix(name, maskSuffix):
			id = strings.TrimSuffix(name, maskSuffix)
		case strings.HasSuffix(name, overlaySuffix):
			id = strings.TrimSuffix(name, overlaySuffix)
		default:
			return false
		}
		a.registry.Del([]byte(id))
		return true
	})
}

// sweepDir deletes regular files in dir modified more than ttl before now for
// which match returns true.
func sweepDir(dir string, now time.Time, ttl time.Duration, match func(name string) bool) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, ichseg.WrapError(ichseg.KindInternal, err)
	}
	var numDeleted int
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil || now.Sub(info.ModTime()) <= ttl {
			continue
		}
		if !match(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			if !os.IsNotExist(err) {
				ichseg.Warningf("Unable to remove expired %s: %v\n", path, err)
			}
			continue
		}
		numDeleted++
	}
	return numDeleted, nil
}

// runReaper calls reap every interval until the context is done.
func runReaper(ctx context.Context, interval time.Duration, reap func(now time.Time)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			reap(now)
		}
	}
}
