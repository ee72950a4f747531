package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/zenazn/goji/web"

	"github.com/janelia-flyem/ichseg/ichseg"
	"github.com/janelia-flyem/ichseg/nifti"
)

// Version is the server version reported by /api/server/info.
const Version = "0.1.0"

// Service is a running ICH segmentation web server.  All state lives here so several
// services with different configurations can exist in one process.
type Service struct {
	config    *Config
	artifacts *ArtifactStore
	mux       *web.Mux
	started   time.Time

	mu         sync.Mutex
	httpServer *http.Server
	stopReaper context.CancelFunc

	// staged holds the ids of uploads in use by requests.
	staged map[string]struct{}
}

// NewService returns a service for the given configuration, creating its directories.
// A nil config uses the defaults.
func NewService(config *Config) (*Service, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(config.Storage.UploadDir, 0755); err != nil {
		return nil, ichseg.NewError(ichseg.KindInternal, "can't create upload directory %q: %w", config.Storage.UploadDir, err)
	}
	artifacts, err := NewArtifactStore(config.Storage.ArtifactDir, config.ArtifactTTL(),
		config.Storage.RegistrySize, config.Storage.DeleteOnRetrieve)
	if err != nil {
		return nil, err
	}
	s := &Service{
		config:    config,
		artifacts: artifacts,
		started:   time.Now(),
		staged:    make(map[string]struct{}),
	}
	s.initRoutes()
	return s, nil
}

// Config returns the configuration of the service.
func (s *Service) Config() *Config {
	return s.config
}

// Artifacts returns the store of inference outputs.
func (s *Service) Artifacts() *ArtifactStore {
	return s.artifacts
}

// ServeHTTP routes a single request.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Serve listens and serves HTTP requests at the configured address until Shutdown is
// called.  Stay-alive connections aren't allowed to hog goroutines for more than an hour.
func (s *Service) Serve() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.httpServer = &http.Server{
		Addr:              s.config.Server.HTTPAddress,
		Handler:           s,
		ReadHeaderTimeout: time.Minute,
		ReadTimeout:       1 * time.Hour,
	}
	s.stopReaper = cancel
	srv := s.httpServer
	s.mu.Unlock()

	go runReaper(ctx, s.config.ReapInterval(), s.reap)

	ichseg.Infof("Web server listening at %s ...\n", srv.Addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	cancel()
	return err
}

// Shutdown stops the reaper and gracefully stops the web server, waiting for requests
// in flight until the context is done.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, stop := s.httpServer, s.stopReaper
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	if srv == nil {
		return nil
	}
	ichseg.Infof("Shutting down web server at %s ...\n", srv.Addr)
	return srv.Shutdown(ctx)
}

// reap removes expired artifacts and staged uploads left by a crash.  Uploads still in
// use by a request are never removed.
func (s *Service) reap(now time.Time) {
	numArtifacts, err := s.artifacts.Reap(now)
	if err != nil {
		ichseg.Errorf("Reaping artifacts in %s: %v\n", s.artifacts.Dir(), err)
	}
	var numUploads int
	if ttl := s.config.UploadTTL(); ttl > 0 {
		numUploads, err = sweepDir(s.config.Storage.UploadDir, now, ttl, func(name string) bool {
			if !strings.HasSuffix(name, nifti.Suffix) && !strings.HasSuffix(name, nifti.GzSuffix) {
				return false
			}
			return !s.inUse(name)
		})
		if err != nil {
			ichseg.Errorf("Reaping uploads in %s: %v\n", s.config.Storage.UploadDir, err)
		}
	}
	if numArtifacts+numUploads > 0 {
		ichseg.Infof("Reaped %d expired artifact files and %d stale uploads\n", numArtifacts, numUploads)
	}
}
