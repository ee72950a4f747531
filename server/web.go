package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"runtime/debug"

	humanize "github.com/dustin/go-humanize"
	"github.com/rs/cors"
	"github.com/zenazn/goji/web"
	"github.com/zenazn/goji/web/middleware"
	"github.com/zenazn/goji/web/mutil"

	"github.com/janelia-flyem/ichseg/ichseg"
	"github.com/janelia-flyem/ichseg/nifti"
)

// WebAPIPath is the prefix of server management endpoints.
const WebAPIPath = "/api/"

func (s *Service) initRoutes() {
	mux := web.New()
	mux.Use(middleware.RequestID)
	mux.Use(logRequests)
	mux.Use(recoverPanics)
	if len(s.config.Server.CorsDomains) > 0 {
		mux.Use(cors.New(cors.Options{
			AllowedOrigins: s.config.Server.CorsDomains,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
		}).Handler)
	}
	mux.Use(s.isAuthorized)

	mux.Get("/", rootHandler)
	mux.Post("/segment", s.segmentHandler)
	mux.Post("/inference", s.inferenceHandler)
	mux.Get("/artifacts/:id/:kind", s.artifactHandler)
	mux.Delete("/artifacts/:id", s.deleteArtifactHandler)
	mux.Get(WebAPIPath+"server/info", s.serverInfoHandler)
	mux.NotFound(notFoundHandler)
	s.mux = mux
}

// logRequests is middleware that logs each request with its status and duration.
func logRequests(c *web.C, h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		timedLog := ichseg.NewRequestLog(middleware.GetReqID(*c))
		lw := mutil.WrapWriter(w)
		h.ServeHTTP(lw, r)
		timedLog.Infof("%s %s -> %d, %s sent", r.Method, r.URL.Path,
			lw.Status(), humanize.Bytes(uint64(lw.BytesWritten())))
	}
	return http.HandlerFunc(fn)
}

// recoverPanics is middleware that turns a panic in a handler into a 500 response.
func recoverPanics(c *web.C, h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if e := recover(); e != nil {
				ichseg.Criticalf("Panic serving %s %s: %v\n%s\n", r.Method, r.URL.Path, e, debug.Stack())
				writeError(w, r, ichseg.NewError(ichseg.KindInternal, "internal server error: %v", e))
			}
		}()
		h.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}

// writeJSON sends v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		ichseg.Errorf("Unable to encode JSON response: %v\n", err)
		http.Error(w, `{"error": "unable to encode response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends the {"error": msg} envelope with a status given by the error kind.
// Client errors are logged as warnings and server errors as errors.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := ichseg.KindOf(err).HTTPStatus()
	ichseg.KindErrorf(err, "%s %s: %d %v\n", r.Method, r.URL.Path, status, err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func notFoundHandler(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, ichseg.NewError(ichseg.KindNotFound, "no endpoint %s %s", r.Method, r.URL.Path))
}

func rootHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": RootMessage})
}

func (s *Service) segmentHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	up, err := s.receiveUpload(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer up.remove()

	result, err := s.segmentUpload(r.Context(), up)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Service) inferenceHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	up, err := s.receiveUpload(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer up.remove()

	result, err := s.inferUpload(r.Context(), up)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Service) artifactHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	id, kind := c.URLParams["id"], c.URLParams["kind"]
	f, art, err := s.artifacts.Open(id, kind)
	if err != nil {
		writeError(w, r, err)
		return
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		writeError(w, r, ichseg.WrapError(ichseg.KindInternal, err))
		return
	}
	switch kind {
	case MaskArtifact:
		w.Header().Set("Content-Type", "application/gzip")
	case OverlayArtifact:
		w.Header().Set("Content-Type", "image/png")
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(f.Name())))
	http.ServeContent(w, r, "", info.ModTime(), f)
	f.Close()

	if err := s.artifacts.Retrieved(art.ID, kind); err != nil {
		ichseg.Errorf("After retrieving %s of %s: %v\n", kind, art.ID, err)
	}
}

func (s *Service) deleteArtifactHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	id := c.URLParams["id"]
	if err := s.artifacts.Delete(id); err != nil {
		writeError(w, r, err)
		return
	}
	ichseg.Infof("Deleted artifacts %s\n", id)
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (s *Service) serverInfoHandler(w http.ResponseWriter, r *http.Request) {
	cfg := s.config
	info := map[string]interface{}{
		"Version":            Version,
		"HTTP Address":       cfg.Server.HTTPAddress,
		"Note":               cfg.Server.Note,
		"Max Upload Size":    humanize.Bytes(uint64(cfg.MaxUploadBytes())),
		"Allowed Suffixes":   cfg.Server.AllowedSuffixes,
		"Artifact TTL":       cfg.ArtifactTTL().String(),
		"Delete On Retrieve": cfg.Storage.DeleteOnRetrieve,
		"Percentile":         cfg.Segment.Percentile,
		"Datatypes":          nifti.DatatypeNames(),
		"Auth Required":      cfg.Auth.SecretKey != "",
		"Server Uptime":      humanize.Time(s.started),
	}
	writeJSON(w, http.StatusOK, info)
}
