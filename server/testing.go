/*
	This file contains functions useful for testing the server in other packages.
	Unfortunately, due to the way Go handles compilation of *_test.go files,
	these functions cannot be in server_test.go since they will be unavailable
	to test files in external packages.  So these functions are exported and
	contain the "Test" keyword.
*/

package server

import (
	"bytes"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
)

// NewTestService returns a service with default settings storing its files in
// temporary directories removed at the end of the test.
func NewTestService(t *testing.T) *Service {
	return NewTestServiceWithConfig(t, DefaultConfig())
}

// NewTestServiceWithConfig returns a service for config with its storage directories
// replaced by temporary ones.
func NewTestServiceWithConfig(t *testing.T, config *Config) *Service {
	dir := t.TempDir()
	config.Storage.UploadDir = filepath.Join(dir, "uploads")
	config.Storage.ArtifactDir = filepath.Join(dir, "artifacts")
	s, err := NewService(config)
	if err != nil {
		t.Fatalf("Unable to create test service: %v\n", err)
	}
	return s
}

// TestHTTPResponse returns a response from a test run of the server.
// Use TestHTTP if you just want the response body bytes.
func TestHTTPResponse(t *testing.T, s *Service, method, urlStr string, payload io.Reader) *httptest.ResponseRecorder {
	req, err := http.NewRequest(method, urlStr, payload)
	if err != nil {
		t.Fatalf("Unsuccessful %s on %q: %v\n", method, urlStr, err)
	}
	resp := httptest.NewRecorder()
	s.ServeHTTP(resp, req)
	return resp
}

// TestHTTP returns the response body bytes for a test request, making sure any response has
// status OK.
func TestHTTP(t *testing.T, s *Service, method, urlStr string, payload io.Reader) []byte {
	resp := TestHTTPResponse(t, s, method, urlStr, payload)
	if resp.Code != http.StatusOK {
		t.Fatalf("Bad server response (%d) to %s on %q: %s\n", resp.Code, method, urlStr, resp.Body.String())
	}
	return resp.Body.Bytes()
}

// TestBadHTTP expects a HTTP response with an error status code.
func TestBadHTTP(t *testing.T, s *Service, method, urlStr string, payload io.Reader) {
	resp := TestHTTPResponse(t, s, method, urlStr, payload)
	if resp.Code == http.StatusOK {
		t.Fatalf("Expected bad server response to %s on %q, got %d instead.\n", method, urlStr, resp.Code)
	}
}

// TestUploadResponse posts data as the multipart "file" field named filename.
func TestUploadResponse(t *testing.T, s *Service, urlStr, filename string, data []byte) *httptest.ResponseRecorder {
	body, contentType := TestMultipart(t, UploadField, filename, data)
	req, err := http.NewRequest(http.MethodPost, urlStr, body)
	if err != nil {
		t.Fatalf("Unsuccessful POST on %q: %v\n", urlStr, err)
	}
	req.Header.Set("Content-Type", contentType)
	resp := httptest.NewRecorder()
	s.ServeHTTP(resp, req)
	return resp
}

// TestMultipart returns a multipart/form-data body holding one file field and the
// content type to send it with.
func TestMultipart(t *testing.T, field, filename string, data []byte) (*bytes.Buffer, string) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatalf("Unable to create multipart field: %v\n", err)
	}
	if _, err := fw.Write(data); err != nil {
		t.Fatalf("Unable to write multipart data: %v\n", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("Unable to close multipart writer: %v\n", err)
	}
	return &buf, mw.FormDataContentType()
}
