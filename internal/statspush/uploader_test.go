package statspush

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"github.com/extensionbay/registry/internal/core/models"
	"github.com/extensionbay/registry/internal/logproc"
)

const sampleLogLine = `2a21c2dd logs.example.org [19/Jul/2013:16:26:40 +0000] 10.10.10.10 - F85AAD7463BD8063 REST.GET.OBJECT my-extension/my-extension-1.0.0.zip "GET /x HTTP/1.1" 200 - 100 100 10 5 "-" "-" -` + "\n"

func newUploader(t *testing.T, endpoint string) *Uploader {
	t.Helper()
	processor, err := logproc.New(nil, "logs.example.org", zerolog.Nop())
	if err != nil {
		t.Fatalf("logproc.New: %v", err)
	}
	return New(processor, endpoint, zerolog.Nop())
}

func TestExtract(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.log"), []byte(sampleLogLine+sampleLogLine), 0o644); err != nil {
		t.Fatal(err)
	}

	u := newUploader(t, "http://localhost:4040/stats")
	path, err := u.Extract(dir)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if filepath.Base(path) != StatsFilename {
		t.Errorf("stats path = %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading stats file: %v", err)
	}
	var stats models.DownloadStats
	if err := json.Unmarshal(data, &stats); err != nil {
		t.Fatalf("decoding stats file: %v", err)
	}
	if stats["my-extension"].Downloads.Versions["1.0.0"] != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestUpload_PostsStatsDocument(t *testing.T) {
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), StatsFilename)
	if err := os.WriteFile(path, []byte(`{"my-extension":{}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	u := newUploader(t, srv.URL)
	if err := u.Upload(context.Background(), path); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if string(got) != `{"my-extension":{}}` {
		t.Errorf("posted body = %s", got)
	}
}

func TestUpload_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), StatsFilename)
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}

	u := newUploader(t, srv.URL)
	if err := u.Upload(context.Background(), path); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestUpload_RejectionIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), StatsFilename)
	if err := os.WriteFile(path, []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}

	u := newUploader(t, srv.URL)
	if err := u.Upload(context.Background(), path); err == nil {
		t.Fatal("rejected upload reported success")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want no retries on 4xx", calls.Load())
	}
}
