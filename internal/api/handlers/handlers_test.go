package handlers

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/extensionbay/registry/internal/adapters/auth"
	"github.com/extensionbay/registry/internal/adapters/storage"
	"github.com/extensionbay/registry/internal/adapters/validator"
	"github.com/extensionbay/registry/internal/core/models"
	"github.com/extensionbay/registry/internal/registry"
)

const (
	aliceToken = "token-alice"
	bobToken   = "token-bob"
)

func newTestHandler(t *testing.T) (*Handler, *registry.Engine) {
	t.Helper()
	engine := registry.New(validator.New(), zerolog.Nop())
	if err := engine.Configure(context.Background(), storage.NewRAMStorage(), []string{"github:admin"}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := engine.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}

	tokens := auth.NewTokenAuth(map[string]string{
		aliceToken: "github:alice",
		bobToken:   "github:bob",
	})
	return New(engine, tokens, zerolog.Nop()), engine
}

// packageZip builds an extension archive in memory.
func packageZip(t *testing.T, name, version string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("package.json")
	if err != nil {
		t.Fatal(err)
	}
	manifest, _ := json.Marshal(map[string]any{
		"name":    name,
		"version": version,
		"title":   "The " + name + " extension",
		"engines": map[string]string{"brackets": ">=0.34.0"},
	})
	if _, err := w.Write(manifest); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func uploadRequest(t *testing.T, token string, zipData []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "extension.zip")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(zipData); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/packages", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func doRequest(h *Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) models.ErrorResponse {
	t.Helper()
	var resp models.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding error body %q: %v", rec.Body, err)
	}
	return resp
}

func TestGetRegistry(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(h, uploadRequest(t, aliceToken, packageZip(t, "my-extension", "1.0.0")))
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status = %d, body %s", rec.Code, rec.Body)
	}

	rec = doRequest(h, httptest.NewRequest(http.MethodGet, "/registry", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}

	var doc models.Registry
	if err := json.NewDecoder(rec.Body).Decode(&doc); err != nil {
		t.Fatalf("decoding registry: %v", err)
	}
	if doc["my-extension"] == nil || doc["my-extension"].Owner != "github:alice" {
		t.Errorf("doc = %+v", doc)
	}
}

func TestAuthRequired(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/packages", nil)
	if rec := doRequest(h, req); rec.Code != http.StatusUnauthorized {
		t.Errorf("no header: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/packages", nil)
	req.Header.Set("Authorization", "Bearer no-such-token")
	if rec := doRequest(h, req); rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d, want 401", rec.Code)
	}
}

func TestUploadPackage_Lifecycle(t *testing.T) {
	h, engine := newTestHandler(t)

	rec := doRequest(h, uploadRequest(t, aliceToken, packageZip(t, "my-extension", "1.0.0")))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var entry models.Entry
	if err := json.NewDecoder(rec.Body).Decode(&entry); err != nil {
		t.Fatalf("decoding entry: %v", err)
	}
	if entry.Owner != "github:alice" || entry.Metadata.Version != "1.0.0" {
		t.Errorf("entry = %+v", entry)
	}

	// A non-owner cannot publish an update.
	rec = doRequest(h, uploadRequest(t, bobToken, packageZip(t, "my-extension", "2.0.0")))
	if rec.Code != http.StatusForbidden {
		t.Errorf("stranger update: status = %d, want 403", rec.Code)
	}

	// Re-uploading the same version is rejected.
	rec = doRequest(h, uploadRequest(t, aliceToken, packageZip(t, "my-extension", "1.0.0")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("same version: status = %d, want 400", rec.Code)
	}

	// The owner can.
	rec = doRequest(h, uploadRequest(t, aliceToken, packageZip(t, "my-extension", "2.0.0")))
	if rec.Code != http.StatusCreated {
		t.Fatalf("owner update: status = %d, body %s", rec.Code, rec.Body)
	}
	if got := len(engine.Registry()["my-extension"].Versions); got != 2 {
		t.Errorf("version count = %d, want 2", got)
	}
}

func TestUploadPackage_ValidationErrors(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := doRequest(h, uploadRequest(t, aliceToken, []byte("not a zip at all")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	resp := decodeError(t, rec)
	if len(resp.Errors) == 0 {
		t.Error("error response carries no sub-error list")
	}

	// Missing multipart field.
	req := httptest.NewRequest(http.MethodPost, "/packages", strings.NewReader("plain body"))
	req.Header.Set("Authorization", "Bearer "+aliceToken)
	if rec := doRequest(h, req); rec.Code != http.StatusBadRequest {
		t.Errorf("missing file field: status = %d, want 400", rec.Code)
	}
}

func TestDeletePackage(t *testing.T) {
	h, engine := newTestHandler(t)
	doRequest(h, uploadRequest(t, aliceToken, packageZip(t, "my-extension", "1.0.0")))

	req := httptest.NewRequest(http.MethodDelete, "/packages/no-such-extension", nil)
	req.Header.Set("Authorization", "Bearer "+aliceToken)
	if rec := doRequest(h, req); rec.Code != http.StatusNotFound {
		t.Errorf("unknown name: status = %d, want 404", rec.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/packages/my-extension", nil)
	req.Header.Set("Authorization", "Bearer "+bobToken)
	if rec := doRequest(h, req); rec.Code != http.StatusForbidden {
		t.Errorf("stranger delete: status = %d, want 403", rec.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/packages/my-extension", nil)
	req.Header.Set("Authorization", "Bearer "+aliceToken)
	if rec := doRequest(h, req); rec.Code != http.StatusOK {
		t.Errorf("owner delete: status = %d, want 200", rec.Code)
	}
	if _, ok := engine.Registry()["my-extension"]; ok {
		t.Error("entry still present after delete")
	}
}

func TestChangeOwner_PrefixesBareName(t *testing.T) {
	h, engine := newTestHandler(t)
	doRequest(h, uploadRequest(t, aliceToken, packageZip(t, "my-extension", "1.0.0")))

	req := httptest.NewRequest(http.MethodPost, "/packages/my-extension/changeOwner",
		strings.NewReader(`{"newOwner": "bob"}`))
	req.Header.Set("Authorization", "Bearer "+aliceToken)
	rec := doRequest(h, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if owner := engine.Registry()["my-extension"].Owner; owner != "github:bob" {
		t.Errorf("owner = %q, want github:bob", owner)
	}

	// Empty body is rejected before touching the engine.
	req = httptest.NewRequest(http.MethodPost, "/packages/my-extension/changeOwner", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+bobToken)
	if rec := doRequest(h, req); rec.Code != http.StatusBadRequest {
		t.Errorf("empty owner: status = %d, want 400", rec.Code)
	}
}

func TestChangeRequirements(t *testing.T) {
	h, engine := newTestHandler(t)
	doRequest(h, uploadRequest(t, aliceToken, packageZip(t, "my-extension", "1.0.0")))

	req := httptest.NewRequest(http.MethodPost, "/packages/my-extension/changeRequirements",
		strings.NewReader(`{"requirements": "not a version range"}`))
	req.Header.Set("Authorization", "Bearer "+aliceToken)
	if rec := doRequest(h, req); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid range: status = %d, want 400", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/packages/my-extension/changeRequirements",
		strings.NewReader(`{"requirements": ">=0.40.0"}`))
	req.Header.Set("Authorization", "Bearer "+aliceToken)
	if rec := doRequest(h, req); rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
	if got := engine.Registry()["my-extension"].Versions[0].Brackets; got != ">=0.40.0" {
		t.Errorf("brackets = %q, want >=0.40.0", got)
	}
}

func TestCollectDownloadData(t *testing.T) {
	h, engine := newTestHandler(t)
	doRequest(h, uploadRequest(t, aliceToken, packageZip(t, "my-extension", "1.0.0")))

	statsBody := `{
		"my-extension": {"downloads": {
			"versions": {"1.0.0": 5},
			"recent": {"20130805": 5}
		}},
		"gone-extension": {"downloads": {"versions": {"1.0.0": 2}}}
	}`

	req := httptest.NewRequest(http.MethodPost, "/stats", strings.NewReader(statsBody))
	req.RemoteAddr = "127.0.0.1:54321"
	rec := doRequest(h, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	entry := engine.Registry()["my-extension"]
	if entry.TotalDownloads != 5 || entry.Versions[0].Downloads != 5 {
		t.Errorf("downloads = %d/%d, want 5/5", entry.TotalDownloads, entry.Versions[0].Downloads)
	}
	if entry.Recent["20130805"] != 5 {
		t.Errorf("recent = %v", entry.Recent)
	}
}

func TestCollectDownloadData_RemoteRejected(t *testing.T) {
	h, engine := newTestHandler(t)
	doRequest(h, uploadRequest(t, aliceToken, packageZip(t, "my-extension", "1.0.0")))

	req := httptest.NewRequest(http.MethodPost, "/stats",
		strings.NewReader(`{"my-extension": {"downloads": {"versions": {"1.0.0": 5}}}}`))
	req.RemoteAddr = "10.0.0.1:1234"
	rec := doRequest(h, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if engine.Registry()["my-extension"].TotalDownloads != 0 {
		t.Error("remote stats applied despite rejection")
	}
}

func TestCollectDownloadData_MalformedBody(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/stats", strings.NewReader("{not json"))
	req.RemoteAddr = "127.0.0.1:54321"
	if rec := doRequest(h, req); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestIsLoopback(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:54321", true},
		{"[::1]:54321", true},
		{"10.0.0.1:1234", false},
		{"not-an-address", false},
	}
	for _, tt := range tests {
		if got := isLoopback(tt.addr); got != tt.want {
			t.Errorf("isLoopback(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}
