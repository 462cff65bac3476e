package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/extensionbay/registry/internal/core/models"
	"github.com/extensionbay/registry/internal/core/services"
	"github.com/extensionbay/registry/internal/registry"
	"github.com/extensionbay/registry/internal/util/logging"
)

type ctxKey string

const userKey ctxKey = "user"

// Handler holds all HTTP handlers and their dependencies.
type Handler struct {
	engine *registry.Engine
	auth   services.Authenticator
	logger zerolog.Logger
}

// New creates a Handler around the registry engine.
func New(engine *registry.Engine, auth services.Authenticator, logger zerolog.Logger) *Handler {
	return &Handler{
		engine: engine,
		auth:   auth,
		logger: logger,
	}
}

// Router returns the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(h.requestIDMiddleware)
	r.Use(h.loggingMiddleware)

	r.Get("/registry", h.GetRegistry)
	r.Post("/stats", h.CollectDownloadData)

	r.Group(func(r chi.Router) {
		r.Use(h.authMiddleware)
		r.Post("/packages", h.UploadPackage)
		r.Delete("/packages/{name}", h.DeletePackage)
		r.Post("/packages/{name}/changeOwner", h.ChangeOwner)
		r.Post("/packages/{name}/changeRequirements", h.ChangeRequirements)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return r
}

// requestIDMiddleware adds a unique request ID to each request.
func (h *Handler) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		ctx := logging.WithRequestID(r.Context(), id)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs each request.
func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logging.LogRequest(h.logger, r.Context(), r.Method, r.URL.Path, r.RemoteAddr, rw.status, rw.written, time.Since(start))
	})
}

// authMiddleware resolves the bearer token to a user identity.
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing or invalid authorization header")
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		user := h.auth.UserForToken(token)
		if user == "" {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), userKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestUser(r *http.Request) string {
	user, _ := r.Context().Value(userKey).(string)
	return user
}

// GetRegistry handles GET /registry
func (h *Handler) GetRegistry(w http.ResponseWriter, r *http.Request) {
	doc := h.engine.Registry()
	if doc == nil {
		writeError(w, http.StatusServiceUnavailable, services.ErrRegistryNotLoaded.Error())
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// UploadPackage handles POST /packages. The package zip arrives as the
// multipart field "file"; it is spooled to a temp file before admission so
// the validator and storage backends can re-read it.
func (h *Handler) UploadPackage(w http.ResponseWriter, r *http.Request) {
	user := requestUser(r)

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "package file is required")
		return
	}
	defer file.Close()

	tmp, err := os.CreateTemp("", "upload-*.zip")
	if err != nil {
		h.logger.Error().Err(err).Msg("creating upload temp file")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		h.logger.Error().Err(err).Msg("spooling upload")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := tmp.Close(); err != nil {
		h.logger.Error().Err(err).Msg("closing upload temp file")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	entry, err := h.engine.AddPackage(r.Context(), tmpPath, user)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// DeletePackage handles DELETE /packages/{name}
func (h *Handler) DeletePackage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := h.engine.DeletePackageMetadata(name, requestUser(r)); err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ChangeOwner handles POST /packages/{name}/changeOwner
func (h *Handler) ChangeOwner(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var body struct {
		NewOwner string `json:"newOwner"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.NewOwner == "" {
		writeError(w, http.StatusBadRequest, "no new owner provided")
		return
	}
	if !strings.Contains(body.NewOwner, ":") {
		body.NewOwner = "github:" + body.NewOwner
	}

	if err := h.engine.ChangePackageOwner(name, requestUser(r), body.NewOwner); err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name, "newOwner": body.NewOwner})
}

// ChangeRequirements handles POST /packages/{name}/changeRequirements
func (h *Handler) ChangeRequirements(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var body struct {
		Requirements string `json:"requirements"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Requirements == "" {
		writeError(w, http.StatusBadRequest, "no new requirements provided")
		return
	}
	if _, err := semver.NewConstraint(body.Requirements); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid requirements %q", body.Requirements))
		return
	}

	if err := h.engine.ChangePackageRequirements(name, requestUser(r), body.Requirements); err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name, "requirements": body.Requirements})
}

// CollectDownloadData handles POST /stats. The endpoint bypasses normal
// authorization, so it only accepts requests originating from loopback.
func (h *Handler) CollectDownloadData(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		writeError(w, http.StatusForbidden, "stats uploads are only accepted from localhost")
		return
	}

	var stats models.DownloadStats
	if err := json.NewDecoder(r.Body).Decode(&stats); err != nil {
		writeError(w, http.StatusBadRequest, "malformed stats document")
		return
	}

	for name, ext := range stats {
		if ext == nil {
			continue
		}
		h.engine.AddDownloadDataToPackage(name, ext.Downloads.Versions, ext.Downloads.Recent)
	}
	w.WriteHeader(http.StatusAccepted)
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// writeEngineError maps engine error kinds to distinct HTTP responses, so
// callers can tell "not your package" from "package invalid".
func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	var vErr *services.ValidationError
	switch {
	case errors.As(err, &vErr):
		writeJSON(w, http.StatusBadRequest, models.ErrorResponse{
			Error:   http.StatusText(http.StatusBadRequest),
			Code:    http.StatusBadRequest,
			Message: vErr.Error(),
			Errors:  vErr.Errors,
		})
	case errors.Is(err, services.ErrNotAuthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, services.ErrBadVersion):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrUnknownExtension):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrRegistryNotLoaded), errors.Is(err, services.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error().Err(err).Msg("registry operation failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, models.ErrorResponse{
		Error:   http.StatusText(status),
		Code:    status,
		Message: msg,
	})
}

// responseWriter wraps http.ResponseWriter to capture status and bytes written.
type responseWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}
