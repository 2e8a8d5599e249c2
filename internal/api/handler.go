// Package api exposes the capture pipeline over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kokoron/kokoron/internal/blob"
	"github.com/kokoron/kokoron/internal/catalog"
	"github.com/kokoron/kokoron/internal/pipeline"
	"github.com/kokoron/kokoron/internal/storage"
)

const (
	maxRequestBodySize   = 1 << 20 // 1MB
	defaultMaxUploadSize = 25 << 20
)

// Capture is the pipeline surface the handlers drive.
type Capture interface {
	RequestUpload(ctx context.Context, req pipeline.UploadRequest) (pipeline.UploadTicket, error)
	ConfirmRecord(ctx context.Context, req pipeline.ConfirmRequest) (storage.SaveResult, error)
	TranscribeStored(ctx context.Context, req pipeline.TranscribeRequest) (pipeline.TranscribeResult, error)
	GetRecord(ctx context.Context, id string) (pipeline.RecordView, error)
	TodayRecord(ctx context.Context, ownerID, subjectID string) (pipeline.RecordView, error)
	ListRecords(ctx context.Context, req pipeline.ListRequest) ([]pipeline.RecordView, error)
}

// Deps holds dependencies for the HTTP handler.
type Deps struct {
	Capture Capture
	Catalog catalog.Catalog
	// Blobs serves signed /blobs/ URLs. Nil when objects live in S3.
	Blobs *blob.FSStore
	Token string
	// MaxUploadSize caps PUT /blobs/ bodies.
	MaxUploadSize int64
	ModelState    func() string
}

// NewHandler returns the service's HTTP handler. /health and /blobs/ are
// unauthenticated; /blobs/ requests carry their own signed grant.
func NewHandler(deps Deps) http.Handler {
	if deps.MaxUploadSize <= 0 {
		deps.MaxUploadSize = defaultMaxUploadSize
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth(deps))

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Post("/uploads", handleRequestUpload(deps))
		r.Post("/records", handleConfirmRecord(deps))
		r.Get("/records", handleListRecords(deps))
		r.Get("/records/today", handleTodayRecord(deps))
		r.Get("/records/{id}", handleGetRecord(deps))
		r.Post("/transcriptions", handleTranscribe(deps))
		r.Get("/catalog/categories", handleCategories(deps))
		r.Get("/catalog/intensities", handleIntensities(deps))
	})

	if deps.Blobs != nil {
		r.Put("/blobs/*", handleBlobPut(deps))
		r.Get("/blobs/*", handleBlobGet(deps))
	}

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]string{"status": "ok"}
		if deps.ModelState != nil {
			resp["model"] = deps.ModelState()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// decodeBody reads a size-limited JSON body into v, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, errInvalidRequest, "invalid request body: %v", err)
		return false
	}
	return true
}
