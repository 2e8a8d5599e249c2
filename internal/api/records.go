package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kokoron/kokoron/internal/pipeline"
)

type confirmResponse struct {
	RecordID string `json:"record_id"`
	Day      string `json:"day"`
	Replaced int    `json:"replaced"`
}

func handleRequestUpload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req pipeline.UploadRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.OwnerID == "" {
			httpError(w, http.StatusBadRequest, errInvalidRequest, "owner_id is required")
			return
		}
		ticket, err := deps.Capture.RequestUpload(r.Context(), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ticket)
	}
}

func handleConfirmRecord(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req pipeline.ConfirmRequest
		if !decodeBody(w, r, &req) {
			return
		}
		res, err := deps.Capture.ConfirmRecord(r.Context(), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, confirmResponse{
			RecordID: res.RecordID,
			Day:      res.Day,
			Replaced: res.Replaced,
		})
	}
}

func handleTodayRecord(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		view, err := deps.Capture.TodayRecord(r.Context(), q.Get("owner_id"), q.Get("subject_id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func handleListRecords(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		req := pipeline.ListRequest{
			OwnerID:   q.Get("owner_id"),
			SubjectID: q.Get("subject_id"),
			Date:      q.Get("date"),
		}
		var ok bool
		if req.Limit, ok = queryInt(w, q.Get("limit"), "limit"); !ok {
			return
		}
		if req.Offset, ok = queryInt(w, q.Get("offset"), "offset"); !ok {
			return
		}
		views, err := deps.Capture.ListRecords(r.Context(), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"records": views})
	}
}

// queryInt parses an optional non-negative integer query parameter.
func queryInt(w http.ResponseWriter, raw, name string) (int, bool) {
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		httpError(w, http.StatusBadRequest, errInvalidRequest, "%s must be a non-negative integer", name)
		return 0, false
	}
	return n, true
}

func handleGetRecord(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := deps.Capture.GetRecord(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func handleTranscribe(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req pipeline.TranscribeRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.AudioLocation) == "" {
			httpError(w, http.StatusBadRequest, errInvalidRequest, "audio_location is required")
			return
		}
		res, err := deps.Capture.TranscribeStored(r.Context(), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleCategories(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cats, err := deps.Catalog.Categories(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"categories": cats})
	}
}

func handleIntensities(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		levels, err := deps.Catalog.Intensities(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"intensities": levels})
	}
}
