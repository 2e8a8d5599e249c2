package api

import (
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"

	"github.com/go-chi/chi/v5"

	"github.com/kokoron/kokoron/internal/blob"
)

// audioTypes covers extensions the builtin mime table may lack.
var audioTypes = map[string]string{
	".webm": "audio/webm",
	".wav":  "audio/wav",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".txt":  "text/plain; charset=utf-8",
}

// blobKey extracts the object key from a /blobs/ request path.
func blobKey(r *http.Request) (string, error) {
	return url.PathUnescape(chi.URLParam(r, "*"))
}

func verifyGrant(w http.ResponseWriter, r *http.Request, deps Deps, op string) (string, bool) {
	key, err := blobKey(r)
	if err != nil {
		httpError(w, http.StatusBadRequest, errInvalidRequest, "invalid blob path")
		return "", false
	}
	if err := deps.Blobs.Verify(op, key, r.URL.Query()); err != nil {
		slog.Debug("blob grant rejected", "op", op, "key", key, "error", err)
		httpError(w, http.StatusForbidden, errAuthentication, "%v", err)
		return "", false
	}
	return key, true
}

func handleBlobPut(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := verifyGrant(w, r, deps, blob.OpPut)
		if !ok {
			return
		}
		if want := r.URL.Query().Get("ct"); want != "" {
			got, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
			if got != want {
				httpError(w, http.StatusForbidden, errAuthentication,
					"content type %q does not match grant", r.Header.Get("Content-Type"))
				return
			}
		}

		r.Body = http.MaxBytesReader(w, r.Body, deps.MaxUploadSize)
		defer r.Body.Close()
		n, err := deps.Blobs.Put(key, r.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				httpError(w, http.StatusRequestEntityTooLarge, errUnprocessable,
					"upload exceeds %d bytes", deps.MaxUploadSize)
				return
			}
			writeError(w, r, err)
			return
		}
		slog.Debug("blob stored", "key", key, "bytes", n)
		w.WriteHeader(http.StatusOK)
	}
}

func handleBlobGet(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := verifyGrant(w, r, deps, blob.OpGet)
		if !ok {
			return
		}
		ct := audioTypes[path.Ext(key)]
		if ct == "" {
			ct = mime.TypeByExtension(path.Ext(key))
		}
		if ct == "" {
			ct = "application/octet-stream"
		}
		w.Header().Set("Content-Type", ct)
		if _, err := deps.Blobs.Get(r.Context(), key, w); err != nil {
			writeError(w, r, err)
		}
	}
}
