package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kokoron/kokoron/internal/blob"
	"github.com/kokoron/kokoron/internal/catalog"
	"github.com/kokoron/kokoron/internal/pipeline"
	"github.com/kokoron/kokoron/internal/storage"
	"github.com/kokoron/kokoron/internal/transcribe"
)

const testToken = "test-token-12345"

// --- mocks ---

type mockCapture struct {
	upload     pipeline.UploadRequest
	confirm    pipeline.ConfirmRequest
	transcribe pipeline.TranscribeRequest
	list       pipeline.ListRequest
	ticket     pipeline.UploadTicket
	save       storage.SaveResult
	transcript pipeline.TranscribeResult
	view       pipeline.RecordView
	views      []pipeline.RecordView
	err        error
}

func (m *mockCapture) RequestUpload(_ context.Context, req pipeline.UploadRequest) (pipeline.UploadTicket, error) {
	m.upload = req
	return m.ticket, m.err
}

func (m *mockCapture) ConfirmRecord(_ context.Context, req pipeline.ConfirmRequest) (storage.SaveResult, error) {
	m.confirm = req
	return m.save, m.err
}

func (m *mockCapture) TranscribeStored(_ context.Context, req pipeline.TranscribeRequest) (pipeline.TranscribeResult, error) {
	m.transcribe = req
	return m.transcript, m.err
}

func (m *mockCapture) ListRecords(_ context.Context, req pipeline.ListRequest) ([]pipeline.RecordView, error) {
	m.list = req
	return m.views, m.err
}

func (m *mockCapture) GetRecord(_ context.Context, id string) (pipeline.RecordView, error) {
	if m.err != nil {
		return pipeline.RecordView{}, m.err
	}
	v := m.view
	v.ID = id
	return v, nil
}

func (m *mockCapture) TodayRecord(_ context.Context, ownerID, subjectID string) (pipeline.RecordView, error) {
	if m.err != nil {
		return pipeline.RecordView{}, m.err
	}
	v := m.view
	v.OwnerID, v.SubjectID = ownerID, subjectID
	return v, nil
}

// --- helpers ---

func setupHandler(t *testing.T, capture *mockCapture) (http.Handler, *blob.FSStore) {
	t.Helper()
	fs, err := blob.NewFSStore(t.TempDir(), "local", "http://example.test", []byte("signing-key"))
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	h := NewHandler(Deps{
		Capture:       capture,
		Catalog:       catalog.NewStatic(),
		Blobs:         fs,
		Token:         testToken,
		MaxUploadSize: 64,
		ModelState:    func() string { return "ready" },
	})
	return h, fs
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) (string, string) {
	t.Helper()
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return body.Error.Type, body.Error.Message
}

// --- tests ---

func TestHealth_NoAuth(t *testing.T) {
	h, _ := setupHandler(t, &mockCapture{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var body map[string]string
	json.NewDecoder(rr.Body).Decode(&body)
	if body["status"] != "ok" || body["model"] != "ready" {
		t.Errorf("body = %v", body)
	}
}

func TestAuth_Rejections(t *testing.T) {
	h, _ := setupHandler(t, &mockCapture{})
	for _, token := range []string{"", "wrong-token"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/catalog/categories", "", token))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, rr.Code)
		}
		if got := rr.Header().Get("WWW-Authenticate"); got == "" {
			t.Errorf("token %q: missing WWW-Authenticate header", token)
		}
		if typ, _ := decodeError(t, rr); typ != errAuthentication {
			t.Errorf("token %q: type = %q", token, typ)
		}
	}
}

func TestAuth_EmptyServerTokenRejectsAll(t *testing.T) {
	h := NewHandler(Deps{Capture: &mockCapture{}, Catalog: catalog.NewStatic()})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/catalog/categories", nil)
	req.Header.Set("Authorization", "Bearer ")
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestRequestUpload(t *testing.T) {
	capture := &mockCapture{ticket: pipeline.UploadTicket{
		GrantURL: "http://example.test/blobs/k?sig=x",
		Key:      "voice-uploads/audio/u1/2024/01/15/abc_recording.webm",
	}}
	h, _ := setupHandler(t, capture)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/uploads", `{"owner_id":"u1","format":"webm"}`, testToken))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if capture.upload.OwnerID != "u1" || capture.upload.Format != "webm" {
		t.Errorf("upload request = %+v", capture.upload)
	}
	var ticket pipeline.UploadTicket
	json.NewDecoder(rr.Body).Decode(&ticket)
	if ticket.Key != capture.ticket.Key || ticket.GrantURL != capture.ticket.GrantURL {
		t.Errorf("ticket = %+v", ticket)
	}
}

func TestRequestUpload_Validation(t *testing.T) {
	h, _ := setupHandler(t, &mockCapture{})

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"owner_id":`},
		{"missing owner", `{"format":"webm"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/uploads", tt.body, testToken))
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rr.Code)
			}
		})
	}
}

func TestConfirmRecord(t *testing.T) {
	capture := &mockCapture{save: storage.SaveResult{RecordID: "rec-1", Day: "2024-01-15", Replaced: 1}}
	h, _ := setupHandler(t, capture)

	body := `{"owner_id":"u1","subject_id":"c1","category_id":"happy","intensity_id":2,"audio_location":"archive://local/k.webm"}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/records", body, testToken))

	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if capture.confirm.CategoryID != "happy" || capture.confirm.IntensityID != 2 ||
		capture.confirm.AudioLocation != "archive://local/k.webm" {
		t.Errorf("confirm request = %+v", capture.confirm)
	}
	var resp confirmResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp != (confirmResponse{RecordID: "rec-1", Day: "2024-01-15", Replaced: 1}) {
		t.Errorf("response = %+v", resp)
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err      error
		wantCode int
		wantType string
	}{
		{fmt.Errorf("wrapped: %w", storage.ErrValidation), http.StatusBadRequest, errInvalidRequest},
		{blob.ErrUnsupportedLocation, http.StatusBadRequest, errInvalidRequest},
		{pipeline.ErrUnknownCategory, http.StatusUnprocessableEntity, errUnprocessable},
		{pipeline.ErrUnsupportedFormat, http.StatusUnsupportedMediaType, errUnprocessable},
		{transcribe.ErrFileTooLarge, http.StatusRequestEntityTooLarge, errUnprocessable},
		{storage.ErrNotFound, http.StatusNotFound, errNotFound},
		{storage.ErrLockTimeout, http.StatusServiceUnavailable, errLockTimeout},
		{transcribe.ErrTranscriptionTimeout, http.StatusGatewayTimeout, errTimeout},
		{blob.ErrGrantIssuance, http.StatusBadGateway, errAPI},
		{transcribe.ErrModelLoad, http.StatusInternalServerError, errAPI},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			h, _ := setupHandler(t, &mockCapture{err: tt.err})
			body := `{"owner_id":"u1","subject_id":"c1","category_id":"happy","intensity_id":1}`
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/records", body, testToken))

			if rr.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantCode)
			}
			typ, msg := decodeError(t, rr)
			if typ != tt.wantType {
				t.Errorf("type = %q, want %q", typ, tt.wantType)
			}
			if msg == "" {
				t.Error("empty error message")
			}
		})
	}
}

func TestLockTimeout_RetryAfter(t *testing.T) {
	h, _ := setupHandler(t, &mockCapture{err: storage.ErrLockTimeout})
	body := `{"owner_id":"u1","subject_id":"c1","category_id":"happy","intensity_id":1}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/records", body, testToken))
	if rr.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}

func TestTodayRecord(t *testing.T) {
	capture := &mockCapture{view: pipeline.RecordView{ID: "rec-9", CategoryID: "sad"}}
	h, _ := setupHandler(t, capture)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/records/today?owner_id=u1&subject_id=c1", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var view pipeline.RecordView
	json.NewDecoder(rr.Body).Decode(&view)
	if view.OwnerID != "u1" || view.SubjectID != "c1" || view.ID != "rec-9" {
		t.Errorf("view = %+v", view)
	}
}

func TestTodayRecord_NotFound(t *testing.T) {
	h, _ := setupHandler(t, &mockCapture{err: storage.ErrNotFound})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/records/today?owner_id=u1&subject_id=c1", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestGetRecord(t *testing.T) {
	h, _ := setupHandler(t, &mockCapture{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/records/rec-42", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var view pipeline.RecordView
	json.NewDecoder(rr.Body).Decode(&view)
	if view.ID != "rec-42" {
		t.Errorf("ID = %q, want rec-42", view.ID)
	}
}

func TestTranscribe(t *testing.T) {
	capture := &mockCapture{transcript: pipeline.TranscribeResult{
		Result: transcribe.Result{Text: "こんにちは", Language: "ja", DurationSeconds: 1.5},
	}}
	h, _ := setupHandler(t, capture)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/transcriptions",
		`{"audio_location":"voice-uploads/audio/u1/a.webm","language":"auto"}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	got := capture.transcribe
	if got.AudioLocation != "voice-uploads/audio/u1/a.webm" || got.Language != "auto" || got.SaveText {
		t.Errorf("called with %+v", got)
	}
	var res map[string]any
	json.NewDecoder(rr.Body).Decode(&res)
	if res["text"] != "こんにちは" {
		t.Errorf("text = %v", res["text"])
	}
	if _, ok := res["text_key"]; ok {
		t.Error("text_key present for an unsaved transcript")
	}
}

func TestTranscribe_SaveText(t *testing.T) {
	capture := &mockCapture{transcript: pipeline.TranscribeResult{
		Result:       transcribe.Result{Text: "こんにちは", Language: "ja"},
		TextKey:      "voice-uploads/text/u1/2024/01/15/abc_transcript.txt",
		TextLocation: "archive://local/voice-uploads/text/u1/2024/01/15/abc_transcript.txt",
	}}
	h, _ := setupHandler(t, capture)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/transcriptions",
		`{"audio_location":"voice-uploads/audio/u1/a.webm","owner_id":"u1","save_text":true}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if !capture.transcribe.SaveText || capture.transcribe.OwnerID != "u1" {
		t.Errorf("called with %+v", capture.transcribe)
	}
	var res struct {
		Text         string `json:"text"`
		TextKey      string `json:"text_key"`
		TextLocation string `json:"text_location"`
	}
	json.NewDecoder(rr.Body).Decode(&res)
	if res.Text != "こんにちは" || res.TextKey != capture.transcript.TextKey || res.TextLocation != capture.transcript.TextLocation {
		t.Errorf("response = %+v", res)
	}
}

func TestTranscribe_SaveTextWithoutOwner(t *testing.T) {
	h, _ := setupHandler(t, &mockCapture{err: pipeline.ErrMissingOwner})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/transcriptions",
		`{"audio_location":"voice-uploads/audio/u1/a.webm","save_text":true}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestListRecords(t *testing.T) {
	capture := &mockCapture{views: []pipeline.RecordView{
		{ID: "rec-2", AudioURL: "http://example.test/blobs/a?op=get"},
		{ID: "rec-1"},
	}}
	h, _ := setupHandler(t, capture)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/records?owner_id=u1&subject_id=c1&limit=10&offset=20", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	want := pipeline.ListRequest{OwnerID: "u1", SubjectID: "c1", Limit: 10, Offset: 20}
	if capture.list != want {
		t.Errorf("list request = %+v, want %+v", capture.list, want)
	}
	var body struct {
		Records []pipeline.RecordView `json:"records"`
	}
	json.NewDecoder(rr.Body).Decode(&body)
	if len(body.Records) != 2 || body.Records[0].ID != "rec-2" || body.Records[0].AudioURL == "" {
		t.Errorf("records = %+v", body.Records)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/records?owner_id=u1&subject_id=c1&date=2024-01-15", "", testToken))
	if rr.Code != http.StatusOK || capture.list.Date != "2024-01-15" {
		t.Errorf("date query: status = %d, request = %+v", rr.Code, capture.list)
	}
}

func TestListRecords_EmptyIsArray(t *testing.T) {
	h, _ := setupHandler(t, &mockCapture{views: []pipeline.RecordView{}})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/records?owner_id=u1&subject_id=c1", "", testToken))
	if got := strings.TrimSpace(rr.Body.String()); got != `{"records":[]}` {
		t.Errorf("body = %s", got)
	}
}

func TestListRecords_BadQuery(t *testing.T) {
	tests := []struct {
		query string
		err   error
	}{
		{"owner_id=u1&subject_id=c1&limit=ten", nil},
		{"owner_id=u1&subject_id=c1&offset=-1", nil},
		{"owner_id=u1", pipeline.ErrMissingOwnerSubject},
		{"owner_id=u1&subject_id=c1&date=yesterday", storage.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			h, _ := setupHandler(t, &mockCapture{err: tt.err})
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/records?"+tt.query, "", testToken))
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rr.Code)
			}
		})
	}
}

func TestTranscribe_MissingLocation(t *testing.T) {
	h, _ := setupHandler(t, &mockCapture{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/v1/transcriptions", `{"language":"ja"}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestCatalogEndpoints(t *testing.T) {
	h, _ := setupHandler(t, &mockCapture{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/catalog/categories", "", testToken))
	var cats struct {
		Categories []catalog.Category `json:"categories"`
	}
	json.NewDecoder(rr.Body).Decode(&cats)
	if len(cats.Categories) != 12 {
		t.Errorf("got %d categories, want 12", len(cats.Categories))
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/v1/catalog/intensities", "", testToken))
	var levels struct {
		Intensities []catalog.Intensity `json:"intensities"`
	}
	json.NewDecoder(rr.Body).Decode(&levels)
	if len(levels.Intensities) != 3 {
		t.Errorf("got %d intensities, want 3", len(levels.Intensities))
	}
}

func TestBlobs_PutThenGet(t *testing.T) {
	h, fs := setupHandler(t, &mockCapture{})
	key := "voice-uploads/audio/u1/2024/01/15/abc_recording.webm"

	putURL, err := fs.PresignPut(context.Background(), key, "audio/webm", time.Minute)
	if err != nil {
		t.Fatalf("PresignPut: %v", err)
	}
	req := httptest.NewRequest(http.MethodPut, putURL, strings.NewReader("voice"))
	req.Header.Set("Content-Type", "audio/webm")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("PUT status = %d; body = %s", rr.Code, rr.Body.String())
	}

	getURL, _ := fs.PresignGet(context.Background(), key, time.Minute)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, getURL, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("GET status = %d", rr.Code)
	}
	if rr.Body.String() != "voice" {
		t.Errorf("body = %q, want voice", rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "audio/webm" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestBlobs_PutRejections(t *testing.T) {
	h, fs := setupHandler(t, &mockCapture{})
	key := "voice-uploads/audio/u1/x.webm"
	putURL, _ := fs.PresignPut(context.Background(), key, "audio/webm", time.Minute)

	t.Run("tampered signature", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPut, strings.Replace(putURL, "sig=", "sig=00", 1), strings.NewReader("x"))
		req.Header.Set("Content-Type", "audio/webm")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", rr.Code)
		}
	})

	t.Run("content type mismatch", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPut, putURL, strings.NewReader("x"))
		req.Header.Set("Content-Type", "text/plain")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", rr.Code)
		}
	})

	t.Run("get grant used for put", func(t *testing.T) {
		getURL, _ := fs.PresignGet(context.Background(), key, time.Minute)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, getURL, strings.NewReader("x")))
		if rr.Code != http.StatusForbidden {
			t.Errorf("status = %d, want 403", rr.Code)
		}
	})

	t.Run("too large", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPut, putURL, strings.NewReader(strings.Repeat("a", 65)))
		req.Header.Set("Content-Type", "audio/webm")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("status = %d, want 413", rr.Code)
		}
	})
}

func TestBlobs_PutTooLargeLeavesNoFile(t *testing.T) {
	root := t.TempDir()
	fs, err := blob.NewFSStore(root, "local", "http://example.test", []byte("signing-key"))
	if err != nil {
		t.Fatal(err)
	}
	h := NewHandler(Deps{Capture: &mockCapture{}, Catalog: catalog.NewStatic(), Blobs: fs, Token: testToken, MaxUploadSize: 4})

	putURL, _ := fs.PresignPut(context.Background(), "a/b.wav", "audio/wav", time.Minute)
	req := httptest.NewRequest(http.MethodPut, putURL, strings.NewReader("too long"))
	req.Header.Set("Content-Type", "audio/wav")
	h.ServeHTTP(httptest.NewRecorder(), req)

	if _, err := os.Stat(filepath.Join(root, "a", "b.wav")); !os.IsNotExist(err) {
		t.Errorf("partial upload committed: %v", err)
	}
}

func TestBlobs_GetMissing(t *testing.T) {
	h, fs := setupHandler(t, &mockCapture{})
	getURL, _ := fs.PresignGet(context.Background(), "voice-uploads/audio/u1/none.webm", time.Minute)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, getURL, nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestBlobs_DisabledWithoutFSStore(t *testing.T) {
	h := NewHandler(Deps{Capture: &mockCapture{}, Catalog: catalog.NewStatic(), Token: testToken})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/blobs/a/b.webm", nil))
	if rr.Code == http.StatusOK {
		t.Errorf("status = %d, want non-200", rr.Code)
	}
}
