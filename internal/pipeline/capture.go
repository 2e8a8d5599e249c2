// Package pipeline ties upload grants, record replacement and transcription
// into the capture flow clients drive.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kokoron/kokoron/internal/blob"
	"github.com/kokoron/kokoron/internal/catalog"
	"github.com/kokoron/kokoron/internal/storage"
	"github.com/kokoron/kokoron/internal/transcribe"
)

var (
	ErrUnsupportedKind     = errors.New("unsupported upload kind")
	ErrUnsupportedFormat   = errors.New("unsupported upload format")
	ErrUnknownCategory     = errors.New("unknown emotion category")
	ErrUnknownIntensity    = errors.New("unknown intensity level")
	ErrMissingOwnerSubject = errors.New("owner_id and subject_id are required")
	ErrMissingOwner        = errors.New("owner_id is required to save a transcript")
)

const transcriptContentType = "text/plain; charset=utf-8"

// uploadContentTypes maps accepted audio upload formats to the content type
// the grant is bound to.
var uploadContentTypes = map[string]string{
	"webm": "audio/webm",
	"wav":  "audio/wav",
	"mp3":  "audio/mpeg",
	"m4a":  "audio/mp4",
}

// RecordStore persists emotion records.
type RecordStore interface {
	SaveOrReplace(ctx context.Context, p storage.SaveParams) (storage.SaveResult, error)
	GetRecord(ctx context.Context, id string) (storage.EmotionRecord, error)
	TodayRecord(ctx context.Context, ownerID, subjectID string) (storage.EmotionRecord, error)
	ListRecords(ctx context.Context, ownerID, subjectID string, limit, offset int) ([]storage.EmotionRecord, error)
	ListRecordsForDay(ctx context.Context, ownerID, subjectID string, day time.Time) ([]storage.EmotionRecord, error)
	ParseDay(date string) (time.Time, error)
}

// Transcriber converts stored audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, location, language string) (transcribe.Result, error)
}

// Orchestrator is the entry point for the capture-and-replace flow.
type Orchestrator struct {
	blobs   *blob.Service
	records RecordStore
	catalog catalog.Catalog
	speech  Transcriber
	logger  *slog.Logger
}

// New creates an Orchestrator wired to its collaborators.
func New(blobs *blob.Service, records RecordStore, cat catalog.Catalog, speech Transcriber) *Orchestrator {
	return &Orchestrator{
		blobs:   blobs,
		records: records,
		catalog: cat,
		speech:  speech,
		logger:  slog.Default(),
	}
}

type UploadRequest struct {
	OwnerID string `json:"owner_id"`
	Kind    string `json:"kind"`
	Format  string `json:"format"`
}

// UploadTicket tells a client where to PUT its recording and how to refer to
// it afterwards.
type UploadTicket struct {
	GrantURL      string    `json:"upload_url"`
	Key           string    `json:"key"`
	PublicLocator string    `json:"public_locator"`
	ContentType   string    `json:"content_type"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// RequestUpload reserves a fresh audio key for the owner and issues a
// short-lived upload grant for it.
func (o *Orchestrator) RequestUpload(ctx context.Context, req UploadRequest) (UploadTicket, error) {
	kind := strings.ToLower(strings.TrimSpace(req.Kind))
	if kind == "" {
		kind = string(blob.KindAudio)
	}
	if blob.Kind(kind) != blob.KindAudio {
		return UploadTicket{}, fmt.Errorf("%w: %q", ErrUnsupportedKind, req.Kind)
	}
	format := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(req.Format)), ".")
	contentType, ok := uploadContentTypes[format]
	if !ok {
		return UploadTicket{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, req.Format)
	}

	key, err := o.blobs.BuildKey(req.OwnerID, blob.KindAudio, "recording."+format)
	if err != nil {
		return UploadTicket{}, err
	}
	grant, err := o.blobs.IssueUploadGrant(ctx, key, contentType, 0)
	if err != nil {
		return UploadTicket{}, err
	}
	o.logger.Debug("upload grant issued", "owner_id", req.OwnerID, "key", key, "expires_at", grant.ExpiresAt)
	return UploadTicket{
		GrantURL:      grant.URL,
		Key:           key,
		PublicLocator: o.blobs.PublicLocator(key),
		ContentType:   contentType,
		ExpiresAt:     grant.ExpiresAt,
	}, nil
}

type ConfirmRequest struct {
	OwnerID       string `json:"owner_id"`
	SubjectID     string `json:"subject_id"`
	CategoryID    string `json:"category_id"`
	IntensityID   int    `json:"intensity_id"`
	Note          string `json:"note,omitempty"`
	AudioLocation string `json:"audio_location,omitempty"`
	TextLocation  string `json:"text_location,omitempty"`
}

// ConfirmRecord stores today's record for (owner, subject), replacing any
// earlier one from the same day. Locations must name this service's bucket,
// and keys issued for another owner are rejected.
func (o *Orchestrator) ConfirmRecord(ctx context.Context, req ConfirmRequest) (storage.SaveResult, error) {
	audioKey, err := o.ownedKey(req.OwnerID, req.AudioLocation)
	if err != nil {
		return storage.SaveResult{}, fmt.Errorf("audio_location: %w", err)
	}
	textKey, err := o.ownedKey(req.OwnerID, req.TextLocation)
	if err != nil {
		return storage.SaveResult{}, fmt.Errorf("text_location: %w", err)
	}

	if _, err := o.catalog.Category(ctx, req.CategoryID); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return storage.SaveResult{}, fmt.Errorf("%w: %q", ErrUnknownCategory, req.CategoryID)
		}
		return storage.SaveResult{}, fmt.Errorf("looking up category: %w", err)
	}
	if _, err := o.catalog.Intensity(ctx, req.IntensityID); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return storage.SaveResult{}, fmt.Errorf("%w: %d", ErrUnknownIntensity, req.IntensityID)
		}
		return storage.SaveResult{}, fmt.Errorf("looking up intensity: %w", err)
	}

	res, err := o.records.SaveOrReplace(ctx, storage.SaveParams{
		OwnerID:     req.OwnerID,
		SubjectID:   req.SubjectID,
		CategoryID:  req.CategoryID,
		IntensityID: req.IntensityID,
		Note:        req.Note,
		AudioKey:    audioKey,
		TextKey:     textKey,
	})
	if err != nil {
		return storage.SaveResult{}, err
	}
	o.logger.Info("record confirmed",
		"record_id", res.RecordID, "day", res.Day, "replaced", res.Replaced, "orphaned_keys", len(res.OrphanedKeys))
	return res, nil
}

func (o *Orchestrator) ownedKey(ownerID, location string) (string, error) {
	if strings.TrimSpace(location) == "" {
		return "", nil
	}
	key, err := o.blobs.Normalize(location)
	if err != nil {
		return "", err
	}
	if owner, ok := o.blobs.OwnerOf(key); ok && owner != ownerID {
		return "", fmt.Errorf("%w: key %q was issued to another owner", storage.ErrValidation, key)
	}
	return key, nil
}

type TranscribeRequest struct {
	AudioLocation string `json:"audio_location"`
	Language      string `json:"language,omitempty"`
	OwnerID       string `json:"owner_id,omitempty"`
	// SaveText stores the transcript as a text blob under OwnerID.
	SaveText bool `json:"save_text,omitempty"`
}

// TranscribeResult is the transcript plus, when it was saved, the key and
// locator to confirm it with.
type TranscribeResult struct {
	transcribe.Result
	TextKey      string `json:"text_key,omitempty"`
	TextLocation string `json:"text_location,omitempty"`
}

// TranscribeStored transcribes audio at the request location, which may be
// a bare key, an archive URI or a local staging path. With SaveText set a
// non-empty transcript is written to a fresh text key for the owner.
func (o *Orchestrator) TranscribeStored(ctx context.Context, req TranscribeRequest) (TranscribeResult, error) {
	if req.SaveText && req.OwnerID == "" {
		return TranscribeResult{}, ErrMissingOwner
	}
	res, err := o.speech.Transcribe(ctx, req.AudioLocation, req.Language)
	if err != nil {
		return TranscribeResult{}, err
	}
	out := TranscribeResult{Result: res}
	if !req.SaveText || res.Text == "" {
		return out, nil
	}

	key, err := o.blobs.BuildKey(req.OwnerID, blob.KindText, "transcript.txt")
	if err != nil {
		return TranscribeResult{}, err
	}
	if err := o.blobs.Put(ctx, key, transcriptContentType, strings.NewReader(res.Text)); err != nil {
		return TranscribeResult{}, err
	}
	o.logger.Debug("transcript saved", "owner_id", req.OwnerID, "key", key)
	out.TextKey = key
	out.TextLocation = o.blobs.PublicLocator(key)
	return out, nil
}

// RecordView is a stored record plus short-lived download URLs for its
// assets.
type RecordView struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	SubjectID   string    `json:"subject_id"`
	CategoryID  string    `json:"category_id"`
	IntensityID int       `json:"intensity_id"`
	Note        string    `json:"note,omitempty"`
	AudioKey    string    `json:"audio_key,omitempty"`
	TextKey     string    `json:"text_key,omitempty"`
	AudioURL    string    `json:"audio_url,omitempty"`
	TextURL     string    `json:"text_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// GetRecord loads a record by ID.
func (o *Orchestrator) GetRecord(ctx context.Context, id string) (RecordView, error) {
	rec, err := o.records.GetRecord(ctx, id)
	if err != nil {
		return RecordView{}, err
	}
	return o.DownloadGrants(ctx, rec), nil
}

// TodayRecord loads the (owner, subject) record for the current reference
// day.
func (o *Orchestrator) TodayRecord(ctx context.Context, ownerID, subjectID string) (RecordView, error) {
	if ownerID == "" || subjectID == "" {
		return RecordView{}, ErrMissingOwnerSubject
	}
	rec, err := o.records.TodayRecord(ctx, ownerID, subjectID)
	if err != nil {
		return RecordView{}, err
	}
	return o.DownloadGrants(ctx, rec), nil
}

type ListRequest struct {
	OwnerID   string
	SubjectID string
	// Date selects one calendar day, YYYY-MM-DD in the reference timezone.
	// Limit and Offset are ignored when it is set.
	Date   string
	Limit  int
	Offset int
}

// ListRecords returns the (owner, subject) records of one day, or a page of
// all of them, newest first.
func (o *Orchestrator) ListRecords(ctx context.Context, req ListRequest) ([]RecordView, error) {
	if req.OwnerID == "" || req.SubjectID == "" {
		return nil, ErrMissingOwnerSubject
	}
	var (
		recs []storage.EmotionRecord
		err  error
	)
	if req.Date != "" {
		day, perr := o.records.ParseDay(req.Date)
		if perr != nil {
			return nil, perr
		}
		recs, err = o.records.ListRecordsForDay(ctx, req.OwnerID, req.SubjectID, day)
	} else {
		recs, err = o.records.ListRecords(ctx, req.OwnerID, req.SubjectID, req.Limit, req.Offset)
	}
	if err != nil {
		return nil, err
	}
	views := make([]RecordView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, o.DownloadGrants(ctx, rec))
	}
	return views, nil
}

// DownloadGrants attaches download URLs for the record's keys. A key whose
// grant cannot be issued is returned without a URL.
func (o *Orchestrator) DownloadGrants(ctx context.Context, rec storage.EmotionRecord) RecordView {
	view := RecordView{
		ID:          rec.ID,
		OwnerID:     rec.OwnerID,
		SubjectID:   rec.SubjectID,
		CategoryID:  rec.CategoryID,
		IntensityID: rec.IntensityID,
		Note:        rec.Note,
		AudioKey:    rec.AudioKey,
		TextKey:     rec.TextKey,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
	view.AudioURL = o.downloadURL(ctx, rec.AudioKey)
	view.TextURL = o.downloadURL(ctx, rec.TextKey)
	return view
}

func (o *Orchestrator) downloadURL(ctx context.Context, key string) string {
	if key == "" {
		return ""
	}
	g, err := o.blobs.IssueDownloadGrant(ctx, key, 0)
	if err != nil {
		o.logger.Warn("download grant failed", "key", key, "error", err)
		return ""
	}
	return g.URL
}
