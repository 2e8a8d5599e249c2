// Package transcribe turns stored voice notes into text with a cached,
// process-wide speech model.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kokoron/kokoron/internal/blob"
)

const (
	defaultWorkers = 2
	defaultTimeout = 120 * time.Second
)

// Fetcher streams a stored object.
type Fetcher interface {
	Fetch(ctx context.Context, key string, w io.Writer) (int64, error)
}

// Normalizer produces a decoder-friendly derivative of an audio file.
type Normalizer interface {
	Normalize(ctx context.Context, src string) (string, error)
}

// Config tunes an Engine. Zero values fall back to defaults.
type Config struct {
	TempDir string
	// LocalRoot is the only directory local-path locations may name. Empty
	// disables local paths.
	LocalRoot string
	// Bucket is the bucket archive URIs must name.
	Bucket      string
	MaxFileSize int64
	Workers     int
	Timeout     time.Duration
	// InitialPrompt overrides the decoder prompt for every language.
	InitialPrompt string
	// ChildVocabulary enables ChildVocabularyPrompt for Japanese.
	ChildVocabulary bool
}

// Result is the shaped transcription returned to callers.
type Result struct {
	Text            string    `json:"text"`
	Language        string    `json:"language"`
	Confidence      *float64  `json:"confidence,omitempty"`
	DurationSeconds float64   `json:"duration_seconds"`
	ProcessedAt     time.Time `json:"processed_at"`
}

// Engine stages audio, validates it, and runs inference on a bounded pool.
type Engine struct {
	model *Model
	blobs Fetcher
	norm  Normalizer
	sem   *semaphore.Weighted
	cfg   Config

	now    func() time.Time
	logger *slog.Logger
}

// NewEngine creates an Engine. norm may be nil to skip normalization.
func NewEngine(model *Model, blobs Fetcher, norm Normalizer, cfg Config) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	return &Engine{
		model:  model,
		blobs:  blobs,
		norm:   norm,
		sem:    semaphore.NewWeighted(int64(cfg.Workers)),
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default(),
	}
}

// Warm loads the model ahead of the first request.
func (e *Engine) Warm(ctx context.Context) error {
	_, err := e.model.Get(ctx)
	return err
}

// Close releases the speech model.
func (e *Engine) Close() error {
	return e.model.Close()
}

// ModelState reports the model lifecycle state.
func (e *Engine) ModelState() ModelState {
	return e.model.State()
}

// Transcribe resolves location (local path, archive URI or bare key),
// validates the audio and decodes it. Temporary files created on the way are
// always removed.
func (e *Engine) Transcribe(ctx context.Context, location, lang string) (Result, error) {
	lang, err := ParseLanguage(lang)
	if err != nil {
		return Result{}, err
	}

	var cleanup []string
	defer func() {
		for _, p := range cleanup {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				e.logger.Warn("removing temp audio failed", "path", p, "error", err)
			}
		}
	}()

	var audioPath string
	loc := blob.Classify(location, e.cfg.Bucket)
	switch loc.Kind {
	case blob.LocationLocalPath:
		audioPath, err = e.localPath(loc.Path)
		if err != nil {
			return Result{}, err
		}
	case blob.LocationArchiveURI, blob.LocationBareKey:
		audioPath, err = e.stage(ctx, loc.Key, &cleanup)
		if err != nil {
			return Result{}, err
		}
	default:
		return Result{}, loc.Err
	}

	info, err := ValidateFile(audioPath, e.cfg.MaxFileSize)
	if err != nil {
		return Result{}, err
	}

	input := audioPath
	if e.norm != nil {
		if p, err := e.norm.Normalize(ctx, audioPath); err != nil {
			e.logger.Warn("audio normalization failed, using original", "path", audioPath, "error", err)
		} else {
			cleanup = append(cleanup, p)
			input = p
		}
	}

	rec, err := e.model.Get(ctx)
	if err != nil {
		return Result{}, err
	}

	start := time.Now()
	out, err := e.infer(ctx, rec, input, DecodeOptions{Language: lang, InitialPrompt: e.promptFor(lang)})
	if err != nil {
		return Result{}, err
	}
	res := shapeResult(out, lang, e.now())
	e.logger.Info("transcription complete",
		"location_kind", loc.Kind, "bytes", info.Size(), "language", res.Language,
		"duration_seconds", res.DurationSeconds, "elapsed", time.Since(start).Round(time.Millisecond))
	return res, nil
}

// localPath admits files under LocalRoot only, after resolving symlinks.
func (e *Engine) localPath(p string) (string, error) {
	if e.cfg.LocalRoot == "" {
		return "", fmt.Errorf("%w: local paths are disabled", blob.ErrUnsupportedLocation)
	}
	root, p := filepath.Clean(e.cfg.LocalRoot), filepath.Clean(p)
	if !within(root, p) {
		return "", fmt.Errorf("%w: %s is outside the staging directory", blob.ErrUnsupportedLocation, p)
	}
	resolved, err := filepath.EvalSymlinks(p)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrFileNotFound, p)
	}
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", p, err)
	}
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("resolving staging directory: %w", err)
	}
	if !within(resolvedRoot, resolved) {
		return "", fmt.Errorf("%w: %s is outside the staging directory", blob.ErrUnsupportedLocation, p)
	}
	return p, nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (e *Engine) stage(ctx context.Context, key string, cleanup *[]string) (string, error) {
	f, err := os.CreateTemp(e.cfg.TempDir, "kokoron-stage-*"+path.Ext(key))
	if err != nil {
		return "", fmt.Errorf("creating staging file: %w", err)
	}
	*cleanup = append(*cleanup, f.Name())

	_, err = e.blobs.Fetch(ctx, key, &cappedWriter{w: f, limit: e.cfg.MaxFileSize, remaining: e.cfg.MaxFileSize})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	switch {
	case errors.Is(err, blob.ErrObjectNotFound):
		return "", fmt.Errorf("%w: %s", ErrFileNotFound, key)
	case err != nil:
		return "", fmt.Errorf("staging %s: %w", key, err)
	}
	return f.Name(), nil
}

// cappedWriter stops a download once it exceeds the size limit.
type cappedWriter struct {
	w         io.Writer
	limit     int64
	remaining int64
}

func (c *cappedWriter) Write(p []byte) (int, error) {
	if int64(len(p)) > c.remaining {
		return 0, fmt.Errorf("%w: exceeds %d bytes", ErrFileTooLarge, c.limit)
	}
	n, err := c.w.Write(p)
	c.remaining -= int64(n)
	return n, err
}

func (e *Engine) promptFor(lang string) string {
	if e.cfg.InitialPrompt != "" {
		return e.cfg.InitialPrompt
	}
	if e.cfg.ChildVocabulary && lang == "ja" {
		return ChildVocabularyPrompt()
	}
	return ""
}

type inferResult struct {
	out Output
	err error
}

// infer runs rec on the worker pool under the engine timeout. Waiting for a
// pool slot counts against the timeout.
func (e *Engine) infer(ctx context.Context, rec Recognizer, audioPath string, opts DecodeOptions) (Output, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return Output{}, e.contextErr(ctx, err)
	}

	done := make(chan inferResult, 1)
	go func() {
		defer e.sem.Release(1)
		out, err := rec.Recognize(ctx, audioPath, opts)
		done <- inferResult{out, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if ctx.Err() != nil {
				return Output{}, e.contextErr(ctx, r.err)
			}
			return Output{}, fmt.Errorf("%w: %w", ErrInference, r.err)
		}
		return r.out, nil
	case <-ctx.Done():
		return Output{}, e.contextErr(ctx, ctx.Err())
	}
}

func (e *Engine) contextErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrTranscriptionTimeout, e.cfg.Timeout)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func shapeResult(out Output, lang string, now time.Time) Result {
	res := Result{
		Text:        strings.TrimSpace(out.Text),
		Language:    lang,
		Confidence:  aggregateConfidence(out.Segments),
		ProcessedAt: now.UTC(),
	}
	if lang == LanguageAuto && out.Language != "" {
		res.Language = out.Language
	}
	if out.Duration != nil {
		res.DurationSeconds = *out.Duration
	} else {
		for _, s := range out.Segments {
			res.DurationSeconds = math.Max(res.DurationSeconds, s.End)
		}
	}
	return res
}

// aggregateConfidence is the mean of exp(avg_logprob) over segments that
// report it, clamped to [0, 1] and rounded to three decimals.
func aggregateConfidence(segs []Segment) *float64 {
	var sum float64
	n := 0
	for _, s := range segs {
		if s.AvgLogprob == nil || math.IsNaN(*s.AvgLogprob) {
			continue
		}
		sum += math.Exp(*s.AvgLogprob)
		n++
	}
	if n == 0 {
		return nil
	}
	c := math.Min(1, math.Max(0, sum/float64(n)))
	c = math.Round(c*1000) / 1000
	return &c
}
