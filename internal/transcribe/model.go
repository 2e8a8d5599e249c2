package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// ModelState is the lifecycle of the shared model handle.
type ModelState int

const (
	StateUnloaded ModelState = iota
	StateLoading
	StateReady
)

func (s ModelState) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	default:
		return "unloaded"
	}
}

// Recognizer runs inference on a prepared audio file. Implementations must
// honour ctx cancellation.
type Recognizer interface {
	Recognize(ctx context.Context, audioPath string, opts DecodeOptions) (Output, error)
}

// Loader produces a ready Recognizer. It is called at most once per load
// attempt.
type Loader func(ctx context.Context) (Recognizer, error)

const defaultLoadTimeout = 10 * time.Minute

// ErrModelClosed is returned by Get after Close.
var ErrModelClosed = errors.New("speech model closed")

// aliveChecker is implemented by Recognizers backed by a process that can
// die independently of the Model.
type aliveChecker interface {
	Alive() bool
}

// Model owns the process-wide Recognizer. Concurrent first callers share a
// single load; a failed load returns the handle to StateUnloaded so a later
// call retries. Once ready the Recognizer is shared until Close, or until
// its backing process exits, which returns the handle to StateUnloaded.
type Model struct {
	load        Loader
	loadTimeout time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	state   ModelState
	rec     Recognizer
	attempt *loadAttempt
	closed  bool
}

type loadAttempt struct {
	done chan struct{}
	rec  Recognizer
	err  error
}

// NewModel creates an unloaded Model.
func NewModel(load Loader) *Model {
	return &Model{
		load:        load,
		loadTimeout: defaultLoadTimeout,
		logger:      slog.Default(),
	}
}

// State returns the current lifecycle state.
func (m *Model) State() ModelState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Get returns the Recognizer, loading it on first use. The load runs
// detached from ctx so an impatient first caller does not abort it for the
// others.
func (m *Model) Get(ctx context.Context) (Recognizer, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrModelClosed
	}
	if m.state == StateReady {
		if ac, ok := m.rec.(aliveChecker); !ok || ac.Alive() {
			rec := m.rec
			m.mu.Unlock()
			return rec, nil
		}
		m.logger.Warn("speech model process exited, reloading")
		closeRecognizer(m.rec)
		m.state = StateUnloaded
		m.rec = nil
	}
	att := m.attempt
	if m.state == StateUnloaded {
		att = &loadAttempt{done: make(chan struct{})}
		m.attempt = att
		m.state = StateLoading
		go m.runLoad(att)
	}
	m.mu.Unlock()

	select {
	case <-att.done:
		return att.rec, att.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Model) runLoad(att *loadAttempt) {
	ctx, cancel := context.WithTimeout(context.Background(), m.loadTimeout)
	defer cancel()

	start := time.Now()
	m.logger.Info("loading speech model")
	rec, err := m.load(ctx)

	m.mu.Lock()
	if err == nil && m.closed {
		closeRecognizer(rec)
		err = ErrModelClosed
	}
	if err != nil {
		m.state = StateUnloaded
		att.err = fmt.Errorf("%w: %w", ErrModelLoad, err)
		m.logger.Error("speech model load failed", "error", err)
	} else {
		m.state = StateReady
		m.rec = rec
		att.rec = rec
		m.logger.Info("speech model ready", "elapsed", time.Since(start).Round(time.Millisecond))
	}
	m.attempt = nil
	m.mu.Unlock()
	close(att.done)
}

// Close releases the loaded Recognizer. Later Get calls fail with
// ErrModelClosed; a load still in flight is released when it finishes.
func (m *Model) Close() error {
	m.mu.Lock()
	rec := m.rec
	m.rec = nil
	m.closed = true
	m.state = StateUnloaded
	m.mu.Unlock()
	return closeRecognizer(rec)
}

func closeRecognizer(rec Recognizer) error {
	if c, ok := rec.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
