package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// ErrWorkerExited is returned by a Recognizer whose inference server is gone.
var ErrWorkerExited = errors.New("inference server exited")

// DecodeOptions are the per-call inputs to a Recognizer.
type DecodeOptions struct {
	// Language is a supported base language or LanguageAuto.
	Language      string
	InitialPrompt string
}

// Segment is one decoded span as reported by whisper.
type Segment struct {
	Start      float64  `json:"start"`
	End        float64  `json:"end"`
	Text       string   `json:"text"`
	AvgLogprob *float64 `json:"avg_logprob"`
}

// Output is the raw recognizer result.
type Output struct {
	Text     string    `json:"text"`
	Language string    `json:"language"`
	Duration *float64  `json:"duration"`
	Segments []Segment `json:"segments"`
}

// Process is a running inference server.
type Process interface {
	Wait() error
	Kill() error
}

// ProcessStarter launches a long-running program. The process must outlive
// the call that started it.
type ProcessStarter func(name string, args ...string) (Process, error)

const DefaultWhisperModel = "base"

var knownModels = map[string]bool{
	"tiny": true, "tiny.en": true,
	"base": true, "base.en": true,
	"small": true, "small.en": true,
	"medium": true, "medium.en": true,
	"large-v1": true, "large-v2": true, "large-v3": true,
	"large-v3-turbo": true,
}

// WhisperConfig describes a whisper.cpp server installation.
type WhisperConfig struct {
	Binary string
	Model  string
	// ModelDir holds ggml-<model>.bin weight files.
	ModelDir string
	// Device "cpu" disables GPU offload.
	Device  string
	Threads int
	// Addr is the host:port the server listens on. Empty picks a free
	// loopback port.
	Addr string
	// PollInterval is the health check period while the weights load.
	PollInterval time.Duration
}

// WhisperLoader returns a Loader that starts one whisper.cpp server and waits
// until it has loaded the weights. The returned Recognizer sends every
// request to that server, so the weights stay resident for the lifetime of
// the Model. A nil starter executes real processes.
func WhisperLoader(cfg WhisperConfig, start ProcessStarter) Loader {
	return func(ctx context.Context) (Recognizer, error) {
		if cfg.Model == "" {
			cfg.Model = DefaultWhisperModel
		}
		if !knownModels[cfg.Model] {
			return nil, fmt.Errorf("unknown whisper model %q", cfg.Model)
		}
		if cfg.PollInterval <= 0 {
			cfg.PollInterval = 250 * time.Millisecond
		}
		bin := cfg.Binary
		if bin == "" {
			bin = "whisper-server"
		}
		if start == nil {
			resolved, err := exec.LookPath(bin)
			if err != nil {
				return nil, fmt.Errorf("locating whisper server: %w", err)
			}
			bin = resolved
			start = execStarter
		}

		weights := filepath.Join(cfg.ModelDir, "ggml-"+cfg.Model+".bin")
		if _, err := os.Stat(weights); err != nil {
			return nil, fmt.Errorf("model weights: %w", err)
		}

		addr := cfg.Addr
		if addr == "" {
			free, err := freeLoopbackAddr()
			if err != nil {
				return nil, err
			}
			addr = free
		}
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("whisper server address: %w", err)
		}

		args := []string{
			"--model", weights,
			"--host", host,
			"--port", port,
			"--no-fallback",
		}
		if cfg.Threads > 0 {
			args = append(args, "--threads", strconv.Itoa(cfg.Threads))
		}
		if cfg.Device == "cpu" {
			args = append(args, "--no-gpu")
		}

		proc, err := start(bin, args...)
		if err != nil {
			return nil, fmt.Errorf("starting whisper server: %w", err)
		}
		w := &whisperServer{
			base:   "http://" + addr,
			client: &http.Client{},
			proc:   proc,
			exited: make(chan struct{}),
		}
		go func() {
			w.waitErr = proc.Wait()
			close(w.exited)
		}()

		if err := w.waitReady(ctx, cfg.PollInterval); err != nil {
			w.Close()
			return nil, err
		}
		return w, nil
	}
}

func freeLoopbackAddr() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("reserving whisper server port: %w", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr, nil
}

type whisperServer struct {
	base   string
	client *http.Client
	proc   Process

	exited  chan struct{}
	waitErr error

	closeOnce sync.Once
}

// waitReady polls /health until the server answers 200. The server answers
// 503 while the weights are loading.
func (w *whisperServer) waitReady(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.base+"/health", nil)
		if err != nil {
			return err
		}
		if resp, err := w.client.Do(req); err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-w.exited:
			return fmt.Errorf("%w before becoming ready: %v", ErrWorkerExited, w.waitErr)
		case <-ctx.Done():
			return fmt.Errorf("waiting for whisper server: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Alive reports whether the server process is still running.
func (w *whisperServer) Alive() bool {
	select {
	case <-w.exited:
		return false
	default:
		return true
	}
}

// Close stops the server and waits for it to exit.
func (w *whisperServer) Close() error {
	w.closeOnce.Do(func() {
		if w.Alive() {
			w.proc.Kill()
		}
		<-w.exited
	})
	return nil
}

// Recognize uploads audioPath to the server. Decoding is greedy at
// temperature 0 with fallback disabled.
func (w *whisperServer) Recognize(ctx context.Context, audioPath string, opts DecodeOptions) (Output, error) {
	if !w.Alive() {
		return Output{}, ErrWorkerExited
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := attachFile(mw, audioPath); err != nil {
		return Output{}, err
	}
	lang := opts.Language
	if lang == "" {
		lang = LanguageAuto
	}
	fields := [][2]string{
		{"response_format", "verbose_json"},
		{"temperature", "0"},
		{"temperature_inc", "0"},
		{"language", lang},
	}
	if opts.InitialPrompt != "" {
		fields = append(fields, [2]string{"prompt", opts.InitialPrompt})
	}
	for _, f := range fields {
		mw.WriteField(f[0], f[1])
	}
	if err := mw.Close(); err != nil {
		return Output{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.base+"/inference", &body)
	if err != nil {
		return Output{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := w.client.Do(req)
	if err != nil {
		if !w.Alive() {
			return Output{}, ErrWorkerExited
		}
		return Output{}, fmt.Errorf("whisper server request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Output{}, fmt.Errorf("reading whisper response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Output{}, fmt.Errorf("whisper server returned %d: %s", resp.StatusCode, tail(data, 512))
	}
	var payload struct {
		Output
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return Output{}, fmt.Errorf("parsing whisper response: %w", err)
	}
	if payload.Error != "" {
		return Output{}, fmt.Errorf("whisper server: %s", payload.Error)
	}
	out := payload.Output
	out.Language = languageCode(out.Language)
	return out, nil
}

func attachFile(mw *multipart.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening audio: %w", err)
	}
	defer f.Close()
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("reading audio: %w", err)
	}
	return nil
}

// languageCode maps the server's language report, which may be an English
// name such as "japanese", to a base language code.
func languageCode(reported string) string {
	s := strings.ToLower(strings.TrimSpace(reported))
	if s == "" || supportedBases[s] {
		return s
	}
	names := display.English.Languages()
	for code := range supportedBases {
		if strings.EqualFold(names.Name(language.Make(code)), s) {
			return code
		}
	}
	if tag, err := language.Parse(s); err == nil {
		base, _ := tag.Base()
		return base.String()
	}
	return s
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Wait() error { return p.cmd.Wait() }
func (p *execProcess) Kill() error { return p.cmd.Process.Kill() }

func execStarter(name string, args ...string) (Process, error) {
	cmd := exec.Command(name, args...) //nolint:gosec
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd}, nil
}
