package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kokoron/kokoron/internal/api"
	"github.com/kokoron/kokoron/internal/blob"
	"github.com/kokoron/kokoron/internal/catalog"
	"github.com/kokoron/kokoron/internal/config"
	"github.com/kokoron/kokoron/internal/pipeline"
	"github.com/kokoron/kokoron/internal/storage"
	"github.com/kokoron/kokoron/internal/sweeper"
	"github.com/kokoron/kokoron/internal/transcribe"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the kokoron server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withMCP, _ := cmd.Flags().GetBool("mcp")
		listen, _ := cmd.Flags().GetString("listen")
		return runServer(withMCP, listen)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running kokoron server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show kokoron server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP tools over stdin/stdout")
	serveCmd.Flags().String("listen", "", "listen address (default 127.0.0.1:<server.port>)")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "kokoron.pid")
}

func lockFilePath(dataDir string) string {
	return filepath.Join(dataDir, "kokoron.lock")
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// setupLogging installs the default slog logger. When cfg.File is set, logs
// are also written to a rotating file; the returned closer flushes it.
func setupLogging(cfg config.LogConfig) io.Closer {
	var w io.Writer = os.Stderr
	var closer io.Closer = io.NopCloser(nil)
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    50, // MB
			MaxBackups: 5,
			MaxAge:     30, // days
		}
		w = io.MultiWriter(os.Stderr, lj)
		closer = lj
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: parseLevel(cfg.Level)})))
	return closer
}

// openBlobStore builds the configured object store. The FSStore is also
// returned so the HTTP layer can serve its signed URLs.
func openBlobStore(ctx context.Context, cfg config.Config) (blob.Store, *blob.FSStore, error) {
	switch cfg.Blob.Backend {
	case "s3":
		s3, err := blob.NewS3Store(ctx, blob.S3Options{
			Bucket:          cfg.Blob.Bucket,
			Region:          cfg.Blob.Region,
			Endpoint:        cfg.Blob.Endpoint,
			AccessKeyID:     cfg.Blob.AccessKeyID,
			SecretAccessKey: cfg.Blob.SecretAccessKey,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("opening s3 store: %w", err)
		}
		return s3, nil, nil
	default:
		fs, err := blob.NewFSStore(cfg.BlobRoot(), cfg.Blob.Bucket, cfg.PublicBaseURL(), []byte(cfg.Blob.SigningKey))
		if err != nil {
			return nil, nil, fmt.Errorf("opening blob directory: %w", err)
		}
		return fs, fs, nil
	}
}

func runServer(withMCP bool, listen string) error {
	fmt.Fprintf(os.Stderr, "kokoron version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logCloser := setupLogging(cfg.Log)
	defer logCloser.Close()

	// One server per data directory.
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	lock := flock.New(lockFilePath(cfg.Storage.DataDir))
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		if pid, pidErr := readPIDFile(pidFilePath(cfg.Storage.DataDir)); pidErr == nil {
			printWarning("kokoron is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return errors.New("another kokoron server is already using " + cfg.Storage.DataDir)
	}
	defer lock.Unlock()

	pidPath := pidFilePath(cfg.Storage.DataDir)
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer os.Remove(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loc, err := time.LoadLocation(cfg.Storage.ReferenceTimezone)
	if err != nil {
		return fmt.Errorf("loading reference timezone: %w", err)
	}

	// Blob storage.
	objects, fsStore, err := openBlobStore(ctx, cfg)
	if err != nil {
		return err
	}
	blobs := blob.NewService(objects, blob.Config{
		Prefix:      cfg.Blob.Prefix,
		GrantTTL:    cfg.Blob.GrantTTL,
		CallTimeout: cfg.Blob.CallTimeout,
		Location:    loc,
	})
	slog.Info("blob storage ready", "backend", cfg.Blob.Backend, "bucket", objects.Bucket())

	// Record store.
	store, err := storage.Open(ctx, storage.Options{
		Driver:      cfg.Storage.Driver,
		DSN:         cfg.Storage.DSN,
		DataDir:     cfg.Storage.DataDir,
		LockTimeout: cfg.Storage.LockTimeout,
		Location:    loc,
		Orphans:     blobs,
	})
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Transcription.
	model := transcribe.NewModel(transcribe.WhisperLoader(transcribe.WhisperConfig{
		Binary:   cfg.Transcribe.WhisperBin,
		Model:    cfg.Transcribe.Model,
		ModelDir: cfg.WhisperModelDir(),
		Device:   cfg.Transcribe.Device,
		Threads:  cfg.Transcribe.Threads,
	}, nil))
	var norm transcribe.Normalizer
	if ff := transcribe.NewFFmpegNormalizer(cfg.Transcribe.FFmpegBin, cfg.Transcribe.TempDir, nil); ff.Available() {
		norm = ff
	} else {
		slog.Warn("ffmpeg not found, audio will not be normalized", "bin", cfg.Transcribe.FFmpegBin)
	}
	engine := transcribe.NewEngine(model, blobs, norm, transcribe.Config{
		TempDir:         cfg.Transcribe.TempDir,
		LocalRoot:       cfg.Transcribe.LocalRoot,
		Bucket:          objects.Bucket(),
		MaxFileSize:     int64(cfg.Transcribe.MaxFileSize),
		Workers:         cfg.Transcribe.Workers,
		Timeout:         cfg.Transcribe.Timeout,
		InitialPrompt:   cfg.Transcribe.InitialPrompt,
		ChildVocabulary: cfg.Transcribe.ChildVocabulary,
	})
	defer func() {
		if err := engine.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: stopping speech model: %v\n", err)
		}
	}()
	if cfg.Transcribe.WarmOnStart {
		go func() {
			if err := engine.Warm(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("model warm-up failed", "error", err)
			}
		}()
	}

	cat := catalog.NewStatic()
	orch := pipeline.New(blobs, store, cat, engine)

	// Retry failed orphan deletions.
	sw := sweeper.New(store, blobs, cfg.Sweeper.PollInterval)
	go sw.Run(ctx)

	handler := api.NewHandler(api.Deps{
		Capture:       orch,
		Catalog:       cat,
		Blobs:         fsStore,
		Token:         cfg.Server.Token,
		MaxUploadSize: int64(cfg.Transcribe.MaxFileSize),
		ModelState:    func() string { return engine.ModelState().String() },
	})

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{Capture: orch, Catalog: cat, Version: version})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := listen
	if addr == "" {
		addr = fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "kokoron listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("kokoron is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop kokoron (PID %d): %v", pid, err)
		os.Remove(pidPath)
		return err
	}

	printSuccess("Sent stop signal to kokoron (PID %d)", pid)
	return nil
}

type healthReport struct {
	Status string `json:"status"`
	Model  string `json:"model"`
}

func fetchHealth(client *http.Client, baseURL string) (healthReport, error) {
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return healthReport{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return healthReport{}, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	var h healthReport
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return healthReport{}, err
	}
	return h, nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	if h, err := fetchHealth(client, serverURL); err != nil {
		printStatus("Server", "stopped")
	} else {
		printStatus("Server", "running on port %d", cfg.Server.Port)
		printStatus("Speech model", "%s (%s)", cfg.Transcribe.Model, h.Model)
	}

	if err := cfg.Validate(); err != nil {
		printWarning("config incomplete: %v", err)
	}

	printStatus("Storage", "%s", cfg.Storage.Driver)
	printStatus("Blob backend", "%s (bucket %s)", cfg.Blob.Backend, cfg.Blob.Bucket)
	printStatus("Timezone", "%s", cfg.Storage.ReferenceTimezone)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
