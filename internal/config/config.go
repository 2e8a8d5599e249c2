package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
	_ "time/tzdata"
)

type Config struct {
	Server     ServerConfig
	Log        LogConfig
	Storage    StorageConfig
	Blob       BlobConfig
	Transcribe TranscribeConfig
	Sweeper    SweeperConfig
}

type ServerConfig struct {
	Port int
	// Token is the bearer token required on /v1 routes.
	Token string
	// PublicURL is the externally reachable base URL used in signed grant
	// links. Empty means http://127.0.0.1:{Port}.
	PublicURL string
}

type LogConfig struct {
	Level string
	// File enables a rotating log file in addition to stderr.
	File string
}

type StorageConfig struct {
	Driver            string
	DSN               string
	DataDir           string
	LockTimeout       time.Duration
	ReferenceTimezone string
}

type BlobConfig struct {
	Backend         string
	Bucket          string
	Prefix          string
	Root            string
	SigningKey      string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	GrantTTL        time.Duration
	CallTimeout     time.Duration
}

type TranscribeConfig struct {
	WhisperBin      string
	FFmpegBin       string
	Model           string
	ModelDir        string
	Device          string
	Threads         int
	Workers         int
	Timeout         time.Duration
	MaxFileSize     int
	TempDir         string
	LocalRoot       string
	WarmOnStart     bool
	InitialPrompt   string
	ChildVocabulary bool
}

type SweeperConfig struct {
	PollInterval time.Duration
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 8400,
		},
		Log: LogConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			Driver:            "sqlite",
			DataDir:           defaultDataDir(),
			LockTimeout:       10 * time.Second,
			ReferenceTimezone: "Asia/Tokyo",
		},
		Blob: BlobConfig{
			Backend:     "fs",
			Bucket:      "local",
			Prefix:      "voice-uploads",
			GrantTTL:    time.Hour,
			CallTimeout: 30 * time.Second,
		},
		Transcribe: TranscribeConfig{
			WhisperBin:  "whisper-server",
			FFmpegBin:   "ffmpeg",
			Model:       "base",
			Workers:     2,
			Timeout:     120 * time.Second,
			MaxFileSize: 25 << 20,
		},
		Sweeper: SweeperConfig{
			PollInterval: 30 * time.Second,
		},
	}
}

// PublicBaseURL returns Server.PublicURL or the loopback address.
func (c Config) PublicBaseURL() string {
	if c.Server.PublicURL != "" {
		return c.Server.PublicURL
	}
	return fmt.Sprintf("http://127.0.0.1:%d", c.Server.Port)
}

// BlobRoot returns the FSStore directory.
func (c Config) BlobRoot() string {
	if c.Blob.Root != "" {
		return c.Blob.Root
	}
	return filepath.Join(c.Storage.DataDir, "blobs")
}

// WhisperModelDir returns Transcribe.ModelDir or the models directory under
// the data directory.
func (c Config) WhisperModelDir() string {
	if c.Transcribe.ModelDir != "" {
		return c.Transcribe.ModelDir
	}
	return filepath.Join(c.Storage.DataDir, "models")
}

// Validate checks settings the server cannot start without.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Token == "" {
		errs = append(errs, errors.New("missing required config: server token. "+
			"Set it via environment variable KOKORON_SERVER_TOKEN or "+secretsFilePath()))
	}
	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver must be sqlite or postgres, got %q", c.Storage.Driver))
	}
	switch c.Blob.Backend {
	case "fs":
		if c.Blob.SigningKey == "" {
			errs = append(errs, errors.New("missing required config: blob signing key. "+
				"Set it via environment variable KOKORON_BLOB_SIGNING_KEY or "+secretsFilePath()))
		}
	case "s3":
		if c.Blob.Bucket == "" || c.Blob.Bucket == "local" {
			errs = append(errs, errors.New("blob.bucket must name an S3 bucket for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("blob.backend must be fs or s3, got %q", c.Blob.Backend))
	}
	if c.Transcribe.LocalRoot != "" && !filepath.IsAbs(c.Transcribe.LocalRoot) {
		errs = append(errs, fmt.Errorf("transcribe.local_root must be an absolute path, got %q", c.Transcribe.LocalRoot))
	}
	if _, err := time.LoadLocation(c.Storage.ReferenceTimezone); err != nil {
		errs = append(errs, fmt.Errorf("storage.reference_timezone: %w", err))
	}
	return errors.Join(errs...)
}

// Load reads configuration from the TOML file backend, environment variables
// and the secrets file.
//
// The backend is a TOML file at $XDG_CONFIG_HOME/kokoron/config.toml.
// Environment variables (KOKORON_*) override backend values. Secrets are
// never read from config.toml; they come from the environment or from
// $XDG_DATA_HOME/kokoron/secrets.toml.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), secretsFile{path: secretsFilePath()})
}

// loadFromPath loads from an explicit config file without a secrets file.
func loadFromPath(path string, sec secretSource) (Config, error) {
	return loadWith(newFileBackend(path), sec)
}

// secretSource abstracts the secrets file for testing.
type secretSource interface {
	Get(key string) (string, error)
}

func loadWith(b ConfigBackend, sec secretSource) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	for _, s := range specs {
		if !s.secret || s.extract(cfg) != "" {
			continue
		}
		if v, err := sec.Get(s.key); err == nil && v != "" {
			s.apply(&cfg, v)
		}
	}

	return cfg, nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "kokoron-data"
		}
	}
	return filepath.Join(dir, "kokoron")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "kokoron", "config.toml")
}

// FilePath returns the config file location.
func FilePath() string {
	return configFilePath()
}
