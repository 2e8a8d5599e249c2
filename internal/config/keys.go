package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

func (t keyType) String() string {
	switch t {
	case kInt:
		return "integer"
	case kBool:
		return "bool"
	case kDuration:
		return "duration"
	default:
		return "string"
	}
}

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "KOKORON_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "KOKORON_SERVER_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "server.public_url", typ: kString, env: "KOKORON_SERVER_PUBLIC_URL",
		apply:   func(cfg *Config, v any) { cfg.Server.PublicURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.PublicURL },
	},
	{
		key: "log.level", typ: kString, env: "KOKORON_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.file", typ: kString, env: "KOKORON_LOG_FILE",
		apply:   func(cfg *Config, v any) { cfg.Log.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.File },
	},
	{
		key: "storage.driver", typ: kString, env: "KOKORON_STORAGE_DRIVER",
		apply:   func(cfg *Config, v any) { cfg.Storage.Driver = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Driver },
	},
	{
		key: "storage.dsn", typ: kString, env: "KOKORON_STORAGE_DSN",
		apply:   func(cfg *Config, v any) { cfg.Storage.DSN = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DSN },
	},
	{
		key: "storage.data_dir", typ: kString, env: "KOKORON_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.lock_timeout", typ: kDuration, env: "KOKORON_STORAGE_LOCK_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Storage.LockTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Storage.LockTimeout },
	},
	{
		key: "storage.reference_timezone", typ: kString, env: "KOKORON_STORAGE_REFERENCE_TIMEZONE",
		apply:   func(cfg *Config, v any) { cfg.Storage.ReferenceTimezone = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.ReferenceTimezone },
	},
	{
		key: "blob.backend", typ: kString, env: "KOKORON_BLOB_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Blob.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.Backend },
	},
	{
		key: "blob.bucket", typ: kString, env: "KOKORON_BLOB_BUCKET",
		apply:   func(cfg *Config, v any) { cfg.Blob.Bucket = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.Bucket },
	},
	{
		key: "blob.prefix", typ: kString, env: "KOKORON_BLOB_PREFIX",
		apply:   func(cfg *Config, v any) { cfg.Blob.Prefix = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.Prefix },
	},
	{
		key: "blob.root", typ: kString, env: "KOKORON_BLOB_ROOT",
		apply:   func(cfg *Config, v any) { cfg.Blob.Root = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.Root },
	},
	{
		key: "blob.signing_key", typ: kString, env: "KOKORON_BLOB_SIGNING_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Blob.SigningKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.SigningKey },
	},
	{
		key: "blob.region", typ: kString, env: "KOKORON_BLOB_REGION",
		apply:   func(cfg *Config, v any) { cfg.Blob.Region = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.Region },
	},
	{
		key: "blob.endpoint", typ: kString, env: "KOKORON_BLOB_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Blob.Endpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.Endpoint },
	},
	{
		key: "blob.access_key_id", typ: kString, env: "KOKORON_BLOB_ACCESS_KEY_ID",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Blob.AccessKeyID = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.AccessKeyID },
	},
	{
		key: "blob.secret_access_key", typ: kString, env: "KOKORON_BLOB_SECRET_ACCESS_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Blob.SecretAccessKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Blob.SecretAccessKey },
	},
	{
		key: "blob.grant_ttl", typ: kDuration, env: "KOKORON_BLOB_GRANT_TTL",
		apply:   func(cfg *Config, v any) { cfg.Blob.GrantTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Blob.GrantTTL },
	},
	{
		key: "blob.call_timeout", typ: kDuration, env: "KOKORON_BLOB_CALL_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Blob.CallTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Blob.CallTimeout },
	},
	{
		key: "transcribe.whisper_bin", typ: kString, env: "KOKORON_TRANSCRIBE_WHISPER_BIN",
		apply:   func(cfg *Config, v any) { cfg.Transcribe.WhisperBin = v.(string) },
		extract: func(cfg Config) any { return cfg.Transcribe.WhisperBin },
	},
	{
		key: "transcribe.ffmpeg_bin", typ: kString, env: "KOKORON_TRANSCRIBE_FFMPEG_BIN",
		apply:   func(cfg *Config, v any) { cfg.Transcribe.FFmpegBin = v.(string) },
		extract: func(cfg Config) any { return cfg.Transcribe.FFmpegBin },
	},
	{
		key: "transcribe.model", typ: kString, env: "KOKORON_TRANSCRIBE_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Transcribe.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Transcribe.Model },
	},
	{
		key: "transcribe.model_dir", typ: kString, env: "KOKORON_TRANSCRIBE_MODEL_DIR",
		apply:   func(cfg *Config, v any) { cfg.Transcribe.ModelDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Transcribe.ModelDir },
	},
	{
		key: "transcribe.device", typ: kString, env: "KOKORON_TRANSCRIBE_DEVICE",
		apply:   func(cfg *Config, v any) { cfg.Transcribe.Device = v.(string) },
		extract: func(cfg Config) any { return cfg.Transcribe.Device },
	},
	{
		key: "transcribe.threads", typ: kInt, env: "KOKORON_TRANSCRIBE_THREADS",
		apply:   func(cfg *Config, v any) { cfg.Transcribe.Threads = v.(int) },
		extract: func(cfg Config) any { return cfg.Transcribe.Threads },
	},
	{
		key: "transcribe.workers", typ: kInt, env: "KOKORON_TRANSCRIBE_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Transcribe.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Transcribe.Workers },
	},
	{
		key: "transcribe.timeout", typ: kDuration, env: "KOKORON_TRANSCRIBE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Transcribe.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Transcribe.Timeout },
	},
	{
		key: "transcribe.max_file_size", typ: kInt, env: "KOKORON_TRANSCRIBE_MAX_FILE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Transcribe.MaxFileSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Transcribe.MaxFileSize },
	},
	{
		key: "transcribe.temp_dir", typ: kString, env: "KOKORON_TRANSCRIBE_TEMP_DIR",
		apply:   func(cfg *Config, v any) { cfg.Transcribe.TempDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Transcribe.TempDir },
	},
	{
		key: "transcribe.local_root", typ: kString, env: "KOKORON_TRANSCRIBE_LOCAL_ROOT",
		apply:   func(cfg *Config, v any) { cfg.Transcribe.LocalRoot = v.(string) },
		extract: func(cfg Config) any { return cfg.Transcribe.LocalRoot },
	},
	{
		key: "transcribe.warm_on_start", typ: kBool, env: "KOKORON_TRANSCRIBE_WARM_ON_START",
		apply:   func(cfg *Config, v any) { cfg.Transcribe.WarmOnStart = v.(bool) },
		extract: func(cfg Config) any { return cfg.Transcribe.WarmOnStart },
	},
	{
		key: "transcribe.initial_prompt", typ: kString, env: "KOKORON_TRANSCRIBE_INITIAL_PROMPT",
		apply:   func(cfg *Config, v any) { cfg.Transcribe.InitialPrompt = v.(string) },
		extract: func(cfg Config) any { return cfg.Transcribe.InitialPrompt },
	},
	{
		key: "transcribe.child_vocabulary", typ: kBool, env: "KOKORON_TRANSCRIBE_CHILD_VOCABULARY",
		apply:   func(cfg *Config, v any) { cfg.Transcribe.ChildVocabulary = v.(bool) },
		extract: func(cfg Config) any { return cfg.Transcribe.ChildVocabulary },
	},
	{
		key: "sweeper.poll_interval", typ: kDuration, env: "KOKORON_SWEEPER_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sweeper.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Sweeper.PollInterval },
	},
}

// parse converts raw text to the Go type of t.
func (t keyType) parse(raw string) (any, error) {
	switch t {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err == nil && d < 0 {
			return nil, fmt.Errorf("negative duration %s", raw)
		}
		return d, err
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool, kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if pv, err := s.typ.parse(v); err == nil {
					s.apply(cfg, pv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from config key %s=%q: %v. Using default value.\n", s.typ, s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.typ.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from env var %s=%q: %v. Using default value.\n", s.typ, s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
