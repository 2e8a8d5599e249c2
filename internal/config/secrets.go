package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

func secretsFilePath() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "kokoron", "secrets.toml")
}

// secretsFile reads secrets from a private TOML file laid out like
// config.toml.
type secretsFile struct {
	path string
}

func (f secretsFile) Get(key string) (string, error) {
	info, err := os.Stat(f.path)
	if err != nil {
		return "", fmt.Errorf("secrets file not available: %w", err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		return "", fmt.Errorf("secrets file %s must not be readable by group or others", f.path)
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return "", err
	}
	var secrets map[string]any
	if err := toml.Unmarshal(data, &secrets); err != nil {
		return "", fmt.Errorf("parsing secrets file: %w", err)
	}
	section, name, _ := strings.Cut(key, ".")
	table, ok := secrets[section].(map[string]any)
	if !ok {
		return "", fmt.Errorf("section %q not found", section)
	}
	v, ok := table[name].(string)
	if !ok {
		return "", fmt.Errorf("secret %q not found", key)
	}
	return v, nil
}
