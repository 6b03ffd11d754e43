package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Render returns cfg as a TOML document.
func Render(cfg DaemonConfig) (string, error) {
	out, err := toml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("config render failed: %w", err)
	}
	return string(out), nil
}

// WriteDefault writes the default configuration to path.
func WriteDefault(path string, overwrite bool) error {
	doc, err := Render(Default())
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(doc), 0o600)
}
