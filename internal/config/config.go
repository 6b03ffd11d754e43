package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/nixwire/internal/protocol"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("config: invalid")

// DaemonConfig is the file form of a nixwired deployment.
type DaemonConfig struct {
	Socket       string   `toml:"socket" yaml:"socket"`
	StoreDir     string   `toml:"store_dir" yaml:"store_dir"`
	AdminAddr    string   `toml:"admin_addr" yaml:"admin_addr"`
	MinVersion   string   `toml:"min_version" yaml:"min_version"`
	MaxVersion   string   `toml:"max_version" yaml:"max_version"`
	Features     []string `toml:"features" yaml:"features"`
	TrustedUsers []string `toml:"trusted_users" yaml:"trusted_users"`
	AllowedUsers []string `toml:"allowed_users" yaml:"allowed_users"`
	ActivityLog  string   `toml:"activity_log" yaml:"activity_log"`
	LogLevel     string   `toml:"log_level" yaml:"log_level"`
	Limits       Limits   `toml:"limits" yaml:"limits"`
}

// Limits bounds what a single decode may allocate.
type Limits struct {
	MaxStringBytes uint64 `toml:"max_string_bytes" yaml:"max_string_bytes"`
	MaxListLen     uint64 `toml:"max_list_len" yaml:"max_list_len"`
	MaxFrameBytes  uint64 `toml:"max_frame_bytes" yaml:"max_frame_bytes"`
}

func Default() DaemonConfig {
	return DaemonConfig{
		Socket:       "/run/nixwire/daemon.sock",
		StoreDir:     "/nix/store",
		AdminAddr:    "127.0.0.1:9280",
		MinVersion:   protocol.MinVersion.String(),
		MaxVersion:   protocol.MaxVersion.String(),
		Features:     []string{},
		TrustedUsers: []string{"root"},
		AllowedUsers: []string{"*"},
		LogLevel:     "info",
		Limits: Limits{
			MaxStringBytes: 32 * 1024 * 1024,
			MaxListLen:     1 << 20,
			MaxFrameBytes:  32 * 1024 * 1024,
		},
	}
}

// Load reads path as YAML when its extension says so and as TOML
// otherwise. Keys absent from the file keep their defaults.
func Load(path string) (DaemonConfig, error) {
	var (
		cfg DaemonConfig
		err error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		cfg, err = loadYAML(path)
	default:
		cfg, err = loadTOML(path)
	}
	if err != nil {
		return DaemonConfig{}, err
	}
	if err := Validate(cfg); err != nil {
		return DaemonConfig{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// fileConfig mirrors DaemonConfig for the TOML overlay.
type fileConfig struct {
	Socket       string   `toml:"socket"`
	StoreDir     string   `toml:"store_dir"`
	AdminAddr    string   `toml:"admin_addr"`
	MinVersion   string   `toml:"min_version"`
	MaxVersion   string   `toml:"max_version"`
	Features     []string `toml:"features"`
	TrustedUsers []string `toml:"trusted_users"`
	AllowedUsers []string `toml:"allowed_users"`
	ActivityLog  string   `toml:"activity_log"`
	LogLevel     string   `toml:"log_level"`
	Limits       struct {
		MaxStringBytes uint64 `toml:"max_string_bytes"`
		MaxListLen     uint64 `toml:"max_list_len"`
		MaxFrameBytes  uint64 `toml:"max_frame_bytes"`
	} `toml:"limits"`
}

func loadTOML(path string) (DaemonConfig, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return DaemonConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return DaemonConfig{}, fmt.Errorf("config parse failed (%s): %w: unknown key %q", path, ErrInvalid, undecoded[0].String())
	}

	if meta.IsDefined("socket") {
		cfg.Socket = strings.TrimSpace(raw.Socket)
	}
	if meta.IsDefined("store_dir") {
		cfg.StoreDir = strings.TrimSpace(raw.StoreDir)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("min_version") {
		cfg.MinVersion = strings.TrimSpace(raw.MinVersion)
	}
	if meta.IsDefined("max_version") {
		cfg.MaxVersion = strings.TrimSpace(raw.MaxVersion)
	}
	if meta.IsDefined("features") {
		cfg.Features = raw.Features
	}
	if meta.IsDefined("trusted_users") {
		cfg.TrustedUsers = raw.TrustedUsers
	}
	if meta.IsDefined("allowed_users") {
		cfg.AllowedUsers = raw.AllowedUsers
	}
	if meta.IsDefined("activity_log") {
		cfg.ActivityLog = strings.TrimSpace(raw.ActivityLog)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("limits", "max_string_bytes") {
		cfg.Limits.MaxStringBytes = raw.Limits.MaxStringBytes
	}
	if meta.IsDefined("limits", "max_list_len") {
		cfg.Limits.MaxListLen = raw.Limits.MaxListLen
	}
	if meta.IsDefined("limits", "max_frame_bytes") {
		cfg.Limits.MaxFrameBytes = raw.Limits.MaxFrameBytes
	}
	return cfg, nil
}

func loadYAML(path string) (DaemonConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DaemonConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return DaemonConfig{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return cfg, nil
}

func Validate(cfg DaemonConfig) error {
	if strings.TrimSpace(cfg.Socket) == "" {
		return fmt.Errorf("%w: socket is required", ErrInvalid)
	}
	if !filepath.IsAbs(cfg.StoreDir) {
		return fmt.Errorf("%w: store_dir must be absolute, got %q", ErrInvalid, cfg.StoreDir)
	}
	if strings.HasSuffix(cfg.StoreDir, "/") && cfg.StoreDir != "/" {
		return fmt.Errorf("%w: store_dir must not end in a slash", ErrInvalid)
	}
	lo, hi, err := cfg.Versions()
	if err != nil {
		return err
	}
	if lo > hi {
		return fmt.Errorf("%w: min_version %s is above max_version %s", ErrInvalid, lo, hi)
	}
	if lo < protocol.MinVersion || hi > protocol.MaxVersion {
		return fmt.Errorf("%w: versions must lie within %s..%s", ErrInvalid, protocol.MinVersion, protocol.MaxVersion)
	}
	for i, f := range cfg.Features {
		if strings.TrimSpace(f) == "" {
			return fmt.Errorf("%w: features[%d] is empty", ErrInvalid, i)
		}
	}
	if cfg.Limits.MaxStringBytes == 0 || cfg.Limits.MaxListLen == 0 || cfg.Limits.MaxFrameBytes == 0 {
		return fmt.Errorf("%w: limits must be positive", ErrInvalid)
	}
	return nil
}

// Versions parses the configured protocol range.
func (c DaemonConfig) Versions() (lo, hi protocol.Version, err error) {
	lo, err = protocol.ParseVersion(c.MinVersion)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: min_version: %w", ErrInvalid, err)
	}
	hi, err = protocol.ParseVersion(c.MaxVersion)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: max_version: %w", ErrInvalid, err)
	}
	return lo, hi, nil
}
