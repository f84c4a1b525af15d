package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Server contains HTTP listener settings.
type Server struct {
	Bind           string   `toml:"bind"`
	AllowedOrigins []string `toml:"allowed_origins"`
	MaxUploadMB    int      `toml:"max_upload_mb"`
}

// Queue contains the durable job queue and worker pool settings.
type Queue struct {
	DataDir      string `toml:"data_dir"`
	Workers      int    `toml:"workers"`
	PollInterval int    `toml:"poll_interval"` // seconds
}

// Buckets names the six artifact buckets.
type Buckets struct {
	PublicOriginal   string `toml:"public_original"`
	PublicProcessed  string `toml:"public_processed"`
	PublicFinal      string `toml:"public_final"`
	PrivateOriginal  string `toml:"private_original"`
	PrivateProcessed string `toml:"private_processed"`
	PrivateFinal     string `toml:"private_final"`
}

// Storage contains object store connection settings.
type Storage struct {
	Backend   string  `toml:"backend"` // s3 or local
	Endpoint  string  `toml:"endpoint"`
	Region    string  `toml:"region"`
	AccessKey string  `toml:"access_key"`
	SecretKey string  `toml:"secret_key"`
	LocalDir  string  `toml:"local_dir"`
	Buckets   Buckets `toml:"buckets"`
}

// Progress contains the progress hash store settings.
type Progress struct {
	URL             string `toml:"url"` // redis://, badger://<dir> or memory://
	ClaimTTLSeconds int    `toml:"claim_ttl_seconds"`
}

// Catalog contains the song catalog database settings.
type Catalog struct {
	Driver string `toml:"driver"` // postgres or sqlite
	DSN    string `toml:"dsn"`
}

// Tools contains external binary locations and per-stage timeouts.
// Timeouts are seconds; zero disables the timeout.
type Tools struct {
	SeparatorBinary  string   `toml:"separator_binary"`
	SeparatorArgs    []string `toml:"separator_args"`
	FFmpegBinary     string   `toml:"ffmpeg_binary"`
	DefaultModel     string   `toml:"default_model"`
	WorkDir          string   `toml:"work_dir"`
	ValidateTimeout  int      `toml:"validate_timeout"`
	SeparateTimeout  int      `toml:"separate_timeout"`
	TranscodeTimeout int      `toml:"transcode_timeout"`
	MixTimeout       int      `toml:"mix_timeout"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format      string   `toml:"format"`
	Level       string   `toml:"level"`
	OutputPaths []string `toml:"output_paths"`
}

// Config encapsulates all configuration values for the karaoke worker.
type Config struct {
	Server   Server   `toml:"server"`
	Queue    Queue    `toml:"queue"`
	Storage  Storage  `toml:"storage"`
	Progress Progress `toml:"progress"`
	Catalog  Catalog  `toml:"catalog"`
	Tools    Tools    `toml:"tools"`
	Logging  Logging  `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. Values are
// layered as defaults, then the file, then environment overrides.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("karaoke-worker.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the local directories the daemon writes to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Queue.DataDir}
	if c.Storage.Backend == StorageLocal {
		dirs = append(dirs, c.Storage.LocalDir)
	}
	if c.Tools.WorkDir != "" {
		dirs = append(dirs, c.Tools.WorkDir)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// ClaimTTL returns the duplicate-claim lifetime.
func (c *Config) ClaimTTL() time.Duration {
	return time.Duration(c.Progress.ClaimTTLSeconds) * time.Second
}

// PollInterval returns the worker queue poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Queue.PollInterval) * time.Second
}

// MaxUploadBytes returns the request body limit for uploads.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.Server.MaxUploadMB) << 20
}

func seconds(v int) time.Duration {
	return time.Duration(v) * time.Second
}

// ToolTimeouts returns the per-stage timeouts in stage order validate,
// separate, transcode, mix.
func (c *Config) ToolTimeouts() (validate, separate, transcode, mix time.Duration) {
	return seconds(c.Tools.ValidateTimeout), seconds(c.Tools.SeparateTimeout),
		seconds(c.Tools.TranscodeTimeout), seconds(c.Tools.MixTimeout)
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
