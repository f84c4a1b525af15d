package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jupark12/karaoke-worker/models"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateProgress(); err != nil {
		return err
	}
	if err := c.validateCatalog(); err != nil {
		return err
	}
	if err := c.validateTools(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateQueue() error {
	if c.Queue.Workers < 1 {
		return errors.New("queue.workers must be at least 1")
	}
	if c.Queue.PollInterval < 1 {
		return errors.New("queue.poll_interval must be at least 1 second")
	}
	if c.Server.MaxUploadMB < 1 {
		return errors.New("server.max_upload_mb must be at least 1")
	}
	return nil
}

func (c *Config) validateStorage() error {
	switch c.Storage.Backend {
	case StorageLocal:
		if c.Storage.LocalDir == "" {
			return errors.New("storage.local_dir must be set when storage.backend is local")
		}
	case StorageS3:
		if c.Storage.Endpoint == "" {
			return errors.New("storage.endpoint must be set. Set MINIO_ENDPOINT or edit the config file")
		}
		if c.Storage.AccessKey == "" || c.Storage.SecretKey == "" {
			return errors.New("storage.access_key and storage.secret_key are required. Set MINIO_ACCESS_KEY and MINIO_SECRET_KEY")
		}
	default:
		return fmt.Errorf("storage.backend: unsupported value %q", c.Storage.Backend)
	}
	seen := map[string]string{}
	b := c.Storage.Buckets
	for field, name := range map[string]string{
		"public_original":   b.PublicOriginal,
		"public_processed":  b.PublicProcessed,
		"public_final":      b.PublicFinal,
		"private_original":  b.PrivateOriginal,
		"private_processed": b.PrivateProcessed,
		"private_final":     b.PrivateFinal,
	} {
		if other, dup := seen[name]; dup {
			return fmt.Errorf("storage.buckets.%s and storage.buckets.%s both name %q", field, other, name)
		}
		seen[name] = field
	}
	return nil
}

func (c *Config) validateProgress() error {
	scheme, _, ok := strings.Cut(c.Progress.URL, "://")
	if !ok {
		return fmt.Errorf("progress.url %q must include a scheme", c.Progress.URL)
	}
	switch scheme {
	case "redis", "rediss", "badger", "memory":
		return nil
	default:
		return fmt.Errorf("progress.url: unsupported scheme %q", scheme)
	}
}

func (c *Config) validateCatalog() error {
	switch c.Catalog.Driver {
	case CatalogPostgres, CatalogSQLite:
	default:
		return fmt.Errorf("catalog.driver: unsupported value %q", c.Catalog.Driver)
	}
	if c.Catalog.DSN == "" {
		return errors.New("catalog.dsn must be set")
	}
	return nil
}

func (c *Config) validateTools() error {
	if _, err := models.StemSetFor(c.Tools.DefaultModel); err != nil {
		return fmt.Errorf("tools.default_model: %w", err)
	}
	for name, v := range map[string]int{
		"validate_timeout":  c.Tools.ValidateTimeout,
		"separate_timeout":  c.Tools.SeparateTimeout,
		"transcode_timeout": c.Tools.TranscodeTimeout,
		"mix_timeout":       c.Tools.MixTimeout,
	} {
		if v < 0 {
			return fmt.Errorf("tools.%s must be >= 0", name)
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "auto", "console", "json":
		return nil
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
}
