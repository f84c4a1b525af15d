package config

import (
	"fmt"
	"os"
	"strings"
)

// applyEnv layers the deployment environment variables over file values.
func (c *Config) applyEnv() {
	overrides := []struct {
		name   string
		target *string
	}{
		{"MINIO_ENDPOINT", &c.Storage.Endpoint},
		{"MINIO_ACCESS_KEY", &c.Storage.AccessKey},
		{"MINIO_SECRET_KEY", &c.Storage.SecretKey},
		{"REDIS_URL", &c.Progress.URL},
		{"PUBLIC_ORIGINAL_BUCKET", &c.Storage.Buckets.PublicOriginal},
		{"PUBLIC_PROCESSED_BUCKET", &c.Storage.Buckets.PublicProcessed},
		{"PUBLIC_FINAL_BUCKET", &c.Storage.Buckets.PublicFinal},
		{"PRIVATE_ORIGINAL_BUCKET", &c.Storage.Buckets.PrivateOriginal},
		{"PRIVATE_PROCESSED_BUCKET", &c.Storage.Buckets.PrivateProcessed},
		{"PRIVATE_FINAL_BUCKET", &c.Storage.Buckets.PrivateFinal},
	}
	for _, o := range overrides {
		if value, ok := os.LookupEnv(o.name); ok && strings.TrimSpace(value) != "" {
			*o.target = strings.TrimSpace(value)
		}
	}
	if value, ok := os.LookupEnv("DATABASE_URL"); ok && strings.TrimSpace(value) != "" {
		c.Catalog.DSN = strings.TrimSpace(value)
		if isPostgresDSN(c.Catalog.DSN) {
			c.Catalog.Driver = CatalogPostgres
		}
	}
}

func (c *Config) normalize() error {
	if err := c.normalizeQueue(); err != nil {
		return err
	}
	if err := c.normalizeStorage(); err != nil {
		return err
	}
	if err := c.normalizeProgress(); err != nil {
		return err
	}
	if err := c.normalizeCatalog(); err != nil {
		return err
	}
	if err := c.normalizeTools(); err != nil {
		return err
	}
	if err := c.normalizeLogging(); err != nil {
		return err
	}
	c.Server.Bind = strings.TrimSpace(c.Server.Bind)
	if c.Server.Bind == "" {
		c.Server.Bind = defaultBind
	}
	return nil
}

func (c *Config) normalizeQueue() error {
	var err error
	if strings.TrimSpace(c.Queue.DataDir) == "" {
		c.Queue.DataDir = defaultDataDir
	}
	if c.Queue.DataDir, err = expandPath(c.Queue.DataDir); err != nil {
		return fmt.Errorf("queue.data_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeStorage() error {
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		c.Storage.Backend = StorageS3
	}
	c.Storage.Endpoint = strings.TrimRight(strings.TrimSpace(c.Storage.Endpoint), "/")
	c.Storage.Region = strings.TrimSpace(c.Storage.Region)
	if c.Storage.Region == "" {
		c.Storage.Region = defaultStorageRegion
	}
	var err error
	if strings.TrimSpace(c.Storage.LocalDir) == "" {
		c.Storage.LocalDir = defaultLocalDir
	}
	if c.Storage.LocalDir, err = expandPath(c.Storage.LocalDir); err != nil {
		return fmt.Errorf("storage.local_dir: %w", err)
	}
	defaults := DefaultBuckets()
	fill := func(value *string, fallback string) {
		*value = strings.TrimSpace(*value)
		if *value == "" {
			*value = fallback
		}
	}
	fill(&c.Storage.Buckets.PublicOriginal, defaults.PublicOriginal)
	fill(&c.Storage.Buckets.PublicProcessed, defaults.PublicProcessed)
	fill(&c.Storage.Buckets.PublicFinal, defaults.PublicFinal)
	fill(&c.Storage.Buckets.PrivateOriginal, defaults.PrivateOriginal)
	fill(&c.Storage.Buckets.PrivateProcessed, defaults.PrivateProcessed)
	fill(&c.Storage.Buckets.PrivateFinal, defaults.PrivateFinal)
	return nil
}

func (c *Config) normalizeProgress() error {
	c.Progress.URL = strings.TrimSpace(c.Progress.URL)
	if c.Progress.URL == "" {
		c.Progress.URL = defaultProgressURL
	}
	if rest, ok := strings.CutPrefix(c.Progress.URL, "badger://"); ok {
		dir, err := expandPath(rest)
		if err != nil {
			return fmt.Errorf("progress.url: %w", err)
		}
		c.Progress.URL = "badger://" + dir
	}
	if c.Progress.ClaimTTLSeconds <= 0 {
		c.Progress.ClaimTTLSeconds = defaultClaimTTLSeconds
	}
	return nil
}

func (c *Config) normalizeCatalog() error {
	c.Catalog.Driver = strings.ToLower(strings.TrimSpace(c.Catalog.Driver))
	switch c.Catalog.Driver {
	case "", "sqlite3":
		c.Catalog.Driver = CatalogSQLite
	case "postgresql", "pgx":
		c.Catalog.Driver = CatalogPostgres
	}
	c.Catalog.DSN = strings.TrimSpace(c.Catalog.DSN)
	switch c.Catalog.Driver {
	case CatalogSQLite:
		if c.Catalog.DSN == "" {
			c.Catalog.DSN = defaultCatalogDSN
		}
		var err error
		if c.Catalog.DSN, err = expandPath(c.Catalog.DSN); err != nil {
			return fmt.Errorf("catalog.dsn: %w", err)
		}
	case CatalogPostgres:
		// SQLAlchemy-style driver suffixes are not understood by pgx.
		if scheme, rest, ok := strings.Cut(c.Catalog.DSN, "://"); ok {
			if base, _, found := strings.Cut(scheme, "+"); found {
				c.Catalog.DSN = base + "://" + rest
			}
		}
	}
	return nil
}

func (c *Config) normalizeTools() error {
	c.Tools.SeparatorBinary = strings.TrimSpace(c.Tools.SeparatorBinary)
	if c.Tools.SeparatorBinary == "" {
		c.Tools.SeparatorBinary = defaultSeparatorBinary
	}
	c.Tools.FFmpegBinary = strings.TrimSpace(c.Tools.FFmpegBinary)
	if c.Tools.FFmpegBinary == "" {
		c.Tools.FFmpegBinary = defaultFFmpegBinary
	}
	c.Tools.DefaultModel = strings.TrimSpace(c.Tools.DefaultModel)
	if c.Tools.DefaultModel == "" {
		c.Tools.DefaultModel = Default().Tools.DefaultModel
	}
	if c.Tools.WorkDir != "" {
		var err error
		if c.Tools.WorkDir, err = expandPath(c.Tools.WorkDir); err != nil {
			return fmt.Errorf("tools.work_dir: %w", err)
		}
	}
	return nil
}

func (c *Config) normalizeLogging() error {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	for i, path := range c.Logging.OutputPaths {
		path = strings.TrimSpace(path)
		if path == "stdout" || path == "stderr" || path == "" {
			c.Logging.OutputPaths[i] = path
			continue
		}
		expanded, err := expandPath(path)
		if err != nil {
			return fmt.Errorf("logging.output_paths: %w", err)
		}
		c.Logging.OutputPaths[i] = expanded
	}
	return nil
}

func isPostgresDSN(dsn string) bool {
	lower := strings.ToLower(dsn)
	return strings.HasPrefix(lower, "postgres://") ||
		strings.HasPrefix(lower, "postgresql://") ||
		strings.HasPrefix(lower, "postgresql+")
}
