package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/jupark12/karaoke-worker/config"
)

func clearDeploymentEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"MINIO_ENDPOINT", "MINIO_ACCESS_KEY", "MINIO_SECRET_KEY", "REDIS_URL", "DATABASE_URL",
		"PUBLIC_ORIGINAL_BUCKET", "PUBLIC_PROCESSED_BUCKET", "PUBLIC_FINAL_BUCKET",
		"PRIVATE_ORIGINAL_BUCKET", "PRIVATE_PROCESSED_BUCKET", "PRIVATE_FINAL_BUCKET",
	} {
		t.Setenv(name, "")
	}
}

func TestLoadDefaultsWithEnvSecret(t *testing.T) {
	clearDeploymentEnv(t)
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("MINIO_SECRET_KEY", "supersecurepassword")

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantData := filepath.Join(tempHome, ".local", "share", "karaoke-worker", "queue")
	if cfg.Queue.DataDir != wantData {
		t.Fatalf("unexpected data dir: got %q want %q", cfg.Queue.DataDir, wantData)
	}
	if cfg.Storage.SecretKey != "supersecurepassword" {
		t.Fatalf("expected secret from env, got %q", cfg.Storage.SecretKey)
	}
	if cfg.Storage.Buckets != config.DefaultBuckets() {
		t.Fatalf("unexpected buckets %+v", cfg.Storage.Buckets)
	}
	wantProgress := "badger://" + filepath.Join(tempHome, ".local", "share", "karaoke-worker", "progress")
	if cfg.Progress.URL != wantProgress {
		t.Fatalf("unexpected progress url %q", cfg.Progress.URL)
	}
	if cfg.ClaimTTL() != 2*time.Hour {
		t.Fatalf("unexpected claim ttl %s", cfg.ClaimTTL())
	}
	if cfg.Catalog.Driver != config.CatalogSQLite {
		t.Fatalf("unexpected catalog driver %q", cfg.Catalog.Driver)
	}
	if cfg.Tools.DefaultModel != "5stems" {
		t.Fatalf("unexpected default model %q", cfg.Tools.DefaultModel)
	}
}

func TestLoadRequiresSecretForS3(t *testing.T) {
	clearDeploymentEnv(t)
	t.Setenv("HOME", t.TempDir())
	if _, _, _, err := config.Load(""); err == nil || !strings.Contains(err.Error(), "MINIO_SECRET_KEY") {
		t.Fatalf("expected secret key error, got %v", err)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	clearDeploymentEnv(t)
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.toml")
	body := `
[storage]
endpoint = "http://file-endpoint:9000"
secret_key = "from-file"

[storage.buckets]
public_final = "file-final"

[catalog]
driver = "sqlite"
dsn = "/tmp/catalog.db"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("MINIO_ENDPOINT", "http://minio:9000/")
	t.Setenv("PUBLIC_FINAL_BUCKET", "env-final")
	t.Setenv("REDIS_URL", "redis://redis:6379/0")
	t.Setenv("DATABASE_URL", "postgresql+asyncpg://postgres:password@db:5432/pipeline_db")

	cfg, _, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected config file to exist")
	}
	if cfg.Storage.Endpoint != "http://minio:9000" {
		t.Fatalf("unexpected endpoint %q", cfg.Storage.Endpoint)
	}
	if cfg.Storage.SecretKey != "from-file" {
		t.Fatalf("unexpected secret %q", cfg.Storage.SecretKey)
	}
	if cfg.Storage.Buckets.PublicFinal != "env-final" {
		t.Fatalf("unexpected public final bucket %q", cfg.Storage.Buckets.PublicFinal)
	}
	if cfg.Storage.Buckets.PrivateFinal != "private-final-instrumentals" {
		t.Fatalf("unexpected private final bucket %q", cfg.Storage.Buckets.PrivateFinal)
	}
	if cfg.Progress.URL != "redis://redis:6379/0" {
		t.Fatalf("unexpected progress url %q", cfg.Progress.URL)
	}
	if cfg.Catalog.Driver != config.CatalogPostgres {
		t.Fatalf("expected postgres driver from DATABASE_URL, got %q", cfg.Catalog.Driver)
	}
	if cfg.Catalog.DSN != "postgresql://postgres:password@db:5432/pipeline_db" {
		t.Fatalf("unexpected dsn %q", cfg.Catalog.DSN)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]func(*config.Config){
		"workers":        func(c *config.Config) { c.Queue.Workers = 0 },
		"backend":        func(c *config.Config) { c.Storage.Backend = "ftp" },
		"progress":       func(c *config.Config) { c.Progress.URL = "memcached://x" },
		"catalog":        func(c *config.Config) { c.Catalog.Driver = "mysql" },
		"model":          func(c *config.Config) { c.Tools.DefaultModel = "7stems" },
		"timeout":        func(c *config.Config) { c.Tools.MixTimeout = -1 },
		"log format":     func(c *config.Config) { c.Logging.Format = "xml" },
		"shared buckets": func(c *config.Config) { c.Storage.Buckets.PrivateFinal = c.Storage.Buckets.PublicFinal },
	}
	for name, mutate := range cases {
		cfg := config.Default()
		cfg.Storage.SecretKey = "secret"
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}

	cfg := config.Default()
	cfg.Storage.SecretKey = "secret"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected defaults plus secret to validate, got %v", err)
	}
}

func TestCreateSampleIsParseable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample returned error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	var cfg config.Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("sample does not parse: %v", err)
	}
	if cfg.Storage.Buckets != config.DefaultBuckets() {
		t.Fatalf("sample buckets drifted from defaults: %+v", cfg.Storage.Buckets)
	}
	if cfg.Tools.DefaultModel != "5stems" {
		t.Fatalf("unexpected sample model %q", cfg.Tools.DefaultModel)
	}
}
