package config

import "github.com/jupark12/karaoke-worker/models"

// Storage backends.
const (
	StorageS3    = "s3"
	StorageLocal = "local"
)

// Catalog drivers.
const (
	CatalogPostgres = "postgres"
	CatalogSQLite   = "sqlite"
)

const (
	defaultConfigPath       = "~/.config/karaoke-worker/config.toml"
	defaultBind             = "127.0.0.1:8080"
	defaultMaxUploadMB      = 200
	defaultDataDir          = "~/.local/share/karaoke-worker/queue"
	defaultWorkers          = 4
	defaultPollInterval     = 5
	defaultStorageEndpoint  = "http://localhost:9000"
	defaultStorageRegion    = "us-east-1"
	defaultStorageAccessKey = "admin"
	defaultLocalDir         = "~/.local/share/karaoke-worker/objects"
	defaultProgressURL      = "badger://~/.local/share/karaoke-worker/progress"
	defaultClaimTTLSeconds  = 2 * 60 * 60
	defaultCatalogDSN       = "~/.local/share/karaoke-worker/catalog.db"
	defaultSeparatorBinary  = "python"
	defaultFFmpegBinary     = "ffmpeg"
	defaultValidateTimeout  = 120
	defaultTranscodeTimeout = 600
	defaultMixTimeout       = 600
	defaultLogFormat        = "auto"
	defaultLogLevel         = "info"
)

// DefaultBuckets returns the bucket names used by the original deployment.
func DefaultBuckets() Buckets {
	return Buckets{
		PublicOriginal:   "public-original-files",
		PublicProcessed:  "public-processed-stems",
		PublicFinal:      "public-final-instrumentals",
		PrivateOriginal:  "private-original-files",
		PrivateProcessed: "private-processed-stems",
		PrivateFinal:     "private-final-instrumentals",
	}
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Server: Server{
			Bind:           defaultBind,
			AllowedOrigins: []string{"*"},
			MaxUploadMB:    defaultMaxUploadMB,
		},
		Queue: Queue{
			DataDir:      defaultDataDir,
			Workers:      defaultWorkers,
			PollInterval: defaultPollInterval,
		},
		Storage: Storage{
			Backend:   StorageS3,
			Endpoint:  defaultStorageEndpoint,
			Region:    defaultStorageRegion,
			AccessKey: defaultStorageAccessKey,
			LocalDir:  defaultLocalDir,
			Buckets:   DefaultBuckets(),
		},
		Progress: Progress{
			URL:             defaultProgressURL,
			ClaimTTLSeconds: defaultClaimTTLSeconds,
		},
		Catalog: Catalog{
			Driver: CatalogSQLite,
			DSN:    defaultCatalogDSN,
		},
		Tools: Tools{
			SeparatorBinary:  defaultSeparatorBinary,
			SeparatorArgs:    []string{"-m", "spleeter"},
			FFmpegBinary:     defaultFFmpegBinary,
			DefaultModel:     models.DefaultModel,
			ValidateTimeout:  defaultValidateTimeout,
			TranscodeTimeout: defaultTranscodeTimeout,
			MixTimeout:       defaultMixTimeout,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
