// Package config loads, normalizes, and validates karaoke-worker
// configuration.
//
// Values come from built-in defaults, then an optional TOML file
// (~/.config/karaoke-worker/config.toml or ./karaoke-worker.toml), then the
// deployment environment variables (MINIO_*, REDIS_URL, DATABASE_URL and the
// *_BUCKET names). Paths are expanded to absolute form before validation.
// CreateSample writes the embedded annotated sample used by `config init`.
package config
