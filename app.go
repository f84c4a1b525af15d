package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jupark12/karaoke-worker/catalog"
	"github.com/jupark12/karaoke-worker/config"
	"github.com/jupark12/karaoke-worker/pipeline"
	"github.com/jupark12/karaoke-worker/progress"
	"github.com/jupark12/karaoke-worker/storage"
	"github.com/jupark12/karaoke-worker/tools"
)

// app holds the shared backends every command talks to.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   progress.HashStore
	tracker *progress.Tracker
	catalog catalog.Catalog
	gateway *storage.Gateway
}

// openApp connects the progress store, catalog and object store. Extra
// tracker options (listeners) are applied on top of the logger.
func openApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, trackerOpts ...progress.Option) (*app, error) {
	store, err := progress.Open(ctx, cfg.Progress.URL, logger)
	if err != nil {
		return nil, fmt.Errorf("open progress store: %w", err)
	}
	cat, err := catalog.Open(ctx, cfg.Catalog.Driver, cfg.Catalog.DSN)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	objects, err := newObjectStore(cfg)
	if err != nil {
		cat.Close()
		store.Close()
		return nil, err
	}

	opts := append([]progress.Option{progress.WithLogger(logger)}, trackerOpts...)
	return &app{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		tracker: progress.NewTracker(store, opts...),
		catalog: cat,
		gateway: storage.NewGateway(objects, bucketSet(cfg.Storage.Buckets), logger),
	}, nil
}

func (a *app) Close() error {
	return errors.Join(a.catalog.Close(), a.store.Close())
}

func newObjectStore(cfg *config.Config) (storage.ObjectStore, error) {
	switch cfg.Storage.Backend {
	case config.StorageLocal:
		local, err := storage.NewLocal(cfg.Storage.LocalDir)
		if err != nil {
			return nil, fmt.Errorf("open local object store: %w", err)
		}
		return local, nil
	case config.StorageS3:
		client := storage.NewS3Client(storage.S3Config{
			Endpoint:  cfg.Storage.Endpoint,
			Region:    cfg.Storage.Region,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
		})
		return storage.NewS3(client, cfg.Storage.Endpoint), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
	}
}

func bucketSet(b config.Buckets) storage.BucketSet {
	return storage.BucketSet{
		PublicOriginal:   b.PublicOriginal,
		PublicProcessed:  b.PublicProcessed,
		PublicFinal:      b.PublicFinal,
		PrivateOriginal:  b.PrivateOriginal,
		PrivateProcessed: b.PrivateProcessed,
		PrivateFinal:     b.PrivateFinal,
	}
}

// orchestrator builds the pipeline with the configured external tools.
func (a *app) orchestrator() (*pipeline.Orchestrator, error) {
	validateTimeout, separateTimeout, transcodeTimeout, mixTimeout := a.cfg.ToolTimeouts()
	binary := a.cfg.Tools.FFmpegBinary
	return pipeline.New(pipeline.Deps{
		Catalog:    a.catalog,
		Tracker:    a.tracker,
		Gateway:    a.gateway,
		Separator:  tools.NewSeparator(a.cfg.Tools.SeparatorBinary, a.cfg.Tools.SeparatorArgs, tools.WithTimeout(separateTimeout), tools.WithLogger(a.logger)),
		Transcoder: tools.NewTranscoder(binary, tools.WithTimeout(transcodeTimeout), tools.WithLogger(a.logger)),
		Mixer:      tools.NewMixer(binary, tools.WithTimeout(mixTimeout), tools.WithLogger(a.logger)),
		Validator:  tools.NewValidator(binary, tools.WithTimeout(validateTimeout), tools.WithLogger(a.logger)),
	},
		pipeline.WithLogger(a.logger),
		pipeline.WithWorkRoot(a.cfg.Tools.WorkDir),
		pipeline.WithClaimTTL(a.cfg.ClaimTTL()),
	)
}
