package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jupark12/karaoke-worker/catalog"
	"github.com/jupark12/karaoke-worker/config"
	"github.com/jupark12/karaoke-worker/ingress"
	"github.com/jupark12/karaoke-worker/logging"
	"github.com/jupark12/karaoke-worker/models"
	"github.com/jupark12/karaoke-worker/pipeline"
	"github.com/jupark12/karaoke-worker/progress"
	"github.com/jupark12/karaoke-worker/queue"
	"github.com/jupark12/karaoke-worker/server"
	"github.com/jupark12/karaoke-worker/worker"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var direct bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and worker pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.logger()
			if err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			wsm := models.NewWebSocketManager(logger)
			wsm.Start(runCtx)

			// The server broadcasts tracker updates, but the tracker is
			// created before the server exists.
			var srv *server.Server
			listener := func(record models.ProgressRecord) {
				if srv != nil {
					srv.NotifyProgress(record)
				}
			}

			a, err := openApp(runCtx, cfg, logger, progress.WithListener(listener))
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.gateway.EnsureBuckets(runCtx); err != nil {
				return err
			}
			orch, err := a.orchestrator()
			if err != nil {
				return err
			}

			var (
				q          *queue.JobQueue
				dispatcher ingress.Dispatcher
				pool       *worker.Pool
			)
			if direct {
				d := ingress.NewDirectDispatcher(orch, logger)
				defer d.Wait()
				dispatcher = d
			} else {
				q, err = queue.NewJobQueue(cfg.Queue.DataDir, logger)
				if err != nil {
					return err
				}
				defer q.Close()
				if err := q.LoadJobs(); err != nil {
					return fmt.Errorf("load queued jobs: %w", err)
				}
				dispatcher = ingress.QueueDispatcher{Queue: q}
			}

			svc := ingress.NewService(a.catalog, a.tracker, dispatcher,
				ingress.WithMaxBytes(cfg.MaxUploadBytes()),
				ingress.WithDefaultModel(cfg.Tools.DefaultModel),
				ingress.WithLogger(logger),
			)
			srv = server.NewServer(svc, q, wsm, server.Options{
				Addr:           cfg.Server.Bind,
				AllowedOrigins: cfg.Server.AllowedOrigins,
				MaxUploadBytes: cfg.MaxUploadBytes(),
				Logger:         logger,
			})

			var wg sync.WaitGroup
			if q != nil {
				pool = worker.NewPool("worker", cfg.Queue.Workers, q, orch,
					worker.WithPollInterval(cfg.PollInterval()),
					worker.WithNotifier(srv.NotifyJobUpdate),
					worker.WithLogger(logger),
				)
				wg.Add(1)
				go func() {
					defer wg.Done()
					pool.Run(runCtx)
				}()
				logger.Info("worker pool started", logging.Int("workers", len(pool.Workers)))
			}

			err = srv.Start(runCtx)
			stop()
			wg.Wait()
			return err
		},
	}

	cmd.Flags().BoolVar(&direct, "direct", false, "Run jobs in process instead of through the durable queue")
	return cmd
}

func newProcessCommand(ctx *commandContext) *cobra.Command {
	var model string
	var source string
	var title string

	cmd := &cobra.Command{
		Use:   "process <file>",
		Short: "Run one file through the pipeline and wait for the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.logger()
			if err != nil {
				return err
			}
			content, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			if model == "" {
				model = cfg.Tools.DefaultModel
			}

			a, err := openApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.gateway.EnsureBuckets(cmd.Context()); err != nil {
				return err
			}
			orch, err := a.orchestrator()
			if err != nil {
				return err
			}

			result, err := orch.Run(cmd.Context(), pipeline.Request{
				Filename: filepath.Base(args[0]),
				Title:    title,
				Model:    model,
				Source:   source,
				Content:  content,
			})
			if err != nil {
				return err
			}

			pairs := [][2]string{
				{"Task", result.TaskID.String()},
				{"Model", result.Model},
				{"Tier", string(result.Tier)},
				{"Size", humanize.Bytes(uint64(len(content)))},
				{"Original", result.Original.String()},
			}
			for _, stem := range sortedKeys(result.Stems) {
				pairs = append(pairs, [2]string{"Stem " + stem, result.Stems[stem].String()})
			}
			pairs = append(pairs,
				[2]string{"Mixed", strings.Join(result.Mixed, ", ")},
				[2]string{"Final", result.FinalURL},
				[2]string{"Elapsed", result.Elapsed.Round(time.Millisecond).String()},
			)
			fmt.Fprintln(cmd.OutOrStdout(), renderKeyValue(pairs))
			return nil
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "Separation model (2stems, 4stems, 5stems, optionally -16kHz)")
	cmd.Flags().StringVar(&source, "source", "", "Submission source; manual routes to the private buckets")
	cmd.Flags().StringVar(&title, "title", "", "Catalog title (defaults to the file name)")
	return cmd
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <taskId>",
		Short: "Show a task's progress and catalog entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.logger()
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			taskID := args[0]
			var pairs [][2]string
			record, err := a.tracker.Read(cmd.Context(), taskID)
			switch {
			case errors.Is(err, progress.ErrNotFound):
				pairs = append(pairs, [2]string{"Progress", "none"})
			case err != nil:
				return err
			default:
				pairs = append(pairs,
					[2]string{"Status", string(record.Status)},
					[2]string{"Progress", strconv.Itoa(record.Percent) + "%"},
					[2]string{"Stage", string(record.Stage)},
					[2]string{"Note", record.Note},
				)
				if record.Error != "" {
					pairs = append(pairs, [2]string{"Error", record.Error})
				}
				if !record.UpdatedAt.IsZero() {
					pairs = append(pairs, [2]string{"Updated", humanize.Time(record.UpdatedAt)})
				}
			}

			entry, err := a.catalog.Lookup(cmd.Context(), taskID)
			switch {
			case errors.Is(err, catalog.ErrNotFound):
				pairs = append(pairs, [2]string{"Catalog", "none"})
			case err != nil:
				return err
			default:
				pairs = append(pairs,
					[2]string{"Title", entry.Title},
					[2]string{"Catalog", string(entry.Status)},
					[2]string{"Tier", string(entry.Tier)},
				)
				if entry.FinalURL != "" {
					pairs = append(pairs, [2]string{"Final", entry.FinalURL})
				}
			}

			fmt.Fprintln(cmd.OutOrStdout(), renderKeyValue(append([][2]string{{"Task", taskID}}, pairs...)))
			return nil
		},
	}
}

func newBucketsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "buckets",
		Short: "Inspect the artifact buckets",
	}

	var create bool
	check := &cobra.Command{
		Use:   "check",
		Short: "Report which configured buckets exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.logger()
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			var created []string
			if create {
				if created, err = a.gateway.CreateMissingBuckets(cmd.Context()); err != nil {
					return err
				}
			}
			missing, err := a.gateway.MissingBuckets(cmd.Context())
			if err != nil {
				return err
			}

			rows := make([][]string, 0, 6)
			for _, bucket := range a.gateway.Buckets().All() {
				state := "ok"
				switch {
				case slices.Contains(created, bucket):
					state = "created"
				case slices.Contains(missing, bucket):
					state = "missing"
				}
				rows = append(rows, []string{bucket, state})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Bucket", "State"}, rows, nil))
			if len(missing) > 0 {
				return fmt.Errorf("%d bucket(s) missing", len(missing))
			}
			return nil
		},
	}
	check.Flags().BoolVar(&create, "create", false, "Create missing buckets")

	cmd.AddCommand(check)
	return cmd
}

func newCatalogCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage song catalog entries",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "rm <taskId>",
		Short: "Delete a song's catalog entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			cat, err := catalog.Open(cmd.Context(), cfg.Catalog.Driver, cfg.Catalog.DSN)
			if err != nil {
				return fmt.Errorf("open catalog: %w", err)
			}
			defer cat.Close()

			removed, err := cat.Delete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("no catalog entry for %s", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	})
	return cmd
}

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:         "config",
		Short:       "Configuration helpers",
		Annotations: map[string]string{skipConfigAnnotation: "true"},
	}

	var path string
	var overwrite bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a sample configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := strings.TrimSpace(path)
			if target == "" {
				var err error
				if target, err = config.DefaultConfigPath(); err != nil {
					return err
				}
			} else {
				var err error
				if target, err = config.ExpandPath(target); err != nil {
					return err
				}
			}
			if _, err := os.Stat(target); err == nil && !overwrite {
				return fmt.Errorf("config file %s already exists (use --overwrite)", target)
			}
			if err := config.CreateSample(target); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote sample configuration to %s\n", target)
			return nil
		},
	}
	initCmd.Flags().StringVarP(&path, "path", "p", "", "Destination for the configuration file")
	initCmd.Flags().BoolVar(&overwrite, "overwrite", false, "Overwrite an existing file")

	cmd.AddCommand(initCmd)
	return cmd
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
