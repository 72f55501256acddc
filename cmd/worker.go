// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cardinalhq/jobrunner/config"
	"github.com/cardinalhq/jobrunner/internal/dbopen"
	"github.com/cardinalhq/jobrunner/internal/embedclient"
	"github.com/cardinalhq/jobrunner/internal/embedq"
	"github.com/cardinalhq/jobrunner/internal/extraction"
	"github.com/cardinalhq/jobrunner/internal/fileproc"
	"github.com/cardinalhq/jobrunner/internal/healthcheck"
	"github.com/cardinalhq/jobrunner/internal/jobtracking"
	"github.com/cardinalhq/jobrunner/internal/logctx"
	"github.com/cardinalhq/jobrunner/internal/notifyclient"
	"github.com/cardinalhq/jobrunner/internal/notifyq"
	"github.com/cardinalhq/jobrunner/internal/orchestrator"
	"github.com/cardinalhq/jobrunner/internal/pgmq"
)

// version is stamped by the build; "dev" for local builds.
var version = "dev"

func init() {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the queue consumers",
		Long:  "Run the file processing, embedding, and notification consumers plus the health endpoints.",
		RunE: func(_ *cobra.Command, _ []string) error {
			servicename := "jobrunner-worker"
			doneCtx, doneFx, err := setupTelemetry(servicename, nil)
			if err != nil {
				return fmt.Errorf("failed to setup telemetry: %w", err)
			}

			defer func() {
				if err := doneFx(); err != nil {
					slog.Error("Error shutting down telemetry", slog.Any("error", err))
				}
			}()

			return runWorker(doneCtx, servicename)
		},
	}

	rootCmd.AddCommand(cmd)
}

func runWorker(doneCtx context.Context, servicename string) error {
	ctx := logctx.WithLogger(doneCtx, slog.Default())
	ll := logctx.FromContext(ctx)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	ll.Info("configuration loaded",
		slog.String("environment", cfg.Environment),
		slog.Int("queues", len(cfg.Queues)))

	pool, err := dbopen.ConnectToQueueDB(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to queue database: %w", err)
	}
	defer pool.Close()

	queueClient, err := pgmq.NewClient(pool, cfg.Queues)
	if err != nil {
		return fmt.Errorf("invalid queue configuration: %w", err)
	}

	tracker := jobtracking.NewStore(pool)
	fileStore := fileproc.NewPGStore(pool)

	storageRoot := os.Getenv("FILE_STORAGE_ROOT")
	if storageRoot == "" {
		storageRoot = "./data"
	}
	blobs := fileproc.NewDiskFetcher(storageRoot)

	embedAPI, err := embedclient.NewHTTPClientFromEnv()
	if err != nil {
		return fmt.Errorf("failed to build embedding client: %w", err)
	}

	embedSvc, err := embedq.NewService(queueClient, tracker, embedAPI, queueMaxRetries(cfg, embedq.QueueName))
	if err != nil {
		return err
	}

	notifySvc, err := notifyq.NewService(queueClient, notifyclient.LogNotifier{})
	if err != nil {
		return err
	}

	pipeline := fileproc.NewPipeline(
		fileStore,
		blobs,
		extraction.NewRegistry(),
		extraction.NewSemanticChunker(),
		embedSvc,
		notifySvc,
	)
	fileSvc, err := fileproc.NewService(queueClient, tracker, pipeline, queueMaxRetries(cfg, fileproc.QueueName))
	if err != nil {
		return err
	}

	orch := orchestrator.New(
		queueClient,
		fileSvc,
		embedSvc,
		notifySvc,
		tracker,
		cfg.Environment,
		cfg.Worker.MetricsCollectionInterval,
	)
	if err := orch.EnsureQueues(ctx); err != nil {
		return fmt.Errorf("failed to create queues: %w", err)
	}

	health := healthcheck.NewServer(healthcheck.Config{
		Port:    cfg.Health.Port,
		Service: servicename,
		Version: version,
	}, orch)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return health.Start(gctx) })
	g.Go(func() error { return fileSvc.Run(gctx) })
	g.Go(func() error { return embedSvc.Run(gctx) })
	g.Go(func() error { return notifySvc.Run(gctx) })

	health.SetStatus(healthcheck.StatusHealthy)
	health.SetReady(true)
	ll.Info("worker started", slog.String("version", version))

	err = g.Wait()
	health.SetReady(false)
	if err != nil && gctx.Err() != nil {
		// Shutdown via signal, not a failure.
		ll.Info("worker stopped")
		return nil
	}
	return err
}

// queueMaxRetries pulls the retry budget from the queue's definition so
// retry policy stays configuration-driven.
func queueMaxRetries(cfg *config.Config, queue string) int {
	for _, def := range cfg.Queues {
		if def.Name == queue {
			return def.MaxRetries
		}
	}
	return 0
}
