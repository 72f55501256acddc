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
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/cardinalhq/jobrunner/config"
	"github.com/cardinalhq/jobrunner/internal/dbopen"
	"github.com/cardinalhq/jobrunner/internal/logctx"
	"github.com/cardinalhq/jobrunner/internal/orchestrator"
	"github.com/cardinalhq/jobrunner/internal/pgmq"
)

func init() {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Emergency purge of all queues",
		Long:  "Drop every message from every configured queue. Refused when the environment is production.",
		RunE:  purge,
	}
	rootCmd.AddCommand(cmd)
}

func purge(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	ctx = logctx.WithLogger(ctx, slog.Default())

	pool, err := dbopen.ConnectToQueueDB(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	queueClient, err := pgmq.NewClient(pool, cfg.Queues)
	if err != nil {
		return err
	}

	orch := orchestrator.New(queueClient, nil, nil, nil, nil, cfg.Environment, cfg.Worker.MetricsCollectionInterval)
	purged, err := orch.EmergencyPurgeAllQueues(ctx)
	if err != nil {
		return err
	}
	for queue, n := range purged {
		slog.Info("queue purged", slog.String("queue", queue), slog.Int64("messages", n))
	}
	return nil
}
