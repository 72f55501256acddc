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

package notifyclient

import (
	"context"
	"log/slog"

	"github.com/cardinalhq/jobrunner/internal/jobs"
	"github.com/cardinalhq/jobrunner/internal/logctx"
)

// LogNotifier writes notifications to the structured log. It is the default
// delivery channel until a push or email channel is configured.
type LogNotifier struct{}

func (LogNotifier) Deliver(ctx context.Context, n jobs.NotificationPayload) error {
	logctx.FromContext(ctx).Info("notification",
		slog.String("userID", n.UserID.String()),
		slog.String("type", string(n.Type)),
		slog.String("title", n.Title),
		slog.String("message", n.Message),
		slog.Int("priority", n.Priority))
	return nil
}
