package knowledge

import (
	"context"
	"log/slog"
	"time"

	"github.com/cognalith/governor/internal/storage"
)

// Subscriber receives database notifications.
type Subscriber interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// retryDelay paces the loop after a notification error.
const retryDelay = time.Second

// Listener drops cache entries named by invalidations other instances
// broadcast on the knowledge channel.
type Listener struct {
	sub      Subscriber
	computer *Computer
	logger   *slog.Logger
}

// NewListener creates a Listener. Call Start to begin listening.
func NewListener(sub Subscriber, computer *Computer, logger *slog.Logger) *Listener {
	return &Listener{sub: sub, computer: computer, logger: logger}
}

// Start blocks until ctx is cancelled, so call it in a goroutine.
func (l *Listener) Start(ctx context.Context) {
	if err := l.sub.Listen(ctx, storage.ChannelKnowledge); err != nil {
		l.logger.Error("knowledge: listen", "error", err)
		return
	}
	l.logger.Info("knowledge: listening for invalidations", "channel", storage.ChannelKnowledge)

	for {
		channel, role, err := l.sub.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Warn("knowledge: notification error, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
			}
			continue
		}
		if channel != storage.ChannelKnowledge || role == "" {
			continue
		}
		l.computer.drop(role)
		l.logger.Debug("knowledge: remote invalidation", "agent", role)
	}
}
