package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/jmcleod/rangebook/attest"
)

// Log writes every event to logger at info level.
type Log struct {
	logger *zap.Logger
}

// NewLog returns a Log publisher.
func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger.With(zap.String("component", "events"))}
}

func (l *Log) Publish(_ context.Context, ev attest.Event) {
	l.logger.Info("event",
		zap.String("type", string(ev.Type)),
		zap.Time("at", ev.At),
		zap.String("user_id", ev.UserID),
		zap.String("actor_user_id", ev.ActorUserID),
		zap.String("entry_id", ev.EntryID),
		zap.String("club_id", ev.ClubID),
		zap.String("certificate_serial", ev.CertificateSerial),
		zap.String("reason", ev.Reason))
}

// Fanout publishes to several publishers in order.
type Fanout []attest.Publisher

func (f Fanout) Publish(ctx context.Context, ev attest.Event) {
	for _, p := range f {
		p.Publish(ctx, ev)
	}
}
