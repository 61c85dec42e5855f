// Package alerts turns invariant violations into admin-visible
// notifications. Every alert is also logged, so a fleet with zero live
// transports still leaves a trace.
package alerts

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Sender carries an alert to the admins. The bot fleet implements it;
// tests substitute a recorder.
type Sender interface {
	NotifyAdmins(ctx context.Context, text string)
}

// Notifier tags alerts by severity and fans them out.
type Notifier struct {
	sender Sender
	logger zerolog.Logger
}

func New(sender Sender, logger zerolog.Logger) *Notifier {
	return &Notifier{
		sender: sender,
		logger: logger.With().Str("component", "alerts").Logger(),
	}
}

// Critical reports a violated invariant that needs manual intervention:
// exhausted finalize retries, reservation skew, a dead fleet slot.
func (n *Notifier) Critical(ctx context.Context, format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	n.logger.Error().Str("alert", text).Msg("alerts.critical")
	n.sender.NotifyAdmins(ctx, "🚨 "+text)
}

// Warn reports a degraded but self-healing condition.
func (n *Notifier) Warn(ctx context.Context, format string, args ...any) {
	text := fmt.Sprintf(format, args...)
	n.logger.Warn().Str("alert", text).Msg("alerts.warn")
	n.sender.NotifyAdmins(ctx, "⚠️ "+text)
}
