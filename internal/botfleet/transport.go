// Package botfleet runs the Telegram side of the shop: a set of bot
// transports keyed by bot id, a registry that routes webhook updates and
// outbound sends to the live transport, and a failover loop that swaps a
// revoked token for the next backup without users noticing.
package botfleet

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-telegram/bot"
	"github.com/rs/zerolog"
)

// Transport is one live bot identity. The concrete implementation wraps
// go-telegram/bot; tests substitute fakes.
type Transport interface {
	// BotID is the Telegram bot user id, the stable key deposits and
	// purchases remember.
	BotID() int64
	Username() string
	// Token is the secret the public webhook path is derived from.
	Token() string

	// Probe verifies the token is still accepted upstream.
	Probe(ctx context.Context) error

	SendText(ctx context.Context, chatID int64, text string) error
	SendMediaGroup(ctx context.Context, chatID int64, caption string, items []MediaItem) error

	// WebhookHandler accepts Telegram update posts for this bot.
	WebhookHandler() http.Handler
	// InstallWebhook points Telegram at this deployment's public URL.
	InstallWebhook(ctx context.Context) error

	// Start begins consuming updates. Stop halts consumption, bounded by
	// ctx; a transport that will not stop is abandoned.
	Start()
	Stop(ctx context.Context) error
}

// MediaItem is one file in an outbound media group.
type MediaItem struct {
	Name string
	Data io.Reader
}

// IsAuthError reports whether err means the bot token itself is dead:
// revoked, regenerated, or malformed. These trigger failover; everything
// else is treated as transient.
func IsAuthError(err error) bool {
	return errors.Is(err, bot.ErrorUnauthorized) || errors.Is(err, bot.ErrorNotFound)
}

// IsBlockedByUser reports whether err means the recipient blocked the
// bot. Deliveries mark the user and move on.
func IsBlockedByUser(err error) bool {
	return errors.Is(err, bot.ErrorForbidden)
}

// maxRetryAfter aborts a send when Telegram advises waiting longer.
const maxRetryAfter = 5 * time.Minute

// sendWithRetry runs one outbound Telegram call, honoring rate-limit
// advice with one extra second of slack. Auth and blocked errors return
// immediately; other errors retry on a short backoff.
func sendWithRetry(ctx context.Context, logger zerolog.Logger, attempts int, fn func() error) error {
	backoff := time.Second
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if IsAuthError(err) || IsBlockedByUser(err) {
			return err
		}

		wait := backoff
		var tooMany *bot.TooManyRequestsError
		if errors.As(err, &tooMany) {
			advised := time.Duration(tooMany.RetryAfter) * time.Second
			if advised > maxRetryAfter {
				return err
			}
			wait = advised + time.Second
		}
		if i == attempts-1 {
			break
		}

		logger.Debug().Err(err).Dur("wait", wait).Int("attempt", i+1).Msg("fleet.send_retry")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
	}
	return err
}
