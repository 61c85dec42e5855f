package botfleet

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog"

	"github.com/dropline/server/internal/config"
)

// Telegram is the production Transport over go-telegram/bot. Updates
// arrive through the webhook handler mounted by the HTTP server; the
// library's dispatch loop runs in a goroutine owned by Start.
type Telegram struct {
	bot        *bot.Bot
	botID      int64
	username   string
	token      string
	webhookURL string
	secret     string
	logger     zerolog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewTelegram builds a transport for one token and resolves its identity
// with a GetMe call. An auth error here means the token is unusable.
func NewTelegram(ctx context.Context, token string, cfg config.TelegramConfig, webhookBase string, handler bot.HandlerFunc, logger zerolog.Logger) (*Telegram, error) {
	opts := []bot.Option{
		bot.WithSkipGetMe(),
		bot.WithDefaultHandler(handler),
	}
	if cfg.WebhookSecret != "" {
		opts = append(opts, bot.WithWebhookSecretToken(cfg.WebhookSecret))
	}

	b, err := bot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("fleet: construct bot: %w", err)
	}
	me, err := b.GetMe(ctx)
	if err != nil {
		return nil, fmt.Errorf("fleet: identify bot: %w", err)
	}

	return &Telegram{
		bot:        b,
		botID:      me.ID,
		username:   me.Username,
		token:      token,
		webhookURL: strings.TrimRight(webhookBase, "/") + "/telegram/" + token,
		secret:     cfg.WebhookSecret,
		logger: logger.With().
			Str("component", "fleet").
			Int64("bot_id", me.ID).
			Str("bot", me.Username).
			Logger(),
		done: make(chan struct{}),
	}, nil
}

func (t *Telegram) BotID() int64     { return t.botID }
func (t *Telegram) Username() string { return t.username }
func (t *Telegram) Token() string    { return t.token }

// Bot exposes the underlying client for update handlers that need the
// full API surface (keyboards, edits, file downloads).
func (t *Telegram) Bot() *bot.Bot { return t.bot }

func (t *Telegram) Probe(ctx context.Context) error {
	_, err := t.bot.GetMe(ctx)
	return err
}

func (t *Telegram) SendText(ctx context.Context, chatID int64, text string) error {
	return sendWithRetry(ctx, t.logger, 3, func() error {
		_, err := t.bot.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: chatID,
			Text:   text,
		})
		return err
	})
}

func (t *Telegram) SendMediaGroup(ctx context.Context, chatID int64, caption string, items []MediaItem) error {
	if len(items) == 0 {
		if caption == "" {
			return nil
		}
		return t.SendText(ctx, chatID, caption)
	}

	media := make([]models.InputMedia, 0, len(items))
	for i, item := range items {
		photo := &models.InputMediaPhoto{
			Media:           fmt.Sprintf("attach://%s", item.Name),
			MediaAttachment: item.Data,
		}
		if i == 0 {
			photo.Caption = caption
		}
		media = append(media, photo)
	}

	// Media readers cannot be rewound, so a failed group send is not
	// retried here; the caller falls back to text.
	_, err := t.bot.SendMediaGroup(ctx, &bot.SendMediaGroupParams{
		ChatID: chatID,
		Media:  media,
	})
	return err
}

func (t *Telegram) WebhookHandler() http.Handler {
	return t.bot.WebhookHandler()
}

func (t *Telegram) InstallWebhook(ctx context.Context) error {
	_, err := t.bot.SetWebhook(ctx, &bot.SetWebhookParams{
		URL:         t.webhookURL,
		SecretToken: t.secret,
	})
	if err != nil {
		return fmt.Errorf("fleet: set webhook: %w", err)
	}
	return nil
}

// Start launches the webhook dispatch loop. Telegram posts updates to
// the HTTP server, which forwards them to WebhookHandler; this loop is
// what pulls them through to the registered handlers.
func (t *Telegram) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}
	t.started = true

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go func() {
		defer close(t.done)
		t.bot.StartWebhook(ctx)
	}()
	t.logger.Info().Msg("fleet.transport_started")
}

// Stop halts the dispatch loop, waiting no longer than ctx allows.
func (t *Telegram) Stop(ctx context.Context) error {
	t.mu.Lock()
	started := t.started
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Unlock()

	if !started {
		return nil
	}
	select {
	case <-t.done:
		t.logger.Info().Msg("fleet.transport_stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("fleet: transport %d did not stop: %w", t.botID, ctx.Err())
	}
}
