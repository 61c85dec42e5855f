// Package bothandlers turns inbound Telegram updates into shop and
// admin operations. Buttons dispatch through a closed action table;
// multi-step conversations run as per-user flow state machines. One
// Handlers instance serves every fleet transport.
package bothandlers

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog"

	"github.com/dropline/server/internal/botfleet"
	"github.com/dropline/server/internal/config"
	"github.com/dropline/server/internal/i18n"
	"github.com/dropline/server/internal/metrics"
	"github.com/dropline/server/internal/shop"
	"github.com/dropline/server/internal/storage"
)

// Recoverer settles or releases stuck deposits on admin request. The
// purchase finalizer implements it.
type Recoverer interface {
	ManualRecover(ctx context.Context, actorID int64, paymentID string) (storage.SettleResult, error)
	ManualRelease(ctx context.Context, actorID int64, paymentID string) error
}

// Broadcaster fans one text out to many users with send pacing. The
// fleet delivery implements it.
type Broadcaster interface {
	Broadcast(ctx context.Context, userIDs []int64, text string, pace time.Duration) (sent, blocked, failed int)
}

// Deps collects the collaborators the handlers need.
type Deps struct {
	Shop      *shop.Service
	Finalizer Recoverer
	Delivery  Broadcaster
	Registry  *botfleet.Registry
	Catalog   *i18n.Catalog
	Telegram  config.TelegramConfig
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

// Handlers is the shared update processor behind every bot identity.
type Handlers struct {
	shop     *shop.Service
	finalize Recoverer
	delivery Broadcaster
	registry *botfleet.Registry
	catalog  *i18n.Catalog
	cfg      config.TelegramConfig
	flows    *flowTable
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	actions map[Action]actionEntry
}

// actionEntry is one row of the static dispatch table.
type actionEntry struct {
	admin bool
	fn    func(ctx context.Context, r *request, args []string) error
}

// New builds the handlers and their dispatch table.
func New(deps Deps) *Handlers {
	h := &Handlers{
		shop:     deps.Shop,
		finalize: deps.Finalizer,
		delivery: deps.Delivery,
		registry: deps.Registry,
		catalog:  deps.Catalog,
		cfg:      deps.Telegram,
		flows:    newFlowTable(),
		metrics:  deps.Metrics,
		logger:   deps.Logger.With().Str("component", "handlers").Logger(),
	}
	h.actions = map[Action]actionEntry{
		ActionMenu:        {fn: h.showMenu},
		ActionShop:        {fn: h.showCities},
		ActionCity:        {fn: h.showDistricts},
		ActionDistrict:    {fn: h.showTypes},
		ActionType:        {fn: h.showOffers},
		ActionOffer:       {fn: h.addOffer},
		ActionBasket:      {fn: h.showBasket},
		ActionRemoveItem:  {fn: h.removeItem},
		ActionApplyCode:   {fn: h.startApplyCode},
		ActionDetachCode:  {fn: h.detachCode},
		ActionCheckout:    {fn: h.checkout},
		ActionRefill:      {fn: h.startRefill},
		ActionBalance:     {fn: h.showBalance},
		ActionHistory:     {fn: h.showHistory},
		ActionLanguage:    {fn: h.showLanguages},
		ActionSetLanguage: {fn: h.setLanguage},
		ActionHelp:        {fn: h.showHelp},
		ActionCancel:      {fn: h.cancelFlow},

		ActionAdmin:           {admin: true, fn: h.showAdminMenu},
		ActionAdminStats:      {admin: true, fn: h.showStats},
		ActionAdminDeposits:   {admin: true, fn: h.showDeposits},
		ActionAdminAddDrop:    {admin: true, fn: h.startAddDrop},
		ActionAdminBulkAdd:    {admin: true, fn: h.startBulkAdd},
		ActionAdminCreateCode: {admin: true, fn: h.startCreateCode},
		ActionAdminCodes:      {admin: true, fn: h.showCodes},
		ActionAdminToggleCode: {admin: true, fn: h.toggleCode},
		ActionAdminRecover:    {admin: true, fn: h.startRecover},
		ActionAdminBroadcast:  {admin: true, fn: h.startBroadcast},
		ActionAdminWelcome:    {admin: true, fn: h.startWelcome},
	}
	return h
}

// ForToken adapts the shared handlers into the per-transport handler
// the fleet factory passes to a new bot. The token identifies which
// transport received the update; its bot id stamps deposits so delivery
// goes back out through the bot the customer talked to.
func (h *Handlers) ForToken(token string) bot.HandlerFunc {
	return func(ctx context.Context, b *bot.Bot, update *models.Update) {
		var botID int64
		if t, ok := h.registry.ByToken(token); ok {
			botID = t.BotID()
		}
		h.handle(ctx, &botClient{bot: b}, botID, update)
	}
}

func (h *Handlers) handle(ctx context.Context, client api, botID int64, update *models.Update) {
	switch {
	case update.CallbackQuery != nil:
		h.handleCallback(ctx, client, botID, update.CallbackQuery)
	case update.Message != nil:
		h.handleMessage(ctx, client, botID, update.Message)
	default:
		h.metrics.ObserveUpdate("ignored")
	}
}

// request carries one update's identities through the handler chain.
// msgID is non-zero when the update came from a button press, enabling
// in-place edits of the screen the button lives on.
type request struct {
	api    api
	botID  int64
	user   storage.User
	chatID int64
	msgID  int
}

func (h *Handlers) handleCallback(ctx context.Context, client api, botID int64, cq *models.CallbackQuery) {
	h.metrics.ObserveUpdate("callback")

	chatID := cq.From.ID
	msgID := 0
	if cq.Message.Message != nil {
		chatID = cq.Message.Message.Chat.ID
		msgID = cq.Message.Message.ID
	}
	// Ack the spinner first; an expired query id is not an error.
	if err := client.answerCallback(ctx, cq.ID); err != nil && !isBenign(err) {
		h.logger.Debug().Err(err).Msg("handlers.callback_ack_failed")
	}

	user, err := h.shop.Touch(ctx, cq.From.ID, cq.From.LanguageCode)
	if err != nil {
		h.logger.Error().Err(err).Int64("user_id", cq.From.ID).Msg("handlers.touch_failed")
		return
	}
	r := &request{api: client, botID: botID, user: user, chatID: chatID, msgID: msgID}
	if h.rejectBanned(ctx, r) {
		return
	}

	kind, args, err := decodeAction(cq.Data)
	if err != nil {
		h.metrics.ObserveUpdate("unknown_action")
		h.logger.Warn().Str("data", cq.Data).Int64("user_id", user.TelegramID).Msg("handlers.unknown_action")
		return
	}
	entry, ok := h.actions[kind]
	if !ok {
		h.metrics.ObserveUpdate("unknown_action")
		h.logger.Warn().Int("kind", int(kind)).Int64("user_id", user.TelegramID).Msg("handlers.unmapped_action")
		return
	}
	if entry.admin && !h.cfg.IsAdmin(user.TelegramID) {
		h.logger.Warn().Int64("user_id", user.TelegramID).Int("kind", int(kind)).Msg("handlers.admin_action_denied")
		return
	}
	if err := entry.fn(ctx, r, args); err != nil {
		h.failed(ctx, r, err)
	}
}

func (h *Handlers) handleMessage(ctx context.Context, client api, botID int64, msg *models.Message) {
	if msg.From == nil || msg.From.IsBot {
		h.metrics.ObserveUpdate("ignored")
		return
	}
	h.metrics.ObserveUpdate("message")

	user, err := h.shop.Touch(ctx, msg.From.ID, msg.From.LanguageCode)
	if err != nil {
		h.logger.Error().Err(err).Int64("user_id", msg.From.ID).Msg("handlers.touch_failed")
		return
	}
	r := &request{api: client, botID: botID, user: user, chatID: msg.Chat.ID}
	if h.rejectBanned(ctx, r) {
		return
	}

	if cmd, rest := splitCommand(msg.Text); cmd != "" {
		if err := h.runCommand(ctx, r, cmd, rest, msg); err != nil {
			h.failed(ctx, r, err)
		}
		return
	}

	if _, live := h.flows.get(user.TelegramID); live {
		if err := h.advanceFlow(ctx, r, msg); err != nil {
			h.failed(ctx, r, err)
		}
		return
	}

	if err := h.showMenu(ctx, r, nil); err != nil {
		h.failed(ctx, r, err)
	}
}

// runCommand routes slash commands. Unreserved commands fall through to
// a live flow so flows can define verbs like /done.
func (h *Handlers) runCommand(ctx context.Context, r *request, cmd, rest string, msg *models.Message) error {
	admin := h.cfg.IsAdmin(r.user.TelegramID)
	switch cmd {
	case "/start":
		h.flows.clear(r.user.TelegramID)
		return h.showWelcome(ctx, r)
	case "/menu":
		h.flows.clear(r.user.TelegramID)
		return h.showMenu(ctx, r, nil)
	case "/cancel":
		return h.cancelFlow(ctx, r, nil)
	case "/admin":
		if !admin {
			return h.showMenu(ctx, r, nil)
		}
		return h.showAdminMenu(ctx, r, nil)
	case "/ban", "/unban", "/reseller", "/unreseller":
		if !admin {
			return h.showMenu(ctx, r, nil)
		}
		return h.adminCommand(ctx, r, cmd, rest)
	default:
		if _, live := h.flows.get(r.user.TelegramID); live {
			return h.advanceFlow(ctx, r, msg)
		}
		return h.showMenu(ctx, r, nil)
	}
}

// advanceFlow feeds one message into the user's live flow. Input that
// does not match what the flow's current step expects is answered with
// the step's own prompt and does not transition.
func (h *Handlers) advanceFlow(ctx context.Context, r *request, msg *models.Message) error {
	f, ok := h.flows.get(r.user.TelegramID)
	if !ok {
		return h.showMenu(ctx, r, nil)
	}
	switch fl := f.(type) {
	case applyCodeFlow:
		return h.applyCodeInput(ctx, r, msg)
	case refillFlow:
		return h.refillInput(ctx, r, msg)
	case *addDropFlow:
		return h.addDropInput(ctx, r, fl, msg)
	case *bulkAddFlow:
		return h.bulkAddInput(ctx, r, fl, msg)
	case *createCodeFlow:
		return h.createCodeInput(ctx, r, fl, msg)
	case recoverFlow:
		return h.recoverInput(ctx, r, msg)
	case *broadcastFlow:
		return h.broadcastInput(ctx, r, fl, msg)
	case welcomeFlow:
		return h.welcomeInput(ctx, r, msg)
	default:
		h.flows.clear(r.user.TelegramID)
		return h.showMenu(ctx, r, nil)
	}
}

// rejectBanned answers any banned customer with a single restriction
// notice regardless of what they asked. Admins cannot lock themselves
// out.
func (h *Handlers) rejectBanned(ctx context.Context, r *request) bool {
	if !r.user.Banned || h.cfg.IsAdmin(r.user.TelegramID) {
		return false
	}
	if err := h.say(ctx, r, i18n.KeyBannedNotice); err != nil {
		h.logger.Debug().Err(err).Int64("user_id", r.user.TelegramID).Msg("handlers.ban_notice_failed")
	}
	return true
}

// failed logs an unexpected handler error with its identities and sends
// the generic retry reply.
func (h *Handlers) failed(ctx context.Context, r *request, err error) {
	h.logger.Error().Err(err).
		Int64("user_id", r.user.TelegramID).
		Int64("chat_id", r.chatID).
		Msg("handlers.update_failed")
	if sendErr := h.say(ctx, r, i18n.KeyErrorGeneric); sendErr != nil {
		h.logger.Debug().Err(sendErr).Msg("handlers.error_reply_failed")
	}
}

// say sends a localized message as a new bubble.
func (h *Handlers) say(ctx context.Context, r *request, key string, args ...any) error {
	return r.api.sendText(ctx, r.chatID, h.catalog.T(r.user.Language, key, args...))
}

// render edits the originating screen in place when the request came
// from a button, falling back to a fresh message. Benign edit failures
// count as success.
func (h *Handlers) render(ctx context.Context, r *request, text string, kb *models.InlineKeyboardMarkup) error {
	if r.msgID != 0 {
		err := r.api.editMessage(ctx, r.chatID, r.msgID, text, kb)
		if err == nil || isBenign(err) {
			return nil
		}
		h.logger.Debug().Err(err).Int64("chat_id", r.chatID).Msg("handlers.edit_fallback")
	}
	if kb != nil {
		return r.api.sendKeyboard(ctx, r.chatID, text, kb)
	}
	return r.api.sendText(ctx, r.chatID, text)
}

func (h *Handlers) cancelFlow(ctx context.Context, r *request, _ []string) error {
	h.flows.clear(r.user.TelegramID)
	return h.say(ctx, r, i18n.KeyCancelled)
}

// splitCommand extracts a leading slash command and the remainder,
// stripping the @BotName suffix groups append.
func splitCommand(text string) (cmd, rest string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", ""
	}
	cmd = text
	if i := strings.IndexAny(text, " \n"); i > 0 {
		cmd, rest = text[:i], strings.TrimSpace(text[i+1:])
	}
	if i := strings.Index(cmd, "@"); i > 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd), rest
}

// isBenign reports the Telegram edit failures the UX treats as success:
// re-rendering an identical screen and answering a button the client
// already gave up on.
func isBenign(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "message is not modified") || strings.Contains(s, "query is too old")
}

// api is the slice of the Telegram client the handlers use. Production
// wraps go-telegram/bot; tests record calls.
type api interface {
	sendText(ctx context.Context, chatID int64, text string) error
	sendKeyboard(ctx context.Context, chatID int64, text string, kb *models.InlineKeyboardMarkup) error
	editMessage(ctx context.Context, chatID int64, messageID int, text string, kb *models.InlineKeyboardMarkup) error
	answerCallback(ctx context.Context, callbackID string) error
	downloadFile(ctx context.Context, fileID string) (io.ReadCloser, string, error)
}

type botClient struct {
	bot *bot.Bot
}

func (c *botClient) sendText(ctx context.Context, chatID int64, text string) error {
	_, err := c.bot.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text})
	return err
}

func (c *botClient) sendKeyboard(ctx context.Context, chatID int64, text string, kb *models.InlineKeyboardMarkup) error {
	_, err := c.bot.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text, ReplyMarkup: kb})
	return err
}

func (c *botClient) editMessage(ctx context.Context, chatID int64, messageID int, text string, kb *models.InlineKeyboardMarkup) error {
	params := &bot.EditMessageTextParams{ChatID: chatID, MessageID: messageID, Text: text}
	if kb != nil {
		params.ReplyMarkup = kb
	}
	_, err := c.bot.EditMessageText(ctx, params)
	return err
}

func (c *botClient) answerCallback(ctx context.Context, callbackID string) error {
	_, err := c.bot.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{CallbackQueryID: callbackID})
	return err
}

// downloadFile streams one Telegram-hosted file, returning its content
// and base name. The caller owns the reader.
func (c *botClient) downloadFile(ctx context.Context, fileID string) (io.ReadCloser, string, error) {
	f, err := c.bot.GetFile(ctx, &bot.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, "", fmt.Errorf("bothandlers: resolve file: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.bot.FileDownloadLink(f), nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("bothandlers: download file: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, "", fmt.Errorf("bothandlers: download file: status %d", resp.StatusCode)
	}
	return resp.Body, path.Base(f.FilePath), nil
}
