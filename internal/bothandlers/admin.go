package bothandlers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-telegram/bot/models"
	"github.com/shopspring/decimal"

	"github.com/dropline/server/internal/money"
	"github.com/dropline/server/internal/storage"
)

// Admin screens and interviews. The admin surface is English only; the
// customer catalog stays out of it.

// broadcastPace spaces broadcast sends to stay inside the Telegram
// global send budget.
const broadcastPace = 50 * time.Millisecond

// statsWindow is how far back the sales summary looks.
const statsWindow = 30 * 24 * time.Hour

func (h *Handlers) adminSay(ctx context.Context, r *request, format string, args ...any) error {
	return r.api.sendText(ctx, r.chatID, fmt.Sprintf(format, args...))
}

func (h *Handlers) showAdminMenu(ctx context.Context, r *request, _ []string) error {
	kb := &models.InlineKeyboardMarkup{InlineKeyboard: [][]models.InlineKeyboardButton{
		{
			{Text: "📊 Stats", CallbackData: encodeAction(ActionAdminStats)},
			{Text: "🧾 Deposits", CallbackData: encodeAction(ActionAdminDeposits)},
		},
		{
			{Text: "➕ Add drop", CallbackData: encodeAction(ActionAdminAddDrop)},
			{Text: "📦 Bulk add", CallbackData: encodeAction(ActionAdminBulkAdd)},
		},
		{
			{Text: "🎟 New code", CallbackData: encodeAction(ActionAdminCreateCode)},
			{Text: "🎟 Codes", CallbackData: encodeAction(ActionAdminCodes)},
		},
		{
			{Text: "🛟 Recover payment", CallbackData: encodeAction(ActionAdminRecover)},
			{Text: "📣 Broadcast", CallbackData: encodeAction(ActionAdminBroadcast)},
		},
		{
			{Text: "👋 Welcome text", CallbackData: encodeAction(ActionAdminWelcome)},
		},
		backRow(encodeAction(ActionMenu)),
	}}
	text := "Admin panel.\n\nCommands: /ban <user>, /unban <user>, /reseller <user> <type> <percent>, /unreseller <user> <type>"
	return h.render(ctx, r, text, kb)
}

func (h *Handlers) showStats(ctx context.Context, r *request, _ []string) error {
	stats, err := h.shop.Stats(ctx, time.Now().Add(-statsWindow))
	if err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Sales, last 30 days: %d item(s), %s EUR\n", stats.Sales.Count, stats.Sales.Total.String())
	fmt.Fprintf(&b, "Open deposits: %d\n", stats.OpenDeposits)
	b.WriteString("\nStock:")
	if len(stats.Inventory) == 0 {
		b.WriteString("\nempty")
	}
	for _, row := range stats.Inventory {
		free := row.Available - row.Reserved
		fmt.Fprintf(&b, "\n%s/%s %s %s — %s EUR — %d free", row.City, row.District, row.ProductType, row.Size, row.Price.String(), free)
		if row.Reserved > 0 {
			fmt.Fprintf(&b, " (%d held)", row.Reserved)
		}
	}
	kb := &models.InlineKeyboardMarkup{InlineKeyboard: [][]models.InlineKeyboardButton{
		{{Text: "🔄 Refresh", CallbackData: encodeAction(ActionAdminStats)}},
		backRow(encodeAction(ActionAdmin)),
	}}
	return h.render(ctx, r, b.String(), kb)
}

func (h *Handlers) showDeposits(ctx context.Context, r *request, _ []string) error {
	deposits, err := h.shop.PendingDeposits(ctx)
	if err != nil {
		return err
	}
	var b strings.Builder
	if len(deposits) == 0 {
		b.WriteString("No open deposits.")
	}
	for i, dep := range deposits {
		if i > 0 {
			b.WriteString("\n")
		}
		kind := "refill"
		if dep.IsPurchase {
			kind = "purchase"
		}
		age := time.Since(dep.CreatedAt).Round(time.Minute)
		fmt.Fprintf(&b, "%s — %s — user %d — %s EUR — %s old", dep.PaymentID, kind, dep.UserID, dep.TargetEUR.String(), age)
	}
	kb := &models.InlineKeyboardMarkup{InlineKeyboard: [][]models.InlineKeyboardButton{
		{
			{Text: "🔄 Refresh", CallbackData: encodeAction(ActionAdminDeposits)},
			{Text: "🛟 Recover", CallbackData: encodeAction(ActionAdminRecover)},
		},
		backRow(encodeAction(ActionAdmin)),
	}}
	return h.render(ctx, r, b.String(), kb)
}

func (h *Handlers) startAddDrop(ctx context.Context, r *request, _ []string) error {
	h.flows.set(r.user.TelegramID, &addDropFlow{})
	return h.adminSay(ctx, r, "New drop. City?")
}

// addDropInput walks the listing interview one field per message. The
// product is created after the details step; photos attach to it until
// the admin says done.
func (h *Handlers) addDropInput(ctx context.Context, r *request, f *addDropFlow, msg *models.Message) error {
	text := strings.TrimSpace(msg.Text)

	if f.step != stepDropMedia && text == "" {
		return h.adminSay(ctx, r, "Send the next field as text, or /cancel.")
	}

	switch f.step {
	case stepDropCity:
		f.draft.City = text
		f.step = stepDropDistrict
		return h.adminSay(ctx, r, "District?")
	case stepDropDistrict:
		f.draft.District = text
		f.step = stepDropType
		return h.adminSay(ctx, r, "Product type?")
	case stepDropType:
		f.draft.ProductType = text
		f.step = stepDropSize
		return h.adminSay(ctx, r, "Size?")
	case stepDropSize:
		f.draft.Size = text
		f.step = stepDropPrice
		return h.adminSay(ctx, r, "Price in EUR? (for example: 95.00)")
	case stepDropPrice:
		amount, err := money.Parse(text)
		if err != nil || !amount.IsPositive() {
			return h.adminSay(ctx, r, "Price must be a positive EUR amount like 95.00. Try again.")
		}
		f.draft.Price = amount
		f.step = stepDropDetails
		return h.adminSay(ctx, r, "Pickup details? The buyer sees this text after payment confirms.")
	case stepDropDetails:
		f.draft.Details = text
		id, err := h.shop.AddDrop(ctx, r.user.TelegramID, f.draft)
		if err != nil {
			return err
		}
		f.productID = id
		f.step = stepDropMedia
		return h.adminSay(ctx, r, "Drop %d listed. Send photos one by one, then say done.", id)
	case stepDropMedia:
		if strings.TrimPrefix(strings.ToLower(text), "/") == "done" {
			h.flows.clear(r.user.TelegramID)
			return h.adminSay(ctx, r, "Drop %d is live.", f.productID)
		}
		if len(msg.Photo) == 0 {
			return h.adminSay(ctx, r, "Send a photo, or say done.")
		}
		// Telegram orders sizes ascending; the last one is the original.
		photo := msg.Photo[len(msg.Photo)-1]
		rc, name, err := r.api.downloadFile(ctx, photo.FileID)
		if err != nil {
			return err
		}
		defer rc.Close()
		if _, err := h.shop.AttachMedia(ctx, f.productID, name, rc); err != nil {
			return err
		}
		return h.adminSay(ctx, r, "Photo saved. More, or done?")
	default:
		h.flows.clear(r.user.TelegramID)
		return h.showAdminMenu(ctx, r, nil)
	}
}

func (h *Handlers) startBulkAdd(ctx context.Context, r *request, _ []string) error {
	h.flows.set(r.user.TelegramID, &bulkAddFlow{})
	return h.adminSay(ctx, r, "Bulk add. Paste one drop per line as\n\ncity|district|type|size|price|details\n\nthen say done.")
}

// bulkAddInput queues parsed lines and commits the whole batch on done.
// A malformed line rejects its message and keeps what was queued before
// it.
func (h *Handlers) bulkAddInput(ctx context.Context, r *request, f *bulkAddFlow, msg *models.Message) error {
	text := strings.TrimSpace(msg.Text)
	if strings.TrimPrefix(strings.ToLower(text), "/") == "done" {
		if len(f.drafts) == 0 {
			return h.adminSay(ctx, r, "Nothing queued yet. Paste lines, or /cancel.")
		}
		ids, err := h.shop.BulkAddDrops(ctx, r.user.TelegramID, f.drafts)
		if err != nil {
			return err
		}
		h.flows.clear(r.user.TelegramID)
		return h.adminSay(ctx, r, "Listed %d drop(s).", len(ids))
	}

	var queued int
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) < 5 {
			return h.adminSay(ctx, r, "Cannot parse %q: need city|district|type|size|price|details.", line)
		}
		price, err := money.Parse(strings.TrimSpace(parts[4]))
		if err != nil || !price.IsPositive() {
			return h.adminSay(ctx, r, "Cannot parse price in %q.", line)
		}
		details := ""
		if len(parts) > 5 {
			details = strings.TrimSpace(strings.Join(parts[5:], "|"))
		}
		f.drafts = append(f.drafts, storage.Product{
			City:        strings.TrimSpace(parts[0]),
			District:    strings.TrimSpace(parts[1]),
			ProductType: strings.TrimSpace(parts[2]),
			Size:        strings.TrimSpace(parts[3]),
			Price:       price,
			Details:     details,
		})
		queued++
	}
	return h.adminSay(ctx, r, "Queued %d line(s), %d total. Say done to list them.", queued, len(f.drafts))
}

func (h *Handlers) startCreateCode(ctx context.Context, r *request, _ []string) error {
	h.flows.set(r.user.TelegramID, &createCodeFlow{})
	return h.adminSay(ctx, r, "New discount code. Code text?")
}

// createCodeInput collects the code field by field. Caps, expiry, and
// scopes accept none/any to stay open.
func (h *Handlers) createCodeInput(ctx context.Context, r *request, f *createCodeFlow, msg *models.Message) error {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return h.adminSay(ctx, r, "Send the next field as text, or /cancel.")
	}
	lower := strings.ToLower(text)

	switch f.step {
	case stepCodeText:
		f.draft.Code = text
		f.step = stepCodeKind
		return h.adminSay(ctx, r, "Kind? (percentage or fixed)")
	case stepCodeKind:
		switch lower {
		case "percentage", "percent":
			f.draft.Kind = storage.DiscountPercentage
			f.step = stepCodeValue
			return h.adminSay(ctx, r, "Percent off? (1-100)")
		case "fixed":
			f.draft.Kind = storage.DiscountFixed
			f.step = stepCodeValue
			return h.adminSay(ctx, r, "EUR off? (for example: 5.00)")
		default:
			return h.adminSay(ctx, r, "Answer percentage or fixed.")
		}
	case stepCodeValue:
		if f.draft.Kind == storage.DiscountPercentage {
			pct, err := decimal.NewFromString(text)
			if err != nil || !pct.IsPositive() || pct.GreaterThan(decimal.NewFromInt(100)) {
				return h.adminSay(ctx, r, "Percent must be between 1 and 100. Try again.")
			}
			f.draft.Value = pct
		} else {
			amount, err := money.Parse(text)
			if err != nil || !amount.IsPositive() {
				return h.adminSay(ctx, r, "Amount must be a positive EUR value like 5.00. Try again.")
			}
			f.draft.Value = amount.Decimal()
		}
		f.step = stepCodeTotalCap
		return h.adminSay(ctx, r, "Total usage cap? (number or none)")
	case stepCodeTotalCap:
		limit, err := parseCap(lower)
		if err != nil {
			return h.adminSay(ctx, r, "Send a positive number, or none.")
		}
		f.draft.TotalCap = limit
		f.step = stepCodeUserCap
		return h.adminSay(ctx, r, "Per-user cap? (number or none)")
	case stepCodeUserCap:
		limit, err := parseCap(lower)
		if err != nil {
			return h.adminSay(ctx, r, "Send a positive number, or none.")
		}
		f.draft.PerUserCap = limit
		f.step = stepCodeExpiry
		return h.adminSay(ctx, r, "Expiry? (YYYY-MM-DD or none)")
	case stepCodeExpiry:
		if lower != "none" {
			when, err := time.Parse("2006-01-02", text)
			if err != nil {
				return h.adminSay(ctx, r, "Send a date like 2026-12-31, or none.")
			}
			f.draft.ExpiresAt = &when
		}
		f.step = stepCodeCities
		return h.adminSay(ctx, r, "Limit to cities? (comma-separated or any)")
	case stepCodeCities:
		f.draft.Cities = parseScope(lower)
		f.step = stepCodeTypes
		return h.adminSay(ctx, r, "Limit to product types? (comma-separated or any)")
	case stepCodeTypes:
		f.draft.ProductTypes = parseScope(lower)
		f.step = stepCodeSizes
		return h.adminSay(ctx, r, "Limit to sizes? (comma-separated or any)")
	case stepCodeSizes:
		f.draft.Sizes = parseScope(lower)
		f.draft.Active = true
		err := h.shop.CreateCode(ctx, r.user.TelegramID, f.draft)
		if errors.Is(err, storage.ErrCodeExists) {
			h.flows.clear(r.user.TelegramID)
			return h.adminSay(ctx, r, "Code %s already exists.", f.draft.Code)
		}
		if err != nil {
			return err
		}
		h.flows.clear(r.user.TelegramID)
		return h.adminSay(ctx, r, "Code %s is live.", f.draft.Code)
	default:
		h.flows.clear(r.user.TelegramID)
		return h.showAdminMenu(ctx, r, nil)
	}
}

// parseCap reads a usage cap: none means unlimited.
func parseCap(text string) (*int, error) {
	if text == "none" {
		return nil, nil
	}
	n, err := strconv.Atoi(text)
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("bothandlers: bad cap %q", text)
	}
	return &n, nil
}

// parseScope reads a comma-separated scope list: any means unscoped.
func parseScope(text string) []string {
	if text == "any" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(text, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (h *Handlers) showCodes(ctx context.Context, r *request, _ []string) error {
	codes, err := h.shop.Codes(ctx)
	if err != nil {
		return err
	}
	if len(codes) == 0 {
		kb := &models.InlineKeyboardMarkup{InlineKeyboard: [][]models.InlineKeyboardButton{
			{{Text: "🎟 New code", CallbackData: encodeAction(ActionAdminCreateCode)}},
			backRow(encodeAction(ActionAdmin)),
		}}
		return h.render(ctx, r, "No discount codes yet.", kb)
	}

	var b strings.Builder
	rows := make([][]models.InlineKeyboardButton, 0, len(codes)+2)
	for i, c := range codes {
		if i > 0 {
			b.WriteString("\n")
		}
		value := c.Value.String() + "% off"
		if c.Kind == storage.DiscountFixed {
			value = c.Value.String() + " EUR off"
		}
		limit := "∞"
		if c.TotalCap != nil {
			limit = strconv.Itoa(*c.TotalCap)
		}
		state := "active"
		if !c.Active {
			state = "off"
		}
		fmt.Fprintf(&b, "%s — %s — uses %d/%s — %s", c.Code, value, c.UsesCount, limit, state)
		if c.ExpiresAt != nil {
			fmt.Fprintf(&b, " — until %s", c.ExpiresAt.Format("2006-01-02"))
		}

		toggle := models.InlineKeyboardButton{
			Text:         "⏸ " + c.Code,
			CallbackData: encodeAction(ActionAdminToggleCode, c.Code, "0"),
		}
		if !c.Active {
			toggle = models.InlineKeyboardButton{
				Text:         "▶️ " + c.Code,
				CallbackData: encodeAction(ActionAdminToggleCode, c.Code, "1"),
			}
		}
		rows = append(rows, []models.InlineKeyboardButton{toggle})
	}
	rows = append(rows,
		[]models.InlineKeyboardButton{{Text: "🎟 New code", CallbackData: encodeAction(ActionAdminCreateCode)}},
		backRow(encodeAction(ActionAdmin)),
	)
	kb := &models.InlineKeyboardMarkup{InlineKeyboard: rows}
	return h.render(ctx, r, b.String(), kb)
}

func (h *Handlers) toggleCode(ctx context.Context, r *request, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("%w: toggle needs code and state", ErrUnknownAction)
	}
	active := args[1] == "1"
	err := h.shop.SetCodeActive(ctx, r.user.TelegramID, args[0], active)
	if err != nil && !errors.Is(err, storage.ErrCodeNotFound) {
		return err
	}
	return h.showCodes(ctx, r, nil)
}

func (h *Handlers) startRecover(ctx context.Context, r *request, _ []string) error {
	h.flows.set(r.user.TelegramID, recoverFlow{})
	return h.adminSay(ctx, r, "Send a payment id to settle it as paid, or: release <payment id> to free its units.")
}

// recoverInput settles or releases one stuck deposit after the admin
// verified the payment out of band.
func (h *Handlers) recoverInput(ctx context.Context, r *request, msg *models.Message) error {
	fields := strings.Fields(msg.Text)
	if len(fields) == 0 {
		return h.adminSay(ctx, r, "Send a payment id, or: release <payment id>.")
	}

	if strings.EqualFold(fields[0], "release") {
		if len(fields) < 2 {
			return h.adminSay(ctx, r, "Usage: release <payment id>.")
		}
		paymentID := fields[1]
		err := h.finalize.ManualRelease(ctx, r.user.TelegramID, paymentID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			h.flows.clear(r.user.TelegramID)
			return h.adminSay(ctx, r, "No open deposit %s.", paymentID)
		case errors.Is(err, storage.ErrAlreadyProcessed):
			h.flows.clear(r.user.TelegramID)
			return h.adminSay(ctx, r, "Deposit %s was already settled or released.", paymentID)
		case err != nil:
			return err
		}
		h.flows.clear(r.user.TelegramID)
		return h.adminSay(ctx, r, "Deposit %s released; its units are back on sale.", paymentID)
	}

	paymentID := fields[0]
	result, err := h.finalize.ManualRecover(ctx, r.user.TelegramID, paymentID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		h.flows.clear(r.user.TelegramID)
		return h.adminSay(ctx, r, "No open deposit %s.", paymentID)
	case errors.Is(err, storage.ErrAlreadyProcessed):
		h.flows.clear(r.user.TelegramID)
		return h.adminSay(ctx, r, "Deposit %s was already settled or released.", paymentID)
	case err != nil:
		return err
	}
	h.flows.clear(r.user.TelegramID)
	if len(result.Delivered) == 0 && len(result.Unavailable) == 0 {
		return h.adminSay(ctx, r, "Recovered %s: balance credited.", paymentID)
	}
	return h.adminSay(ctx, r, "Recovered %s: %d item(s) delivered, %d unavailable.",
		paymentID, len(result.Delivered), len(result.Unavailable))
}

func (h *Handlers) startBroadcast(ctx context.Context, r *request, _ []string) error {
	h.flows.set(r.user.TelegramID, &broadcastFlow{})
	return h.adminSay(ctx, r, "Send the broadcast text.")
}

// broadcastInput drafts, previews, and on yes fans the text out in the
// background so the update handler is not held for the whole send.
func (h *Handlers) broadcastInput(ctx context.Context, r *request, f *broadcastFlow, msg *models.Message) error {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return h.adminSay(ctx, r, "Send the broadcast text, or /cancel.")
	}

	if f.text == "" || !strings.EqualFold(text, "yes") {
		f.text = text
		return h.adminSay(ctx, r, "Broadcast preview:\n\n%s\n\nReply yes to send it to everyone, or /cancel.", f.text)
	}

	targets, err := h.shop.BroadcastTargets(ctx)
	if err != nil {
		return err
	}
	h.flows.clear(r.user.TelegramID)
	if len(targets) == 0 {
		return h.adminSay(ctx, r, "No recipients.")
	}

	broadcastText := f.text
	adminChat := r.chatID
	client := r.api
	go func() {
		ctx := context.Background()
		sent, blocked, failed := h.delivery.Broadcast(ctx, targets, broadcastText, broadcastPace)
		summary := fmt.Sprintf("Broadcast done: %d sent, %d blocked, %d failed.", sent, blocked, failed)
		if err := client.sendText(ctx, adminChat, summary); err != nil {
			h.logger.Warn().Err(err).Msg("handlers.broadcast_summary_failed")
		}
	}()
	return h.adminSay(ctx, r, "Broadcasting to %d user(s). You get a summary when it finishes.", len(targets))
}

func (h *Handlers) startWelcome(ctx context.Context, r *request, _ []string) error {
	h.flows.set(r.user.TelegramID, welcomeFlow{})
	current, err := h.shop.WelcomeMessage(ctx)
	if err != nil {
		return err
	}
	if current == "" {
		return h.adminSay(ctx, r, "No welcome override set. Send the new /start text, or /cancel.")
	}
	return h.adminSay(ctx, r, "Current welcome:\n\n%s\n\nSend the new /start text, or /cancel.", current)
}

func (h *Handlers) welcomeInput(ctx context.Context, r *request, msg *models.Message) error {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return h.adminSay(ctx, r, "Send the new /start text, or /cancel.")
	}
	if err := h.shop.SetWelcomeMessage(ctx, r.user.TelegramID, text); err != nil {
		return err
	}
	h.flows.clear(r.user.TelegramID)
	return h.adminSay(ctx, r, "Welcome text updated.")
}

// adminCommand handles the moderation slash commands. Argument mistakes
// answer with usage rather than the generic error.
func (h *Handlers) adminCommand(ctx context.Context, r *request, cmd, rest string) error {
	fields := strings.Fields(rest)
	actor := r.user.TelegramID

	switch cmd {
	case "/ban", "/unban":
		if len(fields) != 1 {
			return h.adminSay(ctx, r, "Usage: %s <user id>", cmd)
		}
		userID, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return h.adminSay(ctx, r, "Usage: %s <user id>", cmd)
		}
		banned := cmd == "/ban"
		if err := h.shop.SetBanned(ctx, actor, userID, banned); err != nil {
			return err
		}
		if banned {
			return h.adminSay(ctx, r, "User %d banned.", userID)
		}
		return h.adminSay(ctx, r, "User %d unbanned.", userID)

	case "/reseller":
		if len(fields) != 3 {
			return h.adminSay(ctx, r, "Usage: /reseller <user id> <product type> <percent>")
		}
		userID, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return h.adminSay(ctx, r, "Usage: /reseller <user id> <product type> <percent>")
		}
		pct, err := decimal.NewFromString(fields[2])
		if err != nil || pct.IsNegative() || pct.GreaterThan(decimal.NewFromInt(100)) {
			return h.adminSay(ctx, r, "Percent must be between 0 and 100.")
		}
		rule := storage.ResellerRule{UserID: userID, ProductType: fields[1], Percent: pct}
		if err := h.shop.SetResellerRule(ctx, actor, rule); err != nil {
			return err
		}
		return h.adminSay(ctx, r, "User %d now gets %s%% off %s.", userID, pct.String(), fields[1])

	case "/unreseller":
		if len(fields) != 2 {
			return h.adminSay(ctx, r, "Usage: /unreseller <user id> <product type>")
		}
		userID, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return h.adminSay(ctx, r, "Usage: /unreseller <user id> <product type>")
		}
		err = h.shop.DeleteResellerRule(ctx, actor, userID, fields[1])
		if errors.Is(err, storage.ErrNotFound) {
			return h.adminSay(ctx, r, "No reseller rule for user %d on %s.", userID, fields[1])
		}
		if err != nil {
			return err
		}
		return h.adminSay(ctx, r, "Reseller rule removed for user %d on %s.", userID, fields[1])

	default:
		return h.showAdminMenu(ctx, r, nil)
	}
}
