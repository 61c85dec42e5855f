package bothandlers

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-telegram/bot/models"

	"github.com/dropline/server/internal/gateway"
	"github.com/dropline/server/internal/i18n"
	"github.com/dropline/server/internal/money"
	"github.com/dropline/server/internal/shop"
	"github.com/dropline/server/internal/storage"
)

// showWelcome renders /start: the configured welcome override when an
// admin set one, the builtin copy otherwise, with the main menu under
// it.
func (h *Handlers) showWelcome(ctx context.Context, r *request) error {
	text, err := h.shop.WelcomeMessage(ctx)
	if err != nil {
		h.logger.Warn().Err(err).Msg("handlers.welcome_lookup_failed")
		text = ""
	}
	if text == "" {
		text = h.catalog.T(r.user.Language, i18n.KeyWelcome)
	}
	return r.api.sendKeyboard(ctx, r.chatID, text, h.mainMenu(r))
}

func (h *Handlers) showMenu(ctx context.Context, r *request, _ []string) error {
	return h.render(ctx, r, h.catalog.T(r.user.Language, i18n.KeyWelcome), h.mainMenu(r))
}

func (h *Handlers) mainMenu(r *request) *models.InlineKeyboardMarkup {
	lang := r.user.Language
	rows := [][]models.InlineKeyboardButton{
		{
			{Text: h.catalog.T(lang, i18n.KeyBtnShop), CallbackData: encodeAction(ActionShop)},
			{Text: h.catalog.T(lang, i18n.KeyBtnBasket), CallbackData: encodeAction(ActionBasket)},
		},
		{
			{Text: h.catalog.T(lang, i18n.KeyBtnBalance), CallbackData: encodeAction(ActionBalance)},
			{Text: h.catalog.T(lang, i18n.KeyBtnHistory), CallbackData: encodeAction(ActionHistory)},
		},
		{
			{Text: h.catalog.T(lang, i18n.KeyBtnLanguage), CallbackData: encodeAction(ActionLanguage)},
			{Text: h.catalog.T(lang, i18n.KeyBtnHelp), CallbackData: encodeAction(ActionHelp)},
		},
	}
	if h.cfg.IsAdmin(r.user.TelegramID) {
		rows = append(rows, []models.InlineKeyboardButton{
			{Text: "🛠 Admin", CallbackData: encodeAction(ActionAdmin)},
		})
	}
	return &models.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func backRow(action string) []models.InlineKeyboardButton {
	return []models.InlineKeyboardButton{{Text: "⬅️", CallbackData: action}}
}

func (h *Handlers) showCities(ctx context.Context, r *request, _ []string) error {
	cities, err := h.shop.Cities(ctx)
	if err != nil {
		return err
	}
	if len(cities) == 0 {
		return h.render(ctx, r, h.catalog.T(r.user.Language, i18n.KeyOutOfStock), h.mainMenu(r))
	}
	rows := make([][]models.InlineKeyboardButton, 0, len(cities)+1)
	for _, city := range cities {
		rows = append(rows, []models.InlineKeyboardButton{
			{Text: city, CallbackData: encodeAction(ActionCity, city)},
		})
	}
	rows = append(rows, backRow(encodeAction(ActionMenu)))
	kb := &models.InlineKeyboardMarkup{InlineKeyboard: rows}
	return h.render(ctx, r, h.catalog.T(r.user.Language, i18n.KeyChooseCity), kb)
}

func (h *Handlers) showDistricts(ctx context.Context, r *request, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("%w: district needs a city", ErrUnknownAction)
	}
	city := args[0]
	districts, err := h.shop.Districts(ctx, city)
	if err != nil {
		return err
	}
	rows := make([][]models.InlineKeyboardButton, 0, len(districts)+1)
	for _, d := range districts {
		rows = append(rows, []models.InlineKeyboardButton{
			{Text: d, CallbackData: encodeAction(ActionDistrict, city, d)},
		})
	}
	rows = append(rows, backRow(encodeAction(ActionShop)))
	kb := &models.InlineKeyboardMarkup{InlineKeyboard: rows}
	return h.render(ctx, r, h.catalog.T(r.user.Language, i18n.KeyChooseDistrict, city), kb)
}

func (h *Handlers) showTypes(ctx context.Context, r *request, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("%w: type list needs city and district", ErrUnknownAction)
	}
	city, district := args[0], args[1]
	types, err := h.shop.ProductTypes(ctx, city, district)
	if err != nil {
		return err
	}
	rows := make([][]models.InlineKeyboardButton, 0, len(types)+1)
	for _, t := range types {
		rows = append(rows, []models.InlineKeyboardButton{
			{Text: t, CallbackData: encodeAction(ActionType, city, district, t)},
		})
	}
	rows = append(rows, backRow(encodeAction(ActionCity, city)))
	kb := &models.InlineKeyboardMarkup{InlineKeyboard: rows}
	return h.render(ctx, r, h.catalog.T(r.user.Language, i18n.KeyChooseType), kb)
}

func (h *Handlers) showOffers(ctx context.Context, r *request, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("%w: offer list needs city, district, type", ErrUnknownAction)
	}
	city, district, productType := args[0], args[1], args[2]
	offers, err := h.shop.Offers(ctx, city, district, productType)
	if err != nil {
		return err
	}
	rows := make([][]models.InlineKeyboardButton, 0, len(offers)+1)
	for _, o := range offers {
		label := h.catalog.T(r.user.Language, i18n.KeyOfferLine, productType, o.Size, o.Price.String(), o.Available)
		rows = append(rows, []models.InlineKeyboardButton{{
			Text:         label,
			CallbackData: encodeAction(ActionOffer, city, district, productType, o.Size, strconv.FormatInt(o.Price.Cents(), 10)),
		}})
	}
	rows = append(rows, backRow(encodeAction(ActionDistrict, city, district)))
	kb := &models.InlineKeyboardMarkup{InlineKeyboard: rows}
	return h.render(ctx, r, h.catalog.T(r.user.Language, i18n.KeyChooseOffer), kb)
}

// addOffer reserves one unit of the tapped offer. Losing the last unit
// to someone else is a normal outcome, answered in place.
func (h *Handlers) addOffer(ctx context.Context, r *request, args []string) error {
	if len(args) < 5 {
		return fmt.Errorf("%w: offer needs city, district, type, size, price", ErrUnknownAction)
	}
	cents, err := strconv.ParseInt(args[4], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad offer price %q", ErrUnknownAction, args[4])
	}
	price := money.FromCents(cents)
	sel := storage.ProductSelector{
		City:        args[0],
		District:    args[1],
		ProductType: args[2],
		Size:        args[3],
		Price:       &price,
	}
	_, product, err := h.shop.AddToBasket(ctx, r.user.TelegramID, sel)
	if errors.Is(err, storage.ErrOutOfStock) {
		return h.say(ctx, r, i18n.KeyOutOfStock)
	}
	if err != nil {
		return err
	}
	minutes := int(h.shop.BasketTimeout().Minutes())
	return h.say(ctx, r, i18n.KeyAddedToBasket, product.ProductType, product.Size, minutes)
}

func (h *Handlers) showBasket(ctx context.Context, r *request, _ []string) error {
	view, err := h.shop.Basket(ctx, r.user.TelegramID)
	if err != nil {
		return err
	}
	lang := r.user.Language
	if len(view.Entries) == 0 {
		kb := &models.InlineKeyboardMarkup{InlineKeyboard: [][]models.InlineKeyboardButton{
			{{Text: h.catalog.T(lang, i18n.KeyBtnShop), CallbackData: encodeAction(ActionShop)}},
			backRow(encodeAction(ActionMenu)),
		}}
		return h.render(ctx, r, h.catalog.T(lang, i18n.KeyBasketEmpty), kb)
	}

	var b strings.Builder
	if view.DetachedCode != "" {
		b.WriteString(h.catalog.T(lang, i18n.KeyCodeDetached, view.DetachedCode))
		b.WriteString("\n\n")
	}
	b.WriteString(h.catalog.T(lang, i18n.KeyBasketHeader))
	b.WriteString("\n")
	for _, item := range view.Quote.Items {
		b.WriteString(h.catalog.T(lang, i18n.KeyBasketItem, item.ProductType, item.Size, item.Price.String()))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(h.catalog.T(lang, i18n.KeyBasketSubtotal, view.Quote.Subtotal.String()))
	if view.Quote.HasResellerDiscount() {
		b.WriteString("\n")
		b.WriteString(h.catalog.T(lang, i18n.KeyBasketReseller, view.Quote.Subtotal.Sub(view.Quote.AfterReseller).String()))
	}
	if view.Quote.Code != "" {
		b.WriteString("\n")
		b.WriteString(h.catalog.T(lang, i18n.KeyBasketCode, view.Quote.Code, view.Quote.CodeDiscount.String()))
	}
	b.WriteString("\n")
	b.WriteString(h.catalog.T(lang, i18n.KeyBasketTotal, view.Quote.Total.String()))

	rows := make([][]models.InlineKeyboardButton, 0, len(view.Quote.Items)+3)
	for _, item := range view.Quote.Items {
		rows = append(rows, []models.InlineKeyboardButton{{
			Text:         fmt.Sprintf("%s %s %s", h.catalog.T(lang, i18n.KeyBtnRemoveItem), item.ProductType, item.Size),
			CallbackData: encodeAction(ActionRemoveItem, strconv.FormatInt(item.ProductID, 10)),
		}})
	}
	codeButton := models.InlineKeyboardButton{
		Text:         h.catalog.T(lang, i18n.KeyBtnApplyCode),
		CallbackData: encodeAction(ActionApplyCode),
	}
	if view.Quote.Code != "" {
		codeButton = models.InlineKeyboardButton{
			Text:         "❌ " + view.Quote.Code,
			CallbackData: encodeAction(ActionDetachCode),
		}
	}
	rows = append(rows,
		[]models.InlineKeyboardButton{
			{Text: h.catalog.T(lang, i18n.KeyBtnCheckout), CallbackData: encodeAction(ActionCheckout)},
			codeButton,
		},
		backRow(encodeAction(ActionMenu)),
	)
	kb := &models.InlineKeyboardMarkup{InlineKeyboard: rows}
	return h.render(ctx, r, b.String(), kb)
}

func (h *Handlers) removeItem(ctx context.Context, r *request, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("%w: remove needs a product id", ErrUnknownAction)
	}
	productID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad product id %q", ErrUnknownAction, args[0])
	}
	res, err := h.shop.RemoveFromBasket(ctx, r.user.TelegramID, productID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err == nil {
		if sayErr := h.say(ctx, r, i18n.KeyRemovedItem, res.Entry.ProductType); sayErr != nil {
			return sayErr
		}
	}
	return h.showBasket(ctx, r, nil)
}

func (h *Handlers) startApplyCode(ctx context.Context, r *request, _ []string) error {
	h.flows.set(r.user.TelegramID, applyCodeFlow{})
	return h.say(ctx, r, i18n.KeyCodePrompt)
}

// applyCodeInput consumes one code attempt. Success and rejection both
// end the flow; the basket button starts a fresh one.
func (h *Handlers) applyCodeInput(ctx context.Context, r *request, msg *models.Message) error {
	code := strings.TrimSpace(msg.Text)
	if code == "" {
		return h.say(ctx, r, i18n.KeyCodePrompt)
	}
	h.flows.clear(r.user.TelegramID)

	quote, err := h.shop.ApplyCode(ctx, r.user.TelegramID, code)
	switch {
	case err == nil:
		if sayErr := h.say(ctx, r, i18n.KeyCodeApplied, quote.Code, quote.CodeDiscount.String()); sayErr != nil {
			return sayErr
		}
		return h.showBasket(ctx, r, nil)
	case errors.Is(err, shop.ErrBasketEmpty):
		return h.say(ctx, r, i18n.KeyBasketEmpty)
	default:
		if reason := codeRejectReason(err); reason != "" {
			return h.say(ctx, r, i18n.KeyCodeInvalid, reason)
		}
		return err
	}
}

func (h *Handlers) detachCode(ctx context.Context, r *request, _ []string) error {
	if err := h.shop.DetachCode(ctx, r.user.TelegramID); err != nil {
		return err
	}
	return h.showBasket(ctx, r, nil)
}

func (h *Handlers) checkout(ctx context.Context, r *request, _ []string) error {
	res, err := h.shop.Checkout(ctx, r.user.TelegramID, r.botID)
	var below *gateway.BelowMinimumError
	switch {
	case err == nil:
		minutes := int(h.shop.BasketTimeout().Minutes())
		return h.say(ctx, r, i18n.KeyCheckoutCreated,
			res.Intent.PayAmount.String(),
			strings.ToUpper(res.Intent.PayCurrency),
			res.Intent.PayAddress,
			minutes,
		)
	case errors.Is(err, shop.ErrBasketEmpty):
		return h.say(ctx, r, i18n.KeyBasketEmpty)
	case errors.Is(err, shop.ErrCheckoutPending):
		return h.say(ctx, r, i18n.KeyCheckoutPending)
	case errors.Is(err, shop.ErrNothingDue):
		return h.say(ctx, r, i18n.KeyCheckoutZero)
	case errors.As(err, &below):
		return h.say(ctx, r, i18n.KeyCheckoutBelowMin, below.MinEUR.String())
	default:
		h.logger.Error().Err(err).Int64("user_id", r.user.TelegramID).Msg("handlers.checkout_failed")
		return h.say(ctx, r, i18n.KeyCheckoutFailed)
	}
}

func (h *Handlers) startRefill(ctx context.Context, r *request, _ []string) error {
	h.flows.set(r.user.TelegramID, refillFlow{})
	return h.say(ctx, r, i18n.KeyRefillPrompt)
}

// refillInput parses the EUR amount. A malformed amount keeps the flow
// open for another try; a gateway rejection ends it.
func (h *Handlers) refillInput(ctx context.Context, r *request, msg *models.Message) error {
	amount, err := money.Parse(msg.Text)
	if err != nil || !amount.IsPositive() {
		return h.say(ctx, r, i18n.KeyRefillInvalid)
	}
	h.flows.clear(r.user.TelegramID)

	res, err := h.shop.Refill(ctx, r.user.TelegramID, r.botID, amount)
	var below *gateway.BelowMinimumError
	switch {
	case err == nil:
		return h.say(ctx, r, i18n.KeyRefillCreated,
			res.Intent.PayAmount.String(),
			strings.ToUpper(res.Intent.PayCurrency),
			res.Intent.PayAddress,
		)
	case errors.As(err, &below):
		return h.say(ctx, r, i18n.KeyCheckoutBelowMin, below.MinEUR.String())
	case errors.Is(err, shop.ErrAmountInvalid):
		return h.say(ctx, r, i18n.KeyRefillInvalid)
	default:
		h.logger.Error().Err(err).Int64("user_id", r.user.TelegramID).Msg("handlers.refill_failed")
		return h.say(ctx, r, i18n.KeyCheckoutFailed)
	}
}

func (h *Handlers) showBalance(ctx context.Context, r *request, _ []string) error {
	user, history, err := h.shop.Balance(ctx, r.user.TelegramID, 10)
	if err != nil {
		return err
	}
	lang := r.user.Language
	var b strings.Builder
	b.WriteString(h.catalog.T(lang, i18n.KeyBalanceLine, user.Balance.String()))
	for _, e := range history {
		sign := ""
		if e.Delta.IsPositive() {
			sign = "+"
		}
		b.WriteString(fmt.Sprintf("\n%s — %s%s EUR", e.CreatedAt.Format("02.01.2006"), sign, e.Delta.String()))
	}
	kb := &models.InlineKeyboardMarkup{InlineKeyboard: [][]models.InlineKeyboardButton{
		{{Text: h.catalog.T(lang, i18n.KeyBtnRefill), CallbackData: encodeAction(ActionRefill)}},
		backRow(encodeAction(ActionMenu)),
	}}
	return h.render(ctx, r, b.String(), kb)
}

func (h *Handlers) showHistory(ctx context.Context, r *request, _ []string) error {
	purchases, err := h.shop.History(ctx, r.user.TelegramID, 30)
	if err != nil {
		return err
	}
	lang := r.user.Language
	if len(purchases) == 0 {
		kb := &models.InlineKeyboardMarkup{InlineKeyboard: [][]models.InlineKeyboardButton{
			backRow(encodeAction(ActionMenu)),
		}}
		return h.render(ctx, r, h.catalog.T(lang, i18n.KeyHistoryEmpty), kb)
	}

	// One line per payment: purchases are stored per item.
	type order struct {
		at    string
		total money.Amount
		items int
	}
	var orders []*order
	index := make(map[string]*order)
	for _, p := range purchases {
		o, ok := index[p.PaymentID]
		if !ok {
			o = &order{at: p.PurchasedAt.Format("02.01.2006")}
			index[p.PaymentID] = o
			orders = append(orders, o)
		}
		o.total = o.total.Add(p.PricePaid)
		o.items++
	}

	var b strings.Builder
	for i, o := range orders {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(h.catalog.T(lang, i18n.KeyHistoryLine, o.at, o.total.String(), o.items))
	}
	kb := &models.InlineKeyboardMarkup{InlineKeyboard: [][]models.InlineKeyboardButton{
		backRow(encodeAction(ActionMenu)),
	}}
	return h.render(ctx, r, b.String(), kb)
}

func (h *Handlers) showLanguages(ctx context.Context, r *request, _ []string) error {
	langs := h.catalog.Languages()
	row := make([]models.InlineKeyboardButton, 0, len(langs))
	for _, lang := range langs {
		row = append(row, models.InlineKeyboardButton{
			Text:         strings.ToUpper(lang),
			CallbackData: encodeAction(ActionSetLanguage, lang),
		})
	}
	kb := &models.InlineKeyboardMarkup{InlineKeyboard: [][]models.InlineKeyboardButton{
		row,
		backRow(encodeAction(ActionMenu)),
	}}
	return h.render(ctx, r, h.catalog.T(r.user.Language, i18n.KeyLanguagePrompt), kb)
}

func (h *Handlers) setLanguage(ctx context.Context, r *request, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("%w: set-language needs a tag", ErrUnknownAction)
	}
	if err := h.shop.SetLanguage(ctx, r.user.TelegramID, args[0]); err != nil {
		return err
	}
	r.user.Language = i18n.Normalize(args[0])
	if err := h.say(ctx, r, i18n.KeyLanguageSet); err != nil {
		return err
	}
	return h.showMenu(ctx, r, nil)
}

func (h *Handlers) showHelp(ctx context.Context, r *request, _ []string) error {
	support := h.cfg.SupportUsername
	if support == "" {
		support = "support"
	}
	if !strings.HasPrefix(support, "@") {
		support = "@" + support
	}
	return h.say(ctx, r, i18n.KeyHelp, support)
}

// codeRejectReason maps the storage code rejections to the short reason
// slot of the invalid-code message. Unknown errors return "" and bubble
// up as failures instead.
func codeRejectReason(err error) string {
	switch {
	case errors.Is(err, storage.ErrCodeNotFound):
		return "not found"
	case errors.Is(err, storage.ErrCodeInactive):
		return "inactive"
	case errors.Is(err, storage.ErrCodeExpired):
		return "expired"
	case errors.Is(err, storage.ErrCodeLimitReached):
		return "usage limit reached"
	case errors.Is(err, storage.ErrCodePerUserLimit):
		return "you already used it"
	case errors.Is(err, storage.ErrCodeScopeMismatch):
		return "it does not apply to these items"
	default:
		return ""
	}
}
