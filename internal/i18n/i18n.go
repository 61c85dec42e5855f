// Package i18n renders customer-facing bot messages in the user's
// stored language, falling back to English for anything untranslated.
// Admin-facing text stays English and does not go through the catalog.
package i18n

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Fallback is the language every lookup falls back to.
const Fallback = "en"

// Message keys. Handlers reference these constants; the catalog maps
// them per language.
const (
	KeyWelcome          = "welcome"
	KeyBtnShop          = "btn_shop"
	KeyBtnBasket        = "btn_basket"
	KeyBtnBalance       = "btn_balance"
	KeyBtnHistory       = "btn_history"
	KeyBtnLanguage      = "btn_language"
	KeyBtnHelp          = "btn_help"
	KeyChooseCity       = "choose_city"
	KeyChooseDistrict   = "choose_district"
	KeyChooseType       = "choose_type"
	KeyChooseOffer      = "choose_offer"
	KeyOfferLine        = "offer_line"
	KeyOutOfStock       = "out_of_stock"
	KeyAddedToBasket    = "added_to_basket"
	KeyBasketEmpty      = "basket_empty"
	KeyBasketHeader     = "basket_header"
	KeyBasketItem       = "basket_item"
	KeyBasketSubtotal   = "basket_subtotal"
	KeyBasketReseller   = "basket_reseller"
	KeyBasketCode       = "basket_code"
	KeyBasketTotal      = "basket_total"
	KeyBtnCheckout      = "btn_checkout"
	KeyBtnApplyCode     = "btn_apply_code"
	KeyBtnRemoveItem    = "btn_remove_item"
	KeyRemovedItem      = "removed_item"
	KeyCodePrompt       = "code_prompt"
	KeyCodeApplied      = "code_applied"
	KeyCodeInvalid      = "code_invalid"
	KeyCodeDetached     = "code_detached"
	KeyCheckoutCreated  = "checkout_created"
	KeyCheckoutBelowMin = "checkout_below_min"
	KeyCheckoutPending  = "checkout_pending"
	KeyCheckoutZero     = "checkout_zero"
	KeyCheckoutFailed   = "checkout_failed"
	KeyBtnRefill        = "btn_refill"
	KeyRefillPrompt     = "refill_prompt"
	KeyRefillInvalid    = "refill_invalid"
	KeyRefillCreated    = "refill_created"
	KeyRefillSettled    = "refill_settled"
	KeyPaymentDelivered = "payment_delivered"
	KeyPaymentExpired   = "payment_expired"
	KeyDeliveryItem     = "delivery_item"
	KeyItemUnavailable  = "item_unavailable"
	KeyUnderpaidCredit  = "underpaid_credit"
	KeyOverpaidCredit   = "overpaid_credit"
	KeyBalanceLine      = "balance_line"
	KeyHistoryEmpty     = "history_empty"
	KeyHistoryLine      = "history_line"
	KeyLanguagePrompt   = "language_prompt"
	KeyLanguageSet      = "language_set"
	KeyCancelled        = "cancelled"
	KeyHelp             = "help"
	KeyBannedNotice     = "banned_notice"
	KeyErrorGeneric     = "error_generic"
)

// Catalog holds per-language message tables. The zero value is not
// usable; construct with New.
type Catalog struct {
	mu       sync.RWMutex
	messages map[string]map[string]string
}

// New returns a catalog seeded with the builtin languages.
func New() *Catalog {
	c := &Catalog{messages: make(map[string]map[string]string)}
	c.Add(Fallback, english)
	c.Add("de", german)
	return c
}

// Add merges msgs into the table for lang, overwriting existing keys.
// Later Add calls let deployments override builtin copy.
func (c *Catalog) Add(lang string, msgs map[string]string) {
	lang = Normalize(lang)
	c.mu.Lock()
	defer c.mu.Unlock()
	table, ok := c.messages[lang]
	if !ok {
		table = make(map[string]string, len(msgs))
		c.messages[lang] = table
	}
	for k, v := range msgs {
		table[k] = v
	}
}

// T renders the message for key in lang, falling back to English and
// finally to the key itself so a missing entry is visible, not silent.
func (c *Catalog) T(lang, key string, args ...any) string {
	c.mu.RLock()
	msg, ok := c.messages[Normalize(lang)][key]
	if !ok {
		msg, ok = c.messages[Fallback][key]
	}
	c.mu.RUnlock()
	if !ok {
		return key
	}
	if len(args) == 0 {
		return msg
	}
	return fmt.Sprintf(msg, args...)
}

// Languages lists the available language tags, sorted.
func (c *Catalog) Languages() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.messages))
	for lang := range c.messages {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}

// Has reports whether lang has its own table.
func (c *Catalog) Has(lang string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.messages[Normalize(lang)]
	return ok
}

// Normalize lowers a language tag and strips any region subtag, so
// "de-AT" and "DE" both resolve to the "de" table.
func Normalize(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	if lang == "" {
		return Fallback
	}
	return lang
}
