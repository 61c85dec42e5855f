package i18n

// english is the fallback table. Every key must appear here.
var english = map[string]string{
	KeyWelcome:          "Welcome! Browse the shop, pay in crypto, receive your order details right here.",
	KeyBtnShop:          "🛍 Shop",
	KeyBtnBasket:        "🧺 Basket",
	KeyBtnBalance:       "💰 Balance",
	KeyBtnHistory:       "📦 Orders",
	KeyBtnLanguage:      "🌐 Language",
	KeyBtnHelp:          "ℹ️ Help",
	KeyChooseCity:       "Choose a city:",
	KeyChooseDistrict:   "Choose a district in %s:",
	KeyChooseType:       "Choose a product:",
	KeyChooseOffer:      "Choose a size:",
	KeyOfferLine:        "%s %s — %s EUR (%d available)",
	KeyOutOfStock:       "Sorry, that one was just taken. Pick another.",
	KeyAddedToBasket:    "Added %s %s to your basket. It is held for %d minutes.",
	KeyBasketEmpty:      "Your basket is empty.",
	KeyBasketHeader:     "Your basket:",
	KeyBasketItem:       "• %s %s — %s EUR",
	KeyBasketSubtotal:   "Subtotal: %s EUR",
	KeyBasketReseller:   "Reseller discount: -%s EUR",
	KeyBasketCode:       "Code %s: -%s EUR",
	KeyBasketTotal:      "Total: %s EUR",
	KeyBtnCheckout:      "✅ Checkout",
	KeyBtnApplyCode:     "🏷 Apply code",
	KeyBtnRemoveItem:    "🗑 Remove",
	KeyRemovedItem:      "Removed %s from your basket.",
	KeyCodePrompt:       "Send me your discount code.",
	KeyCodeApplied:      "Code %s applied: -%s EUR.",
	KeyCodeInvalid:      "That code cannot be used: %s.",
	KeyCodeDetached:     "Your saved code %s is no longer valid and was removed.",
	KeyCheckoutCreated:  "Send exactly %s %s to:\n\n%s\n\nThe basket is held for %d minutes. You will be notified when the payment confirms.",
	KeyCheckoutBelowMin: "The total is below the gateway minimum of %s EUR. Add more items or refill your balance instead.",
	KeyCheckoutPending:  "You already have a payment in progress. Wait for it to confirm or expire before checking out again.",
	KeyCheckoutZero:     "The discounted total is zero. Remove the code or add items before checking out.",
	KeyCheckoutFailed:   "Checkout failed, please try again in a moment.",
	KeyBtnRefill:        "➕ Refill balance",
	KeyRefillPrompt:     "How much do you want to add, in EUR? (for example: 50)",
	KeyRefillInvalid:    "That is not a valid amount. Send a number like 50 or 12.50.",
	KeyRefillCreated:    "Send exactly %s %s to:\n\n%s\n\nYour balance is credited when the payment confirms.",
	KeyRefillSettled:    "Payment received. %s EUR was added to your balance (now %s EUR).",
	KeyPaymentDelivered: "Payment received. Your order:",
	KeyPaymentExpired:   "Your payment window expired. Recent items went back to your basket; the rest were released.",
	KeyDeliveryItem:     "📍 %s %s — %s",
	KeyItemUnavailable:  "%s %s could not be delivered and %s EUR was credited to your balance.",
	KeyUnderpaidCredit:  "The payment did not cover the order. %s EUR was credited to your balance instead.",
	KeyOverpaidCredit:   "You overpaid by %s EUR; the difference was credited to your balance.",
	KeyBalanceLine:      "Balance: %s EUR",
	KeyHistoryEmpty:     "No orders yet.",
	KeyHistoryLine:      "%s — %s EUR — %d item(s)",
	KeyLanguagePrompt:   "Pick a language:",
	KeyLanguageSet:      "Language set.",
	KeyCancelled:        "Cancelled.",
	KeyHelp:             "Questions or a stuck payment? Contact %s.",
	KeyBannedNotice:     "Your account is blocked. Contact support if you believe this is a mistake.",
	KeyErrorGeneric:     "Something went wrong, please try again.",
}

var german = map[string]string{
	KeyWelcome:          "Willkommen! Stöbere im Shop, zahle in Krypto und erhalte deine Bestelldetails direkt hier.",
	KeyBtnShop:          "🛍 Shop",
	KeyBtnBasket:        "🧺 Warenkorb",
	KeyBtnBalance:       "💰 Guthaben",
	KeyBtnHistory:       "📦 Bestellungen",
	KeyBtnLanguage:      "🌐 Sprache",
	KeyBtnHelp:          "ℹ️ Hilfe",
	KeyChooseCity:       "Wähle eine Stadt:",
	KeyChooseDistrict:   "Wähle einen Bezirk in %s:",
	KeyChooseType:       "Wähle ein Produkt:",
	KeyChooseOffer:      "Wähle eine Größe:",
	KeyOfferLine:        "%s %s — %s EUR (%d verfügbar)",
	KeyOutOfStock:       "Das wurde gerade vergriffen. Wähle etwas anderes.",
	KeyAddedToBasket:    "%s %s liegt im Warenkorb und ist %d Minuten reserviert.",
	KeyBasketEmpty:      "Dein Warenkorb ist leer.",
	KeyBasketHeader:     "Dein Warenkorb:",
	KeyBasketItem:       "• %s %s — %s EUR",
	KeyBasketSubtotal:   "Zwischensumme: %s EUR",
	KeyBasketReseller:   "Reseller-Rabatt: -%s EUR",
	KeyBasketCode:       "Code %s: -%s EUR",
	KeyBasketTotal:      "Gesamt: %s EUR",
	KeyBtnCheckout:      "✅ Zur Kasse",
	KeyBtnApplyCode:     "🏷 Code einlösen",
	KeyBtnRemoveItem:    "🗑 Entfernen",
	KeyRemovedItem:      "%s wurde aus dem Warenkorb entfernt.",
	KeyCodePrompt:       "Schick mir deinen Rabattcode.",
	KeyCodeApplied:      "Code %s eingelöst: -%s EUR.",
	KeyCodeInvalid:      "Dieser Code kann nicht verwendet werden: %s.",
	KeyCodeDetached:     "Dein gespeicherter Code %s ist nicht mehr gültig und wurde entfernt.",
	KeyCheckoutCreated:  "Sende genau %s %s an:\n\n%s\n\nDer Warenkorb ist %d Minuten reserviert. Du wirst benachrichtigt, sobald die Zahlung bestätigt ist.",
	KeyCheckoutBelowMin: "Die Summe liegt unter dem Gateway-Minimum von %s EUR. Lege mehr in den Warenkorb oder lade stattdessen dein Guthaben auf.",
	KeyCheckoutPending:  "Du hast bereits eine laufende Zahlung. Warte, bis sie bestätigt ist oder abläuft, bevor du erneut zur Kasse gehst.",
	KeyCheckoutZero:     "Die rabattierte Summe ist null. Entferne den Code oder lege mehr in den Warenkorb.",
	KeyCheckoutFailed:   "Die Kasse ist fehlgeschlagen, versuche es gleich noch einmal.",
	KeyBtnRefill:        "➕ Guthaben aufladen",
	KeyRefillPrompt:     "Wie viel möchtest du aufladen, in EUR? (zum Beispiel: 50)",
	KeyRefillInvalid:    "Das ist kein gültiger Betrag. Sende eine Zahl wie 50 oder 12.50.",
	KeyRefillCreated:    "Sende genau %s %s an:\n\n%s\n\nDein Guthaben wird gutgeschrieben, sobald die Zahlung bestätigt ist.",
	KeyRefillSettled:    "Zahlung eingegangen. %s EUR wurden deinem Guthaben gutgeschrieben (jetzt %s EUR).",
	KeyPaymentDelivered: "Zahlung eingegangen. Deine Bestellung:",
	KeyPaymentExpired:   "Dein Zahlungsfenster ist abgelaufen. Kürzlich reservierte Artikel liegen wieder im Warenkorb; der Rest wurde freigegeben.",
	KeyDeliveryItem:     "📍 %s %s — %s",
	KeyItemUnavailable:  "%s %s konnte nicht geliefert werden; %s EUR wurden deinem Guthaben gutgeschrieben.",
	KeyUnderpaidCredit:  "Die Zahlung hat die Bestellung nicht gedeckt. %s EUR wurden stattdessen deinem Guthaben gutgeschrieben.",
	KeyOverpaidCredit:   "Du hast %s EUR zu viel gezahlt; die Differenz wurde deinem Guthaben gutgeschrieben.",
	KeyBalanceLine:      "Guthaben: %s EUR",
	KeyHistoryEmpty:     "Noch keine Bestellungen.",
	KeyHistoryLine:      "%s — %s EUR — %d Artikel",
	KeyLanguagePrompt:   "Wähle eine Sprache:",
	KeyLanguageSet:      "Sprache gespeichert.",
	KeyCancelled:        "Abgebrochen.",
	KeyHelp:             "Fragen oder eine hängende Zahlung? Wende dich an %s.",
	KeyBannedNotice:     "Dein Konto ist gesperrt. Wende dich an den Support, wenn du das für einen Fehler hältst.",
	KeyErrorGeneric:     "Etwas ist schiefgelaufen, bitte versuche es erneut.",
}
