package i18n

import (
	"strings"
	"testing"
)

func TestLookupAndFallback(t *testing.T) {
	c := New()

	if got := c.T("en", KeyBasketEmpty); got != "Your basket is empty." {
		t.Errorf("en lookup = %q", got)
	}
	if got := c.T("de", KeyBasketEmpty); got != "Dein Warenkorb ist leer." {
		t.Errorf("de lookup = %q", got)
	}
	// Unknown language falls back to English.
	if got := c.T("fr", KeyBasketEmpty); got != "Your basket is empty." {
		t.Errorf("fr fallback = %q", got)
	}
	// Unknown key surfaces the key itself.
	if got := c.T("en", "no_such_key"); got != "no_such_key" {
		t.Errorf("missing key = %q", got)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"de", "de"},
		{"DE", "de"},
		{"de-AT", "de"},
		{"en_US", "en"},
		{"", "en"},
		{"  fr ", "fr"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRegionTagUsesBaseTable(t *testing.T) {
	c := New()
	if got := c.T("de-AT", KeyBasketEmpty); got != "Dein Warenkorb ist leer." {
		t.Errorf("de-AT = %q, want German table", got)
	}
}

func TestFormatArgs(t *testing.T) {
	c := New()
	got := c.T("en", KeyAddedToBasket, "widget", "2g", 15)
	if !strings.Contains(got, "widget 2g") || !strings.Contains(got, "15 minutes") {
		t.Errorf("formatted message = %q", got)
	}
}

func TestAddOverridesAndExtends(t *testing.T) {
	c := New()
	c.Add("fr", map[string]string{KeyBasketEmpty: "Votre panier est vide."})

	if got := c.T("fr", KeyBasketEmpty); got != "Votre panier est vide." {
		t.Errorf("fr lookup = %q", got)
	}
	// Untranslated fr keys still fall back.
	if got := c.T("fr", KeyBannedNotice); !strings.Contains(got, "blocked") {
		t.Errorf("fr fallback = %q", got)
	}

	c.Add("en", map[string]string{KeyBasketEmpty: "Basket's empty, friend."})
	if got := c.T("en", KeyBasketEmpty); got != "Basket's empty, friend." {
		t.Errorf("override = %q", got)
	}

	langs := c.Languages()
	want := []string{"de", "en", "fr"}
	if len(langs) != len(want) {
		t.Fatalf("Languages = %v, want %v", langs, want)
	}
	for i := range want {
		if langs[i] != want[i] {
			t.Errorf("Languages[%d] = %q, want %q", i, langs[i], want[i])
		}
	}
}

func TestEveryGermanKeyExistsInEnglish(t *testing.T) {
	for key := range german {
		if _, ok := english[key]; !ok {
			t.Errorf("german key %q missing from the fallback table", key)
		}
	}
}
