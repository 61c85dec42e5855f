package botfleet

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-telegram/bot"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/dropline/server/internal/i18n"
	"github.com/dropline/server/internal/media"
	"github.com/dropline/server/internal/metrics"
	"github.com/dropline/server/internal/money"
	"github.com/dropline/server/internal/storage"
)

type fakeMarker struct {
	mu      sync.Mutex
	blocked map[int64]bool
}

func (m *fakeMarker) SetUserBlocked(ctx context.Context, id int64, blocked bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.blocked == nil {
		m.blocked = make(map[int64]bool)
	}
	m.blocked[id] = blocked
	return nil
}

func (m *fakeMarker) isBlocked(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocked[id]
}

func newTestDelivery(t *testing.T, reg *Registry) (*Delivery, *media.Store, *fakeMarker) {
	t.Helper()
	ms, err := media.New(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("media.New: %v", err)
	}
	marker := &fakeMarker{}
	d := NewDelivery(reg, ms, i18n.New(), marker, metrics.New(prometheus.NewRegistry()), zerolog.Nop())
	return d, ms, marker
}

func testDeposit(botID int64, items ...storage.DepositItem) storage.PendingDeposit {
	return storage.PendingDeposit{
		PaymentID:  "pay-1",
		UserID:     7000,
		Currency:   "sol",
		TargetEUR:  money.MustParse("20.00"),
		IsPurchase: true,
		BotID:      botID,
		Items:      items,
	}
}

func dropItem(productID int64) storage.DepositItem {
	return storage.DepositItem{
		ProductID:   productID,
		ProductType: "widget",
		Size:        "2g",
		City:        "berlin",
		District:    "mitte",
		Details:     "third bench from the gate",
		Price:       money.MustParse("10.00"),
	}
}

func TestDeliverPurchaseSendsMediaAndText(t *testing.T) {
	tp := &fakeTransport{id: 101, token: "tokA"}
	reg := NewRegistry()
	reg.Register(tp)
	d, ms, _ := newTestDelivery(t, reg)

	// Product 1 has a photo; product 2 has none.
	if _, err := ms.Save("1", "front.jpg", strings.NewReader("jpeg")); err != nil {
		t.Fatalf("Save: %v", err)
	}

	dep := testDeposit(101, dropItem(1), dropItem(2))
	report, err := d.DeliverPurchase(context.Background(), dep, "en", storage.SettleResult{
		Delivered: dep.Items,
	})
	if err != nil {
		t.Fatalf("DeliverPurchase: %v", err)
	}

	if report.Sent != 2 || report.Failed != 0 {
		t.Errorf("report = %+v", report)
	}
	if len(report.MissingMedia) != 1 || report.MissingMedia[0] != 2 {
		t.Errorf("MissingMedia = %v, want [2]", report.MissingMedia)
	}
	if tp.mediaSends != 1 {
		t.Errorf("mediaSends = %d, want 1", tp.mediaSends)
	}

	var sawDetails bool
	for _, msg := range tp.sentTexts() {
		if msg.chatID != 7000 {
			t.Errorf("send to chat %d, want 7000", msg.chatID)
		}
		if strings.Contains(msg.text, "third bench from the gate") {
			sawDetails = true
		}
	}
	if !sawDetails {
		t.Error("drop details never sent")
	}
}

func TestDeliverPurchaseUnavailableNotice(t *testing.T) {
	tp := &fakeTransport{id: 101, token: "tokA"}
	reg := NewRegistry()
	reg.Register(tp)
	d, _, _ := newTestDelivery(t, reg)

	dep := testDeposit(101, dropItem(1))
	if _, err := d.DeliverPurchase(context.Background(), dep, "en", storage.SettleResult{
		Unavailable: dep.Items,
	}); err != nil {
		t.Fatalf("DeliverPurchase: %v", err)
	}

	var sawCredit bool
	for _, msg := range tp.sentTexts() {
		if strings.Contains(msg.text, "credited") {
			sawCredit = true
		}
	}
	if !sawCredit {
		t.Error("no credit notice for the unavailable item")
	}
}

func TestDeliverPurchaseMarksBlockedUser(t *testing.T) {
	tp := &fakeTransport{id: 101, token: "tokA", sendErr: bot.ErrorForbidden}
	reg := NewRegistry()
	reg.Register(tp)
	d, _, marker := newTestDelivery(t, reg)

	dep := testDeposit(101, dropItem(1))
	report, err := d.DeliverPurchase(context.Background(), dep, "en", storage.SettleResult{
		Delivered: dep.Items,
	})
	if err != nil {
		t.Fatalf("DeliverPurchase: %v", err)
	}
	if !report.Blocked {
		t.Error("report.Blocked = false")
	}
	if !marker.isBlocked(7000) {
		t.Error("user not marked blocked")
	}
}

func TestDeliverPurchaseRoutesThroughFailoverAlias(t *testing.T) {
	// The deposit remembers bot 101; by delivery time that identity has
	// failed over to bot 201.
	oldBot := &fakeTransport{id: 101, token: "tokA"}
	newBot := &fakeTransport{id: 201, token: "tokA2"}
	f, reg := newTestFleet(t, map[string]*fakeTransport{"tokA": oldBot, "tokA2": newBot},
		fleetConfig([]string{"tokA"}, map[int][]string{1: {"tokA2"}}))
	if err := f.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	oldBot.setProbeErr(bot.ErrorUnauthorized)
	f.CheckHealth(context.Background())

	d, _, _ := newTestDelivery(t, reg)
	dep := testDeposit(101, dropItem(1))
	report, err := d.DeliverPurchase(context.Background(), dep, "en", storage.SettleResult{
		Delivered: dep.Items,
	})
	if err != nil {
		t.Fatalf("DeliverPurchase: %v", err)
	}
	if report.Sent != 1 {
		t.Errorf("report = %+v", report)
	}
	if len(newBot.sentTexts()) == 0 {
		t.Error("replacement transport carried no sends")
	}
	if n := len(oldBot.sentTexts()); n != 0 {
		t.Errorf("dead transport carried %d sends", n)
	}
}

func TestNotifyUserFallsBackToAnyTransport(t *testing.T) {
	tp := &fakeTransport{id: 102, token: "tokB"}
	reg := NewRegistry()
	reg.Register(tp)
	d, _, _ := newTestDelivery(t, reg)

	// Bot 999 was never registered; the send still goes out.
	if err := d.NotifyUser(context.Background(), 999, 7000, "hello"); err != nil {
		t.Fatalf("NotifyUser: %v", err)
	}
	if len(tp.sentTexts()) != 1 {
		t.Errorf("sends = %d, want 1", len(tp.sentTexts()))
	}
}

func TestBroadcastPacingAndBlockedMarking(t *testing.T) {
	// Recipient 7002 has blocked the bot; the others receive the text.
	blockedID := int64(7002)
	sel := &selectiveTransport{
		fakeTransport: &fakeTransport{id: 101, token: "tokA"},
		failFor:       blockedID,
	}
	reg := NewRegistry()
	reg.Register(sel)
	d, _, marker := newTestDelivery(t, reg)

	sent, blocked, failed := d.Broadcast(context.Background(), []int64{7001, blockedID, 7003}, "new drops in berlin", time.Millisecond)
	if sent != 2 || blocked != 1 || failed != 0 {
		t.Errorf("sent=%d blocked=%d failed=%d", sent, blocked, failed)
	}
	if !marker.isBlocked(blockedID) {
		t.Error("blocked user not marked")
	}
}

type selectiveTransport struct {
	*fakeTransport
	failFor int64
}

func (s *selectiveTransport) SendText(ctx context.Context, chatID int64, text string) error {
	if chatID == s.failFor {
		return bot.ErrorForbidden
	}
	return s.fakeTransport.SendText(ctx, chatID, text)
}

func mustMedia(t *testing.T) *media.Store {
	t.Helper()
	ms, err := media.New(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("media.New: %v", err)
	}
	return ms
}

func TestDeliverPurchaseNoTransport(t *testing.T) {
	d, _, _ := newTestDelivery(t, NewRegistry())
	dep := testDeposit(101, dropItem(1))
	if _, err := d.DeliverPurchase(context.Background(), dep, "en", storage.SettleResult{Delivered: dep.Items}); err != ErrNoTransport {
		t.Errorf("err = %v, want ErrNoTransport", err)
	}
}

func TestMediaFilenamesRoundTrip(t *testing.T) {
	// Delivery opens stored media by base name; make sure List output
	// feeds Open cleanly.
	ms := mustMedia(t)
	if _, err := ms.Save("9", "x.jpg", strings.NewReader("a")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	paths, err := ms.List("9")
	if err != nil || len(paths) != 1 {
		t.Fatalf("List: %v %v", paths, err)
	}
	base := paths[0][strings.LastIndex(paths[0], "/")+1:]
	rc, err := ms.Open(strconv.Itoa(9), base)
	if err != nil {
		t.Fatalf("Open(%q): %v", base, err)
	}
	rc.Close()
}
