package botfleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dropline/server/internal/config"
	"github.com/dropline/server/internal/logger"
	"github.com/dropline/server/internal/metrics"
)

// TransportFactory builds a transport for one token. The production
// factory wraps NewTelegram with the shared update handler; fleet tests
// substitute fakes.
type TransportFactory func(ctx context.Context, token string) (Transport, error)

// slot is one bot position in the fleet: whichever token currently
// holds it plus the ordered backups still unused.
type slot struct {
	index   int
	current Transport
	backups []string
	history []int64
	dead    bool
}

// Fleet keeps one transport alive per configured primary token. A
// revoked token is replaced by the slot's next backup; customers keep
// talking to "the bot" without noticing the identity change.
type Fleet struct {
	registry    *Registry
	factory     TransportFactory
	adminIDs    []int64
	stopTimeout time.Duration
	probeTime   time.Duration
	metrics     *metrics.Metrics
	logger      zerolog.Logger

	mu         sync.Mutex
	slots      []*slot
	inProgress map[int]bool
}

// New builds the fleet. Slot i is seeded with cfg.Tokens[i] followed by
// its backup list; nothing talks to Telegram until Bootstrap.
func New(registry *Registry, factory TransportFactory, cfg config.TelegramConfig, m *metrics.Metrics, logger zerolog.Logger) *Fleet {
	f := &Fleet{
		registry:    registry,
		factory:     factory,
		adminIDs:    cfg.PrimaryAdminIDs,
		stopTimeout: cfg.StopTimeout.Duration,
		probeTime:   10 * time.Second,
		metrics:     m,
		logger:      logger.With().Str("component", "fleet").Logger(),
		inProgress:  make(map[int]bool),
	}
	if f.stopTimeout <= 0 {
		f.stopTimeout = 5 * time.Second
	}
	for i, token := range cfg.Tokens {
		candidates := append([]string{token}, cfg.BackupTokens[i+1]...)
		f.slots = append(f.slots, &slot{index: i, backups: candidates})
	}
	return f
}

// Bootstrap activates every slot, falling through each slot's backups
// when its primary token is already dead. It fails only when not a
// single transport could start.
func (f *Fleet) Bootstrap(ctx context.Context) error {
	live := 0
	deadSlots := 0
	for i := range f.slots {
		if f.activate(ctx, i) {
			live++
		} else {
			deadSlots++
			f.logger.Error().Int("slot", i+1).Msg("fleet.slot_dead_at_boot")
		}
	}
	if live == 0 {
		return errors.New("fleet: no usable bot tokens")
	}
	f.logger.Info().Int("live", live).Int("dead", deadSlots).Msg("fleet.started")
	if deadSlots > 0 {
		f.NotifyAdmins(ctx, fmt.Sprintf("⚠️ %d bot slot(s) had no usable token at startup.", deadSlots))
	}
	return nil
}

// CheckHealth probes every live transport once and fails over the slots
// whose tokens came back auth-invalid. Transient failures are ignored;
// the next probe retries them.
func (f *Fleet) CheckHealth(ctx context.Context) {
	type target struct {
		index int
		t     Transport
	}
	f.mu.Lock()
	targets := make([]target, 0, len(f.slots))
	for _, sl := range f.slots {
		if !sl.dead && sl.current != nil && !f.inProgress[sl.index] {
			targets = append(targets, target{sl.index, sl.current})
		}
	}
	f.mu.Unlock()

	for _, tg := range targets {
		probeCtx, cancel := context.WithTimeout(ctx, f.probeTime)
		err := tg.t.Probe(probeCtx)
		cancel()

		switch {
		case err == nil:
			f.metrics.ObserveProbe("ok")
		case IsAuthError(err):
			f.metrics.ObserveProbe("auth_invalid")
			f.logger.Warn().Err(err).
				Int64("bot_id", tg.t.BotID()).
				Int("slot", tg.index+1).
				Msg("fleet.probe_auth_invalid")
			f.Failover(ctx, tg.index)
		default:
			f.metrics.ObserveProbe("transient")
			f.logger.Debug().Err(err).Int64("bot_id", tg.t.BotID()).Msg("fleet.probe_transient")
		}
	}
}

// Failover replaces the slot's transport with its next usable backup.
// Concurrent calls for the same slot coalesce into one attempt. Success
// is silent toward admins; exhaustion alerts them through whatever
// transport still lives.
func (f *Fleet) Failover(ctx context.Context, index int) {
	f.mu.Lock()
	if index < 0 || index >= len(f.slots) {
		f.mu.Unlock()
		return
	}
	sl := f.slots[index]
	if sl.dead || f.inProgress[index] {
		f.mu.Unlock()
		return
	}
	f.inProgress[index] = true
	old := sl.current
	sl.current = nil
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		delete(f.inProgress, index)
		f.mu.Unlock()
	}()

	var oldID int64
	if old != nil {
		oldID = old.BotID()
	}
	f.logger.Warn().Int("slot", index+1).Int64("old_bot_id", oldID).Msg("fleet.failover.started")

	if old != nil {
		f.registry.RemoveToken(old.Token())
		stopCtx, cancel := context.WithTimeout(context.Background(), f.stopTimeout)
		if err := old.Stop(stopCtx); err != nil {
			f.logger.Warn().Err(err).Int64("bot_id", oldID).Msg("fleet.failover.old_transport_abandoned")
		}
		cancel()
	}

	if f.activate(ctx, index) {
		f.metrics.ObserveFailover("success")
		f.mu.Lock()
		newID := sl.current.BotID()
		f.mu.Unlock()
		f.logger.Info().
			Int("slot", index+1).
			Int64("old_bot_id", oldID).
			Int64("new_bot_id", newID).
			Msg("fleet.failover.completed")
		return
	}

	f.metrics.ObserveFailover("exhausted")
	f.logger.Error().Int("slot", index+1).Msg("fleet.failover.exhausted")
	f.NotifyAdmins(ctx, fmt.Sprintf("🚨 Bot slot %d is dead: all backup tokens exhausted. Manual replacement required.", index+1))
}

// activate pops the slot's candidate tokens until one builds, installs
// its webhook, and answers a probe. The winner is registered under its
// own id and aliased for every id the slot has ever used.
func (f *Fleet) activate(ctx context.Context, index int) bool {
	for {
		f.mu.Lock()
		sl := f.slots[index]
		if len(sl.backups) == 0 {
			sl.dead = true
			f.mu.Unlock()
			return false
		}
		token := sl.backups[0]
		sl.backups = sl.backups[1:]
		history := append([]int64(nil), sl.history...)
		f.mu.Unlock()

		t, err := f.factory(ctx, token)
		if err != nil {
			f.logger.Warn().Err(err).Int("slot", index+1).Str("token", logger.TruncateToken(token)).Msg("fleet.candidate_rejected")
			continue
		}
		if err := t.InstallWebhook(ctx); err != nil {
			f.logger.Warn().Err(err).Int64("bot_id", t.BotID()).Msg("fleet.candidate_webhook_failed")
			continue
		}
		if err := t.Probe(ctx); err != nil {
			f.logger.Warn().Err(err).Int64("bot_id", t.BotID()).Msg("fleet.candidate_probe_failed")
			continue
		}

		f.registry.Register(t)
		for _, id := range history {
			f.registry.Alias(id, t)
		}
		t.Start()

		f.mu.Lock()
		sl.current = t
		sl.history = append(sl.history, t.BotID())
		f.mu.Unlock()

		f.logger.Info().
			Int("slot", index+1).
			Int64("bot_id", t.BotID()).
			Str("bot", t.Username()).
			Msg("fleet.transport_active")
		return true
	}
}

// NotifyAdmins sends text to every primary admin through the first
// transport that accepts it.
func (f *Fleet) NotifyAdmins(ctx context.Context, text string) {
	if len(f.adminIDs) == 0 {
		return
	}
	transports := f.registry.All()
	if len(transports) == 0 {
		f.logger.Error().Str("text", text).Msg("fleet.notify_no_transport")
		return
	}
	for _, adminID := range f.adminIDs {
		var lastErr error
		delivered := false
		for _, t := range transports {
			if err := t.SendText(ctx, adminID, text); err != nil {
				lastErr = err
				continue
			}
			delivered = true
			break
		}
		if delivered {
			f.metrics.ObserveSend("admin_alert", nil)
		} else {
			f.metrics.ObserveSend("admin_alert", lastErr)
			f.logger.Error().Err(lastErr).Int64("admin_id", adminID).Msg("fleet.notify_failed")
		}
	}
}

// Live reports how many slots currently hold a working transport.
func (f *Fleet) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, sl := range f.slots {
		if !sl.dead && sl.current != nil {
			n++
		}
	}
	return n
}

// StopAll halts every transport, each bounded by the stop timeout.
func (f *Fleet) StopAll() {
	f.mu.Lock()
	transports := make([]Transport, 0, len(f.slots))
	for _, sl := range f.slots {
		if sl.current != nil {
			transports = append(transports, sl.current)
		}
	}
	f.mu.Unlock()

	for _, t := range transports {
		ctx, cancel := context.WithTimeout(context.Background(), f.stopTimeout)
		if err := t.Stop(ctx); err != nil {
			f.logger.Warn().Err(err).Int64("bot_id", t.BotID()).Msg("fleet.stop_timeout")
		}
		cancel()
	}
}
