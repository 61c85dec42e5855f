package shop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dropline/server/internal/storage"
)

// welcomeSettingKey is the settings row holding the /start message.
const welcomeSettingKey = "active_welcome_message"

var hundredPercent = decimal.NewFromInt(100)

// AddDrop lists one unit. Zero Available defaults to a single unit.
func (s *Service) AddDrop(ctx context.Context, actorID int64, p storage.Product) (int64, error) {
	if p.Available <= 0 {
		p.Available = 1
	}
	id, err := s.catalog.CreateProduct(ctx, p)
	if err != nil {
		return 0, err
	}
	s.audit(ctx, actorID, "drop_added",
		fmt.Sprintf("product %d: %s %s in %s/%s at %s EUR", id, p.ProductType, p.Size, p.City, p.District, p.Price))
	return id, nil
}

// BulkAddDrops lists several units, one product row each. On failure the
// ids created so far are returned with the error.
func (s *Service) BulkAddDrops(ctx context.Context, actorID int64, products []storage.Product) ([]int64, error) {
	for i := range products {
		if products[i].Available <= 0 {
			products[i].Available = 1
		}
	}
	ids, err := s.catalog.CreateProducts(ctx, products)
	if err != nil {
		return ids, err
	}
	s.audit(ctx, actorID, "bulk_added", fmt.Sprintf("%d products", len(ids)))
	return ids, nil
}

// DeleteDrop unlists a product and removes its media directory. Units
// already reserved or sold keep their snapshots.
func (s *Service) DeleteDrop(ctx context.Context, actorID, productID int64) error {
	if err := s.catalog.DeleteProduct(ctx, productID); err != nil {
		return err
	}
	if err := s.media.Remove(strconv.FormatInt(productID, 10)); err != nil {
		s.logger.Error().Err(err).Int64("product_id", productID).Msg("shop.media_remove_failed")
	}
	s.audit(ctx, actorID, "drop_deleted", fmt.Sprintf("product %d", productID))
	return nil
}

// AttachMedia stores one media file for an existing product and returns
// the stored filename.
func (s *Service) AttachMedia(ctx context.Context, productID int64, filename string, r io.Reader) (string, error) {
	if _, err := s.catalog.ProductByID(ctx, productID); err != nil {
		return "", err
	}
	return s.media.Save(strconv.FormatInt(productID, 10), filename, r)
}

// CreateCode registers a general discount code.
func (s *Service) CreateCode(ctx context.Context, actorID int64, code storage.DiscountCode) error {
	if err := s.store.CreateDiscountCode(ctx, code); err != nil {
		return err
	}
	s.audit(ctx, actorID, "code_created", code.Code)
	return nil
}

// SetCodeActive enables or disables a code.
func (s *Service) SetCodeActive(ctx context.Context, actorID int64, code string, active bool) error {
	if err := s.store.SetDiscountCodeActive(ctx, code, active); err != nil {
		return err
	}
	action := "code_disabled"
	if active {
		action = "code_enabled"
	}
	s.audit(ctx, actorID, action, code)
	return nil
}

// Codes lists every discount code with its usage counters.
func (s *Service) Codes(ctx context.Context) ([]storage.DiscountCode, error) {
	return s.store.ListDiscountCodes(ctx)
}

// SetResellerRule grants a user a percentage off one product type and
// marks the account as a reseller.
func (s *Service) SetResellerRule(ctx context.Context, actorID int64, rule storage.ResellerRule) error {
	if rule.Percent.IsNegative() || rule.Percent.GreaterThan(hundredPercent) {
		return fmt.Errorf("shop: reseller percent %s out of range", rule.Percent)
	}
	if err := s.store.SetResellerRule(ctx, rule); err != nil {
		return err
	}
	if err := s.store.SetUserReseller(ctx, rule.UserID, true); err != nil {
		return err
	}
	s.audit(ctx, actorID, "reseller_rule_set",
		fmt.Sprintf("user %d: %s%% off %s", rule.UserID, rule.Percent, rule.ProductType))
	return nil
}

// DeleteResellerRule revokes one rule; the reseller flag clears with the
// last rule.
func (s *Service) DeleteResellerRule(ctx context.Context, actorID, userID int64, productType string) error {
	if err := s.store.DeleteResellerRule(ctx, userID, productType); err != nil {
		return err
	}
	rules, err := s.store.ResellerRules(ctx, userID)
	if err != nil {
		return err
	}
	if len(rules) == 0 {
		if err := s.store.SetUserReseller(ctx, userID, false); err != nil {
			return err
		}
	}
	s.audit(ctx, actorID, "reseller_rule_deleted",
		fmt.Sprintf("user %d: %s", userID, productType))
	return nil
}

// ResellerRules lists a user's rules.
func (s *Service) ResellerRules(ctx context.Context, userID int64) ([]storage.ResellerRule, error) {
	return s.store.ResellerRules(ctx, userID)
}

// SetBanned bans or unbans a user. Open deposits keep settling.
func (s *Service) SetBanned(ctx context.Context, actorID, userID int64, banned bool) error {
	if err := s.store.SetUserBanned(ctx, userID, banned); err != nil {
		return err
	}
	action := "user_unbanned"
	if banned {
		action = "user_banned"
	}
	s.audit(ctx, actorID, action, strconv.FormatInt(userID, 10))
	return nil
}

// Stats aggregates sales since the given instant, live inventory, and
// the open deposit count.
type Stats struct {
	Sales        storage.SalesSummary
	Inventory    []storage.InventoryRow
	OpenDeposits int
}

// Stats builds the admin dashboard aggregates.
func (s *Service) Stats(ctx context.Context, since time.Time) (Stats, error) {
	sales, err := s.store.SalesSummary(ctx, since)
	if err != nil {
		return Stats{}, err
	}
	inventory, err := s.store.InventorySummary(ctx)
	if err != nil {
		return Stats{}, err
	}
	deposits, err := s.store.ListDeposits(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Sales: sales, Inventory: inventory, OpenDeposits: len(deposits)}, nil
}

// PendingDeposits lists every open deposit for the admin surface.
func (s *Service) PendingDeposits(ctx context.Context) ([]storage.PendingDeposit, error) {
	return s.store.ListDeposits(ctx)
}

// BroadcastTargets returns every user id that has not blocked the bot.
func (s *Service) BroadcastTargets(ctx context.Context) ([]int64, error) {
	return s.store.AllUserIDs(ctx)
}

// WelcomeMessage returns the configured /start text, empty when unset.
func (s *Service) WelcomeMessage(ctx context.Context) (string, error) {
	v, err := s.store.Setting(ctx, welcomeSettingKey)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

// SetWelcomeMessage replaces the /start text.
func (s *Service) SetWelcomeMessage(ctx context.Context, actorID int64, text string) error {
	if err := s.store.SetSetting(ctx, welcomeSettingKey, text); err != nil {
		return err
	}
	s.audit(ctx, actorID, "welcome_updated", fmt.Sprintf("%d chars", len(text)))
	return nil
}

// AuditLog returns the newest admin log entries.
func (s *Service) AuditLog(ctx context.Context, limit int) ([]storage.AdminLogEntry, error) {
	return s.store.AdminLog(ctx, limit)
}

func (s *Service) audit(ctx context.Context, actorID int64, action, details string) {
	entry := storage.AdminLogEntry{
		ActorID:   actorID,
		Action:    action,
		Details:   details,
		CreatedAt: s.clock(),
	}
	if err := s.store.AppendAdminLog(ctx, entry); err != nil {
		s.logger.Error().Err(err).Str("action", action).Msg("shop.audit_failed")
	}
}
