package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vipul43/warncheck/internal/apperrors"
	"github.com/vipul43/warncheck/internal/metrics"
	"github.com/vipul43/warncheck/internal/models"
)

// AccountRepository interface for dependency injection
type AccountRepository interface {
	GetByID(ctx context.Context, accountID string) (*models.Account, error)
	List(ctx context.Context) ([]models.Account, error)
	EnsureExists(ctx context.Context, accountID string, resetAt time.Time) error
	Save(ctx context.Context, account *models.Account) error
	Unlock(ctx context.Context, accountID string, status models.AccountStatus) (bool, error)
	ReleaseActive(ctx context.Context) (int64, error)
}

// AccountPool selects accounts and keeps their daily rate ledger.
// Every mutation is saved before the method returns.
type AccountPool struct {
	repo     AccountRepository
	cap      int
	location *time.Location
	logger   *zap.Logger
	now      func() time.Time

	mu         sync.Mutex
	configured map[string]bool
}

func NewAccountPool(repo AccountRepository, dailyCap int, location *time.Location, logger *zap.Logger) *AccountPool {
	if location == nil {
		location = time.UTC
	}
	return &AccountPool{
		repo:     repo,
		cap:      dailyCap,
		location: location,
		logger:   logger.Named("pool"),
		now:      time.Now,
	}
}

// Cap is the number of consuming actions an account may perform per period
func (p *AccountPool) Cap() int {
	return p.cap
}

// NextReset returns the first midnight in loc strictly after t
func NextReset(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
}

// Sync creates ledger rows for configured credentials and releases accounts a previous process left active.
// Only synced accounts are offered by Select.
func (p *AccountPool) Sync(ctx context.Context, accountIDs []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	reset := NextReset(p.now(), p.location)
	configured := make(map[string]bool, len(accountIDs))
	for _, id := range accountIDs {
		if err := p.repo.EnsureExists(ctx, id, reset); err != nil {
			return err
		}
		configured[id] = true
	}
	p.configured = configured

	released, err := p.repo.ReleaseActive(ctx)
	if err != nil {
		return err
	}
	if released > 0 {
		p.logger.Info("released accounts left active", zap.Int64("count", released))
	}
	return nil
}

// refresh applies the lazy daily reset. It reports whether the account changed.
func (p *AccountPool) refresh(acc *models.Account, now time.Time) bool {
	if now.Before(acc.CountResetAt) {
		return false
	}
	acc.DailyUseCount = 0
	acc.CountResetAt = NextReset(now, p.location)
	if acc.Status == models.AccountStatusCoolingDown {
		acc.Status = models.AccountStatusAvailable
	}
	return true
}

// Select picks the least recently used available account under the cap and marks it active
func (p *AccountPool) Select(ctx context.Context) (*models.Account, error) {
	return p.selectExcept(ctx, "")
}

func (p *AccountPool) selectExcept(ctx context.Context, exclude string) (*models.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	accounts, err := p.repo.List(ctx)
	if err != nil {
		return nil, err
	}

	now := p.now()
	var best *models.Account
	for i := range accounts {
		acc := &accounts[i]
		if p.configured != nil && !p.configured[acc.ID] {
			continue
		}
		if p.refresh(acc, now) {
			if err := p.repo.Save(ctx, acc); err != nil {
				return nil, err
			}
		}
		if acc.ID == exclude || acc.Status != models.AccountStatusAvailable || acc.DailyUseCount >= p.cap {
			continue
		}
		if best == nil || lessRecentlyUsed(acc, best) {
			best = acc
		}
	}

	if best == nil {
		return nil, apperrors.ErrNoAccountAvailable
	}

	best.Status = models.AccountStatusActive
	if err := p.repo.Save(ctx, best); err != nil {
		return nil, err
	}
	p.logger.Info("account selected", zap.String("account", best.ID), zap.Int("daily_use_count", best.DailyUseCount))
	selected := *best
	return &selected, nil
}

func lessRecentlyUsed(a, b *models.Account) bool {
	switch {
	case a.LastUsedAt == nil && b.LastUsedAt == nil:
		return a.ID < b.ID
	case a.LastUsedAt == nil:
		return true
	case b.LastUsedAt == nil:
		return false
	case a.LastUsedAt.Equal(*b.LastUsedAt):
		return a.ID < b.ID
	default:
		return a.LastUsedAt.Before(*b.LastUsedAt)
	}
}

// Switch releases the current account and selects another one
func (p *AccountPool) Switch(ctx context.Context, current string) (*models.Account, error) {
	if err := p.Release(ctx, current); err != nil {
		return nil, err
	}
	return p.selectExcept(ctx, current)
}

// RecordUse stamps the account as used. Only consuming actions count against the cap;
// a consuming use on an account already at the cap fails with ErrCapReached and changes nothing else.
func (p *AccountPool) RecordUse(ctx context.Context, accountID string, consumed bool) (*models.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	acc, err := p.repo.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	now := p.now()
	p.refresh(acc, now)

	if consumed {
		if acc.DailyUseCount >= p.cap {
			acc.Status = coolingOrLocked(acc.Status)
			if err := p.repo.Save(ctx, acc); err != nil {
				return nil, err
			}
			return acc, fmt.Errorf("account %s: %w", accountID, apperrors.ErrCapReached)
		}
		acc.DailyUseCount++
		metrics.AccountUsesTotal.WithLabelValues(accountID).Inc()
	}
	ts := now.UTC()
	acc.LastUsedAt = &ts

	if err := p.repo.Save(ctx, acc); err != nil {
		return nil, err
	}
	return acc, nil
}

func coolingOrLocked(status models.AccountStatus) models.AccountStatus {
	if status == models.AccountStatusLockedOut {
		return status
	}
	return models.AccountStatusCoolingDown
}

// HasBudget reports whether the account may perform another consuming action now
func (p *AccountPool) HasBudget(acc *models.Account) bool {
	if !p.now().Before(acc.CountResetAt) {
		return true
	}
	return acc.DailyUseCount < p.cap
}

// MarkLockedOut excludes an account from selection until an operator unlocks it
func (p *AccountPool) MarkLockedOut(ctx context.Context, accountID, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	acc, err := p.repo.GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	acc.Status = models.AccountStatusLockedOut
	acc.LockReason = &reason
	if err := p.repo.Save(ctx, acc); err != nil {
		return err
	}
	p.logger.Warn("account locked out", zap.String("account", accountID), zap.String("reason", reason))
	return nil
}

// Unlock clears a lock-out. Only the status and lock reason are written.
func (p *AccountPool) Unlock(ctx context.Context, accountID string) (*models.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	acc, err := p.repo.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acc.Status != models.AccountStatusLockedOut {
		return nil, fmt.Errorf("%w: %s is %s", apperrors.ErrAccountNotLocked, accountID, acc.Status)
	}
	p.refresh(acc, p.now())
	status := p.idleStatus(acc)

	ok, err := p.repo.Unlock(ctx, accountID, status)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s changed while unlocking", apperrors.ErrAccountNotLocked, accountID)
	}
	acc.Status = status
	acc.LockReason = nil
	p.logger.Info("account unlocked", zap.String("account", accountID), zap.String("status", string(status)))
	return acc, nil
}

// Release returns an active account to the pool at the end of its assignment
func (p *AccountPool) Release(ctx context.Context, accountID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	acc, err := p.repo.GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	if acc.Status != models.AccountStatusActive {
		return nil
	}
	p.refresh(acc, p.now())
	acc.Status = p.idleStatus(acc)
	return p.repo.Save(ctx, acc)
}

func (p *AccountPool) idleStatus(acc *models.Account) models.AccountStatus {
	if acc.DailyUseCount >= p.cap {
		return models.AccountStatusCoolingDown
	}
	return models.AccountStatusAvailable
}

// Snapshot returns the ledger with pending resets applied, without writing anything
func (p *AccountPool) Snapshot(ctx context.Context) ([]models.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	accounts, err := p.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	now := p.now()
	for i := range accounts {
		p.refresh(&accounts[i], now)
	}
	return accounts, nil
}
