package ledger

import (
	"context"
	"sync"
	"time"
)

// LookupCache holds derived pledge balances and beneficiary need. It is a soft
// cache: written only by lock-holders after a commit, read lock-free by
// dashboards, and always reconstructible from the ledger tables.
type LookupCache struct {
	mu            sync.RWMutex
	pledgeBalance map[string]int64
	pendingNeed   map[string]int64
	refreshedAt   time.Time
}

// NewLookupCache returns an empty cache.
func NewLookupCache() *LookupCache {
	return &LookupCache{
		pledgeBalance: make(map[string]int64),
		pendingNeed:   make(map[string]int64),
	}
}

// Refresh recomputes the snapshot from the ledger tables. Refresh failures
// after a committed transaction are logged warnings, not aborts.
func (c *LookupCache) Refresh(ctx context.Context, store *Store) error {
	pledges, err := store.SnapshotPledges(ctx)
	if err != nil {
		return err
	}
	var beneficiaries []Beneficiary
	if err := store.DB().WithContext(ctx).Find(&beneficiaries).Error; err != nil {
		return err
	}

	balances := make(map[string]int64, len(pledges))
	for _, pledge := range pledges {
		balances[pledge.ID] = pledge.Balance()
	}
	pending := make(map[string]int64, len(beneficiaries))
	for _, row := range beneficiaries {
		pending[row.ID] = row.Pending
	}

	c.mu.Lock()
	c.pledgeBalance = balances
	c.pendingNeed = pending
	c.refreshedAt = store.now()
	c.mu.Unlock()
	return nil
}

// PledgeBalance returns the cached balance; readers may observe slightly stale
// values between refreshes.
func (c *LookupCache) PledgeBalance(pledgeID string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	balance, ok := c.pledgeBalance[pledgeID]
	return balance, ok
}

// PendingNeed returns the cached outstanding need for a beneficiary.
func (c *LookupCache) PendingNeed(beneficiaryID string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pending, ok := c.pendingNeed[beneficiaryID]
	return pending, ok
}

// RefreshedAt reports when the snapshot was last rebuilt.
func (c *LookupCache) RefreshedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshedAt
}
