// Package ownership implements the leases, locks, and reconciliation
// loops of spec.md §4.D that make single-owner-per-contest safe across
// instance crashes.
package ownership

import (
	"context"
	"fmt"
	"sync"
	"time"

	"crab.casa/debate-arena/internal/ids"
	"crab.casa/debate-arena/internal/kv"
	"crab.casa/debate-arena/internal/logging"
)

const (
	leaseTTL       = 300 * time.Second
	refreshPeriod  = 120 * time.Second
	lockTTL        = 120 * time.Second
	sweepPeriod    = 30 * time.Second
	stuckThreshold = 5 * time.Minute
)

func ownerKey(contestID string) string    { return "debate:owner:" + contestID }
func lockKey(contestID string) string     { return "debate:recovery_lock:" + contestID }

// Recoverer is supplied by the orchestrator: ListStuckContests returns
// in_progress contests with a stale heartbeat; ListActiveContests returns all
// contests not yet completed/cancelled; Recover re-hydrates and
// resumes a contest on this instance.
type Recoverer interface {
	ListStuckContests(ctx context.Context, olderThan time.Duration) ([]string, error)
	ListActiveContests(ctx context.Context) ([]string, error)
	Recover(ctx context.Context, contestID string) (bool, error)
}

// Manager owns the set of contests this instance currently holds a
// lease for and drives the refresh/sweep/recovery loops.
type Manager struct {
	instanceID string
	kvStore    kv.Store
	logger     logging.Logger
	recoverer  Recoverer

	mu     sync.Mutex
	active map[string]struct{}

	stop    chan struct{}
	wg      sync.WaitGroup
}

// New builds a Manager.
func New(instanceID string, kvStore kv.Store, logger logging.Logger, recoverer Recoverer) *Manager {
	return &Manager{
		instanceID: instanceID,
		kvStore:    kvStore,
		logger:     logger,
		recoverer:  recoverer,
		active:     make(map[string]struct{}),
		stop:       make(chan struct{}),
	}
}

// Claim acquires the ownership lease for contestID if it is currently
// absent. On success, contestID is tracked as locally active so
// Refresh/Shutdown cover it.
func (m *Manager) Claim(ctx context.Context, contestID string) (bool, error) {
	ok, err := m.kvStore.SetIfAbsent(ctx, ownerKey(contestID), m.instanceID, leaseTTL)
	if err != nil || !ok {
		return ok, err
	}
	m.mu.Lock()
	m.active[contestID] = struct{}{}
	m.mu.Unlock()
	return true, nil
}

// Release drops the ownership lease for contestID if this instance
// currently holds it.
func (m *Manager) Release(ctx context.Context, contestID string) error {
	_, err := m.kvStore.DeleteIfMatch(ctx, ownerKey(contestID), m.instanceID)
	m.mu.Lock()
	delete(m.active, contestID)
	m.mu.Unlock()
	return err
}

// IsOwnedLocally reports whether contestID is tracked as active on
// this instance (does not re-check KV).
func (m *Manager) IsOwnedLocally(contestID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[contestID]
	return ok
}

// RecoveryLock acquires the recovery lock for contestID with a random
// nonce, returning the token to pass to ReleaseRecoveryLock.
func (m *Manager) RecoveryLock(ctx context.Context, contestID string) (token string, acquired bool, err error) {
	nonce, err := ids.NewHexToken(8)
	if err != nil {
		return "", false, err
	}
	token = fmt.Sprintf("%s-%s", m.instanceID, nonce)
	ok, err := m.kvStore.SetIfAbsent(ctx, lockKey(contestID), token, lockTTL)
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// ReleaseRecoveryLock releases the recovery lock only if token still
// matches the stored value.
func (m *Manager) ReleaseRecoveryLock(ctx context.Context, contestID, token string) error {
	_, err := m.kvStore.DeleteIfMatch(ctx, lockKey(contestID), token)
	return err
}

// refreshOnce extends the TTL for every locally active contest whose
// lease this instance still holds.
func (m *Manager) refreshOnce(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, contestID := range ids {
		ok, err := m.kvStore.Refresh(ctx, ownerKey(contestID), m.instanceID, leaseTTL)
		if err != nil {
			m.logger.WithField("contest_id", contestID).WithField("error", err.Error()).Warn("ownership refresh failed")
			continue
		}
		if !ok {
			m.logger.WithField("contest_id", contestID).Warn("ownership refresh found lease no longer ours")
			m.mu.Lock()
			delete(m.active, contestID)
			m.mu.Unlock()
		}
	}
}

// unownedSweepOnce lists all active contests; for each not active
// locally, claims and recovers it if unowned, guarded by the recovery
// lock to serialize concurrent attempts across instances.
func (m *Manager) unownedSweepOnce(ctx context.Context) {
	contestIDs, err := m.recoverer.ListActiveContests(ctx)
	if err != nil {
		m.logger.WithField("error", err.Error()).Warn("unowned sweep: failed to list active contests")
		return
	}

	for _, contestID := range contestIDs {
		if m.IsOwnedLocally(contestID) {
			continue
		}
		if _, err := m.kvStore.Get(ctx, ownerKey(contestID)); err == nil {
			continue // owned elsewhere
		} else if err != kv.ErrNotFound {
			m.logger.WithField("contest_id", contestID).WithField("error", err.Error()).Warn("unowned sweep: owner lookup failed")
			continue
		}

		m.tryClaimAndRecover(ctx, contestID)
	}
}

func (m *Manager) tryClaimAndRecover(ctx context.Context, contestID string) {
	token, acquired, err := m.RecoveryLock(ctx, contestID)
	if err != nil || !acquired {
		return
	}
	defer func() {
		if err := m.ReleaseRecoveryLock(ctx, contestID, token); err != nil {
			m.logger.WithField("contest_id", contestID).WithField("error", err.Error()).Warn("failed to release recovery lock")
		}
	}()

	// Re-check under the lock.
	if _, err := m.kvStore.Get(ctx, ownerKey(contestID)); err == nil {
		return
	}

	claimed, err := m.Claim(ctx, contestID)
	if err != nil || !claimed {
		return
	}

	recovered, err := m.recoverer.Recover(ctx, contestID)
	if err != nil || !recovered {
		if err != nil {
			m.logger.WithField("contest_id", contestID).WithField("error", err.Error()).Warn("recovery failed, releasing lease")
		}
		if relErr := m.Release(ctx, contestID); relErr != nil {
			m.logger.WithField("contest_id", contestID).WithField("error", relErr.Error()).Warn("failed to release lease after failed recovery")
		}
	}
}

// StartupRecovery finds stuck in_progress contests and attempts to
// claim and recover each, per spec.md §4.D.
func (m *Manager) StartupRecovery(ctx context.Context) {
	stuck, err := m.recoverer.ListStuckContests(ctx, stuckThreshold)
	if err != nil {
		m.logger.WithField("error", err.Error()).Warn("startup recovery: failed to list stuck contests")
		return
	}
	for _, contestID := range stuck {
		claimed, err := m.Claim(ctx, contestID)
		if err != nil || !claimed {
			continue
		}
		recovered, err := m.recoverer.Recover(ctx, contestID)
		if err != nil || !recovered {
			if err != nil {
				m.logger.WithField("contest_id", contestID).WithField("error", err.Error()).Warn("startup recovery failed, releasing lease")
			}
			if relErr := m.Release(ctx, contestID); relErr != nil {
				m.logger.WithField("contest_id", contestID).WithField("error", relErr.Error()).Warn("failed to release lease after failed startup recovery")
			}
		}
	}
}

// Start launches the refresh and unowned-sweep background loops.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(refreshPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.refreshOnce(ctx)
			}
		}
	}()
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(sweepPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.unownedSweepOnce(ctx)
			}
		}
	}()
}

// Shutdown stops the background loops and releases every lease and
// recovery lock held by this instance, so a peer can adopt quickly
// instead of waiting on TTL expiry (spec.md §9).
func (m *Manager) Shutdown(ctx context.Context) {
	close(m.stop)
	m.wg.Wait()

	m.mu.Lock()
	contestIDs := make([]string, 0, len(m.active))
	for id := range m.active {
		contestIDs = append(contestIDs, id)
	}
	m.mu.Unlock()

	for _, contestID := range contestIDs {
		if err := m.Release(ctx, contestID); err != nil {
			m.logger.WithField("contest_id", contestID).WithField("error", err.Error()).Warn("shutdown: failed to release lease")
		}
	}
}
