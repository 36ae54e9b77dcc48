// Package lockmgr provides the single process-wide mutual exclusion primitive
// guarding every mutation of the pledge, allocation and beneficiary tables.
// One global lock deliberately serialises financial writes; throughput is
// bounded by the duration of a single allocation transaction.
package lockmgr

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LockName identifies the single named lock.
const LockName = "SCRIPT_LOCK"

// DefaultTimeout is the bounded wait applied when callers pass zero.
const DefaultTimeout = 30 * time.Second

// ErrTimeout is returned when the bounded wait expires. Callers surface
// SYSTEM_BUSY rather than queueing.
var ErrTimeout = errors.New("lockmgr: acquisition timed out")

// Token proves ownership of the lock for a single critical section.
type Token struct {
	id string
}

// Manager owns the named lock. The zero value is not usable; construct with New.
type Manager struct {
	slot chan struct{}

	mu     sync.Mutex
	holder string
}

// New returns a released lock manager.
func New() *Manager {
	m := &Manager{slot: make(chan struct{}, 1)}
	m.slot <- struct{}{}
	return m
}

// TryAcquire waits up to timeout for the lock. A zero timeout applies
// DefaultTimeout. Context cancellation is honoured ahead of the deadline.
func (m *Manager) TryAcquire(ctx context.Context, timeout time.Duration) (Token, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-m.slot:
		token := Token{id: uuid.NewString()}
		m.mu.Lock()
		m.holder = token.id
		m.mu.Unlock()
		return token, nil
	case <-timer.C:
		return Token{}, ErrTimeout
	case <-ctx.Done():
		return Token{}, ctx.Err()
	}
}

// Release returns the lock. It is idempotent: releasing with a stale or empty
// token is a no-op, so cleanup paths can call it unconditionally.
func (m *Manager) Release(token Token) {
	if token.id == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holder != token.id {
		return
	}
	m.holder = ""
	m.slot <- struct{}{}
}

// Held reports whether the lock is currently owned. Diagnostics only.
func (m *Manager) Held() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holder != ""
}
