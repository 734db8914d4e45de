package shared

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
)

// CustomerLockKey builds the critical-section key for a customer subledger.
func CustomerLockKey(customerID int64) string {
	return fmt.Sprintf("ledger:customer:%d:lock", customerID)
}

// CostLockKey builds the critical-section key for a cost record subject.
// Warehouse 0 addresses the company-wide aggregate.
func CostLockKey(productID, variantID, warehouseID int64) string {
	return fmt.Sprintf("valuation:%d:%d:%d:lock", productID, variantID, warehouseID)
}

type subjectEntry struct {
	sem  chan struct{}
	refs int
}

// SubjectMutex is a keyed mutex map with reference counting. Entries are
// created on first acquire and removed once the last waiter releases, so an
// idle process holds no per-subject state. Operations on different keys never
// contend.
type SubjectMutex struct {
	mu      sync.Mutex
	entries map[string]*subjectEntry
}

// NewSubjectMutex constructs an empty keyed mutex.
func NewSubjectMutex() *SubjectMutex {
	return &SubjectMutex{entries: make(map[string]*subjectEntry)}
}

// Acquire blocks until the key is exclusively held or ctx expires. The
// returned function releases the key and must be called exactly once.
func (m *SubjectMutex) Acquire(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	entry, ok := m.entries[key]
	if !ok {
		entry = &subjectEntry{sem: make(chan struct{}, 1)}
		m.entries[key] = entry
	}
	entry.refs++
	m.mu.Unlock()

	select {
	case entry.sem <- struct{}{}:
		return func() {
			<-entry.sem
			m.release(key, entry)
		}, nil
	case <-ctx.Done():
		m.release(key, entry)
		return nil, &ConflictError{Subject: key, Reason: "lock acquisition timed out"}
	}
}

func (m *SubjectMutex) release(key string, entry *subjectEntry) {
	m.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(m.entries, key)
	}
	m.mu.Unlock()
}

// Len reports the number of keys currently tracked.
func (m *SubjectMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// SubjectLocker serializes mutating operations per subject. The in-process
// keyed mutex covers a single instance; when a redislock client is supplied
// the same key is also held across instances. A timeout from either layer
// surfaces as a retryable ConflictError.
type SubjectLocker struct {
	local   *SubjectMutex
	redis   *redislock.Client
	ttl     time.Duration
	timeout time.Duration
	retry   time.Duration
	onWait  func(key string, waited time.Duration)
}

// LockerConfig groups optional SubjectLocker settings.
type LockerConfig struct {
	// TTL bounds how long a crashed holder can block other instances.
	TTL time.Duration
	// Timeout bounds how long an acquire may wait before ConflictError.
	Timeout time.Duration
	// Retry is the distributed-lock polling interval.
	Retry time.Duration
	// OnWait, when set, observes the time spent waiting for each key.
	OnWait func(key string, waited time.Duration)
}

// NewSubjectLocker constructs a locker. The redislock client may be nil;
// the locker then degrades to in-process serialization only.
func NewSubjectLocker(client *redislock.Client, cfg LockerConfig) *SubjectLocker {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Retry <= 0 {
		cfg.Retry = 50 * time.Millisecond
	}
	return &SubjectLocker{
		local:   NewSubjectMutex(),
		redis:   client,
		ttl:     cfg.TTL,
		timeout: cfg.Timeout,
		retry:   cfg.Retry,
		onWait:  cfg.OnWait,
	}
}

// Acquire takes the subject critical section. The returned release function
// must run before the surrounding operation returns.
func (l *SubjectLocker) Acquire(ctx context.Context, key string) (func(), error) {
	start := time.Now()
	lockCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	releaseLocal, err := l.local.Acquire(lockCtx, key)
	if err != nil {
		return nil, err
	}

	var distributed *redislock.Lock
	if l.redis != nil {
		distributed, err = l.redis.Obtain(lockCtx, key, l.ttl, &redislock.Options{
			RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(l.retry), int(l.timeout/l.retry)),
		})
		if errors.Is(err, redislock.ErrNotObtained) {
			releaseLocal()
			return nil, &ConflictError{Subject: key, Reason: "subject locked by another instance"}
		}
		if err != nil {
			releaseLocal()
			return nil, fmt.Errorf("shared: obtain lock %s: %w", key, err)
		}
	}

	if l.onWait != nil {
		l.onWait(key, time.Since(start))
	}
	return func() {
		if distributed != nil {
			_ = distributed.Release(context.WithoutCancel(ctx))
		}
		releaseLocal()
	}, nil
}
