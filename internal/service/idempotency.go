package service

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/surplusmarket/internal/domain"
)

type replay struct {
	tx      domain.Transaction
	done    bool
	savedAt time.Time
}

// Replays remembers the outcome of checkouts submitted with an idempotency
// key so a retried request returns the original transaction instead of
// buying twice. Entries expire after the TTL. It is safe for concurrent use.
type Replays struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	seen map[string]replay
}

// NewReplays creates a Replays that keeps outcomes for ttl.
func NewReplays(ttl time.Duration) *Replays {
	return &Replays{ttl: ttl, now: time.Now, seen: make(map[string]replay)}
}

// Claim reserves key. If a completed checkout is remembered for it, that
// transaction is returned with replayed true. If another request holds the
// key, domain.ErrAlreadyExists is returned. Otherwise the caller owns the
// key and must call Complete or Release.
func (r *Replays) Claim(key string) (tx domain.Transaction, replayed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if e, ok := r.seen[key]; ok && now.Sub(e.savedAt) < r.ttl {
		if !e.done {
			return domain.Transaction{}, false, domain.ErrAlreadyExists
		}
		return e.tx, true, nil
	}
	r.seen[key] = replay{savedAt: now}
	return domain.Transaction{}, false, nil
}

// Complete stores the outcome for a claimed key.
func (r *Replays) Complete(key string, tx domain.Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen[key] = replay{tx: tx, done: true, savedAt: r.now()}
}

// Release drops a claim whose checkout was rejected, so it can be retried.
func (r *Replays) Release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.seen[key]; ok && !e.done {
		delete(r.seen, key)
	}
}

// Cleanup removes expired entries.
func (r *Replays) Cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for k, e := range r.seen {
		if now.Sub(e.savedAt) >= r.ttl {
			delete(r.seen, k)
		}
	}
}

// Len returns the number of remembered keys.
func (r *Replays) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

// Run calls Cleanup every interval until ctx is cancelled.
func (r *Replays) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			r.Cleanup()
		}
	}
}
