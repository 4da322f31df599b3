package auth

import (
	"context"
	"runtime"
	"sync"

	"github.com/gpropadm/brpolis/internal/metrics"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

// DefaultBcryptCost is the cost factor for new hashes
const DefaultBcryptCost = 12

// PasswordHasher hashes and verifies passwords with bcrypt. At most
// maxConcurrent computations run at once; callers wait on a semaphore.
type PasswordHasher struct {
	cost int
	sem  *semaphore.Weighted

	dummyOnce sync.Once
	dummy     string
}

// NewPasswordHasher creates a hasher. Out-of-range cost falls back to
// DefaultBcryptCost and maxConcurrent <= 0 means runtime.NumCPU().
func NewPasswordHasher(cost, maxConcurrent int) *PasswordHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultBcryptCost
	}
	if maxConcurrent <= 0 {
		maxConcurrent = runtime.NumCPU()
	}
	return &PasswordHasher{
		cost: cost,
		sem:  semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// Cost returns the configured bcrypt cost
func (h *PasswordHasher) Cost() int {
	return h.cost
}

func (h *PasswordHasher) acquire(ctx context.Context) error {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	metrics.AuthHashInFlight.Inc()
	return nil
}

func (h *PasswordHasher) release() {
	metrics.AuthHashInFlight.Dec()
	h.sem.Release(1)
}

// Hash returns the bcrypt digest of password. Any input up to MaxPasswordBytes
// yields a digest, whatever its content. Longer input returns
// ErrPasswordTooLong without waiting for a slot; the only other error is
// context cancellation.
func (h *PasswordHasher) Hash(ctx context.Context, password string) (string, error) {
	if len(password) > MaxPasswordBytes {
		return "", ErrPasswordTooLong
	}
	if err := h.acquire(ctx); err != nil {
		return "", err
	}
	defer h.release()

	digest, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", err
	}
	return string(digest), nil
}

// Verify reports whether password matches digest. A mismatched or malformed
// digest yields false; err is non-nil only if ctx ended while waiting.
func (h *PasswordHasher) Verify(ctx context.Context, password, digest string) (bool, error) {
	if err := h.acquire(ctx); err != nil {
		return false, err
	}
	defer h.release()

	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(password)) == nil, nil
}

// NeedsRehash reports whether digest was produced with a different cost.
// Unparseable digests report false; they cannot be upgraded without the plaintext check passing.
func (h *PasswordHasher) NeedsRehash(digest string) bool {
	cost, err := bcrypt.Cost([]byte(digest))
	if err != nil {
		return false
	}
	return cost != h.cost
}

// dummyDigest is a valid digest at the configured cost that matches no real password.
func (h *PasswordHasher) dummyDigest() string {
	h.dummyOnce.Do(func() {
		digest, _ := bcrypt.GenerateFromPassword([]byte("brpolis-unknown-account"), h.cost)
		h.dummy = string(digest)
	})
	return h.dummy
}
