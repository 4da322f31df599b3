package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	"pgregory.net/rapid"
)

// verify(p, hash(p)) holds for every password and verify(p, hash(p2)) fails for p != p2.
func TestProperty_HashVerifyRoundTrip(t *testing.T) {
	hasher := NewPasswordHasher(bcrypt.MinCost, 0)
	ctx := context.Background()

	rapid.Check(t, func(t *rapid.T) {
		p := rapid.StringN(0, 30, 72).Draw(t, "p")
		p2 := rapid.StringN(0, 30, 72).Filter(func(s string) bool { return s != p }).Draw(t, "p2")

		digest, err := hasher.Hash(ctx, p)
		if err != nil {
			t.Fatalf("hash failed: %v", err)
		}
		if ok, _ := hasher.Verify(ctx, p, digest); !ok {
			t.Fatal("password does not verify against its own hash")
		}
		if ok, _ := hasher.Verify(ctx, p2, digest); ok {
			t.Fatal("different password verified")
		}
	})
}

func TestHash_EmptyPassword(t *testing.T) {
	hasher := NewPasswordHasher(bcrypt.MinCost, 1)
	digest, err := hasher.Hash(context.Background(), "")
	if err != nil {
		t.Fatalf("empty input should hash: %v", err)
	}
	if ok, _ := hasher.Verify(context.Background(), "", digest); !ok {
		t.Fatal("empty password should verify")
	}
}

func TestHash_LengthLimit(t *testing.T) {
	hasher := NewPasswordHasher(bcrypt.MinCost, 1)

	atLimit := strings.Repeat("ç", MaxPasswordBytes/2)
	digest, err := hasher.Hash(context.Background(), atLimit)
	if err != nil {
		t.Fatalf("72-byte input should hash: %v", err)
	}
	if ok, _ := hasher.Verify(context.Background(), atLimit, digest); !ok {
		t.Fatal("72-byte input should verify")
	}

	// the only slot is held, an oversized input must still fail fast
	if err := hasher.acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer hasher.release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := hasher.Hash(ctx, strings.Repeat("a", MaxPasswordBytes+1)); !errors.Is(err, ErrPasswordTooLong) {
		t.Fatalf("got %v, want ErrPasswordTooLong", err)
	}
}

func TestVerify_MalformedDigest(t *testing.T) {
	hasher := NewPasswordHasher(bcrypt.MinCost, 1)
	for _, digest := range []string{"", "plaintext", "$2a$10$short", strings.Repeat("x", 60)} {
		ok, err := hasher.Verify(context.Background(), "secret1", digest)
		if ok || err != nil {
			t.Errorf("Verify(%q) = %v, %v; want false, nil", digest, ok, err)
		}
	}
}

func TestVerify_LegacyCost(t *testing.T) {
	hasher := NewPasswordHasher(bcrypt.MinCost, 1)
	legacy, _ := bcrypt.GenerateFromPassword([]byte("secret1"), bcrypt.MinCost+2)

	if ok, _ := hasher.Verify(context.Background(), "secret1", string(legacy)); !ok {
		t.Fatal("digest with another cost should verify")
	}
	if !hasher.NeedsRehash(string(legacy)) {
		t.Fatal("digest with another cost should need rehash")
	}
	current, _ := hasher.Hash(context.Background(), "secret1")
	if hasher.NeedsRehash(current) {
		t.Fatal("digest with configured cost should not need rehash")
	}
	if hasher.NeedsRehash("garbage") {
		t.Fatal("unparseable digest should not report rehash")
	}
}

func TestNewPasswordHasher_CostFallback(t *testing.T) {
	if got := NewPasswordHasher(2, 1).Cost(); got != DefaultBcryptCost {
		t.Errorf("cost below minimum: got %d", got)
	}
	if got := NewPasswordHasher(99, 1).Cost(); got != DefaultBcryptCost {
		t.Errorf("cost above maximum: got %d", got)
	}
}

func TestHasher_BoundsConcurrency(t *testing.T) {
	hasher := NewPasswordHasher(bcrypt.MinCost, 2)
	digest, _ := hasher.Hash(context.Background(), "secret1")

	// hold both slots, a third caller must wait until the context ends
	if err := hasher.acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := hasher.acquire(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := hasher.Verify(ctx, "secret1", digest); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}

	hasher.release()
	hasher.release()

	var wg sync.WaitGroup
	var matched atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := hasher.Verify(context.Background(), "secret1", digest); ok {
				matched.Add(1)
			}
		}()
	}
	wg.Wait()
	if matched.Load() != 8 {
		t.Fatalf("matched = %d, want 8", matched.Load())
	}
}

func TestPasswordValidator(t *testing.T) {
	v := NewPasswordValidator()

	tests := []struct {
		password string
		valid    bool
	}{
		{"senha123", true},
		{"Campanha2024", true},
		{"çãoé1234", true},
		{"abc123", false},
		{"abcdefgh", false},
		{"12345678", false},
		{"", false},
		{strings.Repeat("a1", 37), false},
	}

	for _, tt := range tests {
		if got := v.IsValid(tt.password); got != tt.valid {
			t.Errorf("IsValid(%q) = %v, want %v (%v)", tt.password, got, tt.valid, v.ValidatePassword(tt.password))
		}
	}
}

func TestProperty_PasswordValidatorAcceptsPolicyCompliant(t *testing.T) {
	v := NewPasswordValidator()
	rapid.Check(t, func(t *rapid.T) {
		letters := rapid.StringMatching(`[a-zA-Z]{1,30}`).Draw(t, "letters")
		digits := rapid.StringMatching(`[0-9]{1,30}`).Draw(t, "digits")
		pw := letters + digits
		if len(pw) < MinPasswordLength {
			pw += strings.Repeat("x", MinPasswordLength-len(pw))
		}

		if errs := v.ValidatePassword(pw); len(errs) != 0 {
			t.Fatalf("ValidatePassword(%q) = %v", pw, errs)
		}
	})
}
