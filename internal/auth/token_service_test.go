package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"pgregory.net/rapid"
)

func newTestTokenService(clock *fakeClock) *TokenService {
	return NewTokenService(TokenServiceConfig{
		Secret: testSecret,
		Issuer: "brpolis-test",
		Now:    clock.Now,
	})
}

// Issued tokens round-trip their claims and carry exp = iat + TTL.
func TestProperty_TokenRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		clock := newFakeClock()
		svc := newTestTokenService(clock)

		userID := uuid.NewString()
		email := emailGen().Draw(t, "email")
		role := rapid.SampledFrom([]string{"USER", "ADMIN", "SUPER_ADMIN"}).Draw(t, "role")

		token, expiresAt, err := svc.Issue(userID, email, role)
		if err != nil {
			t.Fatalf("issue failed: %v", err)
		}
		if !expiresAt.Equal(clock.Now().Add(DefaultTokenTTL)) {
			t.Fatalf("expiresAt = %v", expiresAt)
		}

		claims, err := svc.Verify(token)
		if err != nil {
			t.Fatalf("verify failed: %v", err)
		}
		if claims.UserID() != userID || claims.Email != email || claims.Role != role {
			t.Fatalf("claims mismatch: %+v", claims)
		}
		if claims.Issuer != "brpolis-test" || claims.ID == "" {
			t.Fatalf("missing iss/jti: %+v", claims.RegisteredClaims)
		}
		if got := claims.ExpiresAt.Sub(claims.IssuedAt.Time); got != DefaultTokenTTL {
			t.Fatalf("exp - iat = %v", got)
		}
	})
}

func TestIssue_SameSecondTokensDiffer(t *testing.T) {
	svc := newTestTokenService(newFakeClock())
	a, _, _ := svc.Issue("u1", "a@x.com", "USER")
	b, _, _ := svc.Issue("u1", "a@x.com", "USER")
	if a == b {
		t.Fatal("tokens minted at the same instant must differ")
	}
}

func TestVerify_Expiry(t *testing.T) {
	clock := newFakeClock()
	svc := newTestTokenService(clock)
	token, _, _ := svc.Issue("u1", "a@x.com", "USER")

	clock.Advance(DefaultTokenTTL - time.Second)
	if _, err := svc.Verify(token); err != nil {
		t.Fatalf("token should be valid just before expiry: %v", err)
	}

	clock.Advance(2 * time.Second)
	if _, err := svc.Verify(token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("got %v, want ErrTokenExpired", err)
	}
}

func TestVerify_Rejections(t *testing.T) {
	clock := newFakeClock()
	svc := newTestTokenService(clock)
	valid, _, _ := svc.Issue("u1", "a@x.com", "USER")

	sign := func(method jwt.SigningMethod, key interface{}, claims Claims) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString(key)
		if err != nil {
			t.Fatal(err)
		}
		return s
	}
	baseClaims := Claims{
		Email: "a@x.com",
		Role:  "ADMIN",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "brpolis-test",
			Subject:   "u1",
			IssuedAt:  jwt.NewNumericDate(clock.Now()),
			ExpiresAt: jwt.NewNumericDate(clock.Now().Add(time.Hour)),
		},
	}
	noExp := baseClaims
	noExp.ExpiresAt = nil
	wrongIssuer := baseClaims
	wrongIssuer.Issuer = "someone-else"
	noSubject := baseClaims
	noSubject.Subject = ""

	parts := strings.Split(valid, ".")
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"garbage", "not-a-jwt", ErrTokenMalformed},
		{"empty", "", ErrTokenMalformed},
		{"wrong secret", sign(jwt.SigningMethodHS256, []byte("another-secret-another-secret-0000"), baseClaims), ErrTokenSignature},
		{"tampered payload", tampered, ErrTokenMalformed},
		{"HS512", sign(jwt.SigningMethodHS512, []byte(testSecret), baseClaims), ErrTokenSignature},
		{"alg none", sign(jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, baseClaims), ErrTokenSignature},
		{"missing exp", sign(jwt.SigningMethodHS256, []byte(testSecret), noExp), ErrTokenMalformed},
		{"wrong issuer", sign(jwt.SigningMethodHS256, []byte(testSecret), wrongIssuer), ErrTokenMalformed},
		{"missing subject", sign(jwt.SigningMethodHS256, []byte(testSecret), noSubject), ErrTokenMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Verify(tt.token)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestHashToken(t *testing.T) {
	h := HashToken("abc")
	if len(h) != 64 {
		t.Fatalf("digest length = %d", len(h))
	}
	if h != HashToken("abc") {
		t.Fatal("digest must be deterministic")
	}
	if h == HashToken("abd") {
		t.Fatal("different tokens must hash differently")
	}
}
