package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSessionSigningSecret = "secret"
	testSessionUserID        = "user-123"
	testSessionUserEmail     = "user@example.com"
)

func TestIssuedTokenRoundTripsThroughValidator(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return clockNow }
	issuer := mustIssuer(t, clock)
	validator := mustValidator(t, clock)

	token, expiresAt, err := issuer.Issue(Profile{UserID: testSessionUserID, Email: testSessionUserEmail, DisplayName: " Ada "})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if !expiresAt.Equal(clockNow.Add(defaultTokenTTL)) {
		t.Fatalf("unexpected expiry %v", expiresAt)
	}

	claims, err := validator.ValidateToken(token)
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.UserID != testSessionUserID || claims.UserEmail != testSessionUserEmail || claims.UserDisplayName != "Ada" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestSessionValidatorRejectsExpiredToken(t *testing.T) {
	issuedAt := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	issuer := mustIssuer(t, func() time.Time { return issuedAt })
	validator := mustValidator(t, func() time.Time { return issuedAt.Add(13 * time.Hour) })

	token, _, err := issuer.Issue(Profile{UserID: testSessionUserID})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, err := validator.ValidateToken(token); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestSessionValidatorRejectsForeignIssuerAndAlgorithm(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := mustValidator(t, func() time.Time { return clockNow })

	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, SessionClaims{
		UserID: testSessionUserID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			Subject:   testSessionUserID,
			ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
		},
	})
	signed, err := foreign.SignedString([]byte(testSessionSigningSecret))
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if _, err := validator.ValidateToken(signed); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token for foreign issuer, got %v", err)
	}

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, SessionClaims{
		UserID: testSessionUserID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    DefaultSessionIssuer,
			Subject:   testSessionUserID,
			ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
		},
	})
	unsignedToken, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none failed: %v", err)
	}
	if _, err := validator.ValidateToken(unsignedToken); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token for none algorithm, got %v", err)
	}
}

func TestSessionValidatorReadsHeaderCookieAndQuery(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return clockNow }
	issuer := mustIssuer(t, clock)
	validator := mustValidator(t, clock)
	token, _, err := issuer.Issue(Profile{UserID: testSessionUserID})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	headerRequest := httptest.NewRequest(http.MethodGet, "/projects", http.NoBody)
	headerRequest.Header.Set("Authorization", "Bearer "+token)
	cookieRequest := httptest.NewRequest(http.MethodGet, "/projects", http.NoBody)
	cookieRequest.AddCookie(&http.Cookie{Name: DefaultSessionCookieName, Value: token})
	queryRequest := httptest.NewRequest(http.MethodGet, "/realtime/ws?access_token="+token, http.NoBody)

	for name, request := range map[string]*http.Request{"header": headerRequest, "cookie": cookieRequest, "query": queryRequest} {
		claims, err := validator.ValidateRequest(request)
		if err != nil {
			t.Fatalf("%s: unexpected error %v", name, err)
		}
		if claims.UserID != testSessionUserID {
			t.Fatalf("%s: unexpected user %q", name, claims.UserID)
		}
	}

	bare := httptest.NewRequest(http.MethodGet, "/projects", http.NoBody)
	if _, err := validator.ValidateRequest(bare); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestNewTokenIssuerRequiresSecret(t *testing.T) {
	if _, err := NewTokenIssuer(TokenIssuerConfig{}); err == nil {
		t.Fatalf("expected error without signing secret")
	}
	if _, err := NewSessionValidator(SessionValidatorConfig{}); !errors.Is(err, ErrMissingSessionSigningKey) {
		t.Fatalf("expected missing signing key error, got %v", err)
	}
}

func mustIssuer(t *testing.T, clock func() time.Time) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte(testSessionSigningSecret), Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	return issuer
}

func mustValidator(t *testing.T, clock func() time.Time) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{SigningSecret: []byte(testSessionSigningSecret), Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}
