package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"
)

func fixedNow(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestIssueAndVerify(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := NewVerifier(Config{Secret: "s3cret", Now: fixedNow(now)})

	token, err := v.Issue("alice", RoleOperator, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "alice" || claims.Role != RoleOperator || claims.Issuer != "reelflow" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestVerify_Rejects(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v := NewVerifier(Config{Secret: "s3cret", Now: fixedNow(now)})
	token, err := v.Issue("alice", RoleOperator, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	other := NewVerifier(Config{Secret: "different", Now: fixedNow(now)})
	expired := NewVerifier(Config{Secret: "s3cret", Now: fixedNow(now.Add(time.Hour))})
	foreignIssuer := NewVerifier(Config{Secret: "s3cret", Issuer: "someone-else", Now: fixedNow(now)})

	tests := []struct {
		name  string
		v     *Verifier
		token string
		want  error
	}{
		{"empty", v, "", ErrMissingToken},
		{"garbage", v, "not.a.jwt", ErrInvalidToken},
		{"wrong secret", other, token, ErrInvalidToken},
		{"expired", expired, token, ErrInvalidToken},
		{"wrong issuer", foreignIssuer, token, ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.v.Verify(tt.token); !errors.Is(err, tt.want) {
				t.Fatalf("Verify err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAuthenticate(t *testing.T) {
	v := NewVerifier(Config{Secret: "s3cret"})
	observer, err := v.Issue("dash", RoleObserver, 0)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	req := httptest.NewRequest("GET", "/api/stream?token="+observer, nil)
	if _, err := v.Authenticate(req, false); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("query token without allowQuery err = %v", err)
	}
	if _, err := v.Authenticate(req, true, RoleObserver, RoleOperator); err != nil {
		t.Fatalf("query token: %v", err)
	}

	req = httptest.NewRequest("GET", "/api/videos", nil)
	req.Header.Set("Authorization", "Bearer "+observer)
	if _, err := v.Authenticate(req, false, RoleOperator); !errors.Is(err, ErrForbidden) {
		t.Fatalf("observer on operator route err = %v, want ErrForbidden", err)
	}
}

func TestDisabledVerifierAcceptsEverything(t *testing.T) {
	v := NewVerifier(Config{})
	if v.Enabled() {
		t.Fatal("verifier without secret should be disabled")
	}
	req := httptest.NewRequest("GET", "/api/videos", nil)
	if _, err := v.Authenticate(req, false, RoleOperator); err != nil {
		t.Fatalf("relaxed Authenticate: %v", err)
	}
	if _, err := v.Issue("x", RoleOperator, 0); err == nil {
		t.Fatal("Issue without secret should fail")
	}
}

func TestBearerToken(t *testing.T) {
	tests := map[string]string{
		"":             "",
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		"Basic abc":    "",
		"Bearerabc":    "",
	}
	for header, want := range tests {
		if got := BearerToken(header); got != want {
			t.Errorf("BearerToken(%q) = %q, want %q", header, got, want)
		}
	}
}

func TestClaimsContext(t *testing.T) {
	ctx := WithClaims(context.Background(), &Claims{Role: RoleObserver})
	claims, ok := FromContext(ctx)
	if !ok || claims.Role != RoleObserver {
		t.Fatalf("FromContext = %+v, %v", claims, ok)
	}
	if _, ok := FromContext(context.Background()); ok {
		t.Fatal("empty context should carry no claims")
	}
}
