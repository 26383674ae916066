// Package auth verifies and issues the HS256 tokens that guard the operator
// API and the observer stream.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles carried in the token's role claim.
const (
	RoleOperator = "operator"
	RoleObserver = "observer"
)

const (
	defaultIssuer = "reelflow"
	defaultTTL    = 24 * time.Hour
)

var (
	// ErrMissingToken is returned when the request carries no token.
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidToken is returned for malformed, expired or mis-signed tokens.
	ErrInvalidToken = errors.New("invalid token")
	// ErrForbidden is returned when a valid token lacks the required role.
	ErrForbidden = errors.New("token role not permitted")
)

// Claims are the token claims.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Config configures a Verifier. An empty Secret disables verification.
type Config struct {
	Secret string
	Issuer string
	TTL    time.Duration
	Now    func() time.Time
}

// Verifier checks and mints tokens.
type Verifier struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewVerifier creates a Verifier.
func NewVerifier(cfg Config) *Verifier {
	if cfg.Issuer == "" {
		cfg.Issuer = defaultIssuer
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Verifier{
		secret: []byte(cfg.Secret),
		issuer: cfg.Issuer,
		ttl:    cfg.TTL,
		now:    cfg.Now,
	}
}

// Enabled reports whether a secret is configured. A disabled verifier
// accepts every request.
func (v *Verifier) Enabled() bool {
	return v != nil && len(v.secret) > 0
}

// Issue mints a token for subject with the given role. A non-positive ttl
// uses the configured default.
func (v *Verifier) Issue(subject, role string, ttl time.Duration) (string, error) {
	if !v.Enabled() {
		return "", errors.New("cannot issue tokens without a secret")
	}
	if ttl <= 0 {
		ttl = v.ttl
	}
	now := v.now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token string.
func (v *Verifier) Verify(tokenString string) (*Claims, error) {
	if !v.Enabled() {
		return &Claims{Role: RoleOperator}, nil
	}
	if strings.TrimSpace(tokenString) == "" {
		return nil, ErrMissingToken
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authenticate verifies the request's token and checks its role against
// roles. An empty roles list accepts any role. When allowQuery is set the
// token may also be passed as ?token=, for clients such as EventSource that
// cannot set headers.
func (v *Verifier) Authenticate(r *http.Request, allowQuery bool, roles ...string) (*Claims, error) {
	if !v.Enabled() {
		return &Claims{Role: RoleOperator}, nil
	}
	token := BearerToken(r.Header.Get("Authorization"))
	if token == "" && allowQuery {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	claims, err := v.Verify(token)
	if err != nil {
		return nil, err
	}
	if len(roles) > 0 && !hasRole(claims.Role, roles) {
		return nil, ErrForbidden
	}
	return claims, nil
}

func hasRole(role string, roles []string) bool {
	for _, r := range roles {
		if role == r {
			return true
		}
	}
	return false
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

type claimsKey struct{}

// WithClaims returns a context carrying claims.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// FromContext returns the claims stored by WithClaims.
func FromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	return claims, ok
}
