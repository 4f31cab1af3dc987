package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ScopeAdmin lets a token act on behalf of any user
const ScopeAdmin = "admin"

var (
	// ErrMissingToken is returned when the Authorization header is absent
	ErrMissingToken = errors.New("missing bearer token")
	// ErrInvalidToken wraps parsing and validation errors
	ErrInvalidToken = errors.New("invalid bearer token")
)

// Claims are the internal API token claims. The subject is the user id.
type Claims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// HasScope reports whether the space-separated scope list contains s
func (c *Claims) HasScope(s string) bool {
	for _, have := range strings.Fields(c.Scope) {
		if have == s {
			return true
		}
	}
	return false
}

// JWTAuth signs and verifies internal API tokens (HS256)
type JWTAuth struct {
	secret []byte
	issuer string
	logger *slog.Logger
}

// NewJWTAuth creates a new JWT authenticator
func NewJWTAuth(secret, issuer string) *JWTAuth {
	return &JWTAuth{secret: []byte(secret), issuer: issuer, logger: slog.Default()}
}

// GenerateToken mints a token for userID valid for expiration
func (j *JWTAuth) GenerateToken(userID string, scopes []string, expiration time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Scope: strings.Join(scopes, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    j.issuer,
			Subject:   userID,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
}

// ValidateToken validates a token and returns its claims
func (j *JWTAuth) ValidateToken(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return j.secret, nil
	}, jwt.WithIssuer(j.issuer), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

type claimsKey struct{}

// ClaimsFromContext returns the claims stored by Middleware
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}

// Middleware rejects requests without a valid bearer token
func (j *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if header == "" || !found {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		claims, err := j.ValidateToken(token)
		if err != nil {
			prefix := token
			if len(prefix) > 20 {
				prefix = prefix[:20]
			}
			j.logger.Warn("JWT validation failed", "error", err, "token_prefix", prefix)
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}
