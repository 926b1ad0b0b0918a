package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/illmade-knight/go-catalogcache/pkg/catalog"
	"github.com/rs/zerolog"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Authenticator verifies HS256 bearer tokens. The token subject becomes the
// acting user recorded on product events.
type Authenticator struct {
	secret []byte
	logger zerolog.Logger
}

// NewAuthenticator returns an authenticator for secret. With an empty secret
// every request is let through anonymously; configuration only allows that
// when anonymous writes were explicitly enabled.
func NewAuthenticator(secret string, logger zerolog.Logger) *Authenticator {
	logger = logger.With().Str("component", "Authenticator").Logger()
	if secret == "" {
		logger.Warn().Msg("No JWT secret configured, write routes are unauthenticated.")
	}
	return &Authenticator{secret: []byte(secret), logger: logger}
}

// Enabled reports whether tokens are checked.
func (a *Authenticator) Enabled() bool {
	return len(a.secret) > 0
}

// Verify parses a raw Authorization header value and returns the subject.
func (a *Authenticator) Verify(header string) (string, error) {
	raw, ok := strings.CutPrefix(strings.TrimSpace(header), "Bearer ")
	raw = strings.TrimSpace(raw)
	if !ok || raw == "" {
		return "", ErrMissingToken
	}

	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// Require rejects requests without a valid token and stores the subject on
// the request context.
func (a *Authenticator) Require(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next(w, r)
			return
		}
		subject, err := a.Verify(r.Header.Get("Authorization"))
		if err != nil {
			a.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("Rejected request.")
			w.Header().Set("WWW-Authenticate", `Bearer realm="catalog"`)
			writeError(w, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		next(w, r.WithContext(catalog.WithUser(r.Context(), subject)))
	}
}
