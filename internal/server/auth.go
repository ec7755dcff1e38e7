package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"campaignsync/internal/apperr"
	"campaignsync/internal/realtime"
)

// Claims are the identity token claims the server reads.
type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
	Role string `json:"role"`
}

// Verifier turns a bearer token into a verified identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (realtime.Identity, error)
}

// TokenVerifier validates JWTs signed with a shared HS256 secret or with an
// RS256 key published in a JWKS document.
type TokenVerifier struct {
	secret []byte
	jwks   *jwksCache
	opts   []jwt.ParserOption
}

// NewTokenVerifier builds the verifier described by cfg.
func NewTokenVerifier(cfg Config, logger *slog.Logger) (*TokenVerifier, error) {
	v := &TokenVerifier{opts: []jwt.ParserOption{jwt.WithExpirationRequired(), jwt.WithLeeway(time.Minute)}}
	switch {
	case cfg.JWKSURL != "":
		v.jwks = newJWKSCache(cfg.JWKSURL, logger)
		v.opts = append(v.opts, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	case cfg.TokenSecret != "":
		v.secret = []byte(cfg.TokenSecret)
		v.opts = append(v.opts, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	default:
		return nil, errors.New("no token secret or jwks url configured")
	}
	if cfg.TokenIssuer != "" {
		v.opts = append(v.opts, jwt.WithIssuer(cfg.TokenIssuer))
	}
	if cfg.TokenAudience != "" {
		v.opts = append(v.opts, jwt.WithAudience(cfg.TokenAudience))
	}
	return v, nil
}

// Verify checks the token signature and claims and returns the identity it
// carries.
func (v *TokenVerifier) Verify(ctx context.Context, token string) (realtime.Identity, error) {
	if token == "" {
		return realtime.Identity{}, apperr.New(apperr.CodeUnauthenticated, "missing token")
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if v.jwks != nil {
			kid, _ := t.Header["kid"].(string)
			return v.jwks.key(ctx, kid)
		}
		return v.secret, nil
	}, v.opts...)
	if err != nil {
		return realtime.Identity{}, apperr.Wrap(apperr.CodeUnauthenticated, "invalid token", err)
	}

	if strings.TrimSpace(claims.Subject) == "" {
		return realtime.Identity{}, apperr.New(apperr.CodeUnauthenticated, "token has no subject")
	}
	role, ok := realtime.ParseRole(claims.Role)
	if !ok {
		return realtime.Identity{}, apperr.New(apperr.CodeUnauthenticated, fmt.Sprintf("token role %q is not recognised", claims.Role))
	}
	name := strings.TrimSpace(claims.Name)
	if name == "" {
		name = claims.Subject
	}
	return realtime.Identity{UserID: claims.Subject, DisplayName: name, Role: role}, nil
}

type contextKey string

const identityContextKey contextKey = "identity"

// requireAuth verifies the request token and stores the identity in the
// request context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.verifier.Verify(r.Context(), requestToken(r))
		if err != nil {
			writeAppError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), identityContextKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestToken reads the bearer token from the Authorization header, or from
// the token query parameter for browsers that cannot set headers on a
// WebSocket handshake.
func requestToken(r *http.Request) string {
	if token := parseToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func parseToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return strings.TrimSpace(header)
}

func identityFromContext(ctx context.Context) (realtime.Identity, bool) {
	identity, ok := ctx.Value(identityContextKey).(realtime.Identity)
	return identity, ok
}
