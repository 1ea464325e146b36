package rpc

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"circuit/core/types"
)

type contextKey string

const (
	contextKeyOrigin  contextKey = "rpc.origin"
	contextKeySubject contextKey = "rpc.subject"
)

const rootScope = "root"

// Authenticator turns HMAC-signed bearer tokens into dispatch origins. The
// token subject is the signing account; a "root" scope or the configured
// root subject yields the privileged origin.
type Authenticator struct {
	secret      []byte
	rootSubject string
	clockSkew   time.Duration
}

// NewAuthenticator builds an authenticator. An empty secret rejects every
// token, leaving only read methods reachable.
func NewAuthenticator(secret, rootSubject string) *Authenticator {
	return &Authenticator{
		secret:      []byte(strings.TrimSpace(secret)),
		rootSubject: strings.TrimSpace(rootSubject),
		clockSkew:   2 * time.Minute,
	}
}

// Middleware resolves the origin of requests that carry a bearer token.
// Requests without one pass through anonymously.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := extractBearer(r.Header.Get("Authorization"))
		if tokenString == "" {
			next.ServeHTTP(w, r)
			return
		}
		claims, err := a.parseToken(tokenString)
		if err != nil {
			slog.Debug("rpc: token validation failed", "error", err)
			writeError(w, http.StatusUnauthorized, nil, codeUnauthorized, "invalid token", nil)
			return
		}
		origin, subject, err := a.origin(claims)
		if err != nil {
			writeError(w, http.StatusUnauthorized, nil, codeUnauthorized, "invalid token subject", err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyOrigin, origin)
		ctx = context.WithValue(ctx, contextKeySubject, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) parseToken(tokenString string) (jwt.MapClaims, error) {
	if len(a.secret) == 0 {
		return nil, errors.New("auth secret not configured")
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwt.WithLeeway(a.clockSkew))
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("token invalid")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("claims not map")
	}
	return claims, nil
}

func (a *Authenticator) origin(claims jwt.MapClaims) (types.Origin, string, error) {
	subject, _ := claims["sub"].(string)
	subject = strings.TrimSpace(subject)
	if hasScope(claims, rootScope) || (a.rootSubject != "" && subject == a.rootSubject) {
		return types.RootOrigin(), subject, nil
	}
	if subject == "" {
		return types.Origin{}, "", errors.New("missing subject")
	}
	account, err := parseAccount(subject)
	if err != nil {
		return types.Origin{}, "", err
	}
	return types.SignedOrigin(account), subject, nil
}

func hasScope(claims jwt.MapClaims, want string) bool {
	switch val := claims["scope"].(type) {
	case string:
		for _, scope := range strings.Fields(val) {
			if scope == want {
				return true
			}
		}
	case []interface{}:
		for _, entry := range val {
			if s, ok := entry.(string); ok && s == want {
				return true
			}
		}
	}
	return false
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// originFrom returns the authenticated origin of the request.
func originFrom(r *http.Request) (types.Origin, error) {
	origin, ok := r.Context().Value(contextKeyOrigin).(types.Origin)
	if !ok {
		return types.Origin{}, errUnauthenticated
	}
	return origin, nil
}

func subjectFrom(r *http.Request) string {
	subject, _ := r.Context().Value(contextKeySubject).(string)
	return subject
}
