package ecash

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt"
	"github.com/twitchtv/twirp"
	"github.com/yiplee/go-cache"
)

func extractBearerToken(r *http.Request) string {
	token := r.Header.Get("Authorization")
	return strings.TrimPrefix(token, "Bearer ")
}

// handleAuth requires an HS256 token signed with secret. An empty secret
// leaves the API open.
func handleAuth(secret string) func(next http.Handler) http.Handler {
	clients := cache.New[string, *Client]()

	keyFunc := func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}

		return []byte(secret), nil
	}

	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}

		fn := func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token := extractBearerToken(r)

			if client, ok := clients.Get(token); ok {
				next.ServeHTTP(w, r.WithContext(WithClient(ctx, client)))
				return
			}

			var claim jwt.StandardClaims
			if _, err := jwt.ParseWithClaims(token, &claim, keyFunc); err != nil {
				_ = twirp.WriteError(w, twirp.Unauthenticated.Error(err.Error()))
				return
			}

			client := &Client{ID: claim.Subject}
			if claim.ExpiresAt == 0 {
				clients.Set(token, client)
			}

			next.ServeHTTP(w, r.WithContext(WithClient(ctx, client)))
		}

		return http.HandlerFunc(fn)
	}
}
