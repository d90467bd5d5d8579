// Package authmw provides HTTP middleware that authenticates operators by
// bearer token and carries their identity on the request context.
package authmw

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

type actorKey struct{}

// Operators returns middleware that accepts a request only when its
// Authorization header carries one of the configured bearer tokens.
// tokens maps token to operator identity; the identity is stored on the
// context and recorded as the actor of every mutation in the request.
func Operators(tokens map[string]string) func(http.Handler) http.Handler {
	type cred struct {
		token []byte
		actor string
	}
	creds := make([]cred, 0, len(tokens))
	for tok, actor := range tokens {
		if tok == "" {
			continue
		}
		creds = append(creds, cred{token: []byte(tok), actor: actor})
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, `{"error":"missing or malformed authorization header"}`, http.StatusUnauthorized)
				return
			}
			got := []byte(auth[len("Bearer "):])

			// compare against every credential so timing does not reveal which matched
			actor := ""
			for _, c := range creds {
				if subtle.ConstantTimeCompare(got, c.token) == 1 {
					actor = c.actor
				}
			}
			if actor == "" {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

// WithActor returns ctx carrying actor.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// Actor returns the authenticated operator, if any.
func Actor(ctx context.Context) (string, bool) {
	a, ok := ctx.Value(actorKey{}).(string)
	return a, ok && a != ""
}
