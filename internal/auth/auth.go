// Package auth guards the status server with static API keys.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

type ctxKey int

const keyID ctxKey = 0

const DefaultHeader = "X-API-Key"

type entry struct {
	id     string
	secret []byte
}

// Store is a static in-memory key store. An empty store lets every request
// through.
type Store struct {
	header string
	keys   []entry
}

// NewStatic creates a store reading keys from header. pairs maps secret to key ID.
func NewStatic(header string, pairs map[string]string) *Store {
	h := header
	if h == "" {
		h = DefaultHeader
	}
	s := &Store{header: h}
	for secret, id := range pairs {
		if secret == "" || id == "" {
			continue
		}
		s.keys = append(s.keys, entry{id: id, secret: []byte(secret)})
	}
	return s
}

func (s *Store) Enabled() bool { return len(s.keys) > 0 }

// keyIDFor compares against every key so timing does not reveal which one matched.
func (s *Store) keyIDFor(secret string) (string, bool) {
	found := ""
	for _, k := range s.keys {
		if subtle.ConstantTimeCompare(k.secret, []byte(secret)) == 1 {
			found = k.id
		}
	}
	return found, found != ""
}

func WithKeyID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyID, id)
}

func KeyIDFrom(ctx context.Context) (string, bool) {
	v := ctx.Value(keyID)
	if v == nil {
		return "", false
	}
	id, ok := v.(string)
	return id, ok
}

// Middleware validates the API key and writes JSON errors on failure.
// Paths in skipPaths and all paths of a disabled store pass through.
func (s *Store) Middleware(skipPaths map[string]struct{}) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !s.Enabled() {
			return next
		}
		hname := s.header

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skipPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			secret := strings.TrimSpace(r.Header.Get(hname))
			if secret == "" {
				writeJSON(w, http.StatusUnauthorized, "missing_api_key", "Provide API key in "+hname)
				return
			}
			id, ok := s.keyIDFor(secret)
			if !ok {
				writeJSON(w, http.StatusUnauthorized, "invalid_api_key", "API key not recognized")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithKeyID(r.Context(), id)))
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, errCode, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"error":{"code":"` + errCode + `","message":"` + msg + `"}}`))
}
