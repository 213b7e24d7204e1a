package api

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// requestLogger logs incoming HTTP requests.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("remote", r.RemoteAddr).
			WithField("duration", time.Since(start)).
			Debug("Request handled")
	})
}

// requireToken checks the Bearer token against a bcrypt hash. An empty
// hash disables the check.
func (s *server) requireToken(hash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hash == "" {
				next.ServeHTTP(w, r)

				return
			}

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				writeJSON(w, http.StatusUnauthorized,
					errorResponse{"authentication required"})

				return
			}

			if !s.validToken(hash, authHeader[7:]) {
				writeJSON(w, http.StatusUnauthorized,
					errorResponse{"invalid token"})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// validToken compares token against hash. bcrypt is slow, so tokens that
// matched once are remembered by digest.
func (s *server) validToken(hash, token string) bool {
	sum := sha256.Sum256([]byte(hash + "\x00" + token))
	digest := hex.EncodeToString(sum[:])

	if _, ok := s.tokens.Load(digest); ok {
		return true
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) != nil {
		return false
	}

	s.tokens.Store(digest, struct{}{})

	return true
}
