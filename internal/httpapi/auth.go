package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrEmptyToken is returned when an admin credential is built or rotated
// with an empty token.
var ErrEmptyToken = errors.New("admin token must not be empty")

// AdminCredential holds the admin token as a bcrypt hash. The plaintext is
// discarded at construction; Verify compares presented tokens against the
// hash only.
type AdminCredential struct {
	mu   sync.RWMutex
	hash []byte
}

// NewAdminCredential hashes the given token. Empty tokens are rejected so a
// misconfigured deployment cannot silently accept everything.
func NewAdminCredential(token string) (*AdminCredential, error) {
	if token == "" {
		return nil, ErrEmptyToken
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return &AdminCredential{hash: hash}, nil
}

// Verify reports whether the presented token matches. bcrypt comparison is
// constant-time with respect to the stored hash.
func (c *AdminCredential) Verify(token string) bool {
	if token == "" {
		return false
	}
	c.mu.RLock()
	hash := c.hash
	c.mu.RUnlock()
	return bcrypt.CompareHashAndPassword(hash, []byte(token)) == nil
}

// Rotate replaces the stored hash with one for the new token.
func (c *AdminCredential) Rotate(token string) error {
	if token == "" {
		return ErrEmptyToken
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.hash = hash
	c.mu.Unlock()
	return nil
}

// presentedToken extracts the admin token from X-Admin-Token or a bearer
// Authorization header.
func presentedToken(r *http.Request) string {
	if t := r.Header.Get("X-Admin-Token"); t != "" {
		return t
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// AdminAuth gates a route group on the admin credential. A nil credential
// disables the gate; the server logs loudly when that happens.
func AdminAuth(cred *AdminCredential) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cred != nil && !cred.Verify(presentedToken(r)) {
				jsonError(w, CodeUnauthorized, "admin token required", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
