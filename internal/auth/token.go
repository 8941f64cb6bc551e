// SPDX-License-Identifier: MIT

// Package auth resolves bearer credentials to user identities. Token
// verification itself is an external concern; the static table shipped here
// covers deployments where the auth service provisions API tokens.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Identity is the verified caller of a request.
type Identity struct {
	UserID string
	Roles  []string
}

// Verifier maps a bearer token to an identity.
type Verifier interface {
	// Verify returns the identity for a valid token, or ok=false.
	Verify(token string) (Identity, bool)
}

// ExtractToken retrieves the bearer token from the Authorization header.
func ExtractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	return ""
}

// AuthorizeToken returns true if got matches expected using constant-time
// comparison.
func AuthorizeToken(got, expected string) bool {
	if strings.TrimSpace(expected) == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}

// StaticVerifier validates tokens against a configured table.
type StaticVerifier struct {
	entries []staticEntry
}

type staticEntry struct {
	token    string
	identity Identity
}

// NewStaticVerifier builds a verifier from (token, userID, roles) tuples.
func NewStaticVerifier() *StaticVerifier {
	return &StaticVerifier{}
}

// Add registers a token for an identity.
func (v *StaticVerifier) Add(token, userID string, roles ...string) {
	v.entries = append(v.entries, staticEntry{
		token:    token,
		identity: Identity{UserID: userID, Roles: roles},
	})
}

// Verify implements Verifier.
func (v *StaticVerifier) Verify(token string) (Identity, bool) {
	for _, e := range v.entries {
		if AuthorizeToken(token, e.token) {
			return e.identity, true
		}
	}
	return Identity{}, false
}

var _ Verifier = (*StaticVerifier)(nil)
