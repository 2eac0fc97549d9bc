// Package auth decides whether a presented credential may use the queue.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/worldchamps/kioskq/internal/errs"
)

// Role is the privilege level of an authenticated caller.
type Role string

const (
	RoleStandard Role = "standard" // kiosks and agents
	RoleAdmin    Role = "admin"
)

// Principal is an authenticated caller.
type Principal struct {
	Role Role
}

// Authenticator validates credentials. Implementations must be safe for
// concurrent use.
type Authenticator interface {
	Authenticate(credential string) (Principal, error)
}

// StaticKeys accepts exactly two configured keys. An empty key is never
// accepted, even when a configured slot is empty.
type StaticKeys struct {
	standard []byte
	admin    []byte
}

var _ Authenticator = (*StaticKeys)(nil)

// NewStaticKeys returns an Authenticator over the standard and admin keys.
func NewStaticKeys(standard, admin string) *StaticKeys {
	return &StaticKeys{standard: []byte(standard), admin: []byte(admin)}
}

// Authenticate implements Authenticator.
func (k *StaticKeys) Authenticate(credential string) (Principal, error) {
	const op = "auth.Authenticate"
	if credential == "" {
		return Principal{}, errs.E(errs.KindUnauthorized, op, "missing API key")
	}

	c := []byte(credential)
	// evaluate both so timing does not reveal which slot matched
	admin := matches(k.admin, c)
	standard := matches(k.standard, c)

	switch {
	case admin:
		return Principal{Role: RoleAdmin}, nil
	case standard:
		return Principal{Role: RoleStandard}, nil
	default:
		return Principal{}, errs.E(errs.KindUnauthorized, op, "invalid API key")
	}
}

func matches(configured, presented []byte) bool {
	if len(configured) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(configured, presented) == 1
}

// HeaderAPIKey is the preferred credential header.
const HeaderAPIKey = "X-API-Key"

// CredentialFromHeader extracts the credential: X-API-Key, else
// Authorization with an optional "Bearer " prefix.
func CredentialFromHeader(h http.Header) string {
	if key := strings.TrimSpace(h.Get(HeaderAPIKey)); key != "" {
		return key
	}
	authz := strings.TrimSpace(h.Get("Authorization"))
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return authz
}
