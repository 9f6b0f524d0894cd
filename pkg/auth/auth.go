// Package auth defines the credential-based authentication port and a
// static in-memory provider for tests and small deployments.
package auth

import (
	"context"

	"golang.org/x/crypto/bcrypt"

	"github.com/marmos91/remoting/pkg/rpcerror"
)

// Credential is one name/value pair presented by a connecting client,
// e.g. {"username", "alice"} and {"password", "..."}.
type Credential struct {
	Name  string
	Value string
}

// Identity describes an authenticated principal, attached to the session
// after a successful authenticate exchange.
type Identity struct {
	Name     string
	Domain   string
	AuthType string
	Roles    []string
}

// Provider validates credential sets. Implementations must be safe for
// concurrent use; the server calls Authenticate from per-session workers.
type Provider interface {
	// Authenticate validates credentials and returns the resulting
	// identity, or an auth_failed error.
	Authenticate(ctx context.Context, credentials []Credential) (*Identity, error)
}

// Value returns the value of the named credential, or "".
func Value(credentials []Credential, name string) string {
	for _, c := range credentials {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

// burnHash is a valid bcrypt hash compared against for unknown users so
// their rejection costs the same as a wrong password.
var burnHash = []byte("$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")

// StaticProvider authenticates against a fixed table of bcrypt password
// hashes keyed by username.
type StaticProvider struct {
	// Hashes maps username to a bcrypt hash of the password.
	Hashes map[string]string
	// Roles maps username to granted roles.
	Roles map[string][]string
	// Domain is stamped onto every identity.
	Domain string
}

// NewStaticProvider builds a provider from plaintext passwords, hashing
// them at construction time.
func NewStaticProvider(passwords map[string]string) (*StaticProvider, error) {
	hashes := make(map[string]string, len(passwords))
	for user, pass := range passwords {
		h, err := bcrypt.GenerateFromPassword([]byte(pass), bcrypt.DefaultCost)
		if err != nil {
			return nil, rpcerror.Wrap(rpcerror.KindInternal, err, "hash password")
		}
		hashes[user] = string(h)
	}
	return &StaticProvider{Hashes: hashes, Roles: map[string][]string{}}, nil
}

// Authenticate implements Provider.
func (p *StaticProvider) Authenticate(_ context.Context, credentials []Credential) (*Identity, error) {
	user := Value(credentials, "username")
	pass := Value(credentials, "password")
	if user == "" {
		return nil, rpcerror.New(rpcerror.KindAuthFailed, "missing username credential")
	}

	hash, ok := p.Hashes[user]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(burnHash, []byte(pass))
		return nil, rpcerror.Newf(rpcerror.KindAuthFailed, "unknown user %q", user)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass)); err != nil {
		return nil, rpcerror.Newf(rpcerror.KindAuthFailed, "invalid password for %q", user)
	}

	return &Identity{
		Name:     user,
		Domain:   p.Domain,
		AuthType: "static",
		Roles:    p.Roles[user],
	}, nil
}

// AllowAll is a provider that accepts any credential set, for servers
// with authentication disabled.
type AllowAll struct{}

// Authenticate implements Provider, always granting an anonymous identity.
func (AllowAll) Authenticate(_ context.Context, credentials []Credential) (*Identity, error) {
	name := Value(credentials, "username")
	if name == "" {
		name = "anonymous"
	}
	return &Identity{Name: name, AuthType: "none"}, nil
}
