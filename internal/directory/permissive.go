package directory

import (
	"log"
	"strings"

	"github.com/adrsu/gmail-clone/internal/parser"
	"github.com/adrsu/gmail-clone/internal/store"
)

// Permissive accepts any credentials and auto-provisions accounts in the
// local domain. Development posture only.
type Permissive struct {
	domain string
	users  UserProvisioner
}

// NewPermissive creates a permissive directory for the given local domain
func NewPermissive(domain string, users UserProvisioner) *Permissive {
	return &Permissive{domain: domain, users: users}
}

// Authenticate accepts any password and provisions the account on first
// login
func (p *Permissive) Authenticate(username, password string) (*store.User, error) {
	username, domain := p.splitUsername(username)
	log.Printf("Permissive mode: accepting login for %s@%s", username, domain)
	return p.users.EnsureUser(username, domain)
}

// ResolveRecipient resolves any address in the local domain, creating the
// account on first delivery
func (p *Permissive) ResolveRecipient(address string) (*store.User, error) {
	local, err := parser.LocalPart(address)
	if err != nil {
		return nil, ErrNotLocal
	}
	domain, err := parser.Domain(address)
	if err != nil {
		return nil, ErrNotLocal
	}

	if !strings.EqualFold(domain, p.domain) {
		return nil, ErrNotLocal
	}

	return p.users.EnsureUser(local, p.domain)
}

// splitUsername separates a login name into local part and domain,
// defaulting to the configured domain
func (p *Permissive) splitUsername(username string) (string, string) {
	if idx := strings.Index(username, "@"); idx != -1 {
		return username[:idx], username[idx+1:]
	}
	return username, p.domain
}
