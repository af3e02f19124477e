// Package directory provides the user-directory collaborator: credential
// validation and local-recipient resolution. Two implementations exist,
// selected at configuration time: AuthServer (strict) delegates credential
// checks to an external authentication service, Permissive accepts any
// credentials for local development.
package directory

import (
	"errors"

	"github.com/adrsu/gmail-clone/internal/store"
)

// ErrInvalidCredentials is returned for any authentication failure. It is
// deliberately uniform so callers cannot distinguish an unknown username
// from a wrong password.
var ErrInvalidCredentials = errors.New("directory: invalid credentials")

// ErrNotLocal is returned when a recipient address does not resolve to a
// local user
var ErrNotLocal = errors.New("directory: recipient is not local")

// Directory validates credentials and resolves local recipients.
// Implementations must be safe for concurrent use by multiple sessions.
type Directory interface {
	// Authenticate validates credentials and returns the user on success.
	// Failure is always ErrInvalidCredentials regardless of cause, except
	// for transport-level errors reaching the credential service.
	Authenticate(username, password string) (*store.User, error)

	// ResolveRecipient maps an envelope recipient address to a local
	// user, returning ErrNotLocal when the address is not deliverable
	// here
	ResolveRecipient(address string) (*store.User, error)
}

// UserProvisioner is the slice of the store the directory needs for
// account lookup and creation
type UserProvisioner interface {
	EnsureUser(username, domain string) (*store.User, error)
	FindUser(username, domain string) (*store.User, error)
}
