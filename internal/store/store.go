package store

import (
	"errors"
	"time"

	"github.com/adrsu/gmail-clone/internal/parser"
)

// ErrNotFound is returned when a user, mailbox or message does not exist
var ErrNotFound = errors.New("store: not found")

// StandardMailboxes are provisioned for every user and always visible to
// LIST, even when empty
var StandardMailboxes = []string{"INBOX", "Sent", "Drafts", "Trash", "Spam"}

// User identifies a mail account
type User struct {
	ID       int64
	Username string
	Domain   string
}

// Address returns the user's primary email address
func (u *User) Address() string {
	return u.Username + "@" + u.Domain
}

// Mailbox is a named message container belonging to one user
type Mailbox struct {
	ID          int64
	Name        string
	UIDValidity int64
	UIDNext     int64
}

// MessageInfo is the lightweight listing entry for one stored message
type MessageInfo struct {
	ID           int64
	Flags        []string
	Size         int64
	InternalDate time.Time
}

// StoredMessage is a fetched message: metadata plus structured content
type StoredMessage struct {
	Info    MessageInfo
	Message *parser.ParsedMessage
}

// FlagOp selects how SetFlags combines the given flags with stored ones
type FlagOp int

const (
	FlagsSet    FlagOp = iota // replace
	FlagsAdd                  // union
	FlagsRemove               // difference
)

// Store is the mailbox persistence interface consumed by the protocol
// core. Implementations must be safe for concurrent use by multiple
// sessions and guarantee per-message atomicity.
type Store interface {
	// Mailboxes lists all mailboxes visible to the user
	Mailboxes(user *User) ([]Mailbox, error)

	// MailboxByName resolves a mailbox by name. INBOX is matched
	// case-insensitively. Returns ErrNotFound for unknown names.
	MailboxByName(user *User, name string) (*Mailbox, error)

	// Append stores a parsed message into the named mailbox and returns
	// the durable message identifier
	Append(user *User, mailbox string, msg *parser.ParsedMessage) (int64, error)

	// Messages lists messages in a mailbox ordered by ascending identifier
	Messages(mailbox *Mailbox) ([]MessageInfo, error)

	// Message fetches one message by identifier within a mailbox
	Message(mailbox *Mailbox, messageID int64) (*StoredMessage, error)

	// SetFlags atomically applies a flag change to one message and
	// returns the resulting flag set
	SetFlags(mailbox *Mailbox, messageID int64, op FlagOp, flags []string) ([]string, error)

	// Expunge permanently removes messages flagged \Deleted and returns
	// the removed identifiers in ascending order
	Expunge(mailbox *Mailbox) ([]int64, error)
}
