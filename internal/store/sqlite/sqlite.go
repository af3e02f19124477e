package sqlite

import (
	"database/sql"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/adrsu/gmail-clone/internal/blobstorage"
	"github.com/adrsu/gmail-clone/internal/parser"
	"github.com/adrsu/gmail-clone/internal/store"
)

// Store is the SQLite-backed mailbox store. Attachment content is
// offloaded to S3 blob storage when enabled, with inline storage as the
// fallback.
type Store struct {
	db    *sql.DB
	blobs *blobstorage.S3BlobStorage
	mu    sync.Mutex
}

// Open opens or creates the database at path. blobs may be nil or
// disabled, in which case attachment content stays in SQLite.
func Open(path string, blobs *blobstorage.S3BlobStorage) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db, blobs: blobs}, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureUser returns the user, creating the account and its standard
// mailboxes on first use
func (s *Store) EnsureUser(username, domain string) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, err := s.findUser(username, domain)
	if err == nil {
		return user, nil
	}
	if err != store.ErrNotFound {
		return nil, err
	}

	result, err := s.db.Exec(`INSERT INTO users (username, domain) VALUES (?, ?)`, username, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	userID, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}

	uidValidity := time.Now().Unix()
	for _, name := range store.StandardMailboxes {
		_, err := s.db.Exec(`
			INSERT OR IGNORE INTO mailboxes (user_id, name, uid_validity, uid_next)
			VALUES (?, ?, ?, 1)
		`, userID, name, uidValidity)
		if err != nil {
			return nil, fmt.Errorf("failed to create mailbox %s: %w", name, err)
		}
	}

	return &store.User{ID: userID, Username: username, Domain: domain}, nil
}

// FindUser looks up an existing user without creating one
func (s *Store) FindUser(username, domain string) (*store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findUser(username, domain)
}

func (s *Store) findUser(username, domain string) (*store.User, error) {
	var user store.User
	err := s.db.QueryRow(`
		SELECT id, username, domain FROM users WHERE username = ? AND domain = ?
	`, username, domain).Scan(&user.ID, &user.Username, &user.Domain)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// Mailboxes lists the user's mailboxes
func (s *Store) Mailboxes(user *store.User) ([]store.Mailbox, error) {
	rows, err := s.db.Query(`
		SELECT id, name, uid_validity, uid_next FROM mailboxes
		WHERE user_id = ? ORDER BY id
	`, user.ID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var mailboxes []store.Mailbox
	for rows.Next() {
		var mb store.Mailbox
		if err := rows.Scan(&mb.ID, &mb.Name, &mb.UIDValidity, &mb.UIDNext); err != nil {
			return nil, err
		}
		mailboxes = append(mailboxes, mb)
	}
	return mailboxes, rows.Err()
}

// MailboxByName resolves a mailbox by name. INBOX is case-insensitive
// per RFC 3501.
func (s *Store) MailboxByName(user *store.User, name string) (*store.Mailbox, error) {
	if strings.EqualFold(name, "INBOX") {
		name = "INBOX"
	}

	var mb store.Mailbox
	err := s.db.QueryRow(`
		SELECT id, name, uid_validity, uid_next FROM mailboxes
		WHERE user_id = ? AND name = ?
	`, user.ID, name).Scan(&mb.ID, &mb.Name, &mb.UIDValidity, &mb.UIDNext)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &mb, nil
}

// Append stores a parsed message into the named mailbox
func (s *Store) Append(user *store.User, mailbox string, msg *parser.ParsedMessage) (int64, error) {
	mb, err := s.MailboxByName(user, mailbox)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.Exec(`
		INSERT INTO messages (user_id, mailbox_id, subject, rfc_message_id, in_reply_to,
			date, internal_date, size_bytes, flags, text_body, html_body, raw_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?, ?)
	`, user.ID, mb.ID, msg.Subject, msg.MessageID, msg.InReplyTo,
		msg.Date, time.Now(), msg.Size, msg.TextBody, msg.HTMLBody, msg.Raw)
	if err != nil {
		return 0, fmt.Errorf("failed to create message: %w", err)
	}
	messageID, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}

	for kind, addrs := range map[string][]parser.Address{
		"from": msg.From, "to": msg.To, "cc": msg.Cc, "bcc": msg.Bcc,
	} {
		for i, addr := range addrs {
			_, err := tx.Exec(`
				INSERT INTO message_addresses (message_id, kind, display_name, address, position)
				VALUES (?, ?, ?, ?, ?)
			`, messageID, kind, addr.Name, addr.Email, i)
			if err != nil {
				return 0, fmt.Errorf("failed to store %s address: %w", kind, err)
			}
		}
	}

	for i, att := range msg.Attachments {
		blobKey := ""
		textContent := string(att.Content)

		// Offload attachment content to blob storage when available
		if s.blobs.IsEnabled() {
			key, err := s.blobs.Store(textContent)
			if err != nil {
				log.Printf("Failed to store attachment blob, keeping local: %v", err)
			} else {
				blobKey = key
				textContent = ""
			}
		}

		_, err := tx.Exec(`
			INSERT INTO message_parts (message_id, part_number, content_type, filename,
				content_id, blob_key, text_content, size_bytes)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, messageID, i+1, att.ContentType, att.Filename, att.ContentID,
			blobKey, textContent, att.Size)
		if err != nil {
			return 0, fmt.Errorf("failed to store message part: %w", err)
		}
	}

	_, err = tx.Exec(`UPDATE mailboxes SET uid_next = ? WHERE id = ?`, messageID+1, mb.ID)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	return messageID, nil
}

// Messages lists messages in ascending identifier order
func (s *Store) Messages(mailbox *store.Mailbox) ([]store.MessageInfo, error) {
	rows, err := s.db.Query(`
		SELECT id, flags, size_bytes, internal_date FROM messages
		WHERE mailbox_id = ? ORDER BY id
	`, mailbox.ID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var infos []store.MessageInfo
	for rows.Next() {
		var info store.MessageInfo
		var flags string
		if err := rows.Scan(&info.ID, &flags, &info.Size, &info.InternalDate); err != nil {
			return nil, err
		}
		info.Flags = splitFlags(flags)
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// Message fetches a single message with its structured content
func (s *Store) Message(mailbox *store.Mailbox, messageID int64) (*store.StoredMessage, error) {
	msg := &parser.ParsedMessage{}
	info := store.MessageInfo{ID: messageID}

	var flags string
	var subject, rfcID, inReplyTo, textBody, htmlBody, raw sql.NullString
	err := s.db.QueryRow(`
		SELECT subject, rfc_message_id, in_reply_to, date, internal_date,
			size_bytes, flags, text_body, html_body, raw_message
		FROM messages WHERE id = ? AND mailbox_id = ?
	`, messageID, mailbox.ID).Scan(
		&subject, &rfcID, &inReplyTo, &msg.Date, &info.InternalDate,
		&info.Size, &flags, &textBody, &htmlBody, &raw)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	msg.Subject = subject.String
	msg.MessageID = rfcID.String
	msg.InReplyTo = inReplyTo.String
	msg.TextBody = textBody.String
	msg.HTMLBody = htmlBody.String
	msg.Raw = raw.String
	msg.Size = info.Size
	info.Flags = splitFlags(flags)

	if err := s.loadAddresses(messageID, msg); err != nil {
		return nil, err
	}
	if err := s.loadAttachments(messageID, msg); err != nil {
		return nil, err
	}

	return &store.StoredMessage{Info: info, Message: msg}, nil
}

func (s *Store) loadAddresses(messageID int64, msg *parser.ParsedMessage) error {
	rows, err := s.db.Query(`
		SELECT kind, display_name, address FROM message_addresses
		WHERE message_id = ? ORDER BY kind, position
	`, messageID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var kind string
		var name sql.NullString
		var addr parser.Address
		if err := rows.Scan(&kind, &name, &addr.Email); err != nil {
			return err
		}
		addr.Name = name.String
		switch kind {
		case "from":
			msg.From = append(msg.From, addr)
		case "to":
			msg.To = append(msg.To, addr)
		case "cc":
			msg.Cc = append(msg.Cc, addr)
		case "bcc":
			msg.Bcc = append(msg.Bcc, addr)
		}
	}
	return rows.Err()
}

func (s *Store) loadAttachments(messageID int64, msg *parser.ParsedMessage) error {
	rows, err := s.db.Query(`
		SELECT content_type, filename, content_id, blob_key, text_content, size_bytes
		FROM message_parts WHERE message_id = ? ORDER BY part_number
	`, messageID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var att parser.Attachment
		var filename, contentID, blobKey, textContent sql.NullString
		if err := rows.Scan(&att.ContentType, &filename, &contentID,
			&blobKey, &textContent, &att.Size); err != nil {
			return err
		}
		att.Filename = filename.String
		att.ContentID = contentID.String

		if blobKey.String != "" && s.blobs.IsEnabled() {
			content, err := s.blobs.Retrieve(blobKey.String)
			if err != nil {
				log.Printf("Failed to retrieve attachment blob %s: %v", blobKey.String, err)
			} else {
				att.Content = []byte(content)
			}
		} else {
			att.Content = []byte(textContent.String)
		}

		msg.Attachments = append(msg.Attachments, att)
	}
	return rows.Err()
}

// SetFlags atomically applies a flag change and returns the new flag set
func (s *Store) SetFlags(mailbox *store.Mailbox, messageID int64, op store.FlagOp, flags []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRow(`
		SELECT flags FROM messages WHERE id = ? AND mailbox_id = ?
	`, messageID, mailbox.ID).Scan(&current)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	result := applyFlagOp(splitFlags(current), op, flags)

	_, err = tx.Exec(`UPDATE messages SET flags = ? WHERE id = ?`, joinFlags(result), messageID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}

// Expunge removes messages flagged \Deleted and returns their identifiers
func (s *Store) Expunge(mailbox *store.Mailbox) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, flags FROM messages
		WHERE mailbox_id = ? ORDER BY id
	`, mailbox.ID)
	if err != nil {
		return nil, err
	}

	var doomed []int64
	for rows.Next() {
		var id int64
		var flags string
		if err := rows.Scan(&id, &flags); err != nil {
			_ = rows.Close()
			return nil, err
		}
		if containsFlag(splitFlags(flags), `\Deleted`) {
			doomed = append(doomed, id)
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if len(doomed) == 0 {
		return nil, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range doomed {
		for _, stmt := range []string{
			`DELETE FROM message_addresses WHERE message_id = ?`,
			`DELETE FROM message_parts WHERE message_id = ?`,
			`DELETE FROM messages WHERE id = ?`,
		} {
			if _, err := tx.Exec(stmt, id); err != nil {
				return nil, fmt.Errorf("failed to expunge message %d: %w", id, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return doomed, nil
}

// applyFlagOp combines stored flags with the requested change
func applyFlagOp(current []string, op store.FlagOp, flags []string) []string {
	switch op {
	case store.FlagsSet:
		return append([]string(nil), flags...)
	case store.FlagsAdd:
		result := append([]string(nil), current...)
		for _, f := range flags {
			if !containsFlag(result, f) {
				result = append(result, f)
			}
		}
		return result
	case store.FlagsRemove:
		var result []string
		for _, f := range current {
			if !containsFlag(flags, f) {
				result = append(result, f)
			}
		}
		return result
	}
	return current
}

func containsFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

func splitFlags(flags string) []string {
	if flags == "" {
		return nil
	}
	return strings.Fields(flags)
}

func joinFlags(flags []string) string {
	return strings.Join(flags, " ")
}
