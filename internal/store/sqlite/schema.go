package sqlite

import "database/sql"

// initSchema creates all tables. The message body split (inline text
// columns plus a parts table with blob offload for attachments) follows
// the shared-blob storage scheme used for attachment deduplication.
func initSchema(db *sql.DB) error {
	schemas := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY,
			username TEXT NOT NULL,
			domain TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(username, domain)
		);`,
		`CREATE TABLE IF NOT EXISTS mailboxes (
			id INTEGER PRIMARY KEY,
			user_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			uid_validity INTEGER NOT NULL,
			uid_next INTEGER NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users(id),
			UNIQUE(user_id, name)
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY,
			user_id INTEGER NOT NULL,
			mailbox_id INTEGER NOT NULL,
			subject TEXT,
			rfc_message_id TEXT,
			in_reply_to TEXT,
			date TIMESTAMP,
			internal_date TIMESTAMP,
			size_bytes INTEGER NOT NULL,
			flags TEXT NOT NULL DEFAULT '',
			text_body TEXT,
			html_body TEXT,
			raw_message TEXT,
			FOREIGN KEY (mailbox_id) REFERENCES mailboxes(id)
		);`,
		`CREATE TABLE IF NOT EXISTS message_addresses (
			id INTEGER PRIMARY KEY,
			message_id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			display_name TEXT,
			address TEXT NOT NULL,
			position INTEGER NOT NULL,
			FOREIGN KEY (message_id) REFERENCES messages(id)
		);`,
		`CREATE TABLE IF NOT EXISTS message_parts (
			id INTEGER PRIMARY KEY,
			message_id INTEGER NOT NULL,
			part_number INTEGER NOT NULL,
			content_type TEXT NOT NULL,
			filename TEXT,
			content_id TEXT,
			blob_key TEXT,
			text_content TEXT,
			size_bytes INTEGER NOT NULL,
			FOREIGN KEY (message_id) REFERENCES messages(id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_mailbox ON messages(mailbox_id);`,
		`CREATE INDEX IF NOT EXISTS idx_addresses_message ON message_addresses(message_id);`,
		`CREATE INDEX IF NOT EXISTS idx_parts_message ON message_parts(message_id);`,
	}

	for _, schema := range schemas {
		if _, err := db.Exec(schema); err != nil {
			return err
		}
	}

	return nil
}
