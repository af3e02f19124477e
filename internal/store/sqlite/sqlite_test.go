package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adrsu/gmail-clone/internal/parser"
	"github.com/adrsu/gmail-clone/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "mail.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = st.Close()
	})
	return st
}

func parseTestMessage(t *testing.T, raw string) *parser.ParsedMessage {
	t.Helper()
	msg, err := parser.Parse([]byte(raw))
	require.NoError(t, err)
	return msg
}

const simpleRaw = "From: Alice <alice@remote.test>\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: Hello\r\n" +
	"Date: Mon, 02 Jun 2025 10:00:00 +0000\r\n" +
	"Message-ID: <m1@remote.test>\r\n" +
	"\r\n" +
	"Hi Bob.\r\n"

func TestEnsureUser_ProvisionsStandardMailboxes(t *testing.T) {
	st := openTestStore(t)

	user, err := st.EnsureUser("bob", "example.com")
	require.NoError(t, err)
	assert.Equal(t, "bob@example.com", user.Address())

	mailboxes, err := st.Mailboxes(user)
	require.NoError(t, err)
	require.Len(t, mailboxes, len(store.StandardMailboxes))

	names := make([]string, len(mailboxes))
	for i, mb := range mailboxes {
		names[i] = mb.Name
		assert.Equal(t, int64(1), mb.UIDNext)
		assert.NotZero(t, mb.UIDValidity)
	}
	assert.Equal(t, store.StandardMailboxes, names)
}

func TestEnsureUser_Idempotent(t *testing.T) {
	st := openTestStore(t)

	first, err := st.EnsureUser("bob", "example.com")
	require.NoError(t, err)
	second, err := st.EnsureUser("bob", "example.com")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)

	mailboxes, err := st.Mailboxes(first)
	require.NoError(t, err)
	assert.Len(t, mailboxes, len(store.StandardMailboxes))
}

func TestFindUser_NotFound(t *testing.T) {
	st := openTestStore(t)

	_, err := st.FindUser("ghost", "example.com")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMailboxByName_InboxCaseInsensitive(t *testing.T) {
	st := openTestStore(t)
	user, err := st.EnsureUser("bob", "example.com")
	require.NoError(t, err)

	for _, name := range []string{"INBOX", "inbox", "Inbox"} {
		mb, err := st.MailboxByName(user, name)
		require.NoError(t, err)
		assert.Equal(t, "INBOX", mb.Name)
	}

	// Other mailbox names are case-sensitive
	_, err = st.MailboxByName(user, "sent")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAppendAndFetchRoundTrip(t *testing.T) {
	st := openTestStore(t)
	user, err := st.EnsureUser("bob", "example.com")
	require.NoError(t, err)

	id, err := st.Append(user, "INBOX", parseTestMessage(t, simpleRaw))
	require.NoError(t, err)

	inbox, err := st.MailboxByName(user, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, id+1, inbox.UIDNext)

	stored, err := st.Message(inbox, id)
	require.NoError(t, err)

	assert.Equal(t, "Hello", stored.Message.Subject)
	assert.Equal(t, "<m1@remote.test>", stored.Message.MessageID)
	require.Len(t, stored.Message.From, 1)
	assert.Equal(t, "Alice", stored.Message.From[0].Name)
	assert.Equal(t, "alice@remote.test", stored.Message.From[0].Email)
	require.Len(t, stored.Message.To, 1)
	assert.Equal(t, "bob@example.com", stored.Message.To[0].Email)
	assert.Equal(t, simpleRaw, stored.Message.Raw)
	assert.Equal(t, int64(len(simpleRaw)), stored.Info.Size)
	assert.Empty(t, stored.Info.Flags)
	assert.False(t, stored.Info.InternalDate.IsZero())
}

func TestAppend_AttachmentStoredInline(t *testing.T) {
	st := openTestStore(t)
	user, err := st.EnsureUser("bob", "example.com")
	require.NoError(t, err)

	raw := "From: alice@remote.test\r\n" +
		"To: bob@example.com\r\n" +
		"Subject: report\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=\"sep\"\r\n" +
		"\r\n" +
		"--sep\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"attached\r\n" +
		"--sep\r\n" +
		"Content-Type: application/pdf\r\n" +
		"Content-Disposition: attachment; filename=\"q2.pdf\"\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		"JVBERi0xLjQ=\r\n" +
		"--sep--\r\n"

	id, err := st.Append(user, "INBOX", parseTestMessage(t, raw))
	require.NoError(t, err)

	inbox, err := st.MailboxByName(user, "INBOX")
	require.NoError(t, err)

	// With blob storage disabled, attachment content stays in SQLite
	stored, err := st.Message(inbox, id)
	require.NoError(t, err)
	require.Len(t, stored.Message.Attachments, 1)
	att := stored.Message.Attachments[0]
	assert.Equal(t, "q2.pdf", att.Filename)
	assert.Equal(t, "application/pdf", att.ContentType)
	assert.Equal(t, []byte("%PDF-1.4"), att.Content)
}

func TestAppend_UnknownMailbox(t *testing.T) {
	st := openTestStore(t)
	user, err := st.EnsureUser("bob", "example.com")
	require.NoError(t, err)

	_, err = st.Append(user, "Archive", parseTestMessage(t, simpleRaw))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMessages_OrderedAndScoped(t *testing.T) {
	st := openTestStore(t)
	bob, err := st.EnsureUser("bob", "example.com")
	require.NoError(t, err)
	carol, err := st.EnsureUser("carol", "example.com")
	require.NoError(t, err)

	first, err := st.Append(bob, "INBOX", parseTestMessage(t, simpleRaw))
	require.NoError(t, err)
	second, err := st.Append(bob, "INBOX", parseTestMessage(t, simpleRaw))
	require.NoError(t, err)
	_, err = st.Append(carol, "INBOX", parseTestMessage(t, simpleRaw))
	require.NoError(t, err)

	inbox, err := st.MailboxByName(bob, "INBOX")
	require.NoError(t, err)
	infos, err := st.Messages(inbox)
	require.NoError(t, err)

	require.Len(t, infos, 2)
	assert.Equal(t, first, infos[0].ID)
	assert.Equal(t, second, infos[1].ID)
	assert.Less(t, infos[0].ID, infos[1].ID)
}

func TestSetFlags(t *testing.T) {
	st := openTestStore(t)
	user, err := st.EnsureUser("bob", "example.com")
	require.NoError(t, err)
	id, err := st.Append(user, "INBOX", parseTestMessage(t, simpleRaw))
	require.NoError(t, err)
	inbox, err := st.MailboxByName(user, "INBOX")
	require.NoError(t, err)

	flags, err := st.SetFlags(inbox, id, store.FlagsAdd, []string{`\Seen`})
	require.NoError(t, err)
	assert.Equal(t, []string{`\Seen`}, flags)

	// Adding again does not duplicate
	flags, err = st.SetFlags(inbox, id, store.FlagsAdd, []string{`\Seen`, `\Flagged`})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{`\Seen`, `\Flagged`}, flags)

	flags, err = st.SetFlags(inbox, id, store.FlagsRemove, []string{`\Seen`})
	require.NoError(t, err)
	assert.Equal(t, []string{`\Flagged`}, flags)

	flags, err = st.SetFlags(inbox, id, store.FlagsSet, []string{`\Deleted`})
	require.NoError(t, err)
	assert.Equal(t, []string{`\Deleted`}, flags)

	// Change survives a reload
	stored, err := st.Message(inbox, id)
	require.NoError(t, err)
	assert.Equal(t, []string{`\Deleted`}, stored.Info.Flags)
}

func TestSetFlags_UnknownMessage(t *testing.T) {
	st := openTestStore(t)
	user, err := st.EnsureUser("bob", "example.com")
	require.NoError(t, err)
	inbox, err := st.MailboxByName(user, "INBOX")
	require.NoError(t, err)

	_, err = st.SetFlags(inbox, 999, store.FlagsAdd, []string{`\Seen`})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExpunge(t *testing.T) {
	st := openTestStore(t)
	user, err := st.EnsureUser("bob", "example.com")
	require.NoError(t, err)
	inbox, err := st.MailboxByName(user, "INBOX")
	require.NoError(t, err)

	first, err := st.Append(user, "INBOX", parseTestMessage(t, simpleRaw))
	require.NoError(t, err)
	second, err := st.Append(user, "INBOX", parseTestMessage(t, simpleRaw))
	require.NoError(t, err)
	third, err := st.Append(user, "INBOX", parseTestMessage(t, simpleRaw))
	require.NoError(t, err)

	_, err = st.SetFlags(inbox, first, store.FlagsAdd, []string{`\Deleted`})
	require.NoError(t, err)
	_, err = st.SetFlags(inbox, third, store.FlagsAdd, []string{`\Deleted`})
	require.NoError(t, err)

	removed, err := st.Expunge(inbox)
	require.NoError(t, err)
	assert.Equal(t, []int64{first, third}, removed)

	infos, err := st.Messages(inbox)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, second, infos[0].ID)

	_, err = st.Message(inbox, first)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Nothing left to expunge
	removed, err = st.Expunge(inbox)
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestUIDNextAdvances(t *testing.T) {
	st := openTestStore(t)
	user, err := st.EnsureUser("bob", "example.com")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		id, err := st.Append(user, "INBOX", parseTestMessage(t, simpleRaw))
		require.NoError(t, err)

		inbox, err := st.MailboxByName(user, "INBOX")
		require.NoError(t, err)
		assert.Equal(t, id+1, inbox.UIDNext)
	}
}
