package smtp

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/adrsu/gmail-clone/internal/conf"
	"github.com/adrsu/gmail-clone/internal/directory"
	"github.com/adrsu/gmail-clone/internal/store"
	"github.com/adrsu/gmail-clone/internal/store/sqlite"
)

// mockConn implements net.Conn for testing
type mockConn struct {
	readBuf  *bytes.Buffer
	writeBuf *bytes.Buffer
	closed   bool
}

func newMockConn() *mockConn {
	return &mockConn{
		readBuf:  bytes.NewBuffer(nil),
		writeBuf: bytes.NewBuffer(nil),
	}
}

func (m *mockConn) Read(b []byte) (n int, err error) {
	return m.readBuf.Read(b)
}

func (m *mockConn) Write(b []byte) (n int, err error) {
	return m.writeBuf.Write(b)
}

func (m *mockConn) Close() error {
	m.closed = true
	return nil
}

func (m *mockConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2525}
}

func (m *mockConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 54321}
}

func (m *mockConn) SetDeadline(t time.Time) error {
	return nil
}

func (m *mockConn) SetReadDeadline(t time.Time) error {
	return nil
}

func (m *mockConn) SetWriteDeadline(t time.Time) error {
	return nil
}

func (m *mockConn) writeString(s string) {
	m.readBuf.WriteString(s)
}

func (m *mockConn) getWritten() string {
	return m.writeBuf.String()
}

func setupTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "mail.db"), nil)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})
	return st
}

func setupTestSession(t *testing.T) (*Session, *mockConn, *sqlite.Store) {
	t.Helper()
	conn := newMockConn()
	st := setupTestStore(t)
	cfg := conf.DefaultConfig()
	cfg.Domain = "example.com"
	cfg.SMTP.Hostname = "mail.example.com"
	cfg.Auth.Mode = conf.AuthModePermissive
	dir := directory.NewPermissive("example.com", st)

	session := NewSession(context.Background(), conn, st, dir, cfg)
	return session, conn, st
}

const testMessage = "From: alice@remote.test\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: Hello\r\n" +
	"\r\n" +
	"Hi Bob.\r\n"

func TestSession_Greeting(t *testing.T) {
	session, conn, _ := setupTestSession(t)

	conn.writeString("QUIT\r\n")
	_ = session.Handle()

	written := conn.getWritten()
	if !strings.HasPrefix(written, "220 mail.example.com") {
		t.Errorf("Expected 220 greeting, got %q", written)
	}
	if !strings.Contains(written, "221") {
		t.Error("Expected 221 response to QUIT")
	}
}

func TestSession_HandleEHLO(t *testing.T) {
	session, conn, _ := setupTestSession(t)

	conn.writeString("EHLO client.example.com\r\n")
	conn.writeString("QUIT\r\n")

	_ = session.Handle()

	written := conn.getWritten()
	if !strings.Contains(written, "250-mail.example.com") {
		t.Error("Expected hostname in EHLO response")
	}
	if !strings.Contains(written, "PIPELINING") {
		t.Error("Expected PIPELINING capability")
	}
	if !strings.Contains(written, "SIZE") {
		t.Error("Expected SIZE capability")
	}
	if !strings.Contains(written, "250 8BITMIME") {
		t.Error("Expected 8BITMIME as final capability line")
	}
	if strings.Contains(written, "AUTH PLAIN") {
		t.Error("Did not expect AUTH advertised in permissive mode")
	}
	if session.helo != "client.example.com" {
		t.Errorf("Expected helo 'client.example.com', got %q", session.helo)
	}
}

func TestSession_HandleEHLO_NoArgument(t *testing.T) {
	session, conn, _ := setupTestSession(t)

	conn.writeString("EHLO\r\n")
	conn.writeString("QUIT\r\n")

	_ = session.Handle()

	if !strings.Contains(conn.getWritten(), "501") {
		t.Error("Expected 501 for EHLO without argument")
	}
}

func TestSession_MailBeforeEHLO(t *testing.T) {
	session, conn, _ := setupTestSession(t)

	conn.writeString("MAIL FROM:<alice@remote.test>\r\n")
	conn.writeString("QUIT\r\n")

	_ = session.Handle()

	if !strings.Contains(conn.getWritten(), "503") {
		t.Error("Expected 503 for MAIL before EHLO")
	}
}

func TestSession_RcptBeforeMail(t *testing.T) {
	session, conn, _ := setupTestSession(t)

	conn.writeString("EHLO client.example.com\r\n")
	conn.writeString("RCPT TO:<bob@example.com>\r\n")
	conn.writeString("QUIT\r\n")

	_ = session.Handle()

	if !strings.Contains(conn.getWritten(), "503") {
		t.Error("Expected 503 for RCPT before MAIL")
	}
}

func TestSession_DataWithoutRecipients(t *testing.T) {
	session, conn, _ := setupTestSession(t)

	conn.writeString("EHLO client.example.com\r\n")
	conn.writeString("MAIL FROM:<alice@remote.test>\r\n")
	conn.writeString("DATA\r\n")
	conn.writeString("QUIT\r\n")

	_ = session.Handle()

	if !strings.Contains(conn.getWritten(), "503 Need RCPT command first") {
		t.Error("Expected 503 for DATA without recipients")
	}
}

func TestSession_FullDelivery(t *testing.T) {
	session, conn, st := setupTestSession(t)

	conn.writeString("EHLO client.example.com\r\n")
	conn.writeString("MAIL FROM:<alice@remote.test>\r\n")
	conn.writeString("RCPT TO:<bob@example.com>\r\n")
	conn.writeString("DATA\r\n")
	conn.writeString(testMessage)
	conn.writeString(".\r\n")
	conn.writeString("QUIT\r\n")

	_ = session.Handle()

	written := conn.getWritten()
	if !strings.Contains(written, "354") {
		t.Error("Expected 354 go-ahead after DATA")
	}
	if !strings.Contains(written, "250 2.0.0 Message accepted") {
		t.Errorf("Expected delivery confirmation, got %q", written)
	}

	user, err := st.FindUser("bob", "example.com")
	if err != nil {
		t.Fatalf("Expected recipient to be provisioned: %v", err)
	}
	inbox, err := st.MailboxByName(user, "INBOX")
	if err != nil {
		t.Fatalf("Expected INBOX: %v", err)
	}
	msgs, err := st.Messages(inbox)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 stored message, got %d", len(msgs))
	}

	stored, err := st.Message(inbox, msgs[0].ID)
	if err != nil {
		t.Fatalf("Message: %v", err)
	}
	if stored.Message.Subject != "Hello" {
		t.Errorf("Expected subject 'Hello', got %q", stored.Message.Subject)
	}
}

func TestSession_MultipleRecipients(t *testing.T) {
	session, conn, st := setupTestSession(t)

	conn.writeString("EHLO client.example.com\r\n")
	conn.writeString("MAIL FROM:<alice@remote.test>\r\n")
	conn.writeString("RCPT TO:<bob@example.com>\r\n")
	conn.writeString("RCPT TO:<carol@example.com>\r\n")
	conn.writeString("DATA\r\n")
	conn.writeString(testMessage)
	conn.writeString(".\r\n")
	conn.writeString("QUIT\r\n")

	_ = session.Handle()

	for _, name := range []string{"bob", "carol"} {
		user, err := st.FindUser(name, "example.com")
		if err != nil {
			t.Fatalf("Expected %s provisioned: %v", name, err)
		}
		inbox, err := st.MailboxByName(user, "INBOX")
		if err != nil {
			t.Fatalf("MailboxByName: %v", err)
		}
		msgs, err := st.Messages(inbox)
		if err != nil {
			t.Fatalf("Messages: %v", err)
		}
		if len(msgs) != 1 {
			t.Errorf("Expected exactly 1 copy for %s, got %d", name, len(msgs))
		}
	}
}

func TestSession_RejectNonLocalRecipient(t *testing.T) {
	session, conn, _ := setupTestSession(t)

	conn.writeString("EHLO client.example.com\r\n")
	conn.writeString("MAIL FROM:<alice@remote.test>\r\n")
	conn.writeString("RCPT TO:<someone@elsewhere.test>\r\n")
	conn.writeString("RCPT TO:<bob@example.com>\r\n")
	conn.writeString("QUIT\r\n")

	_ = session.Handle()

	written := conn.getWritten()
	if !strings.Contains(written, "550 5.1.1") {
		t.Error("Expected 550 for non-local recipient")
	}
	// The rejection is per-recipient: the session continues
	if !strings.Contains(written, "250 2.1.5") {
		t.Error("Expected later local recipient to still be accepted")
	}
	if len(session.envelope.Recipients) != 1 {
		t.Errorf("Expected 1 accepted recipient, got %d", len(session.envelope.Recipients))
	}
}

func TestSession_MalformedMessageRejected(t *testing.T) {
	session, conn, st := setupTestSession(t)

	conn.writeString("EHLO client.example.com\r\n")
	conn.writeString("MAIL FROM:<alice@remote.test>\r\n")
	conn.writeString("RCPT TO:<bob@example.com>\r\n")
	conn.writeString("DATA\r\n")
	conn.writeString("To: bob@example.com\r\n")
	conn.writeString("Subject: no sender\r\n")
	conn.writeString("\r\n")
	conn.writeString("Missing the From header entirely.\r\n")
	conn.writeString(".\r\n")
	conn.writeString("QUIT\r\n")

	_ = session.Handle()

	if !strings.Contains(conn.getWritten(), "554") {
		t.Error("Expected 554 for malformed message")
	}

	// Nothing may be stored for a rejected message
	user, err := st.FindUser("bob", "example.com")
	if err != nil {
		// Recipient was provisioned at RCPT time; the mailbox must be empty
		return
	}
	inbox, err := st.MailboxByName(user, "INBOX")
	if err != nil {
		t.Fatalf("MailboxByName: %v", err)
	}
	msgs, err := st.Messages(inbox)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("Expected no stored messages, got %d", len(msgs))
	}
}

func TestSession_UnterminatedBoundaryRejected(t *testing.T) {
	session, conn, st := setupTestSession(t)

	conn.writeString("EHLO client.example.com\r\n")
	conn.writeString("MAIL FROM:<alice@remote.test>\r\n")
	conn.writeString("RCPT TO:<bob@example.com>\r\n")
	conn.writeString("DATA\r\n")
	conn.writeString("From: alice@remote.test\r\n")
	conn.writeString("Content-Type: multipart/mixed; boundary=\"sep\"\r\n")
	conn.writeString("\r\n")
	conn.writeString("--sep\r\n")
	conn.writeString("Content-Type: text/plain\r\n")
	conn.writeString("\r\n")
	conn.writeString("no closing boundary follows\r\n")
	conn.writeString(".\r\n")
	conn.writeString("QUIT\r\n")

	_ = session.Handle()

	if !strings.Contains(conn.getWritten(), "554") {
		t.Error("Expected 554 for unterminated multipart boundary")
	}
	if session.envelope != nil {
		t.Error("Expected envelope discarded after rejection")
	}

	user, err := st.FindUser("bob", "example.com")
	if err != nil {
		t.Fatalf("FindUser: %v", err)
	}
	inbox, err := st.MailboxByName(user, "INBOX")
	if err != nil {
		t.Fatalf("MailboxByName: %v", err)
	}
	msgs, err := st.Messages(inbox)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("Expected nothing stored, got %d messages", len(msgs))
	}
}

func TestSession_Rset(t *testing.T) {
	session, conn, _ := setupTestSession(t)

	conn.writeString("EHLO client.example.com\r\n")
	conn.writeString("MAIL FROM:<alice@remote.test>\r\n")
	conn.writeString("RCPT TO:<bob@example.com>\r\n")
	conn.writeString("RSET\r\n")
	conn.writeString("DATA\r\n")
	conn.writeString("QUIT\r\n")

	_ = session.Handle()

	written := conn.getWritten()
	if !strings.Contains(written, "250 Reset state") {
		t.Error("Expected RSET confirmation")
	}
	// DATA after RSET needs a fresh MAIL FROM
	if !strings.Contains(written, "503 Need MAIL command first") {
		t.Error("Expected 503 for DATA after RSET")
	}
	if session.envelope != nil {
		t.Error("Expected envelope discarded after RSET")
	}
}

func TestSession_ImplicitRsetOnMail(t *testing.T) {
	session, conn, _ := setupTestSession(t)

	conn.writeString("EHLO client.example.com\r\n")
	conn.writeString("MAIL FROM:<alice@remote.test>\r\n")
	conn.writeString("RCPT TO:<bob@example.com>\r\n")
	conn.writeString("MAIL FROM:<dave@remote.test>\r\n")
	conn.writeString("QUIT\r\n")

	_ = session.Handle()

	if session.envelope == nil {
		t.Fatal("Expected open envelope")
	}
	if session.envelope.Sender != "dave@remote.test" {
		t.Errorf("Expected new sender, got %q", session.envelope.Sender)
	}
	if len(session.envelope.Recipients) != 0 {
		t.Error("Expected recipients cleared by re-issued MAIL FROM")
	}
}

func TestSession_StrictModeRequiresAuth(t *testing.T) {
	conn := newMockConn()
	st := setupTestStore(t)
	cfg := conf.DefaultConfig()
	cfg.Domain = "example.com"
	cfg.SMTP.Hostname = "mail.example.com"
	cfg.Auth.Mode = conf.AuthModeStrict
	dir := directory.NewPermissive("example.com", st)
	session := NewSession(context.Background(), conn, st, dir, cfg)

	conn.writeString("EHLO client.example.com\r\n")
	conn.writeString("MAIL FROM:<alice@example.com>\r\n")
	conn.writeString("QUIT\r\n")

	_ = session.Handle()

	written := conn.getWritten()
	if !strings.Contains(written, "250-AUTH PLAIN LOGIN") {
		t.Error("Expected AUTH advertised in strict mode")
	}
	if !strings.Contains(written, "530 5.7.0") {
		t.Error("Expected 530 for MAIL without authentication")
	}
}

func TestSession_AuthPlain(t *testing.T) {
	conn := newMockConn()
	st := setupTestStore(t)
	cfg := conf.DefaultConfig()
	cfg.Domain = "example.com"
	cfg.SMTP.Hostname = "mail.example.com"
	cfg.Auth.Mode = conf.AuthModeStrict
	dir := directory.NewPermissive("example.com", st)
	session := NewSession(context.Background(), conn, st, dir, cfg)

	// base64("\x00alice@example.com\x00secret")
	conn.writeString("EHLO client.example.com\r\n")
	conn.writeString("AUTH PLAIN AGFsaWNlQGV4YW1wbGUuY29tAHNlY3JldA==\r\n")
	conn.writeString("MAIL FROM:<alice@example.com>\r\n")
	conn.writeString("QUIT\r\n")

	_ = session.Handle()

	written := conn.getWritten()
	if !strings.Contains(written, "235 2.7.0") {
		t.Errorf("Expected 235 auth success, got %q", written)
	}
	if !strings.Contains(written, "250 2.1.0 Sender OK") {
		t.Error("Expected MAIL accepted after authentication")
	}
	if !session.authenticated {
		t.Error("Expected session marked authenticated")
	}
}

func TestSession_UnknownCommand(t *testing.T) {
	session, conn, _ := setupTestSession(t)

	conn.writeString("BOGUS something\r\n")
	conn.writeString("QUIT\r\n")

	_ = session.Handle()

	if !strings.Contains(conn.getWritten(), "500") {
		t.Error("Expected 500 for unknown command")
	}
}

func TestParsePathArg(t *testing.T) {
	tests := []struct {
		args    string
		prefix  string
		want    string
		wantErr bool
	}{
		{"FROM:<alice@example.com>", "FROM:", "alice@example.com", false},
		{"FROM:<alice@example.com> SIZE=1000", "FROM:", "alice@example.com", false},
		{"from:<alice@example.com>", "FROM:", "alice@example.com", false},
		{"TO:<bob@example.com>", "TO:", "bob@example.com", false},
		{"FROM:<>", "FROM:", "", false},
		{"<alice@example.com>", "FROM:", "", true},
	}

	for _, tt := range tests {
		got, err := parsePathArg(tt.args, tt.prefix)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parsePathArg(%q): expected error", tt.args)
			}
			continue
		}
		if err != nil {
			t.Errorf("parsePathArg(%q): %v", tt.args, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parsePathArg(%q) = %q, want %q", tt.args, got, tt.want)
		}
	}
}

var _ store.Store = (*sqlite.Store)(nil)
