package imap

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/adrsu/gmail-clone/internal/conf"
	"github.com/adrsu/gmail-clone/internal/directory"
	"github.com/adrsu/gmail-clone/internal/store"
)

// sessionState follows the IMAP4rev1 connection states
type sessionState int

const (
	stateNotAuthenticated sessionState = iota
	stateAuthenticated
	stateSelected
	stateLogout
)

const capabilityList = "IMAP4rev1 AUTH=PLAIN"

// Session is a per-connection IMAP state machine. Exclusively owned by
// its handling goroutine; all shared state lives behind the store.
type Session struct {
	conn      net.Conn
	reader    *bufio.Reader
	writer    *bufio.Writer
	store     store.Store
	directory directory.Directory
	cfg       *conf.Config
	ctx       context.Context
	state     sessionState
	user      *store.User
	sel       *selection
}

// NewSession creates an IMAP session for one accepted connection
func NewSession(ctx context.Context, conn net.Conn, st store.Store, dir directory.Directory, cfg *conf.Config) *Session {
	return &Session{
		conn:      conn,
		reader:    bufio.NewReader(conn),
		writer:    bufio.NewWriter(conn),
		store:     st,
		directory: dir,
		cfg:       cfg,
		ctx:       ctx,
		state:     stateNotAuthenticated,
	}
}

// Handle runs the session until LOGOUT, error or idle timeout
func (s *Session) Handle() error {
	if err := s.sendUntagged("OK [CAPABILITY %s] Service ready", capabilityList); err != nil {
		return err
	}

	for {
		if s.ctx.Err() != nil {
			_ = s.sendUntagged("BYE Server shutting down")
			s.state = stateLogout
			return nil
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.Timeouts.IdleTimeout()))

		line, err := s.reader.ReadString('\n')
		if err != nil {
			s.state = stateLogout
			return fmt.Errorf("read error: %w", err)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		log.Printf("C: %s", line)

		tag, cmd, args := splitCommand(line)
		if tag == "" || cmd == "" {
			_ = s.sendUntagged("BAD Invalid command format")
			continue
		}

		if err := s.dispatch(tag, cmd, args); err != nil {
			log.Printf("Command error from %s: %v", s.conn.RemoteAddr(), err)
			s.state = stateLogout
			return err
		}

		if s.state == stateLogout {
			return nil
		}
	}
}

// splitCommand splits a command line into tag, command name and the raw
// argument remainder
func splitCommand(line string) (tag, cmd, args string) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return "", "", ""
	}
	tag = parts[0]
	cmd = strings.ToUpper(parts[1])
	if len(parts) == 3 {
		args = parts[2]
	}
	return tag, cmd, args
}

func (s *Session) dispatch(tag, cmd, args string) error {
	// Commands valid in any state
	switch cmd {
	case "CAPABILITY":
		if err := s.sendUntagged("CAPABILITY %s", capabilityList); err != nil {
			return err
		}
		return s.sendTagged(tag, "OK CAPABILITY completed")
	case "NOOP":
		return s.sendTagged(tag, "OK NOOP completed")
	case "LOGOUT":
		return s.handleLogout(tag)
	}

	if s.state == stateNotAuthenticated {
		switch cmd {
		case "LOGIN":
			return s.handleLogin(tag, args)
		case "AUTHENTICATE":
			return s.handleAuthenticate(tag, args)
		case "LIST", "LSUB", "STATUS", "SELECT", "EXAMINE",
			"CLOSE", "FETCH", "SEARCH", "STORE", "EXPUNGE":
			return s.sendTagged(tag, "BAD Command not allowed in current state")
		default:
			return s.sendTagged(tag, "BAD Unknown command: %s", cmd)
		}
	}

	// Authenticated and Selected states
	switch cmd {
	case "LOGIN", "AUTHENTICATE":
		return s.sendTagged(tag, "BAD Already authenticated")
	case "LIST":
		return s.handleList(tag, args)
	case "LSUB":
		return s.handleLsub(tag, args)
	case "STATUS":
		return s.handleStatus(tag, args)
	case "SELECT":
		return s.handleSelect(tag, args, false)
	case "EXAMINE":
		return s.handleSelect(tag, args, true)
	}

	if s.state != stateSelected {
		switch cmd {
		case "CLOSE", "FETCH", "SEARCH", "STORE", "EXPUNGE":
			return s.sendTagged(tag, "BAD Command not allowed in current state")
		default:
			return s.sendTagged(tag, "BAD Unknown command: %s", cmd)
		}
	}

	switch cmd {
	case "CLOSE":
		return s.handleClose(tag)
	case "FETCH":
		return s.handleFetch(tag, args)
	case "SEARCH":
		return s.handleSearch(tag, args)
	case "STORE":
		return s.handleStore(tag, args)
	case "EXPUNGE":
		return s.handleExpunge(tag)
	default:
		return s.sendTagged(tag, "BAD Unknown command: %s", cmd)
	}
}

func (s *Session) handleLogin(tag, args string) error {
	username, rest, err := parseAString(args)
	if err != nil {
		return s.sendTagged(tag, "BAD LOGIN expects username and password")
	}
	password, _, err := parseAString(rest)
	if err != nil {
		return s.sendTagged(tag, "BAD LOGIN expects username and password")
	}

	user, err := s.directory.Authenticate(username, password)
	if err != nil {
		if err == directory.ErrInvalidCredentials {
			// Uniform failure response regardless of whether the
			// account exists
			return s.sendTagged(tag, "NO [AUTHENTICATIONFAILED] Invalid credentials")
		}
		log.Printf("LOGIN: directory error: %v", err)
		return s.sendTagged(tag, "NO [UNAVAILABLE] Authentication service failure")
	}

	s.user = user
	s.state = stateAuthenticated
	return s.sendTagged(tag, "OK LOGIN completed")
}

// handleAuthenticate runs the SASL PLAIN exchange. The client may send
// the response inline with the command or after a continuation prompt.
func (s *Session) handleAuthenticate(tag, args string) error {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return s.sendTagged(tag, "BAD AUTHENTICATE expects a mechanism")
	}
	if strings.ToUpper(fields[0]) != "PLAIN" {
		return s.sendTagged(tag, "NO Unsupported authentication mechanism")
	}

	var encoded string
	if len(fields) > 1 {
		encoded = fields[1]
	} else {
		if err := s.sendRaw("+ "); err != nil {
			return err
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.Timeouts.IdleTimeout()))
		line, err := s.reader.ReadString('\n')
		if err != nil {
			s.state = stateLogout
			return fmt.Errorf("read error: %w", err)
		}
		encoded = strings.TrimRight(line, "\r\n")
	}

	if encoded == "*" {
		return s.sendTagged(tag, "BAD Authentication cancelled")
	}

	username, password, err := decodePlainCredentials(encoded)
	if err != nil {
		return s.sendTagged(tag, "BAD Invalid SASL response")
	}

	user, err := s.directory.Authenticate(username, password)
	if err != nil {
		if err == directory.ErrInvalidCredentials {
			return s.sendTagged(tag, "NO [AUTHENTICATIONFAILED] Invalid credentials")
		}
		log.Printf("AUTHENTICATE: directory error: %v", err)
		return s.sendTagged(tag, "NO [UNAVAILABLE] Authentication service failure")
	}

	s.user = user
	s.state = stateAuthenticated
	return s.sendTagged(tag, "OK AUTHENTICATE completed")
}

// decodePlainCredentials unpacks the SASL PLAIN "authzid\0authcid\0passwd"
// response
func decodePlainCredentials(b64 string) (string, string, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", "", fmt.Errorf("invalid base64")
	}
	fields := strings.Split(string(raw), "\x00")
	if len(fields) != 3 {
		return "", "", fmt.Errorf("expected three NUL-separated fields")
	}
	return fields[1], fields[2], nil
}

func (s *Session) handleLogout(tag string) error {
	if err := s.sendUntagged("BYE Logging out"); err != nil {
		return err
	}
	s.sel = nil
	s.state = stateLogout
	return s.sendTagged(tag, "OK LOGOUT completed")
}

func (s *Session) handleList(tag, args string) error {
	_, rest, err := parseAString(args)
	if err != nil {
		return s.sendTagged(tag, "BAD LIST expects reference and pattern")
	}
	pattern, _, err := parseAString(rest)
	if err != nil {
		return s.sendTagged(tag, "BAD LIST expects reference and pattern")
	}

	// An empty pattern asks for the hierarchy delimiter
	if pattern == "" {
		if err := s.sendUntagged(`LIST (\Noselect) "/" ""`); err != nil {
			return err
		}
		return s.sendTagged(tag, "OK LIST completed")
	}

	mailboxes, err := s.store.Mailboxes(s.user)
	if err != nil {
		return s.sendTagged(tag, "NO LIST failed")
	}

	for _, mbox := range mailboxes {
		if !matchMailboxPattern(pattern, mbox.Name) {
			continue
		}
		if err := s.sendUntagged(`LIST () "/" "%s"`, mbox.Name); err != nil {
			return err
		}
	}
	return s.sendTagged(tag, "OK LIST completed")
}

func (s *Session) handleLsub(tag, args string) error {
	// All mailboxes are treated as subscribed
	_, rest, err := parseAString(args)
	if err != nil {
		return s.sendTagged(tag, "BAD LSUB expects reference and pattern")
	}
	pattern, _, err := parseAString(rest)
	if err != nil {
		return s.sendTagged(tag, "BAD LSUB expects reference and pattern")
	}

	mailboxes, err := s.store.Mailboxes(s.user)
	if err != nil {
		return s.sendTagged(tag, "NO LSUB failed")
	}

	for _, mbox := range mailboxes {
		if !matchMailboxPattern(pattern, mbox.Name) {
			continue
		}
		if err := s.sendUntagged(`LSUB () "/" "%s"`, mbox.Name); err != nil {
			return err
		}
	}
	return s.sendTagged(tag, "OK LSUB completed")
}

func (s *Session) handleStatus(tag, args string) error {
	name, rest, err := parseAString(args)
	if err != nil {
		return s.sendTagged(tag, "BAD STATUS expects mailbox and item list")
	}

	mbox, err := s.store.MailboxByName(s.user, name)
	if err != nil {
		if err == store.ErrNotFound {
			return s.sendTagged(tag, "NO [NONEXISTENT] No such mailbox")
		}
		return s.sendTagged(tag, "NO STATUS failed")
	}

	infos, err := s.store.Messages(mbox)
	if err != nil {
		return s.sendTagged(tag, "NO STATUS failed")
	}

	unseen := 0
	for _, info := range infos {
		if !hasFlag(info.Flags, `\Seen`) {
			unseen++
		}
	}

	items := strings.Trim(strings.TrimSpace(rest), "()")
	var results []string
	for _, item := range strings.Fields(items) {
		switch strings.ToUpper(item) {
		case "MESSAGES":
			results = append(results, fmt.Sprintf("MESSAGES %d", len(infos)))
		case "UNSEEN":
			results = append(results, fmt.Sprintf("UNSEEN %d", unseen))
		case "UIDNEXT":
			results = append(results, fmt.Sprintf("UIDNEXT %d", mbox.UIDNext))
		case "UIDVALIDITY":
			results = append(results, fmt.Sprintf("UIDVALIDITY %d", mbox.UIDValidity))
		case "RECENT":
			results = append(results, "RECENT 0")
		}
	}

	if err := s.sendUntagged(`STATUS "%s" (%s)`, mbox.Name, strings.Join(results, " ")); err != nil {
		return err
	}
	return s.sendTagged(tag, "OK STATUS completed")
}

// parseAString consumes one quoted string or atom from args and returns
// it with the unconsumed remainder
func parseAString(args string) (string, string, error) {
	args = strings.TrimLeft(args, " ")
	if args == "" {
		return "", "", fmt.Errorf("missing argument")
	}

	if args[0] == '"' {
		var sb strings.Builder
		escaped := false
		for i := 1; i < len(args); i++ {
			c := args[i]
			if escaped {
				sb.WriteByte(c)
				escaped = false
				continue
			}
			switch c {
			case '\\':
				escaped = true
			case '"':
				return sb.String(), args[i+1:], nil
			default:
				sb.WriteByte(c)
			}
		}
		return "", "", fmt.Errorf("unterminated quoted string")
	}

	if idx := strings.IndexByte(args, ' '); idx != -1 {
		return args[:idx], args[idx+1:], nil
	}
	return args, "", nil
}

// matchMailboxPattern matches a LIST pattern with * and % wildcards.
// The hierarchy is flat, so % and * behave the same.
func matchMailboxPattern(pattern, name string) bool {
	return matchWildcard(strings.ToUpper(pattern), strings.ToUpper(name))
}

func matchWildcard(pattern, name string) bool {
	if pattern == "" {
		return name == ""
	}
	switch pattern[0] {
	case '*', '%':
		for i := 0; i <= len(name); i++ {
			if matchWildcard(pattern[1:], name[i:]) {
				return true
			}
		}
		return false
	default:
		if name == "" || name[0] != pattern[0] {
			return false
		}
		return matchWildcard(pattern[1:], name[1:])
	}
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

func (s *Session) sendUntagged(format string, args ...interface{}) error {
	return s.sendRaw("* " + fmt.Sprintf(format, args...))
}

func (s *Session) sendTagged(tag, format string, args ...interface{}) error {
	return s.sendRaw(tag + " " + fmt.Sprintf(format, args...))
}

func (s *Session) sendRaw(response string) error {
	logLine := response
	if len(logLine) > 100 {
		logLine = logLine[:100] + "..."
	}
	log.Printf("S: %s", logLine)

	if _, err := s.writer.WriteString(response + "\r\n"); err != nil {
		return err
	}
	return s.writer.Flush()
}
