package smtp

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
	"github.com/adrsu/gmail-clone/internal/parser"
	"github.com/adrsu/gmail-clone/internal/store"
)

// sessionState tracks the SMTP dialogue position
type sessionState int

const (
	stateConnected sessionState = iota
	stateGreeted                // after HELO/EHLO
	stateMailFrom               // envelope open
	stateRcptTo                 // at least one recipient accepted
	stateClosed
)

// Envelope is the mail transaction in progress: created on MAIL FROM,
// finalized by DATA, discarded on RSET or after delivery
type Envelope struct {
	Sender     string
	Recipients []string
	users      map[string]*store.User
}

// Session is a per-connection SMTP receive state machine. Exclusively
// owned by its handling goroutine.
type Session struct {
	conn          net.Conn
	reader        *bufio.Reader
	writer        *bufio.Writer
	store         store.Store
	directory     directory.Directory
	cfg           *conf.Config
	ctx           context.Context
	state         sessionState
	helo          string
	authenticated bool
	envelope      *Envelope
}

// NewSession creates an SMTP session for one accepted connection. ctx is
// the supervisor's shutdown signal; the session finishes the current
// command and closes when it is cancelled.
func NewSession(ctx context.Context, conn net.Conn, st store.Store, dir directory.Directory, cfg *conf.Config) *Session {
	return &Session{
		conn:      conn,
		reader:    bufio.NewReader(conn),
		writer:    bufio.NewWriter(conn),
		store:     st,
		directory: dir,
		cfg:       cfg,
		ctx:       ctx,
		state:     stateConnected,
	}
}

// errQuit signals a clean client-initiated shutdown of the session
var errQuit = fmt.Errorf("client quit")

// Handle runs the session until QUIT, error or idle timeout
func (s *Session) Handle() error {
	if err := s.sendResponse(220, "%s ESMTP Service ready", s.cfg.SMTP.Hostname); err != nil {
		return err
	}

	for {
		if s.ctx.Err() != nil {
			_ = s.sendResponse(421, "%s Service shutting down", s.cfg.SMTP.Hostname)
			s.state = stateClosed
			return nil
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.Timeouts.IdleTimeout()))

		line, err := s.reader.ReadString('\n')
		if err != nil {
			s.state = stateClosed
			return fmt.Errorf("read error: %w", err)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		log.Printf("C: %s", line)

		parts := strings.SplitN(line, " ", 2)
		cmd := strings.ToUpper(parts[0])
		args := ""
		if len(parts) > 1 {
			args = parts[1]
		}

		if err := s.handleCommand(cmd, args); err != nil {
			if err == errQuit {
				s.state = stateClosed
				return nil
			}
			log.Printf("Command error from %s: %v", s.conn.RemoteAddr(), err)
			s.state = stateClosed
			return err
		}
	}
}

func (s *Session) handleCommand(cmd, args string) error {
	switch cmd {
	case "HELO":
		return s.handleHelo(args, false)
	case "EHLO":
		return s.handleHelo(args, true)
	case "AUTH":
		return s.handleAuth(args)
	case "MAIL":
		return s.handleMail(args)
	case "RCPT":
		return s.handleRcpt(args)
	case "DATA":
		return s.handleData()
	case "RSET":
		return s.handleRset()
	case "NOOP":
		return s.sendResponse(250, "OK")
	case "VRFY":
		return s.sendResponse(252, "Cannot VRFY user, but will accept message")
	case "EXPN":
		return s.sendResponse(252, "List not expanded")
	case "HELP":
		return s.sendResponse(214, "Commands: EHLO HELO AUTH MAIL RCPT DATA RSET NOOP QUIT")
	case "QUIT":
		_ = s.sendResponse(221, "%s closing connection", s.cfg.SMTP.Hostname)
		return errQuit
	default:
		return s.sendResponse(500, "Command not recognized")
	}
}

func (s *Session) handleHelo(args string, extended bool) error {
	if args == "" {
		return s.sendResponse(501, "HELO requires domain address")
	}

	s.helo = args
	s.envelope = nil
	s.state = stateGreeted

	if !extended {
		return s.sendResponse(250, "%s Hello %s", s.cfg.SMTP.Hostname, args)
	}

	lines := []string{
		fmt.Sprintf("250-%s Hello %s", s.cfg.SMTP.Hostname, args),
		"250-PIPELINING",
		"250-ENHANCEDSTATUSCODES",
		fmt.Sprintf("250-SIZE %d", s.cfg.SMTP.MaxSize),
	}
	if s.authRequired() {
		lines = append(lines, "250-AUTH PLAIN LOGIN")
	}
	lines = append(lines, "250 8BITMIME")

	for _, l := range lines {
		if err := s.sendRawResponse(l); err != nil {
			return err
		}
	}
	return nil
}

// authRequired reports whether MAIL FROM is gated behind authentication
func (s *Session) authRequired() bool {
	return s.cfg.Auth.Mode == conf.AuthModeStrict
}

func (s *Session) handleAuth(args string) error {
	if s.state == stateConnected {
		return s.sendResponse(503, "Please send EHLO first")
	}
	if s.authenticated {
		return s.sendResponse(503, "Already authenticated")
	}
	if s.envelope != nil {
		return s.sendResponse(503, "AUTH not allowed during mail transaction")
	}

	fields := strings.Fields(args)
	if len(fields) == 0 {
		return s.sendResponse(501, "AUTH requires a mechanism")
	}

	var username, password string
	var err error

	switch strings.ToUpper(fields[0]) {
	case "PLAIN":
		initial := ""
		if len(fields) > 1 {
			initial = fields[1]
		} else {
			if err := s.sendResponse(334, ""); err != nil {
				return err
			}
			initial, err = s.readAuthLine()
			if err != nil {
				return err
			}
		}
		username, password, err = decodePlainCredentials(initial)
		if err != nil {
			return s.sendResponse(501, "Invalid AUTH PLAIN response: %v", err)
		}
	case "LOGIN":
		if err := s.sendRawResponse("334 VXNlcm5hbWU6"); err != nil {
			return err
		}
		userB64, err := s.readAuthLine()
		if err != nil {
			return err
		}
		if err := s.sendRawResponse("334 UGFzc3dvcmQ6"); err != nil {
			return err
		}
		passB64, err := s.readAuthLine()
		if err != nil {
			return err
		}
		userBytes, uerr := base64.StdEncoding.DecodeString(userB64)
		passBytes, perr := base64.StdEncoding.DecodeString(passB64)
		if uerr != nil || perr != nil {
			return s.sendResponse(501, "Invalid base64 in AUTH LOGIN response")
		}
		username, password = string(userBytes), string(passBytes)
	default:
		return s.sendResponse(504, "Unsupported authentication mechanism")
	}

	if _, err := s.directory.Authenticate(username, password); err != nil {
		if err == directory.ErrInvalidCredentials {
			return s.sendResponse(535, "5.7.8 Authentication credentials invalid")
		}
		log.Printf("AUTH: directory error: %v", err)
		return s.sendResponse(454, "4.7.0 Temporary authentication failure")
	}

	s.authenticated = true
	return s.sendResponse(235, "2.7.0 Authentication successful")
}

// readAuthLine reads one continuation line during an AUTH exchange
func (s *Session) readAuthLine() (string, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.Timeouts.IdleTimeout()))
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read error: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
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

func (s *Session) handleMail(args string) error {
	if s.state == stateConnected {
		return s.sendResponse(503, "Please send EHLO first")
	}

	if s.authRequired() && !s.authenticated {
		return s.sendResponse(530, "5.7.0 Authentication required")
	}

	// Re-issuing MAIL FROM discards any open envelope (implicit RSET)
	s.envelope = nil
	s.state = stateGreeted

	from, err := parseMailFrom(args)
	if err != nil {
		return s.sendResponse(501, "Invalid MAIL FROM syntax: %v", err)
	}

	s.envelope = &Envelope{
		Sender: from,
		users:  make(map[string]*store.User),
	}
	s.state = stateMailFrom
	return s.sendResponse(250, "2.1.0 Sender OK")
}

func (s *Session) handleRcpt(args string) error {
	if s.state != stateMailFrom && s.state != stateRcptTo {
		return s.sendResponse(503, "Need MAIL command first")
	}

	if len(s.envelope.Recipients) >= s.cfg.SMTP.MaxRecipients {
		return s.sendResponse(452, "4.5.3 Too many recipients")
	}

	to, err := parseRcptTo(args)
	if err != nil {
		return s.sendResponse(501, "Invalid RCPT TO syntax: %v", err)
	}

	// Recipients are resolved here, not at DATA time: a recipient that
	// does not resolve locally is rejected per-recipient and the
	// connection stays open
	user, err := s.directory.ResolveRecipient(to)
	if err != nil {
		if err == directory.ErrNotLocal {
			return s.sendResponse(550, "5.1.1 Recipient <%s> is not local, relaying denied", to)
		}
		log.Printf("RCPT: directory error for %s: %v", to, err)
		return s.sendResponse(451, "4.3.0 Temporary failure resolving recipient")
	}

	s.envelope.Recipients = append(s.envelope.Recipients, to)
	s.envelope.users[to] = user
	s.state = stateRcptTo
	return s.sendResponse(250, "2.1.5 Recipient OK")
}

func (s *Session) handleData() error {
	if s.state != stateMailFrom && s.state != stateRcptTo {
		return s.sendResponse(503, "Need MAIL command first")
	}

	if len(s.envelope.Recipients) == 0 {
		return s.sendResponse(503, "Need RCPT command first")
	}

	if err := s.sendResponse(354, "Start mail input; end with <CRLF>.<CRLF>"); err != nil {
		return err
	}

	// DATA is expected to take longer than a command exchange
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.Timeouts.DataTimeout()))

	data, err := parser.ReadData(s.reader, s.cfg.SMTP.MaxSize)
	if err != nil {
		log.Printf("Error reading message data: %v", err)
		s.discardEnvelope()
		return s.sendResponse(554, "Error reading message: %v", err)
	}

	// A shutdown arriving mid-DATA discards the partial transaction
	// rather than storing it
	if s.ctx.Err() != nil {
		s.discardEnvelope()
		_ = s.sendResponse(421, "%s Service shutting down", s.cfg.SMTP.Hostname)
		return errQuit
	}

	msg, err := parser.Parse(data)
	if err != nil {
		log.Printf("Error parsing message: %v", err)
		s.discardEnvelope()
		if parser.IsMalformed(err) {
			return s.sendResponse(554, "5.6.0 Message rejected: %v", err)
		}
		return s.sendResponse(451, "4.3.0 Temporary processing failure")
	}

	// Exactly one stored copy per resolved recipient
	var failed []string
	for _, recipient := range s.envelope.Recipients {
		user := s.envelope.users[recipient]
		if _, err := s.store.Append(user, "INBOX", msg); err != nil {
			log.Printf("Delivery failed for %s: %v", recipient, err)
			failed = append(failed, recipient)
		} else {
			log.Printf("Message delivered to %s", recipient)
		}
	}

	s.discardEnvelope()

	if len(failed) > 0 {
		return s.sendResponse(451, "4.3.0 Delivery failed for %s", strings.Join(failed, ", "))
	}
	return s.sendResponse(250, "2.0.0 Message accepted for delivery")
}

func (s *Session) handleRset() error {
	s.discardEnvelope()
	return s.sendResponse(250, "Reset state")
}

// discardEnvelope drops the open transaction and returns to Greeted
func (s *Session) discardEnvelope() {
	s.envelope = nil
	if s.state != stateConnected && s.state != stateClosed {
		s.state = stateGreeted
	}
}

// parseMailFrom parses the MAIL FROM:<address> argument
func parseMailFrom(args string) (string, error) {
	return parsePathArg(args, "FROM:")
}

// parseRcptTo parses the RCPT TO:<address> argument
func parseRcptTo(args string) (string, error) {
	return parsePathArg(args, "TO:")
}

func parsePathArg(args, prefix string) (string, error) {
	args = strings.TrimSpace(args)

	if !strings.HasPrefix(strings.ToUpper(args), prefix) {
		return "", fmt.Errorf("expected %s", prefix)
	}

	args = strings.TrimSpace(args[len(prefix):])
	args = strings.TrimPrefix(args, "<")
	args = strings.TrimSuffix(args, ">")
	if idx := strings.Index(args, ">"); idx != -1 {
		// ESMTP parameters (SIZE=..., BODY=...) follow the closing bracket
		args = args[:idx]
	}

	fields := strings.Fields(args)
	if len(fields) > 0 {
		return fields[0], nil
	}
	return args, nil
}

func (s *Session) sendResponse(code int, format string, args ...interface{}) error {
	message := fmt.Sprintf(format, args...)
	if message == "" {
		return s.sendRawResponse(fmt.Sprintf("%d", code))
	}
	return s.sendRawResponse(fmt.Sprintf("%d %s", code, message))
}

func (s *Session) sendRawResponse(response string) error {
	if !strings.HasSuffix(response, "\r\n") {
		response += "\r\n"
	}

	log.Printf("S: %s", strings.TrimSpace(response))

	if _, err := s.writer.WriteString(response); err != nil {
		return err
	}
	return s.writer.Flush()
}
