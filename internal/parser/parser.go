package parser

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"
)

// Address is a parsed mailbox address
type Address struct {
	Name  string
	Email string
}

// Attachment describes a non-inline MIME part
type Attachment struct {
	Filename    string
	ContentType string
	ContentID   string
	Size        int64
	Content     []byte
}

// Header is a single message header in original order
type Header struct {
	Name  string
	Value string
}

// ParsedMessage is the structured form of a raw RFC 5322 message.
// Immutable once produced; the store assigns the durable identifier.
type ParsedMessage struct {
	Subject     string
	From        []Address
	To          []Address
	Cc          []Address
	Bcc         []Address
	Date        time.Time
	MessageID   string
	InReplyTo   string
	TextBody    string
	HTMLBody    string
	Attachments []Attachment
	Headers     []Header
	Raw         string
	Size        int64
}

// MalformedError reports a message that cannot be parsed: missing
// mandatory header, unterminated MIME boundary, undecodable encoding.
type MalformedError struct {
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed message: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed message: %s", e.Reason)
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}

// IsMalformed reports whether err is a message parse failure (permanent)
// as opposed to an internal error (transient)
func IsMalformed(err error) bool {
	var m *MalformedError
	return errors.As(err, &m)
}

func malformed(reason string, err error) error {
	return &MalformedError{Reason: reason, Err: err}
}

// Parse converts raw header+body bytes into a ParsedMessage. It is a pure
// transformation with no network or storage knowledge.
func Parse(raw []byte) (*ParsedMessage, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, malformed("invalid message syntax", err)
	}

	parsed := &ParsedMessage{
		Raw:  string(raw),
		Size: int64(len(raw)),
	}

	parsed.Headers = extractAllHeaders(string(raw))

	parsed.Subject = decodeHeader(msg.Header.Get("Subject"))
	parsed.InReplyTo = msg.Header.Get("In-Reply-To")

	parsed.From = parseAddresses(msg.Header.Get("From"))
	if len(parsed.From) == 0 {
		return nil, malformed("missing From header", nil)
	}
	parsed.To = parseAddresses(msg.Header.Get("To"))
	parsed.Cc = parseAddresses(msg.Header.Get("Cc"))
	parsed.Bcc = parseAddresses(msg.Header.Get("Bcc"))

	// Missing or unparseable Date is tolerated: substitute the current time
	if dateStr := msg.Header.Get("Date"); dateStr != "" {
		parsed.Date, _ = mail.ParseDate(dateStr)
	}
	if parsed.Date.IsZero() {
		parsed.Date = time.Now()
	}

	// Missing Message-ID is tolerated: synthesize one
	parsed.MessageID = msg.Header.Get("Message-Id")
	if parsed.MessageID == "" {
		parsed.MessageID = GenerateMessageID()
	}

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain; charset=us-ascii"
	}

	if err := parsed.consumePart(contentType,
		msg.Header.Get("Content-Transfer-Encoding"),
		msg.Header.Get("Content-Disposition"),
		msg.Header.Get("Content-ID"),
		msg.Body, 0); err != nil {
		return nil, err
	}

	return parsed, nil
}

const maxMultipartDepth = 10

// consumePart classifies and decodes one MIME part, recursing into
// multipart containers
func (p *ParsedMessage) consumePart(contentType, encoding, disposition, contentID string, body io.Reader, depth int) error {
	if depth > maxMultipartDepth {
		return malformed("multipart nesting too deep", nil)
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "text/plain"
		params = map[string]string{"charset": "us-ascii"}
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return malformed("multipart content without boundary", nil)
		}

		mr := multipart.NewReader(body, boundary)
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return malformed("unterminated multipart boundary", err)
			}

			content, err := io.ReadAll(part)
			if err != nil {
				return malformed("unterminated multipart boundary", err)
			}

			partType := part.Header.Get("Content-Type")
			if partType == "" {
				partType = "text/plain; charset=us-ascii"
			}

			if err := p.consumePart(partType,
				part.Header.Get("Content-Transfer-Encoding"),
				part.Header.Get("Content-Disposition"),
				part.Header.Get("Content-ID"),
				bytes.NewReader(content), depth+1); err != nil {
				return err
			}
		}
	}

	content, err := decodeContent(body, encoding)
	if err != nil {
		return err
	}

	if isAttachment(mediaType, disposition) {
		p.Attachments = append(p.Attachments, Attachment{
			Filename:    partFilename(disposition, params),
			ContentType: mediaType,
			ContentID:   strings.Trim(contentID, "<>"),
			Size:        int64(len(content)),
			Content:     content,
		})
		return nil
	}

	switch mediaType {
	case "text/plain":
		if p.TextBody == "" {
			p.TextBody = string(content)
		}
	case "text/html":
		if p.HTMLBody == "" {
			p.HTMLBody = string(content)
		}
	default:
		// Inline part of an unusual text type; keep as plain body fallback
		if p.TextBody == "" {
			p.TextBody = string(content)
		}
	}

	return nil
}

// decodeContent applies the Content-Transfer-Encoding
func decodeContent(body io.Reader, encoding string) ([]byte, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, malformed("failed to read part content", err)
	}

	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		cleaned := strings.Map(func(r rune) rune {
			if r == '\r' || r == '\n' || r == ' ' || r == '\t' {
				return -1
			}
			return r
		}, string(data))
		decoded, err := base64.StdEncoding.DecodeString(cleaned)
		if err != nil {
			return nil, malformed("invalid base64 content", err)
		}
		return decoded, nil
	case "quoted-printable":
		decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, malformed("invalid quoted-printable content", err)
		}
		return decoded, nil
	default:
		// 7bit, 8bit, binary or absent: content is already literal
		return data, nil
	}
}

// isAttachment decides inline body vs attachment per Content-Disposition,
// falling back to the content type for parts without a disposition
func isAttachment(mediaType, disposition string) bool {
	disp := strings.ToLower(strings.TrimSpace(disposition))
	if strings.HasPrefix(disp, "attachment") {
		return true
	}
	if strings.HasPrefix(disp, "inline") {
		// Inline non-text content (embedded images) still counts as an
		// attachment descriptor; inline text is body content.
		return !strings.HasPrefix(mediaType, "text/")
	}
	return !strings.HasPrefix(mediaType, "text/")
}

// partFilename extracts the filename from Content-Disposition parameters,
// falling back to the Content-Type name parameter
func partFilename(disposition string, typeParams map[string]string) string {
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			if name := params["filename"]; name != "" {
				return name
			}
		}
	}
	return typeParams["name"]
}

// parseAddresses parses an address header into structured addresses.
// Unparseable entries degrade to a bare-string fallback rather than
// failing the whole message.
func parseAddresses(headerValue string) []Address {
	if strings.TrimSpace(headerValue) == "" {
		return nil
	}

	list, err := mail.ParseAddressList(headerValue)
	if err != nil {
		var result []Address
		for _, part := range strings.Split(headerValue, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				result = append(result, Address{Email: part})
			}
		}
		return result
	}

	addresses := make([]Address, 0, len(list))
	for _, addr := range list {
		if addr != nil {
			addresses = append(addresses, Address{Name: addr.Name, Email: addr.Address})
		}
	}
	return addresses
}

// decodeHeader decodes RFC 2047 encoded words in a header value
func decodeHeader(value string) string {
	dec := new(mime.WordDecoder)
	decoded, err := dec.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

// GenerateMessageID synthesizes a unique Message-ID
func GenerateMessageID() string {
	return fmt.Sprintf("<%d@mail-delivery>", time.Now().UnixNano())
}

// extractAllHeaders extracts headers from the raw message preserving order
// and unfolding multi-line values
func extractAllHeaders(rawMessage string) []Header {
	var headers []Header
	var currentName string
	var currentValue strings.Builder

	flush := func() {
		if currentName != "" {
			headers = append(headers, Header{Name: currentName, Value: currentValue.String()})
			currentValue.Reset()
			currentName = ""
		}
	}

	for _, line := range strings.Split(rawMessage, "\n") {
		line = strings.TrimRight(line, "\r")

		// Empty line marks end of headers
		if line == "" {
			break
		}

		// Continuation line
		if line[0] == ' ' || line[0] == '\t' {
			if currentName != "" {
				currentValue.WriteString(" ")
				currentValue.WriteString(strings.TrimSpace(line))
			}
			continue
		}

		flush()

		colonIdx := strings.Index(line, ":")
		if colonIdx != -1 {
			currentName = strings.TrimSpace(line[:colonIdx])
			currentValue.WriteString(strings.TrimSpace(line[colonIdx+1:]))
		}
	}
	flush()

	return headers
}

// ReadData reads dot-stuffed message data from a DATA phase until the
// terminating "." line (RFC 5321 section 4.5.2)
func ReadData(r *bufio.Reader, maxSize int64) ([]byte, error) {
	var buf bytes.Buffer
	raw := make([]byte, 0, 256)

	for {
		raw = raw[:0]
		for {
			chunk, err := r.ReadSlice('\n')
			raw = append(raw, chunk...)
			if err == bufio.ErrBufferFull {
				// Enforce the cap mid-line so a stream without
				// terminators cannot grow the buffer unbounded
				if int64(buf.Len()+len(raw)) > maxSize {
					return nil, fmt.Errorf("message size exceeds maximum allowed size (%d bytes)", maxSize)
				}
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("error reading data: %w", err)
			}
			break
		}

		line := string(raw)

		// End of data marker: a line containing only a single period
		if line == ".\r\n" || line == ".\n" {
			break
		}

		// Remove the stuffed dot
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}

		buf.WriteString(line)
		if int64(buf.Len()) > maxSize {
			return nil, fmt.Errorf("message size exceeds maximum allowed size (%d bytes)", maxSize)
		}
	}

	return buf.Bytes(), nil
}

// LocalPart extracts the local part (username) from an email address
func LocalPart(email string) (string, error) {
	parts := strings.Split(email, "@")
	if len(parts) != 2 || parts[0] == "" {
		return "", fmt.Errorf("invalid email format: %s", email)
	}
	return parts[0], nil
}

// Domain extracts the domain from an email address
func Domain(email string) (string, error) {
	parts := strings.Split(email, "@")
	if len(parts) != 2 || parts[1] == "" {
		return "", fmt.Errorf("invalid email format: %s", email)
	}
	return parts[1], nil
}
