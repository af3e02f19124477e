package imap

import (
	"fmt"
	"strings"

	"github.com/adrsu/gmail-clone/internal/parser"
	"github.com/adrsu/gmail-clone/internal/store"
)

// internalDateLayout is the INTERNALDATE format of RFC 3501
const internalDateLayout = "02-Jan-2006 15:04:05 -0700"

func (s *Session) handleFetch(tag, args string) error {
	parts := strings.SplitN(strings.TrimSpace(args), " ", 2)
	if len(parts) < 2 {
		return s.sendTagged(tag, "BAD FETCH expects a sequence set and items")
	}

	seqs, err := parseSequenceSet(parts[0], len(s.sel.ids))
	if err != nil {
		return s.sendTagged(tag, "BAD Invalid sequence set")
	}

	items, err := parseFetchItems(parts[1])
	if err != nil {
		return s.sendTagged(tag, "BAD Invalid FETCH items: %v", err)
	}

	for _, seq := range seqs {
		id, ok := s.sel.messageID(seq)
		if !ok {
			continue
		}

		msg, err := s.store.Message(s.sel.mailbox, id)
		if err != nil {
			if err == store.ErrNotFound {
				// Deleted underneath the snapshot; skip until the
				// client expunges
				continue
			}
			return s.sendTagged(tag, "NO FETCH failed")
		}

		response, markSeen, err := s.buildFetchResponse(seq, msg, items)
		if err != nil {
			return s.sendTagged(tag, "NO FETCH failed")
		}
		if err := s.sendRaw(response); err != nil {
			return err
		}

		if markSeen && !s.sel.readOnly && !hasFlag(msg.Info.Flags, `\Seen`) {
			newFlags, err := s.store.SetFlags(s.sel.mailbox, id, store.FlagsAdd, []string{`\Seen`})
			if err == nil {
				if err := s.sendUntagged("%d FETCH (FLAGS (%s))", seq, strings.Join(newFlags, " ")); err != nil {
					return err
				}
			}
		}
	}

	return s.sendTagged(tag, "OK FETCH completed")
}

type fetchItem struct {
	name    string // canonical item name, e.g. "BODY[TEXT]"
	section string // section inside BODY[...], upper-cased
	peek    bool
}

// parseFetchItems parses the FETCH item list: a single item, a
// parenthesized list, or a macro (ALL, FAST, FULL)
func parseFetchItems(spec string) ([]fetchItem, error) {
	spec = strings.TrimSpace(spec)
	spec = strings.TrimPrefix(spec, "(")
	spec = strings.TrimSuffix(spec, ")")

	switch strings.ToUpper(spec) {
	case "ALL":
		spec = "FLAGS INTERNALDATE RFC822.SIZE ENVELOPE"
	case "FAST":
		spec = "FLAGS INTERNALDATE RFC822.SIZE"
	case "FULL":
		spec = "FLAGS INTERNALDATE RFC822.SIZE ENVELOPE BODY"
	}

	var items []fetchItem
	for _, tok := range tokenizeFetchItems(spec) {
		upper := strings.ToUpper(tok)
		switch {
		case upper == "FLAGS" || upper == "UID" || upper == "INTERNALDATE" ||
			upper == "RFC822.SIZE" || upper == "ENVELOPE" || upper == "BODYSTRUCTURE" || upper == "BODY":
			items = append(items, fetchItem{name: upper})
		case upper == "RFC822":
			items = append(items, fetchItem{name: "RFC822", section: ""})
		case upper == "RFC822.HEADER":
			items = append(items, fetchItem{name: "RFC822.HEADER", section: "HEADER", peek: true})
		case upper == "RFC822.TEXT":
			items = append(items, fetchItem{name: "RFC822.TEXT", section: "TEXT"})
		case strings.HasPrefix(upper, "BODY.PEEK["):
			section, err := bodySection(upper, "BODY.PEEK[")
			if err != nil {
				return nil, err
			}
			items = append(items, fetchItem{name: "BODY[" + section + "]", section: section, peek: true})
		case strings.HasPrefix(upper, "BODY["):
			section, err := bodySection(upper, "BODY[")
			if err != nil {
				return nil, err
			}
			items = append(items, fetchItem{name: "BODY[" + section + "]", section: section})
		default:
			return nil, fmt.Errorf("unknown item %q", tok)
		}
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("no items")
	}
	return items, nil
}

// tokenizeFetchItems splits on spaces but keeps bracketed sections
// together
func tokenizeFetchItems(spec string) []string {
	var toks []string
	var sb strings.Builder
	depth := 0
	for _, r := range spec {
		switch {
		case r == '[':
			depth++
			sb.WriteRune(r)
		case r == ']':
			depth--
			sb.WriteRune(r)
		case r == ' ' && depth == 0:
			if sb.Len() > 0 {
				toks = append(toks, sb.String())
				sb.Reset()
			}
		default:
			sb.WriteRune(r)
		}
	}
	if sb.Len() > 0 {
		toks = append(toks, sb.String())
	}
	return toks
}

func bodySection(item, prefix string) (string, error) {
	if !strings.HasSuffix(item, "]") {
		return "", fmt.Errorf("unterminated body section in %q", item)
	}
	section := item[len(prefix) : len(item)-1]
	switch section {
	case "", "HEADER", "TEXT":
		return section, nil
	}
	return "", fmt.Errorf("unsupported body section %q", section)
}

// buildFetchResponse renders one untagged FETCH line. Literals are
// embedded directly since the whole response is written at once.
// markSeen reports whether a non-peek body item was fetched.
func (s *Session) buildFetchResponse(seq int, msg *store.StoredMessage, items []fetchItem) (string, bool, error) {
	var parts []string
	markSeen := false

	for _, item := range items {
		switch item.name {
		case "FLAGS":
			parts = append(parts, fmt.Sprintf("FLAGS (%s)", strings.Join(msg.Info.Flags, " ")))
		case "UID":
			parts = append(parts, fmt.Sprintf("UID %d", msg.Info.ID))
		case "RFC822.SIZE":
			parts = append(parts, fmt.Sprintf("RFC822.SIZE %d", msg.Info.Size))
		case "INTERNALDATE":
			parts = append(parts, fmt.Sprintf(`INTERNALDATE "%s"`, msg.Info.InternalDate.Format(internalDateLayout)))
		case "ENVELOPE":
			parts = append(parts, "ENVELOPE "+buildEnvelope(msg.Message))
		case "BODY", "BODYSTRUCTURE":
			parts = append(parts, item.name+" "+buildBodyStructure(msg.Message))
		default:
			payload := bodySectionPayload(msg.Message, item.section)
			parts = append(parts, fmt.Sprintf("%s {%d}\r\n%s", item.name, len(payload), payload))
			if !item.peek {
				markSeen = true
			}
		}
	}

	return fmt.Sprintf("* %d FETCH (%s)", seq, strings.Join(parts, " ")), markSeen, nil
}

// bodySectionPayload extracts the requested section from the raw
// message. The header/body split is the first empty line.
func bodySectionPayload(msg *parser.ParsedMessage, section string) string {
	switch section {
	case "HEADER":
		header, _ := splitRawMessage(msg.Raw)
		return header
	case "TEXT":
		_, body := splitRawMessage(msg.Raw)
		return body
	default:
		return msg.Raw
	}
}

// splitRawMessage splits at the blank line separating header and body.
// The header retains its trailing empty line per RFC 3501.
func splitRawMessage(raw string) (header, body string) {
	for _, sep := range []string{"\r\n\r\n", "\n\n"} {
		if idx := strings.Index(raw, sep); idx != -1 {
			return raw[:idx+len(sep)], raw[idx+len(sep):]
		}
	}
	return raw, ""
}

// buildEnvelope builds the RFC 3501 ENVELOPE structure:
// (date subject from sender reply-to to cc bcc in-reply-to message-id)
func buildEnvelope(msg *parser.ParsedMessage) string {
	date := ""
	if !msg.Date.IsZero() {
		date = msg.Date.Format("Mon, 02 Jan 2006 15:04:05 -0700")
	}

	from := addressList(msg.From...)

	return fmt.Sprintf("(%s %s %s %s %s %s %s %s %s %s)",
		quoteOrNIL(date),
		quoteOrNIL(msg.Subject),
		from,
		from, // sender defaults to from
		from, // reply-to defaults to from
		addressList(msg.To...),
		addressList(msg.Cc...),
		addressList(msg.Bcc...),
		quoteOrNIL(msg.InReplyTo),
		quoteOrNIL(msg.MessageID),
	)
}

// addressList renders addresses as ((name route mailbox host) ...) or NIL
func addressList(addrs ...parser.Address) string {
	var valid []string
	for _, a := range addrs {
		if a.Email == "" {
			continue
		}
		local, err := parser.LocalPart(a.Email)
		if err != nil {
			local = a.Email
		}
		domain, err := parser.Domain(a.Email)
		if err != nil {
			domain = ""
		}
		valid = append(valid, fmt.Sprintf("(%s NIL %s %s)",
			quoteOrNIL(a.Name), quoteOrNIL(local), quoteOrNIL(domain)))
	}
	if len(valid) == 0 {
		return "NIL"
	}
	return "(" + strings.Join(valid, " ") + ")"
}

// buildBodyStructure renders a minimal non-extensible BODYSTRUCTURE.
// Multipart messages are reported as a text part plus attachment parts.
func buildBodyStructure(msg *parser.ParsedMessage) string {
	textPart := fmt.Sprintf(`("TEXT" "PLAIN" ("CHARSET" "utf-8") NIL NIL "7BIT" %d %d)`,
		len(msg.TextBody), countLines(msg.TextBody))

	if len(msg.Attachments) == 0 {
		return textPart
	}

	parts := []string{textPart}
	for _, att := range msg.Attachments {
		mediaType, subType := splitContentType(att.ContentType)
		parts = append(parts, fmt.Sprintf(`(%s %s ("NAME" %s) %s NIL "BASE64" %d)`,
			quoteOrNIL(mediaType), quoteOrNIL(subType),
			quoteOrNIL(att.Filename), quoteOrNIL(att.ContentID), att.Size))
	}
	return "(" + strings.Join(parts, " ") + ` "MIXED")`
}

func splitContentType(ct string) (string, string) {
	if idx := strings.IndexByte(ct, '/'); idx != -1 {
		return strings.ToUpper(ct[:idx]), strings.ToUpper(ct[idx+1:])
	}
	return "APPLICATION", "OCTET-STREAM"
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}

// quoteOrNIL quotes a string for an IMAP response or returns NIL if
// empty
func quoteOrNIL(str string) string {
	if str == "" {
		return "NIL"
	}
	str = strings.ReplaceAll(str, "\\", "\\\\")
	str = strings.ReplaceAll(str, "\"", "\\\"")
	return fmt.Sprintf("\"%s\"", str)
}
