package imap

import (
	"fmt"
	"strings"
	"time"

	"github.com/adrsu/gmail-clone/internal/parser"
	"github.com/adrsu/gmail-clone/internal/store"
)

// searchDateLayout is the IMAP date format used by SINCE and BEFORE
const searchDateLayout = "2-Jan-2006"

// searchCriterion is one predicate over a message in the snapshot
type searchCriterion func(msg *store.StoredMessage) bool

func (s *Session) handleSearch(tag, args string) error {
	criteria, err := parseSearchCriteria(args)
	if err != nil {
		return s.sendTagged(tag, "BAD Invalid SEARCH criteria: %v", err)
	}

	var matches []string
	for seq := 1; seq <= len(s.sel.ids); seq++ {
		id, _ := s.sel.messageID(seq)
		msg, err := s.store.Message(s.sel.mailbox, id)
		if err != nil {
			if err == store.ErrNotFound {
				continue
			}
			return s.sendTagged(tag, "NO SEARCH failed")
		}

		matched := true
		for _, crit := range criteria {
			if !crit(msg) {
				matched = false
				break
			}
		}
		if matched {
			matches = append(matches, fmt.Sprintf("%d", seq))
		}
	}

	line := "* SEARCH"
	if len(matches) > 0 {
		line += " " + strings.Join(matches, " ")
	}
	if err := s.sendRaw(line); err != nil {
		return err
	}
	return s.sendTagged(tag, "OK SEARCH completed")
}

// parseSearchCriteria parses a conjunction of search keys. Unsupported
// keys are an error rather than silently matching everything.
func parseSearchCriteria(args string) ([]searchCriterion, error) {
	var criteria []searchCriterion

	rest := strings.TrimSpace(args)
	if rest == "" {
		return nil, fmt.Errorf("empty criteria")
	}

	for rest != "" {
		var key string
		key, rest, _ = nextToken(rest)
		upper := strings.ToUpper(key)

		switch upper {
		case "ALL":
			criteria = append(criteria, func(*store.StoredMessage) bool { return true })
		case "SEEN":
			criteria = append(criteria, flagCriterion(`\Seen`, true))
		case "UNSEEN":
			criteria = append(criteria, flagCriterion(`\Seen`, false))
		case "ANSWERED":
			criteria = append(criteria, flagCriterion(`\Answered`, true))
		case "UNANSWERED":
			criteria = append(criteria, flagCriterion(`\Answered`, false))
		case "FLAGGED":
			criteria = append(criteria, flagCriterion(`\Flagged`, true))
		case "UNFLAGGED":
			criteria = append(criteria, flagCriterion(`\Flagged`, false))
		case "DELETED":
			criteria = append(criteria, flagCriterion(`\Deleted`, true))
		case "UNDELETED":
			criteria = append(criteria, flagCriterion(`\Deleted`, false))
		case "DRAFT":
			criteria = append(criteria, flagCriterion(`\Draft`, true))
		case "UNDRAFT":
			criteria = append(criteria, flagCriterion(`\Draft`, false))
		case "FROM", "TO", "SUBJECT", "BODY", "TEXT":
			var value string
			var err error
			value, rest, err = nextStringToken(rest)
			if err != nil {
				return nil, fmt.Errorf("%s requires an argument", upper)
			}
			criteria = append(criteria, textCriterion(upper, value))
		case "SINCE", "BEFORE", "ON":
			var value string
			var err error
			value, rest, err = nextStringToken(rest)
			if err != nil {
				return nil, fmt.Errorf("%s requires a date", upper)
			}
			date, err := time.Parse(searchDateLayout, value)
			if err != nil {
				return nil, fmt.Errorf("invalid date %q", value)
			}
			criteria = append(criteria, dateCriterion(upper, date))
		default:
			return nil, fmt.Errorf("unsupported key %q", key)
		}
	}

	return criteria, nil
}

func nextToken(rest string) (string, string, bool) {
	rest = strings.TrimLeft(rest, " ")
	if rest == "" {
		return "", "", false
	}
	if idx := strings.IndexByte(rest, ' '); idx != -1 {
		return rest[:idx], rest[idx+1:], true
	}
	return rest, "", true
}

func nextStringToken(rest string) (string, string, error) {
	return parseAString(rest)
}

func flagCriterion(flag string, want bool) searchCriterion {
	return func(msg *store.StoredMessage) bool {
		return hasFlag(msg.Info.Flags, flag) == want
	}
}

// textCriterion matches case-insensitive substrings the way most
// servers implement the text keys
func textCriterion(key, value string) searchCriterion {
	needle := strings.ToLower(value)
	return func(msg *store.StoredMessage) bool {
		var haystack string
		switch key {
		case "FROM":
			haystack = joinAddresses(msg.Message.From)
		case "TO":
			haystack = joinAddresses(msg.Message.To)
		case "SUBJECT":
			haystack = msg.Message.Subject
		case "BODY":
			haystack = msg.Message.TextBody + " " + msg.Message.HTMLBody
		case "TEXT":
			haystack = msg.Message.Raw
		}
		return strings.Contains(strings.ToLower(haystack), needle)
	}
}

// dateCriterion compares against INTERNALDATE at day granularity. The
// calendar day is taken in the timestamp's own zone, not UTC.
func dateCriterion(key string, date time.Time) searchCriterion {
	ref := calendarDay(date)
	return func(msg *store.StoredMessage) bool {
		day := calendarDay(msg.Info.InternalDate)
		switch key {
		case "SINCE":
			return !day.Before(ref)
		case "BEFORE":
			return day.Before(ref)
		default: // ON
			return day.Equal(ref)
		}
	}
}

func calendarDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func joinAddresses(addrs []parser.Address) string {
	var parts []string
	for _, a := range addrs {
		parts = append(parts, a.Email, a.Name)
	}
	return strings.Join(parts, " ")
}
