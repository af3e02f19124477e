package imap

import (
	"strings"

	"github.com/adrsu/gmail-clone/internal/store"
)

func (s *Session) handleStore(tag, args string) error {
	parts := strings.SplitN(strings.TrimSpace(args), " ", 3)
	if len(parts) < 3 {
		return s.sendTagged(tag, "BAD STORE expects a sequence set, an item and flags")
	}

	seqs, err := parseSequenceSet(parts[0], len(s.sel.ids))
	if err != nil {
		return s.sendTagged(tag, "BAD Invalid sequence set")
	}

	item := strings.ToUpper(parts[1])
	silent := strings.HasSuffix(item, ".SILENT")
	item = strings.TrimSuffix(item, ".SILENT")

	var op store.FlagOp
	switch item {
	case "FLAGS":
		op = store.FlagsSet
	case "+FLAGS":
		op = store.FlagsAdd
	case "-FLAGS":
		op = store.FlagsRemove
	default:
		return s.sendTagged(tag, "BAD Unknown STORE item %q", parts[1])
	}

	flags := parseFlagList(parts[2])
	if len(flags) == 0 && op != store.FlagsSet {
		return s.sendTagged(tag, "BAD STORE expects a flag list")
	}

	if s.sel.readOnly {
		return s.sendTagged(tag, "NO Mailbox is selected read-only")
	}

	for _, seq := range seqs {
		id, ok := s.sel.messageID(seq)
		if !ok {
			continue
		}

		newFlags, err := s.store.SetFlags(s.sel.mailbox, id, op, flags)
		if err != nil {
			if err == store.ErrNotFound {
				continue
			}
			return s.sendTagged(tag, "NO STORE failed")
		}

		if !silent {
			if err := s.sendUntagged("%d FETCH (FLAGS (%s))", seq, strings.Join(newFlags, " ")); err != nil {
				return err
			}
		}
	}

	return s.sendTagged(tag, "OK STORE completed")
}

// parseFlagList parses "(\Seen \Deleted)" or a bare flag list
func parseFlagList(spec string) []string {
	spec = strings.TrimSpace(spec)
	spec = strings.TrimPrefix(spec, "(")
	spec = strings.TrimSuffix(spec, ")")
	return strings.Fields(spec)
}

func (s *Session) handleExpunge(tag string) error {
	if s.sel.readOnly {
		return s.sendTagged(tag, "NO Mailbox is selected read-only")
	}

	removed, err := s.store.Expunge(s.sel.mailbox)
	if err != nil {
		return s.sendTagged(tag, "NO EXPUNGE failed")
	}

	// Report each removal by its sequence number at the moment of
	// removal: earlier expunges shift later sequence numbers down
	ids := make([]int64, len(s.sel.ids))
	copy(ids, s.sel.ids)

	for _, id := range removed {
		for i, existing := range ids {
			if existing == id {
				if err := s.sendUntagged("%d EXPUNGE", i+1); err != nil {
					return err
				}
				ids = append(ids[:i], ids[i+1:]...)
				break
			}
		}
	}

	s.sel.ids = ids
	return s.sendTagged(tag, "OK EXPUNGE completed")
}
