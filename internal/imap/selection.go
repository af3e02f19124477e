package imap

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/adrsu/gmail-clone/internal/store"
)

// selection is the snapshot of the selected mailbox. Sequence number n
// refers to ids[n-1]; the snapshot only changes on EXPUNGE or reselect,
// so sequence numbers stay stable across concurrent deliveries.
type selection struct {
	mailbox  *store.Mailbox
	readOnly bool
	ids      []int64
}

func (sel *selection) messageID(seq int) (int64, bool) {
	if seq < 1 || seq > len(sel.ids) {
		return 0, false
	}
	return sel.ids[seq-1], true
}

func (s *Session) handleSelect(tag, args string, readOnly bool) error {
	name, _, err := parseAString(args)
	if err != nil {
		return s.sendTagged(tag, "BAD SELECT expects a mailbox name")
	}

	// A failed SELECT leaves no mailbox selected
	s.sel = nil
	if s.state == stateSelected {
		s.state = stateAuthenticated
	}

	mbox, err := s.store.MailboxByName(s.user, name)
	if err != nil {
		if err == store.ErrNotFound {
			return s.sendTagged(tag, "NO [NONEXISTENT] No such mailbox")
		}
		return s.sendTagged(tag, "NO SELECT failed")
	}

	sel, err := s.snapshotMailbox(mbox, readOnly)
	if err != nil {
		return s.sendTagged(tag, "NO SELECT failed")
	}

	if err := s.sendUntagged("%d EXISTS", len(sel.ids)); err != nil {
		return err
	}
	if err := s.sendUntagged("0 RECENT"); err != nil {
		return err
	}
	if err := s.sendUntagged(`FLAGS (\Answered \Flagged \Deleted \Seen \Draft)`); err != nil {
		return err
	}
	if err := s.sendUntagged("OK [UIDVALIDITY %d] UIDs valid", mbox.UIDValidity); err != nil {
		return err
	}
	if err := s.sendUntagged("OK [UIDNEXT %d] Predicted next UID", mbox.UIDNext); err != nil {
		return err
	}

	s.sel = sel
	s.state = stateSelected

	if readOnly {
		if err := s.sendUntagged(`OK [PERMANENTFLAGS ()] No permanent flags permitted`); err != nil {
			return err
		}
		return s.sendTagged(tag, "OK [READ-ONLY] EXAMINE completed")
	}
	if err := s.sendUntagged(`OK [PERMANENTFLAGS (\Answered \Flagged \Deleted \Seen \Draft)] Flags permitted`); err != nil {
		return err
	}
	return s.sendTagged(tag, "OK [READ-WRITE] SELECT completed")
}

// snapshotMailbox builds a fresh sequence-number snapshot
func (s *Session) snapshotMailbox(mbox *store.Mailbox, readOnly bool) (*selection, error) {
	infos, err := s.store.Messages(mbox)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(infos))
	for i, info := range infos {
		ids[i] = info.ID
	}
	return &selection{mailbox: mbox, readOnly: readOnly, ids: ids}, nil
}

func (s *Session) handleClose(tag string) error {
	// CLOSE expunges silently on a read-write selection
	if !s.sel.readOnly {
		if _, err := s.store.Expunge(s.sel.mailbox); err != nil {
			return s.sendTagged(tag, "NO CLOSE failed")
		}
	}
	s.sel = nil
	s.state = stateAuthenticated
	return s.sendTagged(tag, "OK CLOSE completed")
}

// parseSequenceSet expands a sequence set ("1", "2:4", "3:*", "1,5:7")
// against the current snapshot size. Out-of-range numbers are dropped
// silently.
func parseSequenceSet(set string, max int) ([]int, error) {
	var seqs []int
	seen := make(map[int]bool)

	for _, part := range strings.Split(set, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("empty sequence set element")
		}

		lo, hi, err := parseSequenceRange(part, max)
		if err != nil {
			return nil, err
		}
		if lo > hi {
			lo, hi = hi, lo
		}
		for n := lo; n <= hi; n++ {
			if n >= 1 && n <= max && !seen[n] {
				seen[n] = true
				seqs = append(seqs, n)
			}
		}
	}
	return seqs, nil
}

func parseSequenceRange(part string, max int) (int, int, error) {
	if idx := strings.IndexByte(part, ':'); idx != -1 {
		lo, err := parseSequenceNumber(part[:idx], max)
		if err != nil {
			return 0, 0, err
		}
		hi, err := parseSequenceNumber(part[idx+1:], max)
		if err != nil {
			return 0, 0, err
		}
		return lo, hi, nil
	}
	n, err := parseSequenceNumber(part, max)
	return n, n, err
}

func parseSequenceNumber(tok string, max int) (int, error) {
	if tok == "*" {
		return max, nil
	}
	n, err := strconv.Atoi(tok)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid sequence number %q", tok)
	}
	return n, nil
}
