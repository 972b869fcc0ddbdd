package message

import (
	"errors"
	"fmt"
	"strings"

	"github.com/authverdict/authverdict/smtp"
)

var errBadMessageID = errors.New("not a message-id")

// MessageIDCanonical returns the Message-ID header value s in the form verdicts
// are stored with: lower-cased, without angle brackets, and with a localpart
// that is only quoted when needed.
//
// Message-IDs in the wild often are not of the form localpart "@" domain. Those
// are returned lower-cased, with raw set. An error is only returned if s does
// not have the angle brackets.
func MessageIDCanonical(s string) (id string, raw bool, err error) {
	// ../rfc/5322:1383
	s, ok := strings.CutPrefix(strings.TrimSpace(s), "<")
	if !ok {
		return "", false, fmt.Errorf("%w: missing <", errBadMessageID)
	}
	s, rem, ok := strings.Cut(s, ">")
	// A comment after the message-id is seen in practice, e.g. "(added by postmaster@...)".
	if !ok || rem != "" && !strings.HasPrefix(rem, " ") {
		return "", false, fmt.Errorf("%w: missing >", errBadMessageID)
	}
	if s == "" {
		return "", false, fmt.Errorf("%w: empty message-id", errBadMessageID)
	}
	s = strings.ToLower(s)

	addr, err := smtp.ParseAddress(s)
	if err != nil {
		// E.g. ip literal, underscores, no or multiple @.
		return s, true, nil
	}
	// The domain is kept in the form it was written in, e.g. unicode.
	domain := s[strings.LastIndex(s, "@")+1:]
	return addr.Localpart.String() + "@" + domain, false, nil
}
