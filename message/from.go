package message

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/mail"
	"strings"

	"golang.org/x/exp/slog"
	"golang.org/x/text/encoding/ianaindex"

	"github.com/authverdict/authverdict/mlog"
	"github.com/authverdict/authverdict/smtp"
)

// For display names with encoded-words in other character sets than utf-8.
var wordDecoder = mime.WordDecoder{
	CharsetReader: func(charset string, r io.Reader) (io.Reader, error) {
		switch strings.ToLower(charset) {
		case "", "us-ascii", "utf-8":
			return r, nil
		}
		enc, _ := ianaindex.MIME.Encoding(charset)
		if enc == nil {
			enc, _ = ianaindex.IANA.Encoding(charset)
		}
		if enc == nil {
			return r, fmt.Errorf("unknown charset %q", charset)
		}
		return enc.NewDecoder().Reader(r), nil
	},
}

// ErrFrom indicates a missing or malformed From header.
var ErrFrom = errors.New("bad from header")

// From extracts the address in the From header, from the header values as
// found in the message. The first From header is authoritative.
//
// An RFC5322 message must have a From header.
// In theory, multiple addresses may be present. In practice zero or multiple
// From headers may be present. From returns an error if there is not exactly
// one address. This address is used for comparing domains asserted by SPF, DKIM
// and DMARC results.
func From(log mlog.Log, values []string) (smtp.Address, error) {
	// ../rfc/7489:1243

	if len(values) == 0 {
		return smtp.Address{}, fmt.Errorf("%w: missing", ErrFrom)
	}
	if len(values) > 1 {
		log.Debug("multiple from headers, using first", slog.Int("count", len(values)))
	}
	v := strings.TrimSpace(values[0])
	if v == "" {
		return smtp.Address{}, fmt.Errorf("%w: empty", ErrFrom)
	}
	parser := mail.AddressParser{WordDecoder: &wordDecoder}
	l, err := parser.ParseList(v)
	if err != nil {
		return smtp.Address{}, fmt.Errorf("%w: %v", ErrFrom, err)
	}
	if len(l) != 1 {
		return smtp.Address{}, fmt.Errorf("%w: from header has %d addresses, need exactly 1 address", ErrFrom, len(l))
	}
	addr, err := smtp.ParseNetMailAddress(l[0].Address)
	if err != nil {
		return smtp.Address{}, fmt.Errorf("%w: %v", ErrFrom, err)
	}
	return addr, nil
}
