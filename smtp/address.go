// Package smtp parses email addresses as found in From headers and
// Message-ID's.
package smtp

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/authverdict/authverdict/dns"
)

var (
	ErrBadAddress   = errors.New("invalid email address")
	ErrBadLocalpart = errors.New("invalid localpart")
)

// Localpart is a decoded local part of an email address, before the "@".
// Quoted strings are stored without the double quotes and escaping
// backslashes. An empty string can be a valid localpart.
type Localpart string

// ../rfc/5322:688
func isAtext(c rune) bool {
	if c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c > 0x7f {
		return true
	}
	return strings.ContainsRune("!#$%&'*+-/=?^_`{|}~", c)
}

func isDotAtom(s string) bool {
	for _, atom := range strings.Split(s, ".") {
		if atom == "" || strings.IndexFunc(atom, func(c rune) bool { return !isAtext(c) }) >= 0 {
			return false
		}
	}
	return true
}

// String returns the localpart as dot-atom if possible, and as quoted-string
// otherwise.
func (lp Localpart) String() string {
	if isDotAtom(string(lp)) {
		return string(lp)
	}
	var b strings.Builder
	b.WriteByte('"')
	for _, c := range lp {
		if c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	b.WriteByte('"')
	return b.String()
}

// Address is a parsed email address.
type Address struct {
	Localpart Localpart
	Domain    dns.Domain
}

// IsZero returns whether this is the empty address.
func (a Address) IsZero() bool {
	return a == Address{}
}

// Pack returns the address in string form. If smtputf8 is true, the domain is
// formatted with non-ASCII characters. A localpart with non-ASCII characters is
// returned as is.
func (a Address) Pack(smtputf8 bool) string {
	if a.IsZero() {
		return ""
	}
	return a.Localpart.String() + "@" + a.Domain.XName(smtputf8)
}

// String returns the address with non-ASCII characters.
func (a Address) String() string {
	return a.Pack(true)
}

// ParseAddress parses an email address "localpart@domain", with the localpart
// as dot-atom or quoted-string. UTF-8 is allowed. Returns ErrBadAddress for
// invalid addresses.
func ParseAddress(s string) (Address, error) {
	lp, rem, err := parseLocalpart(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrBadAddress, err)
	}
	rem, ok := strings.CutPrefix(rem, "@")
	if !ok {
		return Address{}, fmt.Errorf("%w: expected @", ErrBadAddress)
	}
	d, err := dns.ParseDomain(rem)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrBadAddress, err)
	}
	return Address{lp, d}, nil
}

// ParseNetMailAddress parses an address as returned by net/mail, which unquotes
// the localpart but keeps its content. The localpart is the text before the last
// "@", and can hold any character.
func ParseNetMailAddress(a string) (Address, error) {
	i := strings.LastIndex(a, "@")
	if i < 0 {
		return Address{}, fmt.Errorf("%w: missing @", ErrBadAddress)
	}
	lp := Localpart(a[:i])
	if lp == "" {
		return Address{}, fmt.Errorf("%w: empty localpart", ErrBadAddress)
	}
	d, err := dns.ParseDomain(a[i+1:])
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrBadAddress, err)
	}
	return Address{lp, d}, nil
}

// ParseLocalpart parses a localpart as dot-atom or quoted-string, without
// further text. Returns ErrBadLocalpart for invalid localparts.
func ParseLocalpart(s string) (Localpart, error) {
	lp, rem, err := parseLocalpart(s)
	if err != nil {
		return "", err
	}
	if rem != "" {
		return "", fmt.Errorf("%w: remaining after localpart: %q", ErrBadLocalpart, rem)
	}
	return lp, nil
}

// parseLocalpart parses a localpart at the start of s, returning the remainder.
func parseLocalpart(s string) (lp Localpart, rem string, err error) {
	var v string
	if strings.HasPrefix(s, `"`) {
		v, rem, err = parseQuoted(s[1:])
	} else {
		n := strings.IndexFunc(s, func(c rune) bool { return c != '.' && !isAtext(c) })
		if n < 0 {
			n = len(s)
		}
		v, rem = s[:n], s[n:]
		if !isDotAtom(v) {
			err = fmt.Errorf("%w: bad dot-atom %q", ErrBadLocalpart, v)
		}
	}
	if err != nil {
		return "", "", err
	}
	// Some services use large generated localparts, e.g. for bounces.
	if len(v) > 128 {
		return "", "", fmt.Errorf("%w: longer than 128 octets", ErrBadLocalpart)
	}
	return Localpart(v), rem, nil
}

// parseQuoted parses the quoted-string after the opening double quote.
func parseQuoted(s string) (v, rem string, err error) {
	var b strings.Builder
	esc := false
	for i, c := range s {
		if c == utf8.RuneError {
			return "", "", fmt.Errorf("%w: invalid utf-8", ErrBadLocalpart)
		}
		switch {
		case esc:
			if c < ' ' || c == 0x7f {
				return "", "", fmt.Errorf("%w: bad escaped character %q", ErrBadLocalpart, c)
			}
			b.WriteRune(c)
			esc = false
		case c == '\\':
			esc = true
		case c == '"':
			return b.String(), s[i+1:], nil
		case c >= ' ' && c != 0x7f:
			b.WriteRune(c)
		default:
			return "", "", fmt.Errorf("%w: invalid character %q", ErrBadLocalpart, c)
		}
	}
	return "", "", fmt.Errorf("%w: missing closing double quote", ErrBadLocalpart)
}
