// Package dns parses domain names, including internationalized domain names
// (IDNA), into a canonical form that can be compared.
package dns

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/idna"
)

var (
	errTrailingDot = errors.New("dns name has trailing dot")
	errUnderscore  = errors.New("domain name with underscore")
	errIDNA        = errors.New("idna")
)

// Domain is a parsed domain name. Compare Domains, not the strings they were
// parsed from.
type Domain struct {
	// Lower-case ASCII form, with A-labels ("xn--...") for IDNA names.
	ASCII string

	// Form with U-labels, only set for IDNA names.
	Unicode string
}

// IsZero returns whether d is the empty domain.
func (d Domain) IsZero() bool {
	return d.ASCII == "" && d.Unicode == ""
}

// Name returns the unicode form for IDNA names, and the ASCII form otherwise.
func (d Domain) Name() string {
	return d.XName(true)
}

// XName returns the unicode form only if unicode is allowed, e.g. for SMTPUTF8.
func (d Domain) XName(unicode bool) string {
	if !unicode || d.Unicode == "" {
		return d.ASCII
	}
	return d.Unicode
}

// ASCIIExtra returns the ASCII form when the name would be written in unicode,
// e.g. for a comment after an IDNA name in an Authentication-Results header.
func (d Domain) ASCIIExtra(unicode bool) string {
	if d.XName(unicode) == d.ASCII {
		return ""
	}
	return d.ASCII
}

// String returns the name for logging, with both forms for IDNA names.
func (d Domain) String() string {
	if d.Unicode != "" {
		return d.Unicode + "/" + d.ASCII
	}
	return d.ASCII
}

// ParseDomain parses a domain name in ASCII or unicode. The name is
// canonicalized with IDNA lookup rules: labels are lower-cased, and unicode
// characters can be mapped, e.g. "Ⓡ" to "r".
func ParseDomain(s string) (Domain, error) {
	if s == "" {
		return Domain{}, fmt.Errorf("%w: empty name", errIDNA)
	}
	if strings.HasSuffix(s, ".") {
		return Domain{}, errTrailingDot
	}
	ascii, err := idna.Lookup.ToASCII(s)
	if err != nil {
		return Domain{}, fmt.Errorf("%w: to ascii: %v", errIDNA, err)
	}
	unicode, err := idna.Lookup.ToUnicode(s)
	if err != nil {
		return Domain{}, fmt.Errorf("%w: to unicode: %v", errIDNA, err)
	}
	d := Domain{ASCII: ascii}
	if unicode != ascii {
		d.Unicode = unicode
	}
	return d, nil
}

// ParseDomainLax is like ParseDomain, but also accepts ASCII names with
// underscores. Those are not valid host names, but are found in
// Authentication-Results headers, e.g. for DKIM selectors or internal hosts.
func ParseDomainLax(s string) (Domain, error) {
	d, err := ParseDomain(s)
	if err == nil || s == "" || strings.HasSuffix(s, ".") || !strings.Contains(s, "_") {
		return d, err
	}
	if strings.IndexFunc(s, func(c rune) bool { return c >= 0x80 }) >= 0 {
		return Domain{}, fmt.Errorf("%w: non-ascii name", errUnderscore)
	}
	ascii := strings.ToLower(s)
	for _, label := range strings.Split(ascii, ".") {
		switch {
		case label == "":
			return Domain{}, fmt.Errorf("%w: empty label", errIDNA)
		case strings.HasPrefix(label, "xn--"):
			return Domain{}, fmt.Errorf("%w: idna label", errUnderscore)
		}
	}
	return Domain{ASCII: ascii}, nil
}
