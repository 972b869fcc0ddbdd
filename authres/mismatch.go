package authres

import (
	"strings"

	"github.com/authverdict/authverdict/dns"
)

// checkMismatch compares the domain asserted by a mechanism with the From
// domain. On mismatch, the overall status is reset to neutral and true is
// returned.
//
// A mechanism that does not assert a domain is not a mismatch: not asserting a
// domain is different from asserting another domain.
func checkMismatch(r *OverallResult, domain string) bool {
	d := cleanDomain(domain)
	if d == "" || d == r.FromDomain {
		return false
	}
	r.Status = StatusNeutral
	return true
}

// cleanDomain returns the domain of an asserted identity, lower-case and in
// ASCII. A trailing version or comment, and a localpart with "@" are removed,
// e.g. "user@Example.COM 1" becomes "example.com".
func cleanDomain(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndex(s, "@"); i >= 0 {
		s = s[i+1:]
	}
	s = strings.ToLower(strings.TrimSuffix(s, "."))
	if s == "" {
		return ""
	}
	// IDNA names are compared in their ASCII form, as the From domain is.
	if d, err := dns.ParseDomainLax(s); err == nil {
		return d.ASCII
	}
	return s
}
