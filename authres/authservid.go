package authres

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/miekg/dns"
	"golang.org/x/exp/slog"

	"github.com/authverdict/authverdict/mlog"
)

// ErrMissingConfiguration is returned when no allowed authserv-ids are
// configured. Without them, no Authentication-Results header can be trusted.
var ErrMissingConfiguration = errors.New("missing configuration of allowed authserv-ids")

type matchKind int

const (
	matchAny       matchKind = iota // "*"
	matchExact                      // "mx.example.com"
	matchFold                       // "i:mx.example.com"
	matchPrefix                     // "mx*"
	matchSubdomain                  // "*.example.com"
	matchRegexp                     // "/^mx[0-9]+\.example\.com$/", optionally with "i" flag
)

type matcher struct {
	kind matchKind
	s    string
	re   *regexp.Regexp
}

func (m matcher) match(id string) bool {
	switch m.kind {
	case matchAny:
		return true
	case matchExact:
		return id == m.s
	case matchFold:
		return strings.EqualFold(id, m.s)
	case matchPrefix:
		return strings.HasPrefix(id, m.s)
	case matchSubdomain:
		parent, child := dns.Fqdn(m.s), dns.Fqdn(id)
		return !strings.EqualFold(parent, child) && dns.IsSubDomain(parent, child)
	case matchRegexp:
		return m.re.MatchString(id)
	}
	return false
}

// AllowedAuthServIDs is a parsed list of authserv-ids that are trusted.
type AllowedAuthServIDs struct {
	matchers []matcher
}

// ParseAllowedAuthServIDs parses a comma-separated list of allowed authserv-ids.
//
// Entries can be:
//   - "*", matching any authserv-id.
//   - "*.example.com", matching subdomains of example.com, case-insensitive.
//   - "mx*", matching authserv-ids starting with "mx".
//   - "/regexp/" or "/regexp/i" for a case-insensitive regular expression.
//   - "i:mx.example.com", matching case-insensitive.
//   - any other value, matching exactly.
//
// Entries that cannot be parsed are logged and skipped. If no entries remain,
// ErrMissingConfiguration is returned.
func ParseAllowedAuthServIDs(log mlog.Log, s string) (AllowedAuthServIDs, error) {
	var l AllowedAuthServIDs
	for _, e := range strings.Split(s, ",") {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		m, err := parseMatcher(e)
		if err != nil {
			log.Errorx("parsing allowed authserv-id, skipping", err, slog.String("entry", e))
			continue
		}
		l.matchers = append(l.matchers, m)
	}
	if len(l.matchers) == 0 {
		return AllowedAuthServIDs{}, ErrMissingConfiguration
	}
	return l, nil
}

func parseMatcher(e string) (matcher, error) {
	switch {
	case e == "*":
		return matcher{kind: matchAny}, nil
	case strings.HasPrefix(e, "*."):
		if len(e) == 2 {
			return matcher{}, fmt.Errorf("missing domain after wildcard")
		}
		return matcher{kind: matchSubdomain, s: e[2:]}, nil
	case len(e) > 1 && strings.HasPrefix(e, "/"):
		expr := e[1:]
		var flags string
		if strings.HasSuffix(expr, "/i") {
			expr = strings.TrimSuffix(expr, "/i")
			flags = "(?i)"
		} else if strings.HasSuffix(expr, "/") {
			expr = strings.TrimSuffix(expr, "/")
		} else {
			return matcher{}, fmt.Errorf("missing closing slash for regular expression")
		}
		re, err := regexp.Compile(flags + expr)
		if err != nil {
			return matcher{}, fmt.Errorf("compiling regular expression: %v", err)
		}
		return matcher{kind: matchRegexp, re: re}, nil
	case strings.HasPrefix(e, "i:"):
		if len(e) == 2 {
			return matcher{}, fmt.Errorf("missing value after i:")
		}
		return matcher{kind: matchFold, s: e[2:]}, nil
	case strings.HasSuffix(e, "*"):
		return matcher{kind: matchPrefix, s: strings.TrimSuffix(e, "*")}, nil
	}
	return matcher{kind: matchExact, s: e}, nil
}

// Valid returns whether the authserv-id matches one of the allowed entries.
func (a AllowedAuthServIDs) Valid(id string) bool {
	if id == "" {
		return false
	}
	for _, m := range a.matchers {
		if m.match(id) {
			return true
		}
	}
	return false
}

// CheckAllowedAuthServIDs returns errors for entries of the comma-separated
// list that cannot be parsed, for validating configuration.
func CheckAllowedAuthServIDs(s string) (errs []error) {
	for _, e := range strings.Split(s, ",") {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if _, err := parseMatcher(e); err != nil {
			errs = append(errs, fmt.Errorf("entry %q: %v", e, err))
		}
	}
	return errs
}
