package authres

import (
	"strings"

	"golang.org/x/exp/slices"
)

// ../rfc/8601:577

// Header is one tokenized Authentication-Results header value.
type Header struct {
	// Authentication service identifier, typically the hostname of the MTA that
	// added the header. Without version. Empty if the header has no identifier.
	AuthServID string
	Version    string // Optional, e.g. "1".

	// Result clauses, sorted by mechanism precedence: dmarc, dkim, spf, then any
	// other mechanisms in their original order.
	Elements []Element
}

// Attr is a "key=value" token from a result clause, with the comment following
// it, if any.
type Attr struct {
	Key     string // Lower-case, e.g. "header.d".
	Value   string // Unquoted.
	Comment string // Without "()".
}

// Element is a single result clause, e.g.
// "dkim=pass (good signature) header.d=example.com header.s=sel1". The first
// attribute holds the method and its result, the remaining attributes are the
// properties of the result.
type Element struct {
	Attrs []Attr
}

// Mechanism returns the method name of the clause, e.g. "dkim", lower-case and
// without version.
func (e Element) Mechanism() string {
	if len(e.Attrs) == 0 {
		return ""
	}
	return e.Attrs[0].Key
}

// Outcome returns the result code of the clause, e.g. "pass", lower-case.
func (e Element) Outcome() string {
	if len(e.Attrs) == 0 {
		return ""
	}
	return strings.ToLower(e.Attrs[0].Value)
}

// properties returns the attributes after the method as map. For duplicate keys,
// the first value is kept.
func (e Element) properties() map[string]string {
	m := map[string]string{}
	for _, a := range e.Attrs[1:] {
		if _, ok := m[a.Key]; !ok {
			m[a.Key] = a.Value
		}
	}
	return m
}

// Tokenize splits an Authentication-Results header value into its
// authserv-id and result clauses.
//
// Tokenize never fails. Malformed input results in an empty AuthServID and/or
// fewer elements. Comments are kept with the attribute they follow, and
// delimiters in comments and quoted strings are ignored.
func Tokenize(s string) Header {
	var h Header

	segments := splitSegments(s)
	if len(segments) == 0 {
		return h
	}

	// The authserv-id can be preceded by a comment, and followed by a version.
	// ../rfc/8601:590
	fields := strings.Fields(stripComments(segments[0]))
	if len(fields) > 0 {
		h.AuthServID = fields[0]
	}
	if len(fields) > 1 {
		h.Version = fields[1]
	}

	for _, seg := range segments[1:] {
		attrs := tokenizeClause(seg)
		if len(attrs) == 0 {
			// E.g. "none", no results.
			continue
		}
		h.Elements = append(h.Elements, Element{attrs})
	}

	slices.SortStableFunc(h.Elements, func(a, b Element) int {
		return precedence(a.Mechanism()) - precedence(b.Mechanism())
	})
	return h
}

// splitSegments splits s on semicolons that are not in a comment or quoted
// string.
func splitSegments(s string) []string {
	var r []string
	var depth int
	var quoted, esc bool
	start := 0
	for i, c := range s {
		switch {
		case esc:
			esc = false
		case c == '\\' && (quoted || depth > 0):
			esc = true
		case quoted:
			if c == '"' {
				quoted = false
			}
		case c == '"' && depth == 0:
			quoted = true
		case c == '(':
			depth++
		case c == ')' && depth > 0:
			depth--
		case c == ';' && depth == 0:
			r = append(r, s[start:i])
			start = i + 1
		}
	}
	r = append(r, s[start:])

	// A trailing semicolon, as seen in the wild, results in an empty last segment.
	if len(r) > 1 && strings.TrimSpace(r[len(r)-1]) == "" {
		r = r[:len(r)-1]
	}
	return r
}

// stripComments removes comments from s, replacing them with a space.
func stripComments(s string) string {
	var b strings.Builder
	var depth int
	var esc bool
	for _, c := range s {
		switch {
		case esc:
			esc = false
		case c == '\\' && depth > 0:
			esc = true
		case c == '(':
			if depth == 0 {
				b.WriteByte(' ')
			}
			depth++
		case c == ')' && depth > 0:
			depth--
		case depth == 0:
			b.WriteRune(c)
		}
	}
	return b.String()
}

// clause is a tokenizer for a single result clause.
type clause struct {
	s string
	o int
}

func (c *clause) empty() bool {
	return c.o >= len(c.s)
}

func (c *clause) peek() byte {
	return c.s[c.o]
}

func (c *clause) skipSpace() {
	for !c.empty() && (c.peek() == ' ' || c.peek() == '\t' || c.peek() == '\r' || c.peek() == '\n') {
		c.o++
	}
}

// skipCFWS skips whitespace and comments.
func (c *clause) skipCFWS() {
	for {
		c.skipSpace()
		if c.empty() || c.peek() != '(' {
			return
		}
		c.comment()
	}
}

// comment reads a comment, starting at "(", and returns its content. Nested
// comments are included as is. An unterminated comment runs until the end.
func (c *clause) comment() string {
	c.o++ // (
	start := c.o
	depth := 1
	var b strings.Builder
	for ; !c.empty(); c.o++ {
		ch := c.peek()
		switch ch {
		case '\\':
			if c.o+1 < len(c.s) {
				c.o++
				b.WriteByte(c.s[c.o])
			}
			continue
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				c.o++
				return strings.TrimSpace(b.String())
			}
		}
		b.WriteByte(ch)
	}
	return strings.TrimSpace(c.s[start:])
}

// quoted reads a quoted string, starting at the double quote, and returns its
// unescaped content. An unterminated quoted string runs until the end.
func (c *clause) quoted() string {
	c.o++ // "
	var b strings.Builder
	for ; !c.empty(); c.o++ {
		ch := c.peek()
		if ch == '\\' && c.o+1 < len(c.s) {
			c.o++
			b.WriteByte(c.s[c.o])
			continue
		}
		if ch == '"' {
			c.o++
			break
		}
		b.WriteByte(ch)
	}
	return b.String()
}

// token reads a "key=value" token. Reading stops at whitespace or the start of
// a comment. Quoted strings in the value are unquoted.
func (c *clause) token() string {
	var b strings.Builder
	for !c.empty() {
		ch := c.peek()
		if ch == ' ' || ch == '\t' || ch == '\r' || ch == '\n' || ch == '(' {
			break
		}
		if ch == '"' {
			b.WriteString(c.quoted())
			continue
		}
		b.WriteByte(ch)
		c.o++
	}
	return b.String()
}

// spacedToken reads a "key=value" token, allowing whitespace and comments
// around the "=", as in "dkim = pass".
func (c *clause) spacedToken() string {
	t := c.token()
	if !strings.Contains(t, "=") {
		o := c.o
		c.skipCFWS()
		if c.empty() || c.peek() != '=' {
			c.o = o
			return t
		}
		c.o++
		t += "="
	} else if c.s[c.o-1] != '=' {
		return t
	}

	// Value after "=" and whitespace. A following "key=value" is not a value.
	o := c.o
	c.skipCFWS()
	if c.empty() {
		c.o = o
		return t
	}
	vo := c.o
	v := c.token()
	if strings.Contains(v, "=") {
		c.o = vo
		return t
	}
	return t + v
}

func tokenizeClause(s string) []Attr {
	c := &clause{s: s}
	var attrs []Attr
	// Whether the last token was a key=value, so a comment can be attached.
	var attach bool
	for {
		c.skipSpace()
		if c.empty() {
			break
		}
		if c.peek() == '(' {
			cm := c.comment()
			if attach && cm != "" {
				a := &attrs[len(attrs)-1]
				if a.Comment != "" {
					a.Comment += " "
				}
				a.Comment += cm
			}
			continue
		}
		t := c.spacedToken()
		k, v, ok := strings.Cut(t, "=")
		k = strings.ToLower(strings.TrimSpace(k))
		if !ok || k == "" {
			// Tokens without "=" are ignored, as is any comment following them.
			attach = false
			continue
		}
		if len(attrs) == 0 {
			// A "ptype.property" is never a method. Properties before the method are
			// ignored.
			if strings.Contains(k, ".") {
				attach = false
				continue
			}
			// Method can have a version, e.g. "dkim/1". ../rfc/8601:595
			k, _, _ = strings.Cut(k, "/")
		}
		attrs = append(attrs, Attr{Key: k, Value: v})
		attach = true
	}
	return attrs
}
