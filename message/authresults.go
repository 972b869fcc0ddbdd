package message

import (
	"strings"
)

// ../rfc/8601:577

// AuthResults is an Authentication-Results header, see RFC 8601.
type AuthResults struct {
	Hostname string
	Version  string // Optional authserv-id version, e.g. "1".
	Comment  string // If not empty, header comment without "()", added after Hostname.
	Methods  []AuthMethod
}

// AuthMethod is a result for one authentication method.
//
// Example encoding in the header: "spf=pass smtp.mailfrom=example.net".
type AuthMethod struct {
	// E.g. "dkim", "spf", "dmarc", "iprev".
	Method  string
	Result  string // Each method has a set of known values, e.g. "pass", "temperror", etc.
	Comment string // Optional, message header comment.
	Reason  string // Optional.
	Props   []AuthProp
}

// AuthProp describes properties for an authentication method.
// Encoded in the header as "type.property=value", e.g. "smtp.mailfrom=example.net"
// for spf. Properties without a type, as found in the wild, have an empty Type.
type AuthProp struct {
	Type     string
	Property string
	Value    string
	// Whether value is address-like (localpart@domain, or domain). Or another value,
	// which is subject to escaping.
	IsAddrLike bool
	Comment    string // If not empty, header comment without "()", added after Value.
}

// Key returns the "type.property" form of the property.
func (p AuthProp) Key() string {
	if p.Type == "" {
		return p.Property
	}
	return p.Type + "." + p.Property
}

// Header returns an Authentication-Results header, possibly spanning multiple
// lines, always ending in crlf. Each method starts on a new line.
func (h AuthResults) Header() string {
	// Escaping of values: ../rfc/8601:684 ../rfc/2045:661

	optComment := func(s string) string {
		if s != "" {
			return " (" + s + ")"
		}
		return s
	}

	id := value(h.Hostname)
	if h.Version != "" {
		id += " " + h.Version
	}
	w := &foldWriter{}
	first := "Authentication-Results:" + optComment(h.Comment) + " " + id + ";"
	if len(h.Methods) == 0 {
		w.add("", first+" none")
		return w.header()
	}
	w.add("", first)
	for i, m := range h.Methods {
		tokens := []string{m.Method + "=" + m.Result}
		if m.Comment != "" {
			tokens = append(tokens, "("+m.Comment+")")
		}
		if m.Reason != "" {
			tokens = append(tokens, "reason="+value(m.Reason))
		}
		for _, p := range m.Props {
			v := p.Value
			if !p.IsAddrLike {
				v = value(v)
			}
			tokens = append(tokens, p.Key()+"="+v+optComment(p.Comment))
		}
		if i < len(h.Methods)-1 {
			tokens[len(tokens)-1] += ";"
		}
		w.newline()
		w.add(" ", tokens...)
	}
	return w.header()
}

// Lines are folded before they exceed this length.
const maxLineLength = 78

// foldWriter builds a header, folding to a continuation line when a line would
// become too long. Tokens are never split.
type foldWriter struct {
	b       strings.Builder
	lineLen int
	empty   bool // Whether the current line has no tokens yet.
}

// add writes tokens, separated by sep within a line.
func (w *foldWriter) add(sep string, tokens ...string) {
	for _, t := range tokens {
		switch {
		case w.b.Len() == 0 || w.empty:
		case w.lineLen > 1 && w.lineLen+len(sep)+len(t) > maxLineLength:
			w.newline()
		default:
			w.b.WriteString(sep)
			w.lineLen += len(sep)
		}
		w.b.WriteString(t)
		w.lineLen += len(t)
		w.empty = false
	}
}

// newline starts a continuation line.
func (w *foldWriter) newline() {
	w.b.WriteString("\r\n\t")
	w.lineLen = 1
	w.empty = true
}

// header returns the header ending with crlf.
func (w *foldWriter) header() string {
	return w.b.String() + "\r\n"
}

// value returns s as token, or as quoted-string if needed.
func value(s string) string {
	needQuote := s == "" || strings.IndexFunc(s, func(c rune) bool {
		// utf-8 does not have to be quoted. ../rfc/6532:242
		return c <= ' ' || c == 0x7f || strings.ContainsRune(`"\;()`, c)
	}) >= 0
	if !needQuote {
		return s
	}
	var b strings.Builder
	b.WriteByte('"')
	for _, c := range s {
		if c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	b.WriteByte('"')
	return b.String()
}
