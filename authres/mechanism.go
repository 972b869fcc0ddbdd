package authres

import (
	"strings"
)

// Mechanism is an authentication mechanism with known semantics.
type Mechanism string

// Mechanisms, from highest to lowest precedence.
const (
	MechanismDMARC Mechanism = "dmarc"
	MechanismDKIM  Mechanism = "dkim"
	MechanismSPF   Mechanism = "spf"
)

// Mechanisms lists all known mechanisms, by precedence.
var Mechanisms = []Mechanism{MechanismDMARC, MechanismDKIM, MechanismSPF}

// ParseMechanism returns the Mechanism for a method name from a header. Matching
// is case-insensitive.
func ParseMechanism(s string) (Mechanism, bool) {
	switch m := Mechanism(strings.ToLower(s)); m {
	case MechanismDMARC, MechanismDKIM, MechanismSPF:
		return m, true
	}
	return "", false
}

// precedence returns the evaluation order for a method name. Unknown methods
// sort after known mechanisms.
func precedence(method string) int {
	switch Mechanism(method) {
	case MechanismDMARC:
		return 0
	case MechanismDKIM:
		return 1
	case MechanismSPF:
		return 2
	}
	return 3
}

// domainKeys returns the properties that can hold the domain asserted by a
// mechanism, in order of preference.
func (m Mechanism) domainKeys() []string {
	switch m {
	case MechanismDMARC:
		return []string{"header.from"}
	case MechanismDKIM:
		// ../rfc/8601:1017
		return []string{"header.i", "header.d"}
	case MechanismSPF:
		// ../rfc/8601:1032
		return []string{"smtp.mailfrom", "smtp.helo"}
	}
	return nil
}

// status maps a result code of the mechanism to a Status. Unrecognized codes
// map to StatusNeutral.
func (m Mechanism) status(outcome string) Status {
	switch outcome {
	case "pass":
		return StatusPass
	case "fail":
		return StatusFail
	}
	switch m {
	case MechanismSPF:
		// ../rfc/7208:1190
		if outcome == "softfail" {
			return StatusSuspicious
		}
	}
	// none, neutral, policy, temperror, permerror.
	return StatusNeutral
}

// MechanismResult is the interpreted result of a clause for a known mechanism.
type MechanismResult struct {
	Mechanism Mechanism

	// Domain asserted by the mechanism, as found in the header, e.g. "example.com"
	// or "@example.com" for DKIM. Empty if the clause does not assert a domain.
	Domain    string
	DomainKey string // Property that held Domain, e.g. "header.i".

	Outcome string // Result code, lower-case, e.g. "pass", "softfail".
	Status  Status // Derived from Outcome.
	Reason  string // From comment or "reason" property, optional.

	// Whether Domain differs from the From domain. If so, this result did not
	// influence the overall status.
	Mismatch bool

	// Remaining properties, e.g. "header.s" for DKIM.
	Attributes map[string]string
}

// UnknownMechanismResult is a clause for a method without known semantics, e.g.
// "iprev" or "arc", kept for reference.
type UnknownMechanismResult struct {
	Mechanism  string
	Outcome    string
	Comment    string
	Attributes map[string]string
}

// Registry holds the mechanisms that are interpreted. Clauses for other
// mechanisms are kept as UnknownMechanismResult.
type Registry struct {
	enabled map[Mechanism]bool
}

// NewRegistry returns a registry for the mechanisms. Without mechanisms, all
// known mechanisms are enabled.
func NewRegistry(mechanisms ...Mechanism) Registry {
	if len(mechanisms) == 0 {
		mechanisms = Mechanisms
	}
	reg := Registry{map[Mechanism]bool{}}
	for _, m := range mechanisms {
		reg.enabled[m] = true
	}
	return reg
}

// lookup returns the mechanism for the element, and whether it is interpreted.
func (reg Registry) lookup(e Element) (Mechanism, bool) {
	m, ok := ParseMechanism(e.Mechanism())
	return m, ok && reg.enabled[m]
}

// interpret extracts outcome, domain and reason from the element. The method,
// domain properties and reason are consumed, other properties are kept as
// attributes.
func interpret(m Mechanism, e Element) MechanismResult {
	props := e.properties()
	r := MechanismResult{
		Mechanism: m,
		Outcome:   e.Outcome(),
	}
	r.Status = m.status(r.Outcome)

	for _, k := range m.domainKeys() {
		v, ok := props[k]
		if !ok {
			continue
		}
		delete(props, k)
		if r.Domain == "" && v != "" {
			r.Domain = v
			r.DomainKey = k
		}
	}

	r.Reason = e.Attrs[0].Comment
	if reason, ok := props["reason"]; ok {
		if r.Reason == "" {
			r.Reason = reason
		}
		delete(props, "reason")
	}

	r.Attributes = props
	return r
}

// unknown turns an element without interpretation into an UnknownMechanismResult.
func unknown(e Element) UnknownMechanismResult {
	return UnknownMechanismResult{
		Mechanism:  e.Mechanism(),
		Outcome:    e.Outcome(),
		Comment:    e.Attrs[0].Comment,
		Attributes: e.properties(),
	}
}
