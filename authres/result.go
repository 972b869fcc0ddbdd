package authres

import (
	"sort"
	"strings"

	"github.com/authverdict/authverdict/dns"
	"github.com/authverdict/authverdict/message"
	"github.com/authverdict/authverdict/smtp"
)

// Status is the overall authenticity verdict for a message, or the verdict
// derived from a single mechanism result.
type Status string

const (
	StatusPass        Status = "pass"
	StatusNeutral     Status = "neutral" // Initial status, no conclusive evidence.
	StatusFail        Status = "fail"
	StatusSuspicious  Status = "suspicious"
	StatusNotAnalyzed Status = "not_analyzed" // Evaluation disabled.
)

// OverallResult is the result of evaluating the Authentication-Results headers
// of a message.
type OverallResult struct {
	Status Status

	// Domain of the From address, in ASCII, set when the first trusted header is
	// evaluated.
	FromDomain string
	// From address that mechanism domains were compared against.
	FromAddress string

	// Results of trusted clauses, in order of evaluation.
	Mechanisms []MechanismResult
	Unknown    []UnknownMechanismResult
}

func newResult() *OverallResult {
	return &OverallResult{Status: StatusNeutral}
}

// setFrom records the From address. The From domain is never overwritten.
func (r *OverallResult) setFrom(addr smtp.Address) {
	if r.FromDomain != "" {
		return
	}
	r.FromDomain = addr.Domain.ASCII
	r.FromAddress = addr.Pack(true)
}

// fold applies a mechanism result to the overall status and records it.
//
// DMARC always sets the status. DKIM only sets the status if it is still
// neutral. SPF sets the status if it is still neutral, or to pass if it isn't
// pass already. A result with a domain mismatch resets the status to neutral
// and does not set it.
func (r *OverallResult) fold(mr MechanismResult) {
	mr.Mismatch = checkMismatch(r, mr.Domain)
	if !mr.Mismatch {
		switch mr.Mechanism {
		case MechanismDMARC:
			r.Status = mr.Status
		case MechanismDKIM:
			if r.Status == StatusNeutral {
				r.Status = mr.Status
			}
		case MechanismSPF:
			if r.Status == StatusNeutral || r.Status != StatusPass && mr.Status == StatusPass {
				r.Status = mr.Status
			}
		}
	}
	r.Mechanisms = append(r.Mechanisms, mr)
}

func (r *OverallResult) addUnknown(ur UnknownMechanismResult) {
	r.Unknown = append(r.Unknown, ur)
}

// AuthResults returns the trusted results as a single Authentication-Results
// header for hostname, e.g. for storing with the message or for display. IDNA
// names are written in unicode, with their ASCII form in a comment.
func (r OverallResult) AuthResults(hostname string) message.AuthResults {
	ar := message.AuthResults{Hostname: hostname}
	if d, err := dns.ParseDomainLax(hostname); err == nil {
		ar.Hostname = d.Name()
		ar.Comment = d.ASCIIExtra(true)
	}
	for _, m := range r.Mechanisms {
		am := message.AuthMethod{
			Method: string(m.Mechanism),
			Result: m.Outcome,
			Reason: m.Reason,
		}
		if m.Domain != "" {
			typ, prop := splitKey(m.DomainKey)
			p := message.AuthProp{Type: typ, Property: prop, Value: m.Domain, IsAddrLike: true}
			if d, err := dns.ParseDomainLax(m.Domain); err == nil {
				p.Value = d.Name()
				p.Comment = d.ASCIIExtra(true)
			}
			am.Props = append(am.Props, p)
		}
		am.Props = append(am.Props, props(m.Attributes)...)
		ar.Methods = append(ar.Methods, am)
	}
	for _, u := range r.Unknown {
		ar.Methods = append(ar.Methods, message.AuthMethod{
			Method:  u.Mechanism,
			Result:  u.Outcome,
			Comment: u.Comment,
			Props:   props(u.Attributes),
		})
	}
	return ar
}

func splitKey(k string) (typ, property string) {
	if t, p, ok := strings.Cut(k, "."); ok {
		return t, p
	}
	return "", k
}

// props returns attributes as properties, sorted by key for stable output.
func props(attrs map[string]string) []message.AuthProp {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var l []message.AuthProp
	for _, k := range keys {
		typ, prop := splitKey(k)
		l = append(l, message.AuthProp{Type: typ, Property: prop, Value: attrs[k]})
	}
	return l
}
