package authres

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if !reflect.DeepEqual(got, exp) {
		t.Fatalf("got:\n%#v\nexpected:\n%#v", got, exp)
	}
}

func allowed(t *testing.T, s string) AllowedAuthServIDs {
	t.Helper()
	a, err := ParseAllowedAuthServIDs(pkglog, s)
	tcheck(t, err, "parse allowed authserv-ids")
	return a
}

func evaluate(t *testing.T, from string, headers ...string) OverallResult {
	t.Helper()
	return NewRegistry().Evaluate(pkglog, headers, []string{from}, allowed(t, "mx.example.com"))
}

func TestEvaluateScenarios(t *testing.T) {
	// All mechanisms pass with aligned domains.
	r := evaluate(t, "user@example.com", "mx.example.com; dmarc=pass header.from=example.com; dkim=pass header.i=@example.com; spf=pass smtp.mailfrom=example.com")
	tcompare(t, r, OverallResult{
		Status:      StatusPass,
		FromDomain:  "example.com",
		FromAddress: "user@example.com",
		Mechanisms: []MechanismResult{
			{Mechanism: MechanismDMARC, Domain: "example.com", DomainKey: "header.from", Outcome: "pass", Status: StatusPass, Attributes: map[string]string{}},
			{Mechanism: MechanismDKIM, Domain: "@example.com", DomainKey: "header.i", Outcome: "pass", Status: StatusPass, Attributes: map[string]string{}},
			{Mechanism: MechanismSPF, Domain: "example.com", DomainKey: "smtp.mailfrom", Outcome: "pass", Status: StatusPass, Attributes: map[string]string{}},
		},
	})

	// Untrusted authserv-id.
	r = evaluate(t, "user@example.com", "mx.other.example; dmarc=pass header.from=example.com")
	tcompare(t, r, OverallResult{Status: StatusNeutral})

	// DMARC with another domain than From.
	r = evaluate(t, "user@example.com", "mx.example.com; dmarc=pass header.from=evil.com")
	tcompare(t, r.Status, StatusNeutral)
	tcompare(t, len(r.Mechanisms), 1)
	tcompare(t, r.Mechanisms[0].Outcome, "pass")
	tcompare(t, r.Mechanisms[0].Status, StatusPass)
	tcompare(t, r.Mechanisms[0].Mismatch, true)

	// Only an unknown mechanism.
	r = evaluate(t, "user@example.com", "mx.example.com; foo=bar")
	tcompare(t, r.Status, StatusNeutral)
	tcompare(t, r.Mechanisms, []MechanismResult(nil))
	tcompare(t, r.Unknown, []UnknownMechanismResult{{Mechanism: "foo", Outcome: "bar", Attributes: map[string]string{}}})

	// Malformed From with a trusted header.
	for _, from := range []string{"", "  ", "not an address", "a@example.com, b@example.com", "<@>"} {
		r = evaluate(t, from, "mx.example.com; dmarc=pass header.from=example.com")
		tcompare(t, r, OverallResult{Status: StatusFail})
	}
}

func TestEvaluateMissing(t *testing.T) {
	reg := NewRegistry()
	a := allowed(t, "*")

	// No headers.
	r := reg.Evaluate(pkglog, nil, []string{"user@example.com"}, a)
	tcompare(t, r, OverallResult{Status: StatusNeutral})

	// No From header.
	r = reg.Evaluate(pkglog, []string{"mx.example.com; dmarc=pass header.from=example.com"}, nil, a)
	tcompare(t, r, OverallResult{Status: StatusNeutral})

	// Bad From is only parsed for a trusted header.
	r = reg.Evaluate(pkglog, []string{"mx.other.example; dmarc=pass header.from=example.com"}, []string{"bogus"}, allowed(t, "mx.example.com"))
	tcompare(t, r, OverallResult{Status: StatusNeutral})

	// Header without authserv-id is never trusted, not even by "*".
	r = reg.Evaluate(pkglog, []string{"; dmarc=pass header.from=example.com"}, []string{"user@example.com"}, a)
	tcompare(t, r, OverallResult{Status: StatusNeutral})
}

func TestEvaluateSpacedResult(t *testing.T) {
	r := evaluate(t, "user@example.com", "mx.example.com; dkim = pass header.d=example.com")
	tcompare(t, r.Status, StatusPass)
	tcompare(t, len(r.Mechanisms), 1)
	tcompare(t, len(r.Unknown), 0)
	tcompare(t, r.Mechanisms[0].Domain, "example.com")
}

func TestEvaluatePrecedence(t *testing.T) {
	const from = "user@example.com"

	test := func(exp Status, headers ...string) {
		t.Helper()
		r := evaluate(t, from, headers...)
		if r.Status != exp {
			t.Fatalf("got status %q, expected %q, for %v", r.Status, exp, headers)
		}
	}

	// DMARC is evaluated first within a header, DKIM cannot change its status.
	test(StatusPass, "mx.example.com; dkim=fail header.d=example.com; dmarc=pass header.from=example.com")
	test(StatusFail, "mx.example.com; dkim=pass header.d=example.com; dmarc=fail header.from=example.com")

	// DMARC in a later header overrides.
	test(StatusFail, "mx.example.com; spf=pass smtp.mailfrom=example.com", "mx.example.com; dmarc=fail header.from=example.com")
	test(StatusPass, "mx.example.com; dkim=fail header.d=example.com", "mx.example.com; dmarc=pass header.from=example.com")

	// DKIM only sets the status from neutral.
	test(StatusFail, "mx.example.com; dkim=fail header.d=example.com")
	test(StatusFail, "mx.example.com; dkim=fail header.d=example.com", "mx.example.com; dkim=pass header.d=example.com")
	test(StatusPass, "mx.example.com; dkim=pass header.d=example.com", "mx.example.com; dkim=fail header.d=example.com")

	// SPF sets from neutral, and upgrades to pass.
	test(StatusSuspicious, "mx.example.com; spf=softfail smtp.mailfrom=example.com")
	test(StatusPass, "mx.example.com; dkim=fail header.d=example.com; spf=pass smtp.mailfrom=example.com")
	test(StatusPass, "mx.example.com; dkim=pass header.d=example.com; spf=fail smtp.mailfrom=example.com")
	test(StatusFail, "mx.example.com; dkim=fail header.d=example.com; spf=softfail smtp.mailfrom=example.com")
	test(StatusPass, "mx.example.com; dmarc=fail header.from=example.com; spf=pass smtp.mailfrom=example.com")

	// Outcomes other than pass, fail and SPF softfail are neutral.
	test(StatusNeutral, "mx.example.com; dkim=perm_fail header.i=@example.com")
	test(StatusNeutral, "mx.example.com; dmarc=none header.from=example.com")
	test(StatusNeutral, "mx.example.com; dkim=softfail header.d=example.com")
	test(StatusNeutral, "mx.example.com; spf=temperror smtp.mailfrom=example.com")

	// Mismatch resets to neutral.
	test(StatusNeutral, "mx.example.com; dmarc=pass header.from=example.com; dkim=pass header.d=evil.example")
	test(StatusNeutral, "mx.example.com; spf=pass smtp.mailfrom=example.com", "mx.example.com; spf=pass smtp.mailfrom=evil.example")

	// Mechanism without domain is not a mismatch.
	test(StatusPass, "mx.example.com; spf=pass")

	// Case-insensitive method, result and domain. SPF falls back to helo.
	test(StatusPass, "mx.example.com; DMARC=Pass header.from=Example.COM.")
	test(StatusPass, "mx.example.com; spf=pass smtp.helo=EXAMPLE.com")
}

func TestEvaluateIDNA(t *testing.T) {
	r := NewRegistry().Evaluate(pkglog, []string{"mx.example.com; dmarc=pass header.from=xn--mx-lka.example; dkim=pass header.d=møx.example"}, []string{"user@møx.example"}, allowed(t, "mx.example.com"))
	tcompare(t, r.Status, StatusPass)
	tcompare(t, r.FromDomain, "xn--mx-lka.example")
	tcompare(t, r.Mechanisms[0].Mismatch, false)
	tcompare(t, r.Mechanisms[1].Mismatch, false)
}

func TestEvaluateAttributes(t *testing.T) {
	// Domain keys and reason are consumed, other properties remain.
	r := evaluate(t, "user@example.com", `mx.example.com; dkim=pass header.i=user@example.com header.d=example.com header.s=sel1 header.b="abc/def" reason="good signature"`)
	tcompare(t, r.Mechanisms, []MechanismResult{
		{
			Mechanism:  MechanismDKIM,
			Domain:     "user@example.com",
			DomainKey:  "header.i",
			Outcome:    "pass",
			Status:     StatusPass,
			Reason:     "good signature",
			Attributes: map[string]string{"header.s": "sel1", "header.b": "abc/def"},
		},
	})

	// Comment takes precedence as reason, reason property is still consumed.
	r = evaluate(t, "user@example.com", `mx.example.com; spf=fail (not permitted) smtp.mailfrom=example.com reason=other client-ip=192.0.2.1`)
	tcompare(t, r.Mechanisms[0].Reason, "not permitted")
	tcompare(t, r.Mechanisms[0].Attributes, map[string]string{"client-ip": "192.0.2.1"})

	// Empty first domain key falls back to the next.
	r = evaluate(t, "user@example.com", `mx.example.com; dkim=pass header.i="" header.d=example.com`)
	tcompare(t, r.Mechanisms[0].Domain, "example.com")
	tcompare(t, r.Mechanisms[0].DomainKey, "header.d")

	// Unknown mechanisms keep everything.
	r = evaluate(t, "user@example.com", `mx.example.com; iprev=pass (without dnssec) policy.iprev=198.2.145.102`)
	tcompare(t, r.Unknown, []UnknownMechanismResult{
		{Mechanism: "iprev", Outcome: "pass", Comment: "without dnssec", Attributes: map[string]string{"policy.iprev": "198.2.145.102"}},
	})
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(MechanismDMARC)
	r := reg.Evaluate(pkglog, []string{"mx.example.com; dmarc=fail header.from=example.com; dkim=pass header.d=example.com; spf=pass smtp.mailfrom=example.com"}, []string{"user@example.com"}, allowed(t, "mx.example.com"))
	tcompare(t, r.Status, StatusFail)
	tcompare(t, len(r.Mechanisms), 1)
	tcompare(t, r.Unknown, []UnknownMechanismResult{
		{Mechanism: "dkim", Outcome: "pass", Attributes: map[string]string{"header.d": "example.com"}},
		{Mechanism: "spf", Outcome: "pass", Attributes: map[string]string{"smtp.mailfrom": "example.com"}},
	})

	m, ok := ParseMechanism("DKIM")
	tcompare(t, ok, true)
	tcompare(t, m, MechanismDKIM)
	_, ok = ParseMechanism("arc")
	tcompare(t, ok, false)
}

func TestAuthResultsHeader(t *testing.T) {
	r := evaluate(t, "user@example.com", "mx.example.com; dmarc=pass header.from=example.com; dkim=pass header.i=@example.com; spf=pass smtp.mailfrom=example.com; arc=none")
	s := r.AuthResults("verdict.example").Header()
	const exp = "Authentication-Results: verdict.example;\r\n\tdmarc=pass header.from=example.com;\r\n\tdkim=pass header.i=@example.com;\r\n\tspf=pass smtp.mailfrom=example.com;\r\n\tarc=none\r\n"
	tcompare(t, s, exp)

	// Tokenizing the header gives back the mechanisms.
	h := Tokenize(strings.TrimPrefix(s, "Authentication-Results:"))
	tcompare(t, h.AuthServID, "verdict.example")
	tcompare(t, len(h.Elements), 4)

	// IDNA names are written in unicode, with the ASCII name in a comment.
	r = evaluate(t, "user@møx.example", "mx.example.com; dkim=pass header.d=xn--mx-lka.example")
	tcompare(t, r.Status, StatusPass)
	tcompare(t, r.FromDomain, "xn--mx-lka.example")
	s = r.AuthResults("xn--vrdict-bva.example").Header()
	tcompare(t, s, "Authentication-Results: (xn--vrdict-bva.example) vérdict.example;\r\n\tdkim=pass header.d=møx.example (xn--mx-lka.example)\r\n")
}

type testConfig struct {
	enabled bool
	ids     string
	err     error
	calls   atomic.Int32
}

func (c *testConfig) Enabled(ctx context.Context, p Principal) (bool, error) {
	return c.enabled, nil
}

func (c *testConfig) AllowedAuthServIDs(ctx context.Context, p Principal) (string, error) {
	c.calls.Add(1)
	return c.ids, c.err
}

func header(kv ...string) textproto.MIMEHeader {
	h := textproto.MIMEHeader{}
	for i := 0; i < len(kv); i += 2 {
		h.Add(kv[i], kv[i+1])
	}
	return h
}

func TestEvaluator(t *testing.T) {
	p := Principal{"tenant1", "user1"}
	conf := &testConfig{enabled: true, ids: "mx.example.com, *.relay.example"}
	e := NewEvaluator(conf, nil)

	msg := header(
		"From", "User <user@example.com>",
		"Authentication-Results", "mx.example.com; dmarc=pass header.from=example.com",
		"Authentication-Results", "a.relay.example; spf=fail smtp.mailfrom=example.com",
	)
	r, err := e.EvaluateMessage(ctxbg, p, msg)
	tcheck(t, err, "evaluate")
	tcompare(t, r.Status, StatusPass)
	tcompare(t, len(r.Mechanisms), 2)

	// Cached.
	_, err = e.EvaluateMessage(ctxbg, p, msg)
	tcheck(t, err, "evaluate")
	tcompare(t, conf.calls.Load(), int32(1))

	e.ClearCache()
	_, err = e.EvaluateMessage(ctxbg, p, msg)
	tcheck(t, err, "evaluate")
	tcompare(t, conf.calls.Load(), int32(2))

	// Without headers, configuration is not needed.
	e.ClearCache()
	r, err = e.EvaluateMessage(ctxbg, p, header("From", "user@example.com"))
	tcheck(t, err, "evaluate")
	tcompare(t, r, OverallResult{Status: StatusNeutral})
	tcompare(t, conf.calls.Load(), int32(2))

	// Disabled.
	conf.enabled = false
	r, err = e.EvaluateMessage(ctxbg, p, msg)
	if !errors.Is(err, ErrDisabled) {
		t.Fatalf("got err %v, expected ErrDisabled", err)
	}
	tcompare(t, r.Status, StatusNotAnalyzed)
	conf.enabled = true

	// Missing configuration is an error, and not cached.
	for _, ids := range []string{"", " , ,", "/unclosed"} {
		conf.ids = ids
		e.ClearCache()
		r, err = e.EvaluateMessage(ctxbg, p, msg)
		if !errors.Is(err, ErrMissingConfiguration) {
			t.Fatalf("got err %v, expected ErrMissingConfiguration for %q", err, ids)
		}
		tcompare(t, r.Status, StatusNeutral)
		tcompare(t, e.cache.size(), 0)
	}

	// Configuration errors are passed on.
	errConfig := errors.New("config unavailable")
	conf.err = errConfig
	_, err = e.EvaluateMessage(ctxbg, p, msg)
	if !errors.Is(err, errConfig) {
		t.Fatalf("got err %v, expected errConfig", err)
	}
}

// evaluationCount returns the authverdict_evaluation_total counter for status.
func evaluationCount(t *testing.T, status string) float64 {
	t.Helper()
	mfl, err := prometheus.DefaultGatherer.Gather()
	tcheck(t, err, "gather metrics")
	for _, mf := range mfl {
		if mf.GetName() != "authverdict_evaluation_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "status" && l.GetValue() == status {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestEvaluatorMetrics(t *testing.T) {
	p := Principal{"tenant1", "user1"}
	conf := &testConfig{enabled: true, ids: "mx.example.com"}
	e := NewEvaluator(conf, nil)

	msg := header(
		"From", "user@example.com",
		"Authentication-Results", "mx.example.com; dmarc=pass header.from=example.com",
	)

	// Each evaluated message is counted once, with its status.
	check := func(h textproto.MIMEHeader, status string) {
		t.Helper()
		before := evaluationCount(t, status)
		e.EvaluateMessage(ctxbg, p, h)
		tcompare(t, evaluationCount(t, status)-before, float64(1))
	}

	check(msg, string(StatusPass))
	check(header("From", "user@example.com"), string(StatusNeutral))
	check(header(), string(StatusNeutral))

	conf.enabled = false
	check(msg, string(StatusNotAnalyzed))
	conf.enabled = true

	conf.ids = ""
	e.ClearCache()
	check(msg, "error")
}

func TestEvaluateBatch(t *testing.T) {
	p := Principal{"tenant1", "user1"}
	conf := &testConfig{enabled: true, ids: "mx.example.com"}
	e := NewEvaluator(conf, &Options{Mechanisms: []Mechanism{MechanismSPF}})

	var headers []textproto.MIMEHeader
	var exp []Status
	for i := 0; i < 20; i++ {
		outcome := "pass"
		status := StatusPass
		if i%2 == 1 {
			outcome = "softfail"
			status = StatusSuspicious
		}
		headers = append(headers, header(
			"From", fmt.Sprintf("user%d@example.com", i),
			"Authentication-Results", "mx.example.com; spf="+outcome+" smtp.mailfrom=example.com",
		))
		exp = append(exp, status)
	}
	l, err := e.EvaluateBatch(ctxbg, p, headers, 4)
	tcheck(t, err, "evaluate batch")
	var got []Status
	for i, r := range l {
		got = append(got, r.Status)
		tcompare(t, r.FromAddress, fmt.Sprintf("user%d@example.com", i))
	}
	tcompare(t, got, exp)

	conf.ids = ""
	e.ClearCache()
	_, err = e.EvaluateBatch(ctxbg, p, headers, 4)
	if !errors.Is(err, ErrMissingConfiguration) {
		t.Fatalf("got err %v, expected ErrMissingConfiguration", err)
	}
}

