package settings

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"golang.org/x/exp/slog"

	"github.com/authverdict/authverdict/authres"
	"github.com/authverdict/authverdict/mlog"
)

var ctxbg = context.Background()
var pkglog = mlog.New("settings", nil)

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

const testConfig = `DataDir: data
LogLevel: info
PackageLogLevels:
	authres: debug
Enabled: true
AllowedAuthServIDs: mx.example.com
CacheTTL: 5m
Mechanisms:
	- dmarc
	- dkim
Tenants:
	t1:
		AllowedAuthServIDs: *.t1.example
		Users:
			u1:
				Enabled: false
			u2:
				AllowedAuthServIDs: i:mx.u2.example
	t2:
		Enabled: false
		Users:
			u1:
				Enabled: true
`

func writeConfig(t *testing.T, s string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "authverdict.conf")
	err := os.WriteFile(p, []byte(s), 0660)
	tcheck(t, err, "write config")
	return p
}

func TestParseConfig(t *testing.T) {
	p := writeConfig(t, testConfig)
	c, errs := ParseConfig(ctxbg, pkglog, p)
	if len(errs) > 0 {
		t.Fatalf("parse config: %v", errs)
	}

	tcompare(t, c.Log, map[string]slog.Level{"": mlog.LevelInfo, "authres": mlog.LevelDebug})
	tcompare(t, c.Static.Listen, DefaultListen)
	tcompare(t, c.DataDirPath("verdicts.db"), filepath.Join(filepath.Dir(p), "data", "verdicts.db"))
	tcompare(t, c.Options(), &authres.Options{CacheTTL: 5 * time.Minute, Mechanisms: []authres.Mechanism{authres.MechanismDMARC, authres.MechanismDKIM}})

	enabled := func(tenant, user string, exp bool) {
		t.Helper()
		v, err := c.Enabled(ctxbg, authres.Principal{Tenant: tenant, User: user})
		tcheck(t, err, "enabled")
		tcompare(t, v, exp)
	}
	enabled("t1", "u0", true)
	enabled("t1", "u1", false)
	enabled("t2", "u0", false)
	enabled("t2", "u1", true)
	enabled("t3", "u1", true)

	ids := func(tenant, user string, exp string) {
		t.Helper()
		v, err := c.AllowedAuthServIDs(ctxbg, authres.Principal{Tenant: tenant, User: user})
		tcheck(t, err, "allowed authserv-ids")
		tcompare(t, v, exp)
	}
	ids("t1", "u0", "*.t1.example")
	ids("t1", "u2", "i:mx.u2.example")
	ids("t2", "u1", "mx.example.com")
	ids("t3", "u1", "mx.example.com")
}

func TestParseConfigErrors(t *testing.T) {
	const bad = `DataDir: data
LogLevel: bogus
Enabled: true
AllowedAuthServIDs: /[/, mx.example.com
Mechanisms:
	- arc
Tenants:
	t1:
		Users:
			u1:
				AllowedAuthServIDs: *.
`
	_, errs := ParseConfig(ctxbg, pkglog, writeConfig(t, bad))
	var l []string
	for _, err := range errs {
		l = append(l, err.Error())
	}
	if len(l) != 4 {
		t.Fatalf("got %d errors, expected 4: %v", len(l), l)
	}
	for i, s := range []string{"invalid log level", "unknown mechanism", "global: allowed authserv-ids", "tenant t1 user u1"} {
		if !strings.Contains(l[i], s) {
			t.Fatalf("error %d: got %q, expected %q", i, l[i], s)
		}
	}

	_, errs = ParseConfig(ctxbg, pkglog, filepath.Join(t.TempDir(), "missing.conf"))
	if len(errs) != 1 {
		t.Fatalf("got %v, expected error for missing file", errs)
	}

	_, errs = ParseConfig(ctxbg, pkglog, writeConfig(t, "Bogus: 1\n"))
	if len(errs) != 1 {
		t.Fatalf("got %v, expected parse error", errs)
	}
}

func TestEvaluator(t *testing.T) {
	c, errs := ParseConfig(ctxbg, pkglog, writeConfig(t, testConfig))
	if len(errs) > 0 {
		t.Fatalf("parse config: %v", errs)
	}
	e := authres.NewEvaluator(c, c.Options())
	h := map[string][]string{
		"From":                   {"user@example.com"},
		"Authentication-Results": {"a.t1.example; dkim=pass header.d=example.com; spf=fail smtp.mailfrom=example.com"},
	}
	r, err := e.EvaluateMessage(ctxbg, authres.Principal{Tenant: "t1", User: "u0"}, h)
	tcheck(t, err, "evaluate")
	tcompare(t, r.Status, authres.StatusPass)
	// SPF is not enabled.
	tcompare(t, len(r.Mechanisms), 1)
	tcompare(t, len(r.Unknown), 1)

	// Not trusted for the global list.
	r, err = e.EvaluateMessage(ctxbg, authres.Principal{Tenant: "t3", User: "u0"}, h)
	tcheck(t, err, "evaluate")
	tcompare(t, r.Status, authres.StatusNeutral)
	tcompare(t, len(r.Mechanisms), 0)
}
