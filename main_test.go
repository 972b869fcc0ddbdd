package main

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/authverdict/authverdict/authres"
	"github.com/authverdict/authverdict/mlog"
	"github.com/authverdict/authverdict/settings"
	"github.com/authverdict/authverdict/webapi"
)

func tcheckf(t *testing.T, err error, format string, args ...any) {
	t.Helper()
	if err != nil {
		t.Fatalf(format+": %s", append(args, err)...)
	}
}

func TestServe(t *testing.T) {
	dir := t.TempDir()
	const conf = `DataDir: data
LogLevel: info
Listen: localhost:0
MetricsListen: localhost:0
Hostname: verdict.example
Enabled: true
AllowedAuthServIDs: mx.example.com
VerdictRetention: 720h
`
	p := filepath.Join(dir, "authverdict.conf")
	err := os.WriteFile(p, []byte(conf), 0660)
	tcheckf(t, err, "write config")

	log := mlog.New("main", nil)
	c, errs := settings.ParseConfig(context.Background(), log, p)
	if len(errs) > 0 {
		t.Fatalf("parse config: %v", errs)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err = serve(ctx, log, c, func(srvs []*http.Server) {
		defer func() {
			cancel()
			shutdown(log, srvs)
		}()

		client := webapi.Client{BaseURL: "http://" + srvs[0].Addr + "/api/"}
		msg := "From: user@example.com\r\nAuthentication-Results: mx.example.com; dkim=pass header.d=example.com\r\n\r\n"
		r, err := client.Evaluate(ctx, webapi.EvaluateRequest{Tenant: "t1", User: "u1", Message: msg, Store: true})
		tcheckf(t, err, "evaluate")
		if r.Result.Status != authres.StatusPass || r.VerdictID == "" {
			t.Errorf("got %#v, expected stored pass", r)
		}
		if r.Header != "Authentication-Results: verdict.example;\r\n\tdkim=pass header.d=example.com\r\n" {
			t.Errorf("got header %q", r.Header)
		}

		l, err := client.Verdicts(ctx, webapi.VerdictsRequest{})
		tcheckf(t, err, "list verdicts")
		if len(l) != 1 || l[0].ID != r.VerdictID {
			t.Errorf("got %#v, expected single verdict", l)
		}

		resp, err := http.Get("http://" + srvs[1].Addr + "/metrics")
		tcheckf(t, err, "get metrics")
		buf, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		tcheckf(t, err, "read metrics")
		if !strings.Contains(string(buf), "authverdict_evaluation_total") {
			t.Errorf("missing evaluation metrics")
		}
	})
	tcheckf(t, err, "serve")

	if _, err := os.Stat(filepath.Join(dir, "data", "verdicts.db")); err != nil {
		t.Fatalf("verdict database not created: %v", err)
	}
}
