// Package settings loads the configuration file and provides the per tenant and
// user settings for evaluation.
package settings

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/exp/slog"

	"github.com/mjl-/sconf"

	"github.com/authverdict/authverdict/authres"
	"github.com/authverdict/authverdict/config"
	"github.com/authverdict/authverdict/mlog"
)

// DefaultListen is the address the HTTP API listens on if not configured.
const DefaultListen = "localhost:8025"

// Config is a loaded and validated configuration file. It is not modified after
// loading, and implements authres.Config.
type Config struct {
	Static config.Static

	// Path of the config file, DataDir is relative to its directory.
	File string

	// Log levels per package, "" is the default.
	Log map[string]slog.Level

	mechanisms []authres.Mechanism
}

var _ authres.Config = (*Config)(nil)

// ParseConfig reads and validates the config file at p. The returned errors
// include all problems found.
func ParseConfig(ctx context.Context, log mlog.Log, p string) (c *Config, errs []error) {
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) && os.Getenv("AUTHVERDICTCONF") == "" {
			return nil, []error{fmt.Errorf("open config file: %v (hint: use authverdict -config ... or set AUTHVERDICTCONF=...)", err)}
		}
		return nil, []error{fmt.Errorf("open config file: %v", err)}
	}
	defer f.Close()

	c = &Config{
		Static: config.Static{DataDir: "."},
		File:   p,
	}
	if err := sconf.Parse(f, &c.Static); err != nil {
		return nil, []error{fmt.Errorf("parsing %s%v", p, err)}
	}
	if errs := c.prepare(log); len(errs) > 0 {
		return nil, errs
	}
	return c, nil
}

// prepare validates the static config and fills in the derived fields.
func (c *Config) prepare(log mlog.Log) (errs []error) {
	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	s := &c.Static

	if logLevel, ok := mlog.Levels[s.LogLevel]; ok {
		c.Log = map[string]slog.Level{"": logLevel}
	} else {
		c.Log = map[string]slog.Level{"": mlog.LevelError}
		addErrorf("invalid log level %q", s.LogLevel)
	}
	for pkg, l := range s.PackageLogLevels {
		if logLevel, ok := mlog.Levels[l]; ok {
			c.Log[pkg] = logLevel
		} else {
			addErrorf("invalid log level %q for package %s", l, pkg)
		}
	}

	if s.Listen == "" {
		s.Listen = DefaultListen
	}
	if s.Hostname == "" {
		if name, err := os.Hostname(); err != nil {
			log.Infox("getting hostname, using localhost", err)
			s.Hostname = "localhost"
		} else {
			s.Hostname = name
		}
	}
	if s.VerdictRetention < 0 {
		addErrorf("verdict retention must not be negative")
	}
	if s.CacheTTL < 0 {
		addErrorf("cache ttl must not be negative")
	}
	if s.CacheMaxSize < 0 {
		addErrorf("cache max size must not be negative")
	}

	for _, name := range s.Mechanisms {
		m, ok := authres.ParseMechanism(name)
		if !ok {
			addErrorf("unknown mechanism %q", name)
			continue
		}
		c.mechanisms = append(c.mechanisms, m)
	}

	checkIDs := func(what, ids string) {
		for _, err := range authres.CheckAllowedAuthServIDs(ids) {
			addErrorf("%s: allowed authserv-ids: %v", what, err)
		}
	}
	checkIDs("global", s.AllowedAuthServIDs)
	if strings.TrimSpace(s.AllowedAuthServIDs) == "" && s.Enabled {
		// Not an error, tenants or users can still have their own list.
		log.Info("no global allowed authserv-ids configured, messages for tenants and users without own list cannot be evaluated")
	}
	for tname, t := range s.Tenants {
		if tname == "" {
			addErrorf("empty tenant id")
		}
		checkIDs("tenant "+tname, t.AllowedAuthServIDs)
		for uname, u := range t.Users {
			if uname == "" {
				addErrorf("tenant %s: empty user id", tname)
			}
			checkIDs("tenant "+tname+" user "+uname, u.AllowedAuthServIDs)
		}
	}
	return
}

// DataDirPath returns the path to p inside the data directory.
func (c *Config) DataDirPath(p string) string {
	dir := c.Static.DataDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(filepath.Dir(c.File), dir)
	}
	return filepath.Join(dir, p)
}

// Options returns the options for an authres.Evaluator.
func (c *Config) Options() *authres.Options {
	return &authres.Options{
		CacheTTL:     c.Static.CacheTTL,
		CacheMaxSize: c.Static.CacheMaxSize,
		Mechanisms:   c.mechanisms,
	}
}

// lookup returns the tenant and user configuration, if present.
func (c *Config) lookup(p authres.Principal) (t *config.Tenant, u *config.User) {
	if xt, ok := c.Static.Tenants[p.Tenant]; ok {
		t = &xt
		if xu, ok := xt.Users[p.User]; ok {
			u = &xu
		}
	}
	return
}

// Enabled returns whether evaluation is enabled for the principal, from the user,
// tenant or global setting, whichever is set first.
func (c *Config) Enabled(ctx context.Context, p authres.Principal) (bool, error) {
	t, u := c.lookup(p)
	if u != nil && u.Enabled != nil {
		return *u.Enabled, nil
	}
	if t != nil && t.Enabled != nil {
		return *t.Enabled, nil
	}
	return c.Static.Enabled, nil
}

// AllowedAuthServIDs returns the allowed authserv-ids for the principal, from
// the user, tenant or global setting, whichever is non-empty first.
func (c *Config) AllowedAuthServIDs(ctx context.Context, p authres.Principal) (string, error) {
	t, u := c.lookup(p)
	if u != nil && strings.TrimSpace(u.AllowedAuthServIDs) != "" {
		return u.AllowedAuthServIDs, nil
	}
	if t != nil && strings.TrimSpace(t.AllowedAuthServIDs) != "" {
		return t.AllowedAuthServIDs, nil
	}
	return c.Static.AllowedAuthServIDs, nil
}
