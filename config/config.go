package config

import (
	"time"
)

// Static is a parsed form of the authverdict.conf configuration file.
type Static struct {
	DataDir           string            `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where the database with stored verdicts is kept. If this is a relative path, it is relative to the directory of authverdict.conf."`
	LogLevel          string            `sconf-doc:"Default log level, one of: error, info, debug, trace."`
	PackageLogLevels  map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. authres, webapi, verdictdb)."`
	Listen            string            `sconf:"optional" sconf-doc:"Address to serve the HTTP API on, under /api/. Default: localhost:8025."`
	MetricsListen     string            `sconf:"optional" sconf-doc:"Address to serve Prometheus metrics on, under /metrics. If empty, metrics are not served."`
	Hostname          string            `sconf:"optional" sconf-doc:"Hostname used as authserv-id in the normalized Authentication-Results header returned for evaluations. Default: the hostname of the system."`
	AdminPasswordFile string            `sconf:"optional" sconf-doc:"File containing a bcrypt hash of the password for the HTTP API, with HTTP basic authentication with any username. If empty, the API does not require authentication, only use this for APIs listening on loopback IPs."`

	Enabled            bool              `sconf-doc:"Whether authenticity of incoming messages is evaluated. Default for all tenants and users."`
	AllowedAuthServIDs string            `sconf:"optional" sconf-doc:"Comma-separated list of authserv-ids, typically hostnames of mail servers, whose Authentication-Results headers are trusted. Authentication-Results headers added by other servers are ignored. Entries: '*' for any, '*.example.com' for subdomains of example.com, 'mx*' for a prefix, '/regexp/' or '/regexp/i' for a (case-insensitive) regular expression, 'i:mx.example.com' for a case-insensitive exact match, and any other value for an exact match. If no entries are configured for a tenant and user, messages cannot be evaluated."`
	Tenants            map[string]Tenant `sconf:"optional" sconf-doc:"Tenants, keyed by tenant ID, with overrides of the global settings."`
	CacheTTL           time.Duration     `sconf:"optional" sconf-doc:"Duration that parsed allowed authserv-ids are cached per tenant and user, after which the configuration is read again. Default: 30m."`
	CacheMaxSize       int               `sconf:"optional" sconf-doc:"Maximum number of tenant and user combinations with cached allowed authserv-ids. Default: 65536."`
	VerdictRetention   time.Duration     `sconf:"optional" sconf-doc:"Stored verdicts older than this duration are removed periodically. If zero, verdicts are kept."`
	Mechanisms         []string          `sconf:"optional" sconf-doc:"Mechanisms that are interpreted for the verdict, from: dmarc, dkim, spf. Results for other mechanisms are kept, but do not influence the verdict. Default: all."`
}

// Tenant holds overrides for a single tenant.
type Tenant struct {
	Enabled            *bool           `sconf:"optional" sconf-doc:"Override of global Enabled for this tenant."`
	AllowedAuthServIDs string          `sconf:"optional" sconf-doc:"Override of global AllowedAuthServIDs for this tenant. If empty, the global value is used."`
	Users              map[string]User `sconf:"optional" sconf-doc:"Users of this tenant, keyed by user ID, with overrides of the tenant settings."`
}

// User holds overrides for a single user of a tenant.
type User struct {
	Enabled            *bool  `sconf:"optional" sconf-doc:"Override of Enabled of the tenant for this user."`
	AllowedAuthServIDs string `sconf:"optional" sconf-doc:"Override of AllowedAuthServIDs of the tenant for this user. If empty, the tenant value is used."`
}
