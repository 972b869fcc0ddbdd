/*
Package config holds the configuration file definitions.

authverdict uses a single config file, authverdict.conf. It is read at startup.
After changes, the cached allowed authserv-ids can be cleared with the
ClearCache API call, and other changes need a restart.

Below is an "empty" config file, generated from the config file definitions in
the source code, along with comments explaining the fields. Fields named "x" are
placeholders for user-chosen map keys.

# sconf

The config file is in "sconf" format. Properties of sconf files:

  - Indentation with tabs only.
  - "#" as first non-whitespace character makes the line a comment. Lines with a
    value cannot also have a comment.
  - Values don't have syntax indicating their type. For example, strings are
    not quoted/escaped and can never span multiple lines.
  - Fields that are optional can be left out completely. But the value of an
    optional field may itself have required fields.

See https://pkg.go.dev/github.com/mjl-/sconf for details.

# authverdict.conf

	# NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be
	# on their own line, they don't end a line. Do not escape or quote strings.
	# Details: https://pkg.go.dev/github.com/mjl-/sconf.


	# Directory where the database with stored verdicts is kept. If this is a relative
	# path, it is relative to the directory of authverdict.conf.
	DataDir:

	# Default log level, one of: error, info, debug, trace.
	LogLevel:

	# Overrides of log level per package (e.g. authres, webapi, verdictdb).
	# (optional)
	PackageLogLevels:
		x:

	# Address to serve the HTTP API on, under /api/. Default: localhost:8025.
	# (optional)
	Listen:

	# Address to serve Prometheus metrics on, under /metrics. If empty, metrics are
	# not served. (optional)
	MetricsListen:

	# Hostname used as authserv-id in the normalized Authentication-Results header
	# returned for evaluations. Default: the hostname of the system. (optional)
	Hostname:

	# File containing a bcrypt hash of the password for the HTTP API, with HTTP basic
	# authentication with any username. If empty, the API does not require
	# authentication, only use this for APIs listening on loopback IPs. (optional)
	AdminPasswordFile:

	# Whether authenticity of incoming messages is evaluated. Default for all tenants
	# and users.
	Enabled: false

	# Comma-separated list of authserv-ids, typically hostnames of mail servers, whose
	# Authentication-Results headers are trusted. Authentication-Results headers added
	# by other servers are ignored. Entries: '*' for any, '*.example.com' for
	# subdomains of example.com, 'mx*' for a prefix, '/regexp/' or '/regexp/i' for a
	# (case-insensitive) regular expression, 'i:mx.example.com' for a
	# case-insensitive exact match, and any other value for an exact match. If no
	# entries are configured for a tenant and user, messages cannot be evaluated.
	# (optional)
	AllowedAuthServIDs:

	# Tenants, keyed by tenant ID, with overrides of the global settings. (optional)
	Tenants:
		x:

			# Override of global Enabled for this tenant. (optional)
			Enabled: false

			# Override of global AllowedAuthServIDs for this tenant. If empty, the global
			# value is used. (optional)
			AllowedAuthServIDs:

			# Users of this tenant, keyed by user ID, with overrides of the tenant settings.
			# (optional)
			Users:
				x:

					# Override of Enabled of the tenant for this user. (optional)
					Enabled: false

					# Override of AllowedAuthServIDs of the tenant for this user. If empty, the
					# tenant value is used. (optional)
					AllowedAuthServIDs:

	# Duration that parsed allowed authserv-ids are cached per tenant and user, after
	# which the configuration is read again. Default: 30m. (optional)
	CacheTTL: 0s

	# Maximum number of tenant and user combinations with cached allowed
	# authserv-ids. Default: 65536. (optional)
	CacheMaxSize: 0

	# Stored verdicts older than this duration are removed periodically. If zero,
	# verdicts are kept. (optional)
	VerdictRetention: 0s

	# Mechanisms that are interpreted for the verdict, from: dmarc, dkim, spf. Results
	# for other mechanisms are kept, but do not influence the verdict. Default: all.
	# (optional)
	Mechanisms:
		-
*/
package config
