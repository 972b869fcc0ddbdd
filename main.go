package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/exp/slog"
	"golang.org/x/text/secure/precis"

	"github.com/mjl-/sconf"

	"github.com/authverdict/authverdict/authres"
	"github.com/authverdict/authverdict/authvar"
	"github.com/authverdict/authverdict/config"
	"github.com/authverdict/authverdict/message"
	"github.com/authverdict/authverdict/mlog"
	"github.com/authverdict/authverdict/settings"
	"github.com/authverdict/authverdict/webapi"
)

func envString(k, def string) string {
	s := os.Getenv(k)
	if s == "" {
		return def
	}
	return s
}

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"serve", cmdServe},
	{"evaluate", cmdEvaluate},
	{"authresults parse", cmdAuthresultsParse},
	{"authservid check", cmdAuthservidCheck},
	{"verdicts", cmdVerdicts},
	{"verdict remove", cmdVerdictRemove},
	{"cache clear", cmdCacheClear},
	{"setapipassword", cmdSetapipassword},
	{"config test", cmdConfigTest},
	{"config describe", cmdConfigDescribe},
	{"version", cmdVersion},
	{"help", cmdHelp},
	{"helpall", cmdHelpall},
}

var configPath string
var loglevel string // Empty will be interpreted as info, except by serve.

// mustLoadConfig loads the config file for subcommands that are not "serve". It
// restores any loglevel specified on the command-line, instead of using the
// loglevels from the config file.
func mustLoadConfig(log mlog.Log) *settings.Config {
	conf, errs := settings.ParseConfig(context.Background(), log, configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			log.Errorx("config error", err)
		}
		log.Fatal("loading config", slog.Int("errors", len(errs)))
	}
	ll := loglevel
	if ll == "" {
		ll = "info"
	}
	if level, ok := mlog.Levels[ll]; ok {
		conf.Log[""] = level
		mlog.SetConfig(conf.Log)
	} else {
		log.Fatal("unknown loglevel", slog.String("loglevel", loglevel))
	}
	return conf
}

func main() {
	log.SetFlags(0)

	flag.StringVar(&configPath, "config", envString("AUTHVERDICTCONF", filepath.FromSlash("config/authverdict.conf")), "configuration file, defaults to $AUTHVERDICTCONF with a fallback to config/authverdict.conf")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, this log level is set early in startup")

	flag.Usage = func() { usage(cmds, false) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage(cmds, false)
	}

	ll := loglevel
	if ll == "" {
		ll = "info"
	}
	if level, ok := mlog.Levels[ll]; ok {
		mlog.SetConfig(map[string]slog.Level{"": level})
		// note: SetConfig may be called again when subcommands loads config.
	} else {
		log.Fatalf("unknown loglevel %q", loglevel)
	}

	run(args)
}

func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Fatalf("%s: %s", msg, err)
}

func printJSON(indent string, v any) {
	fmt.Printf("%s", indent)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent(indent, "\t")
	enc.SetEscapeHTML(false)
	err := enc.Encode(v)
	xcheckf(err, "encode json")
}

func cmdConfigTest(c *cmd) {
	c.help = `Parses and validates the configuration file.

If valid, the command exits with status 0. If not valid, all errors encountered
are printed.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	_, errs := settings.ParseConfig(context.Background(), c.log, configPath)
	if len(errs) > 1 {
		log.Printf("multiple errors:")
		for _, err := range errs {
			log.Printf("%s", err)
		}
		os.Exit(1)
	} else if len(errs) == 1 {
		log.Fatalf("%s", errs[0])
	}
	fmt.Println("config OK")
}

func cmdConfigDescribe(c *cmd) {
	c.params = ">authverdict.conf"
	c.help = `Prints an annotated empty configuration for use as authverdict.conf.

The configuration file is only read at startup. Authverdict has to be restarted
for changes to take effect.

This configuration file needs modifications to make it valid. For example, it
may contain unfinished list items.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	var sc config.Static
	err := sconf.Describe(os.Stdout, &sc)
	xcheckf(err, "describing config")
}

func cmdVersion(c *cmd) {
	c.help = "Prints this authverdict version."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	fmt.Println(authvar.Version)
	fmt.Printf("%s/%s\n", runtime.GOOS, runtime.GOARCH)
}

func cmdEvaluate(c *cmd) {
	c.params = "[-header] tenant user <message"
	c.help = `Evaluate the Authentication-Results headers of a message read from stdin.

The message is evaluated locally, with the settings for the tenant and user
from the configuration file. The verdict is printed as JSON, or with -header as
a single Authentication-Results header with the trusted results. The verdict is
not stored.
`
	var header bool
	c.flag.BoolVar(&header, "header", false, "print the trusted results as Authentication-Results header instead of the JSON verdict")
	args := c.Parse()
	if len(args) != 2 {
		c.Usage()
	}
	conf := mustLoadConfig(c.log)

	h, err := message.ParseHeader(bufio.NewReader(os.Stdin))
	xcheckf(err, "parsing message header")

	e := authres.NewEvaluator(conf, conf.Options())
	r, err := e.EvaluateMessage(context.Background(), authres.Principal{Tenant: args[0], User: args[1]}, h)
	if errors.Is(err, authres.ErrDisabled) {
		fmt.Fprintln(os.Stderr, "evaluation disabled for tenant and user")
	} else {
		xcheckf(err, "evaluating message")
	}
	if header {
		fmt.Print(r.AuthResults(conf.Static.Hostname).Header())
	} else {
		printJSON("", r)
	}
}

func cmdAuthresultsParse(c *cmd) {
	c.params = "<header-value"
	c.help = `Parse Authentication-Results header values read from stdin, one per line.

Prints the authserv-id and the result clauses as JSON, for checking how headers
added by a mail server are interpreted. A line may include the
"Authentication-Results:" header name.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if k, v, ok := strings.Cut(line, ":"); ok && strings.EqualFold(strings.TrimSpace(k), "Authentication-Results") {
			line = v
		}
		printJSON("", authres.Tokenize(line))
	}
	xcheckf(scanner.Err(), "reading stdin")
}

func cmdAuthservidCheck(c *cmd) {
	c.params = "allowed-authservids authservid ..."
	c.help = `Check if authserv-ids match a list of allowed authserv-ids.

The first parameter is a comma-separated list of allowed authserv-ids, in the
syntax of AllowedAuthServIDs in the configuration file. The exit status is 1 if
one of the authserv-ids does not match.
`
	args := c.Parse()
	if len(args) < 2 {
		c.Usage()
	}

	for _, err := range authres.CheckAllowedAuthServIDs(args[0]) {
		log.Printf("%s", err)
	}
	allowed, err := authres.ParseAllowedAuthServIDs(c.log, args[0])
	xcheckf(err, "parsing allowed authserv-ids")
	failed := false
	for _, id := range args[1:] {
		if allowed.Valid(id) {
			fmt.Printf("%s: allowed\n", id)
		} else {
			fmt.Printf("%s: not allowed\n", id)
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

// apiFlags adds flags for connecting to the HTTP API of a running authverdict.
func apiFlags(c *cmd) *string {
	var baseURL string
	c.flag.StringVar(&baseURL, "baseurl", "", "base url of api, e.g. http://localhost:8025/api/; default based on Listen from the config file; the password is read from $AUTHVERDICTPASSWORD")
	return &baseURL
}

func xclient(c *cmd, baseURL string) webapi.Client {
	if baseURL == "" {
		conf := mustLoadConfig(c.log)
		baseURL = "http://" + conf.Static.Listen + "/api/"
	}
	client := webapi.Client{BaseURL: baseURL}
	if pw := os.Getenv("AUTHVERDICTPASSWORD"); pw != "" {
		client.Username = "admin"
		client.Password = pw
	}
	return client
}

func cmdVerdicts(c *cmd) {
	c.params = "[-baseurl url] [-tenant tenant] [-user user] [-fromdomain domain] [-status status] [-limit n]"
	c.help = `List stored verdicts of a running authverdict, newest first, as JSON.`
	baseURL := apiFlags(c)
	var req webapi.VerdictsRequest
	var status string
	c.flag.StringVar(&req.Tenant, "tenant", "", "only verdicts for tenant")
	c.flag.StringVar(&req.User, "user", "", "only verdicts for user")
	c.flag.StringVar(&req.FromDomain, "fromdomain", "", "only verdicts for messages from domain, in ascii")
	c.flag.StringVar(&status, "status", "", "only verdicts with status: pass, neutral, fail, suspicious")
	c.flag.IntVar(&req.Limit, "limit", 0, "maximum number of verdicts, default 100")
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	req.Status = authres.Status(status)

	l, err := xclient(c, *baseURL).Verdicts(context.Background(), req)
	xcheckf(err, "listing verdicts")
	printJSON("", l)
}

func cmdVerdictRemove(c *cmd) {
	c.params = "[-baseurl url] id"
	c.help = `Remove a stored verdict from a running authverdict.`
	baseURL := apiFlags(c)
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}

	err := xclient(c, *baseURL).VerdictRemove(context.Background(), args[0])
	xcheckf(err, "removing verdict")
}

func cmdCacheClear(c *cmd) {
	c.params = "[-baseurl url]"
	c.help = `Clear the cache of allowed authserv-ids of a running authverdict.

Allowed authserv-ids are cached per tenant and user. The cache is cleared
automatically after CacheTTL.
`
	baseURL := apiFlags(c)
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	err := xclient(c, *baseURL).ClearCache(context.Background())
	xcheckf(err, "clearing cache")
}

func cmdSetapipassword(c *cmd) {
	c.help = `Set a new password for the HTTP API.

The password is read from stdin. Its bcrypt hash is stored in the file
configured as AdminPasswordFile. The file is read for each authentication
attempt, a restart is not needed.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	conf := mustLoadConfig(c.log)

	path := conf.Static.AdminPasswordFile
	if path == "" {
		log.Fatal("no admin password file configured")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(filepath.Dir(conf.File), path)
	}

	pw := xreadpassword(os.Stdin)
	pw, err := precis.OpaqueString.String(pw)
	xcheckf(err, `checking password with "precis" requirements`)
	if len(pw) < 8 {
		log.Fatal("password must be at least 8 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	xcheckf(err, "generating hash for password")
	err = os.WriteFile(path, hash, 0660)
	xcheckf(err, "writing hash to admin password file")
}

func xreadpassword(r io.Reader) string {
	fmt.Printf(`
Type new password. Password WILL echo.

Pick a random, unguessable password of at least 12 characters. Anyone with the
password can read stored verdicts of all tenants.

`)
	fmt.Printf("password: ")
	scanner := bufio.NewScanner(r)
	// A missing trailing newline at EOF is fine, Err is nil in that case.
	scanner.Scan()
	xcheckf(scanner.Err(), "reading stdin")
	pw := scanner.Text()
	if pw == "" {
		log.Fatal("empty password")
	}
	return pw
}
