package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/authverdict/authverdict/mlog"
)

// cmd is a subcommand, named by one or more words. A command sets its params
// and help text, registers its flags and then calls Parse. To print usage, a
// command is run up to its Parse call, see describe.
type cmd struct {
	words []string
	fn    func(c *cmd)

	flag       *flag.FlagSet
	flagArgs   []string
	describing bool

	unlisted bool   // Only listed when asked for explicitly.
	params   string // Parameters, each line is a separate usage line.
	help     string // First line is a synopsis, shown in listings.

	log mlog.Log
}

// stopDescribe is the panic value with which Parse stops a command that is
// being described.
type stopDescribe struct{}

var cmds []cmd

func init() {
	for _, xc := range commands {
		cmds = append(cmds, cmd{words: strings.Fields(xc.cmd), fn: xc.fn})
	}
}

func (c *cmd) name() string {
	return "authverdict " + strings.Join(c.words, " ")
}

// Parse parses the flags and returns the remaining arguments.
func (c *cmd) Parse() []string {
	if c.describing {
		panic(stopDescribe{})
	}
	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	return c.flag.Args()
}

// Usage prints the usage and full help of the command, and exits.
func (c *cmd) Usage() {
	c.writeUsage(os.Stderr, true)
	os.Exit(2)
}

// describe returns a copy of c with its flags, params and help filled in.
func (c cmd) describe() cmd {
	c.flag = flag.NewFlagSet(c.name(), flag.ContinueOnError)
	c.describing = true
	func() {
		defer func() {
			x := recover()
			if _, ok := x.(stopDescribe); x != nil && !ok {
				panic(x)
			}
		}()
		c.fn(&c)
	}()
	c.describing = false
	return c
}

func (c *cmd) usageLines() []string {
	var l []string
	for _, p := range strings.Split(strings.TrimSpace(c.params), "\n") {
		l = append(l, strings.TrimSpace(c.name()+" "+p))
	}
	return l
}

// writeUsage writes the usage lines and flags, and the help text if full is set.
func (c *cmd) writeUsage(w io.Writer, full bool) {
	for i, line := range c.usageLines() {
		pre := "      "
		if i == 0 {
			pre = "usage:"
		}
		fmt.Fprintln(w, pre, line)
	}
	c.flag.SetOutput(w)
	c.flag.PrintDefaults()
	if full && c.help != "" {
		fmt.Fprint(w, "\n"+c.help+"\n")
	}
}

// match returns the command named by args, or the commands whose names start with
// args.
func match(args []string) (exact *cmd, partial []cmd) {
	for i, c := range cmds {
		if slices.Equal(c.words, args) {
			return &cmds[i], nil
		}
		if len(args) < len(c.words) && slices.Equal(c.words[:len(args)], args) {
			partial = append(partial, c)
		}
	}
	return nil, partial
}

func cmdHelp(c *cmd) {
	c.params = "[command ...]"
	c.help = `Prints help about matching commands.

A command that matches exactly has its usage and full help text printed.
Otherwise all commands starting with the words are listed, with the first line
of their help text.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	exact, partial := match(args)
	if exact != nil {
		xc := exact.describe()
		xc.writeUsage(os.Stdout, true)
		return
	}
	if len(partial) == 0 {
		fmt.Fprintf(os.Stderr, "%s: unknown command\n", strings.Join(args, " "))
		os.Exit(2)
	}
	for _, pc := range partial {
		pc = pc.describe()
		fmt.Println(pc.name())
		if synopsis, _, _ := strings.Cut(pc.help, "\n"); synopsis != "" {
			fmt.Printf("\t%s\n", synopsis)
		}
	}
}

func cmdHelpall(c *cmd) {
	c.unlisted = true
	c.help = `Print usage and help text of all listed commands, for documentation.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	first := true
	for _, xc := range cmds {
		xc = xc.describe()
		if xc.unlisted {
			continue
		}
		if !first {
			fmt.Fprintln(os.Stderr)
		}
		first = false

		fmt.Fprintf(os.Stderr, "# %s\n\n", xc.name())
		if xc.help != "" {
			fmt.Fprintln(os.Stderr, xc.help)
		}
		var b strings.Builder
		xc.writeUsage(&b, false)
		fmt.Fprintln(os.Stderr, "\t"+strings.ReplaceAll(strings.TrimRight(b.String(), "\n"), "\n", "\n\t"))
	}
}

// usage prints usage lines for the commands and exits. Unlisted commands are
// only included if all is set.
func usage(l []cmd, all bool) {
	var lines []string
	if !all {
		lines = append(lines, "authverdict [-config authverdict.conf] [-loglevel level] ...")
	}
	for _, c := range l {
		c = c.describe()
		if c.unlisted && !all {
			continue
		}
		lines = append(lines, c.usageLines()...)
	}
	for i, line := range lines {
		pre := "      "
		if i == 0 {
			pre = "usage:"
		}
		fmt.Fprintln(os.Stderr, pre, line)
	}
	os.Exit(2)
}

// run runs the command named by the leading words of args. If no command
// matches, usage is printed.
func run(args []string) {
	for _, c := range cmds {
		if len(args) < len(c.words) || !slices.Equal(c.words, args[:len(c.words)]) {
			continue
		}
		c.flag = flag.NewFlagSet(c.name(), flag.ExitOnError)
		c.flagArgs = args[len(c.words):]
		c.log = mlog.New(strings.Join(c.words, ""), nil)
		c.fn(&c)
		return
	}
	var partial []cmd
	for _, c := range cmds {
		if len(c.words) > 1 && c.words[0] == args[0] {
			partial = append(partial, c)
		}
	}
	if len(partial) > 0 {
		usage(partial, true)
	}
	usage(cmds, false)
}
