// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package cmd implements the Secure Monitor console commands.
package cmd

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"text/tabwriter"

	"golang.org/x/term"

	"github.com/rstenvi/arm64-tee/mem"
	"github.com/rstenvi/arm64-tee/trusted_os_qemu/internal"
)

// Cmd represents a console command.
type Cmd struct {
	Name    string
	Args    int
	Pattern *regexp.Regexp
	Syntax  string
	Help    string
	Fn      func(*term.Terminal, []string) (string, error)
}

var cmds = make(map[string]*Cmd)

// Banner is the console welcome banner.
var Banner string

// TEE is the board instance commands act on.
var TEE *tee.TEE

// Bus is the physical bus accessed by memory commands.
var Bus mem.Bus

// Add registers a command, the default pattern matches the name without
// arguments.
func Add(cmd Cmd) {
	if cmd.Pattern == nil {
		cmd.Pattern = regexp.MustCompile(`^` + cmd.Name + `$`)
	}

	cmds[cmd.Name] = &cmd
}

func names() (list []string) {
	for name := range cmds {
		list = append(list, name)
	}

	sort.Strings(list)

	return
}

// Help returns the list of available commands.
func Help(term *term.Terminal) string {
	var help bytes.Buffer

	t := tabwriter.NewWriter(&help, 16, 8, 0, '\t', tabwriter.TabIndent)

	for _, name := range names() {
		cmd := cmds[name]
		fmt.Fprintf(t, "%s\t%s\t # %s\n", cmd.Name, cmd.Syntax, cmd.Help)
	}

	t.Flush()

	return help.String()
}

// Handle executes a command line, io.EOF is returned to close the session.
func Handle(term *term.Terminal, line string) (err error) {
	var match *Cmd
	var arg []string
	var res string

	for _, name := range names() {
		cmd := cmds[name]

		if m := cmd.Pattern.FindStringSubmatch(line); len(m) > 0 && len(m)-1 >= cmd.Args {
			match = cmd
			arg = m[1:]
			break
		}
	}

	if match == nil {
		if len(line) > 0 {
			fmt.Fprintln(term, "unknown command, type `help`")
		}

		return
	}

	if match.Fn == nil {
		return fmt.Errorf("%s not implemented", match.Name)
	}

	if res, err = match.Fn(term, arg); len(res) > 0 {
		fmt.Fprintln(term, res)
	}

	return
}
