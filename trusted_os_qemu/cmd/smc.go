// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cmd

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/rstenvi/arm64-tee/internal/smc"
)

func init() {
	Add(Cmd{
		Name:    "smc",
		Args:    1,
		Pattern: regexp.MustCompile(`^smc ([[:xdigit:]]+)((?: [[:xdigit:]]+){0,7})$`),
		Syntax:  "<hex id> [hex args]",
		Help:    "issue an SMC from the Normal World",
		Fn:      smcCmd,
	})

	Add(Cmd{
		Name:    "call",
		Args:    2,
		Pattern: regexp.MustCompile(`^call (\d+) (\d+) ?(.*)$`),
		Syntax:  "<applet> <cmd> [data]",
		Help:    "invoke an applet service with a shared buffer",
		Fn:      callCmd,
	})
}

func smcCmd(_ *term.Terminal, arg []string) (res string, err error) {
	if TEE == nil {
		return "", errNoTEE
	}

	var args []uint64

	for _, s := range append([]string{arg[0]}, strings.Fields(arg[1])...) {
		v, err := strconv.ParseUint(s, 16, 64)

		if err != nil {
			return "", fmt.Errorf("invalid argument, %v", err)
		}

		args = append(args, v)
	}

	regs, err := TEE.SMC(args...)

	if err != nil {
		return
	}

	return fmt.Sprintf("%s x0:%#x x1:%#x x2:%#x x3:%#x", smc.CallID(args[0]), regs[0], regs[1], regs[2], regs[3]), nil
}

func callCmd(_ *term.Terminal, arg []string) (res string, err error) {
	if TEE == nil {
		return "", errNoTEE
	}

	idx, err := strconv.Atoi(arg[0])

	if err != nil {
		return "", fmt.Errorf("invalid applet index, %v", err)
	}

	cmd, err := strconv.ParseUint(arg[1], 10, 64)

	if err != nil {
		return "", fmt.Errorf("invalid command, %v", err)
	}

	var data []byte

	if len(arg) > 2 {
		data = []byte(arg[2])
	}

	ret, err := TEE.Client.Call(idx, cmd, data)

	if err != nil {
		return
	}

	return fmt.Sprintf("%d (%#x)", ret, ret), nil
}
