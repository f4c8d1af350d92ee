// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cmd

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"runtime/pprof"

	"golang.org/x/term"
)

func init() {
	Add(Cmd{
		Name: "help",
		Help: "this help",
		Fn:   helpCmd,
	})

	Add(Cmd{
		Name:    "exit, quit",
		Args:    1,
		Pattern: regexp.MustCompile(`^(exit|quit)$`),
		Help:    "detach applet output and close session",
		Fn:      exitCmd,
	})

	Add(Cmd{
		Name: "context",
		Help: "monitor stack, translation roots and running applet",
		Fn:   contextCmd,
	})

	Add(Cmd{
		Name: "goroutines",
		Help: "host stack traces of the emulator goroutines",
		Fn:   goroutinesCmd,
	})
}

func helpCmd(term *term.Terminal, _ []string) (string, error) {
	return Help(term), nil
}

func exitCmd(_ *term.Terminal, _ []string) (string, error) {
	if TEE != nil {
		TEE.Output.Attach(nil)
	}

	return "logout", io.EOF
}

func contextCmd(_ *term.Terminal, _ []string) (string, error) {
	if TEE == nil {
		return "", errNoTEE
	}

	TEE.Lock()
	defer TEE.Unlock()

	cpu := TEE.Machine.CPU
	state := "running"

	if reason, halted := cpu.Halted(); halted {
		state = "halted (" + reason + ")"
	}

	applet := "none"

	if a := TEE.Machine.Monitor.Applets.Current(); a != nil {
		applet = a.String()
	}

	return fmt.Sprintf("core %s sp:%#x ttbr0:%#x ttbr1:%#x\napplet %s",
		state, cpu.SP(), cpu.TTBR0(), cpu.TTBR1(), applet), nil
}

func goroutinesCmd(_ *term.Terminal, _ []string) (string, error) {
	buf := new(bytes.Buffer)
	pprof.Lookup("goroutine").WriteTo(buf, 1)

	return buf.String(), nil
}
