// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"runtime"
	"strconv"

	"golang.org/x/term"

	"github.com/rstenvi/arm64-tee/internal/smc"
	"github.com/rstenvi/arm64-tee/mem"
)

var errNoTEE = errors.New("monitor not running")

func init() {
	Add(Cmd{
		Name: "version",
		Help: "monitor version and configuration",
		Fn:   versionCmd,
	})

	Add(Cmd{
		Name: "pmm",
		Help: "secure page usage",
		Fn:   pmmCmd,
	})

	Add(Cmd{
		Name: "applets",
		Help: "registered applets",
		Fn:   appletsCmd,
	})

	Add(Cmd{
		Name:    "pt",
		Args:    1,
		Pattern: regexp.MustCompile(`^pt (\S+)$`),
		Syntax:  "<monitor|applet index>",
		Help:    "translation table mappings",
		Fn:      ptCmd,
	})

	Add(Cmd{
		Name:    "off, reset",
		Args:    1,
		Pattern: regexp.MustCompile(`^(off|reset)$`),
		Help:    "system off or reset request from firmware",
		Fn:      powerCmd,
	})
}

func versionCmd(_ *term.Terminal, _ []string) (string, error) {
	if TEE == nil {
		return "", errNoTEE
	}

	m := TEE.Machine.Monitor

	return fmt.Sprintf("monitor v%s • %s board • %s dispatcher • %s/%s (%s)",
		m.Version, m.Board.Name, m.Router.Dispatcher().Name(), runtime.GOOS, runtime.GOARCH, runtime.Version()), nil
}

func pmmCmd(_ *term.Terminal, _ []string) (string, error) {
	if TEE == nil {
		return "", errNoTEE
	}

	TEE.Lock()
	defer TEE.Unlock()

	p := TEE.Machine.Monitor.PMM
	total, used, free := p.Stats()

	return fmt.Sprintf("start:%#x bitmap:%#x pages total:%d used:%d free:%d", p.Start(), p.Bitmap(), total, used, free), nil
}

func appletsCmd(_ *term.Terminal, _ []string) (string, error) {
	if TEE == nil {
		return "", errNoTEE
	}

	TEE.Lock()
	defer TEE.Unlock()

	var buf bytes.Buffer

	for i, a := range TEE.Machine.Monitor.Applets.List() {
		fmt.Fprintf(&buf, "%2d %s\n", i, a)
	}

	return buf.String(), nil
}

func ptCmd(_ *term.Terminal, arg []string) (res string, err error) {
	if TEE == nil {
		return "", errNoTEE
	}

	TEE.Lock()
	defer TEE.Unlock()

	m := TEE.Machine.Monitor

	if arg[0] == "monitor" {
		return m.MMU.Dump(m.MMU.Root(), 0), nil
	}

	idx, err := strconv.Atoi(arg[0])

	if err != nil {
		return "", fmt.Errorf("invalid applet index, %v", err)
	}

	applets := m.Applets.List()

	if idx < 0 || idx >= len(applets) {
		return "", fmt.Errorf("applet %d not found", idx)
	}

	a := applets[idx]

	if !a.Built() {
		return "", fmt.Errorf("applet %s has no address space yet", a.Name)
	}

	return m.MMU.Dump(a.TTBR, mem.UpperStart), nil
}

func powerCmd(_ *term.Terminal, arg []string) (res string, err error) {
	if TEE == nil {
		return "", errNoTEE
	}

	v := smc.VectorSystemOff

	if arg[0] == "reset" {
		v = smc.VectorSystemReset
	}

	regs, err := TEE.Entry(v)

	if err != nil {
		return
	}

	return fmt.Sprintf("%s: %#x", v, regs[0]), nil
}
