// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// This program runs the Secure Monitor on an emulated QEMU virt board, with
// its applets linked in, and exposes the Normal World calling conventions
// from the command line or an SSH console.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"k8s.io/klog"
)

func main() {
	klog.InitFlags(nil)

	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")

	subcommands.Register(&bootCmd{}, "")
	subcommands.Register(&smcCmd{}, "")
	subcommands.Register(&consoleCmd{}, "")

	flag.Parse()
	defer klog.Flush()

	os.Exit(int(subcommands.Execute(context.Background())))
}
