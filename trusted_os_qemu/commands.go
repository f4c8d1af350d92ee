// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
	"k8s.io/klog"

	"github.com/rstenvi/arm64-tee/internal/mmu"
	"github.com/rstenvi/arm64-tee/internal/platform"
	"github.com/rstenvi/arm64-tee/internal/smc"
	"github.com/rstenvi/arm64-tee/trusted_os_qemu/cmd"
	"github.com/rstenvi/arm64-tee/trusted_os_qemu/internal"
	"github.com/rstenvi/arm64-tee/util"
)

// common holds the flags shared by every subcommand.
type common struct {
	config string
	elf    string
}

func (c *common) setFlags(f *flag.FlagSet) {
	f.StringVar(&c.config, "config", "", "TOML board configuration (default: QEMU virt)")
	f.StringVar(&c.elf, "elf", "", "monitor ELF image providing the memory layout")
}

// start boots a board instance.
func (c *common) start() (t *tee.TEE, err error) {
	var image *mmu.ImageMap

	conf, err := platform.LoadConfig(c.config)

	if err != nil {
		return
	}

	if c.elf != "" {
		buf, err := os.ReadFile(c.elf)

		if err != nil {
			return nil, err
		}

		im, err := util.ImageMap(buf)

		if err != nil {
			return nil, fmt.Errorf("invalid image %s, %v", c.elf, err)
		}

		image = &im
	}

	if t, err = tee.New(conf, image); err != nil {
		return
	}

	t.Output.Stdout = os.Stdout

	if _, err = t.Boot(); err != nil {
		return nil, fmt.Errorf("boot failed, %v", err)
	}

	return
}

type bootCmd struct {
	common
}

func (*bootCmd) Name() string     { return "boot" }
func (*bootCmd) Synopsis() string { return "boot the monitor and its applets" }
func (*bootCmd) Usage() string {
	return "boot [-config file] [-elf monitor.elf]\n"
}

func (b *bootCmd) SetFlags(f *flag.FlagSet) {
	b.setFlags(f)
}

func (b *bootCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	t, err := b.start()

	if err != nil {
		klog.Errorf("%v", err)
		return subcommands.ExitFailure
	}

	for i, a := range t.Machine.Monitor.Applets.List() {
		fmt.Printf("%2d %s\n", i, a)
	}

	return subcommands.ExitSuccess
}

type smcCmd struct {
	common
}

func (*smcCmd) Name() string     { return "smc" }
func (*smcCmd) Synopsis() string { return "boot and issue an SMC" }
func (*smcCmd) Usage() string {
	return "smc [-config file] <hex id> [hex args...]\n"
}

func (s *smcCmd) SetFlags(f *flag.FlagSet) {
	s.setFlags(f)
}

func (s *smcCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() < 1 || f.NArg() > 8 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	var args []uint64

	for _, a := range f.Args() {
		v, err := strconv.ParseUint(a, 16, 64)

		if err != nil {
			klog.Errorf("invalid argument %q, %v", a, err)
			return subcommands.ExitUsageError
		}

		args = append(args, v)
	}

	t, err := s.start()

	if err != nil {
		klog.Errorf("%v", err)
		return subcommands.ExitFailure
	}

	regs, err := t.SMC(args...)

	if err != nil {
		klog.Errorf("%s failed, %v", smc.CallID(args[0]), err)
		return subcommands.ExitFailure
	}

	fmt.Printf("x0:%#x x1:%#x x2:%#x x3:%#x\n", regs[0], regs[1], regs[2], regs[3])

	return subcommands.ExitSuccess
}

type consoleCmd struct {
	common
	addr string
}

func (*consoleCmd) Name() string     { return "console" }
func (*consoleCmd) Synopsis() string { return "boot and serve the SSH console" }
func (*consoleCmd) Usage() string {
	return "console [-config file] [-addr host:port]\n"
}

func (c *consoleCmd) SetFlags(f *flag.FlagSet) {
	c.setFlags(f)
	f.StringVar(&c.addr, "addr", "", "listening address (default: configuration ssh address)")
}

func (c *consoleCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	t, err := c.start()

	if err != nil {
		klog.Errorf("%v", err)
		return subcommands.ExitFailure
	}

	cmd.TEE = t
	cmd.Banner = fmt.Sprintf("%s/%s (%s) • TEE Secure Monitor (S-EL1)", runtime.GOOS, runtime.GOARCH, runtime.Version())

	if cmd.Bus, err = physicalBus(t); err != nil {
		klog.Errorf("%v", err)
		return subcommands.ExitFailure
	}

	addr := c.addr

	if addr == "" {
		addr = t.Config.SSH
	}

	listener, err := net.Listen("tcp", addr)

	if err != nil {
		klog.Errorf("could not initialize SSH listener, %v", err)
		return subcommands.ExitFailure
	}

	console := &util.Console{
		Banner:  cmd.Banner,
		Help:    cmd.Help,
		Handler: cmd.Handle,
		Output: func(term *term.Terminal) {
			t.Output.Attach(term)
		},
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return console.Serve(listener)
	})

	g.Go(func() error {
		<-ctx.Done()
		return listener.Close()
	})

	if err = g.Wait(); err != nil && !errors.Is(err, net.ErrClosed) {
		klog.Errorf("%v", err)
		return subcommands.ExitFailure
	}

	klog.Infof("SM says goodbye")

	return subcommands.ExitSuccess
}
