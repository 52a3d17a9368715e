package main

import (
	"context"
	"flag"
	"strings"

	"github.com/go-kit/kit/log/level"
	"github.com/kolide/kit/env"
	"github.com/kolide/kit/logutil"
	"github.com/peterbourgon/ff/v3"
	"github.com/pkg/errors"

	"github.com/parsonage-labs/msipatch/pkg/contexts/ctxlog"
	"github.com/parsonage-labs/msipatch/pkg/destinations"
	"github.com/parsonage-labs/msipatch/pkg/msitool"
	"github.com/parsonage-labs/msipatch/pkg/patch"
	"github.com/parsonage-labs/msipatch/pkg/patcher"
)

func runInjectAction(args []string) error {
	flagset := flag.NewFlagSet("inject-action", flag.ExitOnError)
	var (
		flMSI = flagset.String(
			"msi",
			env.String("MSI", ""),
			"path to the original MSI file",
		)
		flAction = flagset.String(
			"action",
			"",
			"name for the new custom action",
		)
		flKind = flagset.String(
			"kind",
			string(patch.EmbeddedExe),
			"action kind: embedded-exe, embedded-dll, or preinstalled-command",
		)
		flBinary = flagset.String(
			"binary",
			"",
			"binary to embed (embedded kinds)",
		)
		flFunction = flagset.String(
			"function",
			"",
			"exported function to call (embedded-dll)",
		)
		flArgs = flagset.String(
			"args",
			"",
			"arguments for the embedded executable",
		)
		flCommand = flagset.String(
			"command",
			"",
			"command line to run (preinstalled-command)",
		)
		flAsync = flagset.Bool(
			"async",
			false,
			"run the action asynchronously",
		)
		flArch = flagset.String(
			"arch",
			"x86",
			"target architecture (x86 or x64)",
		)
		flOut = flagset.String(
			"out",
			"patched.msi",
			"path for the patched MSI",
		)
		flDebug = flagset.Bool(
			"debug",
			false,
			"enable debug logging",
		)
	)

	flagset.Usage = usageFor(flagset, "msipatch inject-action [flags]")
	if err := ff.Parse(flagset, args, ff.WithEnvVarPrefix("MSIPATCH")); err != nil {
		return err
	}

	logger := logutil.NewCLILogger(*flDebug)
	ctx := ctxlog.NewContext(context.Background(), logger)

	if *flMSI == "" || *flAction == "" {
		return errors.New("inject-action requires -msi and -action")
	}

	kind, err := patch.ParseActionKind(*flKind)
	if err != nil {
		return err
	}

	arch, err := destinations.ParseArch(*flArch)
	if err != nil {
		return err
	}

	if missing := msitool.CheckTools(); len(missing) > 0 {
		return errors.Errorf("missing required tools, install with: sudo apt install %s", strings.Join(missing, " "))
	}

	opts := []patcher.Option{patcher.WithOutput(*flOut)}
	if arch == destinations.X64 {
		opts = append(opts, patcher.As64bit())
	}

	p, err := patcher.New(*flMSI, opts...)
	if err != nil {
		return err
	}
	defer p.Cleanup(ctx)

	out, err := p.InjectAction(ctx, patch.ActionSpec{
		Name:       *flAction,
		Kind:       kind,
		Async:      *flAsync,
		BinaryPath: *flBinary,
		Function:   *flFunction,
		Args:       *flArgs,
		Command:    *flCommand,
	})
	if err != nil {
		return errors.Wrap(err, "injecting custom action")
	}

	level.Info(logger).Log(
		"msg", "patched msi created",
		"path", out,
		"action", *flAction,
		"kind", kind,
	)

	return nil
}
