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

func runInjectFile(args []string) error {
	flagset := flag.NewFlagSet("inject-file", flag.ExitOnError)
	var (
		flMSI = flagset.String(
			"msi",
			env.String("MSI", ""),
			"path to the original MSI file",
		)
		flFile = flagset.String(
			"file",
			"",
			"file to inject into the MSI",
		)
		flDest = flagset.String(
			"dest",
			"system32",
			"destination folder alias or path (see list-destinations)",
		)
		flName = flagset.String(
			"name",
			"",
			"target filename when dropped",
		)
		flCab = flagset.String(
			"cab",
			"",
			"filename inside the cabinet archive",
		)
		flComponent = flagset.String(
			"component",
			"MyComponent",
			"MSI component name",
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

	flagset.Usage = usageFor(flagset, "msipatch inject-file [flags]")
	if err := ff.Parse(flagset, args, ff.WithEnvVarPrefix("MSIPATCH")); err != nil {
		return err
	}

	logger := logutil.NewCLILogger(*flDebug)
	ctx := ctxlog.NewContext(context.Background(), logger)

	if *flMSI == "" || *flFile == "" || *flName == "" || *flCab == "" {
		return errors.New("inject-file requires -msi, -file, -name, and -cab")
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

	out, err := p.InjectFile(ctx, patch.FileSpec{
		Component:  *flComponent,
		CabName:    *flCab,
		DestDir:    *flDest,
		DestName:   *flName,
		SourcePath: *flFile,
	})
	if err != nil {
		return errors.Wrap(err, "injecting file")
	}

	level.Info(logger).Log(
		"msg", "patched msi created",
		"path", out,
		"dest", *flDest,
		"arch", arch,
	)

	return nil
}
