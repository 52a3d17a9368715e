// Package patcher sequences a whole patch run: dump the MSI's tables
// and streams, rework the embedded cabinet when a file is injected,
// apply the relational edits, and assemble the patched package.
package patcher

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/go-kit/kit/log/level"
	"github.com/kolide/kit/fsutil"
	"github.com/pkg/errors"

	"github.com/parsonage-labs/msipatch/pkg/cabinet"
	"github.com/parsonage-labs/msipatch/pkg/contexts/ctxlog"
	"github.com/parsonage-labs/msipatch/pkg/destinations"
	"github.com/parsonage-labs/msipatch/pkg/msidb"
	"github.com/parsonage-labs/msipatch/pkg/msitool"
	"github.com/parsonage-labs/msipatch/pkg/patch"
)

// streamsDir is where msidump puts the package's binary streams,
// including the embedded cabinet.
const streamsDir = "_Streams"

type Patcher struct {
	msiPath   string
	outPath   string
	workDir   string
	arch      destinations.Arch
	cleanDirs []string // directories to rm on cleanup

	execCC func(context.Context, string, ...string) *exec.Cmd // Allows test overrides

	tool *msitool.Tool
}

type Option func(*Patcher)

func As64bit() Option {
	return func(p *Patcher) {
		p.arch = destinations.X64
	}
}

func As32bit() Option {
	return func(p *Patcher) {
		p.arch = destinations.X86
	}
}

// WithWorkDir sets the dump/staging directory. Without it, each run
// gets a fresh temp directory of its own, so concurrent runs never
// share state.
func WithWorkDir(dir string) Option {
	return func(p *Patcher) {
		p.workDir = dir
	}
}

// WithOutput sets where the patched MSI is written.
func WithOutput(path string) Option {
	return func(p *Patcher) {
		p.outPath = path
	}
}

func WithExecCC(execCC func(context.Context, string, ...string) *exec.Cmd) Option {
	return func(p *Patcher) {
		p.execCC = execCC
	}
}

func New(msiPath string, opts ...Option) (*Patcher, error) {
	p := &Patcher{
		msiPath: msiPath,
		outPath: "patched.msi",
		arch:    destinations.X86,

		execCC: exec.CommandContext,
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.workDir == "" {
		dir, err := os.MkdirTemp("", "msipatch-")
		if err != nil {
			return nil, errors.Wrap(err, "making work dir")
		}
		p.workDir = dir
		p.cleanDirs = append(p.cleanDirs, dir)
	}

	p.tool = msitool.New(msitool.WithExecCC(p.execCC))

	return p, nil
}

// WorkDir returns the dump/staging directory for this run.
func (p *Patcher) WorkDir() string {
	return p.workDir
}

// Cleanup removes temp directories. Meant to be called in a defer.
// Failures are logged, never escalated; the patched MSI is already on
// disk by then.
func (p *Patcher) Cleanup(ctx context.Context) {
	logger := ctxlog.FromContext(ctx)
	for _, d := range p.cleanDirs {
		if err := os.RemoveAll(d); err != nil {
			level.Debug(logger).Log(
				"msg", "cleanup failed",
				"dir", d,
				"err", err,
			)
		}
	}
}

// InjectFile runs the whole file-drop flow and returns the patched MSI
// path. The new payload rides into the cabinet as the last member; the
// table edits happen only after the cabinet is rebuilt, so a tool
// failure midway leaves the original MSI untouched.
func (p *Patcher) InjectFile(ctx context.Context, spec patch.FileSpec) (string, error) {
	logger := ctxlog.FromContext(ctx)

	if err := p.tool.Dump(ctx, p.msiPath, p.workDir); err != nil {
		return "", err
	}

	cabPath, err := cabinet.FindCab(filepath.Join(p.workDir, streamsDir))
	if err != nil {
		return "", err
	}

	cab := cabinet.New(cabPath, cabinet.WithExecCC(p.execCC))
	if err := cab.Extract(ctx); err != nil {
		return "", err
	}
	if err := cab.CopyIn(spec.SourcePath, spec.CabName); err != nil {
		return "", err
	}
	if err := cab.Rebuild(ctx, spec.CabName); err != nil {
		return "", err
	}

	level.Debug(logger).Log(
		"msg", "cabinet rebuilt",
		"cab", cabPath,
		"member", spec.CabName,
	)

	db := msidb.Open(p.workDir)
	engine := patch.New(db, p.arch)

	touched, err := engine.InjectFile(ctx, spec)
	if err != nil {
		return "", err
	}
	if err := db.Save(touched...); err != nil {
		return "", err
	}

	if err := p.assemble(ctx, db, touched); err != nil {
		return "", err
	}

	if err := p.tool.EmbedStream(ctx, p.outPath, filepath.Base(cabPath), cabPath); err != nil {
		return "", err
	}

	level.Debug(logger).Log(
		"msg", "patched msi written",
		"path", p.outPath,
	)

	return p.outPath, nil
}

// InjectAction runs the custom-action flow and returns the patched MSI
// path. No cabinet work: embedded payloads travel in the Binary table,
// which msibuild imports together with its staged streams.
func (p *Patcher) InjectAction(ctx context.Context, spec patch.ActionSpec) (string, error) {
	logger := ctxlog.FromContext(ctx)

	if err := p.tool.Dump(ctx, p.msiPath, p.workDir); err != nil {
		return "", err
	}

	db := msidb.Open(p.workDir)
	engine := patch.New(db, p.arch)

	touched, err := engine.InjectAction(ctx, spec)
	if err != nil {
		return "", err
	}
	if err := db.Save(touched...); err != nil {
		return "", err
	}

	if err := p.assemble(ctx, db, touched); err != nil {
		return "", err
	}

	level.Debug(logger).Log(
		"msg", "patched msi written",
		"path", p.outPath,
	)

	return p.outPath, nil
}

// assemble copies the original MSI to the output path and imports each
// touched table into it, in the order the engine returned them.
func (p *Patcher) assemble(ctx context.Context, db *msidb.Database, touched []string) error {
	if err := fsutil.CopyFile(p.msiPath, p.outPath); err != nil {
		return errors.Wrap(err, "copying original msi")
	}

	for _, name := range touched {
		if err := p.tool.InsertTable(ctx, p.outPath, db.TablePath(name)); err != nil {
			return err
		}
	}
	return nil
}
