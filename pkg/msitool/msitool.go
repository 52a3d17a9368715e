// Package msitool wraps the external msitools commands: msidump for
// exporting an MSI's tables and streams, msibuild for importing changed
// tables and embedding streams.
package msitool

import (
	"bytes"
	"context"
	"os/exec"
	"sort"
	"strings"

	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"github.com/parsonage-labs/msipatch/pkg/contexts/ctxlog"
)

// Tool invokes msidump and msibuild.
type Tool struct {
	execCC func(context.Context, string, ...string) *exec.Cmd // Allows test overrides
}

type Opt func(*Tool)

func WithExecCC(execCC func(context.Context, string, ...string) *exec.Cmd) Opt {
	return func(t *Tool) {
		t.execCC = execCC
	}
}

func New(opts ...Opt) *Tool {
	t := &Tool{
		execCC: exec.CommandContext,
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Dump exports msiPath's tables (IDT files) and streams into outDir.
func (t *Tool) Dump(ctx context.Context, msiPath, outDir string) error {
	if _, err := t.execOut(ctx, "msidump", "-t", "-s", "-d", outDir, msiPath); err != nil {
		return errors.Wrap(err, "dumping msi")
	}
	return nil
}

// InsertTable imports one IDT file into msiPath, replacing the table.
func (t *Tool) InsertTable(ctx context.Context, msiPath, idtPath string) error {
	if _, err := t.execOut(ctx, "msibuild", msiPath, "-i", idtPath); err != nil {
		return errors.Wrapf(err, "inserting table %s", idtPath)
	}
	return nil
}

// EmbedStream stores streamFile in msiPath under streamName.
func (t *Tool) EmbedStream(ctx context.Context, msiPath, streamName, streamFile string) error {
	if _, err := t.execOut(ctx, "msibuild", msiPath, "-a", streamName, streamFile); err != nil {
		return errors.Wrapf(err, "embedding stream %s", streamName)
	}
	return nil
}

func (t *Tool) execOut(ctx context.Context, argv0 string, args ...string) (string, error) {
	logger := ctxlog.FromContext(ctx)

	cmd := t.execCC(ctx, argv0, args...)

	level.Debug(logger).Log(
		"msg", "execing",
		"cmd", strings.Join(cmd.Args, " "),
	)

	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	cmd.Stdout, cmd.Stderr = stdout, stderr
	if err := cmd.Run(); err != nil {
		return "", errors.Wrapf(err, "run command %s %v\nstdout=%s\nstderr=%s", argv0, args, stdout, stderr)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// requiredTools maps each external command to the package providing it.
var requiredTools = map[string]string{
	"msidump":    "msitools",
	"msibuild":   "msitools",
	"cabextract": "cabextract",
	"gcab":       "gcab",
}

// lookPath is swappable for tests.
var lookPath = exec.LookPath

// CheckTools probes for the external commands the patcher shells out
// to, returning the sorted packages that would need installing.
func CheckTools() []string {
	missing := make(map[string]bool)
	for tool, pkg := range requiredTools {
		if _, err := lookPath(tool); err != nil {
			missing[pkg] = true
		}
	}

	pkgs := make([]string, 0, len(missing))
	for pkg := range missing {
		pkgs = append(pkgs, pkg)
	}
	sort.Strings(pkgs)
	return pkgs
}
