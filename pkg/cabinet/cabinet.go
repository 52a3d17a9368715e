// Package cabinet wraps the external cabinet archive tools: cabextract
// for extraction and member listing, gcab for recompression.
package cabinet

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/go-kit/kit/log/level"
	"github.com/kolide/kit/fsutil"
	"github.com/pkg/errors"

	"github.com/parsonage-labs/msipatch/pkg/contexts/ctxlog"
)

// Cabinet handles one cab archive and its extraction directory, which
// sits beside the archive, named after it.
type Cabinet struct {
	path       string
	extractDir string

	execCC func(context.Context, string, ...string) *exec.Cmd // Allows test overrides
}

type Opt func(*Cabinet)

func WithExecCC(execCC func(context.Context, string, ...string) *exec.Cmd) Opt {
	return func(c *Cabinet) {
		c.execCC = execCC
	}
}

func New(path string, opts ...Opt) *Cabinet {
	c := &Cabinet{
		path:       path,
		extractDir: strings.TrimSuffix(path, filepath.Ext(path)),

		execCC: exec.CommandContext,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// FindCab locates the cabinet stream in a dumped _Streams directory.
func FindCab(streamsDir string) (string, error) {
	entries, err := os.ReadDir(streamsDir)
	if err != nil {
		return "", errors.Wrapf(err, "reading streams dir %s", streamsDir)
	}

	for _, entry := range entries {
		if strings.EqualFold(filepath.Ext(entry.Name()), ".cab") {
			return filepath.Join(streamsDir, entry.Name()), nil
		}
	}
	return "", errors.Errorf("no cabinet stream in %s", streamsDir)
}

// Path returns the archive location.
func (c *Cabinet) Path() string {
	return c.path
}

// ExtractDir returns where members land after Extract.
func (c *Cabinet) ExtractDir() string {
	return c.extractDir
}

// Extract unpacks every member into the extraction directory.
func (c *Cabinet) Extract(ctx context.Context) error {
	if err := os.MkdirAll(c.extractDir, fsutil.DirMode); err != nil {
		return errors.Wrap(err, "making extract dir")
	}

	if _, err := c.execOut(ctx, "", "cabextract", "-d", c.extractDir, c.path); err != nil {
		return errors.Wrap(err, "extracting cabinet")
	}
	return nil
}

// CopyIn stages a payload file into the extraction directory under its
// cabinet member name. Must follow Extract.
func (c *Cabinet) CopyIn(src, memberName string) error {
	if err := fsutil.CopyFile(src, filepath.Join(c.extractDir, memberName)); err != nil {
		return errors.Wrapf(err, "copying %s into extract dir", src)
	}
	return nil
}

// Members lists the archive's member names in cabinet order. Order
// matters: file sequence numbers assume it.
func (c *Cabinet) Members(ctx context.Context) ([]string, error) {
	out, err := c.execOut(ctx, "", "cabextract", "-l", c.path)
	if err != nil {
		return nil, errors.Wrap(err, "listing cabinet members")
	}
	return parseMemberList(out), nil
}

// parseMemberList pulls member names out of cabextract -l output: the
// name column of the table between the dashed separator and the
// trailing blank line.
func parseMemberList(out string) []string {
	var members []string
	inBody := false
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if inBody {
				break
			}
			continue
		}
		if !inBody {
			inBody = strings.HasPrefix(line, "---")
			continue
		}
		parts := strings.SplitN(line, "|", 3)
		if len(parts) == 3 {
			members = append(members, strings.TrimSpace(parts[2]))
		}
	}
	return members
}

// Rebuild recompresses the archive from the extraction directory,
// keeping the original member order and appending newMember last, so
// every pre-existing file sequence stays valid.
func (c *Cabinet) Rebuild(ctx context.Context, newMember string) error {
	members, err := c.Members(ctx)
	if err != nil {
		return err
	}
	members = append(members, newMember)

	args := append([]string{"-c", "-z", "-n", c.path}, members...)
	if _, err := c.execOut(ctx, c.extractDir, "gcab", args...); err != nil {
		return errors.Wrap(err, "rebuilding cabinet")
	}
	return nil
}

func (c *Cabinet) execOut(ctx context.Context, dir, argv0 string, args ...string) (string, error) {
	logger := ctxlog.FromContext(ctx)

	cmd := c.execCC(ctx, argv0, args...)
	cmd.Dir = dir

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
