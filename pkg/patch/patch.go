// Package patch applies relational edits across the interdependent MSI
// tables: dropping a new file into the package, or scheduling a new
// custom action. It keeps the cross-table invariants intact: unique
// identifiers, monotonic sequence numbers, valid foreign keys, and a
// single well-formed directory tree.
package patch

import (
	"context"
	"os"
	"strings"

	"github.com/go-kit/kit/log/level"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/parsonage-labs/msipatch/pkg/contexts/ctxlog"
	"github.com/parsonage-labs/msipatch/pkg/destinations"
	"github.com/parsonage-labs/msipatch/pkg/msidb"
)

// anchorAction marks the point in InstallExecuteSequence after which
// files are on disk; new actions schedule after it.
const anchorAction = "InstallFiles"

// maxSequence bounds the free-sequence search. MSI sequence numbers are
// signed 16 bit.
const maxSequence = 32767

// Engine applies patches to one dumped database.
type Engine struct {
	db   *msidb.Database
	arch destinations.Arch
}

func New(db *msidb.Database, arch destinations.Arch) *Engine {
	return &Engine{
		db:   db,
		arch: arch,
	}
}

// FileSpec describes one file drop.
type FileSpec struct {
	Component  string // Component table key
	CabName    string // member name inside the cabinet, also the File key
	DestDir    string // destination path, alias-rooted
	DestName   string // file name at the destination
	SourcePath string // payload on the local disk
}

// InjectFile adds the rows a file drop needs and returns the tables it
// touched, in the order callers must persist them. Directory insertion
// is idempotent; the file, component, and feature link are not, so a
// component name must not be injected twice.
func (e *Engine) InjectFile(ctx context.Context, spec FileSpec) ([]string, error) {
	logger := ctxlog.FromContext(ctx)

	info, err := os.Stat(spec.SourcePath)
	if err != nil {
		return nil, errors.Wrapf(err, "stat payload %s", spec.SourcePath)
	}

	last, err := e.db.LastMediaSequence()
	if err != nil {
		return nil, err
	}
	sequence := last + 1

	feature, err := e.db.TopLevelFeature()
	if err != nil {
		return nil, err
	}

	dirs, err := destinations.Resolve(spec.DestDir, e.arch)
	if err != nil {
		return nil, err
	}
	leaf := dirs[len(dirs)-1].ID

	rows := make([]msidb.Directory, len(dirs))
	for i, d := range dirs {
		rows[i] = msidb.Directory{ID: d.ID, Parent: d.Parent, DefaultDir: d.DefaultDir}
	}
	added, err := e.db.AddDirectories(rows)
	if err != nil {
		return nil, err
	}

	level.Debug(logger).Log(
		"msg", "resolved destination",
		"dest", spec.DestDir,
		"directory", leaf,
		"feature", feature,
		"dirs_added", strings.Join(added, ","),
	)

	if err := e.db.AppendFile(spec.CabName, spec.Component, spec.DestName, info.Size(), sequence); err != nil {
		return nil, err
	}
	if err := e.db.AppendComponent(spec.Component, componentGUID(), leaf, spec.CabName); err != nil {
		return nil, err
	}
	if err := e.db.AppendFeatureComponent(feature, spec.Component); err != nil {
		return nil, err
	}
	if err := e.db.SetLastMediaSequence(sequence); err != nil {
		return nil, err
	}

	level.Debug(logger).Log(
		"msg", "file rows added",
		"file", spec.CabName,
		"sequence", sequence,
		"size", info.Size(),
	)

	return []string{
		msidb.DirectoryTable,
		msidb.ComponentTable,
		msidb.FileTable,
		msidb.FeatureComponentsTable,
		msidb.MediaTable,
	}, nil
}

// componentGUID generates a fresh component id, uppercased and braced
// the way the Component table wants it.
func componentGUID() string {
	return "{" + strings.ToUpper(uuid.New().String()) + "}"
}
