package msidb

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kolide/kit/fsutil"
	"github.com/pkg/errors"
)

// Database is a handle over one msidump output directory. Tables load
// lazily on first use and stay in memory until saved.
type Database struct {
	dir    string
	tables map[string]*Table
}

// Open returns a Database over a directory of dumped IDT files.
func Open(dir string) *Database {
	return &Database{
		dir:    dir,
		tables: make(map[string]*Table),
	}
}

// TablePath returns the on-disk path for a table name.
func (d *Database) TablePath(name string) string {
	return filepath.Join(d.dir, name+".idt")
}

// Table returns the named table, reading it on first access.
func (d *Database) Table(name string) (*Table, error) {
	if t, ok := d.tables[name]; ok {
		return t, nil
	}

	t, err := ReadTable(d.TablePath(name))
	if err != nil {
		return nil, err
	}
	t.Name = name
	d.tables[name] = t
	return t, nil
}

// EnsureTable returns the named table, synthesizing an empty one with
// the given header when the dump did not include it.
func (d *Database) EnsureTable(name string, header []string) (*Table, error) {
	if t, ok := d.tables[name]; ok {
		return t, nil
	}

	t, err := d.Table(name)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	t = &Table{Name: name, Header: header}
	d.tables[name] = t
	return t, nil
}

// Save rewrites the named tables in the given order. Each table is
// written whole, never streamed, so a failure cannot leave a
// half-written table behind a successful return.
func (d *Database) Save(names ...string) error {
	for _, name := range names {
		t, ok := d.tables[name]
		if !ok {
			return errors.Errorf("table %s was never loaded", name)
		}
		if err := t.WriteFile(d.TablePath(name)); err != nil {
			return err
		}
	}
	return nil
}

// Directory is one Directory table row.
type Directory struct {
	ID         string
	Parent     string
	DefaultDir string
}

// AddDirectories inserts any rows not already present, immediately
// after the schema header and in the given order, which keeps parents
// ahead of children within the batch. It returns the ids actually
// added.
func (d *Database) AddDirectories(dirs []Directory) ([]string, error) {
	t, err := d.Table(DirectoryTable)
	if err != nil {
		return nil, err
	}

	existing := make(map[string]bool, len(t.Rows))
	for _, row := range t.Rows {
		if len(row) > 0 {
			existing[row[0]] = true
		}
	}

	var added []string
	at := 0
	for _, dir := range dirs {
		if existing[dir.ID] {
			continue
		}
		t.InsertRow(at, []string{dir.ID, dir.Parent, dir.DefaultDir})
		existing[dir.ID] = true
		added = append(added, dir.ID)
		at++
	}
	return added, nil
}

// TopLevelFeature returns the feature with no parent. Exactly one is
// expected; newly injected components link to it.
func (d *Database) TopLevelFeature() (string, error) {
	t, err := d.Table(FeatureTable)
	if err != nil {
		return "", err
	}

	for _, row := range t.Rows {
		if len(row) >= 2 && strings.TrimSpace(row[1]) == "" {
			return row[0], nil
		}
	}
	return "", errors.New("no top-level feature in Feature table")
}

// LastMediaSequence reads the LastSequence column of the media row.
func (d *Database) LastMediaSequence() (int, error) {
	t, err := d.Table(MediaTable)
	if err != nil {
		return 0, err
	}

	if len(t.Rows) == 0 || len(t.Rows[0]) < 2 {
		return 0, errors.New("Media table has no disk row")
	}

	seq, err := strconv.Atoi(strings.TrimSpace(t.Rows[0][1]))
	if err != nil {
		return 0, errors.Wrapf(err, "parsing media LastSequence %q", t.Rows[0][1])
	}
	return seq, nil
}

// SetLastMediaSequence rewrites the media row's LastSequence so the
// table agrees with the cabinet's content range.
func (d *Database) SetLastMediaSequence(seq int) error {
	t, err := d.Table(MediaTable)
	if err != nil {
		return err
	}

	if len(t.Rows) == 0 || len(t.Rows[0]) < 2 {
		return errors.New("Media table has no disk row")
	}

	t.Rows[0][1] = strconv.Itoa(seq)
	return nil
}

// AppendFile adds one File row. The File key doubles as the cabinet
// member name; sequence ties the row to its position in the cabinet.
func (d *Database) AppendFile(cabName, component, destName string, size int64, sequence int) error {
	t, err := d.Table(FileTable)
	if err != nil {
		return err
	}

	t.Rows = append(t.Rows, []string{
		cabName,
		component,
		destName,
		strconv.FormatInt(size, 10),
		"", // Version
		"", // Language
		"0",
		strconv.Itoa(sequence),
	})
	return nil
}

// componentAttributes is the fixed attribute value stamped on every
// injected component.
const componentAttributes = "256"

// AppendComponent adds one Component row keyed on the new file.
func (d *Database) AppendComponent(name, guid, directory, keyPath string) error {
	t, err := d.Table(ComponentTable)
	if err != nil {
		return err
	}

	t.Rows = append(t.Rows, []string{
		name,
		guid,
		directory,
		componentAttributes,
		"", // Condition
		keyPath,
	})
	return nil
}

// AppendFeatureComponent links a component to a feature.
func (d *Database) AppendFeatureComponent(feature, component string) error {
	t, err := d.Table(FeatureComponentsTable)
	if err != nil {
		return err
	}

	t.Rows = append(t.Rows, []string{feature, component})
	return nil
}

var binaryHeader = []string{
	"Name\tData",
	"s72\tv0",
	"Binary\tName",
}

// StageBinary copies src into the Binary staging directory beside the
// tables and appends the row referencing it, so msibuild imports the
// stream along with the table.
func (d *Database) StageBinary(name, src string) error {
	t, err := d.EnsureTable(BinaryTable, binaryHeader)
	if err != nil {
		return err
	}

	for _, row := range t.Rows {
		if len(row) > 0 && row[0] == name {
			return errors.Errorf("binary %q already exists", name)
		}
	}

	stageDir := filepath.Join(d.dir, BinaryTable)
	if err := os.MkdirAll(stageDir, fsutil.DirMode); err != nil {
		return errors.Wrap(err, "creating binary staging dir")
	}

	data := name + ".ibd"
	if err := fsutil.CopyFile(src, filepath.Join(stageDir, data)); err != nil {
		return errors.Wrapf(err, "staging binary %s", src)
	}

	t.Rows = append(t.Rows, []string{name, data})
	return nil
}

var customActionHeader = []string{
	"Action\tType\tSource\tTarget",
	"s72\ti2\ts72\ts255",
	"CustomAction\tAction",
}

// HasCustomAction reports whether an action name is already taken. A
// missing CustomAction table means no actions exist yet.
func (d *Database) HasCustomAction(name string) (bool, error) {
	t, err := d.EnsureTable(CustomActionTable, customActionHeader)
	if err != nil {
		return false, err
	}

	for _, row := range t.Rows {
		if len(row) > 0 && row[0] == name {
			return true, nil
		}
	}
	return false, nil
}

// AppendCustomAction adds one CustomAction row, synthesizing the table
// when the dump had none.
func (d *Database) AppendCustomAction(name string, typeCode int, source, target string) error {
	t, err := d.EnsureTable(CustomActionTable, customActionHeader)
	if err != nil {
		return err
	}

	t.Rows = append(t.Rows, []string{name, strconv.Itoa(typeCode), source, target})
	return nil
}

// ActionSequence returns the sequence number of a named action in the
// InstallExecuteSequence table.
func (d *Database) ActionSequence(action string) (int, error) {
	t, err := d.Table(InstallExecuteSequenceTable)
	if err != nil {
		return 0, err
	}

	for _, row := range t.Rows {
		if len(row) >= 3 && row[0] == action {
			seq, err := strconv.Atoi(strings.TrimSpace(row[2]))
			if err != nil {
				return 0, errors.Wrapf(err, "parsing sequence for action %s", action)
			}
			return seq, nil
		}
	}
	return 0, errors.Errorf("action %s not present in InstallExecuteSequence", action)
}

// UsedSequences returns every sequence number in use across the
// InstallExecuteSequence table.
func (d *Database) UsedSequences() (map[int]bool, error) {
	t, err := d.Table(InstallExecuteSequenceTable)
	if err != nil {
		return nil, err
	}

	used := make(map[int]bool, len(t.Rows))
	for _, row := range t.Rows {
		if len(row) < 3 {
			continue
		}
		seq, err := strconv.Atoi(strings.TrimSpace(row[2]))
		if err != nil {
			// Some sequence cells hold negative or empty
			// scheduling markers; skip anything non-numeric.
			continue
		}
		used[seq] = true
	}
	return used, nil
}

// AppendExecuteSequence schedules an action at the given sequence.
func (d *Database) AppendExecuteSequence(action, condition string, sequence int) error {
	t, err := d.Table(InstallExecuteSequenceTable)
	if err != nil {
		return err
	}

	t.Rows = append(t.Rows, []string{action, condition, strconv.Itoa(sequence)})
	return nil
}
