// Package msidb models the tab-separated IDT table files that msidump
// exports from an MSI database. Tables are read whole, mutated in
// memory, and rewritten whole; the three schema header lines are
// preserved verbatim.
package msidb

import (
	"bytes"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Table names as msidump writes them (without the .idt extension).
const (
	BinaryTable                 = "Binary"
	ComponentTable              = "Component"
	CustomActionTable           = "CustomAction"
	DirectoryTable              = "Directory"
	FeatureTable                = "Feature"
	FeatureComponentsTable      = "FeatureComponents"
	FileTable                   = "File"
	InstallExecuteSequenceTable = "InstallExecuteSequence"
	MediaTable                  = "Media"
)

// headerLines is the count of schema metadata lines at the top of an
// IDT file: column names, column types, and the key declaration.
const headerLines = 3

// Table is one IDT file: its verbatim header and its data rows.
type Table struct {
	Name   string
	Header []string
	Rows   [][]string
}

// ReadTable parses the IDT file at path.
func ReadTable(path string) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading table %s", path)
	}

	name := strings.TrimSuffix(strings.TrimSuffix(baseName(path), ".idt"), ".IDT")
	t, err := parseTable(name, raw)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing table %s", path)
	}
	return t, nil
}

func baseName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}

func parseTable(name string, raw []byte) (*Table, error) {
	lines := strings.Split(string(raw), "\n")

	// A trailing newline produces one empty trailing element.
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	if len(lines) < headerLines {
		return nil, errors.Errorf("want at least %d header lines, have %d", headerLines, len(lines))
	}

	t := &Table{
		Name:   name,
		Header: lines[:headerLines],
	}
	for _, line := range lines[headerLines:] {
		t.Rows = append(t.Rows, strings.Split(line, "\t"))
	}
	return t, nil
}

// Marshal renders the table back to IDT bytes, header first, one
// newline-terminated row per line.
func (t *Table) Marshal() []byte {
	var b bytes.Buffer
	for _, h := range t.Header {
		b.WriteString(h)
		b.WriteByte('\n')
	}
	for _, row := range t.Rows {
		b.WriteString(strings.Join(row, "\t"))
		b.WriteByte('\n')
	}
	return b.Bytes()
}

// WriteFile rewrites the whole table at path.
func (t *Table) WriteFile(path string) error {
	if err := os.WriteFile(path, t.Marshal(), 0644); err != nil {
		return errors.Wrapf(err, "writing table %s", path)
	}
	return nil
}

// InsertRow places row at index i, shifting later rows down.
func (t *Table) InsertRow(i int, row []string) {
	t.Rows = append(t.Rows, nil)
	copy(t.Rows[i+1:], t.Rows[i:])
	t.Rows[i] = row
}
