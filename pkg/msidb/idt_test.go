package msidb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const mediaFixture = "DiskId\tLastSequence\tDiskPrompt\tCabinet\tVolumeLabel\tSource\n" +
	"i2\ti4\tL64\tS255\tS32\tS72\n" +
	"Media\tDiskId\n" +
	"1\t10\t\t#product.cab\t\t\n"

func TestReadTableRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "Media.idt")
	require.NoError(t, os.WriteFile(path, []byte(mediaFixture), 0644))

	table, err := ReadTable(path)
	require.NoError(t, err)
	require.Equal(t, "Media", table.Name)
	require.Len(t, table.Header, 3)
	require.Equal(t, "Media\tDiskId", table.Header[2])
	require.Len(t, table.Rows, 1)
	require.Equal(t, []string{"1", "10", "", "#product.cab", "", ""}, table.Rows[0])

	// Rewriting an untouched table must reproduce the input bytes.
	require.Equal(t, mediaFixture, string(table.Marshal()))
}

func TestReadTableTooShort(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "Broken.idt")
	require.NoError(t, os.WriteFile(path, []byte("OnlyOneLine\n"), 0644))

	_, err := ReadTable(path)
	require.Error(t, err)
}

func TestInsertRow(t *testing.T) {
	t.Parallel()

	table := &Table{
		Name:   "Directory",
		Header: []string{"a", "b", "c"},
		Rows: [][]string{
			{"TARGETDIR", "", "SourceDir"},
			{"ProgramFilesFolder", "TARGETDIR", "ProgramFiles"},
		},
	}

	table.InsertRow(0, []string{"WindowsFolder", "TARGETDIR", "Windows"})
	require.Equal(t, [][]string{
		{"WindowsFolder", "TARGETDIR", "Windows"},
		{"TARGETDIR", "", "SourceDir"},
		{"ProgramFilesFolder", "TARGETDIR", "ProgramFiles"},
	}, table.Rows)

	table.InsertRow(1, []string{"SystemFolder", "WindowsFolder", "System32"})
	require.Equal(t, "SystemFolder", table.Rows[1][0])
	require.Equal(t, "TARGETDIR", table.Rows[2][0])
	require.Len(t, table.Rows, 4)
}

func TestWriteFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "Media.idt")
	require.NoError(t, os.WriteFile(path, []byte(mediaFixture), 0644))

	table, err := ReadTable(path)
	require.NoError(t, err)

	table.Rows[0][1] = "11"
	require.NoError(t, table.WriteFile(path))

	reread, err := ReadTable(path)
	require.NoError(t, err)
	require.Equal(t, "11", reread.Rows[0][1])
	require.Equal(t, table.Header, reread.Header)
}
