package patcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/parsonage-labs/msipatch/pkg/msidb"
	"github.com/parsonage-labs/msipatch/pkg/patch"
)

func TestInjectFileFlow(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "exec-log")
	t.Setenv("MSIPATCH_TEST_LOG", logPath)

	dir := t.TempDir()
	msiPath := filepath.Join(dir, "orig.msi")
	require.NoError(t, os.WriteFile(msiPath, []byte("MSI-BYTES"), 0644))

	payload := filepath.Join(dir, "payload.bin")
	require.NoError(t, os.WriteFile(payload, []byte("payload"), 0644))

	workDir := filepath.Join(dir, "work")
	require.NoError(t, os.MkdirAll(workDir, 0755))
	outPath := filepath.Join(dir, "patched.msi")

	p, err := New(msiPath,
		As64bit(),
		WithWorkDir(workDir),
		WithOutput(outPath),
		WithExecCC(helperCommandContext),
	)
	require.NoError(t, err)
	defer p.Cleanup(context.TODO())

	out, err := p.InjectFile(context.TODO(), patch.FileSpec{
		Component:  "DropComponent",
		CabName:    "drop.exe",
		DestDir:    `Program Files\MyApp`,
		DestName:   "drop.exe",
		SourcePath: payload,
	})
	require.NoError(t, err)
	require.Equal(t, outPath, out)

	// The output starts as a copy of the original.
	copied, err := os.ReadFile(outPath)
	require.NoError(t, err)
	require.Equal(t, "MSI-BYTES", string(copied))

	// The payload was staged into the cabinet's extraction dir.
	staged, err := os.ReadFile(filepath.Join(workDir, "_Streams", "product", "drop.exe"))
	require.NoError(t, err)
	require.Equal(t, "payload", string(staged))

	// Tables were rewritten on disk: media moved to sequence 11.
	media, err := msidb.ReadTable(filepath.Join(workDir, "Media.idt"))
	require.NoError(t, err)
	require.Equal(t, "11", media.Rows[0][1])

	// Every touched table was inserted, in order, then the cabinet
	// re-embedded.
	invocations := recordedInvocations(t, logPath)
	var inserts []string
	var embeds int
	var gcabs int
	for _, argv := range invocations {
		switch {
		case argv[0] == "msibuild" && argv[2] == "-i":
			inserts = append(inserts, filepath.Base(argv[3]))
		case argv[0] == "msibuild" && argv[2] == "-a":
			embeds++
			require.Equal(t, "product.cab", argv[3])
		case argv[0] == "gcab":
			gcabs++
			require.Equal(t, "drop.exe", argv[len(argv)-1], "new member last")
		}
	}
	require.Equal(t, []string{"Directory.idt", "Component.idt", "File.idt", "FeatureComponents.idt", "Media.idt"}, inserts)
	require.Equal(t, 1, embeds)
	require.Equal(t, 1, gcabs)
}

func TestInjectActionFlow(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "exec-log")
	t.Setenv("MSIPATCH_TEST_LOG", logPath)

	dir := t.TempDir()
	msiPath := filepath.Join(dir, "orig.msi")
	require.NoError(t, os.WriteFile(msiPath, []byte("MSI-BYTES"), 0644))

	binary := filepath.Join(dir, "tool.exe")
	require.NoError(t, os.WriteFile(binary, []byte("MZ"), 0644))

	workDir := filepath.Join(dir, "work")
	require.NoError(t, os.MkdirAll(workDir, 0755))
	outPath := filepath.Join(dir, "patched.msi")

	p, err := New(msiPath,
		WithWorkDir(workDir),
		WithOutput(outPath),
		WithExecCC(helperCommandContext),
	)
	require.NoError(t, err)
	defer p.Cleanup(context.TODO())

	out, err := p.InjectAction(context.TODO(), patch.ActionSpec{
		Name:       "RunTool",
		Kind:       patch.EmbeddedExe,
		Async:      true,
		Args:       "/s",
		BinaryPath: binary,
	})
	require.NoError(t, err)
	require.Equal(t, outPath, out)

	// The binary stream is staged beside the synthesized table.
	staged, err := os.ReadFile(filepath.Join(workDir, "Binary", "RunTool.ibd"))
	require.NoError(t, err)
	require.Equal(t, "MZ", string(staged))

	actions, err := msidb.ReadTable(filepath.Join(workDir, "CustomAction.idt"))
	require.NoError(t, err)
	require.Equal(t, []string{"RunTool", "194", "RunTool", "/s"}, actions.Rows[len(actions.Rows)-1])

	var inserts []string
	for _, argv := range recordedInvocations(t, logPath) {
		if argv[0] == "msibuild" && argv[2] == "-i" {
			inserts = append(inserts, filepath.Base(argv[3]))
		}
	}
	require.Equal(t, []string{"Binary.idt", "CustomAction.idt", "InstallExecuteSequence.idt"}, inserts)
}

func TestNewMakesFreshWorkDir(t *testing.T) {
	t.Parallel()

	a, err := New("orig.msi")
	require.NoError(t, err)
	b, err := New("orig.msi")
	require.NoError(t, err)

	require.NotEqual(t, a.WorkDir(), b.WorkDir())
	require.DirExists(t, a.WorkDir())

	a.Cleanup(context.TODO())
	b.Cleanup(context.TODO())
	require.NoDirExists(t, a.WorkDir())
	require.NoDirExists(t, b.WorkDir())
}

func recordedInvocations(t *testing.T, logPath string) [][]string {
	t.Helper()
	recorded, err := os.ReadFile(logPath)
	require.NoError(t, err)

	var invocations [][]string
	for _, line := range strings.Split(strings.TrimRight(string(recorded), "\n"), "\n") {
		if line == "" {
			continue
		}
		invocations = append(invocations, strings.Split(line, "\x00"))
	}
	return invocations
}

// helperCommandContext re-invokes the test binary so TestHelperProcess
// can stand in for the whole external toolchain.
func helperCommandContext(ctx context.Context, command string, args ...string) *exec.Cmd {
	cs := []string{"-test.run=TestHelperProcess", "--", command}
	cs = append(cs, args...)
	cmd := exec.CommandContext(ctx, os.Args[0], cs...)
	cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1")
	return cmd
}

// TestHelperProcess isn't a real test. It fakes msidump (laying out a
// minimal dump), cabextract, gcab, and msibuild, recording every
// invocation.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	args := os.Args
	for len(args) > 0 {
		if args[0] == "--" {
			args = args[1:]
			break
		}
		args = args[1:]
	}
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "no command")
		os.Exit(2)
	}

	recordInvocation(args)

	command, rest := args[0], args[1:]
	switch command {
	case "msidump":
		// msidump -t -s -d <dir> <msi>
		if len(rest) >= 4 && rest[0] == "-t" {
			if err := layOutDump(rest[3]); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
		}
	case "cabextract":
		if len(rest) > 0 && rest[0] == "-l" {
			fmt.Print("Viewing cabinet: product.cab\n" +
				" File size | Date       Time     | Name\n" +
				"-----------+---------------------+-------------\n" +
				"      2048 | 12.03.2019 15:01:18 | app.exe\n" +
				"\nAll done, no errors.\n")
		}
	case "gcab", "msibuild":
		// Recorded above; nothing to do.
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", command)
		os.Exit(2)
	}
}

func recordInvocation(args []string) {
	logPath := os.Getenv("MSIPATCH_TEST_LOG")
	if logPath == "" {
		return
	}
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s\n", strings.Join(args, "\x00"))
}

// layOutDump writes the minimal msidump output the flows consume: the
// core tables plus the embedded cabinet stream.
func layOutDump(dir string) error {
	tables := map[string]string{
		"Feature": "Feature\tFeature_Parent\tTitle\tDescription\tDisplay\tLevel\tDirectory_\tAttributes\n" +
			"s38\tS38\tL64\tL255\tI2\ti2\tS72\ti2\n" +
			"Feature\tFeature\n" +
			"MainFeature\t\tProduct\t\t1\t1\t\t0\n",
		"Media": "DiskId\tLastSequence\tDiskPrompt\tCabinet\tVolumeLabel\tSource\n" +
			"i2\ti4\tL64\tS255\tS32\tS72\n" +
			"Media\tDiskId\n" +
			"1\t10\t\t#product.cab\t\t\n",
		"Directory": "Directory\tDirectory_Parent\tDefaultDir\n" +
			"s72\tS72\tl255\n" +
			"Directory\tDirectory\n" +
			"TARGETDIR\t\tSourceDir\n",
		"File": "File\tComponent_\tFileName\tFileSize\tVersion\tLanguage\tAttributes\tSequence\n" +
			"s72\ts72\tl255\ti4\tS72\tS20\tI2\ti4\n" +
			"File\tFile\n" +
			"app.exe\tMainComponent\tapp.exe\t2048\t\t\t0\t10\n",
		"Component": "Component\tComponentId\tDirectory_\tAttributes\tCondition\tKeyPath\n" +
			"s72\tS38\ts72\ti2\tS255\tS72\n" +
			"Component\tComponent\n" +
			"MainComponent\t{11111111-2222-3333-4444-555555555555}\tTARGETDIR\t0\t\tapp.exe\n",
		"FeatureComponents": "Feature_\tComponent_\n" +
			"s38\ts72\n" +
			"FeatureComponents\tFeature_\tComponent_\n" +
			"MainFeature\tMainComponent\n",
		"InstallExecuteSequence": "Action\tCondition\tSequence\n" +
			"s72\tS255\tI2\n" +
			"InstallExecuteSequence\tAction\n" +
			"InstallFiles\t\t4000\n" +
			"InstallFinalize\t\t6600\n",
	}

	for name, contents := range tables {
		if err := os.WriteFile(filepath.Join(dir, name+".idt"), []byte(contents), 0644); err != nil {
			return err
		}
	}

	streams := filepath.Join(dir, "_Streams")
	if err := os.MkdirAll(streams, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(streams, "product.cab"), []byte("MSCF"), 0644)
}
