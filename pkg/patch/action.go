package patch

import (
	"context"

	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"github.com/parsonage-labs/msipatch/pkg/contexts/ctxlog"
	"github.com/parsonage-labs/msipatch/pkg/destinations"
	"github.com/parsonage-labs/msipatch/pkg/msidb"
)

// ActionKind selects what a custom action executes.
type ActionKind string

const (
	// EmbeddedExe runs an executable embedded in the Binary table.
	EmbeddedExe ActionKind = "embedded-exe"
	// EmbeddedDll calls an export of a DLL embedded in the Binary table.
	EmbeddedDll ActionKind = "embedded-dll"
	// Preinstalled runs a command line with a directory-table source.
	Preinstalled ActionKind = "preinstalled-command"
)

// ParseActionKind converts a CLI kind string into an ActionKind.
func ParseActionKind(s string) (ActionKind, error) {
	switch ActionKind(s) {
	case EmbeddedExe, EmbeddedDll, Preinstalled:
		return ActionKind(s), nil
	}
	return "", errors.Errorf("unknown action kind %q, expected %s, %s or %s",
		s, EmbeddedExe, EmbeddedDll, Preinstalled)
}

// MSI custom action type codes. The base code selects the source kind;
// the async bits request execution without waiting.
const (
	typeEmbeddedDll     = 1
	typeEmbeddedExe     = 2
	typePreinstalledCmd = 226
	asyncExeBits        = 192
	asyncDllBits        = 64
)

// ActionSpec describes one custom action to schedule after the
// install-files anchor.
type ActionSpec struct {
	Name  string
	Kind  ActionKind
	Async bool

	BinaryPath string // embedded kinds: payload to store in the Binary table
	Function   string // embedded-dll: exported function to call
	Args       string // embedded-exe: command line arguments
	Command    string // preinstalled-command: the literal command line
}

// InjectAction stores the action's payload (for embedded kinds),
// schedules it at the first free sequence after the anchor, and adds
// the CustomAction row. Returns the tables touched, in persist order.
func (e *Engine) InjectAction(ctx context.Context, spec ActionSpec) ([]string, error) {
	logger := ctxlog.FromContext(ctx)

	if spec.Name == "" {
		return nil, errors.New("custom action name is required")
	}

	exists, err := e.db.HasCustomAction(spec.Name)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, errors.Errorf("custom action %q already exists", spec.Name)
	}

	var touched []string
	var typeCode int
	var source, target string

	switch spec.Kind {
	case EmbeddedExe:
		typeCode = typeEmbeddedExe
		if spec.Async {
			typeCode += asyncExeBits
		}
		if spec.BinaryPath == "" {
			return nil, errors.Errorf("%s actions require a binary", spec.Kind)
		}
		if err := e.db.StageBinary(spec.Name, spec.BinaryPath); err != nil {
			return nil, err
		}
		source = spec.Name
		target = spec.Args
		touched = append(touched, msidb.BinaryTable)

	case EmbeddedDll:
		typeCode = typeEmbeddedDll
		if spec.Async {
			typeCode += asyncDllBits
		}
		if spec.BinaryPath == "" {
			return nil, errors.Errorf("%s actions require a binary", spec.Kind)
		}
		if spec.Function == "" {
			return nil, errors.Errorf("%s actions require an exported function name", spec.Kind)
		}
		if err := e.db.StageBinary(spec.Name, spec.BinaryPath); err != nil {
			return nil, err
		}
		source = spec.Name
		target = spec.Function
		touched = append(touched, msidb.BinaryTable)

	case Preinstalled:
		typeCode = typePreinstalledCmd
		if spec.Async {
			return nil, errors.Errorf("%s actions have no asynchronous variant", spec.Kind)
		}
		if spec.Command == "" {
			return nil, errors.Errorf("%s actions require a command", spec.Kind)
		}
		source = destinations.RootSentinel
		target = spec.Command

	default:
		return nil, errors.Errorf("unknown action kind %q", spec.Kind)
	}

	sequence, err := e.nextExecuteSequence()
	if err != nil {
		return nil, err
	}

	if err := e.db.AppendExecuteSequence(spec.Name, "", sequence); err != nil {
		return nil, err
	}
	if err := e.db.AppendCustomAction(spec.Name, typeCode, source, target); err != nil {
		return nil, err
	}

	level.Debug(logger).Log(
		"msg", "custom action scheduled",
		"action", spec.Name,
		"kind", spec.Kind,
		"type", typeCode,
		"sequence", sequence,
	)

	return append(touched, msidb.CustomActionTable, msidb.InstallExecuteSequenceTable), nil
}

// nextExecuteSequence finds the first unused sequence number after the
// anchor action, so the new action runs once files are installed. The
// search is bounded; exhausting it is an error, not a spin.
func (e *Engine) nextExecuteSequence() (int, error) {
	anchor, err := e.db.ActionSequence(anchorAction)
	if err != nil {
		return 0, errors.Wrapf(err, "locating anchor action %s", anchorAction)
	}

	used, err := e.db.UsedSequences()
	if err != nil {
		return 0, err
	}

	for seq := anchor + 1; seq <= maxSequence; seq++ {
		if !used[seq] {
			return seq, nil
		}
	}
	return 0, errors.Errorf("no free sequence number after %s", anchorAction)
}
