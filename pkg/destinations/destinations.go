// Package destinations maps human destination paths, like "Program
// Files\MyApp\Bin", onto rows for an MSI Directory table. The first
// path segment is a well-known folder alias; the rest become synthetic
// directories with deterministic identifiers.
package destinations

import (
	"sort"
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

// Arch is the architecture an MSI targets. Several well-known folders
// resolve to different Directory rows depending on it.
type Arch string

const (
	X86 Arch = "x86"
	X64 Arch = "x64"
)

// ParseArch converts a CLI arch string into an Arch.
func ParseArch(s string) (Arch, error) {
	switch strings.ToLower(s) {
	case "x86", "386":
		return X86, nil
	case "x64", "amd64":
		return X64, nil
	}
	return "", errors.Errorf("unknown arch %q, expected x86 or x64", s)
}

// RootSentinel is the root of the MSI directory tree. Rows parented
// here are anchored at the install target volume.
const RootSentinel = "TARGETDIR"

// Directory is one prospective Directory table row.
type Directory struct {
	ID         string
	Parent     string
	DefaultDir string
}

// folder is a well-known installer folder: its Directory id, the id of
// its parent (which doubles as an alias key, or TARGETDIR), and the
// default directory name.
type folder struct {
	id         string
	parent     string
	defaultDir string
}

type folderFunc func(Arch) folder

func fixed(id, parent, defaultDir string) folderFunc {
	return func(Arch) folder {
		return folder{id, parent, defaultDir}
	}
}

// archSplit picks the first folder under x64 targeting, the second
// under x86.
func archSplit(on64, on32 folder) folderFunc {
	return func(arch Arch) folder {
		if arch == X64 {
			return on64
		}
		return on32
	}
}

// aliases is the well-known folder table, keyed by the lowercased
// alias. Parents are Directory ids, which also serve as alias keys so
// ancestor chains resolve through the same table.
var aliases = map[string]folderFunc{
	"windows": fixed("WindowsFolder", RootSentinel, "Windows"),
	"system32": archSplit(
		folder{"System64Folder", "WindowsFolder", "System64"},
		folder{"SystemFolder", "WindowsFolder", "System32"},
	),
	"systemfolder": archSplit(
		folder{"System64Folder", "WindowsFolder", "System64"},
		folder{"SystemFolder", "WindowsFolder", "System32"},
	),
	"syswow64": archSplit(
		folder{"SystemFolder", "WindowsFolder", "SysWOW64"},
		folder{"System64Folder", "WindowsFolder", "SysWOW64"},
	),
	"fonts": fixed("FontsFolder", "WindowsFolder", "Fonts"),

	"program files": archSplit(
		folder{"ProgramFiles64Folder", RootSentinel, "ProgramFiles"},
		folder{"ProgramFilesFolder", RootSentinel, "ProgramFiles"},
	),
	"program files (x86)": fixed("ProgramFilesFolder", RootSentinel, "ProgramFiles (x86)"),

	"common files": archSplit(
		folder{"CommonFiles64Folder", "ProgramFiles64Folder", "Common Files"},
		folder{"CommonFilesFolder", "ProgramFilesFolder", "Common Files"},
	),

	"programdata": fixed("CommonAppDataFolder", RootSentinel, "CommonAppData"),

	"users": fixed("ProfilesFolder", RootSentinel, "Users"),

	// User personal folders
	"personalfolder":     fixed("PersonalFolder", RootSentinel, "Documents"),
	"appdata":            fixed("AppDataFolder", RootSentinel, "AppData"),
	"localappdata":       fixed("LocalAppDataFolder", RootSentinel, "LocalAppData"),
	"desktop":            fixed("DesktopFolder", RootSentinel, "Desktop"),
	"documents":          fixed("PersonalFolder", RootSentinel, "Documents"),
	"downloads":          fixed("DownloadsFolder", "PersonalFolder", "Downloads"),
	"start menu":         fixed("StartMenuFolder", RootSentinel, "Start Menu"),
	"programs":           fixed("ProgramsFolder", "StartMenuFolder", "Programs"),
	"startup":            fixed("StartupFolder", RootSentinel, "Startup"),
	"sendto":             fixed("SendToFolder", RootSentinel, "SendTo"),
	"templates":          fixed("TemplatesFolder", RootSentinel, "Templates"),
	"favorites":          fixed("FavoritesFolder", RootSentinel, "Favorites"),
	"recent":             fixed("RecentFolder", RootSentinel, "Recent"),
	"nethood":            fixed("NetHoodFolder", RootSentinel, "NetHood"),
	"printhood":          fixed("PrintHoodFolder", RootSentinel, "PrintHood"),
	"common desktop":     fixed("CommonDesktopFolder", RootSentinel, "Desktop"),
	"common programs":    fixed("CommonProgramsFolder", RootSentinel, "Programs"),
	"common start menu":  fixed("CommonStartMenuFolder", RootSentinel, "Start Menu"),
	"common startup":     fixed("CommonStartupFolder", RootSentinel, "Startup"),
	"admin tools":        fixed("AdminToolsFolder", RootSentinel, "AdminTools"),
	"common admin tools": fixed("CommonAdminToolsFolder", RootSentinel, "AdminTools"),
	"internet":           fixed("InternetFolder", RootSentinel, "Internet"),
	"pictures":           fixed("MyPicturesFolder", "PersonalFolder", "My Pictures"),
	"music":              fixed("MyMusicFolder", "PersonalFolder", "My Music"),
	"videos":             fixed("MyVideoFolder", "PersonalFolder", "My Videos"),
	"temp":               fixed("TempFolder", RootSentinel, "Temp"),

	// Folder id aliases, so parent chains and explicit ids resolve
	"system64folder":       fixed("System64Folder", "WindowsFolder", "System64"),
	"programfilesfolder":   fixed("ProgramFilesFolder", RootSentinel, "ProgramFiles"),
	"programfiles64folder": fixed("ProgramFiles64Folder", RootSentinel, "ProgramFiles"),
	"commonfilesfolder":    fixed("CommonFilesFolder", "ProgramFilesFolder", "Common Files"),
	"commonfiles64folder":  fixed("CommonFiles64Folder", "ProgramFiles64Folder", "Common Files"),
	"windowsfolder":        fixed("WindowsFolder", RootSentinel, "Windows"),
	"startmenufolder":      fixed("StartMenuFolder", RootSentinel, "Start Menu"),
}

// List returns every known alias, sorted for display.
func List() []string {
	keys := make([]string, 0, len(aliases))
	for k := range aliases {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Resolve maps a destination path to the ordered Directory rows needed
// to anchor it, ancestors before descendants. The first segment must be
// a known alias; remaining segments become synthetic directories whose
// ids derive deterministically from the parent id and the segment name,
// so resolving the same path twice yields the same rows.
func Resolve(path string, arch Arch) ([]Directory, error) {
	segments := splitPath(path)
	if len(segments) == 0 {
		return nil, errors.New("empty destination path")
	}

	r := &resolver{
		arch:    arch,
		visited: make(map[string]bool),
	}

	parentID, err := r.addAlias(segments[0])
	if err != nil {
		return nil, err
	}

	for _, segment := range segments[1:] {
		id := directoryID(segment, parentID)
		r.entries = append(r.entries, Directory{ID: id, Parent: parentID, DefaultDir: segment})
		parentID = id
	}

	return r.entries, nil
}

func splitPath(path string) []string {
	normalized := strings.ReplaceAll(path, "/", `\`)
	var segments []string
	for _, s := range strings.Split(normalized, `\`) {
		if strings.TrimSpace(s) == "" {
			continue
		}
		segments = append(segments, s)
	}
	return segments
}

type resolver struct {
	arch    Arch
	visited map[string]bool
	entries []Directory
}

// addAlias resolves one well-known alias, adding its ancestors first.
// The visited set breaks self-parenting and longer reference cycles.
func (r *resolver) addAlias(alias string) (string, error) {
	key := strings.ToLower(strings.TrimSpace(alias))

	entry, ok := aliases[key]
	if !ok {
		return "", errors.Errorf("unknown destination %q, see list-destinations for options", alias)
	}

	f := entry(r.arch)

	if r.visited[key] {
		return f.id, nil
	}
	r.visited[key] = true

	if f.parent != RootSentinel && !strings.EqualFold(f.parent, key) {
		if _, err := r.addAlias(f.parent); err != nil {
			return "", errors.Wrapf(err, "resolving parent of %q", alias)
		}
	}

	for _, e := range r.entries {
		if e.ID == f.id {
			return f.id, nil
		}
	}
	r.entries = append(r.entries, Directory{ID: f.id, Parent: f.parent, DefaultDir: f.defaultDir})

	return f.id, nil
}

// directoryID builds a deterministic Directory id for a synthetic path
// segment. Title-cased alphanumerics only, so distinct paths get
// distinct, msi-legal identifiers.
func directoryID(name, parentID string) string {
	safe := sanitizeSegment(name)
	if parentID == "" {
		return safe
	}
	return parentID + "_" + safe
}

func sanitizeSegment(name string) string {
	var b strings.Builder
	prevLetter := false
	for _, r := range name {
		switch {
		case unicode.IsLetter(r):
			if prevLetter {
				b.WriteRune(unicode.ToLower(r))
			} else {
				b.WriteRune(unicode.ToUpper(r))
			}
			prevLetter = true
		case unicode.IsDigit(r):
			b.WriteRune(r)
			prevLetter = false
		default:
			prevLetter = false
		}
	}
	return b.String()
}
