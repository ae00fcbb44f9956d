package bundle

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"howett.net/plist"
)

// PackageType classifies a bundle by the layout conventions it follows.
type PackageType int

const (
	// App bundles keep their contents under Contents/ unless built shallow
	// for embedded platforms.
	App PackageType = iota
	// Framework bundles are shallow, with resources beside the code and
	// optionally a Versions/ tree of parallel copies.
	Framework
	// Generic covers loadable bundles, plugins, and anything else without
	// more specific conventions.
	Generic
)

func (t PackageType) String() string {
	switch t {
	case App:
		return "app"
	case Framework:
		return "framework"
	default:
		return "bundle"
	}
}

// layouts are probed in order. A framework's Resources/Info.plist is checked
// before a root Info.plist so that its Resources/ directory is not mistaken
// for the resources of a shallow app.
var layouts = []struct {
	infoPath string
	shallow  bool
	pkgType  PackageType
}{
	{"Contents/Info.plist", false, App},
	{"Resources/Info.plist", true, Framework},
	{"Info.plist", true, Generic},
}

// Bundle is a directory tree laid out as a macOS or iOS bundle.
type Bundle struct {
	// Root is the path of the bundle directory
	Root string
	// Name is the base name of the bundle directory
	Name string
	// Shallow is set when files live at the bundle root instead of under
	// Contents/
	Shallow bool
	// Type reports which layout matched
	Type PackageType

	info     map[string]interface{}
	infoRaw  []byte
	infoPath string
}

// Open reads the Info.plist of the bundle at root and determines its layout.
func Open(root string) (*Bundle, error) {
	root = filepath.Clean(root)
	fi, err := os.Stat(root)
	if err != nil {
		return nil, err
	} else if !fi.IsDir() {
		return nil, fmt.Errorf("%s: not a bundle directory", root)
	}
	for _, layout := range layouts {
		infoRaw, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(layout.infoPath)))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, err
		}
		var info map[string]interface{}
		if _, err := plist.Unmarshal(infoRaw, &info); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", filepath.Join(root, layout.infoPath), err)
		}
		return &Bundle{
			Root:     root,
			Name:     filepath.Base(root),
			Shallow:  layout.shallow,
			Type:     layout.pkgType,
			info:     info,
			infoRaw:  infoRaw,
			infoPath: layout.infoPath,
		}, nil
	}
	return nil, fmt.Errorf("%s: no Info.plist found", root)
}

// Info returns the parsed contents of the bundle's Info.plist.
func (b *Bundle) Info() map[string]interface{} { return b.info }

// InfoPlist returns the raw bytes of the bundle's Info.plist.
func (b *Bundle) InfoPlist() []byte { return b.infoRaw }

// InfoPlistPath returns the location of the Info.plist relative to the bundle
// root, in slash form.
func (b *Bundle) InfoPlistPath() string { return b.infoPath }

func (b *Bundle) infoString(key string) string {
	v, _ := b.info[key].(string)
	return v
}

// Identifier returns the CFBundleIdentifier, or an empty string if the bundle
// does not declare one.
func (b *Bundle) Identifier() string { return b.infoString("CFBundleIdentifier") }

// ExecutableName returns the CFBundleExecutable, or an empty string if the
// bundle does not declare one.
func (b *Bundle) ExecutableName() string { return b.infoString("CFBundleExecutable") }

// DisplayName returns the human-readable name of the bundle.
func (b *Bundle) DisplayName() string {
	if name := b.infoString("CFBundleDisplayName"); name != "" {
		return name
	}
	return b.infoString("CFBundleName")
}

// Version returns the release version of the bundle, falling back to the
// build version.
func (b *Bundle) Version() string {
	if v := b.infoString("CFBundleShortVersionString"); v != "" {
		return v
	}
	return b.infoString("CFBundleVersion")
}

// IconFiles returns the names of the bundle's icon files, if any.
func (b *Bundle) IconFiles() []string {
	var names []string
	if name := b.infoString("CFBundleIconFile"); name != "" {
		names = append(names, name)
	}
	if files, ok := b.info["CFBundleIconFiles"].([]interface{}); ok {
		for _, v := range files {
			if name, _ := v.(string); name != "" {
				names = append(names, name)
			}
		}
	}
	return names
}

// ContentRoot returns the directory holding the bundle's files: the root
// itself for shallow bundles, otherwise Contents/.
func (b *Bundle) ContentRoot() string {
	if b.Shallow {
		return b.Root
	}
	return filepath.Join(b.Root, "Contents")
}

// contentPath maps a slash path relative to the content root onto a path
// relative to the bundle root.
func (b *Bundle) contentPath(rel string) string {
	if b.Shallow {
		return rel
	}
	return path.Join("Contents", rel)
}

// ExecutablePath returns the path of the main executable relative to the
// bundle root, or an empty string if the bundle does not declare one.
func (b *Bundle) ExecutablePath() string {
	name := b.ExecutableName()
	if name == "" {
		return ""
	}
	if b.Shallow {
		return name
	}
	return path.Join("Contents", "MacOS", name)
}

// TicketPath returns the path, relative to the bundle root, where a stapled
// notarization ticket lives. This is a sibling of the signature directory,
// not the CodeResources seal inside it.
func (b *Bundle) TicketPath() string {
	return b.contentPath("CodeResources")
}

// FrameworkVersions lists the version directories present under a framework's
// Versions/ tree in sorted order. Symlinks such as Current are excluded.
func (b *Bundle) FrameworkVersions() ([]string, error) {
	ents, err := os.ReadDir(filepath.Join(b.Root, "Versions"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var versions []string
	for _, ent := range ents {
		if ent.IsDir() {
			versions = append(versions, ent.Name())
		}
	}
	return versions, nil
}

// layoutDirs lists the structural directories of this bundle that cannot
// themselves hold a nested bundle at the top level.
func (b *Bundle) layoutDirs() []string {
	if !b.Shallow {
		return []string{"Contents"}
	}
	if b.Type == Framework {
		return []string{"Resources", "Versions"}
	}
	return nil
}
