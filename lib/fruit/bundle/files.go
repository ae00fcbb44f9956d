package bundle

import (
	"io/fs"
	"path"
	"path/filepath"
	"strings"
)

// File is a single entry inside a bundle.
type File struct {
	// Bundle is the bundle the file was enumerated from
	Bundle *Bundle
	// RelPath is the file's path relative to the bundle root, in slash form
	RelPath string

	mode fs.FileMode
}

// Path returns the file's location on disk.
func (f *File) Path() string {
	return filepath.Join(f.Bundle.Root, filepath.FromSlash(f.RelPath))
}

// IsSymlink reports whether the file is a symbolic link.
func (f *File) IsSymlink() bool { return f.mode&fs.ModeSymlink != 0 }

// IsMainExecutable reports whether the file is the bundle's main executable.
func (f *File) IsMainExecutable() bool {
	exe := f.Bundle.ExecutablePath()
	return exe != "" && f.RelPath == exe
}

// IsInfoPlist reports whether the file is the bundle's own Info.plist.
func (f *File) IsInfoPlist() bool { return f.RelPath == f.Bundle.infoPath }

// IsSignatureMember reports whether the file belongs to the bundle's
// signature directory.
func (f *File) IsSignatureMember() bool {
	return strings.HasPrefix(f.RelPath, f.Bundle.contentPath("_CodeSignature")+"/")
}

// IsNotarizationTicket reports whether the file is a stapled notarization
// ticket.
func (f *File) IsNotarizationTicket() bool {
	return f.RelPath == f.Bundle.TicketPath()
}

// Files enumerates the regular files and symlinks of the bundle in sorted
// order. Directories are not emitted and symlinks are never followed. When
// traverseNested is false the contents of nested bundles are left out.
func (b *Bundle) Files(traverseNested bool) ([]*File, error) {
	var skip []string
	if !traverseNested {
		nested, err := b.NestedBundles(false)
		if err != nil {
			return nil, err
		}
		for _, n := range nested {
			skip = append(skip, n.RelPath+"/")
		}
	}
	var files []*File
	err := filepath.WalkDir(b.Root, func(fpath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(b.Root, fpath)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		for _, prefix := range skip {
			if strings.HasPrefix(rel+"/", prefix) {
				if d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
		}
		if d.IsDir() {
			return nil
		}
		files = append(files, &File{Bundle: b, RelPath: rel, mode: d.Type()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// NestedBundle is a bundle found inside another bundle.
type NestedBundle struct {
	// RelPath is the nested bundle's path relative to the enclosing bundle's
	// root, in slash form
	RelPath string
	// Bundle is the nested bundle itself
	Bundle *Bundle
}

// NestedBundles enumerates bundles nested inside this one, in the order the
// directory walk finds them. When descend is set the walk continues inside
// each bundle it finds, so the result includes transitively nested bundles
// and the individual versions of versioned frameworks. Otherwise each found
// bundle poisons its own subtree and nothing below it is probed.
//
// Structural directories never match: the walk does not test Contents/, or a
// framework's Resources/ and Versions/, against the bundle layouts, or else a
// framework's resources would read back as a bundle of their own.
func (b *Bundle) NestedBundles(descend bool) ([]NestedBundle, error) {
	furniture := make(map[string]bool)
	for _, dir := range b.layoutDirs() {
		furniture[dir] = true
	}
	var poisoned []string
	var found []NestedBundle
	err := filepath.WalkDir(b.Root, func(fpath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(b.Root, fpath)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." || !d.IsDir() {
			return nil
		}
		for _, prefix := range poisoned {
			if strings.HasPrefix(rel+"/", prefix+"/") {
				return fs.SkipDir
			}
		}
		if furniture[rel] {
			return nil
		}
		nested, err := Open(fpath)
		if err != nil {
			// directories that don't hold an Info.plist are ordinary content
			return nil
		}
		found = append(found, NestedBundle{RelPath: rel, Bundle: nested})
		if !descend {
			poisoned = append(poisoned, rel)
			return nil
		}
		for _, dir := range nested.layoutDirs() {
			furniture[path.Join(rel, dir)] = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}
