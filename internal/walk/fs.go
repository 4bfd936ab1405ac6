package walk

import (
	"context"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"
)

// Entry is a regular file found during a walk.
type Entry interface {
	// Path returns the path prefixed with the name of the walked filesystem.
	Path() string
	// Rel returns the slash separated path relative to the walked root.
	Rel() string
	Open() (io.ReadCloser, error)
	Stat() (fs.FileInfo, error)
}

// Unlimited disables the depth bound of FS and Root.
const Unlimited = -1

// Root is a convenience wrapper around FS for os.Root. See FS for details.
func Root(ctx context.Context, root *os.Root, maxDepth int) iter.Seq2[Entry, error] {
	return FS(ctx, root.FS(), root.Name(), maxDepth)
}

// FS walks the filesystem rooted at root and returns a handle for every regular file found
// at most maxDepth levels below the root. Files directly inside root are at depth 1.
// A negative maxDepth walks the whole tree.
// Each Entry's Path() is prefixed with name. It does not follow symlinks.
func FS(ctx context.Context, root fs.FS, name string, maxDepth int) iter.Seq2[Entry, error] {
	if root == nil {
		panic("root is nil")
	}

	return func(yield func(Entry, error) bool) {
		fn := func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return fs.SkipAll
			}
			if err == nil && d.IsDir() {
				if path != "." && maxDepth >= 0 && depth(path) >= maxDepth {
					return fs.SkipDir
				}
				return nil
			}
			if maxDepth >= 0 && depth(path) > maxDepth {
				return nil
			}
			var entry = fsEntry{
				root:    root,
				abspath: filepath.Join(name, filepath.FromSlash(path)),
				path:    path,
			}
			var yieldErr error
			if err != nil {
				yieldErr = err
			} else {
				info, err := d.Info()
				if err != nil {
					entry.infoErr = err
					yieldErr = err
				} else {
					if !info.Mode().IsRegular() {
						return nil
					}
					entry.info = info
				}
			}

			if !yield(entry, yieldErr) {
				return fs.SkipAll
			}
			return nil
		}
		_ = fs.WalkDir(root, ".", fn)
	}
}

func depth(path string) int {
	return strings.Count(path, "/") + 1
}

// fsEntry implements Entry for a filesystem
// it uses root.Open to open the file
type fsEntry struct {
	root    fs.FS
	abspath string
	path    string
	info    fs.FileInfo
	infoErr error
}

func (e fsEntry) Path() string {
	return e.abspath
}

func (e fsEntry) Rel() string {
	return e.path
}

func (e fsEntry) Open() (io.ReadCloser, error) {
	if e.infoErr != nil {
		return nil, e.infoErr
	}
	return e.root.Open(e.path)
}

func (e fsEntry) Stat() (fs.FileInfo, error) {
	return e.info, e.infoErr
}
