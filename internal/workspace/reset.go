// Package workspace prepares the pipeline base directory for a new run.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"slices"

	"github.com/fiap/smartlocation/internal/harvest"
	"github.com/fiap/smartlocation/internal/model"
)

// Executor runs an external command in dir and waits for it.
type Executor interface {
	Exec(ctx context.Context, cmd model.Command, dir string) error
}

type Resetter struct {
	base       string
	staleFiles []string
	clear      *model.Command
	exec       Executor
}

// New returns a Resetter for base. The clear command of cfg runs only when
// exec is not nil.
func New(base string, cfg model.Reset, exec Executor) Resetter {
	return Resetter{
		base:       base,
		staleFiles: cfg.Files(),
		clear:      cfg.Clear,
		exec:       exec,
	}
}

// Reset deletes the runs tree and the stale files, recreates the empty
// output skeleton and clears the pipeline outputs. Every step is best
// effort: Reset continues after a failure and returns all of them joined.
func (r Resetter) Reset(ctx context.Context) error {
	root, err := os.OpenRoot(r.base)
	if err != nil {
		return fmt.Errorf("opening base dir: %w", err)
	}
	defer func() { _ = root.Close() }()

	var errs []error
	if err := removeTree(root, harvest.RunsDir); err != nil {
		errs = append(errs, err)
	}
	for _, dir := range []string{harvest.TrackDir, harvest.AnalysisDir} {
		if err := root.MkdirAll(dir, 0o755); err != nil {
			errs = append(errs, fmt.Errorf("creating %s: %w", dir, err))
		}
	}
	for _, name := range r.staleFiles {
		err := root.Remove(name)
		switch {
		case err == nil:
			slog.DebugContext(ctx, "stale file removed", "file", name)
		case errors.Is(err, fs.ErrNotExist):
		default:
			errs = append(errs, fmt.Errorf("removing %s: %w", name, err))
		}
	}

	if r.clear != nil && r.exec != nil {
		ctx, cancel := context.WithTimeout(ctx, r.clear.TimeoutDuration())
		defer cancel()
		if err := r.exec.Exec(ctx, *r.clear, r.base); err != nil {
			errs = append(errs, fmt.Errorf("clearing pipeline outputs: %w", err))
		}
	}
	return errors.Join(errs...)
}

// removeTree deletes dir and its content deepest entries first. Entries
// which can't be removed are skipped.
func removeTree(root *os.Root, dir string) error {
	var paths []string
	err := fs.WalkDir(root.FS(), dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == dir {
				return fs.SkipAll
			}
			return nil
		}
		paths = append(paths, p)
		return nil
	})
	if err != nil {
		return fmt.Errorf("walking %s: %w", dir, err)
	}

	slices.SortStableFunc(paths, func(a, b string) int {
		return depth(b) - depth(a)
	})

	var errs []error
	for _, p := range paths {
		if err := root.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("removing %s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}

func depth(p string) int {
	n := 0
	for p != "." && p != "/" && p != "" {
		p = path.Dir(p)
		n++
	}
	return n
}
