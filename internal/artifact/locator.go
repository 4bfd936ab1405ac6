// Package artifact locates files produced by the detection pipeline.
package artifact

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"slices"
	"time"

	"github.com/fiap/smartlocation/internal/walk"
)

// Match is a located artifact.
type Match struct {
	Path    string // prefixed with the searched directory
	Rel     string // slash separated, relative to the searched directory
	ModTime time.Time
}

// Find returns the most recently modified file below dir whose base name
// matches one of patterns. Patterns are tried in order and the first pattern
// with a match wins. Equal modification times are resolved by the smaller
// relative path. A missing dir yields no match.
func Find(ctx context.Context, dir string, patterns []string, maxDepth int) (Match, bool) {
	if len(patterns) == 0 {
		return Match{}, false
	}
	for _, p := range patterns {
		if _, err := path.Match(p, ""); err != nil {
			slog.WarnContext(ctx, "invalid artifact pattern", "pattern", p, "error", err)
			return Match{}, false
		}
	}

	root, err := os.OpenRoot(dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.WarnContext(ctx, "can't open artifact directory", "dir", dir, "error", err)
		}
		return Match{}, false
	}
	defer func() { _ = root.Close() }()

	best := make([]*Match, len(patterns))
	for entry, err := range walk.Root(ctx, root, maxDepth) {
		if err != nil {
			slog.DebugContext(ctx, "skipping artifact candidate", "path", entry.Path(), "error", err)
			continue
		}
		name := path.Base(entry.Rel())
		idx := slices.IndexFunc(patterns, func(p string) bool {
			ok, _ := path.Match(p, name)
			return ok
		})
		if idx < 0 {
			continue
		}
		info, err := entry.Stat()
		if err != nil {
			continue
		}
		// a file may match several patterns, each keeps its own winner
		for i := idx; i < len(patterns); i++ {
			if ok, _ := path.Match(patterns[i], name); !ok {
				continue
			}
			cand := Match{Path: entry.Path(), Rel: entry.Rel(), ModTime: info.ModTime()}
			if newer(cand, best[i]) {
				best[i] = &cand
			}
		}
	}
	if ctx.Err() != nil {
		return Match{}, false
	}

	for _, m := range best {
		if m != nil {
			return *m, true
		}
	}
	return Match{}, false
}

func newer(cand Match, cur *Match) bool {
	if cur == nil {
		return true
	}
	switch cand.ModTime.Compare(cur.ModTime) {
	case 1:
		return true
	case -1:
		return false
	default:
		return cand.Rel < cur.Rel
	}
}
