package artifact_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fiap/smartlocation/internal/artifact"
	"github.com/stretchr/testify/require"
)

type file struct {
	path string
	age  time.Duration
}

func mktree(t *testing.T, files ...file) string {
	t.Helper()
	dir := t.TempDir()
	now := time.Now()
	for _, f := range files {
		p := filepath.Join(dir, filepath.FromSlash(f.path))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(f.path), 0o644))
		mtime := now.Add(-f.age)
		require.NoError(t, os.Chtimes(p, mtime, mtime))
	}
	return dir
}

func TestFind(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    []file
		patterns []string
		maxDepth int
		then     string
	}{
		{
			scenario: "newest wins",
			given:    []file{{"a.mp4", 2 * time.Hour}, {"b.mp4", time.Hour}},
			patterns: []string{"*.mp4"},
			maxDepth: 2,
			then:     "b.mp4",
		},
		{
			scenario: "second pattern only when first has no match",
			given:    []file{{"out.csv", time.Hour}},
			patterns: []string{"*.json", "*.csv"},
			maxDepth: 2,
			then:     "out.csv",
		},
		{
			scenario: "first pattern wins over a newer later match",
			given:    []file{{"old.mp4", 5 * time.Hour}, {"new.avi", time.Minute}},
			patterns: []string{"*.mp4", "*.avi", "*.mov"},
			maxDepth: 2,
			then:     "old.mp4",
		},
		{
			scenario: "equal mtime resolved by path",
			given:    []file{{"z.png", time.Hour}, {"m.png", time.Hour}, {"sub/a.png", time.Hour}},
			patterns: []string{"*.png"},
			maxDepth: 2,
			then:     "m.png",
		},
		{
			scenario: "nested within depth",
			given:    []file{{"exp/video.mp4", time.Hour}},
			patterns: []string{"*.mp4"},
			maxDepth: 2,
			then:     "exp/video.mp4",
		},
		{
			scenario: "nested beyond depth",
			given:    []file{{"exp/deep/video.mp4", time.Hour}},
			patterns: []string{"*.mp4"},
			maxDepth: 2,
			then:     "",
		},
		{
			scenario: "pattern matches the file name only",
			given:    []file{{"grafico/x.txt", time.Hour}, {"grafico_1.png", 2 * time.Hour}},
			patterns: []string{"grafico*"},
			maxDepth: 2,
			then:     "grafico_1.png",
		},
		{
			scenario: "no match",
			given:    []file{{"a.txt", time.Hour}},
			patterns: []string{"*.mp4"},
			maxDepth: 2,
			then:     "",
		},
		{
			scenario: "invalid pattern",
			given:    []file{{"a.txt", time.Hour}},
			patterns: []string{"[", "*.txt"},
			maxDepth: 2,
			then:     "",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			dir := mktree(t, tc.given...)
			m, ok := artifact.Find(t.Context(), dir, tc.patterns, tc.maxDepth)
			if tc.then == "" {
				require.False(t, ok)
				return
			}
			require.True(t, ok)
			require.Equal(t, tc.then, m.Rel)
			require.Equal(t, filepath.Join(dir, filepath.FromSlash(tc.then)), m.Path)
		})
	}
}

func TestFind_MissingDir(t *testing.T) {
	t.Parallel()
	_, ok := artifact.Find(t.Context(), filepath.Join(t.TempDir(), "nope"), []string{"*"}, 2)
	require.False(t, ok)
}
