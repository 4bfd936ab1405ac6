// Package harvest collects the artifacts written by a finished pipeline run.
package harvest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fiap/smartlocation/internal/artifact"
	"github.com/fiap/smartlocation/internal/model"
)

// Directories below the pipeline base directory. They are a contract with
// the pipeline and must not change on one side only.
const (
	RunsDir     = "runs"
	TrackDir    = "runs/track"
	AnalysisDir = "runs/analise_detalhada"
)

var (
	VideoPatterns     = []string{"*.mp4", "*.avi", "*.mov"}
	ChartPatterns     = []string{"*.png", "*.jpg", "grafico*.png"}
	DetectionPatterns = []string{"deteccoes*.json", "resultado*.json"}
)

// Result is a harvested run: the summary for the caller and the parsed records.
type Result struct {
	Summary    model.ResultSummary
	Detections []model.DetectionRecord
}

type Harvester struct {
	base     string
	fallback string
	maxDepth int
	now      func() time.Time
}

// New returns a Harvester for the pipeline base directory. Relative
// directories are resolved against the working directory.
func New(pipeline model.Pipeline, cfg model.Harvest) (Harvester, error) {
	base, err := filepath.Abs(pipeline.BaseDir)
	if err != nil {
		return Harvester{}, fmt.Errorf("resolving base dir: %w", err)
	}
	var fallback string
	if pipeline.FallbackDir != "" {
		fallback, err = filepath.Abs(pipeline.FallbackDir)
		if err != nil {
			return Harvester{}, fmt.Errorf("resolving fallback dir: %w", err)
		}
	}
	return Harvester{
		base:     base,
		fallback: fallback,
		maxDepth: cfg.Depth(),
		now:      time.Now,
	}, nil
}

// BaseDir returns the absolute pipeline base directory.
func (h Harvester) BaseDir() string {
	return h.base
}

// OutputDir returns the first existing directory of runs/track, the
// fallback directory and the base directory.
func (h Harvester) OutputDir() string {
	for _, dir := range []string{filepath.Join(h.base, filepath.FromSlash(TrackDir)), h.fallback} {
		if dir == "" {
			continue
		}
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return h.base
}

// Harvest locates the video, chart and detection log of the last run and
// parses the log. A malformed log is logged and yields zero detections.
func (h Harvester) Harvest(ctx context.Context) Result {
	out := h.OutputDir()
	slog.DebugContext(ctx, "harvesting results", "dir", out)

	var (
		video, chart, detlog string
		records              []model.DetectionRecord
		parseErr             error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		video = h.find(gctx, VideoPatterns, out)
		return nil
	})
	g.Go(func() error {
		chart = h.find(gctx, ChartPatterns, filepath.Join(h.base, filepath.FromSlash(AnalysisDir)), out)
		return nil
	})
	g.Go(func() error {
		m, ok := artifact.Find(gctx, out, DetectionPatterns, h.maxDepth)
		if !ok {
			return nil
		}
		detlog = h.rel(m.Path)
		records, parseErr = ParseFile(m.Path)
		return nil
	})
	_ = g.Wait()

	summary := model.ResultSummary{
		Video:     video,
		Chart:     chart,
		Log:       detlog,
		Completed: h.now(),
	}
	if parseErr != nil {
		slog.ErrorContext(ctx, "can't parse detection log", "log", detlog, "error", parseErr)
		summary.ParseError = parseErr.Error()
		records = nil
	}
	summary.Detections = len(records)
	return Result{Summary: summary, Detections: records}
}

// Pending returns the records of the newest detection log on disk.
func (h Harvester) Pending(ctx context.Context) []model.DetectionRecord {
	m, ok := artifact.Find(ctx, h.OutputDir(), DetectionPatterns, h.maxDepth)
	if !ok {
		return nil
	}
	records, err := ParseFile(m.Path)
	if err != nil {
		slog.ErrorContext(ctx, "can't parse detection log", "log", h.rel(m.Path), "error", err)
		return nil
	}
	return records
}

func (h Harvester) find(ctx context.Context, patterns []string, dirs ...string) string {
	for _, dir := range dirs {
		if m, ok := artifact.Find(ctx, dir, patterns, h.maxDepth); ok {
			return h.rel(m.Path)
		}
	}
	return ""
}

// rel returns path relative to the base directory, slash separated.
func (h Harvester) rel(path string) string {
	r, err := filepath.Rel(h.base, path)
	if err != nil {
		return filepath.Base(path)
	}
	return filepath.ToSlash(r)
}

func ParseFile(path string) ([]model.DetectionRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return ParseDetections(f)
}

// ParseDetections decodes a JSON array of detection records. Records
// without a status are pending.
func ParseDetections(r io.Reader) ([]model.DetectionRecord, error) {
	var records []model.DetectionRecord
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, fmt.Errorf("decoding detections: %w", err)
	}
	for i := range records {
		if records[i].Status == "" {
			records[i].Status = model.LifecyclePending
		}
	}
	if records == nil {
		records = []model.DetectionRecord{}
	}
	return records, nil
}
