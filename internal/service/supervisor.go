package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/fiap/smartlocation/internal/model"
	"github.com/fiap/smartlocation/internal/store"
)

// ErrRunFailed is returned by a oneshot Supervisor when the run did not succeed.
var ErrRunFailed = errors.New("analysis run failed")

// Supervisor drives the Orchestrator: it triggers runs manually or on a
// schedule, records them in the store and uploads the reports.
type Supervisor struct {
	orch      *Orchestrator
	db        *sql.DB
	uploaders []model.Uploader
	oneshot   bool
	scheduler gocron.Scheduler
	start     chan struct{}
	reports   chan model.Report
	done      chan struct{}
	doneOnce  sync.Once
}

// NewSupervisor builds the orchestrator for cfg. A non-nil db enables
// run recording.
func NewSupervisor(ctx context.Context, cfg model.Config, db *sql.DB, opts ...Option) (*Supervisor, error) {
	svcCfg := cfg.Service
	uploaders, err := uploaders(ctx, svcCfg)
	if err != nil {
		return nil, fmt.Errorf("initializing uploaders: %w", err)
	}

	var supervisor = &Supervisor{
		db:        db,
		uploaders: uploaders,
		start:     make(chan struct{}, 1),
		reports:   make(chan model.Report, 1),
		done:      make(chan struct{}),
	}

	if svcCfg.Mode == model.ServiceModeTimer {
		scheduler, err := newScheduler(ctx, svcCfg.Schedule, supervisor.Start)
		if err != nil {
			return nil, fmt.Errorf("timer mode failed: %w", err)
		}
		supervisor.scheduler = scheduler
	}

	opts = append(opts, WithListener(supervisor))
	orch, err := NewOrchestrator(cfg, opts...)
	if err != nil {
		if supervisor.scheduler != nil {
			_ = supervisor.scheduler.Shutdown()
		}
		return nil, err
	}
	supervisor.orch = orch
	return supervisor, nil
}

// SetOneshot makes Do trigger a single run and return once it is reported.
func (s *Supervisor) SetOneshot(oneshot bool) *Supervisor {
	s.oneshot = oneshot
	return s
}

// WithUploaders replaces the uploaders. This method exists for unit testing only.
func (s *Supervisor) WithUploaders(ctx context.Context, uploaders ...model.Uploader) *Supervisor {
	s.closeUploaders(ctx)
	s.uploaders = uploaders
	return s
}

func (s *Supervisor) Orchestrator() *Orchestrator {
	return s.orch
}

// Start asks for a new run. It never blocks: a trigger arriving while
// another one is pending is dropped.
func (s *Supervisor) Start() {
	select {
	case s.start <- struct{}{}:
	default:
	}
}

// RunStarted implements Listener.
func (s *Supervisor) RunStarted(ctx context.Context, runID string, started time.Time) {
	if s.db == nil {
		return
	}
	if err := store.RunStart(ctx, s.db, runID, started); err != nil {
		slog.ErrorContext(ctx, "recording run start failed", "error", err)
	}
}

// RunFinished implements Listener.
func (s *Supervisor) RunFinished(ctx context.Context, report model.Report) {
	if s.db != nil {
		if err := store.RunFinish(ctx, s.db, report); err != nil {
			slog.ErrorContext(ctx, "recording run finish failed", "error", err)
		}
	}
	select {
	case s.reports <- report:
	case <-s.done:
	}
}

// Do runs the supervisor event loop.
// It multiplexes three concerns:
//  1. Start triggers (from Start and the scheduler) - start a new run unless one is active.
//  2. Run reports (from the orchestrator) - uploads them.
//  3. Context cancellation - terminates the loop and begins shutdown.
//
// Modes:
//   - Oneshot: a run is triggered on entry; Do returns after its report is uploaded,
//     with ErrRunFailed if the run did not succeed.
//   - Other modes: errors are only logged; the loop runs until ctx is cancelled.
//
// Shutdown cancels an active run and waits for it.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor")

	if s.scheduler != nil {
		s.scheduler.Start()
		defer func() {
			err := s.scheduler.Shutdown()
			if err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}

	defer func() {
		s.closeUploaders(ctx)
	}()

	defer func() {
		s.orch.Close()
	}()

	// unblocks RunFinished before the orchestrator is closed
	defer s.doneOnce.Do(func() { close(s.done) })

	if s.oneshot {
		if _, err := s.orch.Start(ctx); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.start:
			runID, err := s.orch.Start(ctx)
			if err != nil {
				slog.WarnContext(ctx, "start rejected", "error", err)
				continue
			}
			slog.DebugContext(ctx, "run triggered", "run_id", runID)
		case report := <-s.reports:
			err := s.upload(ctx, report)
			if err != nil {
				slog.ErrorContext(ctx, "upload failed", "run_id", report.RunID, "error", err)
			}
			if s.oneshot {
				if report.Outcome.Kind != model.OutcomeSuccess {
					return errors.Join(fmt.Errorf("%w: %s", ErrRunFailed, report.Outcome.Message), err)
				}
				return err
			}
		}
	}
}

func (s *Supervisor) closeUploaders(ctx context.Context) {
	for _, uploader := range s.uploaders {
		if closer, ok := uploader.(model.UploadCloser); ok {
			err := closer.Close()
			if err != nil {
				slog.ErrorContext(ctx, "closing uploader have failed", "error", err)
			}
		}
	}
}

func (s *Supervisor) upload(ctx context.Context, report model.Report) error {
	var errs []error
	for _, u := range s.uploaders {
		err := u.Upload(ctx, report)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newScheduler(ctx context.Context, cfgp *model.Schedule, startFunc func()) (gocron.Scheduler, error) {
	if cfgp == nil {
		return nil, fmt.Errorf("service.schedule is nil")
	}
	cfg := *cfgp
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var job gocron.JobDefinition
	if cfg.Cron != "" {
		job = gocron.CronJob(cfg.Cron, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron)
	} else {
		d, err := model.ParseISODuration(cfg.Duration)
		if err != nil {
			return nil, fmt.Errorf("parsing service.schedule.duration: %w", err)
		}
		slog.DebugContext(ctx, "successfully parsed", "duration", d.String())
		job = gocron.DurationJob(d)
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(startFunc),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}

func uploaders(_ context.Context, cfg model.Service) ([]model.Uploader, error) {
	if cfg.Dir == "" && cfg.Repository == nil {
		return []model.Uploader{NewWriteUploader(os.Stdout)}, nil
	}
	var uploaders []model.Uploader
	if cfg.Dir != "" {
		u, err := NewOSRootUploader(cfg.Dir)
		if err != nil {
			return nil, err
		}
		uploaders = append(uploaders, u)
	}

	if cfg.Repository != nil {
		u, err := NewRepoUploader(cfg.Repository.URL)
		if err != nil {
			return nil, err
		}
		uploaders = append(uploaders, u)
	}
	return uploaders, nil
}

// WriteUploader writes each report as one JSON line.
type WriteUploader struct {
	w io.Writer
}

func NewWriteUploader(w io.Writer) WriteUploader {
	return WriteUploader{w: w}
}

func (u WriteUploader) Upload(_ context.Context, report model.Report) error {
	if u.w == nil {
		u.w = os.Stdout
	}
	return json.NewEncoder(u.w).Encode(report)
}

// OSRootUploader stores each report as a JSON file in a directory.
type OSRootUploader struct {
	root *os.Root
}

func NewOSRootUploader(path string) (*OSRootUploader, error) {
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, err
	}
	return &OSRootUploader{root: root}, nil
}

func (u *OSRootUploader) Upload(ctx context.Context, report model.Report) error {
	if u.root == nil {
		return errors.New("root already closed")
	}

	path := "analysis-" + report.Finished.Format("2006-01-02-15-04-05") + "-" + report.RunID + ".json"

	f, err := u.root.Create(path)
	if err != nil {
		return fmt.Errorf("creating analysis report: %w", err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		_ = f.Close()
		return fmt.Errorf("saving analysis report: %w", err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("closing analysis report: %w", err)
	}
	slog.InfoContext(ctx, "report saved", "path", path)
	return nil
}

func (u *OSRootUploader) Close() error {
	if u.root == nil {
		return errors.New("uploader already closed")
	}
	err := u.root.Close()
	u.root = nil
	return err
}
