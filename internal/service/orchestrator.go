package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fiap/smartlocation/internal/harvest"
	"github.com/fiap/smartlocation/internal/log"
	"github.com/fiap/smartlocation/internal/model"
	"github.com/fiap/smartlocation/internal/workspace"
)

var (
	ErrAlreadyRunning = errors.New("analysis already running")
	ErrClosed         = errors.New("orchestrator closed")

	// ErrWaitTimedOut is the cause of a run exceeding pipeline.wait_timeout.
	ErrWaitTimedOut = fmt.Errorf("wait: %w", ErrTimedOut)
)

// Listener observes runs. It is called from the background task, outside
// of the orchestrator lock.
type Listener interface {
	RunStarted(ctx context.Context, runID string, started time.Time)
	RunFinished(ctx context.Context, report model.Report)
}

// Orchestrator runs the detection pipeline in the background, one run at
// a time: it resets the workspace, executes the pipeline and harvests its
// output. Callers poll Status for the outcome.
type Orchestrator struct {
	pipeline  model.Pipeline
	runner    *Runner
	resetter  workspace.Resetter
	harvester harvest.Harvester
	listener  Listener
	metrics   *Metrics
	now       func() time.Time

	wg sync.WaitGroup

	mx         sync.Mutex
	status     model.Status
	cancelRun  context.CancelCauseFunc
	detections []model.DetectionRecord
	harvestRun string // run that produced detections
	harvested  bool
	closed     bool
}

type Option func(*Orchestrator)

func WithListener(l Listener) Option {
	return func(o *Orchestrator) { o.listener = l }
}

func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// NewOrchestrator validates cfg and returns an idle orchestrator.
func NewOrchestrator(cfg model.Config, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h, err := harvest.New(cfg.Pipeline, cfg.Harvest)
	if err != nil {
		return nil, err
	}
	runner := NewRunner()
	o := &Orchestrator{
		pipeline:  cfg.Pipeline,
		runner:    runner,
		resetter:  workspace.New(h.BaseDir(), cfg.Reset, runner),
		harvester: h,
		now:       func() time.Time { return time.Now().UTC() },
		status:    model.Status{State: model.StateIdle},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// BaseDir returns the absolute pipeline base directory.
func (o *Orchestrator) BaseDir() string {
	return o.harvester.BaseDir()
}

// Start launches a new run and returns its id without waiting for it.
// It returns ErrAlreadyRunning while another run is active. The run
// keeps the values of ctx, but not its cancellation.
func (o *Orchestrator) Start(ctx context.Context) (string, error) {
	o.mx.Lock()
	defer o.mx.Unlock()
	if o.closed {
		return "", ErrClosed
	}
	if o.status.State == model.StateRunning {
		o.metrics.rejected(ctx)
		return "", ErrAlreadyRunning
	}

	runID := uuid.NewString()
	started := o.now()
	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	runCtx = log.WithRunID(runCtx, runID)

	o.cancelRun = cancel
	o.status = model.Status{
		State:   model.StateRunning,
		RunID:   runID,
		Started: started,
	}
	o.metrics.started(ctx)

	o.wg.Add(1)
	go o.run(runCtx, cancel, runID, started)
	return runID, nil
}

// Status returns a snapshot of the current state.
func (o *Orchestrator) Status() model.Status {
	o.mx.Lock()
	defer o.mx.Unlock()
	return o.status
}

// Cancel requests termination of the active run. Status reports
// Running until the background task observes the process end.
// Cancel is a no-op when no run is active.
func (o *Orchestrator) Cancel() {
	o.mx.Lock()
	defer o.mx.Unlock()
	if o.cancelRun != nil {
		o.cancelRun(ErrCancelled)
	}
}

// Detections returns the records of the last harvested run and the id of
// that run. Before the first run of this process they are read from the
// newest detection log on disk and the run id is empty.
func (o *Orchestrator) Detections(ctx context.Context) (string, []model.DetectionRecord) {
	o.mx.Lock()
	if o.harvested {
		runID, ret := o.harvestRun, slices.Clone(o.detections)
		o.mx.Unlock()
		return runID, ret
	}
	o.mx.Unlock()
	return "", o.harvester.Pending(ctx)
}

// Close cancels the active run and waits for the background task.
func (o *Orchestrator) Close() {
	o.mx.Lock()
	o.closed = true
	if o.cancelRun != nil {
		o.cancelRun(ErrCancelled)
	}
	o.mx.Unlock()
	o.wg.Wait()
}

func (o *Orchestrator) run(ctx context.Context, cancel context.CancelCauseFunc, runID string, started time.Time) {
	defer o.wg.Done()
	defer cancel(nil)

	slog.InfoContext(ctx, "analysis started")
	if o.listener != nil {
		o.listener.RunStarted(ctx, runID, started)
	}

	wctx, wcancel := context.WithTimeoutCause(ctx, o.pipeline.WaitTimeoutDuration(), ErrWaitTimedOut)
	outcome, records := o.execute(wctx)
	wcancel()

	o.mx.Lock()
	o.status.State = model.StateCompleted
	o.status.Finished = o.now()
	o.status.Outcome = &outcome
	if outcome.Kind == model.OutcomeSuccess {
		o.detections = records
		o.harvestRun = runID
		o.harvested = true
	}
	o.cancelRun = nil
	report, _ := o.status.Report()
	o.mx.Unlock()

	slog.InfoContext(ctx, "analysis finished",
		"outcome", outcome.Kind,
		"message", outcome.Message,
		"duration", report.Finished.Sub(report.Started),
	)

	// the listener may persist the report even when the run was cancelled
	lctx := context.WithoutCancel(ctx)
	o.metrics.finished(lctx, report)
	if o.listener != nil {
		o.listener.RunFinished(lctx, report)
	}
}

func (o *Orchestrator) execute(ctx context.Context) (model.Outcome, []model.DetectionRecord) {
	if err := o.resetter.Reset(ctx); err != nil {
		slog.WarnContext(ctx, "workspace reset failed, continuing", "error", err)
	}
	if ctx.Err() != nil {
		return o.interrupted(context.Cause(ctx)), nil
	}

	res, err := o.runner.Run(ctx, Command{
		Path:    o.pipeline.Executable,
		Args:    o.pipeline.ExpandArgs(),
		Env:     envList(o.pipeline.Env),
		Dir:     o.harvester.BaseDir(),
		Timeout: o.pipeline.TimeoutDuration(),
	}, pipelineLine)
	if err != nil {
		return model.Failure(model.FailureInternal, err.Error()), nil
	}

	switch res.Kind {
	case LaunchFailed:
		return model.Failure(model.FailureLaunch, res.Err.Error()), nil
	case TimedOut, Cancelled:
		return o.interrupted(res.Err), nil
	}

	if res.Code != 0 {
		outcome := model.NonZeroExit(res.Code)
		outcome.Output = res.Tail
		return outcome, nil
	}

	return o.harvest(ctx)
}

// harvest collects the output of a zero exit. The run is still interrupted
// when the wait timeout or a cancel lands before the harvest completes.
func (o *Orchestrator) harvest(ctx context.Context) (model.Outcome, []model.DetectionRecord) {
	if ctx.Err() == nil {
		h := o.harvester.Harvest(ctx)
		if ctx.Err() == nil {
			return model.Success(h.Summary), h.Detections
		}
	}
	return o.interrupted(context.Cause(ctx)), nil
}

func (o *Orchestrator) interrupted(cause error) model.Outcome {
	switch {
	case errors.Is(cause, ErrWaitTimedOut):
		return model.Failure(model.FailureTimedOut,
			fmt.Sprintf("pipeline did not finish within the wait timeout of %s", o.pipeline.WaitTimeoutDuration()))
	case errors.Is(cause, ErrTimedOut):
		return model.Failure(model.FailureTimedOut,
			fmt.Sprintf("pipeline did not finish within %s", o.pipeline.TimeoutDuration()))
	default:
		return model.Cancelled()
	}
}

func pipelineLine(ctx context.Context, line string) {
	slog.InfoContext(ctx, line, "stream", "pipeline")
}
