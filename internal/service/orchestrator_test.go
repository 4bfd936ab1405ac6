package service_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fiap/smartlocation/internal/model"
	"github.com/fiap/smartlocation/internal/service"
	"github.com/stretchr/testify/require"
)

const writeResults = `
printf '[{"placaVirtual":"A","confianca":0.9},{"placaVirtual":"B","confianca":0.8}]' > runs/track/deteccoes_motos.json
: > runs/track/video.mp4
: > runs/analise_detalhada/grafico_confianca.png
echo done
`

func pipelineConfig(t *testing.T, script, timeout, wait string) model.Config {
	t.Helper()
	return model.Config{
		Pipeline: model.Pipeline{
			Executable:  shell(t),
			Args:        []string{"-c", script},
			BaseDir:     t.TempDir(),
			Timeout:     timeout,
			WaitTimeout: wait,
		},
	}
}

func newOrchestrator(t *testing.T, cfg model.Config, opts ...service.Option) *service.Orchestrator {
	t.Helper()
	o, err := service.NewOrchestrator(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(o.Close)
	return o
}

func waitCompleted(t *testing.T, o *service.Orchestrator) model.Status {
	t.Helper()
	require.Eventually(t, func() bool {
		return o.Status().State == model.StateCompleted
	}, 15*time.Second, 10*time.Millisecond)
	st := o.Status()
	require.NotNil(t, st.Outcome)
	return st
}

func TestOrchestrator_Success(t *testing.T) {
	t.Parallel()
	cfg := pipelineConfig(t, writeResults, "10s", "20s")
	base := cfg.Pipeline.BaseDir
	require.NoError(t, os.WriteFile(filepath.Join(base, "yolov8m.pt"), []byte("weights"), 0o644))

	o := newOrchestrator(t, cfg)
	require.Equal(t, model.StateIdle, o.Status().State)

	runID, err := o.Start(t.Context())
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	st := waitCompleted(t, o)
	require.Equal(t, runID, st.RunID)
	require.False(t, st.Finished.Before(st.Started))
	require.Equal(t, model.OutcomeSuccess, st.Outcome.Kind, st.Outcome.Message)
	require.NotNil(t, st.Outcome.Summary)

	summary := st.Outcome.Summary
	require.Equal(t, 2, summary.Detections)
	require.Equal(t, "runs/track/video.mp4", summary.Video)
	require.Equal(t, "runs/analise_detalhada/grafico_confianca.png", summary.Chart)
	require.Equal(t, "runs/track/deteccoes_motos.json", summary.Log)
	require.Equal(t, "analysis finished: 2 detections found", st.Outcome.Message)

	detectionsRun, detections := o.Detections(t.Context())
	require.Equal(t, runID, detectionsRun)
	require.Len(t, detections, 2)
	require.Equal(t, "A", detections[0].Plate)
	require.Equal(t, model.LifecyclePending, detections[0].Status)

	// stale files are removed before the run
	require.NoFileExists(t, filepath.Join(base, "yolov8m.pt"))

	report, ok := st.Report()
	require.True(t, ok)
	require.Equal(t, runID, report.RunID)
}

func TestOrchestrator_Failures(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		script   string
		exe      string
		timeout  string
		wait     string
		failure  model.FailureKind
		exitCode int
		output   []string
	}{
		{
			scenario: "non zero exit",
			script:   "echo preparing; echo model not found 1>&2; exit 4",
			timeout:  "10s",
			wait:     "20s",
			failure:  model.FailureNonZeroExit,
			exitCode: 4,
			output:   []string{"preparing", "model not found"},
		},
		{
			scenario: "timeout",
			script:   "sleep 30",
			timeout:  "200ms",
			wait:     "20s",
			failure:  model.FailureTimedOut,
		},
		{
			scenario: "wait timeout",
			script:   "sleep 30",
			timeout:  "300ms",
			wait:     "300ms",
			failure:  model.FailureTimedOut,
		},
		{
			scenario: "launch failure",
			exe:      "smartlocation-pipeline-does-not-exist",
			timeout:  "10s",
			wait:     "20s",
			failure:  model.FailureLaunch,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			cfg := pipelineConfig(t, tc.script, tc.timeout, tc.wait)
			if tc.exe != "" {
				cfg.Pipeline.Executable = tc.exe
			}
			o := newOrchestrator(t, cfg)

			start := time.Now()
			_, err := o.Start(t.Context())
			require.NoError(t, err)
			st := waitCompleted(t, o)
			require.Less(t, time.Since(start), 10*time.Second)

			require.Equal(t, model.OutcomeFailure, st.Outcome.Kind)
			require.Equal(t, tc.failure, st.Outcome.Failure)
			require.Equal(t, tc.exitCode, st.Outcome.ExitCode)
			require.Equal(t, tc.output, st.Outcome.Output)
			require.Nil(t, st.Outcome.Summary)
			require.NotEmpty(t, st.Outcome.Reason)
		})
	}
}

func TestOrchestrator_Cancel(t *testing.T) {
	t.Parallel()
	cfg := pipelineConfig(t, "echo started; sleep 30", "1m", "2m")
	o := newOrchestrator(t, cfg)

	// no-op while idle
	o.Cancel()
	require.Equal(t, model.StateIdle, o.Status().State)

	_, err := o.Start(t.Context())
	require.NoError(t, err)
	require.Equal(t, model.StateRunning, o.Status().State)
	o.Cancel()

	st := waitCompleted(t, o)
	require.Equal(t, model.OutcomeCancelled, st.Outcome.Kind)
	require.Equal(t, "analysis cancelled", st.Outcome.Message)

	// not stuck
	o.Cancel()
	runID, err := o.Start(t.Context())
	require.NoError(t, err)
	require.Equal(t, runID, o.Status().RunID)
	o.Cancel()
	waitCompleted(t, o)
}

func TestOrchestrator_ConcurrentStart(t *testing.T) {
	t.Parallel()
	cfg := pipelineConfig(t, "sleep 30", "1m", "2m")
	o := newOrchestrator(t, cfg)

	const n = 16
	var (
		wg       sync.WaitGroup
		mx       sync.Mutex
		accepted []string
		rejected int
	)
	for range n {
		wg.Go(func() {
			runID, err := o.Start(context.Background())
			mx.Lock()
			defer mx.Unlock()
			switch {
			case err == nil:
				accepted = append(accepted, runID)
			case errors.Is(err, service.ErrAlreadyRunning):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
	wg.Wait()

	require.Len(t, accepted, 1)
	require.Equal(t, n-1, rejected)
	require.Equal(t, accepted[0], o.Status().RunID)

	o.Cancel()
	waitCompleted(t, o)
}

func TestOrchestrator_StatusConcurrent(t *testing.T) {
	t.Parallel()
	cfg := pipelineConfig(t, "sleep 0.2", "10s", "20s")
	o := newOrchestrator(t, cfg)

	_, err := o.Start(t.Context())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for o.Status().State != model.StateCompleted {
				_, _ = o.Detections(context.Background())
				time.Sleep(time.Millisecond)
			}
		})
	}
	wg.Wait()
	require.Equal(t, model.OutcomeSuccess, o.Status().Outcome.Kind)
}

func TestOrchestrator_DetectionsFromDisk(t *testing.T) {
	t.Parallel()
	cfg := pipelineConfig(t, "exit 0", "10s", "20s")
	base := cfg.Pipeline.BaseDir
	require.NoError(t, os.MkdirAll(filepath.Join(base, "runs", "track"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(base, "runs", "track", "deteccoes.json"),
		[]byte(`[{"placaVirtual":"FROM-DISK"}]`), 0o644))

	o := newOrchestrator(t, cfg)
	runID, got := o.Detections(t.Context())
	require.Empty(t, runID)
	require.Len(t, got, 1)
	require.Equal(t, "FROM-DISK", got[0].Plate)
}

func TestOrchestrator_DetectionsKeepProducingRun(t *testing.T) {
	t.Parallel()
	// the second run fails and must not take over the detections
	script := "if [ -f attempted ]; then exit 3; fi; : > attempted\n" + writeResults
	cfg := pipelineConfig(t, script, "10s", "20s")
	o := newOrchestrator(t, cfg)

	first, err := o.Start(t.Context())
	require.NoError(t, err)
	require.Equal(t, model.OutcomeSuccess, waitCompleted(t, o).Outcome.Kind)

	second, err := o.Start(t.Context())
	require.NoError(t, err)
	require.NotEqual(t, first, second)
	st := waitCompleted(t, o)
	require.Equal(t, model.FailureNonZeroExit, st.Outcome.Failure)
	require.Equal(t, second, st.RunID)

	runID, got := o.Detections(t.Context())
	require.Equal(t, first, runID)
	require.Len(t, got, 2)
}

func TestOrchestrator_InvalidConfig(t *testing.T) {
	t.Parallel()
	cfg := pipelineConfig(t, "exit 0", "10m", "1m")
	_, err := service.NewOrchestrator(cfg)
	require.ErrorIs(t, err, model.ErrInvalidConfig)
}

type listener struct {
	mx       sync.Mutex
	started  []string
	finished []model.Report
}

func (l *listener) RunStarted(_ context.Context, runID string, _ time.Time) {
	l.mx.Lock()
	defer l.mx.Unlock()
	l.started = append(l.started, runID)
}

func (l *listener) RunFinished(_ context.Context, report model.Report) {
	l.mx.Lock()
	defer l.mx.Unlock()
	l.finished = append(l.finished, report)
}

func TestOrchestrator_Listener(t *testing.T) {
	t.Parallel()
	metrics, err := service.NewMetrics(nil)
	require.NoError(t, err)

	var l listener
	cfg := pipelineConfig(t, writeResults, "10s", "20s")
	o := newOrchestrator(t, cfg, service.WithListener(&l), service.WithMetrics(metrics))

	runID, err := o.Start(t.Context())
	require.NoError(t, err)
	waitCompleted(t, o)
	o.Close()

	l.mx.Lock()
	defer l.mx.Unlock()
	require.Equal(t, []string{runID}, l.started)
	require.Len(t, l.finished, 1)
	require.Equal(t, runID, l.finished[0].RunID)
	require.Equal(t, model.OutcomeSuccess, l.finished[0].Outcome.Kind)

	_, err = o.Start(t.Context())
	require.ErrorIs(t, err, service.ErrClosed)
}
