// Package service runs the detection pipeline and supervises its runs.
//
// Overview
// The Orchestrator owns the single run state of the process. Start moves it
// from idle or completed to running and launches a background task; it
// returns ErrAlreadyRunning while a run is active. Callers observe the
// result only through Status, there is no future to wait on.
//
// The background task does, in order:
//   - workspace.Resetter.Reset: removes the outputs of the previous run (best effort)
//   - Runner.Run: executes the pipeline, streaming its output line by line
//   - harvest.Harvester.Harvest: locates the video, chart and detection log
//
// Runner is a thin, opinionated wrapper around os/exec:
//   - one process at a time, ErrRunInProgress otherwise
//   - combined stdout and stderr, split into lines, last lines kept
//   - own process group on unix, killed as a whole
//   - classifies the end as exited, timed out, cancelled or launch failed
//
// Data flow:
//
//	Supervisor          Orchestrator             Runner{cmd}
//	    |                    |                       |
//	Start() ------------>| Start() -> go run         |
//	    |                    | Reset                 |
//	    |                    | Run() --------------->| Start() + Wait()
//	    |                    |<------ Result --------| (process exits)
//	    |                    | Harvest               |
//	    |<-- RunFinished ----| status = Completed    |
//	 upload                  |                       |
//
// Two timeouts apply: pipeline.timeout bounds the process, pipeline.wait_timeout
// bounds the whole background task including reset and harvest.
// Cancellation and timeouts are context cancellation causes, so the Runner
// tells ErrCancelled from ErrTimedOut without shared flags.
//
// Invariants:
//   - At most one run is active; its cancel function exists only while running.
//   - Each run ends with exactly one transition to completed and one RunFinished call.
//   - Reset and harvest failures are logged and never fail a run.
package service
