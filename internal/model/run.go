package model

import (
	"fmt"
	"time"
)

// RunState is the lifecycle state of the analysis orchestrator.
type RunState int

const (
	StateIdle RunState = iota
	StateRunning
	StateCompleted
)

func (s RunState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("RunState(%d)", int(s))
	}
}

func (s RunState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// OutcomeKind tags the terminal classification of a run.
type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeFailure   OutcomeKind = "failure"
	OutcomeCancelled OutcomeKind = "cancelled"
)

// FailureKind says why a run failed.
type FailureKind string

const (
	FailureLaunch      FailureKind = "launch_failure"
	FailureTimedOut    FailureKind = "timed_out"
	FailureNonZeroExit FailureKind = "non_zero_exit"
	FailureInternal    FailureKind = "internal"
)

// Outcome is the immutable result of a finished run. Summary is set for
// OutcomeSuccess only, Failure, Reason, ExitCode and Output for OutcomeFailure only.
type Outcome struct {
	Kind     OutcomeKind    `json:"kind"`
	Summary  *ResultSummary `json:"summary,omitempty"`
	Failure  FailureKind    `json:"failure,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	ExitCode int            `json:"exit_code,omitempty"`
	Output   []string       `json:"output,omitempty"` // last lines of the pipeline output
	Message  string         `json:"message"`
}

func Success(summary ResultSummary) Outcome {
	return Outcome{
		Kind:    OutcomeSuccess,
		Summary: &summary,
		Message: fmt.Sprintf("analysis finished: %d detections found", summary.Detections),
	}
}

func Failure(kind FailureKind, reason string) Outcome {
	return Outcome{
		Kind:    OutcomeFailure,
		Failure: kind,
		Reason:  reason,
		Message: "analysis failed: " + reason,
	}
}

// NonZeroExit is a Failure carrying the exit code of the pipeline.
func NonZeroExit(code int) Outcome {
	o := Failure(FailureNonZeroExit, fmt.Sprintf("exit code %d", code))
	o.ExitCode = code
	return o
}

func Cancelled() Outcome {
	return Outcome{
		Kind:    OutcomeCancelled,
		Message: "analysis cancelled",
	}
}

// ResultSummary describes the harvested artifacts of a successful run.
// Paths are slash separated and relative to the pipeline base directory.
type ResultSummary struct {
	Video      string    `json:"video,omitempty"`
	Chart      string    `json:"chart,omitempty"`
	Log        string    `json:"log,omitempty"`
	Detections int       `json:"detections"`
	ParseError string    `json:"parse_error,omitempty"`
	Completed  time.Time `json:"completed"`
}

// Status is a snapshot of the orchestrator state.
type Status struct {
	State    RunState  `json:"state"`
	RunID    string    `json:"run_id,omitempty"`
	Started  time.Time `json:"started,omitzero"`
	Finished time.Time `json:"finished,omitzero"`
	Outcome  *Outcome  `json:"outcome,omitempty"`
}

// Report returns the report of a completed run.
func (s Status) Report() (Report, bool) {
	if s.State != StateCompleted || s.Outcome == nil {
		return Report{}, false
	}
	return Report{
		RunID:    s.RunID,
		Started:  s.Started,
		Finished: s.Finished,
		Outcome:  *s.Outcome,
	}, true
}

// Report is the record of one finished run handed to the persistence
// and upload collaborators.
type Report struct {
	RunID    string    `json:"run_id"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Outcome  Outcome   `json:"outcome"`
}
