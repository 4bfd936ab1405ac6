package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fiap/smartlocation/internal/model"
)

func TestOrchestrator_harvest(t *testing.T) {
	t.Parallel()
	base := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(base, "runs", "track"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(base, "runs", "track", "deteccoes_motos.json"),
		[]byte(`[{"placaVirtual":"A"}]`), 0o644))

	o, err := NewOrchestrator(model.Config{
		Pipeline: model.Pipeline{
			Executable:  "sh",
			BaseDir:     base,
			Timeout:     "1s",
			WaitTimeout: "2s",
		},
	})
	require.NoError(t, err)

	var testCases = []struct {
		scenario string
		cause    error
		kind     model.OutcomeKind
		failure  model.FailureKind
		records  int
	}{
		{
			scenario: "live context",
			kind:     model.OutcomeSuccess,
			records:  1,
		},
		{
			scenario: "wait timeout after exit",
			cause:    ErrWaitTimedOut,
			kind:     model.OutcomeFailure,
			failure:  model.FailureTimedOut,
		},
		{
			scenario: "cancelled after exit",
			cause:    ErrCancelled,
			kind:     model.OutcomeCancelled,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			ctx, cancel := context.WithCancelCause(t.Context())
			defer cancel(nil)
			if tc.cause != nil {
				cancel(tc.cause)
			}

			outcome, records := o.harvest(ctx)
			require.Equal(t, tc.kind, outcome.Kind, outcome.Message)
			require.Equal(t, tc.failure, outcome.Failure)
			require.Len(t, records, tc.records)
			if tc.cause != nil {
				require.Nil(t, outcome.Summary)
			}
		})
	}
}
