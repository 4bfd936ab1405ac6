package model_test

import (
	"testing"
	"time"

	"github.com/fiap/smartlocation/internal/model"
	"github.com/stretchr/testify/require"
)

func TestParseISODuration(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		then     time.Duration
		err      bool
	}{
		{"day", "P1D", 24 * time.Hour, false},
		{"hours", "PT12H", 12 * time.Hour, false},
		{"mixed", "P1DT2H30M", 26*time.Hour + 30*time.Minute, false},
		{"fraction", "PT0.5S", 500 * time.Millisecond, false},
		{"comma fraction", "PT1,25S", 1250 * time.Millisecond, false},
		{"empty", "", 0, true},
		{"only P", "P", 0, true},
		{"dangling T", "P1DT", 0, true},
		{"months", "P1M", 0, true},
		{"garbage", "1h", 0, true},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			d, err := model.ParseISODuration(tc.given)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.then, d)
		})
	}
}

func TestParseCron(t *testing.T) {
	t.Parallel()
	d, err := model.ParseCron("*/15 * * * *")
	require.NoError(t, err)
	require.Equal(t, 15*time.Minute, d)

	d, err = model.ParseCron("@hourly")
	require.NoError(t, err)
	require.Equal(t, time.Hour, d)

	_, err = model.ParseCron("")
	require.EqualError(t, err, "empty cron expression")

	_, err = model.ParseCron("* * 32 * *")
	require.Error(t, err)
}

func TestScheduleValidate(t *testing.T) {
	t.Parallel()
	require.NoError(t, model.Schedule{Cron: "0 3 * * *"}.Validate())
	require.NoError(t, model.Schedule{Duration: "PT6H"}.Validate())
	require.ErrorIs(t, model.Schedule{}.Validate(), model.ErrInvalidSchedule)
	require.ErrorIs(t, model.Schedule{Cron: "@daily", Duration: "P1D"}.Validate(), model.ErrInvalidSchedule)
	require.ErrorIs(t, model.Schedule{Duration: "PT0S"}.Validate(), model.ErrInvalidSchedule)
}
