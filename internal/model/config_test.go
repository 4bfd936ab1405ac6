package model_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fiap/smartlocation/internal/model"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadConfig(t *testing.T) {
	yml := `
version: 0
pipeline:
  executable: jupyter
  args: ["nbconvert", "--ExecutePreprocessor.timeout=${PIPELINE_TIMEOUT}", "SmartLocation.ipynb"]
  env:
    PYTHONUNBUFFERED: "1"
  base_dir: /srv/visao
  fallback_dir: /srv/visao/output
  timeout: 5m
  wait_timeout: 6m
reset:
  clear:
    executable: jupyter
    args: ["nbconvert", "--clear-output", "--inplace", "SmartLocation.ipynb"]
  stale_files: ["weights.pt"]
harvest:
  max_depth: 3
service:
  mode: timer
  schedule:
    duration: PT15M
  repository:
    url: https://example.com/reports
http:
  addr: 127.0.0.1:9090
database:
  path: /var/lib/smartlocation/runs.db
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.NotNil(t, cfg)

	require.Equal(t, "jupyter", cfg.Pipeline.Executable)
	require.Equal(t, "/srv/visao", cfg.Pipeline.BaseDir)
	require.Equal(t, 5*time.Minute, cfg.Pipeline.TimeoutDuration())
	require.Equal(t, 6*time.Minute, cfg.Pipeline.WaitTimeoutDuration())
	require.Equal(t, map[string]string{"PYTHONUNBUFFERED": "1"}, cfg.Pipeline.Env)
	require.Equal(t, []string{"nbconvert", "--ExecutePreprocessor.timeout=300", "SmartLocation.ipynb"}, cfg.Pipeline.ExpandArgs())

	require.NotNil(t, cfg.Reset.Clear)
	require.Equal(t, model.DefaultClearTimeout, cfg.Reset.Clear.TimeoutDuration())
	require.Equal(t, []string{"weights.pt"}, cfg.Reset.Files())
	require.Equal(t, 3, cfg.Harvest.Depth())

	require.Equal(t, model.ServiceModeTimer, cfg.Service.Mode)
	require.NotNil(t, cfg.Service.Schedule)
	require.Equal(t, "PT15M", cfg.Service.Schedule.Duration)
	require.NotNil(t, cfg.Service.Repository)
	require.Equal(t, "https://example.com/reports", cfg.Service.Repository.URL)
	require.Equal(t, "127.0.0.1:9090", cfg.HTTP.Address())
	require.Equal(t, "/var/lib/smartlocation/runs.db", cfg.Database.Path)
}

func TestLoadConfig_Defaults(t *testing.T) {
	yml := `
version: 0
pipeline:
  executable: ./pipeline.sh
  base_dir: .
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.Equal(t, model.ServiceModeManual, cfg.Service.Mode)
	require.Equal(t, model.DefaultPipelineTimeout, cfg.Pipeline.TimeoutDuration())
	require.Equal(t, model.DefaultWaitTimeout, cfg.Pipeline.WaitTimeoutDuration())
	require.Equal(t, model.DefaultMaxDepth, cfg.Harvest.Depth())
	require.Equal(t, model.DefaultStaleFiles, cfg.Reset.Files())
	require.Equal(t, model.DefaultHTTPAddr, cfg.HTTP.Address())
	require.Nil(t, cfg.Reset.Clear)
	require.Empty(t, cfg.Database.Path)
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("SMARTLOCATION_PIPELINE_BASE_DIR", "/from/env")
	yml := `
version: 0
pipeline:
  executable: ./pipeline.sh
  base_dir: .
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.Equal(t, "/from/env", cfg.Pipeline.BaseDir)
}

func TestLoadConfig_Fail(t *testing.T) {
	var testCases = []struct {
		scenario string
		given    string
		path     string
		code     string
	}{
		{
			scenario: "missing base dir",
			given: `
version: 0
pipeline:
  executable: jupyter
`,
			path: "pipeline.base_dir",
			code: "missing_required",
		},
		{
			scenario: "unknown field",
			given: `
version: 0
pipeline:
  executable: jupyter
  base_dir: .
  notebook: x.ipynb
`,
			path: "pipeline.notebook",
			code: "unknown_field",
		},
		{
			scenario: "unknown service mode",
			given: `
version: 0
pipeline:
  executable: jupyter
  base_dir: .
service:
  mode: daily
`,
			path: "service.mode",
			code: model.CodeInvalidMode,
		},
		{
			scenario: "walk depth out of range",
			given: `
version: 0
pipeline:
  executable: jupyter
  base_dir: .
harvest:
  max_depth: 64
`,
			path: "harvest.max_depth",
			code: model.CodeOutOfRange,
		},
		{
			scenario: "timeout is not a string",
			given: `
version: 0
pipeline:
  executable: jupyter
  base_dir: .
  timeout: [1, 2]
`,
			path: "pipeline.timeout",
			code: model.CodeTypeMismatch,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			_, err := model.LoadConfig(strings.NewReader(tc.given))
			require.Error(t, err)
			require.ErrorIs(t, err, model.ErrInvalidConfig)

			var ce *model.ConfigError
			require.True(t, errors.As(err, &ce))
			var paths []string
			for _, d := range ce.Details {
				paths = append(paths, d.Path)
				if d.Path == tc.path {
					require.Equal(t, tc.code, d.Code)
				}
			}
			require.Contains(t, paths, tc.path)
		})
	}
}

func TestLoadConfig_Semantic(t *testing.T) {
	var testCases = []struct {
		scenario string
		given    string
		then     string
	}{
		{
			scenario: "wait shorter than timeout",
			given: `
version: 0
pipeline:
  executable: jupyter
  base_dir: .
  timeout: 10m
  wait_timeout: 1m
`,
			then: "pipeline.wait_timeout 1m0s is shorter than pipeline.timeout 10m0s",
		},
		{
			scenario: "bad duration",
			given: `
version: 0
pipeline:
  executable: jupyter
  base_dir: .
  timeout: ten minutes
`,
			then: "pipeline.timeout",
		},
		{
			scenario: "timer without schedule",
			given: `
version: 0
pipeline:
  executable: jupyter
  base_dir: .
service:
  mode: timer
`,
			then: "service.schedule is required in timer mode",
		},
		{
			scenario: "timer with both cron and duration",
			given: `
version: 0
pipeline:
  executable: jupyter
  base_dir: .
service:
  mode: timer
  schedule:
    cron: "*/5 * * * *"
    duration: PT5M
`,
			then: "both cron and duration are set",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			_, err := model.LoadConfig(strings.NewReader(tc.given))
			require.Error(t, err)
			require.ErrorIs(t, err, model.ErrInvalidConfig)
			require.ErrorContains(t, err, tc.then)
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	dflt := model.DefaultConfig()
	require.NoError(t, dflt.Validate())

	b, err := yaml.Marshal(dflt)
	require.NoError(t, err)

	cfg, err := model.LoadConfig(strings.NewReader(string(b)))
	require.NoError(t, err)
	require.Equal(t, dflt.Pipeline, cfg.Pipeline)
	require.Equal(t, []string{
		"nbconvert", "--execute", "--to", "notebook", "--inplace",
		"--ExecutePreprocessor.timeout=600",
		"SmartLocation.ipynb",
	}, cfg.Pipeline.ExpandArgs())
}
