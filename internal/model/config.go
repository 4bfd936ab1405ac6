package model

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/spf13/viper"

	_ "embed"
)

const (
	ServiceModeManual = "manual"
	ServiceModeTimer  = "timer"

	DefaultPipelineTimeout = 10 * time.Minute
	DefaultWaitTimeout     = 15 * time.Minute
	DefaultClearTimeout    = 30 * time.Second
	DefaultMaxDepth        = 2
	DefaultHTTPAddr        = ":8080"

	// EnvPrefix prefixes environment variables overriding config keys,
	// e.g. SMARTLOCATION_PIPELINE_BASE_DIR.
	EnvPrefix = "SMARTLOCATION"
)

// DefaultStaleFiles are deleted before each run unless configured otherwise.
var DefaultStaleFiles = []string{"yolov8m.pt", "deteccoes_motos_completo.csv"}

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version  int      `json:"version" yaml:"version"` // fixed 0 for now
	Pipeline Pipeline `json:"pipeline" yaml:"pipeline"`
	Reset    Reset    `json:"reset,omitzero" yaml:"reset,omitempty"`
	Harvest  Harvest  `json:"harvest,omitzero" yaml:"harvest,omitempty"`
	Service  Service  `json:"service,omitzero" yaml:"service,omitempty"`
	HTTP     HTTP     `json:"http,omitzero" yaml:"http,omitempty"`
	Database Database `json:"database,omitzero" yaml:"database,omitempty"`
}

// Command is an external program with its own time bound.
type Command struct {
	Executable string            `json:"executable" yaml:"executable"`
	Args       []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Timeout    string            `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Pipeline describes the external detection job.
// Timeout bounds the subprocess, WaitTimeout bounds the whole waiting call.
type Pipeline struct {
	Executable  string            `json:"executable" yaml:"executable"`
	Args        []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	BaseDir     string            `json:"base_dir" yaml:"base_dir"`
	FallbackDir string            `json:"fallback_dir,omitempty" yaml:"fallback_dir,omitempty"`
	Timeout     string            `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	WaitTimeout string            `json:"wait_timeout,omitempty" yaml:"wait_timeout,omitempty"`
}

// Reset configures the workspace cleanup done before each run.
// A nil StaleFiles means DefaultStaleFiles.
type Reset struct {
	Clear      *Command `json:"clear,omitempty" yaml:"clear,omitempty"`
	StaleFiles []string `json:"stale_files,omitempty" yaml:"stale_files,omitempty"`
}

type Harvest struct {
	MaxDepth int `json:"max_depth,omitempty" yaml:"max_depth,omitempty"`
}

type Service struct {
	Mode       string      `json:"mode,omitempty" yaml:"mode,omitempty"`
	Verbose    bool        `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Dir        string      `json:"dir,omitempty" yaml:"dir,omitempty"` // report output directory
	Schedule   *Schedule   `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Repository *Repository `json:"repository,omitempty" yaml:"repository,omitempty"`
}

// Repository is a remote endpoint receiving run reports.
type Repository struct {
	URL string `json:"url" yaml:"url"`
}

type HTTP struct {
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty"`
}

type Database struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"` // empty disables persistence
}

// DefaultConfig returns the configuration written when no config file exists.
func DefaultConfig() Config {
	return Config{
		Version: 0,
		Pipeline: Pipeline{
			Executable: "jupyter",
			Args: []string{
				"nbconvert", "--execute", "--to", "notebook", "--inplace",
				"--ExecutePreprocessor.timeout=${PIPELINE_TIMEOUT}",
				"SmartLocation.ipynb",
			},
			BaseDir:     "../visao_computacional",
			FallbackDir: "../visao_computacional/output",
			Timeout:     DefaultPipelineTimeout.String(),
			WaitTimeout: DefaultWaitTimeout.String(),
		},
		Reset: Reset{
			Clear: &Command{
				Executable: "jupyter",
				Args:       []string{"nbconvert", "--clear-output", "--inplace", "SmartLocation.ipynb"},
				Timeout:    DefaultClearTimeout.String(),
			},
			StaleFiles: DefaultStaleFiles,
		},
		Harvest: Harvest{MaxDepth: DefaultMaxDepth},
		Service: Service{Mode: ServiceModeManual},
		HTTP:    HTTP{Addr: DefaultHTTPAddr},
	}
}

// LoadConfig reads YAML from r, applies SMARTLOCATION_* environment overrides,
// validates the result against the CUE schema and the semantic rules of Validate.
func LoadConfig(r io.Reader) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return decode(v.AllSettings())
}

func decode(settings map[string]any) (*Config, error) {
	value := cueCtx.Encode(settings)
	if value.Err() != nil {
		return nil, newConfigError(value.Err())
	}

	unified := schema.Unify(value)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, newConfigError(err)
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, newConfigError(err)
	}
	out.normalize()

	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

// viper lower cases all keys
func (c *Config) normalize() {
	upper := func(env map[string]string) map[string]string {
		if env == nil {
			return nil
		}
		ret := make(map[string]string, len(env))
		for k, v := range env {
			ret[strings.ToUpper(k)] = v
		}
		return ret
	}
	c.Pipeline.Env = upper(c.Pipeline.Env)
	if c.Reset.Clear != nil {
		c.Reset.Clear.Env = upper(c.Reset.Clear.Env)
	}
}

// Validate checks the rules the schema can't express. It fails fast on
// a wait timeout shorter than the subprocess timeout.
func (c Config) Validate() error {
	var errs []error
	timeout, terr := parseDuration(c.Pipeline.Timeout, DefaultPipelineTimeout)
	if terr != nil {
		errs = append(errs, fmt.Errorf("pipeline.timeout: %w", terr))
	}
	wait, werr := parseDuration(c.Pipeline.WaitTimeout, DefaultWaitTimeout)
	if werr != nil {
		errs = append(errs, fmt.Errorf("pipeline.wait_timeout: %w", werr))
	}
	if terr == nil && werr == nil && wait < timeout {
		errs = append(errs, fmt.Errorf("pipeline.wait_timeout %s is shorter than pipeline.timeout %s", wait, timeout))
	}
	if c.Reset.Clear != nil {
		if _, err := parseDuration(c.Reset.Clear.Timeout, DefaultClearTimeout); err != nil {
			errs = append(errs, fmt.Errorf("reset.clear.timeout: %w", err))
		}
	}
	if c.Service.Mode == ServiceModeTimer {
		if c.Service.Schedule == nil {
			errs = append(errs, errors.New("service.schedule is required in timer mode"))
		} else if err := c.Service.Schedule.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("service.schedule: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// TimeoutDuration returns the subprocess timeout or its default.
func (p Pipeline) TimeoutDuration() time.Duration {
	d, _ := parseDuration(p.Timeout, DefaultPipelineTimeout)
	return d
}

// WaitTimeoutDuration returns the bound of the waiting call or its default.
func (p Pipeline) WaitTimeoutDuration() time.Duration {
	d, _ := parseDuration(p.WaitTimeout, DefaultWaitTimeout)
	return d
}

// ExpandArgs substitutes ${PIPELINE_TIMEOUT} with the subprocess timeout in
// whole seconds. Other variables resolve from Env, then the process environment.
func (p Pipeline) ExpandArgs() []string {
	secs := strconv.Itoa(int(p.TimeoutDuration().Seconds()))
	mapping := func(name string) string {
		if name == "PIPELINE_TIMEOUT" {
			return secs
		}
		if v, ok := p.Env[name]; ok {
			return v
		}
		return os.Getenv(name)
	}
	ret := make([]string, len(p.Args))
	for i, a := range p.Args {
		ret[i] = os.Expand(a, mapping)
	}
	return ret
}

// TimeoutDuration returns the command timeout or DefaultClearTimeout.
func (c Command) TimeoutDuration() time.Duration {
	d, _ := parseDuration(c.Timeout, DefaultClearTimeout)
	return d
}

// Files returns the configured stale files or the defaults.
func (r Reset) Files() []string {
	if r.StaleFiles == nil {
		return DefaultStaleFiles
	}
	return r.StaleFiles
}

func (h Harvest) Depth() int {
	if h.MaxDepth > 0 {
		return h.MaxDepth
	}
	return DefaultMaxDepth
}

func (h HTTP) Address() string {
	if h.Addr != "" {
		return h.Addr
	}
	return DefaultHTTPAddr
}

func parseDuration(s string, dflt time.Duration) (time.Duration, error) {
	if s == "" {
		return dflt, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return dflt, err
	}
	if d <= 0 {
		return dflt, fmt.Errorf("duration %s must be positive", s)
	}
	return d, nil
}
