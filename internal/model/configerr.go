package model

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
)

// ConfigError is returned by LoadConfig when the document does not
// satisfy the configuration schema. Details holds one entry per offending
// field.
type ConfigError struct {
	Details []Violation
	err     error
}

func (e *ConfigError) Error() string {
	return e.err.Error()
}

func (e *ConfigError) Unwrap() []error {
	return []error{ErrInvalidConfig, e.err}
}

func (e *ConfigError) LogValue() slog.Value {
	attrs := make([]slog.Attr, 0, len(e.Details))
	for i, d := range e.Details {
		attrs = append(attrs, d.Attr(strconv.Itoa(i)))
	}
	return slog.GroupValue(attrs...)
}

// Violation codes
const (
	CodeUnknownField    = "unknown_field"
	CodeMissingRequired = "missing_required"
	CodeInvalidMode     = "invalid_enum"
	CodeOutOfRange      = "out_of_range"
	CodeTypeMismatch    = "type_mismatch"
	CodeInvalidValue    = "invalid_value"
)

// Violation is a schema error of a single config field.
type Violation struct {
	Path    string // pipeline.base_dir
	Code    string
	Message string
}

func (v Violation) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", v.Code),
		slog.String("path", v.Path),
		slog.String("message", v.Message),
	)
}

// CUE message fragments, checked in order
var violationRules = []struct {
	fragment string
	code     string
	format   string
}{
	{"not allowed", CodeUnknownField, "%s is not a known field"},
	{"incomplete value", CodeMissingRequired, "%s is required"},
	{"mismatched types", CodeTypeMismatch, "%s has the wrong type"},
	{"out of bound", CodeOutOfRange, "%s is out of range"},
}

func newConfigError(err error) error {
	return &ConfigError{
		Details: violations(err),
		err:     err,
	}
}

// violations flattens a CUE error into one Violation per path and code.
// A disjunction reports every failed branch, hence the deduplication.
func violations(err error) []Violation {
	type key struct{ path, code string }
	seen := make(map[key]bool)

	var out []Violation
	for _, e := range cueerrors.Errors(err) {
		path := e.Path()
		if len(path) > 0 && strings.HasPrefix(path[0], "#") {
			path = path[1:]
		}
		v := classify(strings.Join(path, "."), e)
		if k := (key{v.Path, v.Code}); !seen[k] {
			seen[k] = true
			out = append(out, v)
		}
	}
	return out
}

func classify(path string, e cueerrors.Error) Violation {
	format, args := e.Msg()
	msg := fmt.Sprintf(format, args...)

	if path == "service.mode" && !strings.Contains(msg, "incomplete value") {
		return Violation{
			Path:    path,
			Code:    CodeInvalidMode,
			Message: fmt.Sprintf("service.mode must be %q or %q", ServiceModeManual, ServiceModeTimer),
		}
	}
	for _, r := range violationRules {
		if strings.Contains(msg, r.fragment) {
			return Violation{Path: path, Code: r.code, Message: fmt.Sprintf(r.format, path)}
		}
	}
	return Violation{Path: path, Code: CodeInvalidValue, Message: msg}
}
