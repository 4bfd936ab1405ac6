package model

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Lifecycle tags a detection record before it is persisted.
type Lifecycle string

const (
	LifecyclePending   Lifecycle = "PENDENTE"
	LifecycleSaved     Lifecycle = "SALVA"
	LifecycleDiscarded Lifecycle = "DESCARTADA"
)

// UnmarshalText maps an empty or unknown status to LifecyclePending.
func (l *Lifecycle) UnmarshalText(b []byte) error {
	switch strings.ToUpper(strings.TrimSpace(string(b))) {
	case "SALVA", "SAVED":
		*l = LifecycleSaved
	case "DESCARTADA", "DISCARDED":
		*l = LifecycleDiscarded
	case "", "PENDENTE", "PENDING":
		*l = LifecyclePending
	default:
		slog.Debug("unknown detection status, treated as pending", "status", string(b))
		*l = LifecyclePending
	}
	return nil
}

// DetectionRecord is one observation emitted by the detection pipeline.
// JSON names follow the log written by the pipeline.
type DetectionRecord struct {
	ID         *int64    `json:"idDeteccao,omitempty"`
	MotoID     *int64    `json:"idMoto,omitempty"`
	Plate      string    `json:"placaVirtual"`
	X          float64   `json:"posicaoX"`
	Y          float64   `json:"posicaoY"`
	Confidence float64   `json:"confianca"`
	Registered Timestamp `json:"horarioRegistro"`
	Status     Lifecycle `json:"status"`
}

// Timestamp is a time.Time accepting the zone-less layouts the pipeline
// writes as well as RFC 3339.
type Timestamp struct {
	time.Time
}

const localLayout = "2006-01-02T15:04:05.999999999"

var timestampLayouts = []string{
	time.RFC3339Nano,
	localLayout,
	"2006-01-02 15:04:05.999999999",
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*t = Timestamp{}
		return nil
	}
	s := strings.Trim(string(b), `"`)
	if s == "" {
		*t = Timestamp{}
		return nil
	}
	for _, layout := range timestampLayouts {
		parsed, err := time.ParseInLocation(layout, s, time.Local)
		if err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("parsing timestamp %q: unsupported layout", s)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(`"` + t.Format(localLayout) + `"`), nil
}
