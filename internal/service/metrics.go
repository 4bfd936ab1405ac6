package service

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/fiap/smartlocation/internal/model"
)

const meterName = "smartlocation"

// Metrics holds the analysis run instruments.
type Metrics struct {
	RunsStarted  metric.Int64Counter
	RunsFinished metric.Int64Counter
	RunsRejected metric.Int64Counter
	Detections   metric.Int64Counter
	RunDuration  metric.Float64Histogram
}

// NewMetrics creates all metric instruments on mp, or on the global meter
// provider when mp is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(meterName)
	m := &Metrics{}
	var err error

	m.RunsStarted, err = meter.Int64Counter("smartlocation.runs.started",
		metric.WithDescription("Number of analysis runs started"))
	if err != nil {
		return nil, err
	}

	m.RunsFinished, err = meter.Int64Counter("smartlocation.runs.finished",
		metric.WithDescription("Number of analysis runs finished, by outcome"))
	if err != nil {
		return nil, err
	}

	m.RunsRejected, err = meter.Int64Counter("smartlocation.runs.rejected",
		metric.WithDescription("Number of start requests rejected while a run was active"))
	if err != nil {
		return nil, err
	}

	m.Detections, err = meter.Int64Counter("smartlocation.detections",
		metric.WithDescription("Number of detection records harvested"))
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("smartlocation.run.duration_seconds",
		metric.WithDescription("Analysis run duration in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) started(ctx context.Context) {
	if m == nil {
		return
	}
	m.RunsStarted.Add(ctx, 1)
}

func (m *Metrics) rejected(ctx context.Context) {
	if m == nil {
		return
	}
	m.RunsRejected.Add(ctx, 1)
}

func (m *Metrics) finished(ctx context.Context, report model.Report) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("outcome", string(report.Outcome.Kind))}
	if report.Outcome.Failure != "" {
		attrs = append(attrs, attribute.String("failure", string(report.Outcome.Failure)))
	}
	opt := metric.WithAttributes(attrs...)
	m.RunsFinished.Add(ctx, 1, opt)
	m.RunDuration.Record(ctx, report.Finished.Sub(report.Started).Seconds(), opt)
	if report.Outcome.Summary != nil {
		m.Detections.Add(ctx, int64(report.Outcome.Summary.Detections))
	}
}
