package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	ticks    metric.Int64Counter
	duration metric.Float64Histogram
	entries  metric.Int64Counter
	running  metric.Int64UpDownCounter
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	ticks, err := meter.Int64Counter(
		"burrow.scheduler.ticks",
		metric.WithDescription("Scheduling ticks by agent and outcome"),
		metric.WithUnit("{tick}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ticks counter: %w", err)
	}

	duration, err := meter.Float64Histogram(
		"burrow.scheduler.run.duration_ms",
		metric.WithDescription("Agent run duration in milliseconds, including the cache write"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	entries, err := meter.Int64Counter(
		"burrow.cache.entries.written",
		metric.WithDescription("Cache entries written by agent runs"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create entries counter: %w", err)
	}

	running, err := meter.Int64UpDownCounter(
		"burrow.scheduler.runs.active",
		metric.WithDescription("Agent runs in flight on this node"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active runs counter: %w", err)
	}

	return &metrics{ticks: ticks, duration: duration, entries: entries, running: running}, nil
}

func (m *metrics) recordTick(ctx context.Context, res TickResult) {
	attrs := metric.WithAttributes(
		attribute.String("agent", res.Agent),
		attribute.String("outcome", string(res.Outcome)),
	)
	m.ticks.Add(ctx, 1, attrs)

	switch res.Outcome {
	case OutcomeSucceeded, OutcomeFailed, OutcomeAbandoned:
		m.duration.Record(ctx, float64(res.Duration)/float64(time.Millisecond), attrs)
	}
	if res.Entries > 0 {
		m.entries.Add(ctx, int64(res.Entries), metric.WithAttributes(attribute.String("agent", res.Agent)))
	}
}

func (m *metrics) runStarted(ctx context.Context, agent string, delta int64) {
	m.running.Add(ctx, delta, metric.WithAttributes(attribute.String("agent", agent)))
}
