package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/ontask/dataengine/internal/engine"

// counters are the engine's OpenTelemetry instruments. Without a
// configured provider the global no-op meter is used.
type counters struct {
	rendered metric.Int64Counter
	hits     metric.Int64Counter
	merges   metric.Int64Counter
	jobs     metric.Int64Counter
}

func newCounters(mp metric.MeterProvider) (*counters, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := mp.Meter(meterName)
	c := &counters{}
	var err error
	if c.rendered, err = m.Int64Counter("ontask.messages.rendered",
		metric.WithDescription("Messages produced by action runs")); err != nil {
		return nil, err
	}
	if c.hits, err = m.Int64Counter("ontask.tracking.hits",
		metric.WithDescription("Tracking pixel hits registered")); err != nil {
		return nil, err
	}
	if c.merges, err = m.Int64Counter("ontask.merges",
		metric.WithDescription("Completed table merges")); err != nil {
		return nil, err
	}
	if c.jobs, err = m.Int64Counter("ontask.jobs",
		metric.WithDescription("Background jobs by final status")); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *counters) addRendered(ctx context.Context, n int, actionID int64) {
	c.rendered.Add(ctx, int64(n), metric.WithAttributes(attribute.Int64("action", actionID)))
}

func (c *counters) addHit(ctx context.Context, actionID int64) {
	c.hits.Add(ctx, 1, metric.WithAttributes(attribute.Int64("action", actionID)))
}

func (c *counters) addMerge(ctx context.Context, how string) {
	c.merges.Add(ctx, 1, metric.WithAttributes(attribute.String("how", how)))
}

func (c *counters) addJob(ctx context.Context, kind JobKind, status JobStatus) {
	c.jobs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("status", string(status)),
	))
}
