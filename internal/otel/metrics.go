package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the worldgate instruments. A nil *Metrics records nothing.
type Metrics struct {
	JoinDuration     metric.Float64Histogram
	LaunchCount      metric.Int64Counter
	StartFailures    metric.Int64Counter
	SweepStopped     metric.Int64Counter
	ClaimContention  metric.Int64Counter
	RateLimitRejects metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.JoinDuration, err = meter.Float64Histogram("worldgate.join.duration",
		metric.WithDescription("Join request duration in seconds, by outcome"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LaunchCount, err = meter.Int64Counter("worldgate.launch.count",
		metric.WithDescription("World tasks launched or reused"),
	)
	if err != nil {
		return nil, err
	}

	m.StartFailures, err = meter.Int64Counter("worldgate.start.failures",
		metric.WithDescription("Background start sequences that ended in ERROR"),
	)
	if err != nil {
		return nil, err
	}

	m.SweepStopped, err = meter.Int64Counter("worldgate.sweep.stopped",
		metric.WithDescription("Idle worlds stopped by the sweeper"),
	)
	if err != nil {
		return nil, err
	}

	m.ClaimContention, err = meter.Int64Counter("worldgate.claim.contention",
		metric.WithDescription("Start claims lost to another caller"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("worldgate.ratelimit.rejects",
		metric.WithDescription("Client messages rejected by the rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) RecordJoin(ctx context.Context, gameKey, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.JoinDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		AttrGameKey.String(gameKey),
		AttrOutcome.String(outcome),
	))
}

func (m *Metrics) RecordLaunch(ctx context.Context, gameKey string, isNew bool) {
	if m == nil {
		return
	}
	m.LaunchCount.Add(ctx, 1, metric.WithAttributes(
		AttrGameKey.String(gameKey),
		attribute.Bool("worldgate.launch.new", isNew),
	))
}

func (m *Metrics) RecordStartFailure(ctx context.Context, gameKey, code string) {
	if m == nil {
		return
	}
	m.StartFailures.Add(ctx, 1, metric.WithAttributes(
		AttrGameKey.String(gameKey),
		AttrErrorCode.String(code),
	))
}

func (m *Metrics) RecordSweepStopped(ctx context.Context, gameKey string) {
	if m == nil {
		return
	}
	m.SweepStopped.Add(ctx, 1, metric.WithAttributes(AttrGameKey.String(gameKey)))
}

func (m *Metrics) RecordClaimContention(ctx context.Context, gameKey string) {
	if m == nil {
		return
	}
	m.ClaimContention.Add(ctx, 1, metric.WithAttributes(AttrGameKey.String(gameKey)))
}

func (m *Metrics) RecordRateLimitReject(ctx context.Context) {
	if m == nil {
		return
	}
	m.RateLimitRejects.Add(ctx, 1)
}
