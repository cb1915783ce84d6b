package otel

import (
	"context"
	"testing"
	"time"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: ExporterNone,
	}, RoleGateway)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.JoinDuration == nil {
		t.Error("JoinDuration is nil")
	}
	if m.LaunchCount == nil {
		t.Error("LaunchCount is nil")
	}
	if m.StartFailures == nil {
		t.Error("StartFailures is nil")
	}
	if m.SweepStopped == nil {
		t.Error("SweepStopped is nil")
	}
	if m.ClaimContention == nil {
		t.Error("ClaimContention is nil")
	}
	if m.RateLimitRejects == nil {
		t.Error("RateLimitRejects is nil")
	}

	ctx := context.Background()
	m.RecordJoin(ctx, "tag", "ok", 250*time.Millisecond)
	m.RecordLaunch(ctx, "tag", true)
	m.RecordStartFailure(ctx, "tag", "HEALTH_TIMEOUT")
	m.RecordSweepStopped(ctx, "tag")
	m.RecordClaimContention(ctx, "tag")
	m.RecordRateLimitReject(ctx)
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false}, RoleGateway)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordJoin(ctx, "tag", "ok", time.Second)
	m.RecordLaunch(ctx, "tag", false)
	m.RecordStartFailure(ctx, "tag", "LAUNCH_FAILURE")
	m.RecordSweepStopped(ctx, "tag")
	m.RecordClaimContention(ctx, "tag")
	m.RecordRateLimitReject(ctx)
}
