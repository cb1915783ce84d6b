package otel

import (
	"context"
	"slices"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/noop"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestInit_DisabledIsInert(t *testing.T) {
	p, err := Init(context.Background(), Config{}, RoleGateway)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if p.TracerProvider != nil || p.Resource != nil {
		t.Fatal("disabled provider should not build an SDK")
	}
	_, span := p.Tracer.Start(context.Background(), "join")
	if span.SpanContext().IsValid() {
		t.Fatal("disabled tracer produced a real span")
	}
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_ResourceNamesGatewayRole(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:     true,
		Exporter:    ExporterNone,
		ServiceName: "worldgate-eu",
	}, RoleGateway)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	set := p.Resource.Set()
	for key, want := range map[attribute.Key]string{
		"service.name":    "worldgate-eu",
		"service.version": Version,
		"worldgate.role":  RoleGateway,
	} {
		got, ok := set.Value(key)
		if !ok || got.AsString() != want {
			t.Fatalf("%s = %q (present %v), want %q", key, got.AsString(), ok, want)
		}
	}
}

func TestInit_NoneExporterStillSamples(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: ExporterNone}, RoleGateway)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := p.Tracer.Start(context.Background(), "world.start")
	defer span.End()
	if !span.SpanContext().IsSampled() {
		t.Fatal("expected sampled span at default rate")
	}
}

func TestInit_InstallsTraceContextPropagator(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: ExporterNone}, RoleGateway)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	if !slices.Contains(otel.GetTextMapPropagator().Fields(), "traceparent") {
		t.Fatalf("propagator fields = %v", otel.GetTextMapPropagator().Fields())
	}
}

func TestInit_MetricsCanBeDisabled(t *testing.T) {
	off := false
	p, err := Init(context.Background(), Config{
		Enabled:        true,
		Exporter:       ExporterNone,
		MetricsEnabled: &off,
	}, RoleGateway)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	if _, ok := p.MeterProvider.(noop.MeterProvider); !ok {
		t.Fatalf("meter provider = %T, want noop", p.MeterProvider)
	}
}

func TestInit_ExporterSelection(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"otlp host port", Config{Enabled: true, Endpoint: "collector:4318"}, false},
		{"otlp url", Config{Enabled: true, Exporter: ExporterOTLPHTTP, Endpoint: "https://collector.example:4318"}, false},
		{"stdout", Config{Enabled: true, Exporter: ExporterStdout}, false},
		{"upper case", Config{Enabled: true, Exporter: "NONE"}, false},
		{"unknown", Config{Enabled: true, Exporter: "zipkin"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := Init(context.Background(), tc.cfg, RoleGateway)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Init: %v", err)
			}
			_ = p.Shutdown(context.Background())
		})
	}
}

func TestSampleRate(t *testing.T) {
	for in, want := range map[float64]float64{0: 1, -1: 1, 2: 1, 0.25: 0.25, 1: 1} {
		if got := sampleRate(in); got != want {
			t.Errorf("sampleRate(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestSpanHelpers_RecordKindAndWorldAttributes(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer tp.Shutdown(context.Background())
	tracer := tp.Tracer(TracerName)

	ctx, join := StartServerSpan(context.Background(), tracer, "join",
		AttrGameKey.String("tag"),
		AttrWorldID.String("world_tag_public"),
	)
	_, launch := StartClientSpan(ctx, tracer, "compute.run_task", AttrTaskRef.String("task-1"))
	launch.End()
	_, wait := StartSpan(ctx, tracer, "world.wait")
	wait.End()
	join.End()

	ended := rec.Ended()
	if len(ended) != 3 {
		t.Fatalf("ended spans = %d, want 3", len(ended))
	}
	kinds := map[string]trace.SpanKind{}
	for _, s := range ended {
		kinds[s.Name()] = s.SpanKind()
		if s.Name() != "join" && s.Parent().SpanID() != join.SpanContext().SpanID() {
			t.Fatalf("%s is not a child of join", s.Name())
		}
	}
	if kinds["join"] != trace.SpanKindServer || kinds["compute.run_task"] != trace.SpanKindClient || kinds["world.wait"] != trace.SpanKindInternal {
		t.Fatalf("span kinds = %v", kinds)
	}
	joinAttrs := attribute.NewSet(ended[2].Attributes()...)
	if v, ok := joinAttrs.Value(AttrWorldID); !ok || v.AsString() != "world_tag_public" {
		t.Fatalf("join world id = %v", v)
	}
}

func TestSpanHelpers_NilTracerPassesContextThrough(t *testing.T) {
	ctx := context.Background()
	got, span := StartSpan(ctx, nil, "world.wait")
	if got != ctx {
		t.Fatal("expected the caller's context back")
	}
	span.End()
}
