package telemetry

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "production with endpoint", mutate: func(c *Config) {
			*c = *ProductionConfig()
			c.Tracing.Endpoint = "collector:4317"
		}},
		{name: "production without endpoint", mutate: func(c *Config) { *c = *ProductionConfig() }, wantErr: true},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{name: "bad sampling", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: true},
		{name: "empty metrics path", mutate: func(c *Config) { c.Metrics.Path = "" }, wantErr: true},
		{name: "zero buffer", mutate: func(c *Config) { c.Events.BufferSize = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSetLevel(t *testing.T) {
	prev := zerolog.GlobalLevel()
	defer zerolog.SetGlobalLevel(prev)

	if err := SetLevel("warn"); err != nil {
		t.Fatalf("SetLevel(warn) error = %v", err)
	}
	if zerolog.GlobalLevel() != zerolog.WarnLevel {
		t.Errorf("global level = %v, want warn", zerolog.GlobalLevel())
	}
	if err := SetLevel("verbose"); err == nil {
		t.Error("SetLevel(verbose) expected error")
	}
	if zerolog.GlobalLevel() != zerolog.WarnLevel {
		t.Error("invalid level must not change the global level")
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordRecordApplied("SET", "success", time.Millisecond)
	m.SetQueueDepth(3)
	m.SetGroupCount("port", 1)
	m.SetPendingCount("members", 2)
	m.RecordHardwareCall("create_isolation_group", "success", time.Millisecond)
	m.RecordPortEvent(true)
	m.RecordNotification("isolation_group_change")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("nil metrics handler status = %d, want 404", rec.Code)
	}
}

func TestDisabledMetricsReturnsNil(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	if m != nil {
		t.Error("disabled metrics should be nil")
	}
}

func TestMetricsHandler(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.RecordRecordApplied("SET", "success", 2*time.Millisecond)
	m.SetGroupCount("bridge_port", 2)
	m.RecordHardwareCall("create_isolation_group", "failure", time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		`isogrpd_records_applied_total{op="SET",status="success"} 1`,
		`isogrpd_groups{type="bridge_port"} 2`,
		`isogrpd_hardware_calls_total{operation="create_isolation_group",result="failure"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestEventPublisherSync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 4})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	var got []Event
	ep.Subscribe(func(e Event) { got = append(got, e) }, FilterByLevel(EventLevelWarning))

	_ = ep.Publish(Event{Type: EventTypeGroupCreated, Level: EventLevelInfo})
	_ = ep.Publish(Event{Type: EventTypeGroupDeleteDeferred, Level: EventLevelWarning, Group: "grp1"})
	_ = ep.Publish(Event{Type: EventTypeHardwareError, Level: EventLevelError, Group: "grp1"})

	if len(got) != 2 {
		t.Fatalf("delivered %d events, want 2", len(got))
	}
	if got[0].Type != EventTypeGroupDeleteDeferred || got[1].Type != EventTypeHardwareError {
		t.Errorf("unexpected order: %s, %s", got[0].Type, got[1].Type)
	}
	if got[0].ID == "" || got[0].Timestamp.IsZero() {
		t.Error("Publish should assign ID and timestamp")
	}
}

func TestEventPublisherAsyncDrainsOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 16, EnableAsync: true})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	var (
		mu  sync.Mutex
		got []string
	)
	ep.Subscribe(func(e Event) {
		mu.Lock()
		got = append(got, e.Port)
		mu.Unlock()
	}, FilterByType(EventTypeMemberAdded))

	for _, port := range []string{"Ethernet0", "Ethernet4", "Ethernet8"} {
		if err := ep.Publish(Event{Type: EventTypeMemberAdded, Port: port}); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(got, ",") != "Ethernet0,Ethernet4,Ethernet8" {
		t.Errorf("delivered %v", got)
	}

	if err := ep.Publish(Event{Type: EventTypeMemberAdded}); err == nil {
		t.Error("Publish after Shutdown should fail")
	}
}

func TestEventPublisherDisabled(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: false})
	called := false
	ep.Subscribe(func(Event) { called = true }, nil)
	if err := ep.Publish(Event{Type: EventTypeGroupCreated}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if called {
		t.Error("disabled publisher must not deliver")
	}
	if err := ep.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestFilters(t *testing.T) {
	e := Event{Type: EventTypePortBound, Group: "grp1", Port: "Ethernet0", Level: EventLevelInfo}

	if !FilterByGroup("grp1")(e) || FilterByGroup("grp2")(e) {
		t.Error("FilterByGroup mismatch")
	}
	if !FilterByPort("Ethernet0")(e) || FilterByPort("Ethernet4")(e) {
		t.Error("FilterByPort mismatch")
	}
	if !FilterByType(EventTypePortBound, EventTypePortUnbound)(e) || FilterByType(EventTypeGroupCreated)(e) {
		t.Error("FilterByType mismatch")
	}
	if FilterByLevel(EventLevelError)(e) {
		t.Error("info event passed error filter")
	}
}

func TestSpanHelpers(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)).Tracer("test")
	ctx := context.Background()

	_, span := StartTransportSpan(ctx, tracer, "ISOLATION_GROUP_TABLE", "pop")
	EndSpan(span, nil)
	_, span = StartPortSpan(ctx, tracer, "Ethernet0", false)
	EndSpan(span, io.ErrUnexpectedEOF)

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended %d spans, want 2", len(spans))
	}
	if spans[0].Name() != "transport.pop" || spans[0].Status().Code != codes.Ok {
		t.Errorf("transport span = %s %v", spans[0].Name(), spans[0].Status().Code)
	}
	if spans[1].Name() != "isogrp.port_event" || spans[1].Status().Code != codes.Error {
		t.Errorf("port span = %s %v", spans[1].Name(), spans[1].Status().Code)
	}
	if events := spans[1].Events(); len(events) != 1 || events[0].Name != "exception" {
		t.Errorf("port span events = %+v", events)
	}
}
