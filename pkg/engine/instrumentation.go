package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/openfroyo/isogrpd/pkg/telemetry"
)

// instrumentation bundles the observability hooks shared by the registry and its groups.
type instrumentation struct {
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer
	events  EventSink
}

func newInstrumentation(logger zerolog.Logger) *instrumentation {
	return &instrumentation{
		logger: logger,
		tracer: noop.NewTracerProvider().Tracer("isogrpd/engine"),
	}
}

// endSpan tags span with the status of err and ends it.
func endSpan(span trace.Span, err error) {
	span.SetAttributes(telemetry.AttrStatus.String(string(StatusOf(err))))
	telemetry.EndSpan(span, err)
}

// publish forwards a lifecycle event to the sink. Sink errors are logged only.
func (in *instrumentation) publish(eventType, group, port, level, message string, data map[string]interface{}) {
	if in.events == nil {
		return
	}
	err := in.events.Publish(telemetry.Event{
		Type:    eventType,
		Source:  "isogrp-orch",
		Group:   group,
		Port:    port,
		Message: message,
		Level:   level,
		Data:    data,
	})
	if err != nil {
		in.logger.Warn().Err(err).Str("event", eventType).Msg("Failed to publish event")
	}
}

// instrumentedHardware records a metric sample for every hardware call.
type instrumentedHardware struct {
	next    HardwareAbstraction
	metrics *telemetry.Metrics
}

func (h *instrumentedHardware) observe(op string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	h.metrics.RecordHardwareCall(op, result, time.Since(start))
}

func (h *instrumentedHardware) CreateIsolationGroup(ctx context.Context, groupType GroupType) (Handle, error) {
	start := time.Now()
	handle, err := h.next.CreateIsolationGroup(ctx, groupType)
	h.observe("create_isolation_group", start, err)
	return handle, err
}

func (h *instrumentedHardware) RemoveIsolationGroup(ctx context.Context, group Handle) error {
	start := time.Now()
	err := h.next.RemoveIsolationGroup(ctx, group)
	h.observe("remove_isolation_group", start, err)
	return err
}

func (h *instrumentedHardware) CreateIsolationGroupMember(ctx context.Context, group, object Handle) (Handle, error) {
	start := time.Now()
	handle, err := h.next.CreateIsolationGroupMember(ctx, group, object)
	h.observe("create_isolation_group_member", start, err)
	return handle, err
}

func (h *instrumentedHardware) RemoveIsolationGroupMember(ctx context.Context, member Handle) error {
	start := time.Now()
	err := h.next.RemoveIsolationGroupMember(ctx, member)
	h.observe("remove_isolation_group_member", start, err)
	return err
}

func (h *instrumentedHardware) SetPortIsolationGroup(ctx context.Context, port, group Handle) error {
	start := time.Now()
	err := h.next.SetPortIsolationGroup(ctx, port, group)
	h.observe("set_port_isolation_group", start, err)
	return err
}

func (h *instrumentedHardware) SetBridgePortIsolationGroup(ctx context.Context, bridgePort, group Handle) error {
	start := time.Now()
	err := h.next.SetBridgePortIsolationGroup(ctx, bridgePort, group)
	h.observe("set_bridge_port_isolation_group", start, err)
	return err
}
