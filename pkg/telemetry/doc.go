// Package telemetry provides the observability instrumentation for isogrpd.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and event publishing into one
// Telemetry value that is built at startup and handed to the engine, the
// transports and the admin server.
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = version
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// # Structured Logging
//
// Components take the zerolog logger and add their own component field:
//
//	logger := tel.Logger.Zerolog().With().Str("component", "isogrp-orch").Logger()
//	logger.Info().Str("group", "grp1").Str("port", "Ethernet0").Msg("Member added")
//
// The minimum level is global and can be changed while running with SetLevel,
// which the configuration watcher does when the config file changes.
//
// # Distributed Tracing
//
// Spans are created for every applied configuration record, every relayed
// port event and every config store pop. Exporters: otlp (gRPC), stdout, none.
//
//	ctx, span := telemetry.StartRecordSpan(ctx, tel.Tracer.Tracer(), "grp1", "SET")
//	err := apply(ctx)
//	telemetry.EndSpan(span, err)
//
// # Metrics
//
// All metrics use the configured namespace (default "isogrpd"):
//
//   - records_applied_total{op,status}
//   - record_duration_seconds{op}
//   - queue_depth
//   - groups{type}
//   - pending_relationships{kind}
//   - hardware_calls_total{operation,result}
//   - hardware_call_duration_seconds{operation}
//   - port_events_total{added}
//   - notifications_total{subject}
//
// A nil *Metrics is valid and records nothing, so metrics can be disabled
// without guarding every call site. The admin server exposes Handler.
//
// # Events
//
// Group lifecycle events (created, updated, delete deferred, destroyed,
// member and bind changes, hardware errors) are published to subscribers in
// order. The journal store subscribes to persist them.
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Type, e.Group, e.Port)
//	}, telemetry.FilterByGroup("grp1"))
package telemetry
