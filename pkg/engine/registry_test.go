package engine

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/openfroyo/isogrpd/pkg/telemetry"
)

func newTestRegistry(ports *fakePorts, opts ...Option) (*Registry, *fakeHardware) {
	hw := newFakeHardware()
	return NewRegistry(hw, ports, opts...), hw
}

func TestDecodeGroupSpec(t *testing.T) {
	rec := Record{Key: "grp1", Op: OperationSet, Fields: []FieldValue{
		{Field: "TYPE", Value: "port"},
		{Field: "Description", Value: "uplinks"},
		{Field: "PORTS", Value: "Ethernet0"},
		{Field: "members", Value: "Ethernet4,Ethernet8"},
		{Field: "mtu", Value: "9100"},
	}}

	spec, err := DecodeGroupSpec(rec)
	if err != nil {
		t.Fatalf("DecodeGroupSpec() error = %v", err)
	}
	want := GroupSpec{Type: "port", Description: "uplinks", Ports: "Ethernet0", Members: "Ethernet4,Ethernet8"}
	if spec != want {
		t.Errorf("DecodeGroupSpec() = %+v, want %+v", spec, want)
	}
}

func TestRecordName(t *testing.T) {
	if got := (Record{Key: "grp1:suffix"}).Name(); got != "grp1" {
		t.Errorf("Name() = %q", got)
	}
	if got := (Record{Key: "grp1"}).Name(); got != "grp1" {
		t.Errorf("Name() = %q", got)
	}
}

func TestApplySetCreatesGroup(t *testing.T) {
	ports := newFakePorts("Ethernet0", "Ethernet4")
	reg, hw := newTestRegistry(ports)
	ctx := context.Background()

	err := reg.ApplyRecord(ctx, setRecord("grp1", map[string]string{
		"type":        "port",
		"description": "uplinks",
		"ports":       "Ethernet4",
		"members":     "Ethernet0,Ethernet12",
	}))
	if err != nil {
		t.Fatalf("ApplyRecord() error = %v", err)
	}

	grp, ok := reg.Group("grp1")
	if !ok {
		t.Fatal("group not registered")
	}
	if grp.Description() != "uplinks" || !grp.IsMember("Ethernet0") || !grp.IsBound("Ethernet4") {
		t.Errorf("group = %+v", grp.Snapshot())
	}
	if !reflect.DeepEqual(grp.PendingMembers(), []string{"Ethernet12"}) {
		t.Errorf("pending members = %v", grp.PendingMembers())
	}
	if !grp.IsObserver(RegistryObserverID) {
		t.Error("registry did not attach to the group")
	}
	if hw.count("create_group") != 1 {
		t.Errorf("create_group calls = %d", hw.count("create_group"))
	}
}

func TestApplySetRejectsTypeChange(t *testing.T) {
	ports := newFakePorts("Ethernet0", "Ethernet4")
	reg, hw := newTestRegistry(ports)
	ctx := context.Background()

	_ = reg.ApplyRecord(ctx, setRecord("grp1", map[string]string{
		"type": "port", "description": "before", "ports": "Ethernet4", "members": "Ethernet0",
	}))
	before, _ := reg.Snapshot("grp1")
	hw.reset()

	err := reg.ApplyRecord(ctx, setRecord("grp1", map[string]string{
		"type": "bridge_port", "description": "after", "ports": "", "members": "",
	}))
	if !IsFail(err) {
		t.Fatalf("ApplyRecord() = %v, want fail", err)
	}
	after, _ := reg.Snapshot("grp1")
	if !reflect.DeepEqual(before, after) {
		t.Errorf("type change modified the group:\nbefore %+v\nafter  %+v", before, after)
	}
	if len(hw.calls) != 0 {
		t.Errorf("type change made hardware calls: %+v", hw.calls)
	}
}

func TestApplySetInvalid(t *testing.T) {
	reg, hw := newTestRegistry(newFakePorts())
	ctx := context.Background()

	err := reg.ApplyRecord(ctx, setRecord("grp1", map[string]string{"type": "vlan"}))
	if !IsInvalidParam(err) {
		t.Errorf("unknown type = %v", err)
	}
	err = reg.ApplyRecord(ctx, setRecord("grp1", map[string]string{"description": "no type"}))
	if !IsInvalidParam(err) {
		t.Errorf("missing type = %v", err)
	}
	err = reg.ApplyRecord(ctx, Record{Key: "grp1", Op: "PATCH"})
	if !IsInvalidParam(err) {
		t.Errorf("unknown op = %v", err)
	}
	if reg.Len() != 0 || len(hw.calls) != 0 {
		t.Errorf("invalid records changed state: len=%d calls=%+v", reg.Len(), hw.calls)
	}
}

func TestApplySetUpdatesInPlace(t *testing.T) {
	ports := newFakePorts("Ethernet0", "Ethernet4")
	reg, hw := newTestRegistry(ports)
	ctx := context.Background()

	_ = reg.ApplyRecord(ctx, setRecord("grp1", map[string]string{"type": "port", "members": "Ethernet0"}))
	handle := mustGroup(t, reg, "grp1").Handle()

	err := reg.ApplyRecord(ctx, setRecord("grp1", map[string]string{
		"type": "PORT", "description": "changed", "members": "Ethernet4",
	}))
	if err != nil {
		t.Fatalf("ApplyRecord() error = %v", err)
	}
	grp := mustGroup(t, reg, "grp1")
	if grp.Handle() != handle || hw.count("create_group") != 1 {
		t.Error("update re-created the group")
	}
	if grp.Description() != "changed" || !reflect.DeepEqual(grp.Members(), []string{"Ethernet4"}) {
		t.Errorf("group = %+v", grp.Snapshot())
	}
}

func TestCreateThenDeleteWithoutObservers(t *testing.T) {
	ports := newFakePorts("Ethernet0")
	reg, hw := newTestRegistry(ports)
	ctx := context.Background()

	for _, name := range []string{"grp1", "grp2", "grp3"} {
		if err := reg.ApplyRecord(ctx, setRecord(name, map[string]string{"type": "port", "members": "Ethernet0"})); err != nil {
			t.Fatalf("ApplyRecord(%s) error = %v", name, err)
		}
	}
	for _, name := range []string{"grp2", "grp1", "grp3"} {
		if err := reg.ApplyRecord(ctx, delRecord(name)); err != nil {
			t.Fatalf("ApplyRecord(DEL %s) error = %v", name, err)
		}
	}

	if reg.Len() != 0 {
		t.Errorf("Len() = %d after deleting every group", reg.Len())
	}
	if hw.count("create_group") != hw.count("remove_group") {
		t.Errorf("create_group = %d, remove_group = %d", hw.count("create_group"), hw.count("remove_group"))
	}
	if hw.count("create_member") != hw.count("remove_member") {
		t.Errorf("create_member = %d, remove_member = %d", hw.count("create_member"), hw.count("remove_member"))
	}
}

func TestDeleteUnknownGroupSucceeds(t *testing.T) {
	reg, hw := newTestRegistry(newFakePorts())
	if err := reg.ApplyRecord(context.Background(), delRecord("nope")); err != nil {
		t.Errorf("ApplyRecord(DEL) = %v", err)
	}
	if len(hw.calls) != 0 {
		t.Errorf("calls = %+v", hw.calls)
	}
}

func TestDeleteDeferredWhileObserved(t *testing.T) {
	ports := newFakePorts("Ethernet0")
	reg, hw := newTestRegistry(ports)
	ctx := context.Background()

	_ = reg.ApplyRecord(ctx, setRecord("grp1", map[string]string{"type": "port", "members": "Ethernet0"}))

	acl := &changeRecorder{}
	if err := reg.Attach("grp1", "acl-orch", acl.callback); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	if err := reg.ApplyRecord(ctx, delRecord("grp1")); err != nil {
		t.Fatalf("ApplyRecord(DEL) error = %v", err)
	}
	grp, ok := reg.Group("grp1")
	if !ok {
		t.Fatal("observed group was removed")
	}
	if grp.State() != GroupStatePendingDestroy || hw.count("remove_group") != 0 {
		t.Errorf("state = %s, remove_group calls = %d", grp.State(), hw.count("remove_group"))
	}
	if grp.IsObserver(RegistryObserverID) {
		t.Error("registry still attached after DEL")
	}
	if len(acl.changes) != 1 || acl.changes[0].Added || acl.changes[0].Name != "grp1" {
		t.Errorf("observer changes = %+v", acl.changes)
	}

	if err := reg.Release(ctx, "grp1", "acl-orch"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, ok := reg.Group("grp1"); ok {
		t.Error("group not destroyed after the last observer released it")
	}
	if hw.count("remove_group") != 1 || hw.count("remove_member") != 1 {
		t.Errorf("teardown calls = %+v", hw.calls)
	}
}

func TestObserverDetachingOnNotificationAllowsDelete(t *testing.T) {
	ports := newFakePorts()
	reg, hw := newTestRegistry(ports)
	ctx := context.Background()

	_ = reg.ApplyRecord(ctx, setRecord("grp1", map[string]string{"type": "port"}))
	grp := mustGroup(t, reg, "grp1")
	_ = reg.Attach("grp1", "polite", func(_ context.Context, n Notification) {
		if n.GroupChange != nil && !n.GroupChange.Added {
			grp.Detach("polite")
		}
	})

	_ = reg.ApplyRecord(ctx, delRecord("grp1"))
	if reg.Len() != 0 || hw.count("remove_group") != 1 {
		t.Errorf("group not deleted after observer detached: len=%d", reg.Len())
	}
}

func TestUpdateCancelsPendingDelete(t *testing.T) {
	reg, hw := newTestRegistry(newFakePorts())
	ctx := context.Background()

	_ = reg.ApplyRecord(ctx, setRecord("grp1", map[string]string{"type": "port"}))
	_ = reg.Attach("grp1", "acl-orch", nil)
	_ = reg.ApplyRecord(ctx, delRecord("grp1"))

	if err := reg.ApplyRecord(ctx, setRecord("grp1", map[string]string{"type": "port"})); err != nil {
		t.Fatalf("ApplyRecord() error = %v", err)
	}
	grp := mustGroup(t, reg, "grp1")
	if grp.State() != GroupStateCreated || !grp.IsObserver(RegistryObserverID) {
		t.Errorf("state = %s, registry attached = %v", grp.State(), grp.IsObserver(RegistryObserverID))
	}

	_ = reg.Release(ctx, "grp1", "acl-orch")
	if reg.Len() != 1 || hw.count("remove_group") != 0 {
		t.Error("release after a cancelled delete destroyed the group")
	}
}

func TestRegistryOperationsOnUnknownGroup(t *testing.T) {
	reg, _ := newTestRegistry(newFakePorts())
	ctx := context.Background()

	checks := map[string]error{
		"SetMembers":   reg.SetMembers(ctx, "nope", "Ethernet0"),
		"SetBindPorts": reg.SetBindPorts(ctx, "nope", "Ethernet0"),
		"Attach":       reg.Attach("nope", "x", nil),
		"Release":      reg.Release(ctx, "nope", "x"),
	}
	_, snapErr := reg.Snapshot("nope")
	checks["Snapshot"] = snapErr

	for name, err := range checks {
		if !errors.Is(err, ErrGroupNotFound) || !IsFail(err) {
			t.Errorf("%s() = %v, want not found", name, err)
		}
	}
}

func TestPortEventsReachEveryGroup(t *testing.T) {
	ports := newFakePorts()
	reg, hw := newTestRegistry(ports)
	ctx := context.Background()

	_ = reg.ApplyRecord(ctx, setRecord("grp1", map[string]string{"type": "port", "members": "Ethernet0"}))
	_ = reg.ApplyRecord(ctx, setRecord("grp2", map[string]string{"type": "bridge_port", "members": "Ethernet0"}))
	_ = reg.ApplyRecord(ctx, setRecord("grp3", map[string]string{"type": "port", "ports": "Ethernet0"}))

	var src Subject
	if !reg.AttachTo(&src) {
		t.Fatal("AttachTo() = false")
	}
	port := ports.add("Ethernet0")
	src.Notify(ctx, Notification{Type: SubjectPortChange, PortUpdate: &PortUpdate{Port: port, Added: true}})

	for _, name := range []string{"grp1", "grp2"} {
		if !mustGroup(t, reg, name).IsMember("Ethernet0") {
			t.Errorf("%s: pending member not realized", name)
		}
	}
	if !mustGroup(t, reg, "grp3").IsBound("Ethernet0") {
		t.Error("grp3: pending bind port not realized")
	}
	if hw.count("create_member") != 2 || hw.count("set_port") != 1 {
		t.Errorf("calls = %+v", hw.calls)
	}

	// Group change notifications are ignored by the port handler.
	reg.HandleNotification(ctx, Notification{Type: SubjectIsolationGroupChange})
}

func TestRegistrySnapshotsSorted(t *testing.T) {
	reg, _ := newTestRegistry(newFakePorts())
	ctx := context.Background()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		_ = reg.AddIsolationGroup(ctx, name, GroupTypePort, "", "", "")
	}

	var names []string
	for _, snap := range reg.Snapshots() {
		names = append(names, snap.Name)
	}
	if !reflect.DeepEqual(names, []string{"alpha", "mid", "zeta"}) {
		t.Errorf("Snapshots() order = %v", names)
	}
}

func TestRegistryPublishesLifecycleEvents(t *testing.T) {
	ports := newFakePorts("Ethernet0")
	sink := &fakeSink{}
	reg, _ := newTestRegistry(ports, WithEventSink(sink))
	ctx := context.Background()

	_ = reg.ApplyRecord(ctx, setRecord("grp1", map[string]string{"type": "port", "members": "Ethernet0", "ports": "Ethernet0"}))
	_ = reg.ApplyRecord(ctx, delRecord("grp1"))

	want := []string{
		telemetry.EventTypeMemberAdded,
		telemetry.EventTypePortBound,
		telemetry.EventTypeGroupCreated,
		telemetry.EventTypeGroupDestroyed,
	}
	if !reflect.DeepEqual(sink.types(), want) {
		t.Errorf("events = %v, want %v", sink.types(), want)
	}
	for _, e := range sink.events {
		if e.Group != "grp1" || e.Source != "isogrp-orch" {
			t.Errorf("event = %+v", e)
		}
	}
}

func TestAdmissionRejectsBeforeHardware(t *testing.T) {
	ports := newFakePorts("Ethernet0", "Ethernet4")
	sink := &fakeSink{}
	adm := &fakeAdmission{reject: func(req AdmissionRequest) error {
		if strings.HasPrefix(req.Name, "bad") {
			return errors.New("name not allowed")
		}
		return nil
	}}
	reg, hw := newTestRegistry(ports, WithAdmission(adm), WithEventSink(sink))
	ctx := context.Background()

	err := reg.ApplyRecord(ctx, setRecord("bad1", map[string]string{"type": "port", "members": "Ethernet0"}))
	if StatusOf(err) != StatusInvalidParam {
		t.Fatalf("status = %s (%v), want invalid_param", StatusOf(err), err)
	}
	var ge *GroupError
	if !errors.As(err, &ge) || ge.Group != "bad1" || ge.Operation != "admit" {
		t.Errorf("error = %#v", err)
	}
	if _, ok := reg.Group("bad1"); ok {
		t.Error("rejected group was registered")
	}
	if len(hw.calls) != 0 {
		t.Errorf("hardware calls = %v", hw.calls)
	}
	if !reflect.DeepEqual(sink.types(), []string{telemetry.EventTypeGroupRejected}) {
		t.Errorf("events = %v", sink.types())
	}

	// Classified rejections keep their status.
	adm.reject = func(AdmissionRequest) error { return NewFailError("store busy", nil) }
	if err := reg.ApplyRecord(ctx, setRecord("grp1", map[string]string{"type": "port"})); StatusOf(err) != StatusFail {
		t.Errorf("status = %s, want fail", StatusOf(err))
	}
}

func TestAdmissionSeesExistingGroup(t *testing.T) {
	ports := newFakePorts("Ethernet0", "Ethernet4")
	adm := &fakeAdmission{}
	reg, _ := newTestRegistry(ports, WithAdmission(adm))
	ctx := context.Background()

	if err := reg.ApplyRecord(ctx, setRecord("grp1", map[string]string{"type": "port", "members": "Ethernet0"})); err != nil {
		t.Fatal(err)
	}
	if err := reg.ApplyRecord(ctx, setRecord("grp1", map[string]string{
		"type": "port", "members": "Ethernet4, Ethernet0", "ports": "Ethernet12",
	})); err != nil {
		t.Fatal(err)
	}

	if len(adm.requests) != 2 {
		t.Fatalf("admission requests = %d, want 2", len(adm.requests))
	}
	if adm.requests[0].Existing != nil {
		t.Error("create request carries an existing group")
	}
	update := adm.requests[1]
	if update.Existing == nil || update.Existing.Members[0].Port != "Ethernet0" {
		t.Fatalf("update request = %+v", update)
	}
	if !reflect.DeepEqual(update.Members, []string{"Ethernet0", "Ethernet4"}) ||
		!reflect.DeepEqual(update.BindPorts, []string{"Ethernet12"}) {
		t.Errorf("update request = %+v", update)
	}

	// A type change is refused before admission is consulted.
	_ = reg.ApplyRecord(ctx, setRecord("grp1", map[string]string{"type": "bridge_port"}))
	if len(adm.requests) != 2 {
		t.Errorf("type change reached admission")
	}
}

func TestRegistryMetrics(t *testing.T) {
	metrics, err := telemetry.NewMetrics(telemetry.DefaultConfig().Metrics)
	if err != nil {
		t.Fatal(err)
	}
	ports := newFakePorts("Ethernet0")
	reg, _ := newTestRegistry(ports, WithMetrics(metrics))
	ctx := context.Background()

	_ = reg.ApplyRecord(ctx, setRecord("grp1", map[string]string{"type": "port", "members": "Ethernet0,Ethernet4"}))
	_ = reg.ApplyRecord(ctx, setRecord("grp2", map[string]string{"type": "vlan"}))

	expected := `
# HELP isogrpd_hardware_calls_total Total number of hardware abstraction calls by operation and result
# TYPE isogrpd_hardware_calls_total counter
isogrpd_hardware_calls_total{operation="create_isolation_group",result="success"} 1
isogrpd_hardware_calls_total{operation="create_isolation_group_member",result="success"} 1
`
	if err := testutil.GatherAndCompare(metrics.Registry(), strings.NewReader(expected), "isogrpd_hardware_calls_total"); err != nil {
		t.Error(err)
	}

	expected = `
# HELP isogrpd_pending_relationships Number of pending members and bind ports across all groups
# TYPE isogrpd_pending_relationships gauge
isogrpd_pending_relationships{kind="bind_ports"} 0
isogrpd_pending_relationships{kind="members"} 1
`
	if err := testutil.GatherAndCompare(metrics.Registry(), strings.NewReader(expected), "isogrpd_pending_relationships"); err != nil {
		t.Error(err)
	}
}

func mustGroup(t *testing.T, reg *Registry, name string) *IsolationGroup {
	t.Helper()
	grp, ok := reg.Group(name)
	if !ok {
		t.Fatalf("group %s not registered", name)
	}
	return grp
}

func TestRegistrySpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)).Tracer("test")
	reg, _ := newTestRegistry(newFakePorts("Ethernet0"), WithTracer(tracer))
	ctx := context.Background()

	_ = reg.ApplyRecord(ctx, setRecord("grp1", map[string]string{"type": "port"}))
	_ = reg.ApplyRecord(ctx, setRecord("grp2", map[string]string{"type": "vlan"}))
	reg.OnPortEvent(ctx, PortUpdate{Port: Port{Alias: "Ethernet4"}, Added: true})

	spans := recorder.Ended()
	if len(spans) != 3 {
		t.Fatalf("ended %d spans, want 3", len(spans))
	}

	status := func(s sdktrace.ReadOnlySpan) string {
		for _, kv := range s.Attributes() {
			if kv.Key == telemetry.AttrStatus {
				return kv.Value.AsString()
			}
		}
		return ""
	}

	tests := []struct {
		name   string
		code   codes.Code
		status string
		attr   attribute.KeyValue
	}{
		{"isogrp.apply_record", codes.Ok, "success", telemetry.AttrGroupName.String("grp1")},
		{"isogrp.apply_record", codes.Error, "invalid_param", telemetry.AttrGroupName.String("grp2")},
		{"isogrp.port_event", codes.Ok, "", telemetry.AttrPort.String("Ethernet4")},
	}
	for i, tt := range tests {
		s := spans[i]
		if s.Name() != tt.name || s.Status().Code != tt.code {
			t.Errorf("span %d = %s %v, want %s %v", i, s.Name(), s.Status().Code, tt.name, tt.code)
		}
		if got := status(s); got != tt.status {
			t.Errorf("span %d status attribute = %q, want %q", i, got, tt.status)
		}
		found := false
		for _, kv := range s.Attributes() {
			if kv == tt.attr {
				found = true
			}
		}
		if !found {
			t.Errorf("span %d missing attribute %v", i, tt.attr)
		}
	}
}
