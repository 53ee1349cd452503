package ports

import (
	"context"
	"testing"

	"github.com/openfroyo/isogrpd/pkg/engine"
	"github.com/openfroyo/isogrpd/pkg/providers/sim"
)

type recorder struct {
	updates []engine.PortUpdate
}

func (r *recorder) callback(_ context.Context, n engine.Notification) {
	if n.Type == engine.SubjectPortChange && n.PortUpdate != nil {
		r.updates = append(r.updates, *n.PortUpdate)
	}
}

func newTestDirectory(t *testing.T) (*Directory, *sim.Switch, *recorder) {
	t.Helper()
	sw := sim.New()
	d := New(sw)
	rec := &recorder{}
	if !d.Attach("test", rec.callback) {
		t.Fatal("Attach() returned false")
	}
	return d, sw, rec
}

func portRecord(key string, op engine.Operation, fields ...engine.FieldValue) engine.Record {
	return engine.Record{Table: PortTable, Key: key, Op: op, Fields: fields}
}

func TestDirectoryPortInitDone(t *testing.T) {
	d, _, _ := newTestDirectory(t)
	ctx := context.Background()

	if d.AllPortsReady() {
		t.Fatal("new directory reports ports ready")
	}
	if err := d.ApplyRecord(ctx, portRecord(PortInitDoneKey, engine.OperationSet)); err != nil {
		t.Fatalf("ApplyRecord(PortInitDone) error = %v", err)
	}
	if !d.AllPortsReady() {
		t.Error("PortInitDone did not mark ports ready")
	}
}

func TestDirectoryUpsertAndResolve(t *testing.T) {
	d, sw, rec := newTestDirectory(t)
	ctx := context.Background()

	err := d.ApplyRecord(ctx, portRecord("Ethernet0", engine.OperationSet,
		engine.FieldValue{Field: "kind", Value: "phy"},
		engine.FieldValue{Field: "BRIDGE_PORT", Value: "true"},
	))
	if err != nil {
		t.Fatalf("ApplyRecord() error = %v", err)
	}
	if err := d.ApplyRecord(ctx, portRecord("PortChannel1", engine.OperationSet,
		engine.FieldValue{Field: "kind", Value: "lag"},
	)); err != nil {
		t.Fatalf("ApplyRecord() error = %v", err)
	}

	eth, ok := d.Resolve("Ethernet0")
	if !ok {
		t.Fatal("Ethernet0 not resolved")
	}
	if sim.TypeOf(eth.PortHandle) != sim.ObjectTypePort || sim.TypeOf(eth.BridgePortHandle) != sim.ObjectTypeBridgePort {
		t.Errorf("unexpected handles %+v", eth)
	}

	lag, _ := d.Resolve("PortChannel1")
	if lag.Kind != engine.PortKindAggregate || lag.HandleFor(engine.GroupTypePort) != lag.AggregateHandle {
		t.Errorf("unexpected lag %+v", lag)
	}
	if !lag.HandleFor(engine.GroupTypeBridgePort).IsNull() {
		t.Error("lag without bridge port has a bridge port handle")
	}

	if len(rec.updates) != 2 || !rec.updates[0].Added || !rec.updates[1].Added {
		t.Fatalf("updates = %+v", rec.updates)
	}
	if sw.Count(sim.ObjectTypeBridgePort) != 1 {
		t.Errorf("bridge ports = %d, want 1", sw.Count(sim.ObjectTypeBridgePort))
	}

	ports := d.Ports()
	if len(ports) != 2 || ports[0].Alias != "Ethernet0" || ports[1].Alias != "PortChannel1" {
		t.Errorf("Ports() = %+v", ports)
	}
}

func TestDirectoryBridgePortChange(t *testing.T) {
	d, sw, rec := newTestDirectory(t)
	ctx := context.Background()

	if err := d.Upsert(ctx, "Ethernet4", PortSpec{}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := d.Upsert(ctx, "Ethernet4", PortSpec{}); err != nil {
		t.Fatalf("Upsert() unchanged error = %v", err)
	}
	if len(rec.updates) != 1 {
		t.Fatalf("unchanged upsert notified: %+v", rec.updates)
	}

	if err := d.Upsert(ctx, "Ethernet4", PortSpec{BridgePort: true}); err != nil {
		t.Fatalf("Upsert() bridge error = %v", err)
	}
	if len(rec.updates) != 3 {
		t.Fatalf("updates = %d, want 3", len(rec.updates))
	}
	withdrawn, ready := rec.updates[1], rec.updates[2]
	if withdrawn.Added || !withdrawn.Port.BridgePortHandle.IsNull() {
		t.Errorf("withdrawal = %+v", withdrawn)
	}
	if !ready.Added || ready.Port.BridgePortHandle.IsNull() {
		t.Errorf("readiness = %+v", ready)
	}

	if err := d.Upsert(ctx, "Ethernet4", PortSpec{BridgePort: false}); err != nil {
		t.Fatalf("Upsert() unbridge error = %v", err)
	}
	if sw.Count(sim.ObjectTypeBridgePort) != 0 {
		t.Error("bridge port not released")
	}
}

func TestDirectoryRemove(t *testing.T) {
	d, sw, rec := newTestDirectory(t)
	ctx := context.Background()

	_ = d.Upsert(ctx, "Ethernet8", PortSpec{BridgePort: true})
	port, _ := d.Resolve("Ethernet8")

	if err := d.ApplyRecord(ctx, portRecord("Ethernet8", engine.OperationDelete)); err != nil {
		t.Fatalf("ApplyRecord(DEL) error = %v", err)
	}
	if _, ok := d.Resolve("Ethernet8"); ok {
		t.Error("removed port still resolves")
	}

	last := rec.updates[len(rec.updates)-1]
	if last.Added || last.Port != port {
		t.Errorf("withdrawal = %+v, want %+v", last, port)
	}
	if sw.Count(sim.ObjectTypePort) != 0 || sw.Count(sim.ObjectTypeBridgePort) != 0 {
		t.Error("port objects not released")
	}

	if err := d.Remove(ctx, "Ethernet8"); err != nil {
		t.Errorf("Remove() of unknown port error = %v", err)
	}
}

func TestDirectoryRejectsBadRecords(t *testing.T) {
	d, _, _ := newTestDirectory(t)
	ctx := context.Background()

	err := d.ApplyRecord(ctx, engine.Record{Table: "VLAN_TABLE", Key: "Vlan10", Op: engine.OperationSet})
	if !engine.IsInvalidParam(err) {
		t.Errorf("wrong table error = %v", err)
	}

	err = d.ApplyRecord(ctx, portRecord("Ethernet0", engine.OperationSet,
		engine.FieldValue{Field: "kind", Value: "vlan"}))
	if !engine.IsInvalidParam(err) {
		t.Errorf("bad kind error = %v", err)
	}

	err = d.ApplyRecord(ctx, portRecord("Ethernet0", engine.OperationSet,
		engine.FieldValue{Field: "bridge_port", Value: "maybe"}))
	if !engine.IsInvalidParam(err) {
		t.Errorf("bad bridge_port error = %v", err)
	}

	if err := d.ApplyRecord(ctx, portRecord("PortConfigDone", engine.OperationSet)); err != nil {
		t.Errorf("non-port key error = %v", err)
	}
}
