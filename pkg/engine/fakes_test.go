package engine

import (
	"context"
	"errors"
	"sort"

	"github.com/openfroyo/isogrpd/pkg/telemetry"
)

var errHardware = errors.New("hardware rejected the call")

// hwCall is one recorded hardware call.
type hwCall struct {
	op     string
	object Handle
	group  Handle
}

// fakeHardware records every call and hands out increasing handles. Calls
// fail per operation (fail) or per object handle (failObject).
type fakeHardware struct {
	next       Handle
	calls      []hwCall
	fail       map[string]error
	failObject map[Handle]error
}

func newFakeHardware() *fakeHardware {
	return &fakeHardware{next: 0x1000, fail: make(map[string]error), failObject: make(map[Handle]error)}
}

func (h *fakeHardware) record(op string, object, group Handle) error {
	h.calls = append(h.calls, hwCall{op: op, object: object, group: group})
	if err, ok := h.failObject[object]; ok {
		return err
	}
	return h.fail[op]
}

func (h *fakeHardware) count(op string) int {
	n := 0
	for _, c := range h.calls {
		if c.op == op {
			n++
		}
	}
	return n
}

func (h *fakeHardware) reset() {
	h.calls = nil
}

func (h *fakeHardware) CreateIsolationGroup(_ context.Context, _ GroupType) (Handle, error) {
	if err := h.record("create_group", NullHandle, NullHandle); err != nil {
		return NullHandle, err
	}
	h.next++
	return h.next, nil
}

func (h *fakeHardware) RemoveIsolationGroup(_ context.Context, group Handle) error {
	return h.record("remove_group", NullHandle, group)
}

func (h *fakeHardware) CreateIsolationGroupMember(_ context.Context, group, object Handle) (Handle, error) {
	if err := h.record("create_member", object, group); err != nil {
		return NullHandle, err
	}
	h.next++
	return h.next, nil
}

func (h *fakeHardware) RemoveIsolationGroupMember(_ context.Context, member Handle) error {
	return h.record("remove_member", member, NullHandle)
}

func (h *fakeHardware) SetPortIsolationGroup(_ context.Context, port, group Handle) error {
	return h.record("set_port", port, group)
}

func (h *fakeHardware) SetBridgePortIsolationGroup(_ context.Context, bridgePort, group Handle) error {
	return h.record("set_bridge_port", bridgePort, group)
}

// fakePorts is a port directory backed by a map.
type fakePorts struct {
	ports map[string]Port
	next  Handle
}

func newFakePorts(aliases ...string) *fakePorts {
	f := &fakePorts{ports: make(map[string]Port), next: 0x100}
	for _, alias := range aliases {
		f.add(alias)
	}
	return f
}

// add registers a ready physical port with a bridge port.
func (f *fakePorts) add(alias string) Port {
	f.next += 2
	p := Port{Alias: alias, Kind: PortKindPhysical, PortHandle: f.next, BridgePortHandle: f.next + 1}
	f.ports[alias] = p
	return p
}

func (f *fakePorts) remove(alias string) Port {
	p := f.ports[alias]
	delete(f.ports, alias)
	return p
}

func (f *fakePorts) Resolve(alias string) (Port, bool) {
	p, ok := f.ports[alias]
	return p, ok
}

// fakeSink collects published events.
type fakeSink struct {
	events []telemetry.Event
}

func (s *fakeSink) Publish(event telemetry.Event) error {
	s.events = append(s.events, event)
	return nil
}

func (s *fakeSink) types() []string {
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

// fakeAdmission rejects definitions for which reject returns an error.
type fakeAdmission struct {
	requests []AdmissionRequest
	reject   func(AdmissionRequest) error
}

func (a *fakeAdmission) Admit(_ context.Context, req AdmissionRequest) error {
	a.requests = append(a.requests, req)
	if a.reject == nil {
		return nil
	}
	return a.reject(req)
}

// changeRecorder is an observer callback collecting group changes.
type changeRecorder struct {
	changes []GroupChange
}

func (r *changeRecorder) callback(_ context.Context, n Notification) {
	if n.GroupChange != nil {
		r.changes = append(r.changes, *n.GroupChange)
	}
}

func setRecord(name string, fields map[string]string) Record {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rec := Record{Table: IsolationGroupTable, Key: name, Op: OperationSet}
	for _, k := range keys {
		rec.Fields = append(rec.Fields, FieldValue{Field: k, Value: fields[k]})
	}
	return rec
}

func delRecord(name string) Record {
	return Record{Table: IsolationGroupTable, Key: name, Op: OperationDelete}
}
