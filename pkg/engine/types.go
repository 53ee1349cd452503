package engine

import (
	"fmt"
	"strings"
)

// Handle is an opaque identifier returned by the hardware abstraction layer.
type Handle uint64

// NullHandle is the well-known "no object" handle.
const NullHandle Handle = 0

// IsNull returns true if the handle does not reference an object.
func (h Handle) IsNull() bool {
	return h == NullHandle
}

// String formats the handle the way the hardware layer prints object ids.
func (h Handle) String() string {
	return fmt.Sprintf("0x%016x", uint64(h))
}

// Port is the resolved state of a port alias as reported by the port directory.
type Port struct {
	// Alias is the port name, e.g. Ethernet0 or PortChannel1.
	Alias string `json:"alias"`

	// Kind distinguishes physical ports from aggregates.
	Kind PortKind `json:"kind"`

	// PortHandle is the handle of a physical port.
	PortHandle Handle `json:"port_handle"`

	// AggregateHandle is the handle of a logical aggregate.
	AggregateHandle Handle `json:"aggregate_handle"`

	// BridgePortHandle is the bridge port created on top of the port, if any.
	BridgePortHandle Handle `json:"bridge_port_handle"`
}

// HandleFor returns the object a group of the given type references for this port.
// It is NullHandle while the port is not ready for that group type.
func (p Port) HandleFor(t GroupType) Handle {
	switch t {
	case GroupTypeBridgePort:
		return p.BridgePortHandle
	case GroupTypePort:
		if p.Kind == PortKindAggregate {
			return p.AggregateHandle
		}
		return p.PortHandle
	default:
		return NullHandle
	}
}

// PortUpdate is the payload of a port readiness or withdrawal event.
type PortUpdate struct {
	// Port carries the port's current resolved state.
	Port Port `json:"port"`

	// Added is true when the port became ready and false when it was withdrawn.
	Added bool `json:"added"`
}

// FieldValue is a single field of a configuration record.
type FieldValue struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// Record is one ordered change record delivered by the configuration store.
type Record struct {
	// Table is the name of the table the record came from.
	Table string `json:"table"`

	// Key is the table key; the group name is the part before the first separator.
	Key string `json:"key"`

	// Op is the record operation.
	Op Operation `json:"op"`

	// Fields are the field/value pairs of a SET record.
	Fields []FieldValue `json:"fields,omitempty"`
}

// KeySeparator separates the entry name from any suffix in a table key.
const KeySeparator = ":"

// Name returns the entry name encoded in the record key.
func (r Record) Name() string {
	if idx := strings.Index(r.Key, KeySeparator); idx >= 0 {
		return r.Key[:idx]
	}
	return r.Key
}

// FieldMap returns the record fields keyed by lower-cased field name.
// Later duplicates overwrite earlier ones.
func (r Record) FieldMap() map[string]string {
	fields := make(map[string]string, len(r.Fields))
	for _, fv := range r.Fields {
		fields[strings.ToLower(fv.Field)] = fv.Value
	}
	return fields
}

// GroupChange is the payload of an isolation group change notification.
// Group is a non-owning reference that is only valid while the notification is delivered.
type GroupChange struct {
	Name  string
	Group *IsolationGroup
	Added bool
}

// MemberEntry is a realized member in a group snapshot.
type MemberEntry struct {
	Port   string `json:"port" yaml:"port"`
	Handle Handle `json:"handle" yaml:"handle"`
}

// GroupSnapshot is a point-in-time copy of a group's state for inspection.
type GroupSnapshot struct {
	Name             string        `json:"name" yaml:"name"`
	Type             GroupType     `json:"type" yaml:"type"`
	State            GroupState    `json:"state" yaml:"state"`
	Description      string        `json:"description" yaml:"description"`
	Handle           Handle        `json:"handle" yaml:"handle"`
	Members          []MemberEntry `json:"members" yaml:"members"`
	PendingMembers   []string      `json:"pending_members" yaml:"pending_members"`
	BindPorts        []string      `json:"bind_ports" yaml:"bind_ports"`
	PendingBindPorts []string      `json:"pending_bind_ports" yaml:"pending_bind_ports"`
	Observers        []ObserverID  `json:"observers" yaml:"observers"`
}
