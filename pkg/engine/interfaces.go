package engine

import (
	"context"

	"github.com/openfroyo/isogrpd/pkg/telemetry"
)

// PortDirectory resolves port aliases to their current hardware handles.
// A port that is found may still carry null handles while it is not ready.
type PortDirectory interface {
	Resolve(alias string) (Port, bool)
}

// PortEventSource publishes SubjectPortChange notifications when ports become
// ready or are withdrawn.
type PortEventSource interface {
	Attach(id ObserverID, cb Callback) bool
	Detach(id ObserverID) bool
}

// ReadinessChecker reports whether the port subsystem finished initialisation.
// Configuration records are held back until it does.
type ReadinessChecker interface {
	AllPortsReady() bool
}

// HardwareAbstraction is the synchronous hardware API used to program
// isolation groups. Every call either succeeds or fails immediately.
type HardwareAbstraction interface {
	// CreateIsolationGroup allocates an isolation group object of the given type.
	CreateIsolationGroup(ctx context.Context, groupType GroupType) (Handle, error)

	// RemoveIsolationGroup releases an isolation group object.
	RemoveIsolationGroup(ctx context.Context, group Handle) error

	// CreateIsolationGroupMember adds object (port or bridge port) to group.
	CreateIsolationGroupMember(ctx context.Context, group, object Handle) (Handle, error)

	// RemoveIsolationGroupMember removes a member object.
	RemoveIsolationGroupMember(ctx context.Context, member Handle) error

	// SetPortIsolationGroup sets the isolation group attribute of a port or
	// aggregate. NullHandle clears it.
	SetPortIsolationGroup(ctx context.Context, port, group Handle) error

	// SetBridgePortIsolationGroup sets the isolation group attribute of a
	// bridge port. NullHandle clears it.
	SetBridgePortIsolationGroup(ctx context.Context, bridgePort, group Handle) error
}

// EventSink receives group lifecycle events.
// *telemetry.EventPublisher satisfies it.
type EventSink interface {
	Publish(event telemetry.Event) error
}

// AdmissionRequest describes a group definition about to be applied.
type AdmissionRequest struct {
	Name        string         `json:"name"`
	Type        GroupType      `json:"type"`
	Description string         `json:"description,omitempty"`
	Members     []string       `json:"members"`
	BindPorts   []string       `json:"bind_ports"`
	Existing    *GroupSnapshot `json:"existing,omitempty"` // nil for a new group
}

// Admission accepts or rejects group definitions before any hardware call is
// made. A rejection without a GroupError classification is reported as
// StatusInvalidParam.
type Admission interface {
	Admit(ctx context.Context, req AdmissionRequest) error
}
