package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// GroupType is the kind of object an isolation group isolates.
type GroupType string

const (
	// GroupTypeInvalid is the zero value produced for missing or unknown type tokens.
	GroupTypeInvalid GroupType = ""

	// GroupTypePort isolates physical ports and port channels.
	GroupTypePort GroupType = "port"

	// GroupTypeBridgePort isolates bridge ports.
	GroupTypeBridgePort GroupType = "bridge_port"
)

// ParseGroupType maps a type token to a GroupType, case-insensitively.
func ParseGroupType(token string) (GroupType, error) {
	switch strings.ToLower(strings.TrimSpace(token)) {
	case string(GroupTypePort):
		return GroupTypePort, nil
	case string(GroupTypeBridgePort), "bridge", "bridge-port":
		return GroupTypeBridgePort, nil
	default:
		return GroupTypeInvalid, NewInvalidParamError(fmt.Sprintf("unsupported isolation group type %q", token), nil)
	}
}

// Validate checks if the group type is valid.
func (t GroupType) Validate() error {
	switch t {
	case GroupTypePort, GroupTypeBridgePort:
		return nil
	default:
		return fmt.Errorf("invalid isolation group type: %q", string(t))
	}
}

// DisplayName returns the name used in dumps.
func (t GroupType) DisplayName() string {
	switch t {
	case GroupTypePort:
		return "Port"
	case GroupTypeBridgePort:
		return "Bridge-Port"
	default:
		return "Invalid"
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (t GroupType) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(t))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (t *GroupType) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseGroupType(str)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// GroupState is the lifecycle state of an isolation group.
type GroupState string

const (
	// GroupStateAbsent is the state before Create succeeds.
	GroupStateAbsent GroupState = "absent"

	// GroupStateCreated indicates the group exists in hardware.
	GroupStateCreated GroupState = "created"

	// GroupStatePendingDestroy indicates a delete was requested while observers remained.
	GroupStatePendingDestroy GroupState = "pending_destroy"

	// GroupStateDestroyed indicates the hardware object was released.
	GroupStateDestroyed GroupState = "destroyed"
)

// InHardware returns true if the group owns a hardware object in this state.
func (s GroupState) InHardware() bool {
	return s == GroupStateCreated || s == GroupStatePendingDestroy
}

// Operation is the operation carried by a configuration record.
type Operation string

const (
	// OperationSet creates or updates the keyed entry.
	OperationSet Operation = "SET"

	// OperationDelete removes the keyed entry.
	OperationDelete Operation = "DEL"
)

// Validate checks if the operation is valid.
func (o Operation) Validate() error {
	switch o {
	case OperationSet, OperationDelete:
		return nil
	default:
		return fmt.Errorf("invalid record operation: %s", o)
	}
}

// PortKind distinguishes physical ports from logical aggregates.
type PortKind string

const (
	// PortKindPhysical is a front panel port.
	PortKindPhysical PortKind = "phy"

	// PortKindAggregate is a logical aggregate (port channel).
	PortKindAggregate PortKind = "lag"
)

// ParsePortKind maps a kind token to a PortKind.
func ParsePortKind(token string) (PortKind, error) {
	switch strings.ToLower(strings.TrimSpace(token)) {
	case "", string(PortKindPhysical):
		return PortKindPhysical, nil
	case string(PortKindAggregate):
		return PortKindAggregate, nil
	default:
		return "", NewInvalidParamError(fmt.Sprintf("invalid port kind %q", token), nil)
	}
}
