// Package engine implements the isolation group reconciliation engine.
//
// # Overview
//
// An isolation group is a hardware object that stops traffic from the ports
// bound to it towards the ports that are its members. The engine turns
// declarative configuration records (group name, type, description, member
// list, bind port list) into an ordered sequence of hardware operations:
//
//  1. Create - allocate the isolation group object
//  2. Add member / Bind - program members and the binding attribute of ports
//  3. Remove member / Unbind - undo the relationships no longer requested
//  4. Destroy - tear everything down once no observer holds interest
//
// # Core Types
//
//   - IsolationGroup: the per-group state machine with pending lists for
//     ports that cannot be resolved yet
//   - Registry: owns every group by name, applies records and relays port events
//   - Subject: observer interest set with a callback table keyed by ObserverID
//   - SyncQueue and Runner: ordered record queue with retry discipline and the
//     single dispatch goroutine
//
// # Pending Relationships
//
// A member or bind port whose port is unknown, or known but without a usable
// handle for the group type, is kept in a pending list. When the port
// directory reports the port ready, Registry.OnPortEvent forwards the event to
// every group and the relationship is realized. When a port is withdrawn the
// relationship is removed and re-armed as pending (a forward reference).
//
// # Deferred Deletion
//
// A DELETE record first detaches the registry from the group and notifies the
// remaining observers. The hardware object is destroyed only if no observer
// is left; otherwise the group stays registered in GroupStatePendingDestroy
// until the last observer is released through Registry.Release.
//
// # Admission
//
// A Registry created WithAdmission passes every definition to the Admission
// before it is created or updated. A rejected definition makes no hardware
// call and is reported as StatusInvalidParam unless the Admission classified
// the error itself. Type changes are refused before admission runs.
//
// # Errors
//
// Operations return nil on success or a *GroupError classified as
// StatusFail, StatusRetry or StatusInvalidParam. StatusOf maps any error to
// its status for the record queue.
//
// # Concurrency
//
// Nothing in this package is safe for concurrent use. A Runner serializes
// records, port events and administrative calls onto one goroutine.
package engine
