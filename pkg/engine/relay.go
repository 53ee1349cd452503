package engine

import (
	"context"
	"slices"
)

// SubjectType tags the payload carried by a Notification.
type SubjectType string

const (
	// SubjectIsolationGroupChange carries a GroupChange.
	SubjectIsolationGroupChange SubjectType = "isolation_group_change"

	// SubjectPortChange carries a PortUpdate.
	SubjectPortChange SubjectType = "port_change"
)

// Notification is the tagged event payload delivered to observers.
type Notification struct {
	Type        SubjectType
	GroupChange *GroupChange
	PortUpdate  *PortUpdate
}

// ObserverID identifies a subscriber in a Subject's interest set.
type ObserverID string

// Callback is invoked synchronously for every notification a subject publishes.
type Callback func(ctx context.Context, n Notification)

// Subject tracks the observers interested in one publisher.
// It is not safe for concurrent use; all access happens on the dispatch goroutine.
type Subject struct {
	order     []ObserverID
	callbacks map[ObserverID]Callback
}

// Attach registers an observer. It returns false if the id was already attached,
// in which case the existing callback is kept.
func (s *Subject) Attach(id ObserverID, cb Callback) bool {
	if s.callbacks == nil {
		s.callbacks = make(map[ObserverID]Callback)
	}
	if _, ok := s.callbacks[id]; ok {
		return false
	}
	s.callbacks[id] = cb
	s.order = append(s.order, id)
	return true
}

// Detach removes an observer. It returns false if the id was not attached.
func (s *Subject) Detach(id ObserverID) bool {
	if _, ok := s.callbacks[id]; !ok {
		return false
	}
	delete(s.callbacks, id)
	if idx := slices.Index(s.order, id); idx >= 0 {
		s.order = slices.Delete(s.order, idx, idx+1)
	}
	return true
}

// IsObserver reports whether id is attached.
func (s *Subject) IsObserver(id ObserverID) bool {
	_, ok := s.callbacks[id]
	return ok
}

// HasObservers reports whether any observer is attached.
func (s *Subject) HasObservers() bool {
	return len(s.order) > 0
}

// Observers returns the attached ids in attach order.
func (s *Subject) Observers() []ObserverID {
	return slices.Clone(s.order)
}

// Notify delivers n to every observer attached when Notify was called.
// Observers detached by an earlier callback in the same round are skipped.
func (s *Subject) Notify(ctx context.Context, n Notification) {
	for _, id := range slices.Clone(s.order) {
		cb, ok := s.callbacks[id]
		if !ok || cb == nil {
			continue
		}
		cb(ctx, n)
	}
}
