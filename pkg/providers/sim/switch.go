package sim

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/isogrpd/pkg/engine"
)

// ObjectType is the kind of a simulated hardware object.
type ObjectType uint8

const (
	ObjectTypeNull ObjectType = iota
	ObjectTypePort
	ObjectTypeLag
	ObjectTypeBridgePort
	ObjectTypeIsolationGroup
	ObjectTypeIsolationGroupMember
)

// String returns the object type name.
func (t ObjectType) String() string {
	switch t {
	case ObjectTypePort:
		return "port"
	case ObjectTypeLag:
		return "lag"
	case ObjectTypeBridgePort:
		return "bridge_port"
	case ObjectTypeIsolationGroup:
		return "isolation_group"
	case ObjectTypeIsolationGroupMember:
		return "isolation_group_member"
	default:
		return "null"
	}
}

// Operation names used for call counters and fault injection. They match the
// labels of the hardware call metric.
const (
	OpCreateIsolationGroup        = "create_isolation_group"
	OpRemoveIsolationGroup        = "remove_isolation_group"
	OpCreateIsolationGroupMember  = "create_isolation_group_member"
	OpRemoveIsolationGroupMember  = "remove_isolation_group_member"
	OpSetPortIsolationGroup       = "set_port_isolation_group"
	OpSetBridgePortIsolationGroup = "set_bridge_port_isolation_group"
)

// Errors returned by the simulated switch.
var (
	ErrInjected          = errors.New("injected hardware failure")
	ErrObjectNotFound    = errors.New("object not found")
	ErrObjectInUse       = errors.New("object in use")
	ErrInvalidObjectType = errors.New("invalid object type")
	ErrDuplicateMember   = errors.New("object already a member")
)

// typeShift places the object type in the top byte of a handle, the way
// hardware object ids encode their type.
const typeShift = 48

// Object is one simulated hardware object.
type Object struct {
	Handle engine.Handle
	Type   ObjectType

	// Alias is set on ports and lags.
	Alias string

	// Port is the underlying port or lag of a bridge port.
	Port engine.Handle

	// GroupType is set on isolation groups.
	GroupType engine.GroupType

	// Group and Member are set on isolation group members.
	Group  engine.Handle
	Member engine.Handle

	// IsolationGroup is the isolation group attribute of a port, lag or bridge port.
	IsolationGroup engine.Handle
}

// Switch is an in-memory hardware abstraction with an object database,
// per-operation call counters and fault injection. It implements
// engine.HardwareAbstraction and is safe for concurrent use.
type Switch struct {
	mu      sync.Mutex
	objects map[engine.Handle]*Object
	next    uint64
	calls   map[string]int
	faults  map[string][]error
	logger  zerolog.Logger
}

// Option configures a Switch.
type Option func(*Switch)

// WithLogger sets the switch logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Switch) {
		s.logger = logger.With().Str("component", "sim-switch").Logger()
	}
}

// New creates an empty simulated switch.
func New(opts ...Option) *Switch {
	s := &Switch{
		objects: make(map[engine.Handle]*Object),
		calls:   make(map[string]int),
		faults:  make(map[string][]error),
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ engine.HardwareAbstraction = (*Switch)(nil)

// FailNext makes the next call of op fail with err (ErrInjected if nil).
// Repeated calls queue further failures.
func (s *Switch) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		err = ErrInjected
	}
	s.faults[op] = append(s.faults[op], err)
}

// Calls returns the number of calls of op, failed calls included.
func (s *Switch) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// TotalCalls returns the number of isolation group calls of every operation.
func (s *Switch) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, n := range s.calls {
		total += n
	}
	return total
}

// ResetCalls clears the call counters.
func (s *Switch) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = make(map[string]int)
}

// Object returns a copy of the object behind h.
func (s *Switch) Object(h engine.Handle) (Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[h]
	if !ok {
		return Object{}, false
	}
	return *obj, true
}

// Count returns the number of live objects of type t.
func (s *Switch) Count(t ObjectType) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, obj := range s.objects {
		if obj.Type == t {
			n++
		}
	}
	return n
}

// Objects returns copies of all live objects of type t ordered by handle.
func (s *Switch) Objects(t ObjectType) []Object {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Object
	for _, obj := range s.objects {
		if obj.Type == t {
			out = append(out, *obj)
		}
	}
	slices.SortFunc(out, func(a, b Object) int {
		switch {
		case a.Handle < b.Handle:
			return -1
		case a.Handle > b.Handle:
			return 1
		default:
			return 0
		}
	})
	return out
}

// TypeOf decodes the object type from a handle.
func TypeOf(h engine.Handle) ObjectType {
	return ObjectType(uint64(h) >> typeShift)
}

// AllocatePort creates a physical port object.
func (s *Switch) AllocatePort(_ context.Context, alias string) (engine.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocate(&Object{Type: ObjectTypePort, Alias: alias}), nil
}

// AllocateLag creates a link aggregate object.
func (s *Switch) AllocateLag(_ context.Context, alias string) (engine.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allocate(&Object{Type: ObjectTypeLag, Alias: alias}), nil
}

// AllocateBridgePort creates a bridge port on top of a port or lag.
func (s *Switch) AllocateBridgePort(_ context.Context, port engine.Handle) (engine.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.lookup(port, ObjectTypePort, ObjectTypeLag); err != nil {
		return engine.NullHandle, fmt.Errorf("bridge port on %s: %w", port, err)
	}
	return s.allocate(&Object{Type: ObjectTypeBridgePort, Port: port}), nil
}

// Release removes a port, lag or bridge port. It fails while the object is
// referenced by a bridge port or an isolation group member.
func (s *Switch) Release(_ context.Context, h engine.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.lookup(h, ObjectTypePort, ObjectTypeLag, ObjectTypeBridgePort); err != nil {
		return fmt.Errorf("release %s: %w", h, err)
	}
	for _, obj := range s.objects {
		if obj.Port == h || obj.Member == h {
			return fmt.Errorf("release %s: %w", h, ErrObjectInUse)
		}
	}
	delete(s.objects, h)
	return nil
}

// CreateIsolationGroup allocates an isolation group object of the given type.
func (s *Switch) CreateIsolationGroup(_ context.Context, groupType engine.GroupType) (engine.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.call(OpCreateIsolationGroup); err != nil {
		return engine.NullHandle, err
	}
	if err := groupType.Validate(); err != nil {
		return engine.NullHandle, fmt.Errorf("%w: %v", ErrInvalidObjectType, err)
	}

	h := s.allocate(&Object{Type: ObjectTypeIsolationGroup, GroupType: groupType})
	s.logger.Debug().Stringer("oid", h).Str("type", string(groupType)).Msg("Isolation group created")
	return h, nil
}

// RemoveIsolationGroup releases an isolation group. It fails while the group
// has members or is set on a port.
func (s *Switch) RemoveIsolationGroup(_ context.Context, group engine.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.call(OpRemoveIsolationGroup); err != nil {
		return err
	}
	if _, err := s.lookup(group, ObjectTypeIsolationGroup); err != nil {
		return err
	}
	for _, obj := range s.objects {
		if obj.Group == group || obj.IsolationGroup == group {
			return fmt.Errorf("remove isolation group %s: %w", group, ErrObjectInUse)
		}
	}

	delete(s.objects, group)
	s.logger.Debug().Stringer("oid", group).Msg("Isolation group removed")
	return nil
}

// CreateIsolationGroupMember adds a port, lag or bridge port to a group.
// The object must match the group type.
func (s *Switch) CreateIsolationGroupMember(_ context.Context, group, object engine.Handle) (engine.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.call(OpCreateIsolationGroupMember); err != nil {
		return engine.NullHandle, err
	}
	grp, err := s.lookup(group, ObjectTypeIsolationGroup)
	if err != nil {
		return engine.NullHandle, err
	}
	if _, err := s.lookup(object, allowedObjects(grp.GroupType)...); err != nil {
		return engine.NullHandle, err
	}
	for _, obj := range s.objects {
		if obj.Type == ObjectTypeIsolationGroupMember && obj.Group == group && obj.Member == object {
			return engine.NullHandle, fmt.Errorf("member %s of %s: %w", object, group, ErrDuplicateMember)
		}
	}

	h := s.allocate(&Object{Type: ObjectTypeIsolationGroupMember, Group: group, Member: object})
	return h, nil
}

// RemoveIsolationGroupMember removes a member object.
func (s *Switch) RemoveIsolationGroupMember(_ context.Context, member engine.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.call(OpRemoveIsolationGroupMember); err != nil {
		return err
	}
	if _, err := s.lookup(member, ObjectTypeIsolationGroupMember); err != nil {
		return err
	}
	delete(s.objects, member)
	return nil
}

// SetPortIsolationGroup sets the isolation group attribute of a port or lag.
func (s *Switch) SetPortIsolationGroup(_ context.Context, port, group engine.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.call(OpSetPortIsolationGroup); err != nil {
		return err
	}
	return s.setAttribute(port, group, engine.GroupTypePort, ObjectTypePort, ObjectTypeLag)
}

// SetBridgePortIsolationGroup sets the isolation group attribute of a bridge port.
func (s *Switch) SetBridgePortIsolationGroup(_ context.Context, bridgePort, group engine.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.call(OpSetBridgePortIsolationGroup); err != nil {
		return err
	}
	return s.setAttribute(bridgePort, group, engine.GroupTypeBridgePort, ObjectTypeBridgePort)
}

func (s *Switch) setAttribute(object, group engine.Handle, want engine.GroupType, types ...ObjectType) error {
	obj, err := s.lookup(object, types...)
	if err != nil {
		return err
	}
	if !group.IsNull() {
		grp, err := s.lookup(group, ObjectTypeIsolationGroup)
		if err != nil {
			return err
		}
		if grp.GroupType != want {
			return fmt.Errorf("%s group %s on %s: %w", grp.GroupType, group, TypeOf(object), ErrInvalidObjectType)
		}
	}
	obj.IsolationGroup = group
	return nil
}

// call counts op and pops an injected fault. Must hold s.mu.
func (s *Switch) call(op string) error {
	s.calls[op]++
	if queued := s.faults[op]; len(queued) > 0 {
		err := queued[0]
		s.faults[op] = queued[1:]
		s.logger.Debug().Str("op", op).Err(err).Msg("Injected failure")
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// allocate assigns a handle to obj and stores it. Must hold s.mu.
func (s *Switch) allocate(obj *Object) engine.Handle {
	s.next++
	obj.Handle = engine.Handle(uint64(obj.Type)<<typeShift | s.next)
	s.objects[obj.Handle] = obj
	return obj.Handle
}

// lookup returns the object behind h if it has one of the given types. Must hold s.mu.
func (s *Switch) lookup(h engine.Handle, types ...ObjectType) (*Object, error) {
	obj, ok := s.objects[h]
	if !ok {
		return nil, fmt.Errorf("%s: %w", h, ErrObjectNotFound)
	}
	if !slices.Contains(types, obj.Type) {
		return nil, fmt.Errorf("%s is a %s: %w", h, obj.Type, ErrInvalidObjectType)
	}
	return obj, nil
}

func allowedObjects(t engine.GroupType) []ObjectType {
	if t == engine.GroupTypeBridgePort {
		return []ObjectType{ObjectTypeBridgePort}
	}
	return []ObjectType{ObjectTypePort, ObjectTypeLag}
}
