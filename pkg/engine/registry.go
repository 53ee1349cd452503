package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/isogrpd/pkg/telemetry"
)

// RegistryObserverID is the id the registry uses when it attaches to groups
// and to the port event source.
const RegistryObserverID ObserverID = "isogrp-orch"

// ErrGroupNotFound is wrapped by errors for operations on an unknown group name.
var ErrGroupNotFound = errors.New("isolation group not found")

// GroupSpec is the decoded field set of an isolation group SET record.
// Unrecognized fields are ignored.
type GroupSpec struct {
	Type        string `mapstructure:"type"`
	Description string `mapstructure:"description"`
	Ports       string `mapstructure:"ports"`
	Members     string `mapstructure:"members"`
}

// DecodeGroupSpec decodes the fields of a SET record. Field names are matched case-insensitively.
func DecodeGroupSpec(rec Record) (GroupSpec, error) {
	var spec GroupSpec
	if err := mapstructure.Decode(rec.FieldMap(), &spec); err != nil {
		return spec, NewInvalidParamError("malformed isolation group record", err).WithGroup(rec.Name())
	}
	return spec, nil
}

// Registry owns every IsolationGroup by name, applies configuration records
// to them and relays port events. It is the single owner of its groups;
// references handed to observers are only valid during the current dispatch.
type Registry struct {
	hw     HardwareAbstraction
	ports  PortDirectory
	groups map[string]*IsolationGroup
	obs    *instrumentation
	logger zerolog.Logger

	admission Admission
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) {
		r.obs.logger = logger.With().Str("component", "isogrp-orch").Logger()
	}
}

// WithMetrics records hardware calls, applied records and group gauges.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(r *Registry) {
		r.obs.metrics = metrics
	}
}

// WithTracer sets the tracer used for record and port event spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Registry) {
		if tracer != nil {
			r.obs.tracer = tracer
		}
	}
}

// WithEventSink publishes group lifecycle events to sink.
func WithEventSink(sink EventSink) Option {
	return func(r *Registry) {
		r.obs.events = sink
	}
}

// WithAdmission checks every group definition with a before it is applied.
func WithAdmission(a Admission) Option {
	return func(r *Registry) {
		r.admission = a
	}
}

// NewRegistry creates an empty registry programming hw and resolving ports through ports.
func NewRegistry(hw HardwareAbstraction, ports PortDirectory, opts ...Option) *Registry {
	r := &Registry{
		ports:  ports,
		groups: make(map[string]*IsolationGroup),
		obs:    newInstrumentation(zerolog.Nop()),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.hw = hw
	if r.obs.metrics != nil {
		r.hw = &instrumentedHardware{next: hw, metrics: r.obs.metrics}
	}
	r.logger = r.obs.logger
	return r
}

// AttachTo subscribes the registry to port events from src.
func (r *Registry) AttachTo(src PortEventSource) bool {
	return src.Attach(RegistryObserverID, r.HandleNotification)
}

// ApplyRecord applies one configuration record.
func (r *Registry) ApplyRecord(ctx context.Context, rec Record) error {
	name := rec.Name()
	ctx, span := telemetry.StartRecordSpan(ctx, r.obs.tracer, name, string(rec.Op))
	start := time.Now()

	var err error
	switch rec.Op {
	case OperationSet:
		err = r.applySet(ctx, name, rec)
	case OperationDelete:
		err = r.applyDelete(ctx, name)
	default:
		err = NewInvalidParamError(fmt.Sprintf("unknown record operation %q", rec.Op), nil).WithGroup(name)
	}

	r.obs.metrics.RecordRecordApplied(string(rec.Op), string(StatusOf(err)), time.Since(start))
	r.refreshGauges()
	endSpan(span, err)
	return err
}

func (r *Registry) applySet(ctx context.Context, name string, rec Record) error {
	spec, err := DecodeGroupSpec(rec)
	if err != nil {
		return err
	}
	groupType, err := ParseGroupType(spec.Type)
	if err != nil {
		r.logger.Error().Str("group", name).Str("type", spec.Type).Msg("Invalid isolation group type")
		var ge *GroupError
		if errors.As(err, &ge) {
			ge.WithGroup(name).WithOperation("set")
		}
		return err
	}

	if err := r.AddIsolationGroup(ctx, name, groupType, spec.Description, spec.Ports, spec.Members); err != nil {
		return err
	}

	grp := r.groups[name]
	if !grp.IsObserver(RegistryObserverID) {
		r.notifyGroupChange(ctx, grp, true)
		grp.Attach(RegistryObserverID, r.onGroupNotification)
	}
	return nil
}

func (r *Registry) applyDelete(ctx context.Context, name string) error {
	if grp, ok := r.groups[name]; ok {
		grp.Detach(RegistryObserverID)
		// Observers get a chance to detach before the delete is attempted.
		r.notifyGroupChange(ctx, grp, false)
	}
	return r.DelIsolationGroup(ctx, name)
}

// AddIsolationGroup creates a group or updates an existing one of the same type.
// A type change is rejected with StatusFail and leaves the group untouched.
func (r *Registry) AddIsolationGroup(ctx context.Context, name string, groupType GroupType, description, bindPorts, members string) error {
	log := r.logger.With().Str("group", name).Logger()

	grp, ok := r.groups[name]
	if ok && grp.Type() != groupType {
		log.Error().Str("current", string(grp.Type())).Str("requested", string(groupType)).
			Msg("Isolation group type update not permitted")
		return NewFailError(fmt.Sprintf("isolation group type update to %q not permitted", groupType), nil).
			WithGroup(name).WithOperation("update")
	}

	req := AdmissionRequest{
		Name:        name,
		Type:        groupType,
		Description: description,
		Members:     ParseAliasList(members),
		BindPorts:   ParseAliasList(bindPorts),
	}
	if ok {
		snap := grp.Snapshot()
		req.Existing = &snap
	}
	if err := r.admit(ctx, req); err != nil {
		return err
	}

	if !ok {
		grp = newIsolationGroup(name, groupType, description, r.hw, r.ports, r.obs)
		if err := grp.Create(ctx); err != nil {
			return err
		}
		r.reconcile(ctx, grp, bindPorts, members)
		r.groups[name] = grp
		r.obs.publish(telemetry.EventTypeGroupCreated, name, "", telemetry.EventLevelInfo,
			fmt.Sprintf("isolation group %s created", name),
			map[string]interface{}{"type": string(groupType), "oid": grp.Handle().String()})
		return nil
	}

	grp.SetDescription(description)
	if grp.state == GroupStatePendingDestroy {
		log.Info().Msg("Pending delete cancelled by update")
		grp.state = GroupStateCreated
	}
	r.reconcile(ctx, grp, bindPorts, members)
	r.obs.publish(telemetry.EventTypeGroupUpdated, name, "", telemetry.EventLevelInfo,
		fmt.Sprintf("isolation group %s updated", name), nil)
	return nil
}

// admit runs the admission check, if any. Rejections that are not already
// classified are reported as invalid parameters.
func (r *Registry) admit(ctx context.Context, req AdmissionRequest) error {
	if r.admission == nil {
		return nil
	}
	err := r.admission.Admit(ctx, req)
	if err == nil {
		return nil
	}

	var ge *GroupError
	if !errors.As(err, &ge) {
		ge = NewInvalidParamError("isolation group definition rejected", err)
		err = ge
	}
	ge.WithGroup(req.Name).WithOperation("admit")

	r.logger.Warn().Err(err).Str("group", req.Name).Msg("Isolation group definition rejected")
	r.obs.publish(telemetry.EventTypeGroupRejected, req.Name, "", telemetry.EventLevelWarning,
		err.Error(), nil)
	return err
}

// reconcile applies member then bind port lists. Their errors are logged and
// do not fail the surrounding add or update.
func (r *Registry) reconcile(ctx context.Context, grp *IsolationGroup, bindPorts, members string) {
	if err := grp.SetMembers(ctx, members); err != nil {
		r.logger.Warn().Err(err).Str("group", grp.Name()).Msg("Members not fully applied")
	}
	if err := grp.SetBindPorts(ctx, bindPorts); err != nil {
		r.logger.Warn().Err(err).Str("group", grp.Name()).Msg("Bind ports not fully applied")
	}
}

// DelIsolationGroup destroys the group unless observers are still attached,
// in which case the delete is deferred until the last observer releases it.
func (r *Registry) DelIsolationGroup(ctx context.Context, name string) error {
	grp, ok := r.groups[name]
	if !ok {
		return nil
	}

	if grp.HasObservers() {
		r.logger.Info().Str("group", name).Strs("observers", observerStrings(grp.Observers())).
			Msg("Group has observers, not deleting")
		grp.state = GroupStatePendingDestroy
		r.obs.publish(telemetry.EventTypeGroupDeleteDeferred, name, "", telemetry.EventLevelWarning,
			fmt.Sprintf("isolation group %s delete deferred", name), nil)
		return nil
	}

	_ = grp.Destroy(ctx)
	delete(r.groups, name)
	r.obs.publish(telemetry.EventTypeGroupDestroyed, name, "", telemetry.EventLevelInfo,
		fmt.Sprintf("isolation group %s destroyed", name), nil)
	return nil
}

// SetMembers replaces the member list of an existing group.
func (r *Registry) SetMembers(ctx context.Context, name, members string) error {
	grp, ok := r.groups[name]
	if !ok {
		return notFound(name, "set_members")
	}
	err := grp.SetMembers(ctx, members)
	r.refreshGauges()
	return err
}

// SetBindPorts replaces the bind port list of an existing group.
func (r *Registry) SetBindPorts(ctx context.Context, name, bindPorts string) error {
	grp, ok := r.groups[name]
	if !ok {
		return notFound(name, "set_bind_ports")
	}
	err := grp.SetBindPorts(ctx, bindPorts)
	r.refreshGauges()
	return err
}

// Attach registers an external observer on the named group.
func (r *Registry) Attach(name string, id ObserverID, cb Callback) error {
	grp, ok := r.groups[name]
	if !ok {
		return notFound(name, "attach")
	}
	grp.Attach(id, cb)
	return nil
}

// Release detaches an external observer. When the group has a deferred
// delete and no observers remain, the delete is attempted again.
func (r *Registry) Release(ctx context.Context, name string, id ObserverID) error {
	grp, ok := r.groups[name]
	if !ok {
		return notFound(name, "release")
	}
	grp.Detach(id)
	if grp.State() == GroupStatePendingDestroy && !grp.HasObservers() {
		err := r.DelIsolationGroup(ctx, name)
		r.refreshGauges()
		return err
	}
	return nil
}

// OnPortEvent forwards a port event to every managed group.
func (r *Registry) OnPortEvent(ctx context.Context, update PortUpdate) {
	ctx, span := telemetry.StartPortSpan(ctx, r.obs.tracer, update.Port.Alias, update.Added)
	defer telemetry.EndSpan(span, nil)

	r.obs.metrics.RecordPortEvent(update.Added)
	for _, grp := range r.Groups() {
		grp.Update(ctx, update)
	}
	r.refreshGauges()
}

// HandleNotification is the registry's callback on the port event source.
func (r *Registry) HandleNotification(ctx context.Context, n Notification) {
	if n.Type != SubjectPortChange || n.PortUpdate == nil {
		return
	}
	r.OnPortEvent(ctx, *n.PortUpdate)
}

// Group returns the named group. The reference must not be retained past the
// current record or event.
func (r *Registry) Group(name string) (*IsolationGroup, bool) {
	grp, ok := r.groups[name]
	return grp, ok
}

// Groups returns the managed groups ordered by name.
func (r *Registry) Groups() []*IsolationGroup {
	names := make([]string, 0, len(r.groups))
	for name := range r.groups {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*IsolationGroup, 0, len(names))
	for _, name := range names {
		out = append(out, r.groups[name])
	}
	return out
}

// Len returns the number of managed groups.
func (r *Registry) Len() int {
	return len(r.groups)
}

// Snapshot returns the state of the named group.
func (r *Registry) Snapshot(name string) (GroupSnapshot, error) {
	grp, ok := r.groups[name]
	if !ok {
		return GroupSnapshot{}, notFound(name, "show")
	}
	return grp.Snapshot(), nil
}

// Snapshots returns the state of every group ordered by name.
func (r *Registry) Snapshots() []GroupSnapshot {
	groups := r.Groups()
	out := make([]GroupSnapshot, 0, len(groups))
	for _, grp := range groups {
		out = append(out, grp.Snapshot())
	}
	return out
}

func (r *Registry) notifyGroupChange(ctx context.Context, grp *IsolationGroup, added bool) {
	r.obs.metrics.RecordNotification(string(SubjectIsolationGroupChange))
	grp.Notify(ctx, Notification{
		Type:        SubjectIsolationGroupChange,
		GroupChange: &GroupChange{Name: grp.Name(), Group: grp, Added: added},
	})
}

// onGroupNotification is attached to every group the registry manages so the
// group records the registry's interest. The registry does not act on it.
func (r *Registry) onGroupNotification(_ context.Context, n Notification) {
	if n.GroupChange != nil {
		r.logger.Debug().Str("group", n.GroupChange.Name).Bool("added", n.GroupChange.Added).
			Msg("Group change observed")
	}
}

func (r *Registry) refreshGauges() {
	if r.obs.metrics == nil {
		return
	}
	counts := map[GroupType]int{GroupTypePort: 0, GroupTypeBridgePort: 0}
	pendingMembers, pendingBinds := 0, 0
	for _, grp := range r.groups {
		counts[grp.Type()]++
		pendingMembers += len(grp.pendingMembers)
		pendingBinds += len(grp.pendingBindPorts)
	}
	for groupType, n := range counts {
		r.obs.metrics.SetGroupCount(string(groupType), float64(n))
	}
	r.obs.metrics.SetPendingCount("members", float64(pendingMembers))
	r.obs.metrics.SetPendingCount("bind_ports", float64(pendingBinds))
}

func notFound(name, operation string) error {
	return NewFailError("isolation group not found", ErrGroupNotFound).
		WithGroup(name).WithOperation(operation)
}

func observerStrings(ids []ObserverID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
