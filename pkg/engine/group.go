package engine

import (
	"context"
	"fmt"
	"slices"

	"github.com/rs/zerolog"

	"github.com/openfroyo/isogrpd/pkg/telemetry"
)

// IsolationGroup owns the hardware lifecycle, membership and bindings of one
// named isolation group. Requested relationships whose port cannot be
// resolved yet are kept in pending lists and realized on port readiness.
//
// The embedded Subject is the group's observer interest set; a group with
// observers is never destroyed by the registry.
type IsolationGroup struct {
	Subject

	name        string
	groupType   GroupType
	description string
	handle      Handle
	state       GroupState

	members          *aliasSet
	pendingMembers   pendingList
	bindPorts        *aliasSet
	pendingBindPorts pendingList

	hw     HardwareAbstraction
	ports  PortDirectory
	obs    *instrumentation
	logger zerolog.Logger
}

// NewIsolationGroup creates a group that is not yet allocated in hardware.
func NewIsolationGroup(name string, groupType GroupType, description string, hw HardwareAbstraction, ports PortDirectory, logger zerolog.Logger) *IsolationGroup {
	return newIsolationGroup(name, groupType, description, hw, ports, newInstrumentation(logger))
}

func newIsolationGroup(name string, groupType GroupType, description string, hw HardwareAbstraction, ports PortDirectory, obs *instrumentation) *IsolationGroup {
	return &IsolationGroup{
		name:        name,
		groupType:   groupType,
		description: description,
		state:       GroupStateAbsent,
		members:     newAliasSet(),
		bindPorts:   newAliasSet(),
		hw:          hw,
		ports:       ports,
		obs:         obs,
		logger:      obs.logger.With().Str("group", name).Str("type", string(groupType)).Logger(),
	}
}

// Name returns the group name.
func (g *IsolationGroup) Name() string { return g.name }

// Type returns the group type.
func (g *IsolationGroup) Type() GroupType { return g.groupType }

// Description returns the free-form description.
func (g *IsolationGroup) Description() string { return g.description }

// SetDescription replaces the description.
func (g *IsolationGroup) SetDescription(description string) { g.description = description }

// Handle returns the hardware handle, NullHandle unless the group is allocated.
func (g *IsolationGroup) Handle() Handle { return g.handle }

// State returns the lifecycle state.
func (g *IsolationGroup) State() GroupState { return g.state }

// IsMember reports whether alias is a realized member.
func (g *IsolationGroup) IsMember(alias string) bool { return g.members.has(alias) }

// MemberHandle returns the member object handle for alias.
func (g *IsolationGroup) MemberHandle(alias string) (Handle, bool) { return g.members.get(alias) }

// Members returns the realized member aliases in insertion order.
func (g *IsolationGroup) Members() []string { return g.members.aliases() }

// PendingMembers returns the aliases waiting for their port.
func (g *IsolationGroup) PendingMembers() []string { return slices.Clone(g.pendingMembers) }

// IsBound reports whether alias currently carries this group's binding.
func (g *IsolationGroup) IsBound(alias string) bool { return g.bindPorts.has(alias) }

// BindPorts returns the bound aliases in insertion order.
func (g *IsolationGroup) BindPorts() []string { return g.bindPorts.aliases() }

// PendingBindPorts returns the bind targets waiting for their port.
func (g *IsolationGroup) PendingBindPorts() []string { return slices.Clone(g.pendingBindPorts) }

// Create allocates the isolation group object in hardware.
func (g *IsolationGroup) Create(ctx context.Context) error {
	if err := g.groupType.Validate(); err != nil {
		return NewInvalidParamError("cannot create isolation group", err).
			WithGroup(g.name).WithOperation("create")
	}
	if g.state.InHardware() {
		return nil
	}

	handle, err := g.hw.CreateIsolationGroup(ctx, g.groupType)
	if err != nil {
		g.logger.Error().Err(err).Msg("Error creating isolation group")
		g.obs.publish(telemetry.EventTypeHardwareError, g.name, "", telemetry.EventLevelError,
			fmt.Sprintf("create isolation group %s failed", g.name), map[string]interface{}{"error": err.Error()})
		return NewFailError("failed to create isolation group", err).
			WithGroup(g.name).WithOperation("create")
	}

	g.handle = handle
	g.state = GroupStateCreated
	g.logger.Info().Stringer("oid", handle).Msg("Isolation group created")
	return nil
}

// Destroy removes all bindings and members and releases the hardware object.
// Hardware failures are logged and skipped; the in-memory state always ends empty.
func (g *IsolationGroup) Destroy(ctx context.Context) error {
	for _, alias := range g.bindPorts.aliases() {
		object, _ := g.bindPorts.get(alias)
		log := g.logger.With().Str("port", alias).Stringer("object", object).Logger()
		if err := g.setBinding(ctx, object, NullHandle); err != nil {
			log.Error().Err(err).Msg("Unable to remove isolation group binding")
			continue
		}
		log.Info().Msg("Isolation group binding removed")
	}
	g.bindPorts.clear()
	g.pendingBindPorts = nil

	for _, alias := range g.members.aliases() {
		member, _ := g.members.get(alias)
		log := g.logger.With().Str("port", alias).Stringer("member", member).Logger()
		if err := g.hw.RemoveIsolationGroupMember(ctx, member); err != nil {
			log.Error().Err(err).Msg("Unable to delete isolation group member")
			continue
		}
		log.Info().Msg("Isolation group member deleted")
	}
	g.members.clear()
	g.pendingMembers = nil

	if !g.handle.IsNull() {
		if err := g.hw.RemoveIsolationGroup(ctx, g.handle); err != nil {
			g.logger.Error().Err(err).Stringer("oid", g.handle).Msg("Unable to delete isolation group")
			g.obs.publish(telemetry.EventTypeHardwareError, g.name, "", telemetry.EventLevelError,
				fmt.Sprintf("remove isolation group %s failed", g.name), map[string]interface{}{"error": err.Error()})
		} else {
			g.logger.Info().Stringer("oid", g.handle).Msg("Isolation group deleted")
		}
	}
	g.handle = NullHandle
	g.state = GroupStateDestroyed
	return nil
}

// AddMember makes port a member of the group. A port without a usable
// handle for this group type is deferred to the pending list.
func (g *IsolationGroup) AddMember(ctx context.Context, port Port) error {
	log := g.logger.With().Str("port", port.Alias).Logger()

	if g.members.has(port.Alias) {
		log.Debug().Msg("Port already a member")
		return nil
	}

	object := port.HandleFor(g.groupType)
	if object.IsNull() {
		log.Info().Msg("Port not ready for isolation group, member deferred")
		g.pendingMembers.add(port.Alias)
		return nil
	}

	member, err := g.hw.CreateIsolationGroupMember(ctx, g.handle, object)
	if err != nil {
		log.Error().Err(err).Stringer("object", object).Msg("Unable to add isolation group member")
		g.obs.publish(telemetry.EventTypeHardwareError, g.name, port.Alias, telemetry.EventLevelError,
			fmt.Sprintf("add member %s to %s failed", port.Alias, g.name), map[string]interface{}{"error": err.Error()})
		return NewFailError("failed to add isolation group member", err).
			WithGroup(g.name).WithPort(port.Alias).WithOperation("add_member")
	}

	g.pendingMembers.remove(port.Alias)
	g.members.put(port.Alias, member)
	log.Info().Stringer("object", object).Stringer("member", member).Msg("Port added as isolation group member")
	g.obs.publish(telemetry.EventTypeMemberAdded, g.name, port.Alias, telemetry.EventLevelInfo,
		fmt.Sprintf("port %s added to %s", port.Alias, g.name), map[string]interface{}{"member": member.String()})
	return nil
}

// DelMember removes port from the group. With forwardRef the alias is
// re-queued as pending so the membership is restored when the port returns.
func (g *IsolationGroup) DelMember(ctx context.Context, port Port, forwardRef bool) error {
	member, ok := g.members.get(port.Alias)
	if !ok {
		g.pendingMembers.remove(port.Alias)
		return nil
	}

	log := g.logger.With().Str("port", port.Alias).Stringer("member", member).Logger()
	if err := g.hw.RemoveIsolationGroupMember(ctx, member); err != nil {
		log.Error().Err(err).Msg("Unable to delete isolation group member")
		g.obs.publish(telemetry.EventTypeHardwareError, g.name, port.Alias, telemetry.EventLevelError,
			fmt.Sprintf("remove member %s from %s failed", port.Alias, g.name), map[string]interface{}{"error": err.Error()})
		return NewFailError("failed to delete isolation group member", err).
			WithGroup(g.name).WithPort(port.Alias).WithOperation("del_member")
	}

	g.members.remove(port.Alias)
	log.Info().Bool("forward_ref", forwardRef).Msg("Isolation group member deleted")
	g.obs.publish(telemetry.EventTypeMemberRemoved, g.name, port.Alias, telemetry.EventLevelInfo,
		fmt.Sprintf("port %s removed from %s", port.Alias, g.name), map[string]interface{}{"forward_ref": forwardRef})

	if forwardRef {
		g.pendingMembers.add(port.Alias)
	}
	return nil
}

// SetMembers reconciles the logical member set (members and pending members)
// to exactly the aliases in csv. Unsupported aliases are logged and skipped,
// and per-port failures do not stop the remaining ports.
func (g *IsolationGroup) SetMembers(ctx context.Context, csv string) error {
	old := append(g.PendingMembers(), g.members.aliases()...)

	for _, alias := range ParseAliasList(csv) {
		if !IsSupportedAlias(alias) {
			g.logger.Error().Str("port", alias).Msg("Port not supported")
			continue
		}

		if idx := slices.Index(old, alias); idx >= 0 {
			g.logger.Debug().Str("port", alias).Msg("Port already part of group, no change")
			old = slices.Delete(old, idx, idx+1)
			continue
		}

		port, found := g.ports.Resolve(alias)
		if !found {
			g.logger.Info().Str("port", alias).Msg("Port not found, added to pending members")
			g.pendingMembers.add(alias)
			continue
		}
		if err := g.AddMember(ctx, port); err != nil {
			g.logger.Warn().Err(err).Str("port", alias).Msg("Member not added")
		}
	}

	for _, alias := range old {
		port, found := g.ports.Resolve(alias)
		if !found {
			g.logger.Info().Str("port", alias).Msg("Port not found, dropped from pending members")
			g.pendingMembers.remove(alias)
			continue
		}
		if err := g.DelMember(ctx, port, false); err != nil {
			g.logger.Warn().Err(err).Str("port", alias).Msg("Member not removed")
		}
	}

	return nil
}

// Bind sets this group as the isolation group of port. A port can carry one
// group of a given type at a time; binding replaces any earlier value.
func (g *IsolationGroup) Bind(ctx context.Context, port Port) error {
	log := g.logger.With().Str("port", port.Alias).Logger()

	if g.bindPorts.has(port.Alias) {
		log.Info().Msg("Isolation group already bound to port")
		return nil
	}
	if err := g.groupType.Validate(); err != nil {
		return NewInvalidParamError("cannot bind isolation group", err).
			WithGroup(g.name).WithPort(port.Alias).WithOperation("bind")
	}

	object := port.HandleFor(g.groupType)
	if object.IsNull() {
		log.Info().Msg("Port saved in pending bind ports")
		g.pendingBindPorts.add(port.Alias)
		return nil
	}

	if err := g.setBinding(ctx, object, g.handle); err != nil {
		log.Error().Err(err).Stringer("object", object).Stringer("oid", g.handle).Msg("Unable to set isolation group binding")
		g.obs.publish(telemetry.EventTypeHardwareError, g.name, port.Alias, telemetry.EventLevelError,
			fmt.Sprintf("bind %s to %s failed", g.name, port.Alias), map[string]interface{}{"error": err.Error()})
		return NewFailError("failed to bind isolation group", err).
			WithGroup(g.name).WithPort(port.Alias).WithOperation("bind")
	}

	g.pendingBindPorts.remove(port.Alias)
	g.bindPorts.put(port.Alias, object)
	log.Info().Stringer("object", object).Msg("Isolation group bound to port")
	g.obs.publish(telemetry.EventTypePortBound, g.name, port.Alias, telemetry.EventLevelInfo,
		fmt.Sprintf("%s bound to %s", g.name, port.Alias), map[string]interface{}{"object": object.String()})
	return nil
}

// Unbind clears the binding on port. With forwardRef the alias is re-queued
// as a pending bind port.
func (g *IsolationGroup) Unbind(ctx context.Context, port Port, forwardRef bool) error {
	object, ok := g.bindPorts.get(port.Alias)
	if !ok {
		g.pendingBindPorts.remove(port.Alias)
		return nil
	}

	log := g.logger.With().Str("port", port.Alias).Stringer("object", object).Logger()
	if err := g.setBinding(ctx, object, NullHandle); err != nil {
		log.Error().Err(err).Msg("Unable to clear isolation group binding")
		g.obs.publish(telemetry.EventTypeHardwareError, g.name, port.Alias, telemetry.EventLevelError,
			fmt.Sprintf("unbind %s from %s failed", g.name, port.Alias), map[string]interface{}{"error": err.Error()})
		return NewFailError("failed to unbind isolation group", err).
			WithGroup(g.name).WithPort(port.Alias).WithOperation("unbind")
	}

	g.bindPorts.remove(port.Alias)
	log.Info().Bool("forward_ref", forwardRef).Msg("Isolation group unbound from port")
	g.obs.publish(telemetry.EventTypePortUnbound, g.name, port.Alias, telemetry.EventLevelInfo,
		fmt.Sprintf("%s unbound from %s", g.name, port.Alias), map[string]interface{}{"forward_ref": forwardRef})

	if forwardRef {
		g.pendingBindPorts.add(port.Alias)
	}
	return nil
}

// SetBindPorts reconciles the bound set to the aliases in csv. Unlike
// SetMembers it stops at the first unsupported or unresolved alias and
// reports StatusInvalidParam; an unresolved alias is kept as pending first.
func (g *IsolationGroup) SetBindPorts(ctx context.Context, csv string) error {
	old := append(g.PendingBindPorts(), g.bindPorts.aliases()...)

	for _, alias := range ParseAliasList(csv) {
		if !IsSupportedAlias(alias) {
			g.logger.Error().Str("port", alias).Msg("Port not supported for binding")
			return NewInvalidParamError("unsupported bind port", nil).
				WithGroup(g.name).WithPort(alias).WithOperation("set_bind_ports")
		}

		if idx := slices.Index(old, alias); idx >= 0 {
			g.logger.Debug().Str("port", alias).Msg("Group already bound to port")
			old = slices.Delete(old, idx, idx+1)
			continue
		}

		port, found := g.ports.Resolve(alias)
		if !found {
			g.logger.Info().Str("port", alias).Msg("Port not found, added to pending bind ports")
			g.pendingBindPorts.add(alias)
			return NewInvalidParamError("bind port not found", nil).
				WithGroup(g.name).WithPort(alias).WithOperation("set_bind_ports")
		}
		if err := g.Bind(ctx, port); err != nil {
			g.logger.Warn().Err(err).Str("port", alias).Msg("Port not bound")
		}
	}

	for _, alias := range old {
		port, found := g.ports.Resolve(alias)
		if !found {
			g.logger.Info().Str("port", alias).Msg("Port not found, dropped from pending bind ports")
			g.pendingBindPorts.remove(alias)
			continue
		}
		if err := g.Unbind(ctx, port, false); err != nil {
			g.logger.Warn().Err(err).Str("port", alias).Msg("Port not unbound")
		}
	}

	return nil
}

// Update reacts to a port readiness or withdrawal event.
func (g *IsolationGroup) Update(ctx context.Context, update PortUpdate) {
	port := update.Port

	if update.Added {
		if g.pendingMembers.remove(port.Alias) {
			if err := g.AddMember(ctx, port); err != nil {
				g.logger.Warn().Err(err).Str("port", port.Alias).Msg("Pending member not realized")
			}
		}
		if g.pendingBindPorts.remove(port.Alias) {
			if err := g.Bind(ctx, port); err != nil {
				g.logger.Warn().Err(err).Str("port", port.Alias).Msg("Pending bind port not realized")
			}
		}
		return
	}

	if g.bindPorts.has(port.Alias) {
		if err := g.Unbind(ctx, port, true); err != nil {
			g.logger.Warn().Err(err).Str("port", port.Alias).Msg("Withdrawn port not unbound")
		}
	}
	if g.members.has(port.Alias) {
		if err := g.DelMember(ctx, port, true); err != nil {
			g.logger.Warn().Err(err).Str("port", port.Alias).Msg("Withdrawn port not removed")
		}
	}
}

// Snapshot copies the group's state for inspection.
func (g *IsolationGroup) Snapshot() GroupSnapshot {
	snap := GroupSnapshot{
		Name:             g.name,
		Type:             g.groupType,
		State:            g.state,
		Description:      g.description,
		Handle:           g.handle,
		Members:          make([]MemberEntry, 0, g.members.len()),
		PendingMembers:   g.PendingMembers(),
		BindPorts:        g.bindPorts.aliases(),
		PendingBindPorts: g.PendingBindPorts(),
		Observers:        g.Observers(),
	}
	for _, alias := range g.members.aliases() {
		h, _ := g.members.get(alias)
		snap.Members = append(snap.Members, MemberEntry{Port: alias, Handle: h})
	}
	return snap
}

// setBinding writes the isolation group attribute of a port or bridge port.
func (g *IsolationGroup) setBinding(ctx context.Context, object, group Handle) error {
	switch g.groupType {
	case GroupTypeBridgePort:
		return g.hw.SetBridgePortIsolationGroup(ctx, object, group)
	case GroupTypePort:
		return g.hw.SetPortIsolationGroup(ctx, object, group)
	default:
		return NewInvalidParamError("unsupported isolation group type", nil).WithGroup(g.name)
	}
}
