package ports

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog"

	"github.com/openfroyo/isogrpd/pkg/engine"
)

const (
	// PortTable is the configuration table that describes ports.
	PortTable = "PORT_TABLE"

	// PortInitDoneKey marks the end of port initialisation when it is SET.
	PortInitDoneKey = "PortInitDone"
)

// Allocator creates and releases the hardware objects behind a port.
// *sim.Switch implements it.
type Allocator interface {
	AllocatePort(ctx context.Context, alias string) (engine.Handle, error)
	AllocateLag(ctx context.Context, alias string) (engine.Handle, error)
	AllocateBridgePort(ctx context.Context, port engine.Handle) (engine.Handle, error)
	Release(ctx context.Context, h engine.Handle) error
}

// PortSpec is the decoded field set of a PORT_TABLE SET record.
type PortSpec struct {
	Kind       string `mapstructure:"kind"`
	BridgePort bool   `mapstructure:"bridge_port"`
}

// DecodePortSpec decodes the fields of a PORT_TABLE SET record. String
// values such as "true" are converted to the field types.
func DecodePortSpec(rec engine.Record) (PortSpec, error) {
	var spec PortSpec
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &spec,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return spec, err
	}
	if err := dec.Decode(rec.FieldMap()); err != nil {
		return spec, engine.NewInvalidParamError("malformed port record", err).WithPort(rec.Name())
	}
	return spec, nil
}

// Directory is the port directory the daemon hands to the registry. It
// resolves aliases, publishes SubjectPortChange notifications when a port
// becomes ready or is withdrawn, and gates configuration on port
// initialisation. Like the registry it is only used from the dispatch goroutine.
type Directory struct {
	engine.Subject

	alloc    Allocator
	ports    map[string]engine.Port
	initDone bool
	logger   zerolog.Logger
}

var (
	_ engine.PortDirectory    = (*Directory)(nil)
	_ engine.PortEventSource  = (*Directory)(nil)
	_ engine.ReadinessChecker = (*Directory)(nil)
)

// Option configures a Directory.
type Option func(*Directory)

// WithLogger sets the directory logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Directory) {
		d.logger = logger.With().Str("component", "port-directory").Logger()
	}
}

// New creates an empty directory that allocates port objects through alloc.
func New(alloc Allocator, opts ...Option) *Directory {
	d := &Directory{
		alloc:  alloc,
		ports:  make(map[string]engine.Port),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Resolve returns the current state of alias.
func (d *Directory) Resolve(alias string) (engine.Port, bool) {
	p, ok := d.ports[alias]
	return p, ok
}

// AllPortsReady reports whether port initialisation completed.
func (d *Directory) AllPortsReady() bool {
	return d.initDone
}

// SetInitDone records the port initialisation state.
func (d *Directory) SetInitDone(done bool) {
	if d.initDone != done {
		d.logger.Info().Bool("init_done", done).Msg("Port initialisation state changed")
	}
	d.initDone = done
}

// Ports returns every known port ordered by alias.
func (d *Directory) Ports() []engine.Port {
	out := make([]engine.Port, 0, len(d.ports))
	for _, p := range d.ports {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out
}

// ApplyRecord applies one PORT_TABLE record. Keys that are not port aliases
// are ignored, except PortInitDoneKey.
func (d *Directory) ApplyRecord(ctx context.Context, rec engine.Record) error {
	if rec.Table != "" && rec.Table != PortTable {
		return engine.NewInvalidParamError(fmt.Sprintf("invalid table %s", rec.Table), nil)
	}

	alias := rec.Name()
	if alias == PortInitDoneKey {
		if rec.Op == engine.OperationSet {
			d.SetInitDone(true)
		}
		return nil
	}
	if !engine.IsSupportedAlias(alias) {
		d.logger.Debug().Str("key", rec.Key).Msg("Ignoring non-port key")
		return nil
	}

	switch rec.Op {
	case engine.OperationSet:
		spec, err := DecodePortSpec(rec)
		if err != nil {
			return err
		}
		return d.Upsert(ctx, alias, spec)
	case engine.OperationDelete:
		return d.Remove(ctx, alias)
	default:
		return engine.NewInvalidParamError(fmt.Sprintf("unknown operation %q", rec.Op), nil).WithPort(alias)
	}
}

// Upsert creates or updates a port. A new port is announced as ready. A
// change of an existing port is announced as a withdrawal followed by
// readiness so observers rebuild their relationships on the new handles.
func (d *Directory) Upsert(ctx context.Context, alias string, spec PortSpec) error {
	kind, err := engine.ParsePortKind(spec.Kind)
	if err != nil {
		return err
	}

	existing, ok := d.ports[alias]
	if ok && existing.Kind != kind {
		if err := d.Remove(ctx, alias); err != nil {
			return err
		}
		ok = false
	}

	if !ok {
		port, err := d.allocate(ctx, alias, kind, spec.BridgePort)
		if err != nil {
			return err
		}
		d.ports[alias] = port
		d.logger.Info().Str("port", alias).Str("kind", string(kind)).
			Stringer("bridge_port", port.BridgePortHandle).Msg("Port ready")
		d.notify(ctx, port, true)
		return nil
	}

	if spec.BridgePort == !existing.BridgePortHandle.IsNull() {
		d.logger.Debug().Str("port", alias).Msg("Port unchanged")
		return nil
	}

	d.notify(ctx, existing, false)

	updated := existing
	if spec.BridgePort {
		h, err := d.alloc.AllocateBridgePort(ctx, existing.HandleFor(engine.GroupTypePort))
		if err != nil {
			return fmt.Errorf("failed to create bridge port for %s: %w", alias, err)
		}
		updated.BridgePortHandle = h
	} else {
		if err := d.alloc.Release(ctx, existing.BridgePortHandle); err != nil {
			return fmt.Errorf("failed to remove bridge port of %s: %w", alias, err)
		}
		updated.BridgePortHandle = engine.NullHandle
	}

	d.ports[alias] = updated
	d.logger.Info().Str("port", alias).Stringer("bridge_port", updated.BridgePortHandle).Msg("Port updated")
	d.notify(ctx, updated, true)
	return nil
}

// Remove withdraws a port and releases its objects. Observers are notified
// before the objects go away.
func (d *Directory) Remove(ctx context.Context, alias string) error {
	port, ok := d.ports[alias]
	if !ok {
		return nil
	}

	d.notify(ctx, port, false)
	delete(d.ports, alias)

	var errs []error
	if !port.BridgePortHandle.IsNull() {
		if err := d.alloc.Release(ctx, port.BridgePortHandle); err != nil {
			errs = append(errs, err)
		}
	}
	if err := d.alloc.Release(ctx, port.HandleFor(engine.GroupTypePort)); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		d.logger.Error().Err(err).Str("port", alias).Msg("Failed to release port objects")
		return fmt.Errorf("failed to release port %s: %w", alias, err)
	}

	d.logger.Info().Str("port", alias).Msg("Port removed")
	return nil
}

func (d *Directory) allocate(ctx context.Context, alias string, kind engine.PortKind, bridgePort bool) (engine.Port, error) {
	port := engine.Port{Alias: alias, Kind: kind}

	var err error
	if kind == engine.PortKindAggregate {
		port.AggregateHandle, err = d.alloc.AllocateLag(ctx, alias)
	} else {
		port.PortHandle, err = d.alloc.AllocatePort(ctx, alias)
	}
	if err != nil {
		return engine.Port{}, fmt.Errorf("failed to create port %s: %w", alias, err)
	}

	if bridgePort {
		port.BridgePortHandle, err = d.alloc.AllocateBridgePort(ctx, port.HandleFor(engine.GroupTypePort))
		if err != nil {
			return engine.Port{}, fmt.Errorf("failed to create bridge port for %s: %w", alias, err)
		}
	}
	return port, nil
}

func (d *Directory) notify(ctx context.Context, port engine.Port, added bool) {
	d.Notify(ctx, engine.Notification{
		Type:       engine.SubjectPortChange,
		PortUpdate: &engine.PortUpdate{Port: port, Added: added},
	})
}
