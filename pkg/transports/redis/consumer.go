package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	backend "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/openfroyo/isogrpd/pkg/engine"
	"github.com/openfroyo/isogrpd/pkg/telemetry"
)

// Handler receives the records of one pop. Errors are logged by the consumer.
type Handler func(ctx context.Context, recs []engine.Record) error

// Consumer pops changed entries of one table.
type Consumer struct {
	client       *backend.Client
	table        Table
	batchSize    int
	pollInterval time.Duration
	logger       zerolog.Logger
	tracer       trace.Tracer
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithBatchSize sets the maximum number of keys popped at once.
func WithBatchSize(n int) Option {
	return func(c *Consumer) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

// WithPollInterval sets how often the key set is polled when no
// notification arrives.
func WithPollInterval(d time.Duration) Option {
	return func(c *Consumer) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithLogger sets the consumer logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithTracer sets the tracer used for pop spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Consumer) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// NewConsumer creates a consumer for table on an existing client.
func NewConsumer(client *backend.Client, table string, opts ...Option) *Consumer {
	c := &Consumer{
		client:       client,
		table:        Table(table),
		batchSize:    128,
		pollInterval: time.Second,
		logger:       zerolog.Nop(),
		tracer:       noop.NewTracerProvider().Tracer("isogrpd/redis"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "consumer").Str("table", table).Logger()
	return c
}

// Table returns the consumer's table.
func (c *Consumer) Table() Table {
	return c.table
}

// popScript pops up to ARGV[1] keys from the key set KEYS[1] and, for each,
// removes it from the del set KEYS[2] and reads the hash ARGV[2]..key. It
// returns {key, removed, {field, value, ...}} per key. Popping and reading in
// one script means a failed read never loses popped keys.
var popScript = backend.NewScript(`
local keys = redis.call('SPOP', KEYS[1], ARGV[1])
local out = {}
for i, key in ipairs(keys) do
	local removed = redis.call('SREM', KEYS[2], key)
	local vals = redis.call('HGETALL', ARGV[2] .. key)
	out[i] = {key, removed, vals}
end
return out
`)

// popped is one key returned by popScript.
type popped struct {
	key     string
	deleted bool
	vals    map[string]string
}

// Pop takes up to the batch size of changed keys and returns their records,
// keys in sorted order. A deleted key yields a DEL record, and a key whose
// hash exists yields a SET record after it.
func (c *Consumer) Pop(ctx context.Context) (recs []engine.Record, err error) {
	ctx, span := telemetry.StartTransportSpan(ctx, c.tracer, c.table.Name(), "pop")
	defer func() { telemetry.EndSpan(span, err) }()

	res, err := popScript.Run(ctx, c.client,
		[]string{c.table.KeySet(), c.table.DelSet()},
		c.batchSize, c.table.HashKey("")).Slice()
	if err != nil && !errors.Is(err, backend.Nil) {
		return nil, fmt.Errorf("failed to pop %s: %w", c.table.KeySet(), err)
	}

	entries := make([]popped, 0, len(res))
	for _, item := range res {
		entry, err := parsePopped(item)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s entries: %w", c.table, err)
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })

	for _, e := range entries {
		if e.deleted {
			recs = append(recs, engine.Record{Table: c.table.Name(), Key: e.key, Op: engine.OperationDelete})
		}
		if len(e.vals) > 0 {
			recs = append(recs, engine.Record{
				Table:  c.table.Name(),
				Key:    e.key,
				Op:     engine.OperationSet,
				Fields: sortedFields(e.vals),
			})
		}
	}
	return recs, nil
}

func parsePopped(item interface{}) (popped, error) {
	parts, ok := item.([]interface{})
	if !ok || len(parts) != 3 {
		return popped{}, fmt.Errorf("unexpected pop reply %v", item)
	}
	key, ok := parts[0].(string)
	if !ok {
		return popped{}, fmt.Errorf("unexpected key %v", parts[0])
	}
	removed, _ := parts[1].(int64)
	flat, _ := parts[2].([]interface{})
	if len(flat)%2 != 0 {
		return popped{}, fmt.Errorf("odd field list for %s", key)
	}

	vals := make(map[string]string, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		field, _ := flat[i].(string)
		value, _ := flat[i+1].(string)
		vals[field] = value
	}
	return popped{key: key, deleted: removed > 0, vals: vals}, nil
}

// Run delivers records to handler until ctx is cancelled. It pops on every
// channel notification and on every poll tick, so keys changed while the
// consumer was down are picked up at start.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	sub := c.client.Subscribe(ctx, c.table.Channel())
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", c.table.Channel(), err)
	}
	msgs := sub.Channel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	c.logger.Info().Str("channel", c.table.Channel()).Msg("Consumer started")
	c.drain(ctx, handler)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("Consumer stopped")
			return ctx.Err()
		case _, ok := <-msgs:
			if !ok {
				return fmt.Errorf("subscription to %s closed", c.table.Channel())
			}
			c.drain(ctx, handler)
		case <-ticker.C:
			c.drain(ctx, handler)
		}
	}
}

// drain pops until the key set is empty.
func (c *Consumer) drain(ctx context.Context, handler Handler) {
	for ctx.Err() == nil {
		recs, err := c.Pop(ctx)
		if err != nil {
			c.logger.Error().Err(err).Msg("Failed to pop records")
			return
		}
		if len(recs) == 0 {
			return
		}
		c.logger.Debug().Int("records", len(recs)).Msg("Records popped")
		if err := handler(ctx, recs); err != nil {
			c.logger.Error().Err(err).Int("records", len(recs)).Msg("Failed to hand off records")
		}
	}
}
