package redis

import (
	"context"
	"fmt"
	"sort"

	backend "github.com/redis/go-redis/v9"

	"github.com/openfroyo/isogrpd/pkg/engine"
)

// Producer writes entries of one table.
type Producer struct {
	client *backend.Client
	table  Table
}

// NewProducer creates a producer for table on an existing client.
func NewProducer(client *backend.Client, table string) *Producer {
	return &Producer{
		client: client,
		table:  Table(table),
	}
}

// Table returns the producer's table.
func (p *Producer) Table() Table {
	return p.table
}

// Set writes fields to entry key and signals consumers. Fields that are not
// named keep their current value.
func (p *Producer) Set(ctx context.Context, key string, fields []engine.FieldValue) error {
	args := make([]interface{}, 0, len(fields)*2)
	for _, fv := range fields {
		args = append(args, fv.Field, fv.Value)
	}

	_, err := p.client.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
		if len(args) > 0 {
			pipe.HSet(ctx, p.table.HashKey(key), args...)
		}
		pipe.SAdd(ctx, p.table.KeySet(), key)
		pipe.Publish(ctx, p.table.Channel(), notifyPayload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", p.table.HashKey(key), err)
	}
	return nil
}

// Del removes entry key and signals consumers.
func (p *Producer) Del(ctx context.Context, key string) error {
	_, err := p.client.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
		pipe.SAdd(ctx, p.table.KeySet(), key)
		pipe.SAdd(ctx, p.table.DelSet(), key)
		pipe.Del(ctx, p.table.HashKey(key))
		pipe.Publish(ctx, p.table.Channel(), notifyPayload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", p.table.HashKey(key), err)
	}
	return nil
}

// Get returns the stored fields of entry key sorted by field name.
// The bool is false if the entry does not exist.
func (p *Producer) Get(ctx context.Context, key string) ([]engine.FieldValue, bool, error) {
	vals, err := p.client.HGetAll(ctx, p.table.HashKey(key)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", p.table.HashKey(key), err)
	}
	if len(vals) == 0 {
		return nil, false, nil
	}
	return sortedFields(vals), true, nil
}

// Keys returns the entry keys currently stored, sorted.
func (p *Producer) Keys(ctx context.Context) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := p.client.Scan(ctx, cursor, p.table.HashKey("*"), 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", p.table, err)
		}
		for _, hk := range batch {
			if key, ok := p.table.entryKey(hk); ok {
				keys = append(keys, key)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func sortedFields(vals map[string]string) []engine.FieldValue {
	fields := make([]engine.FieldValue, 0, len(vals))
	for f, v := range vals {
		fields = append(fields, engine.FieldValue{Field: f, Value: v})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Field < fields[j].Field })
	return fields
}
