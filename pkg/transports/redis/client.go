package redis

import (
	"context"
	"fmt"

	backend "github.com/redis/go-redis/v9"
)

// Dial creates a client and checks the connection.
func Dial(ctx context.Context, address, password string, db int) (*backend.Client, error) {
	client := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", address, err)
	}
	return client, nil
}
