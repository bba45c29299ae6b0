package redis

import (
	"context"
	"testing"

	"github.com/contextd/mcp-engine/broker"
	"github.com/contextd/mcp-engine/broker/brokertest"
	"github.com/redis/go-redis/v9"
)

func TestRedisBroker(t *testing.T) {
	// Skip if Redis is not available
	testClient := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})
	if err := testClient.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	testClient.Close()

	factory := func(t *testing.T) broker.Broker {
		client := redis.NewClient(&redis.Options{
			Addr: "localhost:6379",
		})
		return New(Config{
			Client:    client,
			KeyPrefix: "test:broker:",
		})
	}

	brokertest.Run(t, factory)
}
