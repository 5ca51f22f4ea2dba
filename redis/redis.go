// redis.go
// client wrapper and connection

package redis

import (
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a saved session survives without being refreshed.
const DefaultTTL = 24 * time.Hour

// Client wraps the Redis client.
type Client struct {
	rdb *redis.Client
	// TTL is the expiration applied on every save.
	TTL time.Duration
}

// NewClient creates a new Redis client connected to the given address.
func NewClient(addr string) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr, // e.g., "localhost:6379"
	})
	return &Client{rdb: rdb, TTL: DefaultTTL}
}

// Close closes the Redis client connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}
