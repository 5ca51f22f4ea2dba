// session.go
// Session state operations

package redis

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/edgexr/edge-events/session"
)

const (
	sessionPrefix = "session:"
)

// Save implements session.Store.
func (c *Client) Save(ctx context.Context, key string, st session.State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, sessionPrefix+key, data, c.TTL).Err()
}

// Load implements session.Store. It returns session.ErrNotFound when no
// state is stored under key.
func (c *Client) Load(ctx context.Context, key string) (session.State, error) {
	data, err := c.rdb.Get(ctx, sessionPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return session.State{}, session.ErrNotFound
	}
	if err != nil {
		return session.State{}, err
	}
	var st session.State
	err = json.Unmarshal(data, &st)
	return st, err
}

// Delete implements session.Store.
func (c *Client) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, sessionPrefix+key).Err()
}

var _ session.Store = (*Client)(nil)
