package coord

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Only ever moves the stored block forward.
var advanceScript = redis.NewScript(`
	local cur = redis.call("get", KEYS[1])
	if cur == false or tonumber(cur) < tonumber(ARGV[1]) then
		redis.call("set", KEYS[1], ARGV[1])
		return 1
	end
	return 0
`)

// LoadCheckpoint returns the last block recorded under name.
// ok is false when no checkpoint exists.
func (c *Client) LoadCheckpoint(ctx context.Context, name string) (block uint64, ok bool, err error) {
	val, err := c.client.Get(ctx, c.checkpointKey(name)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load checkpoint %s: %w", name, err)
	}

	block, err = strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse checkpoint %s: %w", name, err)
	}
	return block, true, nil
}

// SaveCheckpoint records block under name unless a higher block is already
// stored.
func (c *Client) SaveCheckpoint(ctx context.Context, name string, block uint64) error {
	n, err := advanceScript.Run(ctx, c.client, []string{c.checkpointKey(name)}, strconv.FormatUint(block, 10)).Int64()
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", name, err)
	}
	if n == 1 {
		c.logger.Debug("checkpoint advanced", "checkpoint", name, "block", block)
	}
	return nil
}
