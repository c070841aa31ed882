package store

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	presenceKeyPrefix = "presence:"
	onlineSetKey      = "online_users"

	// writeTimeout bounds every sink write so a slow Redis can never
	// stall a caller.
	writeTimeout = 2 * time.Second
)

// presenceKey returns the Redis key for a user's presence row.
func presenceKey(userKey string) string {
	return presenceKeyPrefix + userKey
}

// RedisSink persists presence rows in Redis: a JSON row per user plus
// an online_users set for cheap "who is online" queries by external
// readers.
type RedisSink struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisSink creates a RedisSink. Rows expire after ttl so a crashed
// server cannot leave users durably "online"; a ttl of 0 disables
// expiration.
func NewRedisSink(client redis.Cmdable, ttl time.Duration) *RedisSink {
	return &RedisSink{client: client, ttl: ttl}
}

// Upsert writes the presence row and maintains the online set. Failures
// are logged and swallowed.
func (s *RedisSink) Upsert(userKey string, online bool, lastSeen time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	data, err := json.Marshal(Record{UserKey: userKey, Online: online, LastSeen: lastSeen})
	if err != nil {
		log.Printf("redis: failed to marshal presence row: %v", err)
		return
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, presenceKey(userKey), data, s.ttl)
	if online {
		pipe.SAdd(ctx, onlineSetKey, userKey)
	} else {
		pipe.SRem(ctx, onlineSetKey, userKey)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("redis: failed to upsert presence for %s: %v", userKey, err)
	}
}
