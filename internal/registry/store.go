package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Store mirrors registry nodes outside the process so a restarted server
// can pick up where it left off.
type Store interface {
	Save(ctx context.Context, n Node) error
	Delete(ctx context.Context, id string) error
	LoadAll(ctx context.Context) ([]Node, error)
}

// RedisClient is the subset of Redis operations the store needs.
// infra.GoRedisAdapter satisfies it.
type RedisClient interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
}

// RedisStore keeps one JSON document per node plus an index set of ids.
type RedisStore struct {
	client    RedisClient
	keyPrefix string
	ttl       time.Duration
}

// NewRedisStore creates a Redis-backed node store. A zero ttl keeps
// entries until they are deleted.
func NewRedisStore(client RedisClient, keyPrefix string, ttl time.Duration) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "dccp:registry:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (s *RedisStore) nodeKey(id string) string { return s.keyPrefix + "node:" + id }
func (s *RedisStore) indexKey() string         { return s.keyPrefix + "nodes" }

// Save writes the node document and indexes its id.
func (s *RedisStore) Save(ctx context.Context, n Node) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal node: %w", err)
	}
	if err := s.client.Set(ctx, s.nodeKey(n.ID), data, s.ttl); err != nil {
		return fmt.Errorf("redis SET node: %w", err)
	}
	if err := s.client.SAdd(ctx, s.indexKey(), n.ID); err != nil {
		return fmt.Errorf("redis SADD index: %w", err)
	}
	return nil
}

// Delete removes the node document and its index entry.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	_ = s.client.SRem(ctx, s.indexKey(), id)
	return s.client.Del(ctx, s.nodeKey(id))
}

// LoadAll returns every indexed node, oldest registration first. Index
// entries whose document expired or fails to decode are skipped.
func (s *RedisStore) LoadAll(ctx context.Context) ([]Node, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey())
	if err != nil {
		return nil, fmt.Errorf("redis SMEMBERS index: %w", err)
	}

	nodes := make([]Node, 0, len(ids))
	for _, id := range ids {
		data, err := s.client.Get(ctx, s.nodeKey(id))
		if err != nil {
			slog.Warn("[RegistryStore] Dropping stale index entry", "node_id", id, "error", err)
			_ = s.client.SRem(ctx, s.indexKey(), id)
			continue
		}
		var n Node
		if err := json.Unmarshal(data, &n); err != nil {
			slog.Warn("[RegistryStore] Failed to decode node", "node_id", id, "error", err)
			continue
		}
		nodes = append(nodes, n)
	}

	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].RegisteredAt.Before(nodes[j].RegisteredAt)
	})
	return nodes, nil
}
