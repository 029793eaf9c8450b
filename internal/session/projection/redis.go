package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"session-control-plane/backend/internal/session/domain"
)

// RedisConfig configures RedisRepository.
type RedisConfig struct {
	// Addr like "localhost:6379".
	Addr string
	// KeyPrefix for all keys.
	KeyPrefix string
}

// RedisRepository stores each summary as a JSON string and indexes ids in sorted sets scored
// by creation time, one set for all sessions and one per status.
type RedisRepository struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisRepository connects to Redis and verifies the connection with a ping.
func NewRedisRepository(ctx context.Context, cfg RedisConfig) (*RedisRepository, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(ctx).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisRepositoryWithClient(cl, cfg.KeyPrefix), nil
}

// NewRedisRepositoryWithClient wraps an existing client.
func NewRedisRepositoryWithClient(cl *redis.Client, keyPrefix string) *RedisRepository {
	if keyPrefix == "" {
		keyPrefix = "sessions:"
	}
	return &RedisRepository{client: cl, keyPrefix: keyPrefix}
}

// Ping reports whether Redis is reachable.
func (r *RedisRepository) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

// Close closes the Redis client.
func (r *RedisRepository) Close() error { return r.client.Close() }

func (r *RedisRepository) summaryKey(id string) string { return r.keyPrefix + "summary:" + id }
func (r *RedisRepository) indexKey(scope string) string {
	return r.keyPrefix + "by_created:" + scope
}

// upsertScript writes the summary and maintains the indexes unless the stored version is higher.
var upsertScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  local stored = cjson.decode(cur)
  if tonumber(stored['version']) > tonumber(ARGV[2]) then
    return 0
  end
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[5])
if ARGV[4] == 'active' then
  redis.call('ZADD', KEYS[3], ARGV[3], ARGV[5])
  redis.call('ZREM', KEYS[4], ARGV[5])
else
  redis.call('ZADD', KEYS[4], ARGV[3], ARGV[5])
  redis.call('ZREM', KEYS[3], ARGV[5])
end
return 1
`)

// Upsert implements Repository.
func (r *RedisRepository) Upsert(ctx context.Context, s *domain.SessionSummary) error {
	if err := validateUpsert(s); err != nil {
		return err
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("%w: encode summary: %v", domain.ErrInvalidArgument, err)
	}
	keys := []string{
		r.summaryKey(s.ID),
		r.indexKey("all"),
		r.indexKey(string(domain.StatusActive)),
		r.indexKey(string(domain.StatusTerminated)),
	}
	score := s.CreatedAt.UnixMicro()
	if err := upsertScript.Run(ctx, r.client, keys, raw, s.Version, score, string(s.Status), s.ID).Err(); err != nil {
		return unavailable("redis upsert", err)
	}
	return nil
}

// Get implements Repository.
func (r *RedisRepository) Get(ctx context.Context, id string) (*domain.SessionSummary, error) {
	raw, err := r.client.Get(ctx, r.summaryKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, unavailable("redis get", err)
	}
	return decodeSummary(raw)
}

// ListActive implements Repository. Expired sessions stay in the active index until terminated,
// so the index is walked in batches and filtered against now.
func (r *RedisRepository) ListActive(ctx context.Context, now time.Time, limit, offset int) ([]*domain.SessionSummary, error) {
	limit, offset = page(limit, offset)
	key := r.indexKey(string(domain.StatusActive))
	out := make([]*domain.SessionSummary, 0, limit)
	skipped := 0
	batch := int64(limit + offset)
	for start := int64(0); ; start += batch {
		ids, err := r.client.ZRevRange(ctx, key, start, start+batch-1).Result()
		if err != nil {
			return nil, unavailable("redis list active", err)
		}
		if len(ids) == 0 {
			return out, nil
		}
		list, err := r.fetch(ctx, ids)
		if err != nil {
			return nil, err
		}
		for _, s := range list {
			if !s.IsLive(now) {
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}
			out = append(out, s)
			if len(out) == limit {
				return out, nil
			}
		}
		if int64(len(ids)) < batch {
			return out, nil
		}
	}
}

// List implements Repository.
func (r *RedisRepository) List(ctx context.Context, f ListFilter) ([]*domain.SessionSummary, error) {
	limit, offset := page(f.Limit, f.Offset)
	scope := "all"
	if f.Status != nil {
		scope = string(*f.Status)
	}
	ids, err := r.client.ZRevRange(ctx, r.indexKey(scope), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, unavailable("redis list", err)
	}
	if len(ids) == 0 {
		return []*domain.SessionSummary{}, nil
	}
	return r.fetch(ctx, ids)
}

// fetch loads summaries for ids in order, skipping ids whose value has vanished.
func (r *RedisRepository) fetch(ctx context.Context, ids []string) ([]*domain.SessionSummary, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.summaryKey(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, unavailable("redis mget", err)
	}
	out := make([]*domain.SessionSummary, 0, len(vals))
	for _, v := range vals {
		var raw []byte
		switch x := v.(type) {
		case nil:
			continue
		case string:
			raw = []byte(x)
		case []byte:
			raw = x
		default:
			raw = []byte(fmt.Sprintf("%v", x))
		}
		s, err := decodeSummary(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
