package vote

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/victornm/risingstars/internal/domain"
)

const pendingValue = "pending"

// releaseScript deletes the key only while it still holds a pending claim.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

type RedisConfig struct {
	Redis  redis.UniversalClient
	Prefix string
	TTL    time.Duration
}

// RedisStore keeps one string key per vote. A claim is a SETNX with a TTL;
// confirmation overwrites it with the cast time and no expiry.
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisStore(c RedisConfig) *RedisStore {
	ttl := c.TTL
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}

	return &RedisStore{redis: c.Redis, prefix: c.Prefix, ttl: ttl}
}

func (s *RedisStore) Claim(ctx context.Context, key domain.VoteKey) (bool, error) {
	ok, err := s.redis.SetNX(ctx, s.voteKey(key.Identity, key.VideoID), pendingValue, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) Confirm(ctx context.Context, rec domain.VoteRecord) error {
	_, err := s.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.voteKey(rec.Key.Identity, rec.Key.VideoID), rec.CastAt.UTC().Format(time.RFC3339Nano), 0)
		p.SAdd(ctx, s.identityKey(rec.Key.Identity), rec.Key.VideoID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("confirm vote: %w", err)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key domain.VoteKey) error {
	if err := releaseScript.Run(ctx, s.redis, []string{s.voteKey(key.Identity, key.VideoID)}, pendingValue).Err(); err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, identity string) ([]domain.VoteRecord, error) {
	ids, err := s.redis.SMembers(ctx, s.identityKey(identity)).Result()
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.voteKey(identity, id)
	}

	vals, err := s.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("get votes: %w", err)
	}

	out := make([]domain.VoteRecord, 0, len(ids))
	for i, v := range vals {
		str, _ := v.(string)
		at, err := time.Parse(time.RFC3339Nano, str)
		if err != nil {
			continue
		}
		out = append(out, domain.VoteRecord{
			Key:    domain.VoteKey{Identity: identity, VideoID: ids[i]},
			CastAt: at,
		})
	}
	return out, nil
}

func (s *RedisStore) voteKey(identity, videoID string) string {
	return fmt.Sprintf("%s:vote:%s:%s", s.prefix, identity, videoID)
}

func (s *RedisStore) identityKey(identity string) string {
	return fmt.Sprintf("%s:votes:%s", s.prefix, identity)
}
