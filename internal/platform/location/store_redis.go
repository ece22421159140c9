package location

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ehr/pssim/internal/platform/identity"
)

// DefaultRedisKey is the hash holding insurant -> location entries.
const DefaultRedisKey = "pssim:record-locations"

type redisStore struct {
	client redis.Cmdable
	key    string
}

// NewRedisStore keeps all entries in a single redis hash so several
// simulator instances can share discovered locations.
func NewRedisStore(client redis.Cmdable, key string) Store {
	if key == "" {
		key = DefaultRedisKey
	}
	return &redisStore{client: client, key: key}
}

func (s *redisStore) Save(ctx context.Context, id identity.InsurantID, loc Location) error {
	if err := s.client.HSet(ctx, s.key, string(id), string(loc)).Err(); err != nil {
		return fmt.Errorf("redis save record location: %w", err)
	}
	return nil
}

func (s *redisStore) Delete(ctx context.Context, id identity.InsurantID) error {
	if err := s.client.HDel(ctx, s.key, string(id)).Err(); err != nil {
		return fmt.Errorf("redis delete record location: %w", err)
	}
	return nil
}

func (s *redisStore) LoadAll(ctx context.Context) (map[identity.InsurantID]Location, error) {
	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis load record locations: %w", err)
	}
	out := make(map[identity.InsurantID]Location, len(raw))
	for id, loc := range raw {
		out[identity.InsurantID(id)] = Location(loc)
	}
	return out, nil
}
