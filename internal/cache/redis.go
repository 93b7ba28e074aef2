// Package cache provides auth.PermissionCache implementations.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"centralauth.org/internal/auth"
)

// generationTTL outlives any grant entry, so a lapsed generation counter can
// never resurrect an entry written under an older value.
const generationTTL = 24 * time.Hour

// Redis stores grants under "<prefix>:grants:<user>" tagged with the
// generation read from "<prefix>:gen:<user>".
type Redis struct {
	client redis.UniversalClient
	prefix string
}

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "authz"
	}
	return &Redis{client: client, prefix: prefix}
}

type entry struct {
	Generation int64       `json:"gen"`
	Grants     auth.Grants `json:"grants"`
}

func (r *Redis) genKey(userID string) string    { return fmt.Sprintf("%s:gen:%s", r.prefix, userID) }
func (r *Redis) grantsKey(userID string) string { return fmt.Sprintf("%s:grants:%s", r.prefix, userID) }

func (r *Redis) Get(ctx context.Context, userID string) (auth.Grants, int64, bool, error) {
	vals, err := r.client.MGet(ctx, r.genKey(userID), r.grantsKey(userID)).Result()
	if err != nil {
		return auth.Grants{}, 0, false, fmt.Errorf("redis mget: %w", err)
	}
	gen, err := parseGeneration(vals[0])
	if err != nil {
		return auth.Grants{}, 0, false, err
	}
	raw, ok := vals[1].(string)
	if !ok {
		return auth.Grants{}, gen, false, nil
	}
	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return auth.Grants{}, gen, false, fmt.Errorf("decode grants: %w", err)
	}
	if e.Generation != gen {
		return auth.Grants{}, gen, false, nil
	}
	return e.Grants, gen, true, nil
}

func parseGeneration(v any) (int64, error) {
	switch s := v.(type) {
	case nil:
		return 0, nil
	case string:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse generation: %w", err)
		}
		return n, nil
	default:
		return 0, errors.New("unexpected generation type")
	}
}

func (r *Redis) Set(ctx context.Context, userID string, generation int64, g auth.Grants, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(entry{Generation: generation, Grants: g})
	if err != nil {
		return fmt.Errorf("encode grants: %w", err)
	}
	if err := r.client.Set(ctx, r.grantsKey(userID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *Redis) Invalidate(ctx context.Context, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	pipe := r.client.TxPipeline()
	for _, id := range userIDs {
		pipe.Incr(ctx, r.genKey(id))
		pipe.Expire(ctx, r.genKey(id), generationTTL)
		pipe.Del(ctx, r.grantsKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis invalidate: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
