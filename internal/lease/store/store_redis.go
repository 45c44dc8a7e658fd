package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	id "github.com/benffsc/atlas/pkg/domain"
	"github.com/benffsc/atlas/pkg/platform/sentinel"
	"github.com/benffsc/atlas/pkg/requestcontext"

	"github.com/benffsc/atlas/internal/lease/models"
)

const leaseKeyPrefix = "lease:"

// acquireScript claims or renews in one round trip: a missing key is
// claimable, an existing key only re-claimable by its holder. Expiry is
// Redis's own TTL, so a lapsed lease is simply an absent key.
var acquireScript = redis.NewScript(`
	local cur = redis.call("GET", KEYS[1])
	if cur then
		if cjson.decode(cur)["holder"] ~= ARGV[2] then
			return cur
		end
	end
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
	return 1
`)

// renewScript advances expiry while keeping the original claim intact.
var renewScript = redis.NewScript(`
	local cur = redis.call("GET", KEYS[1])
	if not cur then
		return 0
	end
	local obj = cjson.decode(cur)
	if obj["holder"] ~= ARGV[1] then
		return 0
	end
	obj["expires_at"] = ARGV[2]
	redis.call("SET", KEYS[1], cjson.encode(obj), "PX", ARGV[3])
	return 1
`)

var releaseScript = redis.NewScript(`
	local cur = redis.call("GET", KEYS[1])
	if not cur or cjson.decode(cur)["holder"] ~= ARGV[1] then
		return 0
	end
	redis.call("DEL", KEYS[1])
	return 1
`)

// Redis is the lease store for multi-instance deployments; the claim is
// atomic server-side so two editors racing for the same entity cannot both
// win.
type Redis struct {
	client redis.Cmdable
}

func NewRedis(client redis.Cmdable) *Redis {
	return &Redis{client: client}
}

func (s *Redis) Acquire(ctx context.Context, lease *models.EditLease, ttl time.Duration) (bool, *models.EditLease, error) {
	if lease == nil || lease.Holder == "" {
		return false, nil, fmt.Errorf("lease holder is required")
	}
	now := requestcontext.Now(ctx)
	lease.AcquiredAt = now
	lease.ExpiresAt = now.Add(ttl)

	payload, err := json.Marshal(lease)
	if err != nil {
		return false, nil, fmt.Errorf("marshal lease: %w", err)
	}
	key := leaseKeyPrefix + leaseKey(lease.EntityType, lease.EntityID)

	res, err := acquireScript.Run(ctx, s.client, []string{key},
		string(payload), lease.Holder, ttl.Milliseconds()).Result()
	if err != nil {
		return false, nil, fmt.Errorf("acquire lease: %w", err)
	}
	if raw, ok := res.(string); ok {
		current := &models.EditLease{}
		if err := json.Unmarshal([]byte(raw), current); err != nil {
			return false, nil, fmt.Errorf("decode current lease: %w", err)
		}
		return false, current, nil
	}
	granted := *lease
	return true, &granted, nil
}

func (s *Redis) Renew(ctx context.Context, entityType id.EntityType, entityID id.EntityID, holder string, ttl time.Duration) (bool, error) {
	expiresAt := requestcontext.Now(ctx).Add(ttl)
	key := leaseKeyPrefix + leaseKey(entityType, entityID)
	n, err := renewScript.Run(ctx, s.client, []string{key},
		holder, expiresAt.Format(time.RFC3339Nano), ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	return n == 1, nil
}

func (s *Redis) Release(ctx context.Context, entityType id.EntityType, entityID id.EntityID, holder string) (bool, error) {
	key := leaseKeyPrefix + leaseKey(entityType, entityID)
	n, err := releaseScript.Run(ctx, s.client, []string{key}, holder).Int64()
	if err != nil {
		return false, fmt.Errorf("release lease: %w", err)
	}
	return n == 1, nil
}

func (s *Redis) Get(ctx context.Context, entityType id.EntityType, entityID id.EntityID) (*models.EditLease, error) {
	key := leaseKeyPrefix + leaseKey(entityType, entityID)
	raw, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("lease for %s %s: %w", entityType, entityID, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get lease: %w", err)
	}
	lease := &models.EditLease{}
	if err := json.Unmarshal([]byte(raw), lease); err != nil {
		return nil, fmt.Errorf("decode lease: %w", err)
	}
	return lease, nil
}
