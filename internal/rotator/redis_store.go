package rotator

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs the rotator with Redis. Lease exclusivity rides on SET NX
// plus TTL; token replacement is a plain SET, which atomically retires the
// previous value.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) AcquireLease(ctx context.Context, eventID, deviceID string, ttl time.Duration) (string, error) {
	key := leaseKey(eventID)
	acquired, err := s.client.SetNX(ctx, key, deviceID, ttl).Result()
	if err != nil {
		return "", err
	}
	if acquired {
		return deviceID, nil
	}
	holder, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		// Lease lapsed between SetNX and Get; retry claims it.
		acquired, err := s.client.SetNX(ctx, key, deviceID, ttl).Result()
		if err != nil {
			return "", err
		}
		if acquired {
			return deviceID, nil
		}
		return s.client.Get(ctx, key).Result()
	}
	if err != nil {
		return "", err
	}
	if holder == deviceID {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return "", err
		}
	}
	return holder, nil
}

// releaseScript deletes the lease only while the caller still holds it. A
// plain GET then DEL leaves a window where a lapsed-and-reacquired lease
// belongs to someone else.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0
`)

func (s *RedisStore) ReleaseLease(ctx context.Context, eventID, deviceID string) error {
	err := releaseScript.Run(ctx, s.client, []string{leaseKey(eventID)}, deviceID).Err()
	if err == redis.Nil {
		return nil
	}
	return err
}

func (s *RedisStore) SetToken(ctx context.Context, eventID, token string, ttl time.Duration) error {
	return s.client.Set(ctx, tokenKey(eventID), token, ttl).Err()
}

func (s *RedisStore) GetToken(ctx context.Context, eventID string) (string, time.Duration, bool, error) {
	key := tokenKey(eventID)
	token, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, err
	}
	remaining, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return "", 0, false, err
	}
	if remaining < 0 {
		remaining = 0
	}
	return token, remaining, true, nil
}

func leaseKey(eventID string) string {
	return fmt.Sprintf("checkin:lease:%s", eventID)
}

func tokenKey(eventID string) string {
	return fmt.Sprintf("checkin:token:%s", eventID)
}
