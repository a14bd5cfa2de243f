package caching

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"

	"ci-dashboard/goutils/redisutils"
)

var ErrGettingCommitMessage = errors.New("error getting commit message")

// RedisCache shares commit messages between restarts and dashboard instances.
type RedisCache struct {
	redisClient *redis.Client
}

var _ DbCache = (*RedisCache)(nil)

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{redisClient: client}
}

func (r *RedisCache) GetCommitMessage(ctx context.Context, sha string) (string, error) {
	key := fmt.Sprintf(redisutils.REDIS_KEY_COMMIT_MESSAGE, sha)

	val, err := r.redisClient.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}

		log.WithError(err).WithField("key", key).Error("error getting commit message from redis")

		return "", ErrGettingCommitMessage
	}

	return val, nil
}

func (r *RedisCache) StoreCommitMessage(ctx context.Context, sha string, message string) error {
	key := fmt.Sprintf(redisutils.REDIS_KEY_COMMIT_MESSAGE, sha)

	err := r.redisClient.Set(ctx, key, message, 0).Err()
	if err != nil {
		log.WithError(err).WithField("key", key).Error("error storing commit message in redis")

		return err
	}

	return nil
}
