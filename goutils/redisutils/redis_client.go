package redisutils

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"
)

func InitRedisClient(redisHost string, port int, redisDb int, poolSize int, password string) (*redis.Client, error) {
	redisURL := net.JoinHostPort(redisHost, strconv.Itoa(port))

	log.Info("connecting to redis at:", redisURL)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     redisURL,
		Password: password,
		DB:       redisDb,
		PoolSize: poolSize,
	})

	pong, err := redisClient.Ping(context.Background()).Result()
	if err != nil {
		log.WithField("addr", redisURL).WithError(err).Error("unable to connect to redis")

		return nil, fmt.Errorf("unable to connect to redis at %s: %w", redisURL, err)
	}

	log.Info("connected successfully to Redis and received ", pong, " back")

	return redisClient, nil
}
