package services

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"travelchat/config"
)

// NewRedisClient подключается к Redis из конфига и проверяет соединение
func NewRedisClient(ctx context.Context, conf *config.ConfigSchema) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     conf.RedisAddr(),
		Password: conf.Redis.Password,
		DB:       conf.Redis.DB,
	})

	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}
