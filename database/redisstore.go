package database

import (
	"context"
	"encoding/json"

	"cartserver/models"

	"github.com/go-redis/redis/v8"
)

const directoryKey = "cartserver:directory"

// RedisStore keeps the directory snapshot as one JSON value under a single
// key, no expiry.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Load() ([]models.User, error) {
	data, err := s.rdb.Get(context.Background(), directoryKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var users []models.User
	if err := json.Unmarshal([]byte(data), &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *RedisStore) Save(users []models.User) error {
	data, err := json.Marshal(users)
	if err != nil {
		return err
	}
	return s.rdb.Set(context.Background(), directoryKey, data, 0).Err()
}
