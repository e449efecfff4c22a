package redisstore

import (
	"context"
	"liverelay/cmd/internal/domain/entity"

	"github.com/redis/go-redis/v9"
)

type UserRepository struct {
	rdb redis.UniversalClient
}

func NewUserRepository(rdb redis.UniversalClient) *UserRepository {
	return &UserRepository{rdb: rdb}
}

func (u *UserRepository) FindByID(ctx context.Context, id string) (*entity.User, error) {
	fields, err := u.rdb.HGetAll(ctx, userKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}

	lastOnline, err := parseInt(fields, "last_online_at")
	if err != nil {
		return nil, err
	}
	return &entity.User{ID: id, LastOnlineAt: lastOnline}, nil
}

func (u *UserRepository) TouchLastOnline(ctx context.Context, id string, at int64) error {
	return u.rdb.HSet(ctx, userKey(id), "last_online_at", at).Err()
}
