// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package routing

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisRouter reads routes from hashes keyed "/numbers/<number>" with
// "method" and "url" fields
type RedisRouter struct {
	rdb *redis.Client
}

// NewRedisRouter connects to the redis server at addr
func NewRedisRouter(addr, password string, db int) *RedisRouter {
	return &RedisRouter{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (r *RedisRouter) Close() error {
	return r.rdb.Close()
}

func numberKey(number string) string {
	return "/numbers/" + number
}

func (r *RedisRouter) Lookup(ctx context.Context, number string) (Route, error) {
	fields, err := r.rdb.HGetAll(ctx, numberKey(number)).Result()
	if err != nil {
		return Route{}, fmt.Errorf("redis lookup %s: %w", number, err)
	}
	if fields["url"] == "" {
		return Route{}, ErrNoRoute
	}
	return Route{Method: fields["method"], URL: fields["url"]}.normalize(), nil
}

// Put stores the route for number
func (r *RedisRouter) Put(ctx context.Context, number string, route Route) error {
	return r.rdb.HSet(ctx, numberKey(number), "method", route.Method, "url", route.URL).Err()
}
