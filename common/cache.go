// Copyright 2021-2022
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru"
	"github.com/penny-vault/import-cvm/config"
	"github.com/rs/zerolog/log"
)

var (
	ErrCacheMiss = errors.New("key not in cache")
)

// Cache is a two tier byte cache: an in-process LRU in front of an optional redis server.
// Values are lz4 compressed in both tiers.
type Cache struct {
	local *lru.Cache
	rdb   *redis.Client
	ttl   time.Duration
}

// NewCache builds a cache from conf. The redis tier is only created when conf.Redis is set.
func NewCache(conf config.Cache) (*Cache, error) {
	local, err := lru.New(conf.LocalSize)
	if err != nil {
		log.Error().Err(err).Int("LocalSize", conf.LocalSize).Msg("could not create LRU cache")
		return nil, err
	}

	cache := &Cache{
		local: local,
		ttl:   conf.TTL,
	}

	if conf.Redis {
		opt, err := redis.ParseURL(conf.RedisURL)
		if err != nil {
			log.Error().Err(err).Msg("could not parse redis URL")
			return nil, err
		}
		cache.rdb = redis.NewClient(opt)
	}

	return cache, nil
}

func (cache *Cache) Set(key string, val []byte) error {
	compressed, err := Compress(val)
	if err != nil {
		return err
	}
	cache.local.Add(key, compressed)

	if cache.rdb != nil {
		if err := cache.rdb.Set(context.Background(), key, compressed, cache.ttl).Err(); err != nil {
			return fmt.Errorf("redis set %s: %w", key, err)
		}
	}
	return nil
}

// Get returns the value stored under key or ErrCacheMiss. A hit in redis refreshes the
// expiration and populates the local tier.
func (cache *Cache) Get(key string) ([]byte, error) {
	if val, ok := cache.local.Get(key); ok {
		return Decompress(val.([]byte))
	}

	if cache.rdb == nil {
		return nil, ErrCacheMiss
	}

	val, err := cache.rdb.GetEx(context.Background(), key, cache.ttl).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}

	cache.local.Add(key, val)
	return Decompress(val)
}

// Len is the number of entries in the local tier
func (cache *Cache) Len() int {
	return cache.local.Len()
}

func (cache *Cache) Close() error {
	if cache.rdb != nil {
		return cache.rdb.Close()
	}
	return nil
}
