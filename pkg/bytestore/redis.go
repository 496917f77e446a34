package bytestore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

var _ Backend = (*RedisBackend)(nil)

// RedisBackend stores records in Redis, for deployments where multiple
// instances want to share one cache. Row expiry uses Redis TTLs; the
// release index is a set that gets pruned of dead members on read.
type RedisBackend struct {
	rdb *redis.Client
}

// NewRedisBackend connects to Redis. creds is "password" for Redis 5 and
// older, or "username:password" for Redis 6 and newer.
func NewRedisBackend(addr, creds string) (*RedisBackend, error) {
	opts := &redis.Options{Addr: addr}
	if creds != "" {
		if i := strings.Index(creds, ":"); i >= 0 {
			opts.Username = creds[:i]
			opts.Password = creds[i+1:]
		} else {
			opts.Password = creds
		}
	}
	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("couldn't ping Redis at %v: %v", addr, err)
	}
	return &RedisBackend{rdb: rdb}, nil
}

func redisRecKey(service, hash string) string {
	return "sr:rec:" + service + ":" + hash
}

func redisRelKey(service, releaseKey string) string {
	return "sr:rel:" + service + ":" + releaseKey
}

func (b *RedisBackend) Put(rec Record) error {
	return b.PutBatch([]Record{rec})
}

func (b *RedisBackend) PutBatch(recs []Record) error {
	ctx := context.Background()
	pipe := b.rdb.Pipeline()
	now := time.Now()
	for _, rec := range recs {
		ttl := rec.ExpiresAt.Sub(now)
		if ttl <= 0 {
			continue
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("couldn't encode record: %v", err)
		}
		pipe.Set(ctx, redisRecKey(rec.Service, rec.Hash), data, ttl)
		if rec.ReleaseKey != "" {
			pipe.SAdd(ctx, redisRelKey(rec.Service, rec.ReleaseKey), rec.Hash)
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (b *RedisBackend) Get(service, hash string) (Record, bool, error) {
	data, err := b.rdb.Get(context.Background(), redisRecKey(service, hash)).Bytes()
	if err == redis.Nil {
		return Record{}, false, nil
	} else if err != nil {
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("couldn't decode record: %v", err)
	}
	return rec, true, nil
}

func (b *RedisBackend) Delete(service, hash string) error {
	ctx := context.Background()
	rec, found, err := b.Get(service, hash)
	if err != nil {
		return err
	}
	if err := b.rdb.Del(ctx, redisRecKey(service, hash)).Err(); err != nil {
		return err
	}
	if found && rec.ReleaseKey != "" {
		return b.rdb.SRem(ctx, redisRelKey(service, rec.ReleaseKey), hash).Err()
	}
	return nil
}

func (b *RedisBackend) DeleteByPrefix(service, hashPrefix string) (int, error) {
	ctx := context.Background()
	pattern := redisRecKey(service, hashPrefix) + "*"
	keyPrefixLen := len(redisRecKey(service, ""))
	var cursor uint64
	deleted := 0
	for {
		keys, next, err := b.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return deleted, err
		}
		for _, key := range keys {
			if err := b.Delete(service, key[keyPrefixLen:]); err != nil {
				return deleted, err
			}
			deleted++
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

func (b *RedisBackend) ByRelease(service, releaseKey string) ([]Record, error) {
	ctx := context.Background()
	hashes, err := b.rdb.SMembers(ctx, redisRelKey(service, releaseKey)).Result()
	if err != nil {
		return nil, err
	}
	recs := make([]Record, 0, len(hashes))
	for _, hash := range hashes {
		rec, found, err := b.Get(service, hash)
		if err != nil {
			return nil, err
		}
		if !found {
			// Row expired, prune the index member
			b.rdb.SRem(ctx, redisRelKey(service, releaseKey), hash)
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// PurgeExpired is a no-op for Redis, the server expires rows itself.
func (b *RedisBackend) PurgeExpired() (int, error) {
	return 0, nil
}

func (b *RedisBackend) Close() error {
	return b.rdb.Close()
}
