package logstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis backs the log with Redis Streams and mirrors presence in hashes:
// XADD/XLEN/XREAD/XDEL on the per-identity stream, HSET/HDEL on the
// "online-users" and "platforms:{identity}" hashes.
type Redis struct {
	rdb *redis.Client
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

func (s *Redis) Append(ctx context.Context, key string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	return s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: values,
	}).Result()
}

func (s *Redis) Len(ctx context.Context, key string) (int64, error) {
	// XLEN on an absent key is 0, not an error
	return s.rdb.XLen(ctx, key).Result()
}

func (s *Redis) ReadSince(ctx context.Context, key, cursor string, block time.Duration, max int) ([]Entry, error) {
	if cursor == "" {
		cursor = "0"
	}
	if block <= 0 {
		block = -1 // no blocking
	}
	res, err := s.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{key, cursor},
		Count:   int64(max),
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil // block timed out with no data
	}
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for _, stream := range res {
		for _, msg := range stream.Messages {
			fields := make(map[string]string, len(msg.Values))
			for k, v := range msg.Values {
				fields[k] = fmt.Sprint(v)
			}
			entries = append(entries, Entry{ID: msg.ID, Fields: fields})
		}
	}
	return entries, nil
}

func (s *Redis) Delete(ctx context.Context, key string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.rdb.XDel(ctx, key, ids...).Err()
}

func (s *Redis) SetOnline(ctx context.Context, sessionID uint64, identity, platform string) error {
	sid := strconv.FormatUint(sessionID, 10)
	if err := s.rdb.HSet(ctx, onlineUsersKey, sid, identity).Err(); err != nil {
		return err
	}
	return s.rdb.HSet(ctx, PlatformKey(identity), sid, platform).Err()
}

func (s *Redis) ClearOnline(ctx context.Context, sessionID uint64, identity string) error {
	sid := strconv.FormatUint(sessionID, 10)
	if err := s.rdb.HDel(ctx, onlineUsersKey, sid).Err(); err != nil {
		return err
	}
	return s.rdb.HDel(ctx, PlatformKey(identity), sid).Err()
}
