// Package redissource reads Redis keyspaces and sets with cursor iteration.
//
// Scan walks the keyspace with SCAN, using Request.Target as the MATCH
// pattern. Query walks the members of the set stored at Request.Target with
// SSCAN, using Request.Condition as the MATCH pattern. The Redis cursor is
// the continuation token; cursor 0 ends the iteration.
//
// Redis may return empty pages with a non-zero cursor, so the page size is
// only a hint and an empty page never means the end.
package redissource

import (
	"context"
	"fmt"
	"strconv"

	"github.com/Sternrassler/queue-source/pkg/feeder"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultCount is the COUNT hint used when a request carries no limit.
const DefaultCount = 100

// ParamType restricts Scan to keys of a Redis type (string, list, set, zset, hash, stream).
const ParamType = "type"

// Source implements feeder.Client over a Redis server.
type Source struct {
	redis  redis.Cmdable
	logger zerolog.Logger
}

// New creates a source reading through redisClient.
func New(redisClient redis.Cmdable) *Source {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &Source{
		redis:  redisClient,
		logger: log.With().Str("component", "redis-source").Logger(),
	}
}

// Scan implements feeder.Client.
func (s *Source) Scan(ctx context.Context, req feeder.Request) (feeder.Page[string], error) {
	cursor, err := parseCursor(req.StartToken)
	if err != nil {
		return feeder.Page[string]{}, err
	}

	match := req.Target
	if match == "" {
		match = "*"
	}

	var keys []string
	var next uint64
	if keyType := req.Params[ParamType]; keyType != "" {
		keys, next, err = s.redis.ScanType(ctx, cursor, match, count(req), keyType).Result()
	} else {
		keys, next, err = s.redis.Scan(ctx, cursor, match, count(req)).Result()
	}
	if err != nil {
		return feeder.Page[string]{}, fmt.Errorf("redis scan: %w", err)
	}

	s.logger.Debug().
		Str("match", match).
		Uint64("cursor", cursor).
		Uint64("next_cursor", next).
		Int("keys", len(keys)).
		Msg("Scanned keyspace")

	return toPage(keys, next), nil
}

// Query implements feeder.Client.
func (s *Source) Query(ctx context.Context, req feeder.Request) (feeder.Page[string], error) {
	if req.Target == "" {
		return feeder.Page[string]{}, fmt.Errorf("redis sscan: set key is required")
	}

	cursor, err := parseCursor(req.StartToken)
	if err != nil {
		return feeder.Page[string]{}, err
	}

	members, next, err := s.redis.SScan(ctx, req.Target, cursor, req.Condition, count(req)).Result()
	if err != nil {
		return feeder.Page[string]{}, fmt.Errorf("redis sscan %s: %w", req.Target, err)
	}

	s.logger.Debug().
		Str("key", req.Target).
		Uint64("cursor", cursor).
		Uint64("next_cursor", next).
		Int("members", len(members)).
		Msg("Scanned set")

	return toPage(members, next), nil
}

func count(req feeder.Request) int64 {
	if req.Limit > 0 {
		return int64(req.Limit)
	}
	return DefaultCount
}

func parseCursor(tok *feeder.Token) (uint64, error) {
	if tok == nil {
		return 0, nil
	}
	cursor, err := strconv.ParseUint(string(*tok), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid redis cursor %q: %w", *tok, err)
	}
	return cursor, nil
}

func toPage(items []string, next uint64) feeder.Page[string] {
	page := feeder.Page[string]{Items: items}
	if next != 0 {
		page.Next = feeder.NewToken(strconv.FormatUint(next, 10))
	}
	return page
}
