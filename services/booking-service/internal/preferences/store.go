// Package preferences persists each customer's display language.
package preferences

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/surfskatehalle/booking/libs/locale"
)

const keyPrefix = "booking:prefs:locale:"

// Client is the subset of the Redis API the store needs.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

type Store struct {
	rdb Client
	ttl time.Duration
}

// NewStore keeps preferences for ttl after the last update; zero keeps them
// forever.
func NewStore(rdb Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

// Get returns the stored language, or locale.Default with ok=false when the
// user never chose one.
func (s *Store) Get(ctx context.Context, userID string) (lang locale.Lang, ok bool, err error) {
	raw, err := s.rdb.Get(ctx, keyPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return locale.Default, false, nil
	}
	if err != nil {
		return locale.Default, false, err
	}
	lang, err = locale.Parse(raw)
	if err != nil {
		return locale.Default, false, nil
	}
	return lang, true, nil
}

func (s *Store) Set(ctx context.Context, userID string, lang locale.Lang) error {
	return s.rdb.Set(ctx, keyPrefix+userID, string(lang), s.ttl).Err()
}
