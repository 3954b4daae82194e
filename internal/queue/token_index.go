package queue

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenIndex maps provider correlation tokens to job ids. Entries are
// written the moment the worker reports a provider task id, so webhook
// resolution is a direct lookup instead of a candidate scan in the common
// case. Entries expire; the matcher's scan remains the fallback.
type TokenIndex struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewTokenIndex builds an index with the given entry lifetime.
func NewTokenIndex(client *redis.Client, ttl time.Duration) *TokenIndex {
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &TokenIndex{client: client, prefix: "corr:", ttl: ttl}
}

// Put records token → jobID.
func (i *TokenIndex) Put(ctx context.Context, token, jobID string) error {
	if token == "" || jobID == "" {
		return nil
	}
	return i.client.Set(ctx, i.prefix+token, jobID, i.ttl).Err()
}

// Lookup returns the job id for the first token with an index entry.
func (i *TokenIndex) Lookup(ctx context.Context, tokens []string) (string, bool, error) {
	for _, token := range tokens {
		if token == "" {
			continue
		}
		id, err := i.client.Get(ctx, i.prefix+token).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return "", false, err
		}
		if id != "" {
			return id, true, nil
		}
	}
	return "", false, nil
}
