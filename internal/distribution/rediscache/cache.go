// Package rediscache caches distribution rule sets in Redis.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/bissquit/notification-distributor/internal/distribution"
	"github.com/bissquit/notification-distributor/internal/pkg/ctxlog"
	"github.com/redis/go-redis/v9"
)

// Config contains cache configuration.
type Config struct {
	KeyPrefix string
	TTL       time.Duration
	// NotFoundTTL is how long a missing event is remembered. Zero disables it.
	NotFoundTTL time.Duration
}

// DefaultConfig returns default cache configuration.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:   "distributor",
		TTL:         time.Minute,
		NotFoundTTL: 10 * time.Second,
	}
}

type entry struct {
	NotFound bool                  `json:"notFound,omitempty"`
	Set      *distribution.RuleSet `json:"set,omitempty"`
}

// RuleRepository is a read-through cache in front of another RuleRepository.
// Redis failures fall back to the wrapped repository.
type RuleRepository struct {
	next   distribution.RuleRepository
	client redis.UniversalClient
	config Config
}

// New wraps next with a Redis cache.
func New(next distribution.RuleRepository, client redis.UniversalClient, config Config) *RuleRepository {
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultConfig().KeyPrefix
	}
	if config.TTL <= 0 {
		config.TTL = DefaultConfig().TTL
	}
	return &RuleRepository{next: next, client: client, config: config}
}

// FindRuleSet returns the cached rule set or loads and caches it.
func (r *RuleRepository) FindRuleSet(ctx context.Context, queue, eventType string) (*distribution.RuleSet, error) {
	key := r.key(queue, eventType)
	logger := ctxlog.FromContext(ctx)

	data, err := r.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var e entry
		if jsonErr := json.Unmarshal(data, &e); jsonErr == nil && (e.NotFound || e.Set != nil) {
			recordLookup("hit")
			if e.NotFound {
				return nil, distribution.ErrNotFound
			}
			return e.Set, nil
		}
		logger.Warn("discarding undecodable rule set cache entry", "key", key)
	case errors.Is(err, redis.Nil):
	default:
		logger.Warn("rule set cache unavailable", "key", key, "error", err)
		recordLookup("error")
	}

	set, err := r.next.FindRuleSet(ctx, queue, eventType)
	if err != nil {
		if errors.Is(err, distribution.ErrNotFound) && r.config.NotFoundTTL > 0 {
			r.store(ctx, key, entry{NotFound: true}, r.config.NotFoundTTL)
		}
		return nil, err
	}

	recordLookup("miss")
	r.store(ctx, key, entry{Set: set}, r.config.TTL)
	return set, nil
}

// Invalidate drops the cached rule set of an event.
func (r *RuleRepository) Invalidate(ctx context.Context, queue, eventType string) error {
	if err := r.client.Del(ctx, r.key(queue, eventType)).Err(); err != nil {
		return fmt.Errorf("invalidate rule set: %w", err)
	}
	return nil
}

func (r *RuleRepository) store(ctx context.Context, key string, e entry, ttl time.Duration) {
	data, err := json.Marshal(e)
	if err != nil {
		ctxlog.FromContext(ctx).Warn("failed to encode rule set for cache", "key", key, "error", err)
		return
	}
	if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
		ctxlog.FromContext(ctx).Warn("failed to cache rule set", "key", key, "error", err)
	}
}

func (r *RuleRepository) key(queue, eventType string) string {
	return r.config.KeyPrefix + ":ruleset:" + url.QueryEscape(queue) + ":" + url.QueryEscape(eventType)
}
