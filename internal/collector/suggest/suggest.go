// Package suggest serves search suggestions with a Redis cache in front of
// the PostgreSQL store. Concurrent lookups for the same prefix are collapsed
// with singleflight so the database sees each cold prefix once.
package suggest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/oaklinehq/content-telemetry/pkg/config"
	"github.com/oaklinehq/content-telemetry/pkg/metrics"
	pkgredis "github.com/oaklinehq/content-telemetry/pkg/redis"
	"github.com/oaklinehq/content-telemetry/pkg/resilience"
)

const keyPrefix = "suggest:"

// sourceTimeout bounds the PostgreSQL fallback; suggestion lookups sit on
// the visitor's keystroke path and a slow answer is worth less than none.
const sourceTimeout = 2 * time.Second

// Source is the backing lookup, implemented by the PostgreSQL store.
type Source interface {
	QuerySearchSuggestions(ctx context.Context, prefix string, limit int) ([]string, error)
}

// Service caches suggestion lookups.
type Service struct {
	source  Source
	client  *pkgredis.Client
	cfg     config.RedisConfig
	group   singleflight.Group
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a suggestion Service. client may be nil, in which case every
// lookup goes straight to the source.
func New(source Source, client *pkgredis.Client, cfg config.RedisConfig, m *metrics.Metrics) *Service {
	return &Service{
		source:  source,
		client:  client,
		cfg:     cfg,
		logger:  slog.Default().With("component", "suggest"),
		metrics: m,
	}
}

// Lookup returns suggestions for the prefix, consulting the cache first.
// Cache failures fall through to the source; they are never surfaced.
func (s *Service) Lookup(ctx context.Context, prefix string, limit int) ([]string, error) {
	if s.client == nil {
		return s.source.QuerySearchSuggestions(ctx, prefix, limit)
	}

	key := s.buildKey(prefix, limit)
	if cached, ok := s.fromCache(ctx, key); ok {
		if s.metrics != nil {
			s.metrics.SuggestionCacheHits.Inc()
		}
		return cached, nil
	}
	if s.metrics != nil {
		s.metrics.SuggestionCacheMiss.Inc()
	}

	val, err, _ := s.group.Do(key, func() (interface{}, error) {
		if cached, ok := s.fromCache(ctx, key); ok {
			return cached, nil
		}
		var out []string
		err := resilience.WithTimeout(ctx, sourceTimeout, "suggestion lookup", func(ctx context.Context) error {
			var qerr error
			out, qerr = s.source.QuerySearchSuggestions(ctx, prefix, limit)
			return qerr
		})
		if err != nil {
			return nil, err
		}
		s.toCache(ctx, key, out)
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return val.([]string), nil
}

// Invalidate drops every cached suggestion entry, e.g. after a bulk import.
func (s *Service) Invalidate(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	deleted, err := s.client.FlushByPattern(ctx, keyPrefix+"*")
	if err != nil {
		return fmt.Errorf("invalidating suggestion cache: %w", err)
	}
	s.logger.Info("suggestion cache invalidated", "keys_deleted", deleted)
	return nil
}

func (s *Service) fromCache(ctx context.Context, key string) ([]string, bool) {
	data, err := s.client.Get(ctx, key)
	if err != nil {
		if !pkgredis.IsNilError(err) {
			s.logger.Debug("suggestion cache get failed", "key", key, "error", err)
		}
		return nil, false
	}
	var out []string
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		s.logger.Debug("suggestion cache decode failed", "key", key, "error", err)
		return nil, false
	}
	return out, true
}

func (s *Service) toCache(ctx context.Context, key string, out []string) {
	data, err := json.Marshal(out)
	if err != nil {
		return
	}
	if err := s.client.Set(ctx, key, data, s.cfg.CacheTTL); err != nil {
		s.logger.Debug("suggestion cache set failed", "key", key, "error", err)
	}
}

func (s *Service) buildKey(prefix string, limit int) string {
	return keyPrefix + prefix + ":" + strconv.Itoa(limit)
}
