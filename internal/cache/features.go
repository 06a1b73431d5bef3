package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"trapwatch/internal/domain"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	EventsChannel = "trapwatch:events"
	featureTTL    = 10 * time.Minute
)

var ErrCacheMiss = errors.New("cache miss")

// RedisClient is the subset of *redis.Client the cache uses.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

var _ RedisClient = (*redis.Client)(nil)

func FeatureKey(source, ticker string) string {
	return fmt.Sprintf("feature:latest:%s:%s", source, ticker)
}

// FeatureCache holds the latest feature per lane.
type FeatureCache struct {
	client RedisClient
	tracer trace.Tracer
}

func NewFeatureCache(client RedisClient, tracer trace.Tracer) *FeatureCache {
	return &FeatureCache{client: client, tracer: tracer}
}

func (c *FeatureCache) Put(ctx context.Context, f *domain.Feature) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal feature: %w", err)
	}
	if err := c.client.Set(ctx, FeatureKey(f.Source, f.Ticker), payload, featureTTL).Err(); err != nil {
		return fmt.Errorf("cache feature: %w", err)
	}
	return nil
}

// Latest returns ErrCacheMiss when nothing is cached for the lane.
func (c *FeatureCache) Latest(ctx context.Context, source, ticker string) (*domain.Feature, error) {
	ctx, span := c.tracer.Start(ctx, "feature-cache.latest")
	defer span.End()
	span.SetAttributes(attribute.String("ticker", ticker))

	raw, err := c.client.Get(ctx, FeatureKey(source, ticker)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("read cached feature: %w", err)
	}
	var f domain.Feature
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return nil, fmt.Errorf("decode cached feature: %w", err)
	}
	return &f, nil
}

// EventPublisher mirrors lane events into Redis for out-of-process consumers.
type EventPublisher struct {
	client   RedisClient
	features *FeatureCache
	logger   *zap.Logger
}

func NewEventPublisher(client RedisClient, features *FeatureCache, logger *zap.Logger) *EventPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventPublisher{client: client, features: features, logger: logger}
}

func (p *EventPublisher) Name() string { return "redis" }

func (p *EventPublisher) Deliver(ctx context.Context, ev domain.Event) error {
	if ev.Kind == domain.EventFeature && ev.Feature != nil && p.features != nil {
		if err := p.features.Put(ctx, ev.Feature); err != nil {
			p.logger.Warn("feature cache write failed", zap.String("ticker", ev.Ticker), zap.Error(err))
		}
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, EventsChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}
