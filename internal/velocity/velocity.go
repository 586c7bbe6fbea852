// Package velocity tracks per-source click and conversion rates.
package velocity

import (
	"context"
	"fmt"
	"time"

	"github.com/clickguard/kestrel/internal/domain"
)

// DefaultWindow is the rate window used when none is configured.
const DefaultWindow = time.Hour

// Service counts recent traffic per source key (IP or partner) using the
// cache's atomic counters, falling back to the repository when the cache
// has no signal yet.
type Service struct {
	repo   domain.Repository
	cache  domain.Cache
	window time.Duration
}

// NewService creates a new velocity service.
func NewService(repo domain.Repository, cache domain.Cache) *Service {
	return &Service{
		repo:   repo,
		cache:  cache,
		window: DefaultWindow,
	}
}

// Observe records one event occurrence for its source keys and returns the
// running click count for the event's IP within the window.
func (s *Service) Observe(ctx context.Context, tenantID string, event *domain.TrafficEvent) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("tenantID is required")
	}
	if s.cache == nil {
		return s.countFromRepo(ctx, tenantID, "click", "ip", event.IP)
	}

	key := counterKey(event.Type, "ip", event.IP)
	count, err := s.cache.IncrementCounter(ctx, tenantID, key, s.window)
	if err != nil {
		// Cache outage degrades to a repository count, never to a failure.
		return s.countFromRepo(ctx, tenantID, "click", "ip", event.IP)
	}

	if event.PartnerID != "" {
		_, _ = s.cache.IncrementCounter(ctx, tenantID,
			counterKey(event.Type, "partner", event.PartnerID), s.window)
	}

	return count, nil
}

// Annotate stuffs rate counts into the event's metadata so the feature
// extractor stays a pure transform over the event alone.
func (s *Service) Annotate(ctx context.Context, tenantID string, event *domain.TrafficEvent) {
	clicks, err := s.Observe(ctx, tenantID, event)
	if err != nil {
		return
	}

	conversions, _ := s.countFromRepo(ctx, tenantID, "conversion", "ip", event.IP)
	if event.Type == "conversion" {
		conversions++
	}

	if event.Metadata == nil {
		event.Metadata = make(map[string]interface{})
	}
	if _, set := event.Metadata["click_count"]; !set {
		event.Metadata["click_count"] = float64(clicks)
	}
	if _, set := event.Metadata["conversion_count"]; !set {
		event.Metadata["conversion_count"] = float64(conversions)
	}
}

// countFromRepo counts recent events for a source key from the store.
func (s *Service) countFromRepo(ctx context.Context, tenantID, eventType, field, value string) (int64, error) {
	if s.repo == nil || value == "" {
		return 0, nil
	}
	since := time.Now().UTC().Add(-s.window)
	return s.repo.CountEventsBySource(ctx, tenantID, eventType, field, value, since)
}

func counterKey(eventType, field, value string) string {
	return "rate:" + eventType + ":" + field + ":" + value
}
