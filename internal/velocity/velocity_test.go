package velocity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/clickguard/kestrel/internal/cache"
	"github.com/clickguard/kestrel/internal/domain"
)

type countingStore struct {
	domain.Repository
	counts map[string]int64
}

func (s *countingStore) CountEventsBySource(ctx context.Context, tenantID, eventType, field, value string, since time.Time) (int64, error) {
	return s.counts[eventType+":"+field+":"+value], nil
}

type brokenCache struct {
	domain.Cache
}

func (b *brokenCache) IncrementCounter(ctx context.Context, tenantID, key string, window time.Duration) (int64, error) {
	return 0, errors.New("cache unavailable")
}

func clickEvent(ip, partnerID string) *domain.TrafficEvent {
	return &domain.TrafficEvent{
		Type:      "click",
		IP:        ip,
		PartnerID: partnerID,
	}
}

func TestObserve(t *testing.T) {
	ctx := context.Background()

	t.Run("CountsPerIP", func(t *testing.T) {
		svc := NewService(nil, cache.NewLRUCache(100))

		for want := int64(1); want <= 3; want++ {
			got, err := svc.Observe(ctx, "tenant-001", clickEvent("10.0.0.1", ""))
			if err != nil {
				t.Fatalf("Observe failed: %v", err)
			}
			if got != want {
				t.Errorf("click %d returned count %d, want %d", want, got, want)
			}
		}

		// A different IP starts its own counter
		got, err := svc.Observe(ctx, "tenant-001", clickEvent("10.0.0.2", ""))
		if err != nil {
			t.Fatalf("Observe failed: %v", err)
		}
		if got != 1 {
			t.Errorf("fresh IP returned count %d, want 1", got)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		svc := NewService(nil, cache.NewLRUCache(100))

		if _, err := svc.Observe(ctx, "tenant-001", clickEvent("10.0.0.5", "")); err != nil {
			t.Fatalf("Observe failed: %v", err)
		}
		got, err := svc.Observe(ctx, "tenant-002", clickEvent("10.0.0.5", ""))
		if err != nil {
			t.Fatalf("Observe failed: %v", err)
		}
		if got != 1 {
			t.Errorf("other tenant saw count %d, want 1", got)
		}
	})

	t.Run("RequiresTenantID", func(t *testing.T) {
		svc := NewService(nil, cache.NewLRUCache(100))
		if _, err := svc.Observe(ctx, "", clickEvent("10.0.0.1", "")); err == nil {
			t.Error("expected error for empty tenantID")
		}
	})

	t.Run("FallsBackToRepoOnCacheError", func(t *testing.T) {
		store := &countingStore{counts: map[string]int64{"click:ip:10.0.0.9": 7}}
		svc := NewService(store, &brokenCache{})

		got, err := svc.Observe(ctx, "tenant-001", clickEvent("10.0.0.9", ""))
		if err != nil {
			t.Fatalf("Observe failed: %v", err)
		}
		if got != 7 {
			t.Errorf("fallback count = %d, want 7", got)
		}
	})

	t.Run("NilCacheUsesRepo", func(t *testing.T) {
		store := &countingStore{counts: map[string]int64{"click:ip:10.0.0.3": 4}}
		svc := NewService(store, nil)

		got, err := svc.Observe(ctx, "tenant-001", clickEvent("10.0.0.3", ""))
		if err != nil {
			t.Fatalf("Observe failed: %v", err)
		}
		if got != 4 {
			t.Errorf("repo count = %d, want 4", got)
		}
	})
}

func TestAnnotate(t *testing.T) {
	ctx := context.Background()

	t.Run("SetsRateMetadata", func(t *testing.T) {
		store := &countingStore{counts: map[string]int64{"conversion:ip:10.0.0.1": 2}}
		svc := NewService(store, cache.NewLRUCache(100))

		event := clickEvent("10.0.0.1", "partner-1")
		svc.Annotate(ctx, "tenant-001", event)

		if event.Metadata == nil {
			t.Fatal("expected metadata to be initialized")
		}
		if got := event.Metadata["click_count"]; got != float64(1) {
			t.Errorf("click_count = %v, want 1", got)
		}
		if got := event.Metadata["conversion_count"]; got != float64(2) {
			t.Errorf("conversion_count = %v, want 2", got)
		}
	})

	t.Run("ConversionCountsItself", func(t *testing.T) {
		store := &countingStore{counts: map[string]int64{}}
		svc := NewService(store, cache.NewLRUCache(100))

		event := &domain.TrafficEvent{Type: "conversion", IP: "10.0.0.4"}
		svc.Annotate(ctx, "tenant-001", event)

		if got := event.Metadata["conversion_count"]; got != float64(1) {
			t.Errorf("conversion_count = %v, want 1", got)
		}
	})

	t.Run("DoesNotOverrideExistingKeys", func(t *testing.T) {
		svc := NewService(&countingStore{counts: map[string]int64{}}, cache.NewLRUCache(100))

		event := clickEvent("10.0.0.6", "")
		event.Metadata = map[string]interface{}{"click_count": float64(99)}
		svc.Annotate(ctx, "tenant-001", event)

		if got := event.Metadata["click_count"]; got != float64(99) {
			t.Errorf("click_count = %v, want preserved 99", got)
		}
	})

	t.Run("MissingTenantIsNoOp", func(t *testing.T) {
		svc := NewService(nil, cache.NewLRUCache(100))

		event := clickEvent("10.0.0.7", "")
		svc.Annotate(ctx, "", event)

		if event.Metadata != nil {
			t.Errorf("expected no metadata for missing tenant, got %v", event.Metadata)
		}
	})
}
