// Package notify routes emitted domain events to notification rules and
// fans matches out to their configured channels.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/clickguard/kestrel/internal/domain"
)

const defaultQueueSize = 256

// Sender delivers one notification over a concrete channel.
type Sender interface {
	Send(ctx context.Context, config map[string]string, ruleName string, event *domain.DomainEvent) error
}

// Router matches emitted events against notification rules and drains its
// queue on a fixed tick with a single consumer loop.
type Router struct {
	repo    domain.Repository
	cache   domain.Cache
	logger  *slog.Logger
	senders map[domain.ChannelType]Sender

	queue chan *domain.DomainEvent

	tick time.Duration
	wg   sync.WaitGroup
	stop chan struct{}
	once sync.Once
}

// NewRouter creates a router with the default channel senders installed.
func NewRouter(repo domain.Repository, cache domain.Cache, logger *slog.Logger, tick time.Duration) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if tick <= 0 {
		tick = 500 * time.Millisecond
	}
	client := newHTTPClient()
	return &Router{
		repo:   repo,
		cache:  cache,
		logger: logger,
		senders: map[domain.ChannelType]Sender{
			domain.ChannelEmail:   &EmailSender{client: client},
			domain.ChannelChat:    &ChatSender{client: client},
			domain.ChannelWebhook: &GenericWebhookSender{client: client},
		},
		queue: make(chan *domain.DomainEvent, defaultQueueSize),
		tick:  tick,
		stop:  make(chan struct{}),
	}
}

// SetSender replaces a channel sender. Used by tests and custom transports.
func (r *Router) SetSender(t domain.ChannelType, s Sender) {
	r.senders[t] = s
}

// Emit queues an event for routing. A full queue drops the event with a
// warning rather than blocking the pipeline.
func (r *Router) Emit(event *domain.DomainEvent) {
	select {
	case r.queue <- event:
	default:
		r.logger.Warn("notification queue full, dropping event",
			"event_type", event.Type, "tenant_id", event.TenantID)
	}
}

// Start launches the single drain loop. Ordering within the queue is
// preserved; at most one drain runs at a time.
func (r *Router) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				r.Drain(ctx)
			}
		}
	}()
}

// Stop terminates the drain loop and waits for it to exit.
func (r *Router) Stop() {
	r.once.Do(func() { close(r.stop) })
	r.wg.Wait()
}

// Drain routes every event currently queued, in order.
func (r *Router) Drain(ctx context.Context) {
	for {
		select {
		case event := <-r.queue:
			if err := r.Route(ctx, event); err != nil {
				r.logger.Error("notification routing failed",
					"event_type", event.Type, "error", err)
			}
		default:
			return
		}
	}
}

// Route matches one event against the tenant's active notification rules
// and fans out to each matching rule's enabled channels sequentially.
// Channel failures are logged and never block other channels or rules.
func (r *Router) Route(ctx context.Context, event *domain.DomainEvent) error {
	rules, err := r.repo.ListNotificationRules(ctx, event.TenantID, true)
	if err != nil {
		return fmt.Errorf("failed to list notification rules: %w", err)
	}

	for _, rule := range rules {
		if !r.matches(rule, event) {
			continue
		}
		if !r.acquireCooldown(ctx, event.TenantID, rule) {
			continue
		}

		now := time.Now().UTC()
		if err := r.repo.TouchNotificationRule(ctx, event.TenantID, rule.ID, now); err != nil {
			r.logger.Warn("failed to persist lastTriggered",
				"rule_id", rule.ID, "error", err)
		}

		for _, ch := range rule.Channels {
			if !ch.Enabled {
				continue
			}
			sender, ok := r.senders[ch.Type]
			if !ok {
				r.logger.Warn("no sender for channel type", "channel", ch.Type, "rule_id", rule.ID)
				continue
			}
			if err := sender.Send(ctx, ch.Config, rule.Name, event); err != nil {
				r.logger.Error("channel delivery failed",
					"rule_id", rule.ID, "channel", ch.Type, "error", err)
			}
		}
	}
	return nil
}

// matches applies the rule's event-type, severity, and threshold filters.
func (r *Router) matches(rule *domain.NotificationRule, event *domain.DomainEvent) bool {
	subscribed := false
	for _, t := range rule.EventTypes {
		if t == event.Type {
			subscribed = true
			break
		}
	}
	if !subscribed {
		return false
	}

	if rule.Conditions == nil {
		return true
	}
	if len(rule.Conditions.Severities) > 0 {
		ok := false
		for _, s := range rule.Conditions.Severities {
			if s == event.Severity {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if rule.Conditions.Threshold != nil && event.Value < *rule.Conditions.Threshold {
		return false
	}
	return true
}

// acquireCooldown claims the rule's cooldown window. Cooldown state lives
// in the cache so multiple processes cannot double-fire; a cache outage
// degrades to the persisted lastTriggered timestamp.
func (r *Router) acquireCooldown(ctx context.Context, tenantID string, rule *domain.NotificationRule) bool {
	if rule.CooldownMinutes <= 0 {
		return true
	}
	window := time.Duration(rule.CooldownMinutes) * time.Minute

	if r.cache != nil {
		acquired, err := r.cache.AcquireCooldown(ctx, tenantID, "notify:"+rule.ID, window)
		if err == nil {
			return acquired
		}
		r.logger.Warn("cooldown cache unavailable, using lastTriggered",
			"rule_id", rule.ID, "error", err)
	}

	if rule.LastTriggered != nil && time.Since(*rule.LastTriggered) < window {
		return false
	}
	return true
}
