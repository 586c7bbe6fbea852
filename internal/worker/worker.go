// Package worker provides async job processing for the fraud pipeline.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/clickguard/kestrel/internal/actions"
	"github.com/clickguard/kestrel/internal/domain"
	"github.com/clickguard/kestrel/internal/features"
	"github.com/clickguard/kestrel/internal/notify"
	"github.com/clickguard/kestrel/internal/rules"
	"github.com/clickguard/kestrel/internal/scoring"
	"github.com/clickguard/kestrel/internal/velocity"
	"github.com/clickguard/kestrel/internal/webhook"
)

const (
	// maxPostbackAttempts caps the coarse postback retry layer. Postbacks
	// target partner-owned endpoints, so they get fewer, slower retries
	// than webhook deliveries.
	maxPostbackAttempts = 3

	postbackTimeout = 10 * time.Second

	// alertRetention is how long resolved monitoring alerts are kept
	// before the cleanup tick purges them.
	alertRetention = 7 * 24 * time.Hour

	cleanupInterval = time.Hour
)

// Pipeline runs one traffic event through the full evaluation chain:
// velocity annotation, feature extraction, rule matching, scoring,
// action execution and event emission.
type Pipeline struct {
	repo      domain.Repository
	engine    *rules.Engine
	extractor *features.Extractor
	velocity  *velocity.Service
	scorer    *scoring.Scorer
	executor  *actions.Executor
	router    *notify.Router
	webhooks  *webhook.Manager
	logger    *slog.Logger
}

// NewPipeline creates an evaluation pipeline.
func NewPipeline(
	repo domain.Repository,
	engine *rules.Engine,
	extractor *features.Extractor,
	vel *velocity.Service,
	scorer *scoring.Scorer,
	executor *actions.Executor,
	router *notify.Router,
	webhooks *webhook.Manager,
	logger *slog.Logger,
) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		repo:      repo,
		engine:    engine,
		extractor: extractor,
		velocity:  vel,
		scorer:    scorer,
		executor:  executor,
		router:    router,
		webhooks:  webhooks,
		logger:    logger,
	}
}

// CheckResult is the outcome of one pipeline evaluation.
type CheckResult struct {
	Event        *domain.TrafficEvent   `json:"event"`
	Prediction   *domain.Prediction     `json:"prediction"`
	MatchedRules []string               `json:"matchedRules"`
	Blocked      bool                   `json:"blocked"`
	Actions      []actions.ActionResult `json:"actions,omitempty"`
}

// Evaluate runs the full fraud check for one event. The event is
// persisted first so rule and velocity lookups observe it.
func (p *Pipeline) Evaluate(ctx context.Context, tenantID string, event *domain.TrafficEvent) (*CheckResult, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	start := time.Now()

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	event.TenantID = tenantID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = event.Timestamp
	}

	if err := p.repo.SaveEvent(ctx, tenantID, event); err != nil {
		return nil, fmt.Errorf("failed to save event: %w", err)
	}

	// Velocity counts feed the rate features via event metadata.
	if p.velocity != nil {
		p.velocity.Annotate(ctx, tenantID, event)
	}

	feats := p.extractor.Extract(event)
	matches := p.engine.MatchAll(tenantID, event.Record())

	pred := p.scorer.Predict(feats, p.scorer.ActiveModel())

	if _, err := p.scorer.Record(ctx, tenantID, event, feats, pred); err != nil {
		p.logger.Error("failed to record prediction",
			"event_id", event.ID,
			"error", err,
		)
	}

	result := &CheckResult{
		Event:      event,
		Prediction: pred,
	}

	for _, m := range matches {
		if !m.Matched {
			continue
		}
		result.MatchedRules = append(result.MatchedRules, m.Rule.ID)

		acted := p.executor.Execute(ctx, tenantID, m.Rule, event, true)
		result.Actions = append(result.Actions, acted...)
		for _, a := range acted {
			if a.Type == domain.ActionBlock && a.Success {
				result.Blocked = true
			}
		}
	}

	p.emit(ctx, tenantID, event, result)

	p.logger.Info("event evaluated",
		"event_id", event.ID,
		"tenant_id", tenantID,
		"type", event.Type,
		"score", pred.Score,
		"risk_level", pred.RiskLevel,
		"matched_rules", len(result.MatchedRules),
		"blocked", result.Blocked,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return result, nil
}

// emit routes pipeline outcomes to notification rules and webhook
// endpoints. Emission failures never fail the evaluation.
func (p *Pipeline) emit(ctx context.Context, tenantID string, event *domain.TrafficEvent, result *CheckResult) {
	var events []*domain.DomainEvent

	if result.Blocked || result.Prediction.Prediction {
		events = append(events, &domain.DomainEvent{
			Type:     domain.EventFraudDetected,
			TenantID: tenantID,
			Severity: result.Prediction.RiskLevel,
			Value:    result.Prediction.Score,
			Data: map[string]interface{}{
				"event_id":   event.ID,
				"click_id":   event.ClickID,
				"partner_id": event.PartnerID,
				"ip":         event.IP,
				"rules":      result.MatchedRules,
			},
			Timestamp: time.Now().UTC(),
		})
	}

	if result.Blocked {
		events = append(events, &domain.DomainEvent{
			Type:     domain.EventUserBlocked,
			TenantID: tenantID,
			Severity: "high",
			Data: map[string]interface{}{
				"event_id":   event.ID,
				"partner_id": event.PartnerID,
				"ip":         event.IP,
			},
			Timestamp: time.Now().UTC(),
		})
	}

	if event.Type == "conversion" {
		events = append(events, &domain.DomainEvent{
			Type:     domain.EventConversionCreated,
			TenantID: tenantID,
			Severity: "low",
			Data: map[string]interface{}{
				"event_id": event.ID,
				"click_id": event.ClickID,
				"offer_id": event.OfferID,
			},
			Timestamp: time.Now().UTC(),
		})
	}

	for _, de := range events {
		if p.router != nil {
			p.router.Emit(de)
		}
		if p.webhooks != nil {
			if err := p.webhooks.Dispatch(ctx, tenantID, de); err != nil {
				p.logger.Error("webhook dispatch failed",
					"event_type", de.Type,
					"error", err,
				)
			}
		}
	}
}

// Worker consumes queued fraud-check and postback jobs from the EventBus
// with fixed per-queue concurrency.
type Worker struct {
	bus      domain.EventBus
	repo     domain.Repository
	pipeline *Pipeline
	client   *http.Client
	logger   *slog.Logger
	cfg      domain.PipelineConfig

	subscriptions []domain.Subscription
	fraudJobs     chan *domain.Message
	postbackJobs  chan *domain.Message
	webhookJobs   chan *domain.Message
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a new async worker over the given pipeline.
func NewWorker(bus domain.EventBus, repo domain.Repository, pipeline *Pipeline, cfg domain.PipelineConfig, logger *slog.Logger) *Worker {
	if cfg.FraudWorkers <= 0 {
		cfg.FraudWorkers = 5
	}
	if cfg.PostbackWorkers <= 0 {
		cfg.PostbackWorkers = 3
	}
	if cfg.WebhookWorkers <= 0 {
		cfg.WebhookWorkers = 3
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:          bus,
		repo:         repo,
		pipeline:     pipeline,
		client:       &http.Client{Timeout: postbackTimeout},
		logger:       logger,
		cfg:          cfg,
		fraudJobs:    make(chan *domain.Message, cfg.FraudWorkers*4),
		postbackJobs: make(chan *domain.Message, cfg.PostbackWorkers*4),
		webhookJobs:  make(chan *domain.Message, cfg.WebhookWorkers*4),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start subscribes the job queues for the given tenants and spawns the
// fixed worker pools.
func (w *Worker) Start(tenantIDs []string) error {
	for _, tenantID := range tenantIDs {
		if err := w.subscribeTenant(tenantID); err != nil {
			w.logger.Error("failed to subscribe tenant queues",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}

		w.wg.Add(1)
		go w.cleanupLoop(tenantID)
	}

	for i := 0; i < w.cfg.FraudWorkers; i++ {
		w.wg.Add(1)
		go w.fraudLoop()
	}
	for i := 0; i < w.cfg.PostbackWorkers; i++ {
		w.wg.Add(1)
		go w.postbackLoop()
	}
	for i := 0; i < w.cfg.WebhookWorkers; i++ {
		w.wg.Add(1)
		go w.webhookLoop()
	}

	w.logger.Info("workers started",
		"tenant_count", len(tenantIDs),
		"fraud_workers", w.cfg.FraudWorkers,
		"postback_workers", w.cfg.PostbackWorkers,
		"webhook_workers", w.cfg.WebhookWorkers,
	)

	return nil
}

func (w *Worker) subscribeTenant(tenantID string) error {
	fraudSub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicFraudCheck, func(ctx context.Context, msg *domain.Message) error {
		select {
		case w.fraudJobs <- msg:
		case <-w.ctx.Done():
		}
		return nil
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, fraudSub)

	postbackSub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicPostbackDeliver, func(ctx context.Context, msg *domain.Message) error {
		select {
		case w.postbackJobs <- msg:
		case <-w.ctx.Done():
		}
		return nil
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, postbackSub)

	webhookSub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicWebhookDeliver, func(ctx context.Context, msg *domain.Message) error {
		select {
		case w.webhookJobs <- msg:
		case <-w.ctx.Done():
		}
		return nil
	})
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, webhookSub)

	return nil
}

func (w *Worker) fraudLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case msg := <-w.fraudJobs:
			if msg == nil {
				return
			}
			if err := w.processFraudCheck(w.ctx, msg); err != nil {
				w.logger.Error("fraud check job failed",
					"message_id", msg.ID,
					"tenant_id", msg.TenantID,
					"error", err,
				)
			}
		}
	}
}

func (w *Worker) postbackLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case msg := <-w.postbackJobs:
			if msg == nil {
				return
			}
			if err := w.processPostback(w.ctx, msg); err != nil {
				w.logger.Error("postback job failed",
					"message_id", msg.ID,
					"tenant_id", msg.TenantID,
					"error", err,
				)
			}
		}
	}
}

func (w *Worker) webhookLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case msg := <-w.webhookJobs:
			if msg == nil {
				return
			}
			if err := w.processWebhook(w.ctx, msg); err != nil {
				w.logger.Error("webhook delivery job failed",
					"message_id", msg.ID,
					"tenant_id", msg.TenantID,
					"error", err,
				)
			}
		}
	}
}

// processFraudCheck runs a queued traffic event through the pipeline.
func (w *Worker) processFraudCheck(ctx context.Context, msg *domain.Message) error {
	var event domain.TrafficEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return fmt.Errorf("failed to parse fraud check payload: %w", err)
	}

	_, err := w.pipeline.Evaluate(ctx, msg.TenantID, &event)
	return err
}

// processWebhook runs one queued webhook delivery attempt. Retries are
// re-published by the manager itself, so a failed attempt is not a job
// failure here.
func (w *Worker) processWebhook(ctx context.Context, msg *domain.Message) error {
	if w.pipeline == nil || w.pipeline.webhooks == nil {
		return fmt.Errorf("no webhook manager configured")
	}

	var d webhook.Delivery
	if err := json.Unmarshal(msg.Payload, &d); err != nil {
		return fmt.Errorf("failed to parse webhook delivery payload: %w", err)
	}
	if d.TenantID == "" {
		d.TenantID = msg.TenantID
	}

	w.pipeline.webhooks.Deliver(ctx, &d)
	return nil
}

// PostbackJob is a partner postback delivery request.
type PostbackJob struct {
	URL        string            `json:"url"`
	ClickID    string            `json:"clickId,omitempty"`
	Params     map[string]string `json:"params"`
	RetryCount int               `json:"retryCount"`
}

// processPostback POSTs the partner-defined parameter map. Failed jobs
// re-enqueue themselves with exponential backoff, 2^retryCount minutes,
// up to maxPostbackAttempts total attempts.
func (w *Worker) processPostback(ctx context.Context, msg *domain.Message) error {
	var job PostbackJob
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		return fmt.Errorf("failed to parse postback payload: %w", err)
	}
	if job.URL == "" {
		return fmt.Errorf("postback job has no url")
	}

	err := w.deliverPostback(ctx, &job)
	if err == nil {
		w.logger.Info("postback delivered",
			"url", job.URL,
			"click_id", job.ClickID,
			"attempt", job.RetryCount+1,
		)
		return nil
	}

	if job.RetryCount+1 >= maxPostbackAttempts {
		w.logger.Error("postback abandoned",
			"url", job.URL,
			"click_id", job.ClickID,
			"attempts", job.RetryCount+1,
			"error", err,
		)
		w.raisePostbackAlert(ctx, msg.TenantID, &job, err)
		return nil
	}

	retry := job
	retry.RetryCount = job.RetryCount + 1
	delay := (1 << retry.RetryCount) * time.Minute

	payload, merr := json.Marshal(&retry)
	if merr != nil {
		return merr
	}

	w.logger.Warn("postback failed, scheduling retry",
		"url", job.URL,
		"click_id", job.ClickID,
		"retry_count", retry.RetryCount,
		"delay", delay,
		"error", err,
	)

	return w.bus.PublishDelayed(ctx, msg.TenantID, domain.TopicPostbackDeliver, payload, delay.Milliseconds())
}

func (w *Worker) deliverPostback(ctx context.Context, job *PostbackJob) error {
	body, err := json.Marshal(job.Params)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDelivery, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: postback returned status %d", domain.ErrDelivery, resp.StatusCode)
	}

	return nil
}

func (w *Worker) raisePostbackAlert(ctx context.Context, tenantID string, job *PostbackJob, sendErr error) {
	if w.repo == nil {
		return
	}

	alert := &domain.MonitoringAlert{
		ID:       uuid.New().String(),
		TenantID: tenantID,
		Type:     "error",
		Source:   "postback",
		Message:  fmt.Sprintf("postback to %s abandoned after %d attempts", job.URL, maxPostbackAttempts),
		Details: map[string]interface{}{
			"url":      job.URL,
			"click_id": job.ClickID,
			"error":    sendErr.Error(),
		},
		Severity:  "medium",
		Timestamp: time.Now().UTC(),
	}

	if err := w.repo.SaveAlert(ctx, tenantID, alert); err != nil {
		w.logger.Error("failed to save postback alert",
			"url", job.URL,
			"error", err,
		)
	}
}

// cleanupLoop periodically purges resolved monitoring alerts past
// retention.
func (w *Worker) cleanupLoop(tenantID string) {
	defer w.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.purgeAlerts(tenantID)
		}
	}
}

func (w *Worker) purgeAlerts(tenantID string) {
	if w.repo == nil {
		return
	}

	cutoff := time.Now().UTC().Add(-alertRetention)
	purged, err := w.repo.PurgeResolvedAlerts(w.ctx, tenantID, cutoff)
	if err != nil {
		w.logger.Error("alert purge failed",
			"tenant_id", tenantID,
			"error", err,
		)
		return
	}
	if purged > 0 {
		w.logger.Info("purged resolved alerts",
			"tenant_id", tenantID,
			"count", purged,
		)
	}
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.cancel()
	w.wg.Wait()

	w.logger.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	QueuedFraudJobs   int      `json:"queuedFraudJobs"`
	QueuedPostbacks   int      `json:"queuedPostbacks"`
	QueuedWebhooks    int      `json:"queuedWebhooks"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		QueuedFraudJobs:   len(w.fraudJobs),
		QueuedPostbacks:   len(w.postbackJobs),
		QueuedWebhooks:    len(w.webhookJobs),
	}
}
