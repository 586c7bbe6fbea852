// Package scoring applies weighted-linear fraud models to feature vectors
// and manages the trained model registry.
package scoring

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clickguard/kestrel/internal/domain"
)

const activeModelCacheKey = "scoring:active-model"

// fallbackWeights is the safety-net rule-based combination used when no
// trained model is active. It must never be empty: the pipeline always
// produces a score.
var fallbackWeights = map[string]float64{
	"ip_reputation":    0.15,
	"click_rate":       0.15,
	"conversion_rate":  0.10,
	"geo_risk":         0.12,
	"device_suspicion": 0.15,
	"time_of_day_risk": 0.05,
	"day_of_week_risk": 0.03,
	"ua_entropy":       0.10,
	"referer_trust":    0.08,
	"click_pattern":    0.07,
}

// Scorer predicts fraud likelihood from feature vectors. The active model
// pointer is the one piece of shared mutable state; it is swapped only
// after the durable activation write succeeds.
type Scorer struct {
	mu       sync.RWMutex
	active   *domain.FraudModel
	fallback map[string]float64

	repo  domain.Repository
	cache domain.Cache
}

// NewScorer creates a scorer with the fallback weight map loaded.
func NewScorer(repo domain.Repository, cache domain.Cache) *Scorer {
	fb := make(map[string]float64, len(fallbackWeights))
	for k, v := range fallbackWeights {
		fb[k] = v
	}
	return &Scorer{
		fallback: fb,
		repo:     repo,
		cache:    cache,
	}
}

// LoadActive loads the active model from the store into the scorer cache.
// A store without an active model leaves the fallback in effect.
func (s *Scorer) LoadActive(ctx context.Context, tenantID string) error {
	if s.repo == nil {
		return nil
	}

	models, err := s.repo.ListModels(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("failed to list models: %w", err)
	}

	for _, m := range models {
		if m.IsActive {
			s.mu.Lock()
			s.active = m
			s.mu.Unlock()
			return nil
		}
	}
	return nil
}

// ActiveModel returns the currently active model, or nil when the scorer
// is running on the fallback weights.
func (s *Scorer) ActiveModel() *domain.FraudModel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Predict scores a feature vector. When model is nil the active model is
// used; with no active model the fallback weights apply. Prediction never
// fails: unknown features contribute nothing.
func (s *Scorer) Predict(features map[string]float64, model *domain.FraudModel) *domain.Prediction {
	weights := s.fallbackSnapshot()
	modelID := ""

	if model == nil {
		model = s.ActiveModel()
	}
	if model != nil && len(model.Weights) > 0 {
		weights = model.Weights
		modelID = model.ID
	}

	score := 0.0
	contributions := make([]domain.FeatureContribution, 0, len(weights))
	for feature, weight := range weights {
		value, ok := features[feature]
		if !ok {
			continue
		}
		c := value * weight
		score += c
		contributions = append(contributions, domain.FeatureContribution{
			Feature:      feature,
			Value:        value,
			Weight:       weight,
			Contribution: c,
			Reason:       contributionReason(feature, value),
		})
	}

	score = clamp(score)

	sort.Slice(contributions, func(i, j int) bool {
		return contributions[i].Contribution > contributions[j].Contribution
	})
	if len(contributions) > 5 {
		contributions = contributions[:5]
	}

	return &domain.Prediction{
		Score:       score,
		Prediction:  score > 0.5,
		Confidence:  math.Abs(score-0.5) * 2,
		RiskLevel:   domain.RiskLevelFor(score),
		Explanation: contributions,
		ModelID:     modelID,
	}
}

// Activate atomically activates a model: the durable write deactivates
// every other model and activates the target; the in-memory model is
// swapped only after the write succeeds.
func (s *Scorer) Activate(ctx context.Context, tenantID, modelID string) (*domain.FraudModel, error) {
	if s.repo == nil {
		return nil, fmt.Errorf("repository is required for model activation")
	}

	model, err := s.repo.GetModel(ctx, tenantID, modelID)
	if err != nil {
		return nil, err
	}

	if err := s.repo.ActivateModel(ctx, tenantID, modelID); err != nil {
		return nil, fmt.Errorf("failed to activate model %s: %w", modelID, err)
	}

	now := time.Now().UTC()
	model.IsActive = true
	model.DeployedAt = &now

	s.mu.Lock()
	s.active = model
	s.mu.Unlock()

	if s.cache != nil {
		_ = s.cache.Set(ctx, tenantID, activeModelCacheKey, []byte(modelID), 0)
	}

	return model, nil
}

// UpdateThresholds nudges the fallback weight map by bounded deltas.
// Each adjusted weight is clamped to [0,1]. Used for operator tuning
// without retraining.
func (s *Scorer) UpdateThresholds(deltas map[string]float64) map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	for feature, delta := range deltas {
		current, ok := s.fallback[feature]
		if !ok {
			continue
		}
		if delta > 0.2 {
			delta = 0.2
		}
		if delta < -0.2 {
			delta = -0.2
		}
		s.fallback[feature] = clamp(current + delta)
	}

	snapshot := make(map[string]float64, len(s.fallback))
	for k, v := range s.fallback {
		snapshot[k] = v
	}
	return snapshot
}

// Record persists the prediction audit row for an event.
func (s *Scorer) Record(ctx context.Context, tenantID string, event *domain.TrafficEvent, features map[string]float64, pred *domain.Prediction) (*domain.FraudPrediction, error) {
	record := &domain.FraudPrediction{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		ModelID:     pred.ModelID,
		ClickID:     event.ClickID,
		Features:    features,
		Score:       pred.Score,
		Prediction:  pred.Prediction,
		Confidence:  pred.Confidence,
		RiskLevel:   pred.RiskLevel,
		Explanation: pred.Explanation,
		CreatedAt:   time.Now().UTC(),
	}

	if s.repo != nil {
		if err := s.repo.SavePrediction(ctx, tenantID, record); err != nil {
			return nil, err
		}
	}
	return record, nil
}

func (s *Scorer) fallbackSnapshot() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := make(map[string]float64, len(s.fallback))
	for k, v := range s.fallback {
		snapshot[k] = v
	}
	return snapshot
}

func contributionReason(feature string, value float64) string {
	level := "low"
	switch {
	case value >= 0.7:
		level = "high"
	case value >= 0.4:
		level = "elevated"
	}
	return fmt.Sprintf("%s signal is %s (%.2f)", feature, level, value)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
