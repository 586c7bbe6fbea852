package scoring

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/clickguard/kestrel/internal/domain"
)

// MinTrainingSamples is the floor below which training is rejected.
const MinTrainingSamples = 100

// Train fits a weighted-linear model on labeled samples. Per-feature weights
// are point-biserial correlations between the feature and the fraud label,
// with absolute values normalized to sum to 1. The model is persisted
// inactive; activation is a separate explicit step.
func (s *Scorer) Train(ctx context.Context, tenantID, name string, samples []domain.TrainingSample) (*domain.FraudModel, error) {
	if len(samples) < MinTrainingSamples {
		return nil, fmt.Errorf("%w: training requires at least %d samples, got %d",
			domain.ErrValidation, MinTrainingSamples, len(samples))
	}

	weights := correlationWeights(samples)
	if len(weights) == 0 {
		return nil, fmt.Errorf("%w: samples carry no usable features", domain.ErrValidation)
	}

	metrics := evaluateWeights(weights, samples)

	model := &domain.FraudModel{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Name:      name,
		Version:   time.Now().UTC().Format("20060102-150405"),
		Algorithm: "weighted_linear",
		Features:  append([]string(nil), domain.FeatureNames...),
		Weights:   weights,
		Metrics:   metrics,
		TrainedOn: len(samples),
		IsActive:  false,
		CreatedAt: time.Now().UTC(),
	}

	if s.repo != nil {
		if err := s.repo.SaveModel(ctx, tenantID, model); err != nil {
			return nil, fmt.Errorf("failed to save trained model: %w", err)
		}
	}
	return model, nil
}

// correlationWeights computes per-feature point-biserial correlations and
// normalizes their absolute values so the weights sum to 1.
func correlationWeights(samples []domain.TrainingSample) map[string]float64 {
	correlations := make(map[string]float64)
	for _, name := range domain.FeatureNames {
		correlations[name] = pointBiserial(samples, name)
	}

	total := 0.0
	for _, c := range correlations {
		total += math.Abs(c)
	}
	weights := make(map[string]float64, len(correlations))
	if total == 0 {
		// degenerate labels or constant features: fall back to uniform
		uniform := 1.0 / float64(len(correlations))
		for name := range correlations {
			weights[name] = uniform
		}
		return weights
	}
	for name, c := range correlations {
		weights[name] = math.Abs(c) / total
	}
	return weights
}

// pointBiserial correlates a continuous feature against the binary fraud
// label: (mean1 - mean0) / stddev * sqrt(p*q).
func pointBiserial(samples []domain.TrainingSample, feature string) float64 {
	var sum, sum1, sum0 float64
	var n1, n0 int
	for _, s := range samples {
		v := s.Features[feature]
		sum += v
		if s.IsFraud {
			sum1 += v
			n1++
		} else {
			sum0 += v
			n0++
		}
	}
	n := len(samples)
	if n1 == 0 || n0 == 0 {
		return 0
	}

	mean := sum / float64(n)
	variance := 0.0
	for _, s := range samples {
		d := s.Features[feature] - mean
		variance += d * d
	}
	stddev := math.Sqrt(variance / float64(n))
	if stddev == 0 {
		return 0
	}

	mean1 := sum1 / float64(n1)
	mean0 := sum0 / float64(n0)
	p := float64(n1) / float64(n)
	q := float64(n0) / float64(n)
	return (mean1 - mean0) / stddev * math.Sqrt(p*q)
}

// evaluateWeights replays the training set through the candidate weights and
// records the confusion-matrix metrics at the 0.5 cut.
func evaluateWeights(weights map[string]float64, samples []domain.TrainingSample) domain.ModelMetrics {
	var tp, fp, tn, fn int
	for _, s := range samples {
		score := 0.0
		for feature, w := range weights {
			score += s.Features[feature] * w
		}
		predicted := clamp(score) > 0.5
		switch {
		case predicted && s.IsFraud:
			tp++
		case predicted && !s.IsFraud:
			fp++
		case !predicted && !s.IsFraud:
			tn++
		default:
			fn++
		}
	}

	total := float64(len(samples))
	metrics := domain.ModelMetrics{
		Accuracy: float64(tp+tn) / total,
	}
	if tp+fp > 0 {
		metrics.Precision = float64(tp) / float64(tp+fp)
	}
	if tp+fn > 0 {
		metrics.Recall = float64(tp) / float64(tp+fn)
	}
	if metrics.Precision+metrics.Recall > 0 {
		metrics.F1Score = 2 * metrics.Precision * metrics.Recall / (metrics.Precision + metrics.Recall)
	}
	return metrics
}

// RecordFeedback fills in the actual outcome for a past prediction and
// returns the running accuracy of its model over labeled predictions.
func (s *Scorer) RecordFeedback(ctx context.Context, tenantID, predictionID string, actual bool) error {
	if s.repo == nil {
		return fmt.Errorf("repository is required for feedback")
	}
	if err := s.repo.RecordPredictionOutcome(ctx, tenantID, predictionID, actual); err != nil {
		return fmt.Errorf("failed to record prediction outcome: %w", err)
	}
	return nil
}
