package domain

import "time"

// FeatureNames is the fixed, ordered feature vector layout produced by the
// feature extractor and consumed by every scoring model.
var FeatureNames = []string{
	"ip_reputation",
	"click_rate",
	"conversion_rate",
	"geo_risk",
	"device_suspicion",
	"time_of_day_risk",
	"day_of_week_risk",
	"ua_entropy",
	"referer_trust",
	"click_pattern",
}

// ModelMetrics is a snapshot of a model's measured quality.
type ModelMetrics struct {
	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1Score   float64 `json:"f1Score"`
}

// FraudModel is a trained weighted-linear scoring model. Exactly one model
// is active system-wide at any time.
type FraudModel struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenantId"`
	Name      string `json:"name"`
	Version   string `json:"version"`
	Algorithm string `json:"algorithm"` // "weighted_linear"

	// Features is the ordered feature-name list the weights apply to.
	Features []string `json:"features"`

	// Weights maps feature name -> [0,1]; normalized to sum to 1 on training.
	Weights map[string]float64 `json:"weights"`

	Metrics  ModelMetrics `json:"metrics"`
	IsActive bool         `json:"isActive"`

	TrainedOn  int        `json:"trainedOn"` // sample count
	CreatedAt  time.Time  `json:"createdAt"`
	DeployedAt *time.Time `json:"deployedAt,omitempty"`
}

// FeatureContribution explains one feature's share of a score.
type FeatureContribution struct {
	Feature      string  `json:"feature"`
	Value        float64 `json:"value"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
	Reason       string  `json:"reason"`
}

// Prediction is the output of the scoring model for one event.
type Prediction struct {
	Score       float64               `json:"score"`
	Prediction  bool                  `json:"prediction"`
	Confidence  float64               `json:"confidence"`
	RiskLevel   string                `json:"riskLevel"` // low, medium, high, critical
	Explanation []FeatureContribution `json:"explanation"`
	ModelID     string                `json:"modelId,omitempty"`
}

// FraudPrediction is the append-only audit record of a scoring decision.
// ActualOutcome is filled later via feedback and used to measure drift.
type FraudPrediction struct {
	ID            string             `json:"id"`
	TenantID      string             `json:"tenantId"`
	ModelID       string             `json:"modelId"`
	ClickID       string             `json:"clickId"`
	Features      map[string]float64 `json:"features"`
	Score         float64            `json:"score"`
	Prediction    bool               `json:"prediction"`
	Confidence    float64            `json:"confidence"`
	RiskLevel     string             `json:"riskLevel"`
	Explanation   []FeatureContribution `json:"explanation,omitempty"`
	ActualOutcome *bool              `json:"actualOutcome,omitempty"`
	CreatedAt     time.Time          `json:"createdAt"`
}

// TrainingSample is one labeled example for model training.
type TrainingSample struct {
	Features map[string]float64 `json:"features"`
	IsFraud  bool               `json:"isFraud"`
}

// Risk level buckets derived from the fraud score.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// RiskLevelFor buckets a clamped [0,1] score into a risk tier.
func RiskLevelFor(score float64) string {
	switch {
	case score < 0.25:
		return RiskLow
	case score < 0.5:
		return RiskMedium
	case score < 0.75:
		return RiskHigh
	default:
		return RiskCritical
	}
}
