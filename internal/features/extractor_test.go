package features

import (
	"testing"
	"time"

	"github.com/clickguard/kestrel/internal/domain"
)

func sampleEvent() *domain.TrafficEvent {
	return &domain.TrafficEvent{
		ID:        "ev-1",
		Type:      "click",
		IP:        "203.0.113.5",
		Country:   "US",
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36",
		Referer:   "https://www.google.com/search",
		Timestamp: time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC), // Monday afternoon
	}
}

func TestExtractProducesFullNormalizedVector(t *testing.T) {
	x := NewExtractor()
	features := x.Extract(sampleEvent())

	if len(features) != len(domain.FeatureNames) {
		t.Fatalf("expected %d features, got %d", len(domain.FeatureNames), len(features))
	}
	for _, name := range domain.FeatureNames {
		v, ok := features[name]
		if !ok {
			t.Errorf("missing feature %s", name)
			continue
		}
		if v < 0 || v > 1 {
			t.Errorf("feature %s = %.3f outside [0,1]", name, v)
		}
	}
}

func TestExtractIsDeterministic(t *testing.T) {
	x := NewExtractor()
	event := sampleEvent()

	first := x.Extract(event)
	second := x.Extract(event)

	for name, v := range first {
		if second[name] != v {
			t.Errorf("feature %s not deterministic: %.6f vs %.6f", name, v, second[name])
		}
	}
}

func TestGeoRiskTiers(t *testing.T) {
	if geoRisk("CN") <= geoRisk("IN") {
		t.Error("expected high-risk tier above medium-risk tier")
	}
	if geoRisk("IN") <= geoRisk("DE") {
		t.Error("expected medium-risk tier above low-risk tier")
	}
	if geoRisk("") <= geoRisk("DE") {
		t.Error("expected missing country to be riskier than a known low-risk one")
	}
}

func TestDeviceSuspicion(t *testing.T) {
	if deviceSuspicion("") != 1.0 {
		t.Error("expected empty user agent to be maximally suspicious")
	}
	if deviceSuspicion("curl/8.1") <= deviceSuspicion("Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) Safari/605.1") {
		t.Error("expected bot signature to outrank a normal browser UA")
	}
}

func TestTimeOfDayRisk(t *testing.T) {
	night := time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC)
	day := time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)
	if timeOfDayRisk(night) <= timeOfDayRisk(day) {
		t.Error("expected 02:00-06:00 window to be riskier than daytime")
	}
}

func TestDayOfWeekRisk(t *testing.T) {
	saturday := time.Date(2025, 6, 7, 12, 0, 0, 0, time.UTC)
	tuesday := time.Date(2025, 6, 3, 12, 0, 0, 0, time.UTC)
	if dayOfWeekRisk(saturday) <= dayOfWeekRisk(tuesday) {
		t.Error("expected weekend to be riskier than weekday")
	}
}

func TestEntropyRisk(t *testing.T) {
	// Repetitive string has low entropy, so high risk.
	low := entropyRisk("aaaaaaaaaaaaaaaaaaaa")
	normal := entropyRisk("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 Chrome/120.0")
	if low <= normal {
		t.Errorf("expected low-entropy UA (%.3f) to outrank normal UA (%.3f)", low, normal)
	}
	if entropyRisk("") != 1.0 {
		t.Error("expected empty UA to score 1.0")
	}
}

func TestRefererRisk(t *testing.T) {
	if refererRisk("https://www.google.com/") >= refererRisk("") {
		t.Error("expected trusted referer below blank referer")
	}
	if refererRisk("http://localhost:3000/") <= refererRisk("https://example.org/") {
		t.Error("expected localhost referer to be riskier than an unknown domain")
	}
}

func TestClickRateSaturation(t *testing.T) {
	event := sampleEvent()
	event.Metadata = map[string]interface{}{"click_count": float64(500)}

	x := NewExtractor()
	features := x.Extract(event)
	if features["click_rate"] != 1.0 {
		t.Errorf("expected saturated click_rate 1.0, got %.3f", features["click_rate"])
	}
}

func TestVectorOrder(t *testing.T) {
	x := NewExtractor()
	features := x.Extract(sampleEvent())
	vec := Vector(features)

	if len(vec) != len(domain.FeatureNames) {
		t.Fatalf("expected %d entries, got %d", len(domain.FeatureNames), len(vec))
	}
	for i, name := range domain.FeatureNames {
		if vec[i] != features[name] {
			t.Errorf("position %d (%s) mismatch", i, name)
		}
	}
}
