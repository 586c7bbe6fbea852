// Package features derives the normalized feature vector used by the
// scoring model from a raw traffic event.
package features

import (
	"math"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/clickguard/kestrel/internal/domain"
)

// Country risk tiers. Geo risk is a static lookup, not a GeoIP database:
// the event record already carries the resolved country code.
var (
	highRiskCountries = map[string]bool{
		"CN": true, "RU": true, "VN": true, "PK": true, "BD": true,
		"NG": true, "ID": true, "UA": true, "KP": true,
	}
	mediumRiskCountries = map[string]bool{
		"IN": true, "BR": true, "TR": true, "EG": true, "PH": true,
		"TH": true, "MX": true, "RO": true,
	}
)

// Domains whose referers are considered trustworthy.
var trustedRefererDomains = []string{
	"google.com", "facebook.com", "instagram.com", "twitter.com",
	"youtube.com", "tiktok.com", "bing.com", "reddit.com",
}

var botUASignatures = []string{
	"bot", "crawl", "spider", "curl", "wget", "python", "scrapy",
	"headless", "phantom", "selenium",
}

// Extractor converts traffic events into fixed-size feature vectors.
// The transform is deterministic and side-effect-free: rate features read
// counts that the velocity service has already annotated onto the event.
type Extractor struct{}

// NewExtractor creates a feature extractor.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// Extract produces the feature vector for an event. Every feature is
// normalized to [0,1]; higher always means more suspicious.
func (x *Extractor) Extract(event *domain.TrafficEvent) map[string]float64 {
	return map[string]float64{
		"ip_reputation":    ipReputation(event.IP),
		"click_rate":       clickRate(event),
		"conversion_rate":  conversionRate(event),
		"geo_risk":         geoRisk(event.Country),
		"device_suspicion": deviceSuspicion(event.UserAgent),
		"time_of_day_risk": timeOfDayRisk(event.Timestamp),
		"day_of_week_risk": dayOfWeekRisk(event.Timestamp),
		"ua_entropy":       entropyRisk(event.UserAgent),
		"referer_trust":    refererRisk(event.Referer),
		"click_pattern":    clickPattern(event),
	}
}

// Vector orders a feature map into the canonical layout.
func Vector(features map[string]float64) []float64 {
	vec := make([]float64, len(domain.FeatureNames))
	for i, name := range domain.FeatureNames {
		vec[i] = features[name]
	}
	return vec
}

// ipReputation is a heuristic on IP class and structure. Private,
// loopback, and unparseable addresses are maximally suspicious for
// public traffic; certain first octets carry elevated risk.
func ipReputation(ip string) float64 {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return 1.0
	}
	if parsed.IsLoopback() || parsed.IsPrivate() || parsed.IsUnspecified() {
		return 0.9
	}

	v4 := parsed.To4()
	if v4 == nil {
		return 0.3 // IPv6: modest baseline
	}

	switch {
	case v4[0] >= 1 && v4[0] <= 9: // frequently spoofed low ranges
		return 0.6
	case v4[0] >= 185 && v4[0] <= 195: // dense hosting/VPN ranges
		return 0.5
	default:
		return 0.2
	}
}

// clickRate reads the annotated click count for the source.
// 50+ clicks in the window saturates the feature.
func clickRate(event *domain.TrafficEvent) float64 {
	count := metadataCount(event, "click_count")
	return clamp(count / 50.0)
}

// conversionRate inverts the conversion ratio: sources that click heavily
// but never convert are suspicious.
func conversionRate(event *domain.TrafficEvent) float64 {
	clicks := metadataCount(event, "click_count")
	conversions := metadataCount(event, "conversion_count")
	if clicks < 10 {
		return 0.3 // not enough signal
	}
	ratio := conversions / clicks
	if ratio > 0.5 {
		return 0.8 // implausibly high conversion rate
	}
	return clamp(1.0 - ratio*10.0)
}

func geoRisk(country string) float64 {
	c := strings.ToUpper(strings.TrimSpace(country))
	switch {
	case c == "":
		return 0.7
	case highRiskCountries[c]:
		return 0.9
	case mediumRiskCountries[c]:
		return 0.5
	default:
		return 0.1
	}
}

// deviceSuspicion scores the user agent: missing or short strings and
// known automation signatures are suspicious.
func deviceSuspicion(userAgent string) float64 {
	ua := strings.TrimSpace(userAgent)
	if ua == "" {
		return 1.0
	}
	if len(ua) < 20 {
		return 0.8
	}

	lower := strings.ToLower(ua)
	for _, sig := range botUASignatures {
		if strings.Contains(lower, sig) {
			return 0.9
		}
	}
	return 0.1
}

// timeOfDayRisk is elevated between 02:00 and 06:00.
func timeOfDayRisk(ts time.Time) float64 {
	hour := ts.UTC().Hour()
	if hour >= 2 && hour < 6 {
		return 0.8
	}
	if hour >= 0 && hour < 2 {
		return 0.5
	}
	return 0.2
}

// dayOfWeekRisk is elevated on weekends.
func dayOfWeekRisk(ts time.Time) float64 {
	switch ts.UTC().Weekday() {
	case time.Saturday, time.Sunday:
		return 0.6
	default:
		return 0.3
	}
}

// entropyRisk computes Shannon entropy over the user agent's characters
// and inverts it: low entropy (repetitive, templated strings) is
// suspicious. Normal user agents score around 4.5-5 bits per character.
func entropyRisk(userAgent string) float64 {
	if userAgent == "" {
		return 1.0
	}

	freq := make(map[rune]float64)
	total := 0.0
	for _, r := range userAgent {
		freq[r]++
		total++
	}

	// Sum in sorted-rune order: map iteration order is randomized, and
	// float summation order must be fixed for the extractor to stay
	// deterministic.
	runes := make([]rune, 0, len(freq))
	for r := range freq {
		runes = append(runes, r)
	}
	slices.Sort(runes)

	entropy := 0.0
	for _, r := range runes {
		p := freq[r] / total
		entropy -= p * math.Log2(p)
	}

	// Invert and normalize against a 5-bit ceiling.
	return clamp(1.0 - entropy/5.0)
}

// refererRisk trusts known domains, penalizes blank and local referers.
func refererRisk(referer string) float64 {
	ref := strings.ToLower(strings.TrimSpace(referer))
	if ref == "" {
		return 0.7
	}
	if strings.Contains(ref, "localhost") || strings.Contains(ref, "127.0.0.1") {
		return 0.9
	}
	for _, trusted := range trustedRefererDomains {
		if strings.Contains(ref, trusted) {
			return 0.1
		}
	}
	return 0.4
}

// clickPattern proxies inter-click timing regularity: sub-second repeat
// intervals annotated by the velocity service indicate automation.
func clickPattern(event *domain.TrafficEvent) float64 {
	intervalMs := metadataCount(event, "min_click_interval_ms")
	if intervalMs <= 0 {
		return 0.3 // no signal
	}
	if intervalMs < 1000 {
		return 0.9
	}
	if intervalMs < 5000 {
		return 0.6
	}
	return 0.1
}

func metadataCount(event *domain.TrafficEvent, key string) float64 {
	if event.Metadata == nil {
		return 0
	}
	switch v := event.Metadata[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
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
