package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TrafficEvent represents an incoming click or conversion to be evaluated.
type TrafficEvent struct {
	// Core identifiers
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	// Event type: "click" or "conversion"
	Type string `json:"type"`

	// Attribution
	ClickID   string `json:"clickId"`
	PartnerID string `json:"partnerId"`
	OfferID   string `json:"offerId"`

	// Request attributes
	IP         string `json:"ip"`
	Country    string `json:"country"`
	UserAgent  string `json:"userAgent"`
	Referer    string `json:"referer"`
	DeviceType string `json:"deviceType"`
	Browser    string `json:"browser"`

	// Temporal
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`

	// Optional metadata (sub IDs, landing page, etc.)
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Record flattens the event into a field -> value map for condition
// evaluation. Metadata keys are merged in without overriding core fields.
func (e *TrafficEvent) Record() map[string]string {
	rec := map[string]string{
		"ip":          e.IP,
		"country":     e.Country,
		"user_agent":  e.UserAgent,
		"referer":     e.Referer,
		"device_type": e.DeviceType,
		"browser":     e.Browser,
		"type":        e.Type,
		"click_id":    e.ClickID,
		"partner_id":  e.PartnerID,
		"offer_id":    e.OfferID,
	}
	for k, v := range e.Metadata {
		if _, exists := rec[k]; exists {
			continue
		}
		rec[k] = toString(v)
	}
	return rec
}

// toString coerces metadata values to their string form.
func toString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(val))
	}
}

// EventRequest is the API request payload for event ingestion.
type EventRequest struct {
	Type       string                 `json:"type"`
	ClickID    string                 `json:"clickId"`
	PartnerID  string                 `json:"partnerId"`
	OfferID    string                 `json:"offerId"`
	IP         string                 `json:"ip"`
	Country    string                 `json:"country"`
	UserAgent  string                 `json:"userAgent"`
	Referer    string                 `json:"referer"`
	DeviceType string                 `json:"deviceType"`
	Browser    string                 `json:"browser"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// ToEvent converts a request to a TrafficEvent domain object.
func (r *EventRequest) ToEvent() *TrafficEvent {
	now := time.Now().UTC()
	return &TrafficEvent{
		Type:       r.Type,
		ClickID:    r.ClickID,
		PartnerID:  r.PartnerID,
		OfferID:    r.OfferID,
		IP:         r.IP,
		Country:    r.Country,
		UserAgent:  r.UserAgent,
		Referer:    r.Referer,
		DeviceType: r.DeviceType,
		Browser:    r.Browser,
		Timestamp:  now,
		CreatedAt:  now,
		Metadata:   r.Metadata,
	}
}
