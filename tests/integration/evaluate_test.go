//go:build integration
// +build integration

// Package integration provides end-to-end tests for the Kestrel fraud decision engine.
//
// These tests verify the COMPLETE evaluation pipeline:
//
//	Traffic Event → Rules → Features → Scoring → Actions → Final Decision
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// UNDERSTANDING THE DOMAIN:
//
// 1. TRAFFIC EVENT: A click or conversion attributed to an affiliate partner
//
// 2. RULE: A fraud detection pattern. Each rule has:
//   - Conditions: field/operator/value checks combined with AND/OR logic
//   - Actions: what happens on match (block, flag, score, notify, ...)
//   - Priority: evaluation order when multiple rules match
//
// 3. SCORING: A weighted-linear model over ten normalized features maps
//    each event to a fraud probability and a risk level.
//
// 4. DECISION: blocked=true when any matched rule executed a block action.
//    The prediction rides along even when no rule matched.
//
// REQUIRED RULES (seeded by this suite via POST /rules):
//
// | Rule Name           | What It Checks               | Triggers When  |
// |---------------------|------------------------------|----------------|
// | integration-cn      | Click origin country         | country == CN  |
//
// NOTE: Rules are database-driven. No built-in rules exist.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"
)

// TestConfig holds test environment configuration
type TestConfig struct {
	BaseURL  string
	TenantID string
}

func getTestConfig() TestConfig {
	baseURL := os.Getenv("KESTREL_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return TestConfig{
		BaseURL:  baseURL,
		TenantID: "test-tenant",
	}
}

// ============================================================================
// API Request/Response Types (matching Kestrel's API contract)
// ============================================================================

// CheckRequest is the event sent to POST /events
type CheckRequest struct {
	Type       string         `json:"type"`
	ClickID    string         `json:"clickId,omitempty"`
	PartnerID  string         `json:"partnerId,omitempty"`
	OfferID    string         `json:"offerId,omitempty"`
	IP         string         `json:"ip"`
	Country    string         `json:"country,omitempty"`
	UserAgent  string         `json:"userAgent,omitempty"`
	Referer    string         `json:"referer,omitempty"`
	DeviceType string         `json:"deviceType,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// CheckResponse is what POST /events returns in synchronous mode
type CheckResponse struct {
	Event struct {
		ID      string `json:"id"`
		ClickID string `json:"clickId"`
	} `json:"event"`
	Prediction struct {
		Score      float64 `json:"score"`
		Prediction bool    `json:"prediction"`
		RiskLevel  string  `json:"riskLevel"`
	} `json:"prediction"`
	MatchedRules []string `json:"matchedRules"`
	Blocked      bool     `json:"blocked"`
}

// RuleRequest is the rule payload for POST /rules
type RuleRequest struct {
	Name       string          `json:"name"`
	Type       string          `json:"type"`
	Conditions []ConditionSpec `json:"conditions"`
	Actions    []ActionSpec    `json:"actions"`
	Priority   int             `json:"priority"`
	IsActive   bool            `json:"isActive"`
}

type ConditionSpec struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
	Logic    string `json:"logic,omitempty"`
}

type ActionSpec struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

// ============================================================================
// Test Helper Functions
// ============================================================================

func check(t *testing.T, config TestConfig, req CheckRequest) CheckResponse {
	t.Helper()

	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	httpReq, err := http.NewRequest("POST", config.BaseURL+"/events", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", config.TenantID)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, string(respBody))
	}

	var result CheckResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		t.Fatalf("Failed to unmarshal response: %v (body: %s)", err, string(respBody))
	}

	return result
}

// seedCountryRule installs the CN block rule if it is not already present.
// A 409 from a previous run is fine; the rule is already loaded.
func seedCountryRule(t *testing.T, config TestConfig) {
	t.Helper()

	rule := RuleRequest{
		Name: "integration-cn",
		Type: "country_block",
		Conditions: []ConditionSpec{
			{Field: "country", Operator: "equals", Value: "CN"},
		},
		Actions: []ActionSpec{
			{Type: "block", Params: map[string]any{"severity": "high"}},
		},
		Priority: 50,
		IsActive: true,
	}

	body, _ := json.Marshal(rule)
	httpReq, _ := http.NewRequest("POST", config.BaseURL+"/rules", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", config.TenantID)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Failed to seed rule: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusConflict {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Unexpected status seeding rule: %d: %s", resp.StatusCode, string(body))
	}
}

// ============================================================================
// SCENARIO 1: Clean Click (No Block)
// ============================================================================

func TestCleanClick_Passes(t *testing.T) {
	/*
	   SCENARIO: A regular click from a US residential IP with a normal browser

	   EXPECTED BEHAVIOR:
	   - integration-cn: country (US) != CN → no match
	   - No block action executes

	   FINAL DECISION: blocked=false, event persisted and scored
	*/
	config := getTestConfig()
	seedCountryRule(t, config)

	req := CheckRequest{
		Type:      "click",
		ClickID:   "click-clean-001",
		PartnerID: "partner-001",
		IP:        "198.51.100.10",
		Country:   "US",
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64)",
		Referer:   "https://www.google.com/",
	}

	result := check(t, config, req)

	// ASSERTIONS
	if result.Blocked {
		t.Errorf("Expected clean click to pass, got blocked=true (rules: %v)", result.MatchedRules)
	}

	if result.Event.ID == "" {
		t.Error("Expected event to be persisted with an ID")
	}

	t.Logf("✓ Clean click passed: blocked=%v, score=%.2f, risk=%s",
		result.Blocked, result.Prediction.Score, result.Prediction.RiskLevel)
}

// ============================================================================
// SCENARIO 2: Blocked Country (Rule Match + Block Action)
// ============================================================================

func TestBlockedCountry_ClickBlocked(t *testing.T) {
	/*
	   SCENARIO: A click originating from the blocked country

	   EXPECTED BEHAVIOR:
	   - integration-cn fires (country == CN)
	   - The rule's block action creates an active IP block

	   FINAL DECISION: blocked=true, rule listed in matchedRules
	*/
	config := getTestConfig()
	seedCountryRule(t, config)

	blockedIP := "203.0.113.77"

	req := CheckRequest{
		Type:      "click",
		ClickID:   "click-cn-001",
		PartnerID: "partner-001",
		IP:        blockedIP,
		Country:   "CN",
	}

	result := check(t, config, req)

	if !result.Blocked {
		t.Errorf("Expected CN click to be blocked, got blocked=false")
	}

	if len(result.MatchedRules) == 0 {
		t.Error("Expected at least one matched rule")
	}

	// The block action should have created an active IP block
	httpReq, _ := http.NewRequest("GET", config.BaseURL+"/blocks/ip/"+blockedIP, nil)
	httpReq.Header.Set("X-Tenant-ID", config.TenantID)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Block lookup failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected active block for %s, got HTTP %d", blockedIP, resp.StatusCode)
	}

	t.Logf("✓ CN click blocked: rules=%v, score=%.2f",
		result.MatchedRules, result.Prediction.Score)
}

// ============================================================================
// SCENARIO 3: Block Lifecycle (Create → Lookup → Unblock)
// ============================================================================

func TestBlockLifecycle(t *testing.T) {
	/*
	   SCENARIO: Manually block an IP, confirm it is visible, then lift it.

	   WHY THIS TEST:
	   Unblocking is append-aware: the block row is deactivated with an
	   audit trail, not deleted. A second lookup must report no active block.
	*/
	config := getTestConfig()
	client := &http.Client{Timeout: 10 * time.Second}

	ip := fmt.Sprintf("192.0.2.%d", time.Now().Unix()%250+1)

	// Create
	body, _ := json.Marshal(map[string]any{
		"type":      "ip",
		"value":     ip,
		"reason":    "integration lifecycle",
		"severity":  "medium",
		"createdBy": "integration-test",
	})
	httpReq, _ := http.NewRequest("POST", config.BaseURL+"/blocks", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", config.TenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Create block failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 201 creating block, got %d", resp.StatusCode)
	}

	// Unblock
	httpReq, _ = http.NewRequest("DELETE",
		config.BaseURL+"/blocks/ip/"+ip+"?unblockedBy=integration-test&reason=done", nil)
	httpReq.Header.Set("X-Tenant-ID", config.TenantID)

	resp, err = client.Do(httpReq)
	if err != nil {
		t.Fatalf("Unblock failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 unblocking, got %d", resp.StatusCode)
	}

	// Lookup must now miss
	httpReq, _ = http.NewRequest("GET", config.BaseURL+"/blocks/ip/"+ip, nil)
	httpReq.Header.Set("X-Tenant-ID", config.TenantID)

	resp, err = client.Do(httpReq)
	if err != nil {
		t.Fatalf("Block lookup failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 after unblock, got %d", resp.StatusCode)
	}

	t.Logf("✓ Block lifecycle complete for %s", ip)
}

// ============================================================================
// SCENARIO 4: Input Validation
// ============================================================================

func TestMissingIP_Error(t *testing.T) {
	/*
	   SCENARIO: Request missing the required ip field

	   EXPECTED: HTTP 400 Bad Request
	*/
	config := getTestConfig()

	req := CheckRequest{
		Type:    "click",
		ClickID: "click-noip-001",
		Country: "US",
		// IP missing!
	}

	body, _ := json.Marshal(req)
	httpReq, _ := http.NewRequest("POST", config.BaseURL+"/events", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", config.TenantID)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing ip, got %d", resp.StatusCode)
	}

	t.Logf("✓ Validation test passed: missing ip → HTTP %d", resp.StatusCode)
}

func TestInvalidEventType_Error(t *testing.T) {
	/*
	   SCENARIO: Request with an unsupported event type

	   EXPECTED: HTTP 400 Bad Request (only click and conversion are accepted)
	*/
	config := getTestConfig()

	req := CheckRequest{
		Type: "install", // Invalid!
		IP:   "198.51.100.10",
	}

	body, _ := json.Marshal(req)
	httpReq, _ := http.NewRequest("POST", config.BaseURL+"/events", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", config.TenantID)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for invalid event type, got %d", resp.StatusCode)
	}

	t.Logf("✓ Validation test passed: invalid type → HTTP %d", resp.StatusCode)
}

func TestMissingTenantHeader_Error(t *testing.T) {
	/*
	   SCENARIO: Request without X-Tenant-ID header

	   ACTUAL BEHAVIOR: Returns HTTP 400 Bad Request (not 401)
	   This is because tenant ID is validated as a required field, not as auth.
	*/
	config := getTestConfig()

	req := CheckRequest{
		Type: "click",
		IP:   "198.51.100.10",
	}

	body, _ := json.Marshal(req)
	httpReq, _ := http.NewRequest("POST", config.BaseURL+"/events", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	// NO X-Tenant-ID header!

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest && resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected 400 or 401 for missing tenant, got %d", resp.StatusCode)
	}

	t.Logf("✓ Validation test passed: missing tenant → HTTP %d", resp.StatusCode)
}

// ============================================================================
// SCENARIO 5: Response Contract Verification
// ============================================================================

func TestResponseContract(t *testing.T) {
	/*
	   SCENARIO: Verify the check response includes all required fields

	   This ensures the API contract is stable for clients.
	*/
	config := getTestConfig()

	req := CheckRequest{
		Type:      "click",
		ClickID:   "click-contract-001",
		PartnerID: "partner-contract-001",
		IP:        "198.51.100.20",
		Country:   "US",
		UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7)",
	}

	result := check(t, config, req)

	// Verify all required fields are present
	if result.Event.ID == "" {
		t.Error("Missing event.id")
	}

	if result.Event.ClickID != req.ClickID {
		t.Errorf("Click ID mismatch: got %q, want %q", result.Event.ClickID, req.ClickID)
	}

	if result.Prediction.Score < 0 || result.Prediction.Score > 1 {
		t.Errorf("Score out of range: %.2f (expected 0-1)", result.Prediction.Score)
	}

	switch result.Prediction.RiskLevel {
	case "low", "medium", "high", "critical":
	default:
		t.Errorf("Invalid risk level: %q", result.Prediction.RiskLevel)
	}

	t.Logf("✓ Contract complete: eventId=%s, score=%.2f, risk=%s",
		result.Event.ID[:8], result.Prediction.Score, result.Prediction.RiskLevel)
}

// ============================================================================
// SCENARIO 6: Asynchronous Ingestion
// ============================================================================

func TestQueuedIngestion_Accepted(t *testing.T) {
	/*
	   SCENARIO: Submit an event with mode=queued

	   EXPECTED BEHAVIOR:
	   - The API enqueues the event on the fraud-check topic and returns 202
	   - A worker picks it up; the block materializes shortly after

	   This test only asserts the 202 contract. Worker-side effects are
	   covered by the package-level worker tests.
	*/
	config := getTestConfig()
	seedCountryRule(t, config)

	req := CheckRequest{
		Type:    "click",
		ClickID: "click-queued-001",
		IP:      "203.0.113.99",
		Country: "CN",
	}

	body, _ := json.Marshal(req)
	httpReq, _ := http.NewRequest("POST", config.BaseURL+"/events?mode=queued", bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", config.TenantID)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected 202 for queued mode, got %d: %s", resp.StatusCode, string(body))
	}

	var accepted map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if accepted["eventId"] == "" {
		t.Error("Missing eventId in queued response")
	}
	if accepted["status"] != "queued" {
		t.Errorf("Expected status queued, got %q", accepted["status"])
	}

	t.Logf("✓ Queued ingestion accepted: eventId=%s", accepted["eventId"])
}
