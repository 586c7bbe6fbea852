package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/clickguard/kestrel/internal/actions"
	"github.com/clickguard/kestrel/internal/bulk"
	"github.com/clickguard/kestrel/internal/cache"
	"github.com/clickguard/kestrel/internal/domain"
	"github.com/clickguard/kestrel/internal/features"
	"github.com/clickguard/kestrel/internal/repository"
	"github.com/clickguard/kestrel/internal/rules"
	"github.com/clickguard/kestrel/internal/scoring"
	"github.com/clickguard/kestrel/internal/velocity"
	"github.com/clickguard/kestrel/internal/worker"
)

// createTestServer wires a server against a temp SQLite store.
func createTestServer(t *testing.T) *Server {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-api-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db: %v", err)
	}
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpFile.Name(),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	engine, err := rules.NewEngine()
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	lru := cache.NewLRUCache(100)
	scorer := scoring.NewScorer(repo, lru)
	executor := actions.NewExecutor(repo, nil)
	pipeline := worker.NewPipeline(
		repo,
		engine,
		features.NewExtractor(),
		velocity.NewService(repo, lru),
		scorer,
		executor,
		nil,
		nil,
		nil,
	)
	coordinator := bulk.NewCoordinator(repo, nil, nil)

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}

	return NewServer(cfg, Deps{
		Repo:        repo,
		Cache:       lru,
		Engine:      engine,
		Pipeline:    pipeline,
		Scorer:      scorer,
		Executor:    executor,
		Coordinator: coordinator,
		Version:     "test-v1",
	})
}

func doRequest(server *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", "tenant-001")

	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	return rr
}

func countryRule(name string) domain.FraudRule {
	return domain.FraudRule{
		Name: name,
		Type: domain.RuleTypeCountryBlock,
		Conditions: []domain.Condition{
			{Field: "country", Operator: domain.OpEquals, Value: "CN"},
		},
		Actions: []domain.Action{
			{Type: domain.ActionBlock, Params: map[string]interface{}{"severity": "high"}},
		},
		Priority: 50,
		IsActive: true,
	}
}

func TestHealthEndpoints(t *testing.T) {
	server := createTestServer(t)

	rr := doRequest(server, http.MethodGet, "/health", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}

	var resp map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("expected healthy, got %q", resp["status"])
	}
	if resp["version"] != "test-v1" {
		t.Errorf("expected version test-v1, got %q", resp["version"])
	}

	rr = doRequest(server, http.MethodGet, "/ready", nil)
	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}
}

func TestTenantRequired(t *testing.T) {
	server := createTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/rules", nil)
	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 without tenant header, got %d", rr.Code)
	}
}

func TestEventIngestion(t *testing.T) {
	server := createTestServer(t)

	// Install a blocking rule first
	rr := doRequest(server, http.MethodPost, "/rules", countryRule("block china"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	t.Run("SyncBlocked", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/events", domain.EventRequest{
			Type:    "click",
			IP:      "203.0.113.5",
			Country: "CN",
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var result worker.CheckResult
		if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if !result.Blocked {
			t.Error("expected event to be blocked")
		}
		if len(result.MatchedRules) != 1 {
			t.Errorf("expected 1 matched rule, got %d", len(result.MatchedRules))
		}
	})

	t.Run("SyncClean", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/events", domain.EventRequest{
			Type:    "click",
			IP:      "198.51.100.1",
			Country: "US",
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var result worker.CheckResult
		if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if result.Blocked {
			t.Error("expected event to pass")
		}
	})

	t.Run("InvalidType", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/events", domain.EventRequest{
			Type: "install",
			IP:   "198.51.100.1",
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("MissingIP", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/events", domain.EventRequest{
			Type: "click",
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestRuleCRUD(t *testing.T) {
	server := createTestServer(t)

	rr := doRequest(server, http.MethodPost, "/rules", countryRule("geo rule"))
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var created struct {
		Rule domain.FraudRule `json:"rule"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if created.Rule.ID == "" {
		t.Fatal("expected created rule to have an ID")
	}

	t.Run("ConflictRefused", func(t *testing.T) {
		// Same type, same field+operator pair
		rr := doRequest(server, http.MethodPost, "/rules", countryRule("geo rule copy"))
		if rr.Code != http.StatusConflict {
			t.Errorf("expected status 409, got %d: %s", rr.Code, rr.Body.String())
		}

		var resp struct {
			Conflicts []domain.RuleConflict `json:"conflicts"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if len(resp.Conflicts) == 0 {
			t.Error("expected conflict list in response")
		}
	})

	t.Run("Get", func(t *testing.T) {
		rr := doRequest(server, http.MethodGet, "/rules/"+created.Rule.ID, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("List", func(t *testing.T) {
		rr := doRequest(server, http.MethodGet, "/rules", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Count int `json:"count"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.Count != 1 {
			t.Errorf("expected 1 rule, got %d", resp.Count)
		}
	})

	t.Run("ValidationRejected", func(t *testing.T) {
		bad := countryRule("no conditions")
		bad.Conditions = nil
		rr := doRequest(server, http.MethodPost, "/rules", bad)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		rr := doRequest(server, http.MethodDelete, "/rules/"+created.Rule.ID, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = doRequest(server, http.MethodGet, "/rules/"+created.Rule.ID, nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 after delete, got %d", rr.Code)
		}
	})
}

func TestRuleTest(t *testing.T) {
	server := createTestServer(t)

	rr := doRequest(server, http.MethodPost, "/rules/test", RuleTestRequest{
		Rule: countryRule("candidate"),
		TestCases: []domain.RuleTestCase{
			{Record: map[string]string{"country": "CN"}, Expected: true},
			{Record: map[string]string{"country": "US"}, Expected: false},
			{Record: map[string]string{"country": "CN"}, Expected: false},
		},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Passed  int                     `json:"passed"`
		Total   int                     `json:"total"`
		Results []domain.RuleTestResult `json:"results"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Total != 3 {
		t.Errorf("expected 3 results, got %d", resp.Total)
	}
	if resp.Passed != 2 {
		t.Errorf("expected 2 passed, got %d", resp.Passed)
	}
	if resp.Results[2].Passed {
		t.Error("expected third case to fail expected-vs-actual")
	}

	t.Run("GuardAppliedInDryRun", func(t *testing.T) {
		guarded := domain.FraudRule{
			Name:       "guarded-mobile",
			Type:       domain.RuleTypeBehavioral,
			Expression: `record["browser"] == "chrome"`,
			Conditions: []domain.Condition{
				{Field: "device_type", Operator: domain.OpEquals, Value: "mobile"},
			},
			Actions:  []domain.Action{{Type: domain.ActionFlag}},
			Priority: 40,
			IsActive: true,
		}
		rr := doRequest(server, http.MethodPost, "/rules/test", RuleTestRequest{
			Rule: guarded,
			TestCases: []domain.RuleTestCase{
				{Record: map[string]string{"device_type": "mobile", "browser": "chrome"}, Expected: true},
				{Record: map[string]string{"device_type": "mobile", "browser": "firefox"}, Expected: false},
			},
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp struct {
			Passed int `json:"passed"`
			Total  int `json:"total"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.Passed != resp.Total || resp.Total != 2 {
			t.Errorf("expected guard to drive both cases, passed %d of %d", resp.Passed, resp.Total)
		}
	})

	t.Run("BadGuardRejected", func(t *testing.T) {
		bad := countryRule("bad-guard")
		bad.Type = domain.RuleTypeBehavioral
		bad.Expression = "record['x'"
		rr := doRequest(server, http.MethodPost, "/rules/test", RuleTestRequest{
			Rule:      bad,
			TestCases: []domain.RuleTestCase{{Record: map[string]string{"country": "CN"}, Expected: true}},
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestBlockEndpoints(t *testing.T) {
	server := createTestServer(t)

	rr := doRequest(server, http.MethodPost, "/blocks", BlockRequest{
		Type:      domain.BlockTypeIP,
		Value:     "203.0.113.9",
		Reason:    "manual review",
		Severity:  "high",
		CreatedBy: "analyst",
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	t.Run("GetActive", func(t *testing.T) {
		rr := doRequest(server, http.MethodGet, "/blocks/ip/203.0.113.9", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var block domain.FraudBlock
		if err := json.Unmarshal(rr.Body.Bytes(), &block); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if block.Severity != "high" {
			t.Errorf("expected severity high, got %q", block.Severity)
		}
	})

	t.Run("DuplicateReturnsExisting", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/blocks", BlockRequest{
			Type:  domain.BlockTypeIP,
			Value: "203.0.113.9",
		})
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200 for existing block, got %d", rr.Code)
		}
	})

	t.Run("Unblock", func(t *testing.T) {
		rr := doRequest(server, http.MethodDelete, "/blocks/ip/203.0.113.9?unblockedBy=analyst", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		rr = doRequest(server, http.MethodGet, "/blocks/ip/203.0.113.9", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404 after unblock, got %d", rr.Code)
		}
	})
}

func TestModelEndpoints(t *testing.T) {
	server := createTestServer(t)

	t.Run("TrainRejectsSmallSets", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/models/train", TrainRequest{
			Name: "tiny",
			Samples: []domain.TrainingSample{
				{Features: map[string]float64{"geo_risk": 1}, IsFraud: true},
			},
		})
		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400 for small training set, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("TrainAndActivate", func(t *testing.T) {
		samples := make([]domain.TrainingSample, 0, 200)
		for i := 0; i < 100; i++ {
			samples = append(samples, domain.TrainingSample{
				Features: map[string]float64{"geo_risk": 0.9, "ip_reputation": 0.8},
				IsFraud:  true,
			})
			samples = append(samples, domain.TrainingSample{
				Features: map[string]float64{"geo_risk": 0.1, "ip_reputation": 0.2},
				IsFraud:  false,
			})
		}

		rr := doRequest(server, http.MethodPost, "/models/train", TrainRequest{
			Name:    "ctvv1",
			Samples: samples,
		})
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		var model domain.FraudModel
		if err := json.Unmarshal(rr.Body.Bytes(), &model); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if model.IsActive {
			t.Error("expected trained model to start inactive")
		}

		rr = doRequest(server, http.MethodPost, "/models/"+model.ID+"/activate", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var activated domain.FraudModel
		if err := json.Unmarshal(rr.Body.Bytes(), &activated); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if !activated.IsActive {
			t.Error("expected activated model to be active")
		}
	})

	t.Run("ActivateMissing", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/models/nonexistent/activate", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})
}

func TestBulkEndpoints(t *testing.T) {
	server := createTestServer(t)

	rr := doRequest(server, http.MethodPost, "/bulk/block-ips", BulkTargetsRequest{
		Targets:  []string{"203.0.113.1", "203.0.113.2"},
		Severity: "high",
		Audit:    bulk.Audit{Actor: "analyst", Reason: "botnet sweep"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var report bulk.Report
	if err := json.Unmarshal(rr.Body.Bytes(), &report); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if report.Total != 2 {
		t.Errorf("expected total 2, got %d", report.Total)
	}
	if report.Counts["blocked"] != 2 {
		t.Errorf("expected 2 blocked, got %d", report.Counts["blocked"])
	}

	rr = doRequest(server, http.MethodPost, "/bulk/unblock-ips", BulkTargetsRequest{
		Targets: []string{"203.0.113.1", "198.51.100.99"},
		Audit:   bulk.Audit{Actor: "analyst", Reason: "cleared"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	if err := json.Unmarshal(rr.Body.Bytes(), &report); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if report.Counts["unblocked"] != 1 {
		t.Errorf("expected 1 unblocked, got %d", report.Counts["unblocked"])
	}
	if report.Counts["missing"] != 1 {
		t.Errorf("expected 1 missing, got %d", report.Counts["missing"])
	}
}

func TestEndpointCRUD(t *testing.T) {
	server := createTestServer(t)

	rr := doRequest(server, http.MethodPost, "/endpoints", domain.WebhookEndpoint{
		Name:       "partner hooks",
		URL:        "https://partner.example.com/hook",
		EventTypes: []string{domain.EventFraudDetected},
		IsActive:   true,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}

	var ep domain.WebhookEndpoint
	if err := json.Unmarshal(rr.Body.Bytes(), &ep); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if ep.Retry.MaxRetries != 3 || ep.Retry.BackoffMs != 1000 {
		t.Errorf("expected default retry policy, got %+v", ep.Retry)
	}

	rr = doRequest(server, http.MethodGet, "/endpoints/"+ep.ID+"/events", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	rr = doRequest(server, http.MethodDelete, "/endpoints/"+ep.ID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	rr = doRequest(server, http.MethodGet, "/endpoints/"+ep.ID, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected status 404 after delete, got %d", rr.Code)
	}
}
