// Benchmark tool for testing Kestrel against labeled click traffic.
//
// Usage:
//   go run cmd/benchmark/main.go -csv /path/to/clicks.csv -url http://localhost:8080
//
// This tool:
//   1. Reads labeled click data (one row per click, with a fraud label)
//   2. Sends each click to Kestrel for evaluation
//   3. Compares Kestrel's verdict (blocked / passed) with the actual labels
//   4. Calculates precision, recall, F1-score, and confusion matrix
//
// Expected CSV columns (header names, case-insensitive):
//   click_id, partner_id, ip, country, user_agent, referer, device_type, is_fraud
package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LabeledClick represents a row from the labeled click dataset
type LabeledClick struct {
	ClickID    string
	PartnerID  string
	IP         string
	Country    string
	UserAgent  string
	Referer    string
	DeviceType string
	IsFraud    bool
}

// CheckRequest is the Kestrel ingestion request format
type CheckRequest struct {
	Type       string `json:"type"`
	ClickID    string `json:"clickId"`
	PartnerID  string `json:"partnerId"`
	IP         string `json:"ip"`
	Country    string `json:"country"`
	UserAgent  string `json:"userAgent"`
	Referer    string `json:"referer"`
	DeviceType string `json:"deviceType"`
}

// CheckResponse is the Kestrel evaluation response format
type CheckResponse struct {
	Blocked      bool     `json:"blocked"`
	MatchedRules []string `json:"matchedRules"`
	Prediction   struct {
		Score      float64 `json:"score"`
		Prediction bool    `json:"prediction"`
		RiskLevel  string  `json:"riskLevel"`
	} `json:"prediction"`
}

// Metrics tracks benchmark results
type Metrics struct {
	TruePositives  int64 // Fraud clicks blocked
	FalsePositives int64 // Clean clicks blocked
	TrueNegatives  int64 // Clean clicks passed
	FalseNegatives int64 // Fraud clicks passed (missed fraud!)

	TotalProcessed int64
	TotalFraud     int64
	TotalClean     int64
	TotalErrors    int64

	ProcessingTimeMs int64
}

func main() {
	// Parse flags
	csvPath := flag.String("csv", "", "Path to labeled click CSV file")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	tenantID := flag.String("tenant", "benchmark-test", "Tenant ID for requests")
	limit := flag.Int("limit", 10000, "Maximum clicks to process (0 = all)")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	fraudOnly := flag.Bool("fraud-only", false, "Only test fraud clicks")
	sampleRate := flag.Float64("sample", 1.0, "Sample rate for clean clicks (0.0-1.0)")
	verbose := flag.Bool("verbose", false, "Print each click result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: benchmark -csv /path/to/clicks.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║          KESTREL BENCHMARK - Click Fraud Detection            ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nCSV File:    %s\n", *csvPath)
	fmt.Printf("Kestrel URL: %s\n", *baseURL)
	fmt.Printf("Tenant ID:   %s\n", *tenantID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Limit:       %d\n", *limit)
	fmt.Printf("Fraud Only:  %v\n", *fraudOnly)
	fmt.Printf("Sample Rate: %.2f\n", *sampleRate)
	fmt.Println()

	// Check Kestrel is running
	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Kestrel is running:")
		fmt.Println("  go run cmd/kestrel/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Kestrel is healthy")

	// Read labeled data
	fmt.Printf("\nReading click data from %s...\n", *csvPath)
	clicks, err := readClickCSV(*csvPath, *limit, *fraudOnly, *sampleRate)
	if err != nil {
		fmt.Printf("ERROR: Failed to read CSV: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Loaded %d clicks\n", len(clicks))

	// Count fraud vs clean
	fraudCount := 0
	for _, c := range clicks {
		if c.IsFraud {
			fraudCount++
		}
	}
	fmt.Printf("  - Fraud: %d (%.2f%%)\n", fraudCount, 100*float64(fraudCount)/float64(len(clicks)))
	fmt.Printf("  - Clean: %d (%.2f%%)\n", len(clicks)-fraudCount, 100*float64(len(clicks)-fraudCount)/float64(len(clicks)))

	// Run benchmark
	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(clicks, *baseURL, *tenantID, *workers, *verbose)
	duration := time.Since(startTime)

	// Print results
	printResults(metrics, duration)
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func readClickCSV(path string, limit int, fraudOnly bool, sampleRate float64) ([]LabeledClick, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)

	// Read header
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	// Map column indices
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.ToLower(strings.TrimSpace(col))] = i
	}

	col := func(record []string, name string) string {
		i, ok := colIndex[name]
		if !ok || i >= len(record) {
			return ""
		}
		return record[i]
	}

	var clicks []LabeledClick
	sampleCounter := 0

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue // Skip malformed rows
		}

		isFraud := col(record, "is_fraud") == "1" || col(record, "is_fraud") == "true"

		// Apply filters
		if fraudOnly && !isFraud {
			continue
		}

		// Sample clean clicks
		if !isFraud && sampleRate < 1.0 {
			sampleCounter++
			if float64(sampleCounter%100)/100.0 >= sampleRate {
				continue
			}
		}

		clicks = append(clicks, LabeledClick{
			ClickID:    col(record, "click_id"),
			PartnerID:  col(record, "partner_id"),
			IP:         col(record, "ip"),
			Country:    col(record, "country"),
			UserAgent:  col(record, "user_agent"),
			Referer:    col(record, "referer"),
			DeviceType: col(record, "device_type"),
			IsFraud:    isFraud,
		})

		if limit > 0 && len(clicks) >= limit {
			break
		}
	}

	return clicks, nil
}

func runBenchmark(clicks []LabeledClick, baseURL, tenantID string, numWorkers int, verbose bool) *Metrics {
	metrics := &Metrics{}

	// Create work channel
	work := make(chan LabeledClick, 100)
	var wg sync.WaitGroup

	// Start workers
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}

			for click := range work {
				start := time.Now()
				result, err := checkClick(client, baseURL, tenantID, click)
				elapsed := time.Since(start).Milliseconds()

				atomic.AddInt64(&metrics.ProcessingTimeMs, elapsed)
				atomic.AddInt64(&metrics.TotalProcessed, 1)

				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", click.ClickID, err)
					}
					continue
				}

				// Track actual labels
				if click.IsFraud {
					atomic.AddInt64(&metrics.TotalFraud, 1)
				} else {
					atomic.AddInt64(&metrics.TotalClean, 1)
				}

				// Calculate confusion matrix
				predicted := result.Blocked || result.Prediction.Prediction
				actual := click.IsFraud

				if predicted && actual {
					atomic.AddInt64(&metrics.TruePositives, 1)
				} else if predicted && !actual {
					atomic.AddInt64(&metrics.FalsePositives, 1)
				} else if !predicted && !actual {
					atomic.AddInt64(&metrics.TrueNegatives, 1)
				} else { // !predicted && actual
					atomic.AddInt64(&metrics.FalseNegatives, 1)
				}

				if verbose {
					status := "✓"
					if (predicted && !actual) || (!predicted && actual) {
						status = "✗"
					}
					verdict := "pass"
					if result.Blocked {
						verdict = "block"
					}
					fmt.Printf("%s %-16s | IP: %-15s | Country: %-2s | Fraud: %-5v | Kestrel: %-5s (%.2f %s)\n",
						status,
						click.ClickID,
						click.IP,
						click.Country,
						click.IsFraud,
						verdict,
						result.Prediction.Score,
						result.Prediction.RiskLevel,
					)
				}
			}
		}()
	}

	// Send work
	for _, click := range clicks {
		work <- click
	}
	close(work)

	// Wait for completion
	wg.Wait()

	return metrics
}

func checkClick(client *http.Client, baseURL, tenantID string, click LabeledClick) (*CheckResponse, error) {
	req := CheckRequest{
		Type:       "click",
		ClickID:    click.ClickID,
		PartnerID:  click.PartnerID,
		IP:         click.IP,
		Country:    click.Country,
		UserAgent:  click.UserAgent,
		Referer:    click.Referer,
		DeviceType: click.DeviceType,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequest(http.MethodPost, baseURL+"/events", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Tenant-ID", tenantID)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var result CheckResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                      BENCHMARK RESULTS                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 DATASET STATISTICS\n")
	fmt.Printf("   Total Processed:  %d\n", m.TotalProcessed)
	fmt.Printf("   Total Fraud:      %d\n", m.TotalFraud)
	fmt.Printf("   Total Clean:      %d\n", m.TotalClean)
	fmt.Printf("   Errors:           %d\n", m.TotalErrors)

	fmt.Printf("\n📈 CONFUSION MATRIX\n")
	fmt.Println("                        Predicted")
	fmt.Println("                   BLOCK       PASS")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("   Actual  F  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("           C  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")

	// Calculate metrics
	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}

	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}

	f1 := float64(0)
	if precision+recall > 0 {
		f1 = 2 * (precision * recall) / (precision + recall)
	}

	accuracy := float64(0)
	total := m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives
	if total > 0 {
		accuracy = float64(m.TruePositives+m.TrueNegatives) / float64(total)
	}

	fmt.Printf("\n🎯 DETECTION METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of blocks, how many were actual fraud)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of fraud, how many did we catch)\n", recall)
	fmt.Printf("   F1-Score:   %.4f  (harmonic mean of precision & recall)\n", f1)
	fmt.Printf("   Accuracy:   %.4f  (overall correct predictions)\n", accuracy)

	// Detection rate analysis
	fmt.Printf("\n🔍 DETECTION ANALYSIS\n")
	if m.TotalFraud > 0 {
		detectionRate := float64(m.TruePositives) / float64(m.TotalFraud) * 100
		missRate := float64(m.FalseNegatives) / float64(m.TotalFraud) * 100
		fmt.Printf("   Fraud Blocked:     %d / %d (%.2f%%)\n", m.TruePositives, m.TotalFraud, detectionRate)
		fmt.Printf("   Fraud Missed:      %d / %d (%.2f%%) ⚠️\n", m.FalseNegatives, m.TotalFraud, missRate)
	}
	if m.TotalClean > 0 {
		falseAlarmRate := float64(m.FalsePositives) / float64(m.TotalClean) * 100
		fmt.Printf("   False Blocks:      %d / %d (%.2f%%)\n", m.FalsePositives, m.TotalClean, falseAlarmRate)
	}

	fmt.Printf("\n⏱️  PERFORMANCE\n")
	fmt.Printf("   Total Duration:   %v\n", duration.Round(time.Millisecond))
	if m.TotalProcessed > 0 {
		avgMs := float64(m.ProcessingTimeMs) / float64(m.TotalProcessed)
		cps := float64(m.TotalProcessed) / duration.Seconds()
		fmt.Printf("   Avg Latency:      %.2f ms\n", avgMs)
		fmt.Printf("   Throughput:       %.2f clicks/sec\n", cps)
	}

	// Interpretation
	fmt.Printf("\n💡 INTERPRETATION\n")
	if recall >= 0.9 {
		fmt.Println("   ✅ Excellent recall - catching most fraud")
	} else if recall >= 0.7 {
		fmt.Println("   ⚠️  Good recall - but missing some fraud")
	} else if recall >= 0.5 {
		fmt.Println("   ⚠️  Moderate recall - significant fraud being missed")
	} else {
		fmt.Println("   ❌ Poor recall - most fraud is being missed!")
	}

	if precision >= 0.5 {
		fmt.Println("   ✅ Good precision - blocks are meaningful")
	} else if precision >= 0.2 {
		fmt.Println("   ⚠️  Low precision - many false blocks")
	} else {
		fmt.Println("   ❌ Very low precision - mostly false blocks")
	}

	fmt.Println()
}
