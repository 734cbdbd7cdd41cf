// Benchmark tool for load-testing Tern transfer ingestion.
//
// Usage:
//   go run cmd/benchmark/main.go -url http://localhost:8080 -transfers 10000
//
// This tool:
//   1. Ensures the target settlement model exists
//   2. Generates synthetic fund transfers across a participant pool
//   3. Posts them concurrently and tracks latency percentiles
//   4. Reports throughput and per-batch distribution
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// TransferRequest mirrors the ingestion API request format.
type TransferRequest struct {
	TransferID         string `json:"transferId"`
	PayerFspID         string `json:"payerFspId"`
	PayeeFspID         string `json:"payeeFspId"`
	CurrencyCode       string `json:"currencyCode"`
	Amount             string `json:"amount"`
	CompletedTimestamp int64  `json:"completedTimestamp"`
	SettlementModel    string `json:"settlementModel"`
}

// TransferResponse mirrors the ingestion API response format.
type TransferResponse struct {
	TransferID string `json:"transferId"`
	BatchID    string `json:"batchId"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	TotalSent   int64
	TotalOK     int64
	TotalErrors int64

	mu        sync.Mutex
	latencies []time.Duration
	batches   map[string]int
}

func (m *Metrics) record(latency time.Duration, batchID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies = append(m.latencies, latency)
	m.batches[batchID]++
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Tern base URL")
	model := flag.String("model", "DEFAULT", "Settlement model name")
	currency := flag.String("currency", "USD", "Transfer currency")
	transfers := flag.Int("transfers", 10000, "Number of transfers to send")
	participants := flag.Int("participants", 8, "Size of the participant pool")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	intervalSecs := flag.Int("interval", 300, "Batch interval when creating the model")
	spreadSecs := flag.Int("spread", 900, "Timestamp spread in seconds (drives bucket count)")
	verbose := flag.Bool("verbose", false, "Print each transfer result")
	flag.Parse()

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║          TERN BENCHMARK - Transfer Ingestion                  ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nTern URL:     %s\n", *baseURL)
	fmt.Printf("Model:        %s\n", *model)
	fmt.Printf("Currency:     %s\n", *currency)
	fmt.Printf("Transfers:    %d\n", *transfers)
	fmt.Printf("Participants: %d\n", *participants)
	fmt.Printf("Workers:      %d\n", *workers)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Tern not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Tern is running:")
		fmt.Println("  cd tern && go run cmd/tern/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Tern is healthy")

	if err := ensureModel(*baseURL, *model, *intervalSecs); err != nil {
		fmt.Printf("ERROR: failed to ensure settlement model: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Settlement model %s ready\n", *model)

	fmt.Printf("\nRunning benchmark with %d workers...\n", *workers)
	startTime := time.Now()
	metrics := runBenchmark(*baseURL, *model, *currency, *transfers, *participants, *workers, *spreadSecs, *verbose)
	duration := time.Since(startTime)

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

func ensureModel(baseURL, model string, intervalSecs int) error {
	body, _ := json.Marshal(map[string]any{
		"settlementModel":         model,
		"batchCreateIntervalSecs": intervalSecs,
		"createdBy":               "benchmark",
	})
	resp, err := http.Post(baseURL+"/api/v1/models", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// 409 means the model already exists, which is fine
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusConflict {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, data)
	}
	return nil
}

func runBenchmark(baseURL, model, currency string, transfers, participants, numWorkers, spreadSecs int, verbose bool) *Metrics {
	metrics := &Metrics{batches: make(map[string]int)}
	runID := time.Now().UnixNano()
	baseTime := time.Now().Add(-time.Duration(spreadSecs) * time.Second)

	work := make(chan int, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			client := &http.Client{Timeout: 10 * time.Second}
			rng := rand.New(rand.NewSource(runID + int64(workerID)))

			for n := range work {
				payer := rng.Intn(participants)
				payee := rng.Intn(participants - 1)
				if payee >= payer {
					payee++
				}

				req := &TransferRequest{
					TransferID:         fmt.Sprintf("bench-%d-%d", runID, n),
					PayerFspID:         fmt.Sprintf("fsp-%03d", payer),
					PayeeFspID:         fmt.Sprintf("fsp-%03d", payee),
					CurrencyCode:       currency,
					Amount:             fmt.Sprintf("%d.%02d", 1+rng.Intn(10000), rng.Intn(100)),
					CompletedTimestamp: baseTime.Add(time.Duration(rng.Intn(spreadSecs)) * time.Second).UnixMilli(),
					SettlementModel:    model,
				}

				start := time.Now()
				resp, err := postTransfer(client, baseURL, req)
				elapsed := time.Since(start)

				atomic.AddInt64(&metrics.TotalSent, 1)
				if err != nil {
					atomic.AddInt64(&metrics.TotalErrors, 1)
					if verbose {
						fmt.Printf("ERROR: %s -> %v\n", req.TransferID, err)
					}
					continue
				}

				atomic.AddInt64(&metrics.TotalOK, 1)
				metrics.record(elapsed, resp.BatchID)

				if verbose {
					fmt.Printf("✓ %s | %s -> %s | %s %s | batch %s | %dms\n",
						req.TransferID, req.PayerFspID, req.PayeeFspID,
						req.Amount, req.CurrencyCode, resp.BatchID, elapsed.Milliseconds())
				}
			}
		}(i)
	}

	for n := 0; n < transfers; n++ {
		work <- n
	}
	close(work)
	wg.Wait()

	return metrics
}

func postTransfer(client *http.Client, baseURL string, req *TransferRequest) (*TransferResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	resp, err := client.Post(baseURL+"/api/v1/transfers", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, data)
	}

	var out TransferResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func printResults(m *Metrics, duration time.Duration) {
	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                        RESULTS                                ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\nTotal sent:    %d\n", m.TotalSent)
	fmt.Printf("Succeeded:     %d\n", m.TotalOK)
	fmt.Printf("Errors:        %d\n", m.TotalErrors)
	fmt.Printf("Duration:      %.2fs\n", duration.Seconds())
	if duration > 0 {
		fmt.Printf("Throughput:    %.0f transfers/s\n", float64(m.TotalOK)/duration.Seconds())
	}

	if len(m.latencies) > 0 {
		sort.Slice(m.latencies, func(i, j int) bool { return m.latencies[i] < m.latencies[j] })
		fmt.Println("\nLatency:")
		fmt.Printf("  p50: %dms\n", m.latencies[len(m.latencies)/2].Milliseconds())
		fmt.Printf("  p95: %dms\n", m.latencies[len(m.latencies)*95/100].Milliseconds())
		fmt.Printf("  p99: %dms\n", m.latencies[len(m.latencies)*99/100].Milliseconds())
		fmt.Printf("  max: %dms\n", m.latencies[len(m.latencies)-1].Milliseconds())
	}

	if len(m.batches) > 0 {
		fmt.Printf("\nBatches hit:   %d\n", len(m.batches))
		ids := make([]string, 0, len(m.batches))
		for id := range m.batches {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Printf("  %-40s %d\n", id, m.batches[id])
		}
	}
	fmt.Println()
}
