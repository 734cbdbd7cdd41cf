//go:build integration
// +build integration

// Package integration provides end-to-end tests for the Tern settlement
// engine.
//
// These tests verify the COMPLETE settlement pipeline:
//
//	Transfer → Batch → Matrix → Lock → Settle
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// UNDERSTANDING THE DOMAIN:
//
// 1. TRANSFER: A completed fund transfer between two participants
//    (payer FSP → payee FSP), ingested into a settlement batch.
//
// 2. BATCH: A time bucket of transfers for one settlement model and
//    currency. Batch names follow MODEL.CCY.YYYY.MM.DD.HH.mm and carry a
//    sequence suffix (.001, .002, ...). Only the highest-sequence OPEN
//    batch in a bucket accepts new transfers.
//
// 3. MATRIX: A view over a set of batches with per-participant debit and
//    credit balances. Static matrices name their batches explicitly;
//    dynamic matrices select them by criteria.
//
// 4. LIFECYCLE: dispute/close flip batch states; lock claims batches for
//    settlement (AWAITING_SETTLEMENT, owned by the locking matrix); settle
//    finalizes owned batches as SETTLED and emits the settled balances.
//
// The tests expect a clean Tern instance with no DEFAULT model configured.
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

// TestConfig holds test environment configuration.
type TestConfig struct {
	BaseURL string
}

func getTestConfig() TestConfig {
	baseURL := os.Getenv("TERN_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return TestConfig{BaseURL: baseURL}
}

// ============================================================================
// API Request/Response Types (matching Tern's API contract)
// ============================================================================

type TransferRequest struct {
	TransferID         string `json:"transferId"`
	PayerFspID         string `json:"payerFspId"`
	PayeeFspID         string `json:"payeeFspId"`
	CurrencyCode       string `json:"currencyCode"`
	Amount             string `json:"amount"`
	CompletedTimestamp int64  `json:"completedTimestamp"`
	SettlementModel    string `json:"settlementModel"`
}

type TransferResponse struct {
	TransferID string `json:"transferId"`
	BatchID    string `json:"batchId"`
}

type ParticipantBalance struct {
	ParticipantID string `json:"participantId"`
	CurrencyCode  string `json:"currencyCode"`
	State         string `json:"state"`
	DebitBalance  string `json:"debitBalance"`
	CreditBalance string `json:"creditBalance"`
}

type Matrix struct {
	ID                    string               `json:"id"`
	Type                  string               `json:"type"`
	State                 string               `json:"state"`
	BalancesByParticipant []ParticipantBalance `json:"balancesByParticipant"`
}

type Batch struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// ============================================================================
// Test Helper Functions
// ============================================================================

func doRequest(t *testing.T, config TestConfig, method, path string, body any, wantStatus int, out any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequest(method, config.BaseURL+path, reader)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

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

	if resp.StatusCode != wantStatus {
		t.Fatalf("%s %s: expected status %d, got %d: %s", method, path, wantStatus, resp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			t.Fatalf("Failed to unmarshal response: %v (body: %s)", err, string(respBody))
		}
	}
}

func ensureModel(t *testing.T, config TestConfig, name string) {
	t.Helper()

	body, _ := json.Marshal(map[string]any{
		"settlementModel":         name,
		"batchCreateIntervalSecs": 300,
		"createdBy":               "integration-test",
	})
	resp, err := http.Post(config.BaseURL+"/api/v1/models", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Failed to create model: %v", err)
	}
	defer resp.Body.Close()

	// 409 means a previous run already created it
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusConflict {
		data, _ := io.ReadAll(resp.Body)
		t.Fatalf("Failed to create model: status %d: %s", resp.StatusCode, data)
	}
}

func sendTransfer(t *testing.T, config TestConfig, req TransferRequest) TransferResponse {
	t.Helper()
	var resp TransferResponse
	doRequest(t, config, "POST", "/api/v1/transfers", req, http.StatusAccepted, &resp)
	return resp
}

// uniqueRun scopes transfer ids so reruns against the same instance never
// collide.
var uniqueRun = time.Now().UnixNano()

func transferID(n int) string {
	return fmt.Sprintf("it-%d-%d", uniqueRun, n)
}

// ============================================================================
// SCENARIO 1: Transfer Ingestion Into Bucketed Batches
// ============================================================================

func TestTransferIngestion(t *testing.T) {
	/*
	   SCENARIO: Two transfers inside the same 5-minute bucket, one outside.

	   EXPECTED BEHAVIOR:
	   - Transfers at 14:02 and 14:04 share a batch (bucket 14:00)
	   - A transfer at 14:07 lands in a different batch (bucket 14:05)
	*/
	config := getTestConfig()
	ensureModel(t, config, "DEFAULT")

	base := time.Date(2025, 7, 1, 14, 2, 0, 0, time.UTC)

	first := sendTransfer(t, config, TransferRequest{
		TransferID:         transferID(1),
		PayerFspID:         "fsp-alpha",
		PayeeFspID:         "fsp-beta",
		CurrencyCode:       "USD",
		Amount:             "100.00",
		CompletedTimestamp: base.UnixMilli(),
		SettlementModel:    "DEFAULT",
	})
	second := sendTransfer(t, config, TransferRequest{
		TransferID:         transferID(2),
		PayerFspID:         "fsp-beta",
		PayeeFspID:         "fsp-alpha",
		CurrencyCode:       "USD",
		Amount:             "40.00",
		CompletedTimestamp: base.Add(2 * time.Minute).UnixMilli(),
		SettlementModel:    "DEFAULT",
	})
	third := sendTransfer(t, config, TransferRequest{
		TransferID:         transferID(3),
		PayerFspID:         "fsp-alpha",
		PayeeFspID:         "fsp-beta",
		CurrencyCode:       "USD",
		Amount:             "5.00",
		CompletedTimestamp: base.Add(5 * time.Minute).UnixMilli(),
		SettlementModel:    "DEFAULT",
	})

	if first.BatchID != second.BatchID {
		t.Errorf("Expected transfers in the same bucket to share a batch, got %s and %s", first.BatchID, second.BatchID)
	}
	if first.BatchID == third.BatchID {
		t.Errorf("Expected a different batch across bucket boundary, got %s twice", first.BatchID)
	}

	var batch Batch
	doRequest(t, config, "GET", "/api/v1/batches/"+first.BatchID, nil, http.StatusOK, &batch)
	if batch.State != "OPEN" {
		t.Errorf("Expected OPEN batch, got %s", batch.State)
	}
}

// ============================================================================
// SCENARIO 2: Full Matrix Lifecycle (Lock → Settle)
// ============================================================================

func TestMatrixLifecycle(t *testing.T) {
	/*
	   SCENARIO: A static matrix over one batch is locked and settled.

	   EXPECTED BEHAVIOR:
	   - Matrix creation recalculates balances (20.00 each way)
	   - Lock flips the batch to AWAITING_SETTLEMENT and the matrix to LOCKED
	   - Close on a LOCKED matrix is rejected with 409
	   - Settle finalizes the matrix and the batch becomes SETTLED
	*/
	config := getTestConfig()
	ensureModel(t, config, "DEFAULT")

	ts := time.Date(2025, 7, 2, 9, 1, 0, 0, time.UTC)
	resp := sendTransfer(t, config, TransferRequest{
		TransferID:         transferID(10),
		PayerFspID:         "fsp-alpha",
		PayeeFspID:         "fsp-beta",
		CurrencyCode:       "USD",
		Amount:             "20.00",
		CompletedTimestamp: ts.UnixMilli(),
		SettlementModel:    "DEFAULT",
	})

	matrixID := fmt.Sprintf("it-matrix-%d", uniqueRun)
	doRequest(t, config, "POST", "/api/v1/matrices", map[string]any{
		"matrixId": matrixID,
		"batchIds": []string{resp.BatchID},
	}, http.StatusCreated, nil)

	var matrix Matrix
	doRequest(t, config, "GET", "/api/v1/matrices/"+matrixID, nil, http.StatusOK, &matrix)
	if matrix.State != "IDLE" {
		t.Fatalf("Expected IDLE matrix after creation, got %s", matrix.State)
	}
	if len(matrix.BalancesByParticipant) != 2 {
		t.Fatalf("Expected 2 participant rows, got %d", len(matrix.BalancesByParticipant))
	}
	for _, row := range matrix.BalancesByParticipant {
		switch row.ParticipantID {
		case "fsp-alpha":
			if row.DebitBalance != "20.00" {
				t.Errorf("Expected fsp-alpha debit 20.00, got %s", row.DebitBalance)
			}
		case "fsp-beta":
			if row.CreditBalance != "20.00" {
				t.Errorf("Expected fsp-beta credit 20.00, got %s", row.CreditBalance)
			}
		}
	}

	// Lock the matrix for settlement
	doRequest(t, config, "POST", "/api/v1/matrices/"+matrixID+"/lock", nil, http.StatusOK, nil)

	doRequest(t, config, "GET", "/api/v1/matrices/"+matrixID, nil, http.StatusOK, &matrix)
	if matrix.State != "LOCKED" {
		t.Fatalf("Expected LOCKED matrix, got %s", matrix.State)
	}

	var batch Batch
	doRequest(t, config, "GET", "/api/v1/batches/"+resp.BatchID, nil, http.StatusOK, &batch)
	if batch.State != "AWAITING_SETTLEMENT" {
		t.Errorf("Expected AWAITING_SETTLEMENT batch, got %s", batch.State)
	}

	// Closing a locked matrix must be rejected
	doRequest(t, config, "POST", "/api/v1/matrices/"+matrixID+"/close", nil, http.StatusConflict, nil)

	// Settle
	doRequest(t, config, "POST", "/api/v1/matrices/"+matrixID+"/settle", nil, http.StatusOK, nil)

	doRequest(t, config, "GET", "/api/v1/matrices/"+matrixID, nil, http.StatusOK, &matrix)
	if matrix.State != "FINALIZED" {
		t.Errorf("Expected FINALIZED matrix, got %s", matrix.State)
	}

	doRequest(t, config, "GET", "/api/v1/batches/"+resp.BatchID, nil, http.StatusOK, &batch)
	if batch.State != "SETTLED" {
		t.Errorf("Expected SETTLED batch, got %s", batch.State)
	}

	// A settled matrix accepts no further lifecycle operations
	doRequest(t, config, "POST", "/api/v1/matrices/"+matrixID+"/recalculate", nil, http.StatusConflict, nil)
}

// ============================================================================
// SCENARIO 3: Dynamic Matrix Criteria
// ============================================================================

func TestDynamicMatrix(t *testing.T) {
	/*
	   SCENARIO: A dynamic matrix over the DEFAULT model picks up batches
	   created after it, via recalculation.
	*/
	config := getTestConfig()
	ensureModel(t, config, "DEFAULT")

	ts := time.Date(2025, 7, 3, 11, 0, 30, 0, time.UTC)
	sendTransfer(t, config, TransferRequest{
		TransferID:         transferID(20),
		PayerFspID:         "fsp-gamma",
		PayeeFspID:         "fsp-delta",
		CurrencyCode:       "EUR",
		Amount:             "75.50",
		CompletedTimestamp: ts.UnixMilli(),
		SettlementModel:    "DEFAULT",
	})

	matrixID := fmt.Sprintf("it-dynamic-%d", uniqueRun)
	doRequest(t, config, "POST", "/api/v1/matrices", map[string]any{
		"matrixId":        matrixID,
		"settlementModel": "DEFAULT",
		"currencyCodes":   []string{"EUR"},
		"fromDate":        ts.Add(-time.Hour).UnixMilli(),
		"toDate":          ts.Add(time.Hour).UnixMilli(),
	}, http.StatusCreated, nil)

	var matrix Matrix
	doRequest(t, config, "GET", "/api/v1/matrices/"+matrixID, nil, http.StatusOK, &matrix)
	if matrix.Type != "DYNAMIC" {
		t.Fatalf("Expected DYNAMIC matrix, got %s", matrix.Type)
	}

	found := false
	for _, row := range matrix.BalancesByParticipant {
		if row.ParticipantID == "fsp-gamma" && row.DebitBalance == "75.50" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected fsp-gamma debit 75.50 in dynamic matrix, got %+v", matrix.BalancesByParticipant)
	}

	// New transfer in the window, then recalculate picks it up
	sendTransfer(t, config, TransferRequest{
		TransferID:         transferID(21),
		PayerFspID:         "fsp-delta",
		PayeeFspID:         "fsp-gamma",
		CurrencyCode:       "EUR",
		Amount:             "10.00",
		CompletedTimestamp: ts.Add(time.Minute).UnixMilli(),
		SettlementModel:    "DEFAULT",
	})
	doRequest(t, config, "POST", "/api/v1/matrices/"+matrixID+"/recalculate", nil, http.StatusOK, nil)

	doRequest(t, config, "GET", "/api/v1/matrices/"+matrixID, nil, http.StatusOK, &matrix)
	foundDelta := false
	for _, row := range matrix.BalancesByParticipant {
		if row.ParticipantID == "fsp-delta" && row.DebitBalance == "10.00" {
			foundDelta = true
		}
	}
	if !foundDelta {
		t.Errorf("Expected fsp-delta debit 10.00 after recalculation, got %+v", matrix.BalancesByParticipant)
	}
}
