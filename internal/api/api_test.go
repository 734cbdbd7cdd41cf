package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/tern/internal/audit"
	"github.com/opensource-finance/tern/internal/bus"
	"github.com/opensource-finance/tern/internal/cache"
	"github.com/opensource-finance/tern/internal/domain"
	"github.com/opensource-finance/tern/internal/ledger"
	"github.com/opensource-finance/tern/internal/repository"
	"github.com/opensource-finance/tern/internal/settlement"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to open repository: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	eventBus := bus.NewChannelBus(64)
	t.Cleanup(func() { _ = eventBus.Close() })

	currencies := domain.NewCurrencyList(domain.DefaultCurrencies())
	agg, err := settlement.NewAggregate(
		repo.Repositories(),
		ledger.NewMemoryLedger(currencies),
		eventBus,
		audit.NoopClient{},
		currencies,
	)
	if err != nil {
		t.Fatalf("failed to build aggregate: %v", err)
	}

	return NewServer(
		domain.ServerConfig{Host: "127.0.0.1", Port: 0},
		agg,
		repo.Repositories(),
		cache.NewLRUCache(100),
		eventBus,
		"test",
	)
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
}

func createModel(t *testing.T, srv *Server, name string) {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/models", map[string]any{
		"settlementModel":         name,
		"batchCreateIntervalSecs": 300,
		"createdBy":               "test",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create model: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
}

func postTransfer(t *testing.T, srv *Server, transferID, amount string) string {
	t.Helper()
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/transfers", map[string]any{
		"transferId":         transferID,
		"payerFspId":         "fsp-a",
		"payeeFspId":         "fsp-b",
		"currencyCode":       "USD",
		"amount":             amount,
		"completedTimestamp": time.Date(2025, 8, 1, 14, 2, 0, 0, time.UTC).UnixMilli(),
		"settlementModel":    "DEFAULT",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("post transfer: expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp TransferResponse
	decodeBody(t, rec, &resp)
	return resp.BatchID
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	rec := doJSON(t, srv, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var health map[string]string
	decodeBody(t, rec, &health)
	if health["status"] != "healthy" || health["version"] != "test" {
		t.Errorf("unexpected health response: %v", health)
	}

	rec = doJSON(t, srv, http.MethodGet, "/ready", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestTransferIngestion(t *testing.T) {
	srv := newTestServer(t)
	createModel(t, srv, "DEFAULT")

	t.Run("accepted into bucket batch", func(t *testing.T) {
		batchID := postTransfer(t, srv, "tr-api-1", "25.00")
		if batchID != "DEFAULT.USD.2025.08.01.14.00.001" {
			t.Errorf("unexpected batch id %s", batchID)
		}

		rec := doJSON(t, srv, http.MethodGet, "/api/v1/batches/"+batchID, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var batch domain.SettlementBatch
		decodeBody(t, rec, &batch)
		if batch.State != domain.BatchStateOpen {
			t.Errorf("expected OPEN batch, got %s", batch.State)
		}
	})

	t.Run("transfers listed with pagination", func(t *testing.T) {
		batchID := postTransfer(t, srv, "tr-api-2", "5.00")

		rec := doJSON(t, srv, http.MethodGet, "/api/v1/batches/"+batchID+"/transfers?limit=10", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var page domain.TransferSearchPage
		decodeBody(t, rec, &page)
		if page.TotalCount != 2 || len(page.Items) != 2 {
			t.Errorf("expected 2 transfers, got totalCount=%d items=%d", page.TotalCount, len(page.Items))
		}
	})

	t.Run("validation failure", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/api/v1/transfers", map[string]any{
			"transferId":         "tr-bad",
			"payerFspId":         "fsp-a",
			"payeeFspId":         "fsp-b",
			"currencyCode":       "USD",
			"amount":             "-5",
			"completedTimestamp": time.Now().UnixMilli(),
			"settlementModel":    "DEFAULT",
		})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("unknown model", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/api/v1/transfers", map[string]any{
			"transferId":         "tr-nomodel",
			"payerFspId":         "fsp-a",
			"payeeFspId":         "fsp-b",
			"currencyCode":       "USD",
			"amount":             "5.00",
			"completedTimestamp": time.Now().UnixMilli(),
			"settlementModel":    "MISSING",
		})
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})
}

func TestModelEndpoints(t *testing.T) {
	srv := newTestServer(t)
	createModel(t, srv, "DEFAULT")

	t.Run("get model", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodGet, "/api/v1/models/DEFAULT", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var model domain.SettlementModel
		decodeBody(t, rec, &model)
		if model.BatchCreateIntervalSecs != 300 {
			t.Errorf("unexpected interval %d", model.BatchCreateIntervalSecs)
		}
	})

	t.Run("duplicate model conflicts", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/api/v1/models", map[string]any{
			"settlementModel":         "DEFAULT",
			"batchCreateIntervalSecs": 300,
			"createdBy":               "test",
		})
		if rec.Code != http.StatusConflict {
			t.Errorf("expected 409, got %d", rec.Code)
		}
	})

	t.Run("missing model 404", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodGet, "/api/v1/models/NOPE", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})
}

func TestMatrixLifecycleEndpoints(t *testing.T) {
	srv := newTestServer(t)
	createModel(t, srv, "DEFAULT")
	batchID := postTransfer(t, srv, "tr-mtx-1", "10.00")

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/matrices", map[string]any{
		"matrixId": "mtx-api",
		"batchIds": []string{batchID},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create matrix: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	t.Run("get matrix", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodGet, "/api/v1/matrices/mtx-api", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var m domain.SettlementMatrix
		decodeBody(t, rec, &m)
		if m.State != domain.MatrixStateIdle {
			t.Errorf("expected IDLE, got %s", m.State)
		}
		if len(m.BalancesByParticipant) == 0 {
			t.Error("expected participant balances")
		}
	})

	t.Run("lock settle flow", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/api/v1/matrices/mtx-api/lock", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("lock: expected 200, got %d: %s", rec.Code, rec.Body.String())
		}

		// Close on a locked matrix conflicts
		rec = doJSON(t, srv, http.MethodPost, "/api/v1/matrices/mtx-api/close", nil)
		if rec.Code != http.StatusConflict {
			t.Errorf("close while locked: expected 409, got %d", rec.Code)
		}

		rec = doJSON(t, srv, http.MethodPost, "/api/v1/matrices/mtx-api/settle", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("settle: expected 200, got %d: %s", rec.Code, rec.Body.String())
		}

		// Cache was invalidated, read sees the final state
		rec = doJSON(t, srv, http.MethodGet, "/api/v1/matrices/mtx-api", nil)
		var m domain.SettlementMatrix
		decodeBody(t, rec, &m)
		if m.State != domain.MatrixStateFinalized {
			t.Errorf("expected FINALIZED, got %s", m.State)
		}
	})

	t.Run("unknown matrix 404", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/api/v1/matrices/nope/recalculate", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})
}

func TestDynamicMatrixAndBatchSearch(t *testing.T) {
	srv := newTestServer(t)
	createModel(t, srv, "DEFAULT")
	batchID := postTransfer(t, srv, "tr-dyn-1", "8.00")

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/matrices", map[string]any{
		"matrixId":        "mtx-dyn",
		"settlementModel": "DEFAULT",
		"currencyCodes":   []string{"USD"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create dynamic matrix: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/matrices/mtx-dyn", nil)
	var m domain.SettlementMatrix
	decodeBody(t, rec, &m)
	if m.Type != domain.MatrixTypeDynamic {
		t.Errorf("expected dynamic matrix, got %s", m.Type)
	}
	if m.GetBatch(batchID) == nil {
		t.Errorf("expected batch %s in dynamic matrix", batchID)
	}

	t.Run("batch criteria search", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodGet, "/api/v1/batches?settlementModel=DEFAULT&currencyCode=USD&state=OPEN", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var resp struct {
			Items []*domain.SettlementBatch `json:"items"`
			Count int                       `json:"count"`
		}
		decodeBody(t, rec, &resp)
		if resp.Count != 1 || resp.Items[0].ID != batchID {
			t.Errorf("unexpected search result: %+v", resp)
		}
	})

	t.Run("invalid batch filter rejected", func(t *testing.T) {
		rec := doJSON(t, srv, http.MethodPost, "/api/v1/matrices", map[string]any{
			"settlementModel": "DEFAULT",
			"batchFilter":     "currency ==",
		})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body.String())
		}
	})
}

func TestGracefulShutdownWithoutStart(t *testing.T) {
	srv := newTestServer(t)
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Errorf("shutdown before start should be a no-op, got %v", err)
	}
}
