package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/tern/internal/domain"
	"github.com/opensource-finance/tern/internal/settlement"
)

// Matrix snapshots are cached read-through; mutations invalidate.
const matrixCacheTTL = 5 * time.Minute

// Handler holds dependencies for API handlers.
type Handler struct {
	aggregate *settlement.Aggregate
	repos     domain.Repositories
	cache     domain.Cache
	bus       domain.EventBus
	version   string
}

// NewHandler creates a new API handler.
func NewHandler(aggregate *settlement.Aggregate, repos domain.Repositories, cache domain.Cache, bus domain.EventBus, version string) *Handler {
	return &Handler{
		aggregate: aggregate,
		repos:     repos,
		cache:     cache,
		bus:       bus,
		version:   version,
	}
}

// TransferRequest is the request body for POST /transfers.
type TransferRequest struct {
	TransferID         string `json:"transferId"`
	PayerFspID         string `json:"payerFspId"`
	PayeeFspID         string `json:"payeeFspId"`
	CurrencyCode       string `json:"currencyCode"`
	Amount             string `json:"amount"`
	CompletedTimestamp int64  `json:"completedTimestamp"`
	SettlementModel    string `json:"settlementModel"`
}

// TransferResponse is the response for POST /transfers.
type TransferResponse struct {
	TransferID string `json:"transferId"`
	BatchID    string `json:"batchId"`
}

// HandleTransfer handles POST /transfers requests.
func (h *Handler) HandleTransfer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	evt := &domain.TransferEvent{
		TransferID:      req.TransferID,
		Timestamp:       req.CompletedTimestamp,
		PayerFspID:      req.PayerFspID,
		PayeeFspID:      req.PayeeFspID,
		CurrencyCode:    req.CurrencyCode,
		Amount:          req.Amount,
		SettlementModel: req.SettlementModel,
	}

	batchID, err := h.aggregate.HandleTransfer(ctx, evt)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, TransferResponse{
		TransferID: req.TransferID,
		BatchID:    batchID,
	})
}

// CreateModelRequest is the request body for POST /models.
type CreateModelRequest struct {
	Name                    string `json:"settlementModel"`
	BatchCreateIntervalSecs int64  `json:"batchCreateIntervalSecs"`
	CreatedBy               string `json:"createdBy"`
}

// CreateModel handles POST /models requests.
func (h *Handler) CreateModel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateModelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	cmd := &domain.CreateSettlementModelCmd{
		Name:                    req.Name,
		BatchCreateIntervalSecs: req.BatchCreateIntervalSecs,
		CreatedBy:               req.CreatedBy,
	}
	if err := h.aggregate.CreateSettlementModel(ctx, cmd); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"settlementModel": req.Name,
	})
}

// GetModel handles GET /models/{name} requests.
func (h *Handler) GetModel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	model, err := h.repos.Models.GetModelByName(r.Context(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model)
}

// CreateMatrixRequest is the request body for POST /matrices. A request with
// batchIds creates a static matrix; anything else creates a dynamic one.
type CreateMatrixRequest struct {
	MatrixID        string              `json:"matrixId,omitempty"`
	BatchIDs        []string            `json:"batchIds,omitempty"`
	FromDate        int64               `json:"fromDate,omitempty"`
	ToDate          int64               `json:"toDate,omitempty"`
	SettlementModel string              `json:"settlementModel,omitempty"`
	CurrencyCodes   []string            `json:"currencyCodes,omitempty"`
	BatchStatuses   []domain.BatchState `json:"batchStatuses,omitempty"`
	BatchFilter     string              `json:"batchFilter,omitempty"`
}

// CreateMatrix handles POST /matrices requests.
func (h *Handler) CreateMatrix(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateMatrixRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	var matrixID string
	var err error
	if len(req.BatchIDs) > 0 {
		matrixID, err = h.aggregate.CreateStaticMatrix(ctx, &domain.CreateStaticMatrixCmd{
			MatrixID: req.MatrixID,
			BatchIDs: req.BatchIDs,
		})
	} else {
		matrixID, err = h.aggregate.CreateDynamicMatrix(ctx, &domain.CreateDynamicMatrixCmd{
			MatrixID:        req.MatrixID,
			FromDate:        req.FromDate,
			ToDate:          req.ToDate,
			SettlementModel: req.SettlementModel,
			CurrencyCodes:   req.CurrencyCodes,
			BatchStatuses:   req.BatchStatuses,
			BatchFilter:     req.BatchFilter,
		})
	}
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"matrixId": matrixID,
	})
}

// GetMatrix handles GET /matrices/{id} requests, served read-through from
// the cache.
func (h *Handler) GetMatrix(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	matrixID := chi.URLParam(r, "id")

	if h.cache != nil {
		if m, err := h.cache.GetMatrix(ctx, matrixID); err == nil && m != nil {
			writeJSON(w, http.StatusOK, m)
			return
		}
	}

	m, err := h.repos.Matrices.GetMatrixByID(ctx, matrixID)
	if err != nil {
		writeError(w, err)
		return
	}

	if h.cache != nil {
		if err := h.cache.SetMatrix(ctx, m, matrixCacheTTL); err != nil {
			slog.Warn("failed to cache matrix", "matrixId", matrixID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, m)
}

// matrixAction wraps a matrix lifecycle operation with cache invalidation.
func (h *Handler) matrixAction(op func(r *http.Request, matrixID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		matrixID := chi.URLParam(r, "id")

		if err := op(r, matrixID); err != nil {
			writeError(w, err)
			return
		}

		if h.cache != nil {
			_ = h.cache.Delete(r.Context(), "matrix:"+matrixID)
		}

		writeJSON(w, http.StatusOK, map[string]string{
			"matrixId": matrixID,
		})
	}
}

// MatrixBatchesRequest is the request body for matrix batch membership
// changes.
type MatrixBatchesRequest struct {
	BatchIDs []string `json:"batchIds"`
}

func (h *Handler) matrixBatchesAction(op func(r *http.Request, matrixID string, batchIDs []string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		matrixID := chi.URLParam(r, "id")

		var req MatrixBatchesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid JSON request body",
			})
			return
		}

		if err := op(r, matrixID, req.BatchIDs); err != nil {
			writeError(w, err)
			return
		}

		if h.cache != nil {
			_ = h.cache.Delete(r.Context(), "matrix:"+matrixID)
		}

		writeJSON(w, http.StatusOK, map[string]string{
			"matrixId": matrixID,
		})
	}
}

// GetBatch handles GET /batches/{id} requests.
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	batch, err := h.repos.Batches.GetBatch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

// SearchBatches handles GET /batches requests with criteria query params.
func (h *Handler) SearchBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	criteria := domain.BatchSearchCriteria{
		SettlementModel: q.Get("settlementModel"),
	}
	if v := q.Get("fromDate"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "fromDate must be a unix millisecond timestamp",
			})
			return
		}
		criteria.FromDate = ms
	}
	if v := q.Get("toDate"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "toDate must be a unix millisecond timestamp",
			})
			return
		}
		criteria.ToDate = ms
	}
	if v, ok := q["currencyCode"]; ok {
		criteria.CurrencyCodes = v
	}
	for _, s := range q["state"] {
		criteria.States = append(criteria.States, domain.BatchState(s))
	}

	batches, err := h.repos.Batches.GetBatchesByCriteria(r.Context(), criteria)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"items": batches,
		"count": len(batches),
	})
}

// GetBatchTransfers handles GET /batches/{id}/transfers requests with
// pagination.
func (h *Handler) GetBatchTransfers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	query := domain.TransferSearchQuery{
		BatchID: chi.URLParam(r, "id"),
	}
	if v := q.Get("offset"); v != "" {
		query.Offset, _ = strconv.Atoi(v)
	}
	if v := q.Get("limit"); v != "" {
		query.Limit, _ = strconv.Atoi(v)
	}

	page, err := h.repos.Transfers.SearchTransfers(r.Context(), query)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case domain.IsValidation(err):
		status = http.StatusBadRequest
	case domain.IsNotFound(err):
		status = http.StatusNotFound
	case domain.IsStateConflict(err):
		status = http.StatusConflict
	case domain.IsAlreadyExists(err):
		status = http.StatusConflict
	default:
		slog.Error("request failed", "error", err)
	}

	writeJSON(w, status, map[string]string{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
