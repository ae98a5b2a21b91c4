package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/punchamoorthee/pointsledger/internal/domain"
	"github.com/punchamoorthee/pointsledger/internal/models"
	"github.com/punchamoorthee/pointsledger/internal/service"
)

const maxBodyBytes = 64 << 10

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			h.log.WithContext(r.Context()).Errorw("msg", "health check failed", "error", err)
			respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CreateAwardHandler(w http.ResponseWriter, r *http.Request) {
	rc := requestContext(r)
	w.Header().Set("X-Request-ID", rc.RequestID)

	var req models.AwardRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body", rc.RequestID)
		return
	}

	res, err := h.engine.Award(r.Context(), req.UserID, req.Action, req.Metadata, rc)
	if err != nil {
		h.log.WithContext(r.Context()).Errorw("msg", "award failed",
			"request_id", rc.RequestID, "reason", res.Reason, "error", err)
	}
	respondWithJSON(w, awardStatusCode(res), models.NewAwardResponse(res, rc.RequestID))
}

// awardStatusCode maps an award outcome to HTTP. Skipped is a success.
func awardStatusCode(res domain.AwardResult) int {
	switch {
	case res.Status == domain.StatusAwarded:
		return http.StatusCreated
	case res.Succeeded():
		return http.StatusOK
	case res.Reason == domain.ReasonInvalidRequest:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusServiceUnavailable
	}
}

func (h *Handler) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDVar(w, r)
	if !ok {
		return
	}
	view, err := h.engine.Balance(r.Context(), userID)
	if err != nil {
		h.storageError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.BalanceResponse{
		UserID:  userID,
		Balance: view.Balance,
		Version: view.Version,
		Level:   view.Level,
	})
}

func (h *Handler) GetTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDVar(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "limit must be an integer", "")
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil || offset < 0 {
		respondWithError(w, http.StatusBadRequest, "offset must be a non-negative integer", "")
		return
	}

	switch {
	case limit <= 0:
		limit = service.DefaultHistoryLimit
	case limit > service.MaxHistoryLimit:
		limit = service.MaxHistoryLimit
	}

	txs, err := h.engine.History(r.Context(), userID, limit, offset)
	if err != nil {
		h.storageError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.NewHistoryResponse(userID, limit, offset, txs))
}

func (h *Handler) GetReconciliationHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDVar(w, r)
	if !ok {
		return
	}
	drift, err := h.engine.CheckDrift(r.Context(), userID)
	if err != nil {
		h.storageError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.NewReconciliationResponse(drift))
}

func (h *Handler) GetRulesHandler(w http.ResponseWriter, r *http.Request) {
	table := h.engine.Rules()
	respondWithJSON(w, http.StatusOK, models.RulesResponse{
		Version: table.Version(),
		Rules:   table.Rules(),
		Levels:  h.engine.Levels().Thresholds(),
	})
}

func (h *Handler) storageError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, domain.ErrUserNotFound) {
		respondWithError(w, http.StatusNotFound, "User not found", "")
		return
	}
	h.log.WithContext(r.Context()).Errorw("msg", "read failed", "path", r.URL.Path, "error", err)
	respondWithError(w, http.StatusServiceUnavailable, "Storage unavailable", "")
}

func userIDVar(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		respondWithError(w, http.StatusBadRequest, "Invalid user id", "")
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

// requestContext extracts correlation data from headers. A missing
// X-Request-ID gets a fresh UUID.
func requestContext(r *http.Request) domain.RequestContext {
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return domain.RequestContext{
		RequestID: requestID,
		SessionID: r.Header.Get("X-Session-ID"),
		Actor:     r.Header.Get("X-Actor"),
		Origin:    clientAddr(r),
		Channel:   "api",
	}
}

func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
