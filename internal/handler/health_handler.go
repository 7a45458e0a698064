package handler

import (
	"context"
	"net/http"
	"time"

	"waste-sync/internal/repository"
	"waste-sync/pkg/response"
)

type HealthHandler struct {
	db      repository.HealthChecker
	timeout time.Duration
}

func NewHealthHandler(db repository.HealthChecker) *HealthHandler {
	return &HealthHandler{db: db, timeout: 5 * time.Second}
}

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		response.JSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded", Database: "unreachable"})
		return
	}

	response.Success(w, healthResponse{Status: "ok", Database: "connected"})
}
