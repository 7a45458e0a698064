package handler

import (
	"net/http"

	"waste-sync/internal/domain"
	"waste-sync/internal/middleware"
	"waste-sync/internal/syncop"
	"waste-sync/pkg/response"
)

type QueueController interface {
	Status() syncop.SyncStatus
	// Trigger starts a pass that outlives the caller and returns a channel
	// closed when the pass ends.
	Trigger() <-chan struct{}
}

type SyncHandler struct {
	queue QueueController
}

func NewSyncHandler(queue QueueController) *SyncHandler {
	return &SyncHandler{queue: queue}
}

func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	response.Success(w, h.queue.Status())
}

// Force starts a pass over whatever is queued and reports the status once it
// ends. A client that goes away stops waiting; the pass keeps running.
func (h *SyncHandler) Force(w http.ResponseWriter, r *http.Request) {
	if middleware.GetRole(r) != domain.RoleAdmin {
		response.Forbidden(w, "only admins can force a sync pass")
		return
	}

	select {
	case <-h.queue.Trigger():
	case <-r.Context().Done():
		return
	}
	response.Success(w, h.queue.Status())
}
