package handler

import (
	"net/http"

	"waste-sync/internal/middleware"
	"waste-sync/internal/repository"
	"waste-sync/internal/service"
	"waste-sync/internal/syncop"
	"waste-sync/pkg/response"

	"github.com/gorilla/mux"
)

// ResourceHandler serves the plain document resources (reports, schedules,
// collections ...) under /api/{resource}.
type ResourceHandler struct {
	router *service.Router
	queue  Submitter
}

func NewResourceHandler(router *service.Router, queue Submitter) *ResourceHandler {
	return &ResourceHandler{router: router, queue: queue}
}

func (h *ResourceHandler) Create(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, syncop.KindCreate, http.StatusCreated)
}

func (h *ResourceHandler) Update(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, syncop.KindUpdate, http.StatusOK)
}

func (h *ResourceHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, syncop.KindUpsert, http.StatusOK)
}

func (h *ResourceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, syncop.KindDelete, http.StatusOK)
}

func (h *ResourceHandler) submit(w http.ResponseWriter, r *http.Request, kind syncop.Kind, okStatus int) {
	vars := mux.Vars(r)
	if err := syncop.ValidateResourceName(vars["resource"]); err != nil {
		response.FromError(w, err)
		return
	}

	op, err := newOperation(r, kind, vars["resource"], vars["id"])
	if err != nil {
		response.FromError(w, err)
		return
	}

	res, err := h.queue.Submit(r.Context(), op)
	if err != nil {
		response.FromError(w, err)
		return
	}

	response.JSON(w, okStatus, res)
}

func (h *ResourceHandler) List(w http.ResponseWriter, r *http.Request) {
	docs, err := h.router.ListDocuments(r.Context(), middleware.GetActor(r), mux.Vars(r)["resource"])
	if err != nil {
		response.FromError(w, err)
		return
	}

	if docs == nil {
		docs = []repository.Document{}
	}
	response.Success(w, docs)
}

func (h *ResourceHandler) Get(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	doc, err := h.router.GetDocument(r.Context(), middleware.GetActor(r), vars["resource"], vars["id"])
	if err != nil {
		response.FromError(w, err)
		return
	}

	response.Success(w, doc)
}
