package handler

import (
	"net/http"

	"waste-sync/internal/domain"
	"waste-sync/internal/middleware"
	"waste-sync/internal/service"
	"waste-sync/internal/syncop"
	"waste-sync/pkg/response"

	"github.com/gorilla/mux"
)

// TransactionHandler exposes the waste sale lifecycle. Reads go straight to
// the service; writes are serialized through the server sync queue.
type TransactionHandler struct {
	transactions *service.TransactionService
	queue        Submitter
}

func NewTransactionHandler(transactions *service.TransactionService, queue Submitter) *TransactionHandler {
	return &TransactionHandler{
		transactions: transactions,
		queue:        queue,
	}
}

func (h *TransactionHandler) Create(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, syncop.KindCreate, syncop.ResourceWasteSales, "", http.StatusCreated)
}

func (h *TransactionHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, syncop.KindUpdate, syncop.ResourceWasteSales, mux.Vars(r)["id"], http.StatusOK)
}

func (h *TransactionHandler) Pay(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, syncop.KindUpdate, syncop.ResourceRecyclingOrders, mux.Vars(r)["id"], http.StatusOK)
}

func (h *TransactionHandler) ReissueCode(w http.ResponseWriter, r *http.Request) {
	h.submit(w, r, syncop.KindUpdate, syncop.ResourceVerificationCodes, mux.Vars(r)["id"], http.StatusOK)
}

func (h *TransactionHandler) submit(w http.ResponseWriter, r *http.Request, kind syncop.Kind, resource, id string, okStatus int) {
	op, err := newOperation(r, kind, resource, id)
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

func (h *TransactionHandler) List(w http.ResponseWriter, r *http.Request) {
	status := domain.TransactionStatus(r.URL.Query().Get("status"))

	txs, err := h.transactions.List(r.Context(), middleware.GetActor(r), status)
	if err != nil {
		response.FromError(w, err)
		return
	}

	if txs == nil {
		txs = []*domain.WasteTransactionResponse{}
	}
	response.Success(w, txs)
}

func (h *TransactionHandler) Get(w http.ResponseWriter, r *http.Request) {
	tx, err := h.transactions.Get(r.Context(), middleware.GetActor(r), mux.Vars(r)["id"])
	if err != nil {
		response.FromError(w, err)
		return
	}

	response.Success(w, tx)
}

func (h *TransactionHandler) VerificationCode(w http.ResponseWriter, r *http.Request) {
	code, err := h.transactions.VerificationCode(r.Context(), middleware.GetActor(r), mux.Vars(r)["id"])
	if err != nil {
		response.FromError(w, err)
		return
	}

	response.Success(w, code)
}

func (h *TransactionHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.transactions.Stats(r.Context(), middleware.GetActor(r))
	if err != nil {
		response.FromError(w, err)
		return
	}

	response.Success(w, stats)
}
