package main

import (
	"net/http"

	"waste-sync/internal/config"
	"waste-sync/internal/handler"
	"waste-sync/internal/idempotency"
	"waste-sync/internal/middleware"
	"waste-sync/internal/repository"
	"waste-sync/internal/service"
	"waste-sync/internal/websocket"
	"waste-sync/internal/writequeue"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type routerDeps struct {
	cfg          *config.Config
	log          *zap.Logger
	transactions *service.TransactionService
	executor     *service.Router
	queue        *writequeue.Queue
	health       repository.HealthChecker
	idempotency  idempotency.Store
	ws           *websocket.Manager
}

func buildRouter(d routerDeps) *mux.Router {
	txHandler := handler.NewTransactionHandler(d.transactions, d.queue)
	resourceHandler := handler.NewResourceHandler(d.executor, d.queue)
	syncHandler := handler.NewSyncHandler(d.queue)
	healthHandler := handler.NewHealthHandler(d.health)

	r := mux.NewRouter()

	r.Use(middleware.LoggerMiddleware(d.log))
	r.Use(middleware.CORSMiddleware(
		d.cfg.CORS.AllowedOrigins,
		d.cfg.CORS.AllowedMethods,
		d.cfg.CORS.AllowedHeaders,
	))

	r.HandleFunc("/api/health", healthHandler.Check).Methods("GET", "OPTIONS")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	if d.ws != nil {
		wsHandler := handler.NewWebSocketHandler(d.ws, d.cfg.JWT.Secret,
			d.cfg.WebSocket.ReadBufferSize, d.cfg.WebSocket.WriteBufferSize, d.log)
		r.HandleFunc("/ws", wsHandler.HandleConnection)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.Use(middleware.AuthMiddleware(d.cfg.JWT.Secret))
	api.Use(middleware.IdempotencyMiddleware(d.idempotency, d.cfg.Redis.IdempotencyTTL, d.log))

	api.HandleFunc("/sync/status", syncHandler.Status).Methods("GET", "OPTIONS")
	api.HandleFunc("/sync/force", syncHandler.Force).Methods("POST", "OPTIONS")

	api.HandleFunc("/waste-sales", txHandler.Create).Methods("POST", "OPTIONS")
	api.HandleFunc("/waste-sales", txHandler.List).Methods("GET", "OPTIONS")
	api.HandleFunc("/waste-sales/{id}", txHandler.Get).Methods("GET", "OPTIONS")
	api.HandleFunc("/waste-sales/{id}/status", txHandler.UpdateStatus).Methods("PATCH", "OPTIONS")
	api.HandleFunc("/waste-sales/{id}/verification-code", txHandler.VerificationCode).Methods("GET", "OPTIONS")
	api.HandleFunc("/waste-sales/{id}/verification-code", txHandler.ReissueCode).Methods("POST")
	api.HandleFunc("/recycling/orders/{id}/payment", txHandler.Pay).Methods("PATCH", "OPTIONS")
	api.HandleFunc("/stats", txHandler.Stats).Methods("GET", "OPTIONS")

	// generic resources last so the typed routes above win
	api.HandleFunc("/{resource}", resourceHandler.Create).Methods("POST", "OPTIONS")
	api.HandleFunc("/{resource}", resourceHandler.List).Methods("GET")
	api.HandleFunc("/{resource}/{id}", resourceHandler.Get).Methods("GET", "OPTIONS")
	api.HandleFunc("/{resource}/{id}", resourceHandler.Update).Methods("PATCH")
	api.HandleFunc("/{resource}/{id}", resourceHandler.Upsert).Methods("PUT")
	api.HandleFunc("/{resource}/{id}", resourceHandler.Delete).Methods("DELETE")

	r.HandleFunc("/", rootHandler).Methods("GET")

	return r
}

func rootHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"message":"waste-sync API","version":"1.0.0","endpoints":{"/api/health":"GET","/api/waste-sales":"GET, POST (protected)","/api/sync/status":"GET (protected)","/ws":"websocket"}}`))
}
