package handler

import (
	"net/http"
	"strings"

	"waste-sync/internal/domain"
	"waste-sync/internal/websocket"
	"waste-sync/pkg/jwt"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type WebSocketHandler struct {
	manager   *websocket.Manager
	jwtSecret string
	upgrader  ws.Upgrader
	log       *zap.Logger
}

func NewWebSocketHandler(manager *websocket.Manager, jwtSecret string, readBuf, writeBuf int, log *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		manager:   manager,
		jwtSecret: jwtSecret,
		upgrader: ws.Upgrader{
			ReadBufferSize:  readBuf,
			WriteBufferSize: writeBuf,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: log.With(zap.String("component", "websocket")),
	}
}

func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}

	if token == "" {
		http.Error(w, "missing authorization token", http.StatusUnauthorized)
		return
	}

	claims, err := jwt.ValidateToken(token, h.jwtSecret)
	if err != nil {
		h.log.Debug("token validation failed", zap.Error(err))
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	if !domain.Role(claims.Role).Valid() {
		http.Error(w, "token carries no usable role", http.StatusForbidden)
		return
	}

	deviceID := r.URL.Query().Get("device_id")
	if deviceID == "" {
		deviceID = "default"
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.Error(err))
		return
	}

	client := websocket.NewClient(uuid.New().String(), claims.UserID, deviceID, conn, h.manager)

	if !h.manager.Attach(client) {
		conn.Close()
		return
	}
	go client.Serve()
}

// WebSocketMessageHandler answers the few requests a client may send over
// the push channel.
type WebSocketMessageHandler struct {
	queue QueueController
}

func NewWebSocketMessageHandler(queue QueueController) *WebSocketMessageHandler {
	return &WebSocketMessageHandler{queue: queue}
}

func (h *WebSocketMessageHandler) HandleWebSocketMessage(client *websocket.Client, msg *websocket.Message) error {
	var (
		reply *websocket.Message
		err   error
	)

	switch msg.Type {
	case websocket.TypePing:
		reply, err = websocket.NewMessage(websocket.TypePong, nil)
	case websocket.TypeSyncStatus:
		status := h.queue.Status()
		// other users' operations stay private
		status.PendingOperations = nil
		reply, err = websocket.NewMessage(websocket.TypeSyncStatus, status)
	default:
		reply = websocket.ErrorMessage("unknown message type " + string(msg.Type))
	}
	if err != nil {
		return err
	}

	return client.Reply(reply)
}
