package service

import (
	"go.uber.org/zap"

	"waste-sync/internal/domain"
	"waste-sync/internal/websocket"
)

// NotificationService pushes lifecycle updates over the websocket. The
// verification code only ever goes to the seller's connections.
type NotificationService struct {
	ws  *websocket.Manager
	log *zap.Logger
}

func NewNotificationService(ws *websocket.Manager, log *zap.Logger) *NotificationService {
	if log == nil {
		log = zap.NewNop()
	}
	return &NotificationService{ws: ws, log: log.With(zap.String("component", "notifications"))}
}

func (n *NotificationService) VerificationCodeIssued(sellerID string, code *domain.VerificationCodeResponse) {
	n.send(websocket.TypeVerificationCode, code, sellerID)
}

func (n *NotificationService) TransactionUpdated(tx *domain.WasteTransactionResponse, userIDs ...string) {
	n.send(websocket.TypeTransactionUpdate, tx, userIDs...)
}

func (n *NotificationService) send(typ websocket.MessageType, payload interface{}, userIDs ...string) {
	msg, err := websocket.NewMessage(typ, payload)
	if err != nil {
		n.log.Error("failed to build message", zap.String("type", string(typ)), zap.Error(err))
		return
	}
	for _, userID := range userIDs {
		if userID == "" {
			continue
		}
		if err := n.ws.BroadcastToUser(userID, msg, ""); err != nil {
			n.log.Warn("push failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
}

type noopNotifier struct{}

// NewNoopNotifier discards every notification.
func NewNoopNotifier() TransactionNotifier { return noopNotifier{} }

func (noopNotifier) VerificationCodeIssued(string, *domain.VerificationCodeResponse)   {}
func (noopNotifier) TransactionUpdated(*domain.WasteTransactionResponse, ...string) {}
