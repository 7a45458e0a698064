// Package events publishes waste transaction lifecycle changes for downstream
// consumers such as billing and municipal reporting.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"waste-sync/internal/domain"
)

type Type string

const (
	TypeCreated      Type = "waste_sale.created"
	TypeAccepted     Type = "waste_sale.accepted"
	TypeRejected     Type = "waste_sale.rejected"
	TypeProcessed    Type = "waste_sale.processed"
	TypePaid         Type = "waste_sale.paid"
	TypeCodeReissued Type = "waste_sale.code_reissued"
)

// TypeFor maps a status a transaction just entered to its event type.
func TypeFor(status domain.TransactionStatus) Type {
	switch status {
	case domain.StatusAccepted:
		return TypeAccepted
	case domain.StatusRejected:
		return TypeRejected
	case domain.StatusProcessed:
		return TypeProcessed
	case domain.StatusPaid:
		return TypePaid
	}
	return TypeCreated
}

// Event never carries the verification code.
type Event struct {
	Type          Type                     `json:"type"`
	TransactionID string                   `json:"transactionId"`
	Status        domain.TransactionStatus `json:"status"`
	ActorID       string                   `json:"actorId"`
	ActorRole     domain.Role              `json:"actorRole"`
	TotalAmount   float64                  `json:"totalAmount"`
	OccurredAt    time.Time                `json:"occurredAt"`
}

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

// Publish keys messages by transaction id so one transaction's events stay
// ordered within a partition.
func (p *KafkaPublisher) Publish(ctx context.Context, evt Event) error {
	value, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.TransactionID),
		Value: value,
		Time:  evt.OccurredAt,
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", evt.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher writes events to the log when no broker is configured.
type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher {
	return &LogPublisher{log: log.With(zap.String("component", "events"))}
}

func (p *LogPublisher) Publish(_ context.Context, evt Event) error {
	p.log.Info("lifecycle event",
		zap.String("type", string(evt.Type)),
		zap.String("transaction_id", evt.TransactionID),
		zap.String("status", string(evt.Status)),
		zap.String("actor_id", evt.ActorID))
	return nil
}

func (p *LogPublisher) Close() error { return nil }
