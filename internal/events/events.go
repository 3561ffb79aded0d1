// Package events defines the order events published after a checkout or
// cancellation commits. Consumers downstream (fulfilment, notifications)
// key on the envelope; payloads carry the snapshot prices, never live ones.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	EventOrderCreated   = "OrderCreated"
	EventOrderCancelled = "OrderCancelled"
)

// Partition key = order id, so all events for one order stay ordered.
func PartitionKey(orderID int64) []byte {
	return []byte(fmt.Sprintf("%d", orderID))
}

type Envelope struct {
	EventID      string          `json:"event_id"`
	EventType    string          `json:"event_type"`
	EventVersion int             `json:"event_version"`
	OccurredAt   time.Time       `json:"occurred_at"`
	Producer     string          `json:"producer"`
	Payload      json.RawMessage `json:"payload"`
}

type OrderLinePayload struct {
	BookID    int64  `json:"book_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
}

type OrderCreatedPayload struct {
	OrderID     int64              `json:"order_id"`
	OrderNumber string             `json:"order_number"`
	UserID      int64              `json:"user_id"`
	Lines       []OrderLinePayload `json:"lines"`
	TotalPrice  string             `json:"total_price"`
}

type OrderCancelledPayload struct {
	OrderID     int64  `json:"order_id"`
	OrderNumber string `json:"order_number"`
	UserID      int64  `json:"user_id"`
}

func NewEnvelope(eventType, producer string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode payload: %w", err)
	}

	return Envelope{
		EventID:      uuid.NewString(),
		EventType:    eventType,
		EventVersion: 1,
		OccurredAt:   time.Now().UTC(),
		Producer:     producer,
		Payload:      raw,
	}, nil
}
