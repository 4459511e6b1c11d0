package models

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type OrderType string

const OrderTypeMarket OrderType = "MARKET"

type OrderStatus string

const (
	StatusFilled   OrderStatus = "FILLED"
	StatusRejected OrderStatus = "REJECTED"
)

// OrderMessage is the canonical order payload on the orders queue.
type OrderMessage struct {
	OrderID       string    `json:"orderId"`
	CorrelationID string    `json:"correlationId"`
	Pair          string    `json:"pair"`
	Side          Side      `json:"side"`
	Quantity      float64   `json:"quantity"`
	OrderType     OrderType `json:"orderType"`
	CurrentPrice  float64   `json:"currentPrice"`
	TraceID       string    `json:"traceId,omitempty"`
	SpanID        string    `json:"spanId,omitempty"`
	Timestamp     int64     `json:"timestamp"` // unix milli
}

// ExecutionResponse is published on the response queue once per fill attempt.
type ExecutionResponse struct {
	OrderID         string      `json:"orderId"`
	CorrelationID   string      `json:"correlationId"`
	Status          OrderStatus `json:"status"`
	FillPrice       float64     `json:"fillPrice"`
	TotalValue      float64     `json:"totalValue"`
	SlippagePercent float64     `json:"slippagePercent"`
	Reason          string      `json:"reason,omitempty"`
	ProcessedAt     time.Time   `json:"processedAt"`
	ProcessorID     string      `json:"processorId"`
}

// ValidationError marks a payload that can never be executed; the worker
// routes these to the dead-letter queue instead of retrying.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid order: %s %s", e.Field, e.Reason)
}

// inboundOrder is the union of the canonical shape and the legacy payment
// shape. Which one arrived is decided here, once, at the ingress boundary.
type inboundOrder struct {
	OrderMessage
	PaymentID *int64  `json:"paymentId"`
	Amount    float64 `json:"amount"`
	Currency  string  `json:"currency"`
}

// Normalize parses a raw orders-queue payload into the canonical shape.
// Legacy payment payloads derive orderId from paymentId and quantity from
// amount at the given reference price.
func Normalize(raw []byte, referencePrice float64) (*OrderMessage, error) {
	var in inboundOrder
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, &ValidationError{Field: "payload", Reason: "is not valid JSON"}
	}

	order := in.OrderMessage

	if in.PaymentID != nil && order.OrderID == "" {
		order.OrderID = fmt.Sprintf("ORD-%d", *in.PaymentID)
		if order.Quantity == 0 && in.Amount > 0 {
			order.Quantity = in.Amount / referencePrice
		}
		if order.CurrentPrice == 0 {
			order.CurrentPrice = referencePrice
		}
		if order.Pair == "" && in.Currency != "" {
			order.Pair = "BTC/" + in.Currency
		}
	}

	if order.Side == "" {
		order.Side = SideBuy
	}
	if order.OrderType == "" {
		order.OrderType = OrderTypeMarket
	}
	if order.CorrelationID == "" {
		order.CorrelationID = uuid.NewString()
	}
	if order.Timestamp == 0 {
		order.Timestamp = time.Now().UnixMilli()
	}

	if order.OrderID == "" {
		return nil, &ValidationError{Field: "orderId", Reason: "is required"}
	}
	if order.Side != SideBuy && order.Side != SideSell {
		return nil, &ValidationError{Field: "side", Reason: "must be BUY or SELL"}
	}
	if order.OrderType != OrderTypeMarket {
		return nil, &ValidationError{Field: "orderType", Reason: "must be MARKET"}
	}
	if order.Quantity <= 0 || math.IsNaN(order.Quantity) {
		return nil, &ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	if order.CurrentPrice <= 0 || math.IsNaN(order.CurrentPrice) {
		return nil, &ValidationError{Field: "currentPrice", Reason: "must be positive"}
	}

	return &order, nil
}

// Round2 rounds to two decimal places, the tick size of the simulated market.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
