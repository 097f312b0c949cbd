package billing

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Gateway event types
const (
	EventCredentialIssued = "CREDENTIAL_ISSUED"
	EventChargeSucceeded  = "CHARGE_SUCCEEDED"
	EventChargeFailed     = "CHARGE_FAILED"
	EventChargeCanceled   = "CHARGE_CANCELED"
)

// EventMeta is the envelope shared by every gateway event
type EventMeta struct {
	ID        string
	Type      string
	CreatedAt time.Time
	// Key deduplicates deliveries: the event id, or a payload hash when the
	// gateway sent none
	Key string
}

// Event is one of CredentialIssuedEvent, ChargeSucceededEvent,
// ChargeFailedEvent, ChargeCanceledEvent or UnknownEvent
type Event interface {
	Meta() EventMeta
	sealed()
}

// CredentialIssuedEvent reports a billing credential bound at the gateway
type CredentialIssuedEvent struct {
	EventMeta
	CustomerKey   string
	CredentialRef string
	CustomerRef   string
}

// ChargeSucceededEvent reports a settled charge
type ChargeSucceededEvent struct {
	EventMeta
	ChargeRef        string
	PaymentRef       string
	CustomerKey      string
	AmountMinorUnits int64
}

// ChargeFailedEvent reports a declined charge
type ChargeFailedEvent struct {
	EventMeta
	ChargeRef        string
	CustomerKey      string
	AmountMinorUnits int64
	Code             string
	Message          string
}

// ChargeCanceledEvent reports a settled charge that was cancelled (refunded)
type ChargeCanceledEvent struct {
	EventMeta
	ChargeRef        string
	PaymentRef       string
	CustomerKey      string
	AmountMinorUnits int64
	Reason           string
}

// UnknownEvent is any event type tollgate does not handle
type UnknownEvent struct {
	EventMeta
	Data json.RawMessage
}

func (e EventMeta) Meta() EventMeta { return e }

func (CredentialIssuedEvent) sealed() {}
func (ChargeSucceededEvent) sealed()  {}
func (ChargeFailedEvent) sealed()     {}
func (ChargeCanceledEvent) sealed()   {}
func (UnknownEvent) sealed()          {}

type eventEnvelope struct {
	EventID   string          `json:"eventId"`
	EventType string          `json:"eventType"`
	CreatedAt time.Time       `json:"createdAt"`
	Data      json.RawMessage `json:"data"`
}

type eventData struct {
	CustomerKey  string `json:"customerKey"`
	BillingKey   string `json:"billingKey"`
	CustomerRef  string `json:"customerRef"`
	OrderID      string `json:"orderId"`
	PaymentKey   string `json:"paymentKey"`
	Amount       int64  `json:"amount"`
	CancelReason string `json:"cancelReason"`
	Failure      struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"failure"`
}

// EventKey returns the deduplication key for a delivery
func EventKey(eventID string, body []byte) string {
	if id := strings.TrimSpace(eventID); id != "" {
		return id
	}
	sum := sha256.Sum256(body)
	return "hash:" + hex.EncodeToString(sum[:])
}

// DecodeEvent parses a webhook body into its typed variant
func DecodeEvent(body []byte) (Event, error) {
	var env eventEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.EventType == "" {
		return nil, fmt.Errorf("%w: missing eventType", ErrMalformedEvent)
	}

	meta := EventMeta{
		ID:        env.EventID,
		Type:      env.EventType,
		CreatedAt: env.CreatedAt,
		Key:       EventKey(env.EventID, body),
	}

	var data eventData
	switch env.EventType {
	case EventCredentialIssued, EventChargeSucceeded, EventChargeFailed, EventChargeCanceled:
		if len(env.Data) == 0 {
			return nil, fmt.Errorf("%w: %s without data", ErrMalformedEvent, env.EventType)
		}
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
	default:
		return UnknownEvent{EventMeta: meta, Data: env.Data}, nil
	}

	if env.EventType == EventCredentialIssued {
		if data.CustomerKey == "" || data.BillingKey == "" {
			return nil, fmt.Errorf("%w: credential event needs customerKey and billingKey", ErrMalformedEvent)
		}
		return CredentialIssuedEvent{
			EventMeta:     meta,
			CustomerKey:   data.CustomerKey,
			CredentialRef: data.BillingKey,
			CustomerRef:   data.CustomerRef,
		}, nil
	}

	if data.OrderID == "" {
		return nil, fmt.Errorf("%w: %s without orderId", ErrMalformedEvent, env.EventType)
	}

	switch env.EventType {
	case EventChargeSucceeded:
		return ChargeSucceededEvent{
			EventMeta:        meta,
			ChargeRef:        data.OrderID,
			PaymentRef:       data.PaymentKey,
			CustomerKey:      data.CustomerKey,
			AmountMinorUnits: data.Amount,
		}, nil
	case EventChargeFailed:
		return ChargeFailedEvent{
			EventMeta:        meta,
			ChargeRef:        data.OrderID,
			CustomerKey:      data.CustomerKey,
			AmountMinorUnits: data.Amount,
			Code:             data.Failure.Code,
			Message:          data.Failure.Message,
		}, nil
	default:
		return ChargeCanceledEvent{
			EventMeta:        meta,
			ChargeRef:        data.OrderID,
			PaymentRef:       data.PaymentKey,
			CustomerKey:      data.CustomerKey,
			AmountMinorUnits: data.Amount,
			Reason:           data.CancelReason,
		}, nil
	}
}
