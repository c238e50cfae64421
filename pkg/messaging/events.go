package messaging

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Notification kinds emitted for off-chain observers. Subjects on the wire
// equal the event type.
const (
	EventTypeAirlineRegistered  = "airline.registered"
	EventTypeAirlineAuthorized  = "airline.authorized"
	EventTypeInsurancePurchased = "insurance.purchased"
	EventTypeInsureeCredited    = "insuree.credited"
	EventTypeInsureePaid        = "insuree.paid"
)

// Event is the envelope published for every notification.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// AirlineEvent carries registration and authorization notifications.
type AirlineEvent struct {
	Airline uuid.UUID `json:"airline"`
	Name    string    `json:"name,omitempty"`
}

// PurchaseEvent carries an insurance purchase, with the derived flight key
// for off-chain correlation.
type PurchaseEvent struct {
	Airline   uuid.UUID `json:"airline"`
	Insuree   uuid.UUID `json:"insuree"`
	Flight    string    `json:"flight"`
	Timestamp int64     `json:"flight_timestamp"`
	FlightKey string    `json:"flight_key"`
	Amount    string    `json:"amount"`
}

// CreditEvent names the crediting airline and the credited amount.
type CreditEvent struct {
	Airline uuid.UUID `json:"airline"`
	Insuree uuid.UUID `json:"insuree"`
	Amount  string    `json:"amount"`
}

// PayoutEvent carries a completed payout.
type PayoutEvent struct {
	Airline uuid.UUID `json:"airline"`
	Insuree uuid.UUID `json:"insuree"`
	Amount  string    `json:"amount"`
}

// NewEvent wraps a payload in an envelope. Marshal failures are programming
// errors on our own payload types, so they panic rather than return.
func NewEvent(eventType string, payload interface{}) Event {
	data, err := json.Marshal(payload)
	if err != nil {
		panic("messaging: unmarshalable payload: " + err.Error())
	}
	return Event{
		ID:        uuid.New(),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// ParseEventData decodes the payload of an event into the given type.
func ParseEventData[T any](event Event) (*T, error) {
	var data T
	if err := json.Unmarshal(event.Data, &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// Notifier delivers events to observers. Delivery is fire-and-forget:
// implementations deal with their own failures and must not block the
// state transition that produced the event.
type Notifier interface {
	Notify(event Event)
}

// Discard is a Notifier that drops everything, for deployments without a
// broker.
type Discard struct{}

func (Discard) Notify(Event) {}
