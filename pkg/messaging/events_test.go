package messaging_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/aeromutual/pkg/messaging"
)

func TestNewEvent(t *testing.T) {
	payload := messaging.PurchaseEvent{
		Airline:   uuid.New(),
		Insuree:   uuid.New(),
		Flight:    "FL123",
		Timestamp: 1700000000,
		FlightKey: "abc",
		Amount:    "1",
	}

	event := messaging.NewEvent(messaging.EventTypeInsurancePurchased, payload)

	assert.NotEqual(t, uuid.Nil, event.ID)
	assert.Equal(t, messaging.EventTypeInsurancePurchased, event.Type)
	assert.False(t, event.Timestamp.IsZero())

	decoded, err := messaging.ParseEventData[messaging.PurchaseEvent](event)
	require.NoError(t, err)
	assert.Equal(t, payload, *decoded)
}

func TestParseEventDataMismatch(t *testing.T) {
	event := messaging.NewEvent(messaging.EventTypeAirlineRegistered, messaging.AirlineEvent{
		Airline: uuid.New(),
		Name:    "Aurora Air",
	})

	// Decoding into an incompatible shape fails rather than silently zeroing.
	event.Data = []byte(`{"airline": 42}`)
	_, err := messaging.ParseEventData[messaging.AirlineEvent](event)
	assert.Error(t, err)
}

func TestRecorder(t *testing.T) {
	rec := messaging.NewRecorder()

	first := uuid.New()
	second := uuid.New()
	rec.Notify(messaging.NewEvent(messaging.EventTypeAirlineRegistered, messaging.AirlineEvent{Airline: first}))
	rec.Notify(messaging.NewEvent(messaging.EventTypeAirlineAuthorized, messaging.AirlineEvent{Airline: first}))
	rec.Notify(messaging.NewEvent(messaging.EventTypeAirlineRegistered, messaging.AirlineEvent{Airline: second}))

	assert.Len(t, rec.Events(), 3)

	registered := rec.ByType(messaging.EventTypeAirlineRegistered)
	require.Len(t, registered, 2)

	// Order of recording is preserved per type.
	a, err := messaging.ParseEventData[messaging.AirlineEvent](registered[0])
	require.NoError(t, err)
	b, err := messaging.ParseEventData[messaging.AirlineEvent](registered[1])
	require.NoError(t, err)
	assert.Equal(t, first, a.Airline)
	assert.Equal(t, second, b.Airline)

	assert.Empty(t, rec.ByType(messaging.EventTypeInsureePaid))
}
