package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitEvent(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case event := <-ch:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func noEvent(t *testing.T, ch <-chan *Event) {
	t.Helper()
	select {
	case event := <-ch:
		t.Fatalf("unexpected event %s", event.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_DeliversToAllSubscribers(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	first := make(chan *Event, 1)
	second := make(chan *Event, 1)
	bus.Subscribe(BatchCompleted, func(event *Event) { first <- event })
	bus.Subscribe(BatchCompleted, func(event *Event) { second <- event })

	bus.Emit(BatchCompleted, "selection", map[string]interface{}{"batch": 3})

	for _, ch := range []chan *Event{first, second} {
		event := waitEvent(t, ch)
		assert.Equal(t, BatchCompleted, event.Type)
		assert.Equal(t, "selection", event.Module)
		assert.False(t, event.Timestamp.IsZero())
	}
}

func TestBus_SubscriptionIsPerType(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	filled := make(chan *Event, 1)
	bus.Subscribe(OrderFilled, func(event *Event) { filled <- event })

	bus.Emit(BatchCompleted, "selection", nil)
	noEvent(t, filled)

	bus.Emit(OrderFilled, "engine", nil)
	event := waitEvent(t, filled)
	assert.Equal(t, OrderFilled, event.Type)
}

func TestBus_PanickingHandlerDoesNotStopPeers(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	survived := make(chan *Event, 1)
	bus.Subscribe(CircuitTripped, func(event *Event) { panic("bad subscriber") })
	bus.Subscribe(CircuitTripped, func(event *Event) { survived <- event })

	bus.Emit(CircuitTripped, "risk", nil)

	event := waitEvent(t, survived)
	assert.Equal(t, CircuitTripped, event.Type)
}

func TestBus_EmitWithoutSubscribersIsNoop(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	bus.Emit(TokenRefreshed, "token", map[string]interface{}{"env": "virtual"})
}

func TestManager_EmitTypedRoundTrip(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	manager := NewManager(bus, zerolog.Nop())

	received := make(chan *Event, 1)
	bus.Subscribe(OrderFilled, func(event *Event) { received <- event })

	manager.EmitTyped("engine", &OrderFilledData{
		Code:        "005930",
		Side:        "BUY",
		Quantity:    10,
		Price:       71_200,
		OrderID:     "ORD-1",
		SlippagePct: 0.12,
	})

	event := waitEvent(t, received)
	require.Equal(t, OrderFilled, event.Type)

	typed, ok := event.GetTypedData().(*OrderFilledData)
	require.True(t, ok, "expected *OrderFilledData, got %T", event.GetTypedData())
	assert.Equal(t, "005930", typed.Code)
	assert.Equal(t, "BUY", typed.Side)
	assert.Equal(t, 10, typed.Quantity)
	assert.InDelta(t, 71_200.0, typed.Price, 1e-9)
	assert.Equal(t, "ORD-1", typed.OrderID)
	assert.InDelta(t, 0.12, typed.SlippagePct, 1e-9)
}

func TestManager_EmitError(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	manager := NewManager(bus, zerolog.Nop())

	received := make(chan *Event, 1)
	bus.Subscribe(ErrorOccurred, func(event *Event) { received <- event })

	manager.EmitError("screener", fmt.Errorf("universe fetch: timeout"), "error")

	event := waitEvent(t, received)
	typed, ok := event.GetTypedData().(*ErrorEventData)
	require.True(t, ok)
	assert.Equal(t, "universe fetch: timeout", typed.Error)
	assert.Equal(t, "error", typed.Severity)
	assert.Equal(t, "screener", typed.Module)
	assert.NotEmpty(t, typed.CorrelationID)
}

func TestEvent_GetTypedData(t *testing.T) {
	t.Run("drawdown transition", func(t *testing.T) {
		event := &Event{
			Type: DrawdownLevelChanged,
			Data: map[string]interface{}{
				"from":     "warn",
				"to":       "reduce",
				"drawdown": 0.051,
			},
		}
		typed, ok := event.GetTypedData().(*DrawdownLevelChangedData)
		require.True(t, ok)
		assert.Equal(t, "warn", typed.From)
		assert.Equal(t, "reduce", typed.To)
		assert.InDelta(t, 0.051, typed.Drawdown, 1e-9)
	})

	t.Run("unknown type", func(t *testing.T) {
		event := &Event{Type: EventType("SOMETHING_ELSE"), Data: map[string]interface{}{"x": 1}}
		assert.Nil(t, event.GetTypedData())
	})

	t.Run("nil payload", func(t *testing.T) {
		event := &Event{Type: BatchCompleted}
		assert.Nil(t, event.GetTypedData())
	})
}
