package notify

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/haetae-bot/haetae/internal/events"
)

// RegisterListeners subscribes operator alerts to the high-severity bus
// events: circuit breaker transitions, drawdown ladder moves, and critical
// errors. Routine events stay off the channel to keep it readable.
func RegisterListeners(bus *events.Bus, notifier Notifier, log zerolog.Logger) {
	log = log.With().Str("component", "notify_listeners").Logger()

	send := func(text string) {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := notifier.Send(ctx, text); err != nil {
			log.Error().Err(err).Msg("Notification failed")
		}
	}

	bus.Subscribe(events.CircuitTripped, func(event *events.Event) {
		data, ok := event.GetTypedData().(*events.CircuitTrippedData)
		if !ok {
			return
		}
		send(fmt.Sprintf("*CIRCUIT BREAKER TRIPPED*\nReason: %s\nDetail: %s\nOpen until: %s",
			data.Reason, data.Detail, data.Until))
	})

	bus.Subscribe(events.CircuitReset, func(event *events.Event) {
		data, ok := event.GetTypedData().(*events.CircuitResetData)
		if !ok {
			return
		}
		how := "cooldown expired"
		if data.Manual {
			how = "manual reset"
		}
		send(fmt.Sprintf("*Circuit breaker closed* (%s)", how))
	})

	bus.Subscribe(events.DrawdownLevelChanged, func(event *events.Event) {
		data, ok := event.GetTypedData().(*events.DrawdownLevelChangedData)
		if !ok {
			return
		}
		send(fmt.Sprintf("*DRAWDOWN %s -> %s*\nCurrent drawdown: %.1f%%",
			data.From, data.To, data.Drawdown*100))
	})

	bus.Subscribe(events.ErrorOccurred, func(event *events.Event) {
		data, ok := event.GetTypedData().(*events.ErrorEventData)
		if !ok || data.Severity != "critical" {
			return
		}
		text := fmt.Sprintf("*CRITICAL* %s/%s\n%s", data.Service, data.Module, data.Error)
		if data.CorrelationID != "" {
			text += "\nRef: " + data.CorrelationID
		}
		send(text)
	})
}
