// Package events provides the in-process event bus and the typed event
// payloads published on it.
package events

import (
	"encoding/json"
	"time"
)

// EventType identifies a kind of system event.
type EventType string

const (
	WatchlistUpdated     EventType = "WATCHLIST_UPDATED"
	BatchCompleted       EventType = "BATCH_COMPLETED"
	BatchSkipped         EventType = "BATCH_SKIPPED"
	SelectionFinalized   EventType = "SELECTION_FINALIZED"
	TokenRefreshed       EventType = "TOKEN_REFRESHED"
	OrderFilled          EventType = "ORDER_FILLED"
	OrderRejected        EventType = "ORDER_REJECTED"
	PositionClosed       EventType = "POSITION_CLOSED"
	DrawdownLevelChanged EventType = "DRAWDOWN_LEVEL_CHANGED"
	CircuitTripped       EventType = "CIRCUIT_TRIPPED"
	CircuitReset         EventType = "CIRCUIT_RESET"
	BackupCompleted      EventType = "BACKUP_COMPLETED"
	ErrorOccurred        EventType = "ERROR_OCCURRED"
)

// Event is a published system event. Data holds the payload as a generic
// map; GetTypedData converts it back to the typed payload for the event
// type when a subscriber wants structured access.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Module    string                 `json:"module"`
	Data      map[string]interface{} `json:"data"`
}

// GetTypedData converts the payload map back to the typed struct for the
// event's type. Returns nil when the payload is absent or does not decode.
func (e *Event) GetTypedData() EventData {
	if e.Data == nil {
		return nil
	}

	var data EventData
	switch e.Type {
	case WatchlistUpdated:
		data = &WatchlistUpdatedData{}
	case BatchCompleted:
		data = &BatchCompletedData{}
	case BatchSkipped:
		data = &BatchSkippedData{}
	case SelectionFinalized:
		data = &SelectionFinalizedData{}
	case TokenRefreshed:
		data = &TokenRefreshedData{}
	case OrderFilled:
		data = &OrderFilledData{}
	case OrderRejected:
		data = &OrderRejectedData{}
	case PositionClosed:
		data = &PositionClosedData{}
	case DrawdownLevelChanged:
		data = &DrawdownLevelChangedData{}
	case CircuitTripped:
		data = &CircuitTrippedData{}
	case CircuitReset:
		data = &CircuitResetData{}
	case BackupCompleted:
		data = &BackupCompletedData{}
	case ErrorOccurred:
		data = &ErrorEventData{}
	default:
		return nil
	}

	if err := convertMapToStruct(e.Data, data); err != nil {
		return nil
	}
	return data
}

func convertMapToStruct(m map[string]interface{}, v interface{}) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
