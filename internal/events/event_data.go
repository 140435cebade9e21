package events

// EventData is implemented by every typed event payload.
type EventData interface {
	// EventType returns the event type this payload belongs to.
	EventType() EventType
}

// WatchlistUpdatedData is published after a Phase-1 screening run.
type WatchlistUpdatedData struct {
	Count   int `json:"count"`
	Scanned int `json:"scanned"`
}

func (d *WatchlistUpdatedData) EventType() EventType { return WatchlistUpdated }

// BatchCompletedData is published when a Phase-2 batch finishes scoring.
type BatchCompletedData struct {
	Date   string `json:"date"`
	Batch  int    `json:"batch"`
	Scored int    `json:"scored"`
}

func (d *BatchCompletedData) EventType() EventType { return BatchCompleted }

// BatchSkippedData is published when a batch exhausts its retries.
type BatchSkippedData struct {
	Date   string `json:"date"`
	Batch  int    `json:"batch"`
	Reason string `json:"reason"`
}

func (d *BatchSkippedData) EventType() EventType { return BatchSkipped }

// SelectionFinalizedData is published when the day's selection is written.
type SelectionFinalizedData struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

func (d *SelectionFinalizedData) EventType() EventType { return SelectionFinalized }

// TokenRefreshedData is published after a successful token refresh.
type TokenRefreshedData struct {
	Env       string `json:"env"`
	ExpiresAt string `json:"expires_at"`
}

func (d *TokenRefreshedData) EventType() EventType { return TokenRefreshed }

// OrderFilledData is published for every filled order.
type OrderFilledData struct {
	Code        string  `json:"code"`
	Side        string  `json:"side"`
	Quantity    int     `json:"quantity"`
	Price       float64 `json:"price"`
	OrderID     string  `json:"order_id,omitempty"`
	SlippagePct float64 `json:"slippage_pct"`
}

func (d *OrderFilledData) EventType() EventType { return OrderFilled }

// OrderRejectedData is published when risk approval refuses an order.
type OrderRejectedData struct {
	Code   string `json:"code"`
	Side   string `json:"side"`
	Reason string `json:"reason"`
}

func (d *OrderRejectedData) EventType() EventType { return OrderRejected }

// PositionClosedData is published when an exit completes.
type PositionClosedData struct {
	Code        string  `json:"code"`
	Reason      string  `json:"reason"`
	RealizedPnL float64 `json:"realized_pnl"`
}

func (d *PositionClosedData) EventType() EventType { return PositionClosed }

// DrawdownLevelChangedData is published on every ladder transition.
type DrawdownLevelChangedData struct {
	From     string  `json:"from"`
	To       string  `json:"to"`
	Drawdown float64 `json:"drawdown"`
}

func (d *DrawdownLevelChangedData) EventType() EventType { return DrawdownLevelChanged }

// CircuitTrippedData is published when the circuit breaker opens.
type CircuitTrippedData struct {
	Reason string `json:"reason"`
	Detail string `json:"detail"`
	Until  string `json:"until"`
}

func (d *CircuitTrippedData) EventType() EventType { return CircuitTripped }

// CircuitResetData is published when the breaker closes again, either by
// cooldown expiry or by a verified manual reset.
type CircuitResetData struct {
	Manual bool   `json:"manual"`
	Reason string `json:"reason,omitempty"`
}

func (d *CircuitResetData) EventType() EventType { return CircuitReset }

// BackupCompletedData is published after a nightly backup upload.
type BackupCompletedData struct {
	Key      string  `json:"key"`
	Bytes    int64   `json:"bytes"`
	Duration float64 `json:"duration_seconds"`
}

func (d *BackupCompletedData) EventType() EventType { return BackupCompleted }

// ErrorEventData is published for failures that subscribers (notifier,
// error ledger) should see without holding a handle to the source. The
// correlation id is minted at emit time so the ledger row and the operator
// notification reference the same failure.
type ErrorEventData struct {
	Error         string `json:"error"`
	Severity      string `json:"severity,omitempty"`
	Service       string `json:"service,omitempty"`
	Module        string `json:"module,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (d *ErrorEventData) EventType() EventType { return ErrorOccurred }
