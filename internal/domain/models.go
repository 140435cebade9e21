package domain

import "time"

// WatchlistEntry is one stock admitted by Phase-1 screening.
// At most one active entry exists per code.
type WatchlistEntry struct {
	ID               int64     `json:"id"`
	Code             string    `json:"code"`
	Name             string    `json:"name"`
	Market           Market    `json:"market"`
	Sector           string    `json:"sector"`
	FundamentalScore float64   `json:"fundamental_score"`
	TechnicalScore   float64   `json:"technical_score"`
	MomentumScore    float64   `json:"momentum_score"`
	TotalScore       float64   `json:"total_score"`
	AddedAt          time.Time `json:"added_at"`
	Active           bool      `json:"active"`
}

// SelectionStatus is the lifecycle state of a DailySelection.
type SelectionStatus string

const (
	SelectionPending   SelectionStatus = "pending"
	SelectionBought    SelectionStatus = "bought"
	SelectionSold      SelectionStatus = "sold"
	SelectionCancelled SelectionStatus = "cancelled"
)

// DailySelection is one stock chosen by Phase 2 for a given trading day.
// Unique by (Code, Date).
type DailySelection struct {
	ID             int64           `json:"id"`
	Code           string          `json:"code"`
	Name           string          `json:"name"`
	Sector         string          `json:"sector"`
	Date           string          `json:"date"` // YYYY-MM-DD
	EntryPrice     float64         `json:"entry_price"`
	Attractiveness float64         `json:"attractiveness"` // composite, [0,100]
	RiskScore      float64         `json:"risk_score"`
	SignalCount    int             `json:"signal_count"`
	StopLoss       float64         `json:"stop_loss"`
	TakeProfit     float64         `json:"take_profit"`
	TargetFraction float64         `json:"target_fraction"` // of account equity, [0.02,0.40]
	Status         SelectionStatus `json:"status"`
}

// TradeRecord is one executed order leg. Append-only; a sell backfills
// realized PnL onto its paired buy.
type TradeRecord struct {
	ID             int64      `json:"id"`
	Code           string     `json:"code"`
	Side           Side       `json:"side"`
	OrderID        string     `json:"order_id"`
	RequestedPrice float64    `json:"requested_price"`
	FilledPrice    float64    `json:"filled_price"`
	Quantity       int64      `json:"quantity"`
	Fees           float64    `json:"fees"`
	Commission     float64    `json:"commission"`
	SlippagePct    float64    `json:"slippage_pct"`
	RealizedPnL    *float64   `json:"realized_pnl,omitempty"` // sells only
	EntryAt        time.Time  `json:"entry_at"`
	ExitAt         *time.Time `json:"exit_at,omitempty"`
	StrategyTag    string     `json:"strategy_tag"`
}

// Position is the derived open-position view for one code.
type Position struct {
	Code         string    `json:"code"`
	Quantity     int64     `json:"quantity"`
	AvgEntry     float64   `json:"avg_entry"`
	CurrentPrice float64   `json:"current_price"`
	Exposure     float64   `json:"exposure"`
	ATRAtEntry   float64   `json:"atr_at_entry"`
	StopLoss     float64   `json:"stop_loss"`
	TakeProfit   float64   `json:"take_profit"`
	OpenedAt     time.Time `json:"opened_at"`
}

// UnrealizedPnL returns the mark-to-market profit on the open quantity.
func (p Position) UnrealizedPnL() float64 {
	return (p.CurrentPrice - p.AvgEntry) * float64(p.Quantity)
}

// HoldingDays returns whole days since the position was opened.
func (p Position) HoldingDays(now time.Time) int {
	return int(now.Sub(p.OpenedAt).Hours() / 24)
}

// Severity grades an error row.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// ErrorRecord is one row of the persistent error ledger. Message and Stack
// are truncated at write time, never rejected for length.
type ErrorRecord struct {
	ID             int64      `json:"id"`
	At             time.Time  `json:"at"`
	Severity       Severity   `json:"severity"`
	Service        string     `json:"service"`
	Module         string     `json:"module"`
	CorrelationID  string     `json:"correlation_id"`
	Message        string     `json:"message"`
	Stack          string     `json:"stack,omitempty"`
	TypeTag        string     `json:"type_tag"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolutionNote string     `json:"resolution_note,omitempty"`
}
