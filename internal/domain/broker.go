package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Broker-facing types. Money amounts carry decimal to avoid float drift in
// account arithmetic; per-share prices stay float64 for the scoring math.

// Quote is a current-price snapshot for one code. The valuation fields ride
// on the same broker payload as the price and may be zero for codes without
// reported earnings.
type Quote struct {
	Code      string    `json:"code"`
	Price     float64   `json:"price"`
	Change    float64   `json:"change"`
	ChangePct float64   `json:"change_pct"`
	Volume    int64     `json:"volume"`
	PER       float64   `json:"per,omitempty"`
	PBR       float64   `json:"pbr,omitempty"`
	MarketCap float64   `json:"market_cap,omitempty"` // KRW millions
	High52w   float64   `json:"high_52w,omitempty"`
	Low52w    float64   `json:"low_52w,omitempty"`
	At        time.Time `json:"at"`
}

// Fundamentals are the slow-moving financial ratios for one code, taken from
// the issuer's most recent reporting period.
type Fundamentals struct {
	Code            string    `json:"code"`
	Period          string    `json:"period"` // YYYYMM of the report
	ROE             float64   `json:"roe"`
	EPS             float64   `json:"eps"`
	BPS             float64   `json:"bps"`
	RevenueGrowth   float64   `json:"revenue_growth"`    // % YoY
	OpIncomeGrowth  float64   `json:"op_income_growth"`  // % YoY
	NetIncomeGrowth float64   `json:"net_income_growth"` // % YoY
	DebtRatio       float64   `json:"debt_ratio"`        // %
	At              time.Time `json:"at"`
}

// Balance is the account cash/equity state.
type Balance struct {
	Cash        decimal.Decimal `json:"cash"`
	Equity      decimal.Decimal `json:"equity"`      // cash + market value of positions
	TotalProfit decimal.Decimal `json:"total_profit"`
	At          time.Time       `json:"at"`
}

// BrokerPosition is an open position as the broker reports it.
type BrokerPosition struct {
	Code          string          `json:"code"`
	Name          string          `json:"name"`
	Quantity      int64           `json:"quantity"`
	AvgPrice      float64         `json:"avg_price"`
	CurrentPrice  float64         `json:"current_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// OrderType selects the brokerage order pricing mode.
type OrderType string

const (
	OrderLimit  OrderType = "limit"
	OrderMarket OrderType = "market"
)

// OrderRequest is a validated order submission.
type OrderRequest struct {
	Side  Side      `json:"side"`
	Code  string    `json:"code"`
	Qty   int64     `json:"qty"`
	Price float64   `json:"price"` // ignored for market orders
	Type  OrderType `json:"type"`
}

// Validate checks the request against the order schema before send.
func (r OrderRequest) Validate() error {
	if err := ValidateCode(r.Code); err != nil {
		return err
	}
	if r.Side != SideBuy && r.Side != SideSell {
		return ErrInvalidOrder("side must be BUY or SELL")
	}
	if r.Qty <= 0 {
		return ErrInvalidOrder("quantity must be positive")
	}
	if r.Type == OrderLimit && r.Price <= 0 {
		return ErrInvalidOrder("limit price must be positive")
	}
	if r.Type != OrderLimit && r.Type != OrderMarket {
		return ErrInvalidOrder("unknown order type")
	}
	return nil
}

// ErrInvalidOrder is a permanent validation failure on an order request.
type ErrInvalidOrder string

func (e ErrInvalidOrder) Error() string { return "invalid order: " + string(e) }

// OrderResult is the broker's acknowledgement of an accepted order.
type OrderResult struct {
	OrderID   string    `json:"order_id"`
	Code      string    `json:"code"`
	Side      Side      `json:"side"`
	Qty       int64     `json:"qty"`
	Price     float64   `json:"price"`
	OrderedAt time.Time `json:"ordered_at"`
}

// BatchQuote is one entry of a batch price fetch: either a quote or an error.
type BatchQuote struct {
	Code  string `json:"code"`
	Quote *Quote `json:"quote,omitempty"`
	Err   error  `json:"-"`
}

// BatchResult carries partial results of a bounded-concurrency batch fetch.
type BatchResult struct {
	Quotes []BatchQuote
}

// SuccessRate returns the fraction of codes that produced a quote.
func (b BatchResult) SuccessRate() float64 {
	if len(b.Quotes) == 0 {
		return 1.0
	}
	ok := 0
	for _, q := range b.Quotes {
		if q.Err == nil && q.Quote != nil {
			ok++
		}
	}
	return float64(ok) / float64(len(b.Quotes))
}

// Ok returns only the successful quotes, keyed by code.
func (b BatchResult) Ok() map[string]Quote {
	out := make(map[string]Quote, len(b.Quotes))
	for _, q := range b.Quotes {
		if q.Err == nil && q.Quote != nil {
			out[q.Code] = *q.Quote
		}
	}
	return out
}

// Broker abstracts the brokerage client for components that trade and fetch
// market data. The concrete implementation owns rate limiting, caching,
// token lifecycle and the retry policy; callers never retry.
type Broker interface {
	GetPrice(ctx context.Context, code string) (Quote, error)
	GetPrices(ctx context.Context, codes []string) BatchResult
	GetDailyOHLCV(ctx context.Context, code string, days int) ([]Candle, error)
	GetFundamentals(ctx context.Context, code string) (Fundamentals, error)
	GetAccountBalance(ctx context.Context) (Balance, error)
	GetPositions(ctx context.Context) ([]BrokerPosition, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, orderID, code string) error
}
