package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateCode(t *testing.T) {
	testCases := []struct {
		name    string
		code    string
		wantErr bool
	}{
		{"Common share", "005930", false},
		{"Preferred share numeric", "005935", false},
		{"Preferred second series K", "00593K", false},
		{"Preferred series L", "00593L", false},
		{"Preferred series M", "00593M", false},
		{"Leading zeros", "000660", false},
		{"Too short", "5930", true},
		{"Too long", "0059301", true},
		{"Empty", "", true},
		{"Alpha in numeric part", "0A5930", true},
		{"Unrecognized suffix", "00593X", true},
		{"Lowercase suffix", "00593k", true},
		{"ISIN-style", "KR7005930003", true},
		{"Whitespace", "005930 ", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateCode(tc.code)
			if tc.wantErr {
				assert.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidStockCode)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFactorWeights_Validate(t *testing.T) {
	valid := DefaultFactorWeights()
	assert.NoError(t, valid.Validate())

	t.Run("Missing factor", func(t *testing.T) {
		w := DefaultFactorWeights()
		delete(w, FactorValue)
		assert.Error(t, w.Validate())
	})

	t.Run("Weight above cap", func(t *testing.T) {
		w := DefaultFactorWeights()
		w[FactorMomentum] = 0.45
		w[FactorTechnical] = 0.05
		w[FactorValue] = 0.05
		assert.Error(t, w.Validate())
	})

	t.Run("Weight below floor", func(t *testing.T) {
		w := DefaultFactorWeights()
		w[FactorVolume] = 0.04
		w[FactorMomentum] = 0.26
		assert.Error(t, w.Validate())
	})

	t.Run("Sum not one", func(t *testing.T) {
		w := DefaultFactorWeights()
		w[FactorMomentum] = 0.25 // sum becomes 1.05
		assert.Error(t, w.Validate())
	})
}

func TestFactorWeights_ValidateStep(t *testing.T) {
	prev := DefaultFactorWeights()

	next := DefaultFactorWeights()
	next[FactorMomentum] = 0.25
	next[FactorTechnical] = 0.15
	assert.NoError(t, next.ValidateStep(prev), "0.05 move is allowed")

	jump := DefaultFactorWeights()
	jump[FactorMomentum] = 0.26
	jump[FactorTechnical] = 0.14
	assert.Error(t, jump.ValidateStep(prev), "0.06 move exceeds the cap")
}

func TestFactorScores_Composite(t *testing.T) {
	scores := FactorScores{
		Momentum:       1.0,
		Value:          1.0,
		Quality:        1.0,
		Volume:         1.0,
		Volatility:     1.0,
		Technical:      1.0,
		MarketStrength: 1.0,
	}
	// All factors at 1.0 with weights summing to 1 gives exactly 1.0.
	assert.InDelta(t, 1.0, scores.Composite(DefaultFactorWeights()), 1e-9)
}

func TestOrderRequest_Validate(t *testing.T) {
	ok := OrderRequest{Side: SideBuy, Code: "005930", Qty: 10, Price: 71000, Type: OrderLimit}
	assert.NoError(t, ok.Validate())

	testCases := []struct {
		name string
		req  OrderRequest
	}{
		{"Bad code", OrderRequest{Side: SideBuy, Code: "ABC", Qty: 10, Price: 100, Type: OrderLimit}},
		{"Zero qty", OrderRequest{Side: SideBuy, Code: "005930", Qty: 0, Price: 100, Type: OrderLimit}},
		{"Negative price", OrderRequest{Side: SideSell, Code: "005930", Qty: 1, Price: -5, Type: OrderLimit}},
		{"Bad side", OrderRequest{Side: "HOLD", Code: "005930", Qty: 1, Price: 100, Type: OrderLimit}},
		{"Bad type", OrderRequest{Side: SideBuy, Code: "005930", Qty: 1, Price: 100, Type: "stop"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, tc.req.Validate())
		})
	}

	market := OrderRequest{Side: SideSell, Code: "005930", Qty: 3, Type: OrderMarket}
	assert.NoError(t, market.Validate(), "market orders need no price")
}

func TestBatchResult_SuccessRate(t *testing.T) {
	empty := BatchResult{}
	assert.Equal(t, 1.0, empty.SuccessRate())

	mixed := BatchResult{Quotes: []BatchQuote{
		{Code: "005930", Quote: &Quote{Code: "005930", Price: 71000}},
		{Code: "000660", Quote: &Quote{Code: "000660", Price: 178000}},
		{Code: "035720", Err: assert.AnError},
		{Code: "051910", Quote: &Quote{Code: "051910", Price: 430000}},
	}}
	assert.InDelta(t, 0.75, mixed.SuccessRate(), 1e-9)
	assert.Len(t, mixed.Ok(), 3)
}
