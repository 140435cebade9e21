package engine

import (
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"

	"github.com/haetae-bot/haetae/internal/domain"
)

func setupTradeDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE trades (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			code            TEXT NOT NULL,
			side            TEXT NOT NULL CHECK (side IN ('BUY', 'SELL')),
			order_id        TEXT NOT NULL DEFAULT '',
			requested_price REAL NOT NULL,
			filled_price    REAL NOT NULL DEFAULT 0,
			quantity        INTEGER NOT NULL,
			fees            REAL NOT NULL DEFAULT 0,
			commission      REAL NOT NULL DEFAULT 0,
			slippage_pct    REAL NOT NULL DEFAULT 0,
			realized_pnl    REAL,
			entry_at        TEXT NOT NULL,
			exit_at         TEXT,
			strategy_tag    TEXT NOT NULL DEFAULT ''
		)
	`)
	require.NoError(t, err)
	return db
}

func newTestTrades(t *testing.T) *TradeRepository {
	t.Helper()
	repo := NewTradeRepository(setupTradeDB(t), zerolog.Nop())
	repo.now = func() time.Time {
		return time.Date(2025, 8, 25, 10, 30, 0, 0, time.UTC)
	}
	return repo
}

func buyLeg(code string, qty int64, price float64, at time.Time) domain.TradeRecord {
	return domain.TradeRecord{
		Code:           code,
		Side:           domain.SideBuy,
		OrderID:        "B-" + code,
		RequestedPrice: price,
		FilledPrice:    price,
		Quantity:       qty,
		EntryAt:        at,
		StrategyTag:    "daily_selection",
	}
}

func sellLeg(code string, qty int64, price, pnl float64, at time.Time) domain.TradeRecord {
	return domain.TradeRecord{
		Code:           code,
		Side:           domain.SideSell,
		OrderID:        "S-" + code,
		RequestedPrice: price,
		FilledPrice:    price,
		Quantity:       qty,
		RealizedPnL:    &pnl,
		EntryAt:        at,
		ExitAt:         &at,
		StrategyTag:    "stop_loss",
	}
}

func TestTradeRepository_InsertAndRecent(t *testing.T) {
	repo := newTestTrades(t)
	at := time.Date(2025, 8, 25, 9, 1, 0, 0, time.UTC)

	id, err := repo.Insert(buyLeg("005930", 10, 71000, at))
	require.NoError(t, err)
	assert.Positive(t, id)

	_, err = repo.Insert(sellLeg("005930", 10, 73000, 19800, at.Add(time.Hour)))
	require.NoError(t, err)

	got, err := repo.Recent(10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Chronological order: the buy first, the sell after.
	assert.Equal(t, domain.SideBuy, got[0].Side)
	assert.Nil(t, got[0].RealizedPnL)
	assert.Equal(t, at, got[0].EntryAt.UTC())

	assert.Equal(t, domain.SideSell, got[1].Side)
	require.NotNil(t, got[1].RealizedPnL)
	assert.InDelta(t, 19800, *got[1].RealizedPnL, 1e-9)
	require.NotNil(t, got[1].ExitAt)
}

func TestTradeRepository_InsertValidates(t *testing.T) {
	repo := newTestTrades(t)

	_, err := repo.Insert(domain.TradeRecord{Side: domain.SideBuy, Quantity: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a code")

	_, err = repo.Insert(domain.TradeRecord{Code: "005930", Side: "HOLD", Quantity: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid side")
}

func TestTradeRepository_RecentKeepsLatestWindow(t *testing.T) {
	repo := newTestTrades(t)
	at := time.Date(2025, 8, 25, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, err := repo.Insert(buyLeg("005930", int64(i+1), 70000, at.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}

	got, err := repo.Recent(3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	// The three newest legs, oldest of those first.
	assert.Equal(t, int64(3), got[0].Quantity)
	assert.Equal(t, int64(5), got[2].Quantity)
}

func TestTradeRepository_CloseOpenBuys(t *testing.T) {
	repo := newTestTrades(t)
	at := time.Date(2025, 8, 20, 9, 30, 0, 0, time.UTC)

	_, err := repo.Insert(buyLeg("005930", 10, 70000, at))
	require.NoError(t, err)
	_, err = repo.Insert(buyLeg("000660", 5, 120000, at))
	require.NoError(t, err)

	exitAt := at.Add(48 * time.Hour)
	require.NoError(t, repo.CloseOpenBuys("005930", exitAt))

	got, err := repo.Recent(10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, rec := range got {
		switch rec.Code {
		case "005930":
			require.NotNil(t, rec.ExitAt)
			assert.Equal(t, exitAt, rec.ExitAt.UTC())
			// The stamp closes the leg without moving PnL onto it.
			assert.Nil(t, rec.RealizedPnL)
		case "000660":
			assert.Nil(t, rec.ExitAt)
		}
	}
}

func TestTradeRepository_OldestOpenBuy(t *testing.T) {
	repo := newTestTrades(t)
	first := time.Date(2025, 8, 18, 9, 5, 0, 0, time.UTC)

	_, err := repo.Insert(buyLeg("005930", 10, 70000, first))
	require.NoError(t, err)
	_, err = repo.Insert(buyLeg("005930", 5, 70500, first.Add(24*time.Hour)))
	require.NoError(t, err)

	at, ok, err := repo.OldestOpenBuy("005930")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, first, at.UTC())

	_, ok, err = repo.OldestOpenBuy("000660")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.CloseOpenBuys("005930", first.Add(72*time.Hour)))
	_, ok, err = repo.OldestOpenBuy("005930")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTradeRepository_RealizedOn(t *testing.T) {
	repo := newTestTrades(t)
	day := time.Date(2025, 8, 25, 14, 0, 0, 0, time.UTC)

	_, err := repo.Insert(buyLeg("005930", 10, 70000, day.Add(-5*time.Hour)))
	require.NoError(t, err)
	_, err = repo.Insert(sellLeg("005930", 10, 72000, 19500, day))
	require.NoError(t, err)
	_, err = repo.Insert(sellLeg("000660", 5, 118000, -10200, day.Add(time.Hour)))
	require.NoError(t, err)
	// Previous day's round trip stays out of today's summary.
	_, err = repo.Insert(sellLeg("035420", 3, 210000, 5000, day.Add(-26*time.Hour)))
	require.NoError(t, err)

	pnl, n, err := repo.RealizedOn("2025-08-25")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.InDelta(t, 9300, pnl, 1e-9)

	pnl, n, err = repo.RealizedOn("2025-08-23")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, pnl)
}
