package engine

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/haetae-bot/haetae/internal/domain"
)

const stampLayout = "2006-01-02 15:04:05.000000000"

const tradeColumns = "id, code, side, order_id, requested_price, filled_price, " +
	"quantity, fees, commission, slippage_pct, realized_pnl, entry_at, exit_at, " +
	"strategy_tag"

// TradeRepository is the append-only trade ledger. Buy rows are inserted at
// fill with a NULL realized_pnl; the closing sell row carries the realized
// PnL and backfills exit_at onto the open buy rows it closes, so only sell
// rows ever count as completed round trips.
type TradeRepository struct {
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time
}

func NewTradeRepository(db *sql.DB, log zerolog.Logger) *TradeRepository {
	return &TradeRepository{
		db:  db,
		log: log.With().Str("repo", "trades").Logger(),
		now: time.Now,
	}
}

// Insert appends one trade leg and returns its row id.
func (r *TradeRepository) Insert(rec domain.TradeRecord) (int64, error) {
	if rec.Code == "" {
		return 0, fmt.Errorf("trade record requires a code")
	}
	if rec.Side != domain.SideBuy && rec.Side != domain.SideSell {
		return 0, fmt.Errorf("trade record has invalid side %q", rec.Side)
	}
	if rec.EntryAt.IsZero() {
		rec.EntryAt = r.now()
	}
	var exitAt interface{}
	if rec.ExitAt != nil {
		exitAt = rec.ExitAt.UTC().Format(stampLayout)
	}
	var pnl interface{}
	if rec.RealizedPnL != nil {
		pnl = *rec.RealizedPnL
	}
	res, err := r.db.Exec(
		"INSERT INTO trades (code, side, order_id, requested_price, filled_price, "+
			"quantity, fees, commission, slippage_pct, realized_pnl, entry_at, "+
			"exit_at, strategy_tag) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		rec.Code, string(rec.Side), rec.OrderID, rec.RequestedPrice, rec.FilledPrice,
		rec.Quantity, rec.Fees, rec.Commission, rec.SlippagePct, pnl,
		rec.EntryAt.UTC().Format(stampLayout), exitAt, rec.StrategyTag)
	if err != nil {
		return 0, fmt.Errorf("inserting trade for %s: %w", rec.Code, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading trade row id: %w", err)
	}
	return id, nil
}

// CloseOpenBuys stamps exit_at onto the code's open buy rows. The realized
// PnL stays on the sell row; the stamp only marks the buys as no longer
// open so position recovery ignores them.
func (r *TradeRepository) CloseOpenBuys(code string, exitAt time.Time) error {
	_, err := r.db.Exec(
		"UPDATE trades SET exit_at = ? WHERE code = ? AND side = ? AND exit_at IS NULL",
		exitAt.UTC().Format(stampLayout), code, string(domain.SideBuy))
	if err != nil {
		return fmt.Errorf("closing open buys for %s: %w", code, err)
	}
	return nil
}

// Recent returns the latest limit trade legs in chronological order, which
// is the order the sizing statistics fold them in.
func (r *TradeRepository) Recent(limit int) ([]domain.TradeRecord, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.db.Query(
		"SELECT "+tradeColumns+" FROM (SELECT "+tradeColumns+" FROM trades "+
			"ORDER BY id DESC LIMIT ?) ORDER BY id ASC", limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent trades: %w", err)
	}
	defer rows.Close()
	return collectTrades(rows)
}

// OldestOpenBuy returns the entry time of the earliest open buy for a code,
// used to restore the holding clock after a restart.
func (r *TradeRepository) OldestOpenBuy(code string) (time.Time, bool, error) {
	var stamp sql.NullString
	err := r.db.QueryRow(
		"SELECT MIN(entry_at) FROM trades WHERE code = ? AND side = ? AND exit_at IS NULL",
		code, string(domain.SideBuy)).Scan(&stamp)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("querying oldest open buy for %s: %w", code, err)
	}
	if !stamp.Valid || stamp.String == "" {
		return time.Time{}, false, nil
	}
	at, err := time.Parse(stampLayout, stamp.String)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parsing entry stamp %q: %w", stamp.String, err)
	}
	return at, true, nil
}

// RealizedOn sums the realized PnL of sells filled on the given trading day
// and returns the round-trip count alongside.
func (r *TradeRepository) RealizedOn(date string) (float64, int, error) {
	var sum sql.NullFloat64
	var n int
	err := r.db.QueryRow(
		"SELECT SUM(realized_pnl), COUNT(*) FROM trades "+
			"WHERE realized_pnl IS NOT NULL AND date(entry_at) = ?", date).Scan(&sum, &n)
	if err != nil {
		return 0, 0, fmt.Errorf("summing realized pnl for %s: %w", date, err)
	}
	return sum.Float64, n, nil
}

func collectTrades(rows *sql.Rows) ([]domain.TradeRecord, error) {
	var out []domain.TradeRecord
	for rows.Next() {
		rec, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating trade rows: %w", err)
	}
	return out, nil
}

func scanTrade(rows *sql.Rows) (domain.TradeRecord, error) {
	var rec domain.TradeRecord
	var side string
	var pnl sql.NullFloat64
	var entryAt string
	var exitAt sql.NullString
	err := rows.Scan(&rec.ID, &rec.Code, &side, &rec.OrderID, &rec.RequestedPrice,
		&rec.FilledPrice, &rec.Quantity, &rec.Fees, &rec.Commission,
		&rec.SlippagePct, &pnl, &entryAt, &exitAt, &rec.StrategyTag)
	if err != nil {
		return rec, fmt.Errorf("scanning trade row: %w", err)
	}
	rec.Side = domain.Side(side)
	if pnl.Valid {
		v := pnl.Float64
		rec.RealizedPnL = &v
	}
	if rec.EntryAt, err = time.Parse(stampLayout, entryAt); err != nil {
		return rec, fmt.Errorf("parsing entry stamp %q: %w", entryAt, err)
	}
	if exitAt.Valid && exitAt.String != "" {
		at, err := time.Parse(stampLayout, exitAt.String)
		if err != nil {
			return rec, fmt.Errorf("parsing exit stamp %q: %w", exitAt.String, err)
		}
		rec.ExitAt = &at
	}
	return rec, nil
}
