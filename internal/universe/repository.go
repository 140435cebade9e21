package universe

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/haetae-bot/haetae/internal/domain"
)

// stampLayout is the updated_at text format. Nanosecond precision keeps
// the prune comparison strict even for back-to-back syncs.
const stampLayout = "2006-01-02 15:04:05.000000000"

const stockColumns = "code, name, market, sector"

// StockRepository persists the listing snapshot in the stocks table.
type StockRepository struct {
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time
}

// NewStockRepository creates a stock repository.
func NewStockRepository(db *sql.DB, log zerolog.Logger) *StockRepository {
	return &StockRepository{
		db:  db,
		log: log.With().Str("repo", "stocks").Logger(),
		now: time.Now,
	}
}

// ReplaceAll upserts the given listing and prunes rows that are no longer
// listed, in one transaction. Every surviving row gets the same sync
// timestamp; anything older was absent from this snapshot and is removed.
// Returns the number of rows in the new snapshot.
func (r *StockRepository) ReplaceAll(stocks []domain.Stock) (int, error) {
	if len(stocks) == 0 {
		return 0, fmt.Errorf("refusing to replace listing with an empty snapshot")
	}

	syncedAt := r.now().UTC().Format(stampLayout)

	tx, err := r.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO stocks (code, name, market, sector, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			name = excluded.name,
			market = excluded.market,
			sector = excluded.sector,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, s := range stocks {
		if err := s.Validate(); err != nil {
			return 0, err
		}
		if _, err := stmt.Exec(s.Code, s.Name, string(s.Market), s.Sector, syncedAt); err != nil {
			return 0, fmt.Errorf("failed to upsert stock %s: %w", s.Code, err)
		}
	}

	res, err := tx.Exec("DELETE FROM stocks WHERE updated_at < ?", syncedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to prune delisted stocks: %w", err)
	}
	pruned, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	if pruned > 0 {
		r.log.Info().Int64("pruned", pruned).Int("listed", len(stocks)).Msg("Delisted stocks removed")
	}
	return len(stocks), nil
}

// All returns the full listing ordered by code.
func (r *StockRepository) All() ([]domain.Stock, error) {
	rows, err := r.db.Query("SELECT " + stockColumns + " FROM stocks ORDER BY code")
	if err != nil {
		return nil, fmt.Errorf("failed to query stocks: %w", err)
	}
	defer rows.Close()

	var stocks []domain.Stock
	for rows.Next() {
		s, err := scanStock(rows)
		if err != nil {
			return nil, err
		}
		stocks = append(stocks, s)
	}
	return stocks, rows.Err()
}

// ByCode returns one stock, or nil when the code is not listed.
func (r *StockRepository) ByCode(code string) (*domain.Stock, error) {
	rows, err := r.db.Query("SELECT "+stockColumns+" FROM stocks WHERE code = ?", code)
	if err != nil {
		return nil, fmt.Errorf("failed to query stock by code: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	s, err := scanStock(rows)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Count returns the number of listed stocks.
func (r *StockRepository) Count() (int, error) {
	var n int
	if err := r.db.QueryRow("SELECT COUNT(*) FROM stocks").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count stocks: %w", err)
	}
	return n, nil
}

func scanStock(rows *sql.Rows) (domain.Stock, error) {
	var s domain.Stock
	var market string
	if err := rows.Scan(&s.Code, &s.Name, &market, &s.Sector); err != nil {
		return domain.Stock{}, fmt.Errorf("failed to scan stock: %w", err)
	}
	s.Market = domain.Market(market)
	return s, nil
}
