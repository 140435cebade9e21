package screener

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/haetae-bot/haetae/internal/domain"
)

const stampLayout = "2006-01-02 15:04:05.000000000"

const watchlistColumns = `id, code, name, market, sector,
fundamental_score, technical_score, momentum_score, total_score, added_at, active`

// WatchlistRepository persists watchlist entries. Rows are append-only
// history: replacing the watchlist deactivates rows instead of deleting
// them, and a partial unique index keeps at most one active row per code.
type WatchlistRepository struct {
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time
}

// NewWatchlistRepository creates a watchlist repository.
func NewWatchlistRepository(db *sql.DB, log zerolog.Logger) *WatchlistRepository {
	return &WatchlistRepository{
		db:  db,
		log: log.With().Str("repo", "watchlist").Logger(),
		now: time.Now,
	}
}

// ReplaceStats reports what a Replace changed.
type ReplaceStats struct {
	Added       int
	Updated     int
	Deactivated int
}

// Replace makes entries the active watchlist, in one transaction. Codes
// already active keep their row and added_at and get fresh scores; codes
// no longer present are deactivated; new codes are inserted. An empty
// slice deactivates everything, which is a legal screening outcome.
func (r *WatchlistRepository) Replace(entries []domain.WatchlistEntry) (ReplaceStats, error) {
	var stats ReplaceStats

	tx, err := r.db.Begin()
	if err != nil {
		return stats, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	activeCodes, err := activeCodeSet(tx)
	if err != nil {
		return stats, err
	}

	keep := make(map[string]bool, len(entries))
	addedAt := r.now().UTC().Format(stampLayout)
	for _, e := range entries {
		keep[e.Code] = true
		if activeCodes[e.Code] {
			_, err = tx.Exec(`
				UPDATE watchlist_stocks
				SET name = ?, market = ?, sector = ?,
					fundamental_score = ?, technical_score = ?, momentum_score = ?, total_score = ?
				WHERE code = ? AND active = 1`,
				e.Name, string(e.Market), e.Sector,
				e.FundamentalScore, e.TechnicalScore, e.MomentumScore, e.TotalScore,
				e.Code)
			if err != nil {
				return stats, fmt.Errorf("failed to update watchlist entry %s: %w", e.Code, err)
			}
			stats.Updated++
			continue
		}
		_, err = tx.Exec(`
			INSERT INTO watchlist_stocks
			(code, name, market, sector, fundamental_score, technical_score, momentum_score, total_score, added_at, active)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			e.Code, e.Name, string(e.Market), e.Sector,
			e.FundamentalScore, e.TechnicalScore, e.MomentumScore, e.TotalScore,
			addedAt)
		if err != nil {
			return stats, fmt.Errorf("failed to insert watchlist entry %s: %w", e.Code, err)
		}
		stats.Added++
	}

	for code := range activeCodes {
		if keep[code] {
			continue
		}
		if _, err := tx.Exec("UPDATE watchlist_stocks SET active = 0 WHERE code = ? AND active = 1", code); err != nil {
			return stats, fmt.Errorf("failed to deactivate watchlist entry %s: %w", code, err)
		}
		stats.Deactivated++
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return stats, nil
}

// Active returns the active watchlist ordered by total score descending,
// code ascending on ties.
func (r *WatchlistRepository) Active() ([]domain.WatchlistEntry, error) {
	rows, err := r.db.Query("SELECT " + watchlistColumns + " FROM watchlist_stocks WHERE active = 1 ORDER BY total_score DESC, code ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query active watchlist: %w", err)
	}
	defer rows.Close()

	var entries []domain.WatchlistEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ActiveCount returns the number of active entries.
func (r *WatchlistRepository) ActiveCount() (int, error) {
	var n int
	if err := r.db.QueryRow("SELECT COUNT(*) FROM watchlist_stocks WHERE active = 1").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count active watchlist: %w", err)
	}
	return n, nil
}

// Deactivate retires one code's active entry. Retiring a code that is not
// active is a no-op.
func (r *WatchlistRepository) Deactivate(code string) error {
	if _, err := r.db.Exec("UPDATE watchlist_stocks SET active = 0 WHERE code = ? AND active = 1", code); err != nil {
		return fmt.Errorf("failed to deactivate %s: %w", code, err)
	}
	return nil
}

// ByCode returns the active entry for code, or nil when none is active.
func (r *WatchlistRepository) ByCode(code string) (*domain.WatchlistEntry, error) {
	rows, err := r.db.Query("SELECT "+watchlistColumns+" FROM watchlist_stocks WHERE code = ? AND active = 1", code)
	if err != nil {
		return nil, fmt.Errorf("failed to query watchlist by code: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	e, err := scanEntry(rows)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func activeCodeSet(tx *sql.Tx) (map[string]bool, error) {
	rows, err := tx.Query("SELECT code FROM watchlist_stocks WHERE active = 1")
	if err != nil {
		return nil, fmt.Errorf("failed to query active codes: %w", err)
	}
	defer rows.Close()

	codes := make(map[string]bool)
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("failed to scan active code: %w", err)
		}
		codes[code] = true
	}
	return codes, rows.Err()
}

func scanEntry(rows *sql.Rows) (domain.WatchlistEntry, error) {
	var e domain.WatchlistEntry
	var market, addedAt string
	var active int
	err := rows.Scan(&e.ID, &e.Code, &e.Name, &market, &e.Sector,
		&e.FundamentalScore, &e.TechnicalScore, &e.MomentumScore, &e.TotalScore, &addedAt, &active)
	if err != nil {
		return domain.WatchlistEntry{}, fmt.Errorf("failed to scan watchlist entry: %w", err)
	}
	e.Market = domain.Market(market)
	e.Active = active == 1
	if t, err := time.Parse(stampLayout, addedAt); err == nil {
		e.AddedAt = t
	}
	return e, nil
}
