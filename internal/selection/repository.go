package selection

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/haetae-bot/haetae/internal/database"
	"github.com/haetae-bot/haetae/internal/domain"
)

const selectionColumns = "id, code, name, sector, date, entry_price, attractiveness, " +
	"risk_score, signal_count, stop_loss, take_profit, target_fraction, status"

// Repository persists DailySelection rows. Rows are created by the Phase-2
// pipeline; only their status column is touched afterwards, by the engine.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a selection repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "daily_selections").Logger(),
	}
}

// ReplaceDay writes the day's selections in one transaction. Re-running the
// pipeline for the same day refreshes the advisory columns but keeps the
// status of rows the engine already transitioned (bought, sold); a
// previously cancelled code that is selected again revives to pending.
// Pending rows for codes no longer selected are cancelled.
func (r *Repository) ReplaceDay(date string, sels []domain.DailySelection) error {
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		upsert, err := tx.Prepare(`
			INSERT INTO daily_selections
				(code, name, sector, date, entry_price, attractiveness, risk_score,
				 signal_count, stop_loss, take_profit, target_fraction, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (code, date) DO UPDATE SET
				name            = excluded.name,
				sector          = excluded.sector,
				entry_price     = excluded.entry_price,
				attractiveness  = excluded.attractiveness,
				risk_score      = excluded.risk_score,
				signal_count    = excluded.signal_count,
				stop_loss       = excluded.stop_loss,
				take_profit     = excluded.take_profit,
				target_fraction = excluded.target_fraction,
				status          = CASE WHEN daily_selections.status = 'cancelled'
				                       THEN excluded.status
				                       ELSE daily_selections.status END`)
		if err != nil {
			return fmt.Errorf("preparing selection upsert: %w", err)
		}
		defer upsert.Close()

		keep := make(map[string]bool, len(sels))
		for _, s := range sels {
			if s.Code == "" || s.Date != date {
				return fmt.Errorf("selection %q/%q does not belong to %s", s.Code, s.Date, date)
			}
			status := s.Status
			if status == "" {
				status = domain.SelectionPending
			}
			if _, err := upsert.Exec(s.Code, s.Name, s.Sector, s.Date, s.EntryPrice,
				s.Attractiveness, s.RiskScore, s.SignalCount, s.StopLoss, s.TakeProfit,
				s.TargetFraction, status); err != nil {
				return fmt.Errorf("upserting selection %s: %w", s.Code, err)
			}
			keep[s.Code] = true
		}

		rows, err := tx.Query(`SELECT code FROM daily_selections WHERE date = ? AND status = ?`,
			date, domain.SelectionPending)
		if err != nil {
			return fmt.Errorf("listing pending selections: %w", err)
		}
		var stale []string
		for rows.Next() {
			var code string
			if err := rows.Scan(&code); err != nil {
				rows.Close()
				return fmt.Errorf("scanning pending selection: %w", err)
			}
			if !keep[code] {
				stale = append(stale, code)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterating pending selections: %w", err)
		}
		for _, code := range stale {
			if _, err := tx.Exec(`UPDATE daily_selections SET status = ? WHERE code = ? AND date = ?`,
				domain.SelectionCancelled, code, date); err != nil {
				return fmt.Errorf("cancelling stale selection %s: %w", code, err)
			}
		}
		if len(stale) > 0 {
			r.log.Info().Str("date", date).Int("cancelled", len(stale)).
				Msg("Cancelled selections dropped by pipeline re-run")
		}
		return nil
	})
}

// ByDate returns the day's selections ranked most attractive first.
func (r *Repository) ByDate(date string) ([]domain.DailySelection, error) {
	rows, err := r.db.Query(
		"SELECT "+selectionColumns+" FROM daily_selections WHERE date = ? "+
			"ORDER BY attractiveness DESC, code ASC", date)
	if err != nil {
		return nil, fmt.Errorf("querying selections for %s: %w", date, err)
	}
	defer rows.Close()
	return collectSelections(rows)
}

// PendingByDate returns the day's selections the engine has not acted on yet.
func (r *Repository) PendingByDate(date string) ([]domain.DailySelection, error) {
	rows, err := r.db.Query(
		"SELECT "+selectionColumns+" FROM daily_selections WHERE date = ? AND status = ? "+
			"ORDER BY attractiveness DESC, code ASC", date, domain.SelectionPending)
	if err != nil {
		return nil, fmt.Errorf("querying pending selections for %s: %w", date, err)
	}
	defer rows.Close()
	return collectSelections(rows)
}

// ByCodeDate returns one selection, or nil when the code was not selected
// that day.
func (r *Repository) ByCodeDate(code, date string) (*domain.DailySelection, error) {
	rows, err := r.db.Query(
		"SELECT "+selectionColumns+" FROM daily_selections WHERE code = ? AND date = ?",
		code, date)
	if err != nil {
		return nil, fmt.Errorf("querying selection %s/%s: %w", code, date, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	s, err := scanSelection(rows)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// UpdateStatus transitions one selection's lifecycle state.
func (r *Repository) UpdateStatus(code, date string, status domain.SelectionStatus) error {
	res, err := r.db.Exec(`UPDATE daily_selections SET status = ? WHERE code = ? AND date = ?`,
		status, code, date)
	if err != nil {
		return fmt.Errorf("updating selection %s/%s: %w", code, date, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking selection update %s/%s: %w", code, date, err)
	}
	if n == 0 {
		return fmt.Errorf("selection %s/%s does not exist", code, date)
	}
	return nil
}

// CountByDate returns the number of selections for the day.
func (r *Repository) CountByDate(date string) (int, error) {
	row := r.db.QueryRow(`SELECT COUNT(*) FROM daily_selections WHERE date = ?`, date)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("counting selections for %s: %w", date, err)
	}
	return n, nil
}

func collectSelections(rows *sql.Rows) ([]domain.DailySelection, error) {
	var out []domain.DailySelection
	for rows.Next() {
		s, err := scanSelection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating selections: %w", err)
	}
	return out, nil
}

func scanSelection(rows *sql.Rows) (domain.DailySelection, error) {
	var s domain.DailySelection
	var status string
	if err := rows.Scan(&s.ID, &s.Code, &s.Name, &s.Sector, &s.Date, &s.EntryPrice,
		&s.Attractiveness, &s.RiskScore, &s.SignalCount, &s.StopLoss, &s.TakeProfit,
		&s.TargetFraction, &status); err != nil {
		return domain.DailySelection{}, fmt.Errorf("scanning selection: %w", err)
	}
	s.Status = domain.SelectionStatus(status)
	return s, nil
}
