package screener

import (
	"database/sql"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"

	"github.com/haetae-bot/haetae/internal/domain"
)

func setupWatchlistDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE watchlist_stocks (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			code              TEXT NOT NULL,
			name              TEXT NOT NULL,
			market            TEXT NOT NULL CHECK (market IN ('KOSPI', 'KOSDAQ')),
			sector            TEXT NOT NULL DEFAULT '',
			fundamental_score REAL NOT NULL DEFAULT 0,
			technical_score   REAL NOT NULL DEFAULT 0,
			momentum_score    REAL NOT NULL DEFAULT 0,
			total_score       REAL NOT NULL DEFAULT 0,
			added_at          TEXT NOT NULL,
			active            INTEGER NOT NULL DEFAULT 1
		)
	`)
	require.NoError(t, err)

	_, err = db.Exec(`CREATE UNIQUE INDEX idx_watchlist_active_code ON watchlist_stocks(code) WHERE active = 1`)
	require.NoError(t, err)
	return db
}

func entry(code string, total float64) domain.WatchlistEntry {
	return domain.WatchlistEntry{
		Code:             code,
		Name:             "Stock " + code,
		Market:           domain.MarketKOSPI,
		Sector:           "Electronics",
		FundamentalScore: total,
		TechnicalScore:   total,
		MomentumScore:    total,
		TotalScore:       total,
	}
}

func TestReplace_InsertsNewEntries(t *testing.T) {
	repo := NewWatchlistRepository(setupWatchlistDB(t), zerolog.Nop())

	stats, err := repo.Replace([]domain.WatchlistEntry{entry("005930", 80), entry("000660", 70)})
	require.NoError(t, err)
	assert.Equal(t, ReplaceStats{Added: 2}, stats)

	active, err := repo.Active()
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "005930", active[0].Code, "ordered by total score descending")
	assert.True(t, active[0].Active)
	assert.False(t, active[0].AddedAt.IsZero())
}

func TestReplace_UpdatesKeepRowAndAddedAt(t *testing.T) {
	repo := NewWatchlistRepository(setupWatchlistDB(t), zerolog.Nop())

	_, err := repo.Replace([]domain.WatchlistEntry{entry("005930", 60)})
	require.NoError(t, err)
	before, err := repo.ByCode("005930")
	require.NoError(t, err)
	require.NotNil(t, before)

	stats, err := repo.Replace([]domain.WatchlistEntry{entry("005930", 90)})
	require.NoError(t, err)
	assert.Equal(t, ReplaceStats{Updated: 1}, stats)

	after, err := repo.ByCode("005930")
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.Equal(t, before.ID, after.ID, "surviving codes keep their row")
	assert.Equal(t, before.AddedAt, after.AddedAt, "added_at records first admission")
	assert.Equal(t, 90.0, after.TotalScore)
}

func TestReplace_DeactivatesDroppedKeepsHistory(t *testing.T) {
	db := setupWatchlistDB(t)
	repo := NewWatchlistRepository(db, zerolog.Nop())

	_, err := repo.Replace([]domain.WatchlistEntry{entry("005930", 80), entry("000660", 70)})
	require.NoError(t, err)

	stats, err := repo.Replace([]domain.WatchlistEntry{entry("005930", 80), entry("035420", 75)})
	require.NoError(t, err)
	assert.Equal(t, ReplaceStats{Added: 1, Updated: 1, Deactivated: 1}, stats)

	dropped, err := repo.ByCode("000660")
	require.NoError(t, err)
	assert.Nil(t, dropped)

	var rows int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM watchlist_stocks").Scan(&rows))
	assert.Equal(t, 3, rows, "deactivation keeps the history row")
}

func TestReplace_EmptyDeactivatesAll(t *testing.T) {
	repo := NewWatchlistRepository(setupWatchlistDB(t), zerolog.Nop())

	_, err := repo.Replace([]domain.WatchlistEntry{entry("005930", 80), entry("000660", 70)})
	require.NoError(t, err)

	stats, err := repo.Replace(nil)
	require.NoError(t, err)
	assert.Equal(t, ReplaceStats{Deactivated: 2}, stats)

	n, err := repo.ActiveCount()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReplace_ReadmittedCodeGetsFreshRow(t *testing.T) {
	db := setupWatchlistDB(t)
	repo := NewWatchlistRepository(db, zerolog.Nop())

	_, err := repo.Replace([]domain.WatchlistEntry{entry("005930", 80)})
	require.NoError(t, err)
	first, err := repo.ByCode("005930")
	require.NoError(t, err)

	_, err = repo.Replace(nil)
	require.NoError(t, err)

	stats, err := repo.Replace([]domain.WatchlistEntry{entry("005930", 85)})
	require.NoError(t, err)
	assert.Equal(t, ReplaceStats{Added: 1}, stats)

	second, err := repo.ByCode("005930")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Greater(t, second.ID, first.ID)

	var rows int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM watchlist_stocks WHERE code = '005930'").Scan(&rows))
	assert.Equal(t, 2, rows)
}

func TestActive_TieBreaksByCode(t *testing.T) {
	repo := NewWatchlistRepository(setupWatchlistDB(t), zerolog.Nop())

	_, err := repo.Replace([]domain.WatchlistEntry{entry("035420", 70), entry("000660", 70), entry("005930", 90)})
	require.NoError(t, err)

	active, err := repo.Active()
	require.NoError(t, err)
	require.Len(t, active, 3)
	assert.Equal(t, "005930", active[0].Code)
	assert.Equal(t, "000660", active[1].Code)
	assert.Equal(t, "035420", active[2].Code)
}

func TestDeactivate_SingleCode(t *testing.T) {
	repo := NewWatchlistRepository(setupWatchlistDB(t), zerolog.Nop())

	_, err := repo.Replace([]domain.WatchlistEntry{entry("005930", 80)})
	require.NoError(t, err)

	require.NoError(t, repo.Deactivate("005930"))
	require.NoError(t, repo.Deactivate("005930"), "repeat deactivation is a no-op")

	got, err := repo.ByCode("005930")
	require.NoError(t, err)
	assert.Nil(t, got)
}
