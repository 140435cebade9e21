package engine

import (
	"errors"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/haetae-bot/haetae/internal/artifacts"
	"github.com/haetae-bot/haetae/internal/domain"
	"github.com/haetae-bot/haetae/internal/risk"
)

// PositionBook is the engine's view of open positions: broker quantities
// plus the local state the broker does not carry, stop levels, the ATR at
// entry and the holding clock. It persists to an artifact so trailing-stop
// progress survives a restart.
type PositionBook struct {
	mu        sync.Mutex
	path      string
	log       zerolog.Logger
	positions map[string]domain.Position
}

type bookArtifact struct {
	SavedAt   time.Time         `json:"saved_at"`
	Positions []domain.Position `json:"positions"`
}

// NewPositionBook loads the persisted book if one exists. A missing
// artifact means a fresh book; any other read failure is surfaced because
// silently dropping stop levels is worse than refusing to start.
func NewPositionBook(path string, log zerolog.Logger) (*PositionBook, error) {
	b := &PositionBook{
		path:      path,
		log:       log.With().Str("component", "position_book").Logger(),
		positions: make(map[string]domain.Position),
	}
	var saved bookArtifact
	if err := artifacts.Read(path, &saved); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return b, nil
		}
		return nil, err
	}
	for _, pos := range saved.Positions {
		b.positions[pos.Code] = pos
	}
	b.log.Info().Int("positions", len(saved.Positions)).Msg("Position book restored")
	return b, nil
}

// Get returns the position for a code, if held.
func (b *PositionBook) Get(code string) (domain.Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos, ok := b.positions[code]
	return pos, ok
}

// Has reports whether the code is held.
func (b *PositionBook) Has(code string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.positions[code]
	return ok
}

// Len returns the number of open positions.
func (b *PositionBook) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.positions)
}

// Snapshot returns the open positions sorted by code.
func (b *PositionBook) Snapshot() []domain.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Position, 0, len(b.positions))
	for _, pos := range b.positions {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// TotalExposure returns the summed market value of open positions.
func (b *PositionBook) TotalExposure() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0.0
	for _, pos := range b.positions {
		total += pos.Exposure
	}
	return total
}

// Open records a new or replaced position and persists the book.
func (b *PositionBook) Open(pos domain.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos.Exposure = pos.CurrentPrice * float64(pos.Quantity)
	b.positions[pos.Code] = pos
	b.persistLocked()
}

// Close removes a position and persists the book.
func (b *PositionBook) Close(code string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.positions, code)
	b.persistLocked()
}

// MarkPrice updates the mark for a held code. Marks are ephemeral, so the
// book is not persisted on every tick.
func (b *PositionBook) MarkPrice(code string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos, ok := b.positions[code]
	if !ok {
		return
	}
	pos.CurrentPrice = price
	pos.Exposure = price * float64(pos.Quantity)
	b.positions[code] = pos
}

// RaiseStop lifts the stop-loss for a held code. The stop only ever rises;
// a candidate at or below the current level is ignored. Returns the stop
// in force after the call and whether it moved.
func (b *PositionBook) RaiseStop(code string, candidate float64) (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos, ok := b.positions[code]
	if !ok {
		return 0, false
	}
	next := risk.TrailStop(pos.StopLoss, candidate)
	if next == pos.StopLoss {
		return pos.StopLoss, false
	}
	pos.StopLoss = next
	b.positions[code] = pos
	b.persistLocked()
	return next, true
}

// SetLevels stores the initial stop-loss and take-profit for a held code.
func (b *PositionBook) SetLevels(code string, stopLoss, takeProfit, atr float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos, ok := b.positions[code]
	if !ok {
		return
	}
	pos.StopLoss = stopLoss
	pos.TakeProfit = takeProfit
	pos.ATRAtEntry = atr
	b.positions[code] = pos
	b.persistLocked()
}

// Reconcile replaces broker-owned fields with the broker's authoritative
// view. Codes the broker no longer reports are dropped; codes the book has
// never seen are added with the supplied opened-at fallback and no stop
// levels, which the engine fills in afterwards. Returns the added codes.
func (b *PositionBook) Reconcile(remote []domain.BrokerPosition, openedAt func(code string) time.Time) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	seen := make(map[string]bool, len(remote))
	var added []string
	for _, rp := range remote {
		if rp.Quantity <= 0 {
			continue
		}
		seen[rp.Code] = true
		pos, ok := b.positions[rp.Code]
		if !ok {
			pos = domain.Position{Code: rp.Code, OpenedAt: openedAt(rp.Code)}
			added = append(added, rp.Code)
		}
		pos.Quantity = rp.Quantity
		pos.AvgEntry = rp.AvgPrice
		pos.CurrentPrice = rp.CurrentPrice
		pos.Exposure = rp.CurrentPrice * float64(rp.Quantity)
		b.positions[rp.Code] = pos
	}
	for code := range b.positions {
		if !seen[code] {
			b.log.Warn().Str("code", code).Msg("Position absent at broker, dropping from book")
			delete(b.positions, code)
		}
	}
	b.persistLocked()
	return added
}

func (b *PositionBook) persistLocked() {
	art := bookArtifact{SavedAt: time.Now(), Positions: make([]domain.Position, 0, len(b.positions))}
	for _, pos := range b.positions {
		art.Positions = append(art.Positions, pos)
	}
	sort.Slice(art.Positions, func(i, j int) bool { return art.Positions[i].Code < art.Positions[j].Code })
	if err := artifacts.Write(b.path, art); err != nil {
		b.log.Error().Err(err).Msg("Persisting position book failed")
	}
}
