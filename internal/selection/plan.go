package selection

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/haetae-bot/haetae/internal/artifacts"
	"github.com/haetae-bot/haetae/internal/domain"
)

// BatchState is the lifecycle state of one batch.
type BatchState string

const (
	BatchPending   BatchState = "pending"
	BatchRunning   BatchState = "running"
	BatchCompleted BatchState = "completed"
	BatchFailed    BatchState = "failed"
	BatchSkipped   BatchState = "skipped"
)

// maxBatchAttempts is the initial run plus two retries.
const maxBatchAttempts = 3

// PlanEntry is one watchlist stock assigned to a batch.
type PlanEntry struct {
	Code     string  `json:"code"`
	Name     string  `json:"name"`
	Sector   string  `json:"sector"`
	Priority float64 `json:"priority"`
}

// BatchPlan tracks one batch through the state machine.
type BatchPlan struct {
	ID        int         `json:"id"`
	State     BatchState  `json:"state"`
	Attempts  int         `json:"attempts"`
	LastError string      `json:"last_error,omitempty"`
	Entries   []PlanEntry `json:"entries"`
}

// Terminal reports whether the batch needs no further work.
func (b *BatchPlan) Terminal() bool {
	return b.State == BatchCompleted || b.State == BatchSkipped
}

// Plan is the day's batch assignment and progress record. It is rewritten
// after every state change, so a restart resumes exactly where the previous
// process stopped.
type Plan struct {
	Date        string               `json:"date"` // YYYY-MM-DD
	GeneratedAt time.Time            `json:"generated_at"`
	Weights     domain.FactorWeights `json:"weights"`
	WeightsFrom string               `json:"weights_from"` // "file" or "defaults"
	Batches     []BatchPlan          `json:"batches"`
}

// PlanPath returns the plan artifact location for one day.
func PlanPath(store *artifacts.Store, day string) string {
	return filepath.Join(store.SelectionDir(day), "plan.json")
}

// LoadPlan reads a day's plan. Batches found in Running state were
// interrupted mid-flight; the interrupted run counts as a failed attempt.
func LoadPlan(store *artifacts.Store, day string) (*Plan, error) {
	var p Plan
	if err := artifacts.Read(PlanPath(store, day), &p); err != nil {
		return nil, err
	}
	if p.Date != day {
		return nil, fmt.Errorf("plan at %s is for %s, not %s", PlanPath(store, day), p.Date, day)
	}
	for i := range p.Batches {
		if p.Batches[i].State == BatchRunning {
			p.Batches[i].State = BatchFailed
			p.Batches[i].LastError = "interrupted by restart"
			if p.Batches[i].Attempts >= maxBatchAttempts {
				p.Batches[i].State = BatchSkipped
			}
		}
	}
	return &p, nil
}

// Save atomically persists the plan.
func (p *Plan) Save(store *artifacts.Store) error {
	return artifacts.Write(PlanPath(store, p.Date), p)
}

// Complete reports whether every batch reached a terminal state.
func (p *Plan) Complete() bool {
	for i := range p.Batches {
		if !p.Batches[i].Terminal() {
			return false
		}
	}
	return true
}

// Runnable returns ids of batches still eligible to run, in id order.
func (p *Plan) Runnable() []int {
	var ids []int
	for i := range p.Batches {
		switch p.Batches[i].State {
		case BatchPending, BatchFailed:
			ids = append(ids, p.Batches[i].ID)
		}
	}
	return ids
}

// Batch returns the batch with the given id.
func (p *Plan) Batch(id int) (*BatchPlan, error) {
	for i := range p.Batches {
		if p.Batches[i].ID == id {
			return &p.Batches[i], nil
		}
	}
	return nil, fmt.Errorf("plan for %s has no batch %d", p.Date, id)
}

// Start transitions a batch to Running and spends one attempt.
func (p *Plan) Start(id int) (*BatchPlan, error) {
	b, err := p.Batch(id)
	if err != nil {
		return nil, err
	}
	switch b.State {
	case BatchPending, BatchFailed:
	case BatchRunning:
		return nil, fmt.Errorf("batch %d is already running", id)
	default:
		return nil, fmt.Errorf("batch %d is %s, not runnable", id, b.State)
	}
	if b.Attempts >= maxBatchAttempts {
		return nil, fmt.Errorf("batch %d exhausted its %d attempts", id, maxBatchAttempts)
	}
	b.State = BatchRunning
	b.Attempts++
	b.LastError = ""
	return b, nil
}

// Finish records a batch outcome. A failure past the attempt cap marks the
// batch Skipped; the phase then completes without it.
func (p *Plan) Finish(id int, runErr error) (*BatchPlan, error) {
	b, err := p.Batch(id)
	if err != nil {
		return nil, err
	}
	if b.State != BatchRunning {
		return nil, fmt.Errorf("batch %d is %s, cannot finish", id, b.State)
	}
	if runErr == nil {
		b.State = BatchCompleted
		b.LastError = ""
		return b, nil
	}
	b.LastError = runErr.Error()
	if b.Attempts >= maxBatchAttempts {
		b.State = BatchSkipped
	} else {
		b.State = BatchFailed
	}
	return b, nil
}

// Skip marks a batch Skipped outright. Used for empty batches and for the
// whole plan when the watchlist is empty.
func (p *Plan) Skip(id int, reason string) error {
	b, err := p.Batch(id)
	if err != nil {
		return err
	}
	if b.State == BatchCompleted {
		return fmt.Errorf("batch %d already completed, cannot skip", id)
	}
	b.State = BatchSkipped
	b.LastError = reason
	return nil
}

// Counts summarizes batch states for logging.
func (p *Plan) Counts() (completed, skipped, remaining int) {
	for i := range p.Batches {
		switch p.Batches[i].State {
		case BatchCompleted:
			completed++
		case BatchSkipped:
			skipped++
		default:
			remaining++
		}
	}
	return completed, skipped, remaining
}
