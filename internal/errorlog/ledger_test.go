package errorlog

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haetae-bot/haetae/internal/domain"
	"github.com/haetae-bot/haetae/internal/events"
)

func newTestLedger(t *testing.T) (*Ledger, *Repository) {
	t.Helper()
	repo := newTestRepo(t)
	return NewLedger(repo, zerolog.Nop()), repo
}

func TestLedger_ReportCapturesStack(t *testing.T) {
	ledger, repo := newTestLedger(t)

	corrID := ledger.Report(domain.SeverityError, "kis", "orders", TypeTransient,
		fmt.Errorf("place order: connection reset"))
	require.NotEmpty(t, corrID)

	records, err := repo.Recent(1)
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	assert.Equal(t, corrID, rec.CorrelationID)
	assert.Equal(t, "place order: connection reset", rec.Message)
	assert.Equal(t, "kis", rec.Service)
	assert.Equal(t, "orders", rec.Module)
	assert.Equal(t, TypeTransient, rec.TypeTag)
	assert.Contains(t, rec.Stack, "goroutine")
}

func TestLedger_WarningSkipsStack(t *testing.T) {
	ledger, repo := newTestLedger(t)

	ledger.Report(domain.SeverityWarning, "engine", "slippage", TypeTransient,
		fmt.Errorf("slippage 0.8%% above threshold"))

	records, err := repo.Recent(1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Empty(t, records[0].Stack)
}

func TestLedger_NilErrorIsNoop(t *testing.T) {
	ledger, repo := newTestLedger(t)

	ledger.ReportCorrelated("corr", domain.SeverityError, "engine", "orders", TypeTransient, nil)

	records, err := repo.Recent(10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRegisterListeners_PersistsErrorEvents(t *testing.T) {
	ledger, repo := newTestLedger(t)
	bus := events.NewBus(zerolog.Nop())
	RegisterListeners(bus, ledger, zerolog.Nop())

	manager := events.NewManager(bus, zerolog.Nop())
	manager.EmitError("screener", fmt.Errorf("universe fetch: timeout"), "warning")

	require.Eventually(t, func() bool {
		records, err := repo.Recent(1)
		return err == nil && len(records) == 1
	}, 2*time.Second, 10*time.Millisecond)

	records, err := repo.Recent(1)
	require.NoError(t, err)
	rec := records[0]
	assert.Equal(t, "universe fetch: timeout", rec.Message)
	assert.Equal(t, domain.SeverityWarning, rec.Severity)
	assert.Equal(t, "screener", rec.Module)
	assert.NotEmpty(t, rec.CorrelationID)
}

func TestRegisterListeners_PersistsCircuitTrips(t *testing.T) {
	ledger, repo := newTestLedger(t)
	bus := events.NewBus(zerolog.Nop())
	RegisterListeners(bus, ledger, zerolog.Nop())

	manager := events.NewManager(bus, zerolog.Nop())
	manager.EmitTyped("risk", &events.CircuitTrippedData{
		Reason: "daily_loss",
		Detail: "daily loss 2.3%",
		Until:  "2025-08-26T09:00:00Z",
	})

	require.Eventually(t, func() bool {
		records, err := repo.Recent(1)
		return err == nil && len(records) == 1
	}, 2*time.Second, 10*time.Millisecond)

	records, err := repo.Recent(1)
	require.NoError(t, err)
	rec := records[0]
	assert.Equal(t, domain.SeverityCritical, rec.Severity)
	assert.Equal(t, TypeRejection, rec.TypeTag)
	assert.Contains(t, rec.Message, "daily_loss")
	assert.Contains(t, rec.Message, "daily loss 2.3%")
}
