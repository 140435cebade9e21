package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haetae-bot/haetae/internal/artifacts"
	"github.com/haetae-bot/haetae/internal/cache"
	"github.com/haetae-bot/haetae/internal/database"
	"github.com/haetae-bot/haetae/internal/domain"
	"github.com/haetae-bot/haetae/internal/errorlog"
	"github.com/haetae-bot/haetae/internal/events"
	"github.com/haetae-bot/haetae/internal/governor"
	"github.com/haetae-bot/haetae/internal/risk"
	"github.com/haetae-bot/haetae/internal/selection"
	"github.com/haetae-bot/haetae/internal/telemetry"
	"github.com/haetae-bot/haetae/internal/token"
)

type serverFixture struct {
	srv     *Server
	db      *database.DB
	files   *artifacts.Store
	errors  *errorlog.Repository
	breaker *risk.CircuitBreaker
	bus     *events.Bus
}

func newTestServer(t *testing.T, breakerCfg risk.BreakerConfig) *serverFixture {
	t.Helper()
	tmp := t.TempDir()

	db, err := database.New(database.Config{
		Path:    filepath.Join(tmp, "haetae.db"),
		Profile: database.ProfileStandard,
	})
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })

	store := cache.New(nil, zerolog.Nop())
	t.Cleanup(store.Close)

	gov := governor.New([]governor.Window{
		{Tag: "per_minute", Span: time.Minute, Cap: 80},
	}, zerolog.Nop())

	errRepo := errorlog.NewRepository(db.Conn(), zerolog.Nop())

	breaker, err := risk.NewCircuitBreaker(breakerCfg, filepath.Join(tmp, "circuit_breaker.json"), nil, zerolog.Nop())
	require.NoError(t, err)
	drawdown, err := risk.NewDrawdownMonitor(risk.DrawdownMonitorConfig{}, filepath.Join(tmp, "drawdown.json"), zerolog.Nop())
	require.NoError(t, err)

	fx := &serverFixture{
		db:      db,
		files:   artifacts.NewStore(filepath.Join(tmp, "data")),
		errors:  errRepo,
		breaker: breaker,
		bus:     events.NewBus(zerolog.Nop()),
	}

	fx.srv = New(Config{Port: 0}, Deps{
		DB:         db,
		Cache:      store,
		Token:      token.New(filepath.Join(tmp, "token.json"), nil, nil, zerolog.Nop()),
		Governor:   gov,
		Errors:     errRepo,
		Telemetry:  telemetry.NewMonitor(gov, store, errRepo, tmp, zerolog.Nop()),
		Breaker:    breaker,
		Drawdown:   drawdown,
		Selections: selection.NewRepository(db.Conn(), zerolog.Nop()),
		Files:      fx.files,
		Events:     events.NewManager(fx.bus, zerolog.Nop()),
	}, zerolog.Nop())
	fx.srv.now = func() time.Time {
		return time.Date(2025, 8, 25, 10, 0, 0, 0, time.UTC)
	}
	return fx
}

func doRequest(t *testing.T, srv *Server, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	var body map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestLiveness(t *testing.T) {
	fx := newTestServer(t, risk.BreakerConfig{})

	rec, body := doRequest(t, fx.srv, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alive", body["status"])
	assert.Equal(t, "haetae", body["service"])
}

func TestHealth_ComponentBreakdown(t *testing.T) {
	fx := newTestServer(t, risk.BreakerConfig{})

	rec, body := doRequest(t, fx.srv, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])

	components := body["components"].(map[string]any)
	assert.Equal(t, "ok", components["database"].(map[string]any)["status"])
	// Memory-only cache has no primary to lose.
	assert.Equal(t, "ok", components["cache"].(map[string]any)["status"])
	// No token issued yet; degraded, not fatal.
	assert.Equal(t, "degraded", components["token"].(map[string]any)["status"])

	windows := body["governor"].([]any)
	require.Len(t, windows, 1)
	assert.Equal(t, "per_minute", windows[0].(map[string]any)["tag"])
}

func TestHealth_DatabaseDownIs503(t *testing.T) {
	fx := newTestServer(t, risk.BreakerConfig{})
	require.NoError(t, fx.db.Close())

	rec, body := doRequest(t, fx.srv, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unhealthy", body["status"])

	components := body["components"].(map[string]any)
	assert.Equal(t, "down", components["database"].(map[string]any)["status"])
}

func TestStatus_ReportsPlanAndRisk(t *testing.T) {
	fx := newTestServer(t, risk.BreakerConfig{})

	plan := selection.Plan{
		Date:        "2025-08-25",
		GeneratedAt: time.Date(2025, 8, 25, 7, 0, 0, 0, time.UTC),
		Batches: []selection.BatchPlan{
			{ID: 0, State: selection.BatchCompleted, Attempts: 1, Entries: []selection.PlanEntry{{Code: "005930"}, {Code: "000660"}}},
			{ID: 1, State: selection.BatchPending},
		},
	}
	require.NoError(t, artifacts.Write(selection.PlanPath(fx.files, "2025-08-25"), plan))

	rec, body := doRequest(t, fx.srv, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2025-08-25", body["day"])
	assert.Equal(t, float64(0), body["selection_count"])

	batches := body["batches"].([]any)
	require.Len(t, batches, 2)
	first := batches[0].(map[string]any)
	assert.Equal(t, "completed", first["state"])
	assert.Equal(t, float64(2), first["stocks"])

	assert.Equal(t, false, body["circuit_breaker"].(map[string]any)["open"])
	assert.Equal(t, "none", body["drawdown"].(map[string]any)["level"])
}

func TestStatus_BeforePlanExists(t *testing.T) {
	fx := newTestServer(t, risk.BreakerConfig{})

	rec, body := doRequest(t, fx.srv, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, body, "batches")
	assert.Contains(t, body, "circuit_breaker")
}

func TestRecentErrors(t *testing.T) {
	fx := newTestServer(t, risk.BreakerConfig{})

	_, err := fx.errors.Insert(domain.ErrorRecord{
		At: time.Now().UTC(), Severity: domain.SeverityError,
		Service: "kis", Module: "quote", Message: "older failure", TypeTag: "http",
	})
	require.NoError(t, err)
	_, err = fx.errors.Insert(domain.ErrorRecord{
		At: time.Now().UTC(), Severity: domain.SeverityWarning,
		Service: "cache", Module: "redis", Message: "newer failure", TypeTag: "conn",
	})
	require.NoError(t, err)

	rec, body := doRequest(t, fx.srv, httptest.NewRequest(http.MethodGet, "/api/errors/recent", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["count"])

	rec, body = doRequest(t, fx.srv, httptest.NewRequest(http.MethodGet, "/api/errors/recent?limit=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, float64(1), body["count"])
	entries := body["errors"].([]any)
	assert.Equal(t, "newer failure", entries[0].(map[string]any)["message"])
}

func TestTelemetry_CollectsOnDemand(t *testing.T) {
	fx := newTestServer(t, risk.BreakerConfig{})

	rec, body := doRequest(t, fx.srv, httptest.NewRequest(http.MethodGet, "/api/telemetry", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, body["at"])
	assert.Contains(t, body, "governor")
	assert.Contains(t, body, "cache")
}

func TestBreakerReset_SignedRoundTrip(t *testing.T) {
	fx := newTestServer(t, risk.BreakerConfig{ResetKey: "ops-secret"})
	fx.breaker.RecordDailyLoss(0.05)
	require.True(t, fx.breaker.Snapshot().Open)

	received := make(chan *events.Event, 1)
	fx.bus.Subscribe(events.CircuitReset, func(event *events.Event) {
		select {
		case received <- event:
		default:
		}
	})

	ts := time.Now().UTC().Format(time.RFC3339)
	req := httptest.NewRequest(http.MethodPost, "/api/circuit-breaker/reset", nil)
	req.Header.Set("X-Reset-Timestamp", ts)
	req.Header.Set("X-Reset-Signature", risk.ResetSignature("ops-secret", ts))

	rec, body := doRequest(t, fx.srv, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "reset", body["status"])
	assert.False(t, fx.breaker.Snapshot().Open)

	select {
	case event := <-received:
		data, ok := event.GetTypedData().(*events.CircuitResetData)
		require.True(t, ok)
		assert.True(t, data.Manual)
		assert.Equal(t, string(risk.TripDailyLoss), data.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a circuit reset event")
	}
}

func TestBreakerReset_BadSignatureRefused(t *testing.T) {
	fx := newTestServer(t, risk.BreakerConfig{ResetKey: "ops-secret"})
	fx.breaker.RecordDailyLoss(0.05)

	ts := time.Now().UTC().Format(time.RFC3339)
	req := httptest.NewRequest(http.MethodPost, "/api/circuit-breaker/reset", nil)
	req.Header.Set("X-Reset-Timestamp", ts)
	req.Header.Set("X-Reset-Signature", "forged")

	rec, body := doRequest(t, fx.srv, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, body["error"], "signature")
	assert.True(t, fx.breaker.Snapshot().Open)
}

func TestBreakerReset_MissingHeaders(t *testing.T) {
	fx := newTestServer(t, risk.BreakerConfig{ResetKey: "ops-secret"})

	rec, _ := doRequest(t, fx.srv, httptest.NewRequest(http.MethodPost, "/api/circuit-breaker/reset", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBreakerReset_DisabledWithoutKey(t *testing.T) {
	fx := newTestServer(t, risk.BreakerConfig{})

	ts := time.Now().UTC().Format(time.RFC3339)
	req := httptest.NewRequest(http.MethodPost, "/api/circuit-breaker/reset", nil)
	req.Header.Set("X-Reset-Timestamp", ts)
	req.Header.Set("X-Reset-Signature", risk.ResetSignature("whatever", ts))

	rec, body := doRequest(t, fx.srv, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, body["error"], "reset key")
}