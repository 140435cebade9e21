package errorlog

import (
	"fmt"
	"runtime/debug"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/haetae-bot/haetae/internal/domain"
	"github.com/haetae-bot/haetae/internal/events"
)

// Ledger is the high-level writer over the repository. It fills in
// correlation ids and stack captures and mirrors every row to the log so
// operators see failures without querying the table.
type Ledger struct {
	repo *Repository
	log  zerolog.Logger
}

// NewLedger creates a ledger writer.
func NewLedger(repo *Repository, log zerolog.Logger) *Ledger {
	return &Ledger{
		repo: repo,
		log:  log.With().Str("component", "error_ledger").Logger(),
	}
}

// Report stores one row with a fresh correlation id and returns the id so
// the caller can thread it through its own logging.
func (l *Ledger) Report(severity domain.Severity, service, module, typeTag string, err error) string {
	corrID := uuid.NewString()
	l.ReportCorrelated(corrID, severity, service, module, typeTag, err)
	return corrID
}

// ReportCorrelated stores one row under an existing correlation id.
// Severity error and critical rows capture the caller's stack. A ledger
// write failure is logged and swallowed: reporting an error must never
// raise another one.
func (l *Ledger) ReportCorrelated(corrID string, severity domain.Severity, service, module, typeTag string, err error) {
	if err == nil {
		return
	}
	if !severity.Valid() {
		severity = domain.SeverityError
	}

	rec := domain.ErrorRecord{
		Severity:      severity,
		Service:       service,
		Module:        module,
		CorrelationID: corrID,
		Message:       err.Error(),
		TypeTag:       typeTag,
	}
	if severity == domain.SeverityError || severity == domain.SeverityCritical {
		rec.Stack = string(debug.Stack())
	}

	if _, insertErr := l.repo.Insert(rec); insertErr != nil {
		l.log.Error().Err(insertErr).Str("message", rec.Message).Msg("Error ledger write failed")
	}

	l.logEvent(severity).
		Str("service", service).
		Str("module", module).
		Str("type_tag", typeTag).
		Str("correlation_id", corrID).
		Msg(rec.Message)
}

func (l *Ledger) logEvent(severity domain.Severity) *zerolog.Event {
	switch severity {
	case domain.SeverityInfo:
		return l.log.Info()
	case domain.SeverityWarning:
		return l.log.Warn()
	case domain.SeverityCritical:
		return l.log.Error().Bool("critical", true)
	default:
		return l.log.Error()
	}
}

// RegisterListeners subscribes the ledger to bus events that must leave a
// persistent trail even when the source holds no ledger handle.
func RegisterListeners(bus *events.Bus, ledger *Ledger, log zerolog.Logger) {
	log = log.With().Str("component", "errorlog_listeners").Logger()

	bus.Subscribe(events.ErrorOccurred, func(event *events.Event) {
		data, ok := event.GetTypedData().(*events.ErrorEventData)
		if !ok {
			log.Warn().Str("module", event.Module).Msg("ErrorOccurred event without typed payload")
			return
		}
		module := data.Module
		if module == "" {
			module = event.Module
		}
		corrID := data.CorrelationID
		if corrID == "" {
			corrID = uuid.NewString()
		}
		ledger.ReportCorrelated(corrID, domain.Severity(data.Severity),
			data.Service, module, TypeTransient, fmt.Errorf("%s", data.Error))
	})

	bus.Subscribe(events.CircuitTripped, func(event *events.Event) {
		data, ok := event.GetTypedData().(*events.CircuitTrippedData)
		if !ok {
			return
		}
		ledger.ReportCorrelated(uuid.NewString(), domain.SeverityCritical,
			"risk", event.Module, TypeRejection,
			fmt.Errorf("circuit breaker tripped: %s (%s), open until %s", data.Reason, data.Detail, data.Until))
	})
}
