package journal

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/petal-labs/eventq/diag"
	"github.com/petal-labs/eventq/executor"
)

// Observer writes every failed delivery to a Journal. Attach it to lanes with
// executor.WithObserver. Entries are written synchronously, so they are
// visible once the bus reports quiescence.
type Observer struct {
	journal   Journal
	describer *diag.Describer
	clock     clock.Clock
	logger    *slog.Logger
}

// NewObserver creates an Observer. A nil describer records payload kinds
// only; a nil logger falls back to slog.Default.
func NewObserver(j Journal, describer *diag.Describer, logger *slog.Logger) *Observer {
	if logger == nil {
		logger = slog.Default()
	}
	if describer == nil {
		describer = diag.New()
	}
	return &Observer{
		journal:   j,
		describer: describer,
		clock:     clock.New(),
		logger:    logger,
	}
}

// ObserveQueued implements executor.Observer.
func (o *Observer) ObserveQueued(string) {}

// ObserveDelivery appends an entry when the delivery failed.
func (o *Observer) ObserveDelivery(obs executor.Observation) {
	if obs.Err == nil {
		return
	}
	summary, err := o.describer.Describe(obs.Payload)
	if err != nil {
		summary = ""
	}
	e := Entry{
		ID:          uuid.NewString(),
		Time:        o.clock.Now().UTC(),
		Executor:    obs.Executor,
		Handler:     obs.Handler,
		PayloadKind: fmt.Sprintf("%T", obs.Payload),
		Summary:     summary,
		Error:       obs.Err.Error(),
		Panicked:    obs.Panicked,
		Duration:    obs.Duration,
	}
	if err := o.journal.Append(context.Background(), e); err != nil {
		o.logger.Error("failed to journal delivery failure",
			"executor", obs.Executor,
			"handler", obs.Handler,
			"error", err,
		)
	}
}

var _ executor.Observer = (*Observer)(nil)
