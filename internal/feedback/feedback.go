// Package feedback ingests outcome signals and drives the decision lifecycle:
// open decisions pick up success, failure, or escalation signals, and
// anything still open after the grace period is swept to unknown_timeout.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"routekern/internal/baseline"
	"routekern/internal/event"
	"routekern/internal/telemetry"
)

// ErrInvalidSignal is returned for signals that fail validation before any
// lookup happens.
var ErrInvalidSignal = errors.New("invalid outcome signal")

// DefaultGrace is how long a decision may stay open before the sweep closes
// it as unknown_timeout.
const DefaultGrace = 24 * time.Hour

// Ingest validates and applies outcome signals.
type Ingest struct {
	baselines *baseline.Store
	store     *telemetry.Store
	grace     time.Duration
}

// Option configures an Ingest.
type Option func(*Ingest)

// WithGrace overrides the stale-decision grace period.
func WithGrace(d time.Duration) Option {
	return func(i *Ingest) { i.grace = d }
}

// New creates an Ingest over the given stores.
func New(baselines *baseline.Store, store *telemetry.Store, opts ...Option) *Ingest {
	i := &Ingest{baselines: baselines, store: store, grace: DefaultGrace}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Record validates the signal and attaches it to its decision. Escalation
// signals additionally produce the escalation record linking the retried
// tier. Duplicate signals against a closed decision are a no-op.
func (i *Ingest) Record(ctx context.Context, sig event.Signal) (telemetry.AttachResult, error) {
	if err := validate(sig); err != nil {
		return telemetry.AttachResult{}, err
	}
	if sig.TS.IsZero() {
		sig.TS = time.Now().UTC()
	}

	res, err := i.store.AttachOutcome(ctx, sig, i.baselines.CurrentVersion())
	if err != nil {
		return telemetry.AttachResult{}, err
	}
	if res.AlreadyResolved {
		log.Printf("[Feedback] decision %s already resolved as %s, signal ignored", res.DecisionID, res.Outcome)
	}
	return res, nil
}

// RecordSession appends a derived per-session aggregate.
func (i *Ingest) RecordSession(ctx context.Context, so event.SessionOutcome) error {
	if so.SessionID == "" {
		return fmt.Errorf("%w: session outcome without session id", ErrInvalidSignal)
	}
	switch so.Outcome {
	case event.SessionCompleted, event.SessionInterrupted, event.SessionAbandoned:
	default:
		return fmt.Errorf("%w: unknown session outcome %q", ErrInvalidSignal, so.Outcome)
	}
	if so.Quality < 1 || so.Quality > 5 {
		return fmt.Errorf("%w: session quality %.2f outside [1,5]", ErrInvalidSignal, so.Quality)
	}
	_, err := i.store.Append(ctx, event.TypeSessionOutcome, i.baselines.CurrentVersion(), so)
	return err
}

// SweepStale closes every decision that outlived the grace period without a
// signal. Run periodically by the scheduler.
func (i *Ingest) SweepStale(ctx context.Context) (int, error) {
	closed, err := i.store.MarkStale(ctx, i.grace, i.baselines.CurrentVersion())
	if err != nil {
		return closed, err
	}
	if closed > 0 {
		log.Printf("[Feedback] swept %d stale decisions to unknown_timeout", closed)
	}
	return closed, nil
}

func validate(sig event.Signal) error {
	switch sig.Kind {
	case event.SignalSuccess, event.SignalFailure, event.SignalEscalation:
	case event.SignalTimeout:
		// Timeouts are owned by the sweep, never accepted from callers.
		return fmt.Errorf("%w: signal kind %q is reserved", ErrInvalidSignal, sig.Kind)
	default:
		return fmt.Errorf("%w: unknown signal kind %q", ErrInvalidSignal, sig.Kind)
	}
	if sig.DecisionID == "" && sig.QueryPrefix == "" {
		return fmt.Errorf("%w: need a decision id or a query prefix", ErrInvalidSignal)
	}
	if sig.EscalationReason != "" {
		if sig.Kind != event.SignalEscalation {
			return fmt.Errorf("%w: escalation reason on a %s signal", ErrInvalidSignal, sig.Kind)
		}
		switch sig.EscalationReason {
		case event.ReasonExitCode, event.ReasonCapabilityLimitation,
			event.ReasonTruncatedResponse, event.ReasonUserRejection:
		default:
			return fmt.Errorf("%w: unknown escalation reason %q", ErrInvalidSignal, sig.EscalationReason)
		}
	}
	return nil
}
