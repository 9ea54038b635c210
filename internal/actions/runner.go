package actions

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/MacJediWizard/snapdump/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrRunnerConsumed is returned when Run is called more than once.
var ErrRunnerConsumed = errors.New("runner already run")

// Runner performs an ordered list of actions and the cleanups of every
// action that was performed.
type Runner struct {
	id       uuid.UUID
	actions  []Action
	consumed bool
	out      io.Writer
	logger   zerolog.Logger
	metrics  *metrics.PrometheusMetrics
}

// NewRunner creates an empty Runner. Pretend output and banners go to out.
func NewRunner(out io.Writer, logger zerolog.Logger) *Runner {
	id := uuid.New()
	return &Runner{
		id:     id,
		out:    out,
		logger: logger.With().Str("component", "runner").Str("run_id", id.String()).Logger(),
	}
}

// SetMetrics attaches a metrics sink. It may be nil.
func (r *Runner) SetMetrics(m *metrics.PrometheusMetrics) {
	r.metrics = m
}

// ID returns the identifier used to correlate this run's log lines.
func (r *Runner) ID() uuid.UUID {
	return r.id
}

// Push adds an action to be performed after all previously added actions.
func (r *Runner) Push(action Action) {
	r.actions = append(r.actions, action)
}

// Append moves all of other's actions onto the end of r, preserving their
// order. other is left empty.
func (r *Runner) Append(other *Runner) {
	r.actions = append(r.actions, other.actions...)
	other.actions = nil
}

// Len returns the number of actions not yet run.
func (r *Runner) Len() int {
	return len(r.actions)
}

// Describe returns the description of every pending action, in order.
func (r *Runner) Describe() []string {
	descs := make([]string, len(r.actions))
	for i, a := range r.actions {
		descs[i] = a.Describe()
	}
	return descs
}

// Run performs all of the actions and their cleanups. A Runner can only be
// run once.
//
// With pretend set, nothing is performed; each action's description is
// printed instead. Otherwise actions are performed in order. The first
// perform error stops forward progress, the actions performed so far are
// cleaned up newest first, and that perform error is returned. Cleanup
// errors are logged and never replace the result. When every action
// succeeds the same cleanup pass runs at the end.
func (r *Runner) Run(ctx context.Context, pretend bool) error {
	if r.consumed {
		return ErrRunnerConsumed
	}
	r.consumed = true
	pending := r.actions
	r.actions = nil

	if pretend {
		for _, action := range pending {
			fmt.Fprintf(r.out, "would: %s\n", action.Describe())
		}
		return nil
	}

	if len(pending) > 0 {
		r.logger.Info().Int("actions", len(pending)).Msg("starting run")
	}

	var performed []Action
	for _, action := range pending {
		r.logger.Debug().Str("action", action.Describe()).Msg("performing action")
		if err := action.Perform(ctx); err != nil {
			r.metrics.RecordAction(metrics.ResultFailure)
			r.logger.Error().Err(err).Str("action", action.Describe()).Msg("action failed")
			r.runCleanups(ctx, performed)
			return fmt.Errorf("%s: %w", action.Describe(), err)
		}
		r.metrics.RecordAction(metrics.ResultSuccess)
		performed = append(performed, action)
	}

	r.runCleanups(ctx, performed)
	return nil
}

// runCleanups cleans up the given actions in reverse order. Failures are
// logged but do not stop the remaining cleanups.
func (r *Runner) runCleanups(ctx context.Context, performed []Action) {
	// Cleanups still run when the run's context has been cancelled.
	ctx = context.WithoutCancel(ctx)

	for i := len(performed) - 1; i >= 0; i-- {
		action := performed[i]
		if err := action.Cleanup(ctx); err != nil {
			r.metrics.RecordCleanupFailure()
			r.logger.Error().Err(err).Str("action", action.Describe()).Msg("cleanup error")
		}
	}
}
