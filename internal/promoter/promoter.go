// Package promoter sweeps queued aggregator tasks and promotes the ones
// whose dependencies have all finished, then hands them to the dispatcher.
package promoter

import (
	"context"
	"fmt"
	"log/slog"

	cronlib "github.com/robfig/cron/v3"

	"github.com/accord-labs/relay/internal/persistence"
)

// scheduleParser accepts cron expressions with an optional seconds field plus
// descriptors like "@every 15s".
var scheduleParser = cronlib.NewParser(
	cronlib.SecondOptional | cronlib.Minute | cronlib.Hour | cronlib.Dom |
		cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Options holds the dependencies for the promotion sweep.
type Options struct {
	Store  *persistence.Store
	Logger *slog.Logger
	// Schedule is a cron expression or descriptor; defaults to "@every 15s".
	Schedule string
	// Dispatch fires an execution attempt for a freshly promoted task.
	Dispatch func(taskID string)
}

// Promoter runs the periodic aggregator promotion sweep.
type Promoter struct {
	store    *persistence.Store
	logger   *slog.Logger
	schedule string
	dispatch func(taskID string)

	runner *cronlib.Cron
}

func New(opts Options) *Promoter {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	schedule := opts.Schedule
	if schedule == "" {
		schedule = "@every 15s"
	}
	dispatch := opts.Dispatch
	if dispatch == nil {
		dispatch = func(string) {}
	}
	return &Promoter{
		store:    opts.Store,
		logger:   logger.With("component", "promoter"),
		schedule: schedule,
		dispatch: dispatch,
	}
}

// Start schedules the sweep. The sweep also runs once immediately so queued
// aggregators left over from a previous run are not stuck until the first tick.
func (p *Promoter) Start(ctx context.Context) error {
	runner := cronlib.New(cronlib.WithParser(scheduleParser))
	_, err := runner.AddFunc(p.schedule, func() {
		if _, err := p.Sweep(ctx); err != nil {
			p.logger.Error("promotion sweep failed", "error", err.Error())
		}
	})
	if err != nil {
		return fmt.Errorf("parse promoter schedule %q: %w", p.schedule, err)
	}
	runner.Start()
	p.runner = runner
	p.logger.Info("promoter started", "schedule", p.schedule)

	if _, err := p.Sweep(ctx); err != nil {
		p.logger.Error("initial promotion sweep failed", "error", err.Error())
	}
	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (p *Promoter) Stop() {
	if p.runner == nil {
		return
	}
	<-p.runner.Stop().Done()
	p.logger.Info("promoter stopped")
}

// Sweep examines every queued aggregator once and promotes the ready ones.
// It returns the number of tasks promoted.
func (p *Promoter) Sweep(ctx context.Context) (int, error) {
	aggregators, err := p.store.ListQueuedAggregators(ctx)
	if err != nil {
		return 0, fmt.Errorf("list queued aggregators: %w", err)
	}

	promoted := 0
	for i := range aggregators {
		agg := &aggregators[i]
		ready, err := p.dependenciesSettled(ctx, agg)
		if err != nil {
			p.logger.Warn("dependency check failed", "task_id", agg.ID, "error", err.Error())
			continue
		}
		if !ready {
			continue
		}

		won, err := p.store.PromoteAggregator(ctx, agg.ID)
		if err != nil {
			p.logger.Warn("promotion failed", "task_id", agg.ID, "error", err.Error())
			continue
		}
		if !won {
			// Someone else promoted it between the listing and the update.
			continue
		}
		promoted++
		p.logger.Info("aggregator promoted",
			"task_id", agg.ID, "dependencies", len(agg.DependentTaskIDs))
		p.dispatch(agg.ID)
	}
	return promoted, nil
}

// dependenciesSettled reports whether every dependency has reached a terminal
// state. Dependency ids that no longer resolve to a task can never progress,
// so they count as settled.
func (p *Promoter) dependenciesSettled(ctx context.Context, agg *persistence.Task) (bool, error) {
	if len(agg.DependentTaskIDs) == 0 {
		return true, nil
	}
	deps, err := p.store.GetTasksByIDs(ctx, agg.DependentTaskIDs)
	if err != nil {
		return false, err
	}
	found := make(map[string]bool, len(deps))
	for i := range deps {
		if !deps[i].Status.Terminal() {
			return false, nil
		}
		found[deps[i].ID] = true
	}
	for _, id := range agg.DependentTaskIDs {
		if !found[id] {
			p.logger.Warn("aggregator references unknown dependency",
				"task_id", agg.ID, "dependency_id", id)
		}
	}
	return true, nil
}
