package metrics

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/trailbound/kapp/pkg/log"
)

// HourlyRoller persists an aggregate row for the given hour window
type HourlyRoller interface {
	RollupHourly(ctx context.Context, from, to time.Time) error
}

// Rollup schedules the hourly metrics aggregation job
type Rollup struct {
	store HourlyRoller
	cron  *cron.Cron
}

// NewRollup creates the hourly rollup scheduler
func NewRollup(store HourlyRoller) *Rollup {
	return &Rollup{
		store: store,
		cron:  cron.New(),
	}
}

// Start schedules the rollup at the top of every hour
func (r *Rollup) Start() error {
	_, err := r.cron.AddFunc("0 * * * *", r.run)
	if err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

// Stop stops the scheduler, waiting for a running rollup to finish
func (r *Rollup) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

func (r *Rollup) run() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	// Aggregate the previous full hour.
	to := time.Now().Truncate(time.Hour)
	from := to.Add(-time.Hour)

	if err := r.store.RollupHourly(ctx, from, to); err != nil {
		logger := log.WithComponent("metrics")
		logger.Error().Err(err).
			Time("from", from).Time("to", to).
			Msg("hourly metrics rollup failed")
	}
}
