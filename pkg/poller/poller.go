package poller

import (
	"context"
	"sync"
	"time"

	"github.com/trailbound/kapp/pkg/assetstore"
	"github.com/trailbound/kapp/pkg/events"
	"github.com/trailbound/kapp/pkg/log"
	"github.com/trailbound/kapp/pkg/metrics"
	"github.com/trailbound/kapp/pkg/queue"
	"github.com/trailbound/kapp/pkg/walletpool"
)

// Poller bridges queued asset rows into the job queue. It is the only
// component that enqueues: registration and failure handling leave rows
// in queued state and rely on the next cycle, which gives the pipeline a
// single rate-limited throttle point.
type Poller struct {
	store   *assetstore.Store
	wallets *walletpool.Pool
	jobs    *queue.Queue
	broker  *events.Broker
	freq    time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a queue poller with the given cycle cadence
func New(store *assetstore.Store, wallets *walletpool.Pool, jobs *queue.Queue, broker *events.Broker, freq time.Duration) *Poller {
	if freq <= 0 {
		freq = 2 * time.Second
	}
	return &Poller{
		store:   store,
		wallets: wallets,
		jobs:    jobs,
		broker:  broker,
		freq:    freq,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the poll loop
func (p *Poller) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.run(ctx)
	logger := log.WithComponent("poller")
	logger.Info().Dur("frequency", p.freq).Msg("Queue poller started")
}

// Stop halts the loop and waits for an in-flight cycle
func (p *Poller) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

// run executes cycles strictly serially; a slow cycle delays the next
// tick rather than overlapping it.
func (p *Poller) run(ctx context.Context) {
	defer p.wg.Done()
	logger := log.WithComponent("poller")
	ticker := time.NewTicker(p.freq)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			if err := p.Cycle(ctx); err != nil {
				logger.Error().Err(err).Msg("Poll cycle failed")
			}
			if elapsed := time.Since(start); elapsed > p.freq {
				logger.Warn().
					Dur("elapsed", elapsed).Dur("frequency", p.freq).
					Msg("Poll cycle exceeded cadence")
			}
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Cycle runs one scheduling pass. Queue depth is paced by wallet
// availability: waiting+active jobs never exceed the total wallet count,
// which bounds how long any queued job can wait for a wallet.
func (p *Poller) Cycle(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.PollCycleDuration)
		metrics.PollCyclesTotal.Inc()
	}()

	wstats, err := p.wallets.Stats(ctx)
	if err != nil {
		return err
	}
	if wstats.Available == 0 {
		return nil
	}

	qstats, err := p.jobs.Stats(ctx)
	if err != nil {
		return err
	}
	activeJobs := qstats.Waiting + qstats.Active
	slots := int64(wstats.Total) - activeJobs
	if slots <= 0 {
		return nil
	}

	pending, err := p.store.PendingForScheduling(ctx, int(slots))
	if err != nil {
		return err
	}

	logger := log.WithComponent("poller")
	for _, asset := range pending {
		added, err := p.jobs.Enqueue(ctx, asset.ID, asset.Priority)
		if err != nil {
			logger.Error().Err(err).
				Int64("asset_id", asset.ID).Msg("Failed to enqueue asset")
			continue
		}
		if !added {
			logger.Debug().
				Int64("asset_id", asset.ID).Msg("Asset already queued, skipped")
			continue
		}
		p.broker.Publish(&events.Event{
			Type:    events.EventAssetQueued,
			AssetID: asset.ID,
		})
	}
	return nil
}
