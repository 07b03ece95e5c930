package monitor

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/trailbound/kapp/pkg/assetstore"
	"github.com/trailbound/kapp/pkg/events"
	"github.com/trailbound/kapp/pkg/log"
	"github.com/trailbound/kapp/pkg/metrics"
	"github.com/trailbound/kapp/pkg/queue"
	"github.com/trailbound/kapp/pkg/types"
	"github.com/trailbound/kapp/pkg/walletpool"
)

// failureRateWindow is the lookback for the failure-rate warning
const failureRateWindow = time.Hour

// minAttemptsForRate gates the warning so a single bad attempt out of
// two doesn't page anyone.
const minAttemptsForRate = 10

// Config carries the stage budgets. Validity (assigned < publishing <
// wallet) is enforced at config load.
type Config struct {
	Interval          time.Duration
	AssignedTimeout   time.Duration
	PublishingTimeout time.Duration
	WalletTimeout     time.Duration
}

// Monitor is the periodic reconciler that rescues assets and wallets
// stranded by crashed or wedged workers. It may race live workers on the
// same asset; the store's conditional transitions make the later actor
// lose cleanly.
type Monitor struct {
	cfg     Config
	store   *assetstore.Store
	wallets *walletpool.Pool
	jobs    *queue.Queue
	broker  *events.Broker

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a health monitor
func New(cfg Config, store *assetstore.Store, wallets *walletpool.Pool, jobs *queue.Queue, broker *events.Broker) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	return &Monitor{
		cfg:     cfg,
		store:   store,
		wallets: wallets,
		jobs:    jobs,
		broker:  broker,
		stopCh:  make(chan struct{}),
	}
}

// Start launches the sweep loop
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.run(ctx)
	logger := log.WithComponent("monitor")
	logger.Info().Dur("interval", m.cfg.Interval).Msg("Health monitor started")
}

// Stop halts the loop and waits for an in-flight sweep
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep(ctx)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs one full reconciliation pass
func (m *Monitor) Sweep(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SweepDuration)

	m.rescueAssigned(ctx)
	m.rescuePublishing(ctx)
	m.unlockWallets(ctx)
	m.reclaimJobs(ctx)
	m.checkFailureRate(ctx)
}

// rescueAssigned requeues assets that were claimed but never started
// publishing within the assigned budget, releasing their wallets.
func (m *Monitor) rescueAssigned(ctx context.Context) {
	logger := log.WithComponent("monitor")

	stuck, err := m.store.StuckAssets(ctx, assetstore.StuckAssigned, m.cfg.AssignedTimeout)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to query stuck assigned assets")
		return
	}

	for _, asset := range stuck {
		requeued, err := m.store.ForceRequeue(ctx, asset.ID,
			"assigned but publishing never started within 5 minutes")
		if err != nil {
			logger.Error().Err(err).Int64("asset_id", asset.ID).Msg("Failed to requeue stuck asset")
			continue
		}
		if !requeued {
			// The worker made progress between the query and the rescue.
			continue
		}
		if asset.WalletID != nil {
			m.releaseWallet(ctx, *asset.WalletID)
		}

		metrics.AssetsRescued.WithLabelValues("assigned").Inc()
		logger.Warn().Int64("asset_id", asset.ID).Msg("Rescued asset stuck in assigned")
		m.broker.Publish(&events.Event{
			Type: events.EventAssetRescued, AssetID: asset.ID,
			Metadata: map[string]string{"stage": "assigned"},
		})
	}
}

// rescuePublishing times out assets whose publish has run past the
// publishing budget: the latest attempt is marked timed out, the queue
// job removed, retry accounting applied, and the wallet released.
func (m *Monitor) rescuePublishing(ctx context.Context) {
	logger := log.WithComponent("monitor")

	stuck, err := m.store.StuckAssets(ctx, assetstore.StuckPublishing, m.cfg.PublishingTimeout)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to query stuck publishing assets")
		return
	}

	for _, asset := range stuck {
		attempt, err := m.store.LatestAttempt(ctx, asset.ID)
		if err != nil {
			logger.Error().Err(err).Int64("asset_id", asset.ID).Msg("Failed to load latest attempt")
			continue
		}
		if attempt != nil && attempt.CompletedAt == nil {
			err := m.store.UpdateAttempt(ctx, attempt.ID, assetstore.AttemptResult{
				Status:       types.AttemptTimeout,
				ErrorType:    "Timeout",
				ErrorMessage: "publishing exceeded the stage budget",
				Duration:     m.cfg.PublishingTimeout,
			})
			if err != nil {
				logger.Error().Err(err).Int64("attempt_id", attempt.ID).Msg("Failed to time out attempt")
			}
		}

		if _, err := m.jobs.Remove(ctx, queue.JobID(asset.ID)); err != nil {
			logger.Error().Err(err).Int64("asset_id", asset.ID).Msg("Failed to remove stale job")
		}

		status, err := m.store.HandleFailure(ctx, asset.ID, "Timeout: publishing over 15 minutes")
		if err != nil {
			// Lost to a worker finishing at the same moment. Leave it be.
			logger.Debug().Err(err).Int64("asset_id", asset.ID).Msg("Timeout rescue lost the race")
			continue
		}
		if asset.WalletID != nil {
			m.releaseWallet(ctx, *asset.WalletID)
		}

		metrics.AssetsRescued.WithLabelValues("publishing").Inc()
		logger.Warn().Int64("asset_id", asset.ID).Str("status", string(status)).
			Msg("Rescued asset stuck in publishing")
		m.broker.Publish(&events.Event{
			Type: events.EventAssetRescued, AssetID: asset.ID,
			Metadata: map[string]string{"stage": "publishing"},
		})
	}
}

func (m *Monitor) unlockWallets(ctx context.Context) {
	freed, err := m.wallets.UnlockStuck(ctx, m.cfg.WalletTimeout)
	if err != nil {
		logger := log.WithComponent("monitor")
		logger.Error().Err(err).Msg("Failed to unlock stuck wallets")
		return
	}
	if freed > 0 {
		metrics.WalletsUnlocked.Add(float64(freed))
		m.broker.Publish(&events.Event{
			Type:    events.EventWalletUnlocked,
			Message: "stuck wallets released",
		})
	}
}

func (m *Monitor) reclaimJobs(ctx context.Context) {
	logger := log.WithComponent("monitor")
	reclaimed, err := m.jobs.ReclaimExpired(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to reclaim expired jobs")
		return
	}
	if len(reclaimed) > 0 {
		logger.Warn().
			Int("count", len(reclaimed)).Msg("Reclaimed jobs with expired leases")
	}
}

func (m *Monitor) checkFailureRate(ctx context.Context) {
	logger := log.WithComponent("monitor")
	failed, total, err := m.store.FailureRate(ctx, failureRateWindow)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to compute failure rate")
		return
	}
	if total < minAttemptsForRate || failed*2 <= total {
		return
	}

	logger.Warn().
		Int64("failed", failed).Int64("total", total).
		Msg("Publish failure rate over 50% in the last hour")
	m.broker.Publish(&events.Event{
		Type:    events.EventFailureRateHigh,
		Message: "publish failure rate over 50% in the last hour",
		Metadata: map[string]string{
			"failed": strconv.FormatInt(failed, 10),
			"total":  strconv.FormatInt(total, 10),
		},
	})
}

func (m *Monitor) releaseWallet(ctx context.Context, walletID int64) {
	if err := m.wallets.Release(ctx, walletID, false); err != nil {
		logger := log.WithComponent("monitor")
		logger.Error().Err(err).
			Int64("wallet_id", walletID).Msg("Failed to release wallet")
	}
}
