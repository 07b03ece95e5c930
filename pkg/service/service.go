package service

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/trailbound/kapp/pkg/assetstore"
	"github.com/trailbound/kapp/pkg/config"
	"github.com/trailbound/kapp/pkg/contentstore"
	"github.com/trailbound/kapp/pkg/dkg"
	"github.com/trailbound/kapp/pkg/events"
	"github.com/trailbound/kapp/pkg/log"
	"github.com/trailbound/kapp/pkg/metrics"
	"github.com/trailbound/kapp/pkg/monitor"
	"github.com/trailbound/kapp/pkg/poller"
	"github.com/trailbound/kapp/pkg/publisher"
	"github.com/trailbound/kapp/pkg/queue"
	"github.com/trailbound/kapp/pkg/types"
	"github.com/trailbound/kapp/pkg/walletpool"
	"github.com/trailbound/kapp/pkg/worker"
)

// healthProbeInterval paces the database/redis liveness probes
const healthProbeInterval = 30 * time.Second

// Service wires the whole publishing pipeline together and owns its
// lifecycle. Construction opens storage; Start launches the background
// loops; Stop drains them in reverse dependency order.
type Service struct {
	cfg     *config.Config
	db      *sqlx.DB
	rdb     *redis.Client
	content contentstore.Store

	Assets  *assetstore.Store
	Wallets *walletpool.Pool
	Jobs    *queue.Queue
	Broker  *events.Broker
	Worker  *worker.Worker
	Poller  *poller.Poller
	Monitor *monitor.Monitor

	collector *metrics.Collector
	rollup    *metrics.Rollup

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New opens storage and assembles the pipeline around the given DKG
// client. Nothing runs until Start.
func New(cfg *config.Config, client dkg.Client) (*Service, error) {
	content, err := contentstore.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open content store: %w", err)
	}

	db, err := assetstore.OpenDB(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		content.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	cipher, err := cipherFromKey(cfg.EncryptionKey)
	if err != nil {
		db.Close()
		content.Close()
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	assets := assetstore.NewStore(db, content)
	wallets := walletpool.NewPool(db, cipher)
	jobs := queue.NewQueue(rdb)
	broker := events.NewBroker()
	exec := publisher.NewExecutor(content, client)

	svc := &Service{
		cfg:     cfg,
		db:      db,
		rdb:     rdb,
		content: content,
		Assets:  assets,
		Wallets: wallets,
		Jobs:    jobs,
		Broker:  broker,
		Worker: worker.New(worker.Config{
			WorkerCount: cfg.WorkerCount,
			OTNodeURL:   cfg.DKGEndpoint,
		}, assets, wallets, jobs, exec, broker),
		Poller: poller.New(assets, wallets, jobs, broker, cfg.PollFrequency),
		Monitor: monitor.New(monitor.Config{
			Interval:          cfg.HealthCheckInterval,
			AssignedTimeout:   cfg.AssignedTimeout,
			PublishingTimeout: cfg.PublishingTimeout,
			WalletTimeout:     cfg.WalletTimeout,
		}, assets, wallets, jobs, broker),
		collector: metrics.NewCollector(assets, wallets, jobs),
		rollup:    metrics.NewRollup(assets),
		stopCh:    make(chan struct{}),
	}
	return svc, nil
}

// cipherFromKey builds the wallet cipher from either a 32-byte hex key
// or a passphrase.
func cipherFromKey(key string) (*walletpool.Cipher, error) {
	if key == "" {
		return nil, fmt.Errorf("encryption_key is required")
	}
	if raw, err := hex.DecodeString(key); err == nil && len(raw) == 32 {
		return walletpool.NewCipher(raw)
	}
	return walletpool.NewCipherFromPassword(key)
}

// Start launches every background loop
func (s *Service) Start(ctx context.Context) error {
	s.Broker.Start()
	s.collector.Start()
	if err := s.rollup.Start(); err != nil {
		return fmt.Errorf("failed to start metrics rollup: %w", err)
	}
	s.Worker.Start(ctx)
	s.Poller.Start(ctx)
	s.Monitor.Start(ctx)

	metrics.RegisterComponent("workers", true, "")
	s.wg.Add(2)
	go s.probeHealth(ctx)
	go s.logEvents()

	logger := log.WithComponent("service")
	logger.Info().Msg("Publishing pipeline started")
	return nil
}

// Stop drains the pipeline: no new jobs, in-flight publishes finish,
// then storage closes.
func (s *Service) Stop() {
	close(s.stopCh)
	s.Poller.Stop()
	s.Monitor.Stop()
	s.Worker.Stop()
	s.rollup.Stop()
	s.collector.Stop()
	s.Broker.Stop()
	s.wg.Wait()

	logger := log.WithComponent("service")
	if err := s.rdb.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close redis client")
	}
	if err := s.db.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close database")
	}
	if err := s.content.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close content store")
	}
	logger.Info().Msg("Publishing pipeline stopped")
}

// probeHealth keeps the component health registry current
func (s *Service) probeHealth(ctx context.Context) {
	defer s.wg.Done()

	probe := func() {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		if err := s.db.PingContext(probeCtx); err != nil {
			metrics.UpdateComponent("database", false, err.Error())
		} else {
			metrics.UpdateComponent("database", true, "")
		}
		if err := s.rdb.Ping(probeCtx).Err(); err != nil {
			metrics.UpdateComponent("redis", false, err.Error())
		} else {
			metrics.UpdateComponent("redis", true, "")
		}
	}
	probe()

	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			probe()
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// logEvents drains the broker into the structured log so every
// lifecycle transition is visible without a subscriber of its own.
func (s *Service) logEvents() {
	defer s.wg.Done()

	sub := s.Broker.Subscribe()
	defer s.Broker.Unsubscribe(sub)
	logger := log.WithComponent("events")

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			logger.Info().
				Str("event", string(ev.Type)).
				Int64("asset_id", ev.AssetID).
				Str("message", ev.Message).
				Msg("Pipeline event")
		case <-s.stopCh:
			return
		}
	}
}

// Register validates and stores a new asset. The poller picks it up on
// its next cycle; registration itself never touches the queue.
func (s *Service) Register(ctx context.Context, input *types.RegisterInput) (*types.Asset, error) {
	asset, err := s.Assets.Register(ctx, input)
	if err != nil {
		return nil, err
	}
	metrics.AssetsRegistered.Inc()
	s.Broker.Publish(&events.Event{
		Type:    events.EventAssetRegistered,
		AssetID: asset.ID,
	})
	return asset, nil
}

// AssetStatus is the full external view of one asset
type AssetStatus struct {
	Asset    *types.Asset               `json:"asset"`
	Attempts []*types.PublishingAttempt `json:"attempts"`
}

// GetStatus returns an asset with its attempt history
func (s *Service) GetStatus(ctx context.Context, id int64) (*AssetStatus, error) {
	asset, err := s.Assets.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	attempts, err := s.Assets.Attempts(ctx, id)
	if err != nil {
		return nil, err
	}
	return &AssetStatus{Asset: asset, Attempts: attempts}, nil
}

// ListBySource lists assets for a source tag
func (s *Service) ListBySource(ctx context.Context, source string, opts assetstore.ListOptions) ([]*types.Asset, error) {
	return s.Assets.ListBySource(ctx, source, opts)
}

// RetryFailed bulk re-queues failed assets; the poller re-enqueues them
func (s *Service) RetryFailed(ctx context.Context, filter assetstore.RetryFilter) (int64, error) {
	return s.Assets.RetryFailed(ctx, filter)
}

// ImportWallets loads a wallet manifest into the pool
func (s *Service) ImportWallets(ctx context.Context, r io.Reader) (added, skipped int, err error) {
	return s.Wallets.ImportWallets(ctx, r)
}

// WalletStats returns the pool availability snapshot
func (s *Service) WalletStats(ctx context.Context) (*types.WalletStats, error) {
	return s.Wallets.Stats(ctx)
}

// UnlockStuckWallets force-releases wallets locked past the budget
func (s *Service) UnlockStuckWallets(ctx context.Context) (int64, error) {
	return s.Wallets.UnlockStuck(ctx, s.cfg.WalletTimeout)
}

// QueueStats returns job counts per queue state
func (s *Service) QueueStats(ctx context.Context) (*types.QueueStats, error) {
	return s.Jobs.Stats(ctx)
}

// PauseQueue stops job hand-out
func (s *Service) PauseQueue(ctx context.Context) error {
	if err := s.Jobs.Pause(ctx); err != nil {
		return err
	}
	s.Broker.Publish(&events.Event{Type: events.EventQueuePaused})
	return nil
}

// ResumeQueue re-enables job hand-out
func (s *Service) ResumeQueue(ctx context.Context) error {
	if err := s.Jobs.Resume(ctx); err != nil {
		return err
	}
	s.Broker.Publish(&events.Event{Type: events.EventQueueResumed})
	return nil
}

// ClearCompletedJobs drops the completed-job retention set
func (s *Service) ClearCompletedJobs(ctx context.Context) (int64, error) {
	return s.Jobs.ClearCompleted(ctx)
}

// ClearFailedJobs drops the failed-job retention set
func (s *Service) ClearFailedJobs(ctx context.Context) (int64, error) {
	return s.Jobs.ClearFailed(ctx)
}

// RetryFailedJobs moves settled-failed jobs back to waiting
func (s *Service) RetryFailedJobs(ctx context.Context) (int64, error) {
	return s.Jobs.RetryFailed(ctx)
}

// HealthSnapshot returns the component health registry view
func (s *Service) HealthSnapshot() metrics.HealthStatus {
	return metrics.GetHealth()
}
