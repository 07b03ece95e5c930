package worker

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/trailbound/kapp/pkg/assetstore"
	"github.com/trailbound/kapp/pkg/events"
	"github.com/trailbound/kapp/pkg/log"
	"github.com/trailbound/kapp/pkg/metrics"
	"github.com/trailbound/kapp/pkg/publisher"
	"github.com/trailbound/kapp/pkg/queue"
	"github.com/trailbound/kapp/pkg/types"
	"github.com/trailbound/kapp/pkg/walletpool"
)

const (
	// jobLease is the maximum processing time before a job is reclaimable
	jobLease = 15 * time.Minute
	// heartbeatInterval renews the lease while a publish is in flight
	heartbeatInterval = 30 * time.Second
	// walletWatchInterval re-sizes concurrency as the pool grows or shrinks
	walletWatchInterval = 5 * time.Minute
	// idleWait is how long the dequeue loop sleeps on an empty queue
	idleWait = time.Second
)

// Config tunes a worker
type Config struct {
	// WorkerCount is the number of worker processes sharing the wallet
	// pool; it divides the concurrency budget.
	WorkerCount int
	// OTNodeURL is recorded on each attempt for post-mortem
	OTNodeURL string
}

// Worker consumes publish jobs from the queue and drives each asset
// through its publishing lifecycle. Safe to run many per process and
// many processes per queue.
type Worker struct {
	id      string
	cfg     Config
	store   *assetstore.Store
	wallets *walletpool.Pool
	jobs    *queue.Queue
	exec    *publisher.Executor
	broker  *events.Broker

	mu    sync.Mutex
	sem   *semaphore.Weighted
	limit int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a worker with a generated id
func New(cfg Config, store *assetstore.Store, wallets *walletpool.Pool, jobs *queue.Queue, exec *publisher.Executor, broker *events.Broker) *Worker {
	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 1
	}
	return &Worker{
		id:      "worker-" + uuid.NewString()[:8],
		cfg:     cfg,
		store:   store,
		wallets: wallets,
		jobs:    jobs,
		exec:    exec,
		broker:  broker,
		sem:     semaphore.NewWeighted(1),
		limit:   1,
		stopCh:  make(chan struct{}),
	}
}

// ID returns the worker's identity, stamped on every attempt it makes
func (w *Worker) ID() string {
	return w.id
}

// Start launches the dequeue loop and the wallet-count watcher
func (w *Worker) Start(ctx context.Context) {
	if n, err := w.sizeConcurrency(ctx); err == nil {
		w.SetConcurrency(n)
	}

	w.wg.Add(2)
	go w.runLoop(ctx)
	go w.watchWallets(ctx)
	logger := log.WithWorkerID(w.id)
	logger.Info().Int64("concurrency", w.Concurrency()).Msg("Worker started")
}

// Stop halts dequeueing and waits for in-flight jobs to settle
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

// Concurrency returns the current parallel-job limit
func (w *Worker) Concurrency() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.limit
}

// SetConcurrency resizes the parallel-job limit without restarting the
// worker. Jobs already holding a slot finish against the old semaphore.
func (w *Worker) SetConcurrency(n int64) {
	if n < 1 {
		n = 1
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if n == w.limit {
		return
	}
	logger := log.WithWorkerID(w.id)
	logger.Info().
		Int64("old", w.limit).Int64("new", n).Msg("Worker concurrency resized")
	w.limit = n
	w.sem = semaphore.NewWeighted(n)
}

func (w *Worker) currentSem() *semaphore.Weighted {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sem
}

// sizeConcurrency computes ceil(totalWallets / workerCount), floored at 1
func (w *Worker) sizeConcurrency(ctx context.Context) (int64, error) {
	stats, err := w.wallets.Stats(ctx)
	if err != nil {
		return 0, err
	}
	n := int64(math.Ceil(float64(stats.Total) / float64(w.cfg.WorkerCount)))
	if n < 1 {
		n = 1
	}
	return n, nil
}

func (w *Worker) watchWallets(ctx context.Context) {
	defer w.wg.Done()
	logger := log.WithWorkerID(w.id)
	ticker := time.NewTicker(walletWatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := w.sizeConcurrency(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("Failed to poll wallet stats")
				continue
			}
			w.SetConcurrency(n)
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) runLoop(ctx context.Context) {
	defer w.wg.Done()
	logger := log.WithWorkerID(w.id)

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		sem := w.currentSem()
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}

		job, err := w.jobs.Dequeue(ctx, w.id, jobLease)
		if err != nil {
			sem.Release(1)
			logger.Error().Err(err).Msg("Failed to dequeue job")
			w.sleep(idleWait)
			continue
		}
		if job == nil {
			sem.Release(1)
			w.sleep(idleWait)
			continue
		}

		w.wg.Add(1)
		go func(job *queue.Job) {
			defer w.wg.Done()
			defer sem.Release(1)
			w.processJob(ctx, job)
		}(job)
	}
}

// RunOnce dequeues and processes at most one job synchronously.
// Returns whether a job was handled.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.jobs.Dequeue(ctx, w.id, jobLease)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.processJob(ctx, job)
	return true, nil
}

func (w *Worker) sleep(d time.Duration) {
	select {
	case <-time.After(d):
	case <-w.stopCh:
	}
}

// processJob drives one job to a settled state. Failures settle the job
// as failed for queue-side metrics; retry accounting lives entirely in
// the asset store, and the poller re-enqueues anything back in queued.
func (w *Worker) processJob(ctx context.Context, job *queue.Job) {
	logger := log.WithWorkerID(w.id).With().
		Int64("asset_id", job.AssetID).Str("job_id", job.ID).Logger()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeat(hbCtx, job.ID)

	claimed, err := w.store.ClaimForProcessing(ctx, job.AssetID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to claim asset")
		w.settleFailed(ctx, job.ID, err.Error())
		return
	}
	if !claimed {
		// Claimed elsewhere or finalized by the store. The job is moot.
		logger.Debug().Msg("Asset not claimable, dropping job")
		if err := w.jobs.Complete(ctx, job.ID); err != nil {
			logger.Error().Err(err).Msg("Failed to settle moot job")
		}
		return
	}
	w.broker.Publish(&events.Event{
		Type: events.EventAssetAssigned, AssetID: job.AssetID,
		Message: "claimed by " + w.id,
	})

	wallet, err := w.wallets.LeaseFor(ctx, job.AssetID)
	if err != nil {
		if errors.Is(err, types.ErrNoWalletAvailable) {
			w.failJob(ctx, job, "no wallets available")
			return
		}
		logger.Error().Err(err).Msg("Failed to lease wallet")
		w.failJob(ctx, job, err.Error())
		return
	}

	attemptID, attemptNumber, err := w.store.RecordAttempt(ctx, job.AssetID, wallet, w.id, w.cfg.OTNodeURL)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to record attempt")
		w.releaseWallet(ctx, wallet.ID, false)
		w.failJob(ctx, job, err.Error())
		return
	}

	if err := w.store.MarkPublishing(ctx, job.AssetID); err != nil {
		w.releaseWallet(ctx, wallet.ID, false)
		if errors.Is(err, types.ErrInvalidTransition) {
			// Lost a race with a rescue or an operator action. The asset
			// moved on without us; dropping the job costs it nothing.
			logger.Debug().Msg("Asset moved on before publishing, dropping job")
			if err := w.jobs.Complete(ctx, job.ID); err != nil {
				logger.Error().Err(err).Msg("Failed to settle moot job")
			}
			return
		}
		logger.Error().Err(err).Msg("Failed to mark publishing")
		w.failJob(ctx, job, err.Error())
		return
	}

	asset, err := w.store.Get(ctx, job.AssetID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load asset")
		w.releaseWallet(ctx, wallet.ID, false)
		w.failJob(ctx, job, err.Error())
		return
	}

	timer := metrics.NewTimer()
	result, err := w.exec.Publish(ctx, asset, wallet)
	duration := timer.Duration()

	if err != nil {
		errorType, errorMessage := classifyError(err)
		if updErr := w.store.UpdateAttempt(ctx, attemptID, assetstore.AttemptResult{
			Status:       types.AttemptFailed,
			ErrorType:    errorType,
			ErrorMessage: errorMessage,
			Duration:     duration,
		}); updErr != nil {
			logger.Error().Err(updErr).Msg("Failed to update attempt")
		}
		w.releaseWallet(ctx, wallet.ID, false)
		metrics.PublishAttemptsTotal.WithLabelValues("failed").Inc()
		metrics.PublishDuration.Observe(duration.Seconds())

		status, hfErr := w.store.HandleFailure(ctx, job.AssetID, errorMessage)
		if hfErr != nil {
			logger.Error().Err(hfErr).Msg("Failed to apply failure accounting")
		}
		logger.Warn().Str("error_type", errorType).Str("status", string(status)).
			Int("attempt", attemptNumber).Dur("duration", duration).Msg("Publish failed")

		eventType := events.EventAssetRetried
		if status == types.AssetStatusFailed {
			eventType = events.EventAssetFailed
		}
		w.broker.Publish(&events.Event{
			Type: eventType, AssetID: job.AssetID, Message: errorMessage,
		})
		w.settleFailed(ctx, job.ID, errorMessage)
		return
	}

	if err := w.store.UpdateAttempt(ctx, attemptID, assetstore.AttemptResult{
		Status:   types.AttemptSuccess,
		UAL:      result.UAL,
		TxHash:   result.TxHash,
		Duration: duration,
	}); err != nil {
		logger.Error().Err(err).Msg("Failed to update attempt")
	}
	if err := w.store.MarkPublished(ctx, job.AssetID, result.UAL, result.TxHash, wallet.Blockchain); err != nil {
		logger.Error().Err(err).Msg("Failed to mark published")
		w.releaseWallet(ctx, wallet.ID, false)
		if errors.Is(err, types.ErrInvalidTransition) {
			// A parallel rescue beat us. The attempt row still records the UAL.
			w.settleFailed(ctx, job.ID, err.Error())
			return
		}
		// Storage rejected the terminal write (duplicate UAL, db fault).
		// Without failure accounting the asset would sit in publishing
		// until the stuck-asset sweep.
		w.failJob(ctx, job, err.Error())
		return
	}
	w.releaseWallet(ctx, wallet.ID, true)

	metrics.PublishAttemptsTotal.WithLabelValues("success").Inc()
	metrics.PublishDuration.Observe(duration.Seconds())
	logger.Info().Str("ual", result.UAL).Int("attempt", attemptNumber).
		Dur("duration", duration).Msg("Asset published")
	w.broker.Publish(&events.Event{
		Type: events.EventAssetPublished, AssetID: job.AssetID, Message: result.UAL,
	})

	if err := w.jobs.Complete(ctx, job.ID); err != nil {
		logger.Error().Err(err).Msg("Failed to settle job")
	}
}

// failJob applies failure accounting and settles the queue job as failed
func (w *Worker) failJob(ctx context.Context, job *queue.Job, errorMessage string) {
	if _, err := w.store.HandleFailure(ctx, job.AssetID, errorMessage); err != nil {
		logger := log.WithWorkerID(w.id)
		logger.Error().Err(err).
			Int64("asset_id", job.AssetID).Msg("Failed to apply failure accounting")
	}
	w.settleFailed(ctx, job.ID, errorMessage)
}

func (w *Worker) settleFailed(ctx context.Context, jobID, errorMessage string) {
	if err := w.jobs.Fail(ctx, jobID, errorMessage); err != nil {
		logger := log.WithWorkerID(w.id)
		logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to settle job")
	}
}

func (w *Worker) releaseWallet(ctx context.Context, walletID int64, success bool) {
	if err := w.wallets.Release(ctx, walletID, success); err != nil {
		logger := log.WithWorkerID(w.id)
		logger.Error().Err(err).
			Int64("wallet_id", walletID).Msg("Failed to release wallet")
	}
}

func (w *Worker) heartbeat(ctx context.Context, jobID string) {
	logger := log.WithWorkerID(w.id)
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.jobs.Heartbeat(ctx, jobID, jobLease); err != nil {
				if errors.Is(err, types.ErrNotFound) {
					return
				}
				logger.Warn().Err(err).
					Str("job_id", jobID).Msg("Failed to renew job lease")
			}
		case <-ctx.Done():
			return
		}
	}
}

// classifyError maps publish errors onto (errorType, errorMessage) for
// the attempt record.
func classifyError(err error) (string, string) {
	var apiErr *types.DKGAPIError
	if errors.As(err, &apiErr) {
		errorType := apiErr.ErrorType
		if errorType == "" {
			errorType = "DKG_ERROR"
		}
		return errorType, apiErr.ErrorMessage
	}
	if errors.Is(err, types.ErrMissingUAL) {
		return "MISSING_UAL", err.Error()
	}
	return "INTERNAL", err.Error()
}
