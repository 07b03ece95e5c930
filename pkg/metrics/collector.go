package metrics

import (
	"context"
	"time"

	"github.com/trailbound/kapp/pkg/log"
	"github.com/trailbound/kapp/pkg/types"
)

// AssetCounter supplies per-status asset counts
type AssetCounter interface {
	CountsByStatus(ctx context.Context) (map[types.AssetStatus]int64, error)
}

// WalletStatser supplies wallet pool stats
type WalletStatser interface {
	Stats(ctx context.Context) (*types.WalletStats, error)
}

// QueueStatser supplies job queue stats
type QueueStatser interface {
	Stats(ctx context.Context) (*types.QueueStats, error)
}

// Collector periodically samples stores into prometheus gauges
type Collector struct {
	assets  AssetCounter
	wallets WalletStatser
	queue   QueueStatser
	stopCh  chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(assets AssetCounter, wallets WalletStatser, queue QueueStatser) *Collector {
	return &Collector{
		assets:  assets,
		wallets: wallets,
		queue:   queue,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger := log.WithComponent("metrics")

	if counts, err := c.assets.CountsByStatus(ctx); err != nil {
		logger.Debug().Err(err).Msg("failed to collect asset counts")
	} else {
		for _, status := range []types.AssetStatus{
			types.AssetStatusPending,
			types.AssetStatusQueued,
			types.AssetStatusAssigned,
			types.AssetStatusPublishing,
			types.AssetStatusPublished,
			types.AssetStatusFailed,
		} {
			AssetsTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
		}
	}

	if ws, err := c.wallets.Stats(ctx); err != nil {
		logger.Debug().Err(err).Msg("failed to collect wallet stats")
	} else {
		WalletsTotal.Set(float64(ws.Total))
		WalletsInUse.Set(float64(ws.InUse))
	}

	if qs, err := c.queue.Stats(ctx); err != nil {
		logger.Debug().Err(err).Msg("failed to collect queue stats")
	} else {
		QueueDepth.WithLabelValues("waiting").Set(float64(qs.Waiting))
		QueueDepth.WithLabelValues("active").Set(float64(qs.Active))
		QueueDepth.WithLabelValues("completed").Set(float64(qs.Completed))
		QueueDepth.WithLabelValues("failed").Set(float64(qs.Failed))
	}
}
