package worker

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trailbound/kapp/pkg/assetstore"
	"github.com/trailbound/kapp/pkg/contentstore"
	"github.com/trailbound/kapp/pkg/dkg"
	"github.com/trailbound/kapp/pkg/events"
	"github.com/trailbound/kapp/pkg/publisher"
	"github.com/trailbound/kapp/pkg/queue"
	"github.com/trailbound/kapp/pkg/types"
	"github.com/trailbound/kapp/pkg/walletpool"
)

// scriptedClient runs through a list of canned outcomes, one per call
type scriptedClient struct {
	calls     int
	responses []func() (*dkg.CreateResponse, error)
}

func (c *scriptedClient) CreateAsset(ctx context.Context, content json.RawMessage, opts dkg.CreateOptions, id dkg.Identity) (*dkg.CreateResponse, error) {
	i := c.calls
	c.calls++
	if i >= len(c.responses) {
		i = len(c.responses) - 1
	}
	return c.responses[i]()
}

func publishOK(ual, tx string) func() (*dkg.CreateResponse, error) {
	return func() (*dkg.CreateResponse, error) {
		resp := &dkg.CreateResponse{UAL: ual}
		resp.Operation.Publish.Status = "COMPLETED"
		resp.Operation.Mint.TransactionHash = tx
		return resp, nil
	}
}

func publishErr(errorType, msg string) func() (*dkg.CreateResponse, error) {
	return func() (*dkg.CreateResponse, error) {
		return nil, &types.DKGAPIError{ErrorType: errorType, ErrorMessage: msg}
	}
}

type harness struct {
	db      *sqlx.DB
	store   *assetstore.Store
	wallets *walletpool.Pool
	jobs    *queue.Queue
	worker  *Worker
	client  *scriptedClient
}

func newHarness(t *testing.T, walletCount int, responses ...func() (*dkg.CreateResponse, error)) *harness {
	t.Helper()

	db, err := assetstore.OpenDB("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	content, err := contentstore.NewFSStore(t.TempDir())
	require.NoError(t, err)
	store := assetstore.NewStore(db, content)

	cipher, err := walletpool.NewCipherFromPassword("worker-test")
	require.NoError(t, err)
	wallets := walletpool.NewPool(db, cipher)
	if walletCount > 0 {
		var b strings.Builder
		b.WriteString("wallets:\n")
		for i := 0; i < walletCount; i++ {
			b.WriteString("  - address: \"0xw")
			b.WriteString(string(rune('a' + i)))
			b.WriteString("\"\n    privateKey: \"pk\"\n    blockchain: \"otp:2043\"\n")
		}
		_, _, err = wallets.ImportWallets(context.Background(), strings.NewReader(b.String()))
		require.NoError(t, err)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	jobs := queue.NewQueue(rdb)

	client := &scriptedClient{responses: responses}
	exec := publisher.NewExecutor(content, client)

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	w := New(Config{WorkerCount: 1, OTNodeURL: "https://node.test"}, store, wallets, jobs, exec, broker)
	return &harness{db: db, store: store, wallets: wallets, jobs: jobs, worker: w, client: client}
}

func (h *harness) submit(t *testing.T, opts *types.PublishOptions) *types.Asset {
	t.Helper()
	asset, err := h.store.Register(context.Background(), &types.RegisterInput{
		Content: []byte(`{"@type":"Thing","name":"X"}`),
		Options: opts,
	})
	require.NoError(t, err)
	return asset
}

// runOne enqueues the asset, dequeues its job, and processes it once
func (h *harness) runOne(t *testing.T, assetID int64) {
	t.Helper()
	ctx := context.Background()
	_, err := h.jobs.Enqueue(ctx, assetID, 50)
	require.NoError(t, err)
	job, err := h.jobs.Dequeue(ctx, h.worker.id, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	h.worker.processJob(ctx, job)
}

func TestProcessJobHappyPath(t *testing.T) {
	h := newHarness(t, 1, publishOK("did:dkg:otp/0x1/1", "0xabc"))
	ctx := context.Background()
	asset := h.submit(t, nil)

	h.runOne(t, asset.ID)

	got, err := h.store.Get(ctx, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AssetStatusPublished, got.Status)
	assert.Equal(t, "did:dkg:otp/0x1/1", got.UAL)
	assert.Equal(t, "0xabc", got.TransactionHash)
	assert.Equal(t, 1, got.AttemptCount)

	attempts, err := h.store.Attempts(ctx, asset.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, types.AttemptSuccess, attempts[0].Status)
	assert.Equal(t, 1, attempts[0].AttemptNumber)
	assert.Equal(t, h.worker.ID(), attempts[0].WorkerID)
	assert.Equal(t, "https://node.test", attempts[0].OTNodeURL)

	wallet, err := h.wallets.Get(ctx, attempts[0].WalletID)
	require.NoError(t, err)
	assert.False(t, wallet.Locked)
	assert.Equal(t, int64(1), wallet.SuccessfulUses)

	stats, err := h.jobs.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(0), stats.Active)
}

func TestProcessJobRetryThenSuccess(t *testing.T) {
	h := newHarness(t, 1,
		publishErr("RATE_LIMIT", "node busy"),
		publishOK("did:dkg:otp/0x1/2", "0xdef"))
	ctx := context.Background()
	asset := h.submit(t, nil)

	h.runOne(t, asset.ID)

	got, err := h.store.Get(ctx, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AssetStatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "node busy", got.LastError)
	assert.Nil(t, got.WalletID)

	// Poller would re-enqueue; the settled failed job is replaced.
	h.runOne(t, asset.ID)

	got, err = h.store.Get(ctx, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AssetStatusPublished, got.Status)

	attempts, err := h.store.Attempts(ctx, asset.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, types.AttemptFailed, attempts[0].Status)
	assert.Equal(t, "RATE_LIMIT", attempts[0].ErrorType)
	assert.Equal(t, types.AttemptSuccess, attempts[1].Status)

	wallet, err := h.wallets.Get(ctx, attempts[1].WalletID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), wallet.TotalUses)
	assert.Equal(t, int64(1), wallet.SuccessfulUses)
	assert.Equal(t, int64(1), wallet.FailedUses)
}

func TestProcessJobTerminalFailure(t *testing.T) {
	h := newHarness(t, 1, publishErr("INTERNAL_ERROR", "boom"))
	ctx := context.Background()
	asset := h.submit(t, &types.PublishOptions{MaxAttempts: intPtr(3)})

	for i := 0; i < 3; i++ {
		h.runOne(t, asset.ID)
	}

	got, err := h.store.Get(ctx, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AssetStatusFailed, got.Status)
	assert.True(t, strings.HasPrefix(got.LastError, "Final failure after 3 attempts:"), got.LastError)

	attempts, err := h.store.Attempts(ctx, asset.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 3)

	stats, err := h.wallets.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Available)

	// A straggler job for the dead asset is dropped without a new attempt.
	_, err = h.jobs.Enqueue(ctx, asset.ID, 50)
	require.NoError(t, err)
	job, err := h.jobs.Dequeue(ctx, h.worker.id, time.Minute)
	require.NoError(t, err)
	h.worker.processJob(ctx, job)

	attempts, err = h.store.Attempts(ctx, asset.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 3)
	assert.Equal(t, 3, h.client.calls)
}

func TestProcessJobNoWallets(t *testing.T) {
	h := newHarness(t, 0, publishOK("did:dkg:otp/0x1/3", ""))
	ctx := context.Background()
	asset := h.submit(t, nil)

	h.runOne(t, asset.ID)

	got, err := h.store.Get(ctx, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AssetStatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "no wallets available", got.LastError)

	// No publish was attempted and no attempt row written.
	assert.Equal(t, 0, h.client.calls)
	attempts, err := h.store.Attempts(ctx, asset.ID)
	require.NoError(t, err)
	assert.Empty(t, attempts)

	stats, err := h.jobs.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestProcessJobDuplicateUALAppliesRetryAccounting(t *testing.T) {
	// The node hands back the same UAL twice; the second terminal write
	// hits the unique UAL index.
	h := newHarness(t, 2, publishOK("did:dkg:otp/0x1/7", ""))
	ctx := context.Background()
	first := h.submit(t, nil)
	second := h.submit(t, nil)

	h.runOne(t, first.ID)
	h.runOne(t, second.ID)

	got, err := h.store.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AssetStatusPublished, got.Status)

	// The rejected asset must not sit in publishing until a sweep; it
	// goes back through retry accounting.
	got, err = h.store.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AssetStatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.NotEmpty(t, got.LastError)

	stats, err := h.wallets.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Available)

	qstats, err := h.jobs.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), qstats.Failed)
}

func TestProcessJobDropsJobWhenAssetMovesOn(t *testing.T) {
	h := newHarness(t, 1, publishOK("did:dkg:otp/0x1/8", ""))
	ctx := context.Background()
	asset := h.submit(t, nil)

	// Land a rescue between the claim and the publishing transition: the
	// moment the claim writes assigned, the asset moves on.
	_, err := h.db.Exec(`
		CREATE TRIGGER asset_moves_on AFTER UPDATE OF status ON assets
		WHEN NEW.status = 'assigned'
		BEGIN
			UPDATE assets SET status = 'published' WHERE id = NEW.id;
		END`)
	require.NoError(t, err)

	h.runOne(t, asset.ID)

	// A lost race is benign: no publish call, no retry budget consumed.
	assert.Equal(t, 0, h.client.calls)
	got, err := h.store.Get(ctx, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.RetryCount)
	assert.Empty(t, got.LastError)

	stats, err := h.wallets.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Available)

	qstats, err := h.jobs.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), qstats.Completed)
	assert.Equal(t, int64(0), qstats.Failed)
}

func TestSetConcurrency(t *testing.T) {
	h := newHarness(t, 3, publishOK("did:dkg:otp/0x1/4", ""))

	assert.Equal(t, int64(1), h.worker.Concurrency())

	n, err := h.worker.sizeConcurrency(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	h.worker.SetConcurrency(n)
	assert.Equal(t, int64(3), h.worker.Concurrency())

	h.worker.SetConcurrency(0)
	assert.Equal(t, int64(1), h.worker.Concurrency())
}

func intPtr(v int) *int { return &v }
