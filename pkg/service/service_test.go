package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trailbound/kapp/pkg/assetstore"
	"github.com/trailbound/kapp/pkg/config"
	"github.com/trailbound/kapp/pkg/dkg"
	"github.com/trailbound/kapp/pkg/types"
)

// scriptedClient replays canned outcomes, one per publish call. The
// last response repeats once the script runs out.
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

// publishSeq succeeds with a fresh UAL per call, the way a real node
// mints a new token id for every asset.
func publishSeq(prefix string) func() (*dkg.CreateResponse, error) {
	var n int
	return func() (*dkg.CreateResponse, error) {
		n++
		resp := &dkg.CreateResponse{UAL: fmt.Sprintf("%s/%d", prefix, n)}
		resp.Operation.Publish.Status = "COMPLETED"
		return resp, nil
	}
}

func newService(t *testing.T, walletCount int, responses ...func() (*dkg.CreateResponse, error)) (*Service, *scriptedClient) {
	t.Helper()

	mr := miniredis.RunT(t)
	cfg := &config.Config{
		PollFrequency:       50 * time.Millisecond,
		WorkerCount:         1,
		HealthCheckInterval: time.Minute,
		AssignedTimeout:     5 * time.Minute,
		PublishingTimeout:   15 * time.Minute,
		WalletTimeout:       30 * time.Minute,
		DKGEndpoint:         "https://node.test",
		Blockchain:          "otp:2043",
		DatabaseDriver:      "sqlite3",
		DatabaseDSN:         ":memory:",
		RedisAddr:           mr.Addr(),
		ContentBackend:      "fs",
		ContentDir:          t.TempDir(),
		EncryptionKey:       "service-test-passphrase",
	}
	require.NoError(t, cfg.Validate())

	client := &scriptedClient{responses: responses}
	svc, err := New(cfg, client)
	require.NoError(t, err)
	t.Cleanup(svc.Stop)

	if walletCount > 0 {
		var b strings.Builder
		b.WriteString("wallets:\n")
		for i := 0; i < walletCount; i++ {
			b.WriteString("  - address: \"0xw")
			b.WriteString(string(rune('a' + i)))
			b.WriteString("\"\n    privateKey: \"pk\"\n    blockchain: \"otp:2043\"\n")
		}
		_, _, err = svc.ImportWallets(context.Background(), strings.NewReader(b.String()))
		require.NoError(t, err)
	}
	return svc, client
}

// pump runs one scheduling cycle and drains every job it queued
func pump(t *testing.T, svc *Service) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, svc.Poller.Cycle(ctx))
	for {
		handled, err := svc.Worker.RunOnce(ctx)
		require.NoError(t, err)
		if !handled {
			return
		}
	}
}

func register(t *testing.T, svc *Service, opts *types.PublishOptions) *types.Asset {
	t.Helper()
	asset, err := svc.Register(context.Background(), &types.RegisterInput{
		Content: []byte(`{"@type":"Thing","name":"X"}`),
		Options: opts,
	})
	require.NoError(t, err)
	return asset
}

func TestPipelinePublishesRegisteredAsset(t *testing.T) {
	svc, client := newService(t, 1, publishOK("did:dkg:otp/0x1/1", "0xabc"))
	ctx := context.Background()
	asset := register(t, svc, nil)

	pump(t, svc)

	status, err := svc.GetStatus(ctx, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AssetStatusPublished, status.Asset.Status)
	assert.Equal(t, "did:dkg:otp/0x1/1", status.Asset.UAL)
	assert.Equal(t, "0xabc", status.Asset.TransactionHash)
	require.Len(t, status.Attempts, 1)
	assert.Equal(t, types.AttemptSuccess, status.Attempts[0].Status)
	assert.Equal(t, 1, client.calls)

	wallets, err := svc.WalletStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, wallets.Available)

	queue, err := svc.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), queue.Completed)
	assert.Equal(t, int64(0), queue.Waiting)
}

func TestPipelineRetriesThenPublishes(t *testing.T) {
	svc, client := newService(t, 1,
		publishErr("RATE_LIMIT", "node busy"),
		publishOK("did:dkg:otp/0x1/2", "0xdef"))
	ctx := context.Background()
	asset := register(t, svc, nil)

	pump(t, svc)

	status, err := svc.GetStatus(ctx, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AssetStatusQueued, status.Asset.Status)
	assert.Equal(t, 1, status.Asset.RetryCount)

	pump(t, svc)

	status, err = svc.GetStatus(ctx, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AssetStatusPublished, status.Asset.Status)
	require.Len(t, status.Attempts, 2)
	assert.Equal(t, types.AttemptFailed, status.Attempts[0].Status)
	assert.Equal(t, types.AttemptSuccess, status.Attempts[1].Status)
	assert.Equal(t, 2, client.calls)
}

func TestPipelineFailsTerminallyAfterBudget(t *testing.T) {
	svc, client := newService(t, 1, publishErr("INTERNAL_ERROR", "boom"))
	ctx := context.Background()
	asset := register(t, svc, &types.PublishOptions{MaxAttempts: intPtr(3)})

	for i := 0; i < 5; i++ {
		pump(t, svc)
	}

	status, err := svc.GetStatus(ctx, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AssetStatusFailed, status.Asset.Status)
	assert.True(t, strings.HasPrefix(status.Asset.LastError, "Final failure after 3 attempts:"),
		status.Asset.LastError)
	assert.Len(t, status.Attempts, 3)
	assert.Equal(t, 3, client.calls)

	// Terminal assets never reach the queue again.
	require.NoError(t, svc.Poller.Cycle(ctx))
	queue, err := svc.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), queue.Waiting)
}

func TestPipelineBoundsQueueDepthByWallets(t *testing.T) {
	svc, _ := newService(t, 2, publishSeq("did:dkg:otp/0x1"))
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		register(t, svc, nil)
	}

	require.NoError(t, svc.Poller.Cycle(ctx))

	queue, err := svc.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), queue.Waiting)

	// Another cycle with the slots full schedules nothing more.
	require.NoError(t, svc.Poller.Cycle(ctx))
	queue, err = svc.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), queue.Waiting)

	// Kept pumping, every asset still gets through.
	for i := 0; i < 8; i++ {
		pump(t, svc)
	}
	counts, err := svc.Assets.CountsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(8), counts[types.AssetStatusPublished])
}

func TestRetryFailedFeedsBackIntoPipeline(t *testing.T) {
	svc, _ := newService(t, 1,
		publishErr("INTERNAL_ERROR", "boom"),
		publishOK("did:dkg:otp/0x1/4", "0x123"))
	ctx := context.Background()
	asset := register(t, svc, &types.PublishOptions{MaxAttempts: intPtr(1)})

	pump(t, svc)
	status, err := svc.GetStatus(ctx, asset.ID)
	require.NoError(t, err)
	require.Equal(t, types.AssetStatusFailed, status.Asset.Status)

	n, err := svc.RetryFailed(ctx, assetstore.RetryFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	pump(t, svc)
	status, err = svc.GetStatus(ctx, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AssetStatusPublished, status.Asset.Status)
}

func TestPauseStopsDelivery(t *testing.T) {
	svc, client := newService(t, 1, publishOK("did:dkg:otp/0x1/5", ""))
	ctx := context.Background()
	asset := register(t, svc, nil)

	require.NoError(t, svc.PauseQueue(ctx))
	pump(t, svc)
	assert.Equal(t, 0, client.calls)

	queue, err := svc.QueueStats(ctx)
	require.NoError(t, err)
	assert.True(t, queue.Paused)
	assert.Equal(t, int64(1), queue.Waiting)

	require.NoError(t, svc.ResumeQueue(ctx))
	pump(t, svc)

	status, err := svc.GetStatus(ctx, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AssetStatusPublished, status.Asset.Status)
}

func TestCipherFromKeyAcceptsHexAndPassphrase(t *testing.T) {
	hexKey := strings.Repeat("ab", 32)
	c, err := cipherFromKey(hexKey)
	require.NoError(t, err)
	require.NotNil(t, c)

	c, err = cipherFromKey("just a passphrase")
	require.NoError(t, err)
	require.NotNil(t, c)

	_, err = cipherFromKey("")
	assert.Error(t, err)
}

func intPtr(v int) *int { return &v }
