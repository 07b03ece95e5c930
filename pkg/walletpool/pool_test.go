package walletpool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trailbound/kapp/pkg/assetstore"
	"github.com/trailbound/kapp/pkg/contentstore"
	"github.com/trailbound/kapp/pkg/types"
)

func newTestPool(t *testing.T) (*Pool, *sqlx.DB) {
	t.Helper()

	db, err := assetstore.OpenDB("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cipher, err := NewCipherFromPassword("test-pool-key")
	require.NoError(t, err)

	return NewPool(db, cipher), db
}

func importManifest(t *testing.T, p *Pool, n int) {
	t.Helper()
	var b strings.Builder
	b.WriteString("wallets:\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "  - address: \"0xwallet%02d\"\n", i)
		fmt.Fprintf(&b, "    privateKey: \"key-%02d\"\n", i)
		b.WriteString("    blockchain: \"otp:2043\"\n")
	}
	added, skipped, err := p.ImportWallets(context.Background(), strings.NewReader(b.String()))
	require.NoError(t, err)
	require.Equal(t, n, added)
	require.Equal(t, 0, skipped)
}

func registerAsset(t *testing.T, db *sqlx.DB) int64 {
	t.Helper()
	content, err := contentstore.NewFSStore(t.TempDir())
	require.NoError(t, err)
	asset, err := assetstore.NewStore(db, content).Register(context.Background(), &types.RegisterInput{
		Content: []byte(`{"@type":"Thing"}`),
	})
	require.NoError(t, err)
	return asset.ID
}

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipherFromPassword("hunter2")
	require.NoError(t, err)

	ciphertext, err := c.Encrypt([]byte("0xdeadbeef"))
	require.NoError(t, err)
	assert.NotContains(t, string(ciphertext), "0xdeadbeef")

	plaintext, err := c.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "0xdeadbeef", string(plaintext))

	// Every encryption carries a fresh nonce.
	other, err := c.Encrypt([]byte("0xdeadbeef"))
	require.NoError(t, err)
	assert.NotEqual(t, ciphertext, other)

	wrong, err := NewCipherFromPassword("hunter3")
	require.NoError(t, err)
	_, err = wrong.Decrypt(ciphertext)
	assert.Error(t, err)
}

func TestNewCipherRejectsBadKey(t *testing.T) {
	_, err := NewCipher([]byte("short"))
	assert.Error(t, err)
	_, err = NewCipherFromPassword("")
	assert.Error(t, err)
}

func TestImportWallets(t *testing.T) {
	p, db := newTestPool(t)
	importManifest(t, p, 3)

	stats, err := p.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.Available)

	// Re-import skips existing addresses.
	var b strings.Builder
	b.WriteString("wallets:\n")
	b.WriteString("  - address: \"0xwallet00\"\n    privateKey: \"key-00\"\n    blockchain: \"otp:2043\"\n")
	b.WriteString("  - address: \"0xnew\"\n    privateKey: \"key-new\"\n    blockchain: \"otp:2043\"\n")
	added, skipped, err := p.ImportWallets(context.Background(), strings.NewReader(b.String()))
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, skipped)

	// Secrets land encrypted.
	var ciphertext []byte
	require.NoError(t, db.Get(&ciphertext,
		`SELECT secret_ciphertext FROM wallets WHERE address = '0xnew'`))
	assert.NotContains(t, string(ciphertext), "key-new")
}

func TestImportWalletsRejectsBadManifest(t *testing.T) {
	p, _ := newTestPool(t)
	ctx := context.Background()

	_, _, err := p.ImportWallets(ctx, strings.NewReader("wallets: []\n"))
	assert.Error(t, err)

	_, _, err = p.ImportWallets(ctx, strings.NewReader("wallets:\n  - address: \"0xonly\"\n"))
	assert.Error(t, err)

	_, _, err = p.ImportWallets(ctx, strings.NewReader("not: yaml: ["))
	assert.Error(t, err)
}

func TestLeaseForAndRelease(t *testing.T) {
	p, db := newTestPool(t)
	importManifest(t, p, 1)
	ctx := context.Background()
	assetID := registerAsset(t, db)

	wallet, err := p.LeaseFor(ctx, assetID)
	require.NoError(t, err)
	assert.True(t, wallet.Locked)
	require.NotNil(t, wallet.LockedBy)
	assert.Equal(t, assetID, *wallet.LockedBy)
	assert.Equal(t, "key-00", wallet.Secret)

	// The lease and the asset's wallet reference move together.
	var walletID *int64
	require.NoError(t, db.Get(&walletID, db.Rebind(
		`SELECT wallet_id FROM assets WHERE id = ?`), assetID))
	require.NotNil(t, walletID)
	assert.Equal(t, wallet.ID, *walletID)

	// Pool is now empty.
	_, err = p.LeaseFor(ctx, assetID)
	assert.True(t, errors.Is(err, types.ErrNoWalletAvailable))

	require.NoError(t, p.Release(ctx, wallet.ID, true))
	got, err := p.Get(ctx, wallet.ID)
	require.NoError(t, err)
	assert.False(t, got.Locked)
	assert.Nil(t, got.LockedBy)
	assert.Equal(t, int64(1), got.TotalUses)
	assert.Equal(t, int64(1), got.SuccessfulUses)
	assert.NotNil(t, got.LastUsedAt)

	// Double release is a no-op.
	require.NoError(t, p.Release(ctx, wallet.ID, false))
	got, err = p.Get(ctx, wallet.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.TotalUses)
	assert.Equal(t, int64(0), got.FailedUses)
}

func TestLeaseForSpreadsLoad(t *testing.T) {
	p, db := newTestPool(t)
	importManifest(t, p, 2)
	ctx := context.Background()
	assetID := registerAsset(t, db)

	first, err := p.LeaseFor(ctx, assetID)
	require.NoError(t, err)
	require.NoError(t, p.Release(ctx, first.ID, true))

	// The used wallet sits behind the fresh one now.
	second, err := p.LeaseFor(ctx, assetID)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestLeaseForMutualExclusion(t *testing.T) {
	p, db := newTestPool(t)
	importManifest(t, p, 2)
	ctx := context.Background()

	assetIDs := make([]int64, 8)
	for i := range assetIDs {
		assetIDs[i] = registerAsset(t, db)
	}

	var mu sync.Mutex
	leased := map[int64]int{}
	var wg sync.WaitGroup
	for _, id := range assetIDs {
		wg.Add(1)
		go func(assetID int64) {
			defer wg.Done()
			wallet, err := p.LeaseFor(ctx, assetID)
			if err != nil {
				return // pool exhausted, expected for most callers
			}
			mu.Lock()
			leased[wallet.ID]++
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	// No wallet was handed out twice.
	assert.LessOrEqual(t, len(leased), 2)
	for id, n := range leased {
		assert.Equal(t, 1, n, "wallet %d double-leased", id)
	}
}

func TestUnlockStuck(t *testing.T) {
	p, db := newTestPool(t)
	importManifest(t, p, 2)
	ctx := context.Background()
	assetID := registerAsset(t, db)

	stuck, err := p.LeaseFor(ctx, assetID)
	require.NoError(t, err)
	fresh, err := p.LeaseFor(ctx, assetID)
	require.NoError(t, err)

	old := time.Now().UTC().Add(-time.Hour)
	_, err = db.Exec(db.Rebind(`UPDATE wallets SET locked_at = ? WHERE id = ?`), old, stuck.ID)
	require.NoError(t, err)

	healthy, err := p.Healthy(ctx, stuck.ID, 30*time.Minute)
	require.NoError(t, err)
	assert.False(t, healthy)
	healthy, err = p.Healthy(ctx, fresh.ID, 30*time.Minute)
	require.NoError(t, err)
	assert.True(t, healthy)

	freed, err := p.UnlockStuck(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), freed)

	got, err := p.Get(ctx, stuck.ID)
	require.NoError(t, err)
	assert.False(t, got.Locked)

	// Idempotent.
	freed, err = p.UnlockStuck(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(0), freed)
}

func TestStats(t *testing.T) {
	p, db := newTestPool(t)
	importManifest(t, p, 3)
	ctx := context.Background()
	assetID := registerAsset(t, db)

	wallet, err := p.LeaseFor(ctx, assetID)
	require.NoError(t, err)

	stats, err := p.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Available)
	assert.Equal(t, 1, stats.InUse)

	require.NoError(t, p.Release(ctx, wallet.ID, true))
	stats, err = p.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Available)
	assert.InDelta(t, 1.0/3.0, stats.AvgUses, 0.01)
}
