package walletpool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jmoiron/sqlx"
	"gopkg.in/yaml.v3"

	"github.com/trailbound/kapp/pkg/log"
	"github.com/trailbound/kapp/pkg/types"
)

// leaseAttempts bounds how many candidate rows a single LeaseFor call
// races for before reporting the pool exhausted.
const leaseAttempts = 5

// Pool manages the shared set of signing wallets. A wallet is leased to
// exactly one asset at a time; the lease and the asset's wallet_id are
// written in the same transaction so no interleaving can double-book.
type Pool struct {
	db     *sqlx.DB
	cipher *Cipher
}

// NewPool creates a wallet pool over an open database
func NewPool(db *sqlx.DB, cipher *Cipher) *Pool {
	return &Pool{db: db, cipher: cipher}
}

// LeaseFor reserves an available wallet for the asset and returns it with
// the decrypted signing secret populated. Returns
// types.ErrNoWalletAvailable when every wallet is inactive or leased.
//
// Candidates are taken least-used first so load spreads across the pool.
// The lock is a conditional update: a concurrent lease of the same
// candidate makes the predicate fail and we move to the next row.
func (p *Pool) LeaseFor(ctx context.Context, assetID int64) (*types.Wallet, error) {
	for i := 0; i < leaseAttempts; i++ {
		var wallet types.Wallet
		err := p.inTx(ctx, func(tx *sqlx.Tx) error {
			err := tx.GetContext(ctx, &wallet, tx.Rebind(`
				SELECT * FROM wallets
				WHERE active = ? AND locked = ?
				ORDER BY total_uses ASC, id ASC
				LIMIT 1`), true, false)
			if errors.Is(err, sql.ErrNoRows) {
				return types.ErrNoWalletAvailable
			}
			if err != nil {
				return fmt.Errorf("failed to select wallet: %w", err)
			}

			now := time.Now().UTC()
			res, err := tx.ExecContext(ctx, tx.Rebind(`
				UPDATE wallets
				SET locked = ?, locked_by = ?, locked_at = ?
				WHERE id = ? AND locked = ? AND active = ?`),
				true, assetID, now, wallet.ID, false, true)
			if err != nil {
				return fmt.Errorf("failed to lock wallet: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				// Lost the race for this candidate.
				return errLeaseRace
			}

			wallet.Locked = true
			wallet.LockedBy = &assetID
			wallet.LockedAt = &now

			_, err = tx.ExecContext(ctx, tx.Rebind(
				`UPDATE assets SET wallet_id = ?, updated_at = ? WHERE id = ?`),
				wallet.ID, now, assetID)
			return err
		})
		if errors.Is(err, errLeaseRace) {
			continue
		}
		if err != nil {
			return nil, err
		}

		secret, err := p.cipher.Decrypt(wallet.SecretCiphertext)
		if err != nil {
			// The row is unusable until re-imported; release and surface.
			if relErr := p.Release(ctx, wallet.ID, false); relErr != nil {
				logger := log.WithComponent("walletpool")
				logger.Error().Err(relErr).
					Int64("wallet_id", wallet.ID).Msg("Failed to release undecryptable wallet")
			}
			return nil, fmt.Errorf("failed to decrypt wallet %d secret: %w", wallet.ID, err)
		}
		wallet.Secret = string(secret)
		return &wallet, nil
	}
	return nil, types.ErrNoWalletAvailable
}

var errLeaseRace = errors.New("wallet lease race lost")

// Release returns a wallet to the pool and bumps its use counters
func (p *Pool) Release(ctx context.Context, walletID int64, success bool) error {
	col := "failed_uses"
	if success {
		col = "successful_uses"
	}

	now := time.Now().UTC()
	res, err := p.db.ExecContext(ctx, p.db.Rebind(fmt.Sprintf(`
		UPDATE wallets
		SET locked = ?, locked_by = NULL, locked_at = NULL, last_used_at = ?,
			total_uses = total_uses + 1, %s = %s + 1
		WHERE id = ? AND locked = ?`, col, col)),
		false, now, walletID, true)
	if err != nil {
		return fmt.Errorf("failed to release wallet: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already released, e.g. by the stuck-wallet sweep. Not an error.
		logger := log.WithComponent("walletpool")
		logger.Debug().
			Int64("wallet_id", walletID).Msg("Release on unlocked wallet ignored")
	}
	return nil
}

// Get returns a wallet row by id, without the decrypted secret
func (p *Pool) Get(ctx context.Context, walletID int64) (*types.Wallet, error) {
	var wallet types.Wallet
	err := p.db.GetContext(ctx, &wallet, p.db.Rebind(`SELECT * FROM wallets WHERE id = ?`), walletID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("wallet %d: %w", walletID, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}
	return &wallet, nil
}

// Stats returns the pool-wide availability snapshot
func (p *Pool) Stats(ctx context.Context) (*types.WalletStats, error) {
	row := struct {
		Total     int     `db:"total"`
		Available int     `db:"available"`
		InUse     int     `db:"in_use"`
		AvgUses   float64 `db:"avg_uses"`
	}{}
	err := p.db.GetContext(ctx, &row, p.db.Rebind(`
		SELECT
			COUNT(*) AS total,
			COUNT(CASE WHEN active = ? AND locked = ? THEN 1 END) AS available,
			COUNT(CASE WHEN locked = ? THEN 1 END) AS in_use,
			COALESCE(AVG(total_uses), 0) AS avg_uses
		FROM wallets`), true, false, true)
	if err != nil {
		return nil, fmt.Errorf("failed to compute wallet stats: %w", err)
	}
	return &types.WalletStats{
		Total:     row.Total,
		Available: row.Available,
		InUse:     row.InUse,
		AvgUses:   row.AvgUses,
	}, nil
}

// Healthy reports whether a wallet's lease is within the age budget.
// An unlocked wallet is always healthy.
func (p *Pool) Healthy(ctx context.Context, walletID int64, maxLockAge time.Duration) (bool, error) {
	wallet, err := p.Get(ctx, walletID)
	if err != nil {
		return false, err
	}
	if !wallet.Locked || wallet.LockedAt == nil {
		return true, nil
	}
	return time.Since(*wallet.LockedAt) <= maxLockAge, nil
}

// UnlockStuck bulk-releases wallets locked longer than maxLockAge.
// Idempotent; returns how many were freed.
func (p *Pool) UnlockStuck(ctx context.Context, maxLockAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxLockAge)
	res, err := p.db.ExecContext(ctx, p.db.Rebind(`
		UPDATE wallets
		SET locked = ?, locked_by = NULL, locked_at = NULL
		WHERE locked = ? AND locked_at < ?`),
		false, true, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to unlock stuck wallets: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logger := log.WithComponent("walletpool")
		logger.Warn().Int64("freed", n).Msg("Unlocked stuck wallets")
	}
	return n, nil
}

// Manifest is the operator-provided wallet import document
type Manifest struct {
	Wallets []ManifestWallet `yaml:"wallets"`
}

// ManifestWallet is one wallet entry in an import manifest
type ManifestWallet struct {
	Address    string `yaml:"address"`
	PrivateKey string `yaml:"privateKey"`
	Blockchain string `yaml:"blockchain"`
}

// ImportWallets reads a YAML manifest and inserts its wallets, encrypting
// each private key. Addresses already present are skipped, never
// overwritten. Returns (added, skipped).
func (p *Pool) ImportWallets(ctx context.Context, r io.Reader) (int, int, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return 0, 0, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if len(manifest.Wallets) == 0 {
		return 0, 0, fmt.Errorf("manifest contains no wallets")
	}

	added, skipped := 0, 0
	for _, w := range manifest.Wallets {
		if w.Address == "" || w.PrivateKey == "" {
			return added, skipped, fmt.Errorf("wallet entry missing address or privateKey")
		}

		ciphertext, err := p.cipher.Encrypt([]byte(w.PrivateKey))
		if err != nil {
			return added, skipped, fmt.Errorf("failed to encrypt secret for %s: %w", w.Address, err)
		}

		var exists int
		if err := p.db.GetContext(ctx, &exists, p.db.Rebind(
			`SELECT COUNT(*) FROM wallets WHERE address = ?`), w.Address); err != nil {
			return added, skipped, fmt.Errorf("failed to check wallet %s: %w", w.Address, err)
		}
		if exists > 0 {
			skipped++
			continue
		}

		if _, err := p.db.ExecContext(ctx, p.db.Rebind(`
			INSERT INTO wallets (address, secret_ciphertext, blockchain, active, locked)
			VALUES (?, ?, ?, ?, ?)`),
			w.Address, ciphertext, w.Blockchain, true, false); err != nil {
			return added, skipped, fmt.Errorf("failed to insert wallet %s: %w", w.Address, err)
		}
		added++
	}

	logger := log.WithComponent("walletpool")
	logger.Info().
		Int("added", added).Int("skipped", skipped).Msg("Wallet import complete")
	return added, skipped, nil
}

func (p *Pool) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
