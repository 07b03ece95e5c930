/*
Package walletpool manages the shared set of blockchain signing wallets.

A wallet is leased to exactly one asset at a time. LeaseFor picks the
least-used available wallet, locks it, and stamps the asset's wallet_id
inside one transaction; that transaction is the only place the pair
(asset.wallet_id, wallet.locked) is mutated together, which is what makes
double-booking impossible. Release returns the wallet and bumps its use
counters, and UnlockStuck reclaims leases older than the wallet timeout
so a crashed worker can never strand a wallet forever.

Signing secrets are stored encrypted with AES-256-GCM and only decrypted
into memory for the duration of a lease. Operators load wallets from a
YAML manifest via ImportWallets; existing addresses are skipped so an
import is safe to re-run.
*/
package walletpool
