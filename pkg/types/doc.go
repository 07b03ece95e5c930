/*
Package types defines the core data structures shared across KAPP packages.

This package contains the domain model for the publishing pipeline: assets
and their lifecycle statuses, append-only publishing attempts, leased
wallets, batches, and the ingress/egress value types exchanged with
callers. It has no dependencies on other KAPP packages and can be imported
by any component.

# Asset Lifecycle

An asset moves through a strict state machine:

	pending → queued → assigned → publishing → published (terminal)
	                                        ↘ failed (terminal, or back to
	                                          queued while retries remain)

Transitions are owned by the assetstore package; types only names the
states. Published assets carry a non-empty UAL; assigned and publishing
assets always reference a wallet.

# Error Kinds

Cross-component error classification is by sentinel errors
(ErrNotFound, ErrInvalidTransition, ErrNoWalletAvailable, ErrMissingUAL)
and the typed DKGAPIError / ValidationError. Callers branch with
errors.Is / errors.As rather than string matching.

# Integration Points

This package is imported by:

  - pkg/assetstore: persists Asset, PublishingAttempt, Batch
  - pkg/walletpool: persists Wallet
  - pkg/publisher: reads Asset fields, returns DKGAPIError kinds
  - pkg/queue, pkg/worker, pkg/poller, pkg/monitor: status-driven logic
  - pkg/service, pkg/api: ingress contracts (RegisterInput, stats types)
*/
package types
