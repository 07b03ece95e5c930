/*
Package monitor is the periodic reconciler for the publishing pipeline.

Each sweep walks the stage budgets in order: assets stuck in assigned are
requeued and their wallets freed; assets stuck in publishing get their
latest attempt timed out, their queue job removed, and retry accounting
applied; wallets locked past the wallet budget are force-unlocked; jobs
with expired leases return to the waiting set. The budget ordering
(assigned < publishing < wallet) guarantees a wallet is reclaimed no
later than the asset blocking it.

The sweep may touch assets a worker is actively finishing. That is fine:
every mutation goes through a conditional update and the later actor is
a no-op.
*/
package monitor
