/*
Package worker consumes publish jobs and drives assets through the
publishing lifecycle: claim, wallet lease, attempt record, publish,
settle. Every transition goes through the asset store's conditional
updates, so a worker racing the health monitor or another worker loses
cleanly instead of corrupting state.

Concurrency is sized to the wallet pool, ceil(totalWallets/workerCount)
per worker, and resized live by a periodic wallet-count watcher. Each
claimed job holds a 15-minute queue lease renewed by a 30-second
heartbeat; a worker that dies simply stops renewing and the job is
reclaimed.
*/
package worker
