/*
Package service assembles the publishing pipeline: asset and wallet
storage, the Redis job queue, the worker, the queue poller, and the
health monitor, wired to one event broker and one DKG client.

A Service owns the lifecycle of everything it builds. New opens the
content store, database, and Redis connection; Start launches the
background loops and the component health probes; Stop drains in
reverse order so in-flight publishes finish before storage closes.

The facade methods (Register, GetStatus, queue and wallet operations)
are what the HTTP API and CLI call. They never bypass the pipeline:
Register only inserts the asset, and the poller hands it to a worker on
its next cycle.
*/
package service
