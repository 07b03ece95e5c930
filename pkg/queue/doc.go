/*
Package queue is the Redis-backed durable job queue between the poller
and the workers.

One named queue carries one job kind: publish one asset. Job ids derive
deterministically from asset ids ("asset-<id>"), which is what makes
enqueue idempotent: a job already waiting or active is never added twice,
and a settled record is replaced rather than duplicated.

Waiting jobs live in a sorted set ordered by priority with FIFO tiebreak;
active jobs live in a second sorted set scored by lease deadline, renewed
by worker heartbeats. A worker that dies mid-job simply stops renewing,
and ReclaimExpired moves the job back to waiting. Settled records are
kept for inspection with bounded retention and trimmed on write.

Delivery is at-least-once; the asset store's conditional transitions make
duplicate delivery harmless.
*/
package queue
