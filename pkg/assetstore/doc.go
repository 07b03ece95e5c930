/*
Package assetstore owns the durable state of submissions: asset rows,
append-only publishing attempts, and batches.

# Concurrency Model

The asset row is the coordination point for "who is working on this
asset". Every transition is a conditional UPDATE whose WHERE clause
states the exact precondition; a concurrent actor that already acted
makes the predicate fail, surfaced as types.ErrInvalidTransition (or a
false return from ClaimForProcessing). Nothing in this package performs a
read-then-write across statements outside a transaction.

State machine:

	queued --ClaimForProcessing--> assigned --MarkPublishing--> publishing
	publishing --MarkPublished--> published (terminal, irreversible)
	publishing --HandleFailure, attempts remain--> queued
	publishing --HandleFailure, budget spent--> failed (terminal)
	queued --ClaimForProcessing, retry>=max--> failed (terminal)

# Storage

State lives in a relational database behind sqlx, with goose migrations
embedded per driver (sqlite3 and postgres). Queries are written with ?
placeholders and rebound per driver. The sqlite3 driver is the default
and runs with WAL and a single pooled connection so concurrent component
loops serialize instead of erroring.

# Retry Accounting

attempt_count counts every attempt ever begun and is never reset.
retry_count counts scheduled retries against max_attempts; RetryFailed
resets only retry_count. The max_attempts-th failure is terminal and
stamps last_error with the "Final failure after N attempts:" prefix.
*/
package assetstore
