// Package poller runs the scheduling loop that moves queued asset rows
// into the job queue, paced by wallet availability so queue depth never
// outruns the wallets that can serve it.
package poller
