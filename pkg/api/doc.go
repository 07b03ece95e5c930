// Package api exposes the publishing pipeline over HTTP: asset
// registration and status, queue and wallet administration, the queue
// dashboard, Prometheus metrics, and the health endpoints.
package api
