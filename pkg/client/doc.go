// Package client is the HTTP client for the KAPP API, used by the CLI.
package client
