// Package publisher turns one stored payload into one knowledge asset on
// the DKG. It is a pure function over its collaborators: content in,
// UAL out, all state commits left to the worker.
package publisher
