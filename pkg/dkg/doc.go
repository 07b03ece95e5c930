// Package dkg is the HTTP client for the Decentralized Knowledge Graph
// publishing node. The service only ever calls one operation, asset
// creation, bound to a signing wallet. Calls run through a circuit
// breaker: five consecutive transport failures trip it, and while open
// every call fails immediately with error type CIRCUIT_OPEN instead of
// waiting out the publish timeout against a dead node.
package dkg
