// Package server hosts the rotation control API from a single HTTP server.
//
// The server builds a consistent middleware chain of request IDs, logging,
// audit, metrics, CORS, and panic recovery so handlers all share common
// protections and instrumentation behind one multiplexer.
package server
