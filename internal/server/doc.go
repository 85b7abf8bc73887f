// Package server implements the core of the Parley chat service: the
// connection lifecycle and room-broadcast engine.
//
// The implementation is organized into specialized files for configuration,
// the roster (session registry and room directory), the hub (broadcast
// engine and lifecycle loop), clients (per-connection protocol state
// machine), routing, and HTTP handlers.
package server
