// Package server hosts the engine's operational HTTP surface.
//
// The server exposes health and status endpoints plus a handful of control
// routes for streams, templates, snapshots, and history, all behind a shared
// middleware chain of request IDs, security headers, and request logging.
package server
