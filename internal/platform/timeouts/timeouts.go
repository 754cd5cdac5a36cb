// Package timeouts defines shared timeout constants used across the server.
// Centralizing these values prevents drift between transport boundaries and
// makes the durations discoverable.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// Gateway caps the time allowed for a single persistence gateway call made
// on behalf of one connection event.
const Gateway = 3 * time.Second
