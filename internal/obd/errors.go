package obd

import "errors"

var (
	// ErrLinkTimeout means no terminated response arrived within the bound.
	// The caller decides whether to retry or escalate; the link itself
	// never retries.
	ErrLinkTimeout = errors.New("obd: link timeout")

	// ErrLinkDisconnected means the physical connection dropped mid-exchange.
	ErrLinkDisconnected = errors.New("obd: link disconnected")

	// ErrNotActive is returned for sends while the supervisor is not in the
	// Active state (disconnected, connecting, or backing off).
	ErrNotActive = errors.New("obd: link not active")

	// ErrInitFailed means the adapter accepted the connection but rejected
	// the initialization sequence.
	ErrInitFailed = errors.New("obd: adapter init failed")
)
