// Package timeouts defines shared duration constants used across the engine.
// Centralizing these values prevents drift between components and makes the
// durations discoverable.
package timeouts

import "time"

// Heartbeat is the interval between full resynchronization fetches on a
// subscribed stream. It bounds staleness when the push transport silently
// drops events.
const Heartbeat = 30 * time.Second

// Reconnect is the fixed delay before a failed subscription stream dials
// the push transport again.
const Reconnect = 5 * time.Second

// Request caps the time allowed for a single mutation API or oracle call.
const Request = 10 * time.Second

// PushDial caps the wait time when dialing the push transport.
const PushDial = 10 * time.Second
