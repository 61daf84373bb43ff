// Package engine runs the studysync drain loop.
//
// The engine is the entry point for user actions. Enqueue validates an
// intent, appends it to the durable queue, applies optimistic state to the
// query cache and, when the device is online, asks for a drain. Run owns
// the only drain loop: it wakes on coalesced triggers and hands each drain
// to the dispatcher.
//
// Triggers:
//   - enqueue while online
//   - app foreground (Foreground)
//   - connectivity going from offline to online
//   - the periodic interval
//   - the backoff timer armed after a drain left retryable work behind
//   - explicit requests (Trigger)
//
// Requests that arrive while a drain is already pending coalesce into one
// wake-up. No drain starts while the connectivity gate reports offline.
//
// Sequence numbers come from a monotonic Clock primed from the highest seq
// already on disk, so FIFO order survives restarts.
package engine
