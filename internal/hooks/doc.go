// Package hooks routes immunity outcome events to registered handlers.
//
// A HookManager is an immunity.EventEmitter. Emit never blocks the caller:
// events are queued and a single dispatcher goroutine delivers them to the
// handlers registered for the event type, then to wildcard handlers, in
// registration order. When the queue is full the event is dropped and
// counted.
package hooks
