/*
Package event provides a type-safe, pub/sub event system for the OpenCode server.

The event system enables decoupled communication between different components of the
server by allowing publishers to emit events and subscribers to react to them without
direct dependencies.

# Architecture

The package is built on top of watermill's gochannel for infrastructure while maintaining
direct-call semantics to preserve type information. It provides both synchronous and
asynchronous event publishing patterns.

# Event Types

The EventType constants in bus.go cover these categories:

Session Events:
  - session.created: New session created
  - session.updated: Session modified
  - session.deleted: Session removed
  - session.diff: File differences detected
  - session.compacted: Session history compacted

Message Events:
  - message.created: New message added
  - message.updated: Message modified
  - message.removed: Message deleted
  - part.updated: Message part updated (streaming); PartUpdated and
    MessagePartUpdated are the same type

File and VCS Events:
  - file.edited: File was modified
  - vcs.branch_updated: The checked-out git branch changed

Permission Events:
  - permission.required: Permission request created
  - permission.resolved: Permission request answered

Todo Events:
  - todo.updated: A session's todo list changed

types.go also declares payload types for names that have no EventType
constant (session.idle, session.error, message.part.removed,
permission.replied and the client-tool.* family).

Agent Run Events:
  - agent_start: A turn engine run began processing a message
  - text_delta / text_complete: Streamed assistant text
  - tool_call_start / tool_call_complete: One tool call's lifecycle
  - agent_error: A run-ending error (not a single failed tool call)
  - agent_end: A turn engine run finished
  - loop_state_change: Autonomous supervisor iteration/halt transitions
  - backpressure: A SubscribeSession consumer fell behind and lost events

# Session Event Stream

Every Event is also stamped with a monotonic Seq (scoped per session) and
a Timestamp as it passes through Publish/PublishSync, and — when it
carries a SessionID — appended to that session's bounded event ring.
SubscribeSession opens a restartable consumer over that ring:

	sub, ok := event.SubscribeSession(sessionID, fromSeq)
	if !ok {
		// fromSeq has scrolled out of the ring; fall back to a fresh
		// snapshot of session state instead of resuming the stream.
	}
	defer sub.Close()
	for e := range sub.Events {
		// e.Seq increases monotonically until a Backpressure marker
		// appears, which means this consumer was too slow and events
		// between the last one it saw and the marker were dropped.
	}

This is distinct from Subscribe/SubscribeAll: those remain unbounded,
at-most-once, in-process callbacks for trusted internal subscribers
(permission prompts, title generation, VCS watching) that need direct,
synchronous delivery rather than a resumable record stream.

# Basic Usage

Publishing events:

	// Asynchronous publishing (non-blocking)
	event.Publish(event.Event{
		Type: event.SessionCreated,
		Data: event.SessionCreatedData{
			Info: session,
		},
	})

	// Synchronous publishing (blocking until all subscribers complete)
	event.PublishSync(event.Event{
		Type: event.MessageUpdated,
		Data: event.MessageUpdatedData{
			Info: message,
		},
	})

Subscribing to specific events:

	unsubscribe := event.Subscribe(event.SessionCreated, func(e event.Event) {
		data := e.Data.(event.SessionCreatedData)
		log.Info("Session created", "id", data.Info.ID)
	})
	defer unsubscribe()

Subscribing to all events:

	unsubscribe := event.SubscribeAll(func(e event.Event) {
		log.Debug("Event received", "type", e.Type)
	})
	defer unsubscribe()

# Subscriber Safety Guidelines

When using PublishSync, subscribers are called synchronously in the publisher's
goroutine. To avoid blocking or deadlocks, subscribers MUST:

  - Complete quickly (avoid long-running operations)
  - Use non-blocking channel sends (select with default case)
  - Never call Publish/PublishSync from within a subscriber (no re-entrant publishing)
  - Never acquire locks that the publisher might hold

Example of a safe subscriber:

	event.SubscribeAll(func(e event.Event) {
	    select {
	    case eventChan <- e:
	        // Event sent successfully
	    default:
	        // Channel full, drop event to avoid blocking
	        log.Warn("Event dropped due to full channel", "type", e.Type)
	    }
	})

# Custom Event Bus

For testing or isolation, you can create custom bus instances:

	bus := event.NewBus()
	defer bus.Close()

	unsubscribe := bus.Subscribe(event.SessionCreated, handler)
	bus.PublishSync(event.Event{Type: event.SessionCreated, Data: data})

# SDK Compatibility

Many event types and data structures are designed to be compatible with the OpenCode
SDK. Event names and data field names follow SDK conventions where possible, with
compatibility notes in the type definitions.

# Testing

The package provides utilities for testing:

	// Reset global bus state (use in test cleanup)
	event.Reset()

# Thread Safety

The event bus is thread-safe and can be used concurrently from multiple goroutines.
Both publishing and subscribing operations are protected by internal synchronization.

# Performance Considerations

- Asynchronous publishing (Publish) creates a goroutine per subscriber per event
- Synchronous publishing (PublishSync) calls all subscribers in the current goroutine
- Use PublishSync for critical events where ordering matters
- Use Publish for fire-and-forget notifications
- Consider subscriber performance impact on PublishSync calls

# Integration with Watermill

The package uses watermill's gochannel internally, providing access to the underlying
pubsub infrastructure for advanced use cases:

	pubsub := event.PubSub()
	// Use watermill features like middleware, routing, etc.

This allows future migration to distributed message brokers if needed while maintaining
the current API.
*/
package event
