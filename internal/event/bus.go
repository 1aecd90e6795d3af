// Package event provides a pub/sub event system for the server using
// watermill.
//
// Two mechanisms live here, serving different consumers:
//
//   - Subscribe/SubscribeAll/Publish/PublishSync: direct, in-process
//     fan-out (teacher's mechanism, unchanged). Internal subsystems that
//     need synchronous or best-effort delivery — permission prompts,
//     title generation, VCS watching, part-update bookkeeping — register
//     a callback and get it called directly. Publish still dispatches
//     with an unbounded "go sub(event)" per subscriber; that is
//     acceptable here because these subscribers are trusted, fast,
//     in-process code, not external stream consumers.
//   - SubscribeSession: the session-scoped, sequenced, bounded-backlog
//     event record stream a UI/API client consumes. Every event carries
//     a monotonic per-session Seq and a Timestamp, is held in a bounded
//     per-session ring so a client can resume from a prior Seq, and a
//     slow client is never allowed to block a publisher: once its
//     backlog channel is full, further events are dropped for that
//     client and replaced with a single Backpressure marker.
package event

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// EventType represents the type of event.
type EventType string

const (
	SessionCreated     EventType = "session.created"
	SessionUpdated     EventType = "session.updated"
	SessionDeleted     EventType = "session.deleted"
	SessionCompacted   EventType = "session.compacted"
	SessionDiff        EventType = "session.diff"
	MessageCreated     EventType = "message.created"
	MessageUpdated     EventType = "message.updated"
	MessageRemoved     EventType = "message.removed"
	PartUpdated        EventType = "part.updated"
	MessagePartUpdated EventType = "part.updated"
	FileEdited         EventType = "file.edited"
	PermissionRequired EventType = "permission.required"
	PermissionResolved EventType = "permission.resolved"
	VcsBranchUpdated   EventType = "vcs.branch_updated"
	TodoUpdated        EventType = "todo.updated"

	// AgentStart through LoopStateChange are the autonomous-run event
	// taxonomy: the record types a turn/orchestrator run emits on its
	// SubscribeSession stream so a client can follow one agent run
	// without polling session state.
	AgentStart       EventType = "agent_start"
	TextDelta        EventType = "text_delta"
	TextComplete     EventType = "text_complete"
	ToolCallStart    EventType = "tool_call_start"
	ToolCallComplete EventType = "tool_call_complete"
	AgentError       EventType = "agent_error"
	AgentEnd         EventType = "agent_end"
	LoopStateChange  EventType = "loop_state_change"

	// Backpressure is the marker a SubscribeSession consumer receives in
	// place of the events it was too slow to keep up with. It carries no
	// payload beyond its own Seq/Timestamp; a consumer that sees one has
	// a gap in its view of the stream and, to see what it missed, must
	// resubscribe from a Seq still held in the ring.
	Backpressure EventType = "backpressure"
)

// Event is one record on the event stream: {seq, session_id, type,
// payload, timestamp}. Seq and Timestamp are stamped by the bus itself
// at publish time; callers only set Type, SessionID (when the event
// concerns one session) and Data.
type Event struct {
	Seq       uint64    `json:"seq"`
	SessionID string    `json:"session_id,omitempty"`
	Type      EventType `json:"type"`
	Data      any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Subscriber is a function that receives events.
type Subscriber func(event Event)

// subscriberEntry wraps a subscriber with an ID.
type subscriberEntry struct {
	id uint64
	fn Subscriber
}

// Bus is the event bus that manages pub/sub using watermill.
// It uses watermill's gochannel for infrastructure while maintaining
// the original direct-call semantics to preserve type information.
type Bus struct {
	mu sync.RWMutex

	// Watermill pub/sub infrastructure for potential future middleware/routing
	pubsub *gochannel.GoChannel

	// Direct subscriber tracking - preserves type information
	subscribers map[EventType][]subscriberEntry
	global      []subscriberEntry

	nextID       uint64
	closed       bool
	closedCancel context.CancelFunc
	closedCtx    context.Context

	// seqMu/seqs back the monotonic sequence counter SubscribeSession
	// consumers rely on for ordering and resume. Sequences are scoped per
	// session ("" is the counter for session-less events).
	seqMu sync.Mutex
	seqs  map[string]uint64

	// sessionMu/sessions back the bounded per-session ring and the
	// backlog-channel consumers registered through SubscribeSession.
	sessionMu sync.Mutex
	sessions  map[string]*sessionStream
}

// ringSize bounds how many past events a session keeps buffered for a
// restarting SubscribeSession consumer (matches the on-disk events.ring
// session artifact's retention).
const ringSize = 100

// subscriberBacklog bounds a SubscribeSession consumer's channel. It is
// set to ringSize so a full-ring replay can never block: the replay loop
// at subscribe time sends at most ringSize events before the consumer
// starts draining live ones.
const subscriberBacklog = ringSize

// sessionStream holds one session's bounded ring and its live
// SubscribeSession consumers.
type sessionStream struct {
	mu   sync.Mutex
	ring []Event

	subs      map[uint64]*Subscription
	nextSubID uint64
}

// Subscription is a restartable, session-scoped event stream. Events is
// the channel to read from; Close releases the subscription and its
// backlog channel.
type Subscription struct {
	Events chan Event

	id       uint64
	stream   *sessionStream
	dropping bool
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.stream.mu.Lock()
	defer s.stream.mu.Unlock()
	delete(s.stream.subs, s.id)
}

// publish appends event to the ring (trimming to ringSize) and fans it
// out to every live consumer without ever blocking: a consumer whose
// backlog channel is full has its event dropped and, once per overflow,
// receives a single Backpressure marker instead.
func (s *sessionStream) publish(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ring = append(s.ring, e)
	if len(s.ring) > ringSize {
		s.ring = s.ring[len(s.ring)-ringSize:]
	}

	for _, sub := range s.subs {
		// The channel holds one slot beyond subscriberBacklog for the
		// marker, so neither send below can block.
		if len(sub.Events) < subscriberBacklog {
			sub.Events <- e
			sub.dropping = false
			continue
		}
		if sub.dropping {
			continue
		}
		sub.dropping = true
		sub.Events <- Event{Seq: e.Seq, SessionID: e.SessionID, Type: Backpressure, Timestamp: e.Timestamp}
	}
}

// globalBus is the default event bus instance.
var globalBus = newBus()

// newBus creates a new event bus with watermill infrastructure.
func newBus() *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer: 100,
				Persistent:          false,
			},
			watermill.NopLogger{},
		),
		subscribers:  make(map[EventType][]subscriberEntry),
		seqs:         make(map[string]uint64),
		sessions:     make(map[string]*sessionStream),
		closedCtx:    ctx,
		closedCancel: cancel,
	}
}

// nextSeq returns the next monotonic sequence number for sessionID ("" for
// session-less events).
func (b *Bus) nextSeq(sessionID string) uint64 {
	b.seqMu.Lock()
	defer b.seqMu.Unlock()
	b.seqs[sessionID]++
	return b.seqs[sessionID]
}

// sessionStreamFor returns (creating if necessary) the ring/subscriber set
// for sessionID.
func (b *Bus) sessionStreamFor(sessionID string) *sessionStream {
	b.sessionMu.Lock()
	defer b.sessionMu.Unlock()
	s, ok := b.sessions[sessionID]
	if !ok {
		s = &sessionStream{subs: make(map[uint64]*Subscription)}
		b.sessions[sessionID] = s
	}
	return s
}

// recordAndDispatch stamps event with its Seq and Timestamp and, when it
// concerns a session, appends it to that session's ring and fans it out
// to SubscribeSession consumers. Called once per Publish/PublishSync,
// before the direct-fan-out dispatch.
func (b *Bus) recordAndDispatch(event *Event) {
	event.Timestamp = time.Now()
	event.Seq = b.nextSeq(event.SessionID)
	if event.SessionID != "" {
		b.sessionStreamFor(event.SessionID).publish(*event)
	}
}

// SubscribeSession opens a restartable, session-scoped event stream.
// Every buffered event with Seq >= fromSeq is replayed before the
// subscription goes live (fromSeq of 0 replays the whole ring; pass the
// last Seq you have already consumed, plus one, to resume without
// replaying it). ok is false when fromSeq has already scrolled out of the
// session's ring, in which case the caller must fall back to a fresh
// snapshot of session state instead of resuming the stream.
func SubscribeSession(sessionID string, fromSeq uint64) (*Subscription, bool) {
	return globalBus.SubscribeSession(sessionID, fromSeq)
}

func (b *Bus) SubscribeSession(sessionID string, fromSeq uint64) (*Subscription, bool) {
	stream := b.sessionStreamFor(sessionID)
	stream.mu.Lock()
	defer stream.mu.Unlock()

	if fromSeq > 0 && len(stream.ring) > 0 && fromSeq < stream.ring[0].Seq {
		return nil, false
	}

	sub := &Subscription{
		Events: make(chan Event, subscriberBacklog+1),
		id:     stream.nextSubID,
		stream: stream,
	}
	stream.nextSubID++

	for _, e := range stream.ring {
		if e.Seq >= fromSeq {
			sub.Events <- e
		}
	}
	stream.subs[sub.id] = sub
	return sub, true
}

// newID generates a unique subscriber ID.
func (b *Bus) newID() uint64 {
	return atomic.AddUint64(&b.nextID, 1)
}

// Subscribe registers a subscriber for a specific event type.
// Returns an unsubscribe function.
func Subscribe(eventType EventType, fn Subscriber) func() {
	return globalBus.Subscribe(eventType, fn)
}

func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	entry := subscriberEntry{id: id, fn: fn}
	b.subscribers[eventType] = append(b.subscribers[eventType], entry)

	// Return unsubscribe function
	return func() {
		b.unsubscribe(eventType, id)
	}
}

// SubscribeAll registers a subscriber for all events.
// Returns an unsubscribe function.
func SubscribeAll(fn Subscriber) func() {
	return globalBus.SubscribeAll(fn)
}

func (b *Bus) SubscribeAll(fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	id := b.newID()
	entry := subscriberEntry{id: id, fn: fn}
	b.global = append(b.global, entry)

	return func() {
		b.unsubscribeGlobal(id)
	}
}

// unsubscribe removes a subscriber for a specific event type.
func (b *Bus) unsubscribe(eventType EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[eventType]
	for i, entry := range subs {
		if entry.id == id {
			b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// unsubscribeGlobal removes a global subscriber.
func (b *Bus) unsubscribeGlobal(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, entry := range b.global {
		if entry.id == id {
			b.global = append(b.global[:i], b.global[i+1:]...)
			break
		}
	}
}

// Publish sends an event to all subscribers asynchronously.
// Each subscriber is called in its own goroutine to prevent blocking.
func Publish(event Event) {
	globalBus.Publish(event)
}

func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	b.mu.RUnlock()

	b.recordAndDispatch(&event)

	b.mu.RLock()
	// Collect all subscribers that should receive this event
	subs := make([]Subscriber, 0, len(b.subscribers[event.Type])+len(b.global))
	for _, entry := range b.subscribers[event.Type] {
		subs = append(subs, entry.fn)
	}
	for _, entry := range b.global {
		subs = append(subs, entry.fn)
	}
	b.mu.RUnlock()

	// Publish to all subscribers concurrently
	for _, sub := range subs {
		go sub(event)
	}
}

// PublishSync sends an event to all subscribers synchronously.
// All subscribers are called in the current goroutine before returning.
func PublishSync(event Event) {
	globalBus.PublishSync(event)
}

func (b *Bus) PublishSync(event Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	b.mu.RUnlock()

	b.recordAndDispatch(&event)

	b.mu.RLock()
	// Collect subscribers under read lock
	subs := make([]Subscriber, 0, len(b.subscribers[event.Type])+len(b.global))
	for _, entry := range b.subscribers[event.Type] {
		subs = append(subs, entry.fn)
	}
	for _, entry := range b.global {
		subs = append(subs, entry.fn)
	}
	b.mu.RUnlock()

	// Call all subscribers synchronously
	for _, sub := range subs {
		sub(event)
	}
}

// NewBus creates a new event bus instance.
func NewBus() *Bus {
	return newBus()
}

// Reset clears all subscribers from the global bus (for testing).
func Reset() {
	globalBus.mu.Lock()
	globalBus.closed = true
	globalBus.closedCancel()
	globalBus.mu.Unlock()

	// Close the old pubsub
	_ = globalBus.pubsub.Close()

	// Small delay to allow goroutines to clean up
	time.Sleep(10 * time.Millisecond)

	// Create a new global bus
	globalBus = newBus()
}

// Close closes the bus and all its subscribers.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.closedCancel()

	b.subscribers = make(map[EventType][]subscriberEntry)
	b.global = nil
	b.mu.Unlock()

	return b.pubsub.Close()
}

// PubSub returns the underlying watermill GoChannel for advanced use cases.
// This can be used for middleware, routing, or when switching to distributed backends.
func (b *Bus) PubSub() *gochannel.GoChannel {
	return b.pubsub
}

// PubSub returns the global bus's underlying watermill GoChannel.
func PubSub() *gochannel.GoChannel {
	return globalBus.PubSub()
}
