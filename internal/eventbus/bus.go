package eventbus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/turnstile/internal/checkin"
	"go.uber.org/zap"
)

// EventType names a category of engine notification.
type EventType string

const (
	EventAttendeeCheckedIn EventType = "attendee_checked_in"
	EventAttendeeUpdated   EventType = "attendee_updated"
	EventSyncCompleted     EventType = "sync_completed"
	EventConflictResolved  EventType = "conflict_resolved"
	EventSyncFailed        EventType = "sync_failed"
)

const defaultBufferSize = 64

var (
	ErrUnknownEventType = errors.New("eventbus: unknown event type")
	ErrMissingHandler   = errors.New("eventbus: handler required")
	ErrBusClosed        = errors.New("eventbus: closed")
)

// Event is a single notification delivered to subscribers.
type Event struct {
	Type       EventType
	EventID    checkin.EventID
	TicketID   checkin.TicketID
	Record     *checkin.CheckinRecord
	Attendee   *checkin.AttendeeProjection
	Conflict   *checkin.ConflictRecord
	Reason     string
	OccurredAt time.Time
}

// Handler consumes events on a subscriber-owned goroutine.
type Handler func(Event)

// Subscription identifies a registered handler.
type Subscription struct {
	ID   int64
	Type EventType
}

// DropObserver is notified when a subscriber's buffer overflows.
type DropObserver interface {
	ObserveBusDrop(eventType string)
}

// BusConfig describes the optional dependencies of a Bus.
type BusConfig struct {
	BufferSize int
	Logger     *zap.Logger
	Drops      DropObserver
}

// Bus is an in-process publish/subscribe channel. Each subscriber owns a buffered queue
// and a goroutine, so a slow or panicking handler never blocks publication to others.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType]map[int64]*subscriber
	nextID      int64
	bufferSize  int
	closed      bool
	logger      *zap.Logger
	drops       DropObserver
	workers     sync.WaitGroup
}

type subscriber struct {
	id      int64
	handler Handler
	stream  chan Event
}

// NewBus constructs a Bus.
func NewBus(cfg BusConfig) *Bus {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subscribers: make(map[EventType]map[int64]*subscriber),
		bufferSize:  bufferSize,
		logger:      logger,
		drops:       cfg.Drops,
	}
}

// Subscribe registers handler for eventType.
func (b *Bus) Subscribe(eventType EventType, handler Handler) (Subscription, error) {
	if !knownEventType(eventType) {
		return Subscription{}, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}
	if handler == nil {
		return Subscription{}, ErrMissingHandler
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Subscription{}, ErrBusClosed
	}
	b.nextID++
	entry := &subscriber{
		id:      b.nextID,
		handler: handler,
		stream:  make(chan Event, b.bufferSize),
	}
	if _, ok := b.subscribers[eventType]; !ok {
		b.subscribers[eventType] = make(map[int64]*subscriber)
	}
	b.subscribers[eventType][entry.id] = entry

	b.workers.Add(1)
	go b.deliver(eventType, entry)

	return Subscription{ID: entry.id, Type: eventType}, nil
}

// Unsubscribe removes a subscription. Events already buffered for it are still delivered.
func (b *Bus) Unsubscribe(subscription Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subscribers := b.subscribers[subscription.Type]
	entry, ok := subscribers[subscription.ID]
	if !ok {
		return
	}
	delete(subscribers, subscription.ID)
	if len(subscribers) == 0 {
		delete(b.subscribers, subscription.Type)
	}
	close(entry.stream)
}

// Publish fans the event out to every subscriber of its type without blocking. The read
// lock is held across the sends so every subscriber observes the same publish order.
func (b *Bus) Publish(event Event) {
	if event.Type == "" {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, entry := range b.subscribers[event.Type] {
		select {
		case entry.stream <- event:
		default:
			b.logger.Warn("event dropped for slow subscriber",
				zap.String("event_type", string(event.Type)),
				zap.Int64("subscription_id", entry.id))
			if b.drops != nil {
				b.drops.ObserveBusDrop(string(event.Type))
			}
		}
	}
}

// Close unsubscribes everyone and waits for handlers to drain their buffers.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for eventType, subscribers := range b.subscribers {
		for id, entry := range subscribers {
			close(entry.stream)
			delete(subscribers, id)
		}
		delete(b.subscribers, eventType)
	}
	b.mu.Unlock()
	b.workers.Wait()
}

func (b *Bus) deliver(eventType EventType, entry *subscriber) {
	defer b.workers.Done()
	for event := range entry.stream {
		b.invoke(eventType, entry, event)
	}
}

func (b *Bus) invoke(eventType EventType, entry *subscriber, event Event) {
	defer func() {
		if recovered := recover(); recovered != nil {
			b.logger.Error("event handler panicked",
				zap.String("event_type", string(eventType)),
				zap.Int64("subscription_id", entry.id),
				zap.Any("panic", recovered))
		}
	}()
	entry.handler(event)
}

func knownEventType(eventType EventType) bool {
	switch eventType {
	case EventAttendeeCheckedIn, EventAttendeeUpdated, EventSyncCompleted, EventConflictResolved, EventSyncFailed:
		return true
	default:
		return false
	}
}
