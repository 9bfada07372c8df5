// Package broadcast fans bot events out to in-process subscribers.
// Topics are bot ids; AllBots receives every event. Delivery is at most once:
// a subscriber whose buffer is full misses the event and publishers never block.
package broadcast

import (
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/botvisr/internal/bot"
	"github.com/loykin/botvisr/internal/metrics"
	"github.com/loykin/botvisr/internal/session"
)

// AllBots subscribes to the events of every bot.
const AllBots = "*"

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 256

// EventType identifies the kind of event.
type EventType string

const (
	EventStatus    EventType = "status"
	EventError     EventType = "error"
	EventLog       EventType = "log"
	EventPosition  EventType = "position"
	EventInventory EventType = "inventory"
)

// Event is the unit delivered to subscribers. Exactly one payload field is
// set, matching Type (Error carries a reason string).
type Event struct {
	Type      EventType           `json:"type"`
	BotID     string              `json:"bot_id"`
	Time      time.Time           `json:"time"`
	Status    *bot.Status         `json:"status,omitempty"`
	Error     string              `json:"error,omitempty"`
	Entry     *session.LogEntry   `json:"entry,omitempty"`
	Position  *bot.Position       `json:"position,omitempty"`
	Inventory []bot.InventoryItem `json:"inventory,omitempty"`
}

// Subscription is a registered listener. Events is closed by Close or when
// the bus closes.
type Subscription struct {
	bus   *Bus
	id    uint64
	topic string
	ch    chan Event

	mu      sync.Mutex
	dropped uint64
}

func (s *Subscription) Events() <-chan Event { return s.ch }

func (s *Subscription) Topic() string { return s.topic }

// Dropped returns how many events this subscriber missed on a full buffer.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() { s.bus.unsubscribe(s) }

// Bus is an in-process event bus. Safe for concurrent use.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
	buffer int
	log    *slog.Logger
}

type Option func(*Bus)

// WithBuffer sets the channel capacity of new subscriptions.
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.log = l
		}
	}
}

func New(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[uint64]*Subscription),
		buffer: DefaultBuffer,
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers a listener for topic (a bot id or AllBots).
// Subscribing to a closed bus returns a subscription whose channel is closed.
func (b *Bus) Subscribe(topic string) *Subscription {
	return b.SubscribeBuffered(topic, 0)
}

// SubscribeBuffered is Subscribe with an explicit channel capacity; n <= 0
// uses the bus default.
func (b *Bus) SubscribeBuffered(topic string, n int) *Subscription {
	if n <= 0 {
		n = b.buffer
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if topic == "" {
		topic = AllBots
	}
	if b.closed {
		s := &Subscription{bus: b, topic: topic, ch: make(chan Event)}
		close(s.ch)
		return s
	}
	b.nextID++
	s := &Subscription{bus: b, id: b.nextID, topic: topic, ch: make(chan Event, n)}
	b.subs[s.id] = s
	metrics.SetSubscribers(len(b.subs))
	return s
}

func (b *Bus) unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.subs[s.id]; ok && cur == s {
		delete(b.subs, s.id)
		close(s.ch)
		metrics.SetSubscribers(len(b.subs))
	}
}

// Publish delivers events to every matching subscriber. Fan-out happens
// under the bus lock, so all subscribers observe events in publish order and
// events passed together are never interleaved with another publisher's.
func (b *Bus) Publish(events ...Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ev := range events {
		if ev.Time.IsZero() {
			ev.Time = time.Now().UTC()
		}
		b.deliver(ev)
	}
}

func (b *Bus) deliver(ev Event) {
	for _, s := range b.subs {
		if s.topic != AllBots && s.topic != ev.BotID {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			s.mu.Lock()
			s.dropped++
			n := s.dropped
			s.mu.Unlock()
			metrics.IncDroppedEvent()
			// first drop and every 100th after it
			if n == 1 || n%100 == 0 {
				b.log.Warn("subscriber buffer full, event dropped",
					"topic", s.topic, "type", ev.Type, "bot", ev.BotID, "dropped", n)
			}
		}
	}
}

// PublishStatus publishes a status change. An error status is followed by a
// derived error event carrying the reason.
func (b *Bus) PublishStatus(botID string, st bot.Status) {
	now := time.Now().UTC()
	evs := []Event{{Type: EventStatus, BotID: botID, Time: now, Status: &st}}
	if st.State == bot.Error {
		evs = append(evs, Event{Type: EventError, BotID: botID, Time: now, Error: st.Reason})
	}
	b.Publish(evs...)
}

func (b *Bus) PublishLog(botID string, e session.LogEntry) {
	b.Publish(Event{Type: EventLog, BotID: botID, Time: e.Timestamp, Entry: &e})
}

func (b *Bus) PublishPosition(botID string, p bot.Position) {
	b.Publish(Event{Type: EventPosition, BotID: botID, Time: p.UpdatedAt, Position: &p})
}

func (b *Bus) PublishInventory(botID string, items []bot.InventoryItem) {
	cp := append([]bot.InventoryItem(nil), items...)
	b.Publish(Event{Type: EventInventory, BotID: botID, Inventory: cp})
}

// SubscriberCount returns the current number of subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
	metrics.SetSubscribers(0)
}
