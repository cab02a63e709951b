// Package events is portreeve's internal notification bus: the supervisor,
// the TLS materializer and the admin API publish onto it, and anything that
// wants to observe the daemon live (the admin API's /api/events handler,
// eventually a log sink) subscribes. portreeve is a single process watching
// a single host, not a cluster, so there is no cross-node delivery to worry
// about - the interesting problem is just keeping a short backlog around so
// a client that dials in after a burst of activity isn't shown a blank
// slate.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType is the kind of occurrence an Event records.
type EventType string

const (
	EventProjectStarted     EventType = "project.started"
	EventProjectStopped     EventType = "project.stopped"
	EventProjectExited      EventType = "project.exited"
	EventProjectRestarting  EventType = "project.restarting"
	EventProjectUnhealthy   EventType = "project.unhealthy"
	EventDomainCreated      EventType = "domain.created"
	EventDomainDeleted      EventType = "domain.deleted"
	EventCertificateIssued  EventType = "cert.issued"
	EventCertificateRenewed EventType = "cert.renewed"
	EventCertificateFailed  EventType = "cert.failed"
)

// Event is one occurrence raised by the supervisor, the TLS materializer or
// the admin API. ID is minted by the broker on Publish so every observer
// (including a replayed one) sees the same identity for the same occurrence.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// historyLimit bounds the broker's in-memory replay window. It is not a
// durable log: a restart of the daemon loses it, same as the rest of
// portreeve's runtime state.
const historyLimit = 256

// Broker fans published events out to every live subscriber and keeps a
// bounded backlog so a late subscriber can catch up on recent activity
// without having needed to be listening beforehand.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}

	historyMu sync.Mutex
	history   []*Event
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel of events
// published from this point on.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish records event in the replay backlog and hands it to the
// distribution loop, stamping ID and Timestamp if the caller left them zero.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.record(event)

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) record(event *Event) {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	b.history = append(b.history, event)
	if len(b.history) > historyLimit {
		b.history = b.history[len(b.history)-historyLimit:]
	}
}

// History returns a snapshot of the most recently published events, most
// recent last, without subscribing.
func (b *Broker) History() []*Event {
	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	out := make([]*Event, len(b.history))
	copy(out, b.history)
	return out
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
