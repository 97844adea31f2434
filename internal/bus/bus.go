// Package bus implements the in-process event bus every component hangs off.
//
// The bus is a typed tag-checked publisher with per-subscriber bounded
// queues. Tags are a closed set enumerated at startup; subscribing to an
// unknown tag is an error (it is always a programmer error, and catching it
// at subscribe time beats silently never receiving anything). Delivery is
// best-effort in-order per tag; a subscriber that overruns its queue loses
// the oldest event, not the newest.
package bus

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Tags. Exactly these exist; Subscribe rejects anything else.
const (
	TagDetectionWindowOpen = "detection-window-open"
	TagFallbackWindowOpen  = "fallback-window-open"
	TagFileDetected        = "file-detected"
	TagFileConfirmed       = "file-confirmed"
	TagAPIData             = "api-data"
	TagForecastChanged     = "forecast-changed"
	TagQuotaExceeded       = "quota-exceeded"
	TagRateLimited         = "rate-limited"
	TagProviderFetch       = "provider-fetch"
	TagModeTransition      = "mode-transition"
	TagBurstEnter          = "burst-enter"
	TagBurstExit           = "burst-exit"
	TagTradeIntent         = "trade-intent"
	TagPositionClosed      = "position-closed"
)

// DefaultQueueSize is the per-subscriber queue depth when Subscribe is
// called with size <= 0.
const DefaultQueueSize = 256

var knownTags = map[string]bool{
	TagDetectionWindowOpen: true,
	TagFallbackWindowOpen:  true,
	TagFileDetected:        true,
	TagFileConfirmed:       true,
	TagAPIData:             true,
	TagForecastChanged:     true,
	TagQuotaExceeded:       true,
	TagRateLimited:         true,
	TagProviderFetch:       true,
	TagModeTransition:      true,
	TagBurstEnter:          true,
	TagBurstExit:           true,
	TagTradeIntent:         true,
	TagPositionClosed:      true,
}

// Event is the tagged variant flowing through the bus. Payload is one of
// the structs in events.go, keyed by Tag. Seq is globally monotonic and
// assigned at publish time under the bus mutex.
type Event struct {
	Tag     string
	Seq     uint64
	At      time.Time
	Payload any
}

// Subscription is one subscriber's handle: a bounded event channel plus
// the identity needed to unsubscribe.
type Subscription struct {
	tag string
	id  int
	ch  chan Event
}

// Events returns the subscription's receive channel.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Tag returns the tag this subscription listens on.
func (s *Subscription) Tag() string { return s.tag }

// Bus fans events out to subscribers. Safe for concurrent use. The bus
// owns no data: payloads are forwarded by value.
type Bus struct {
	logger *slog.Logger

	mu     sync.Mutex
	seq    uint64
	nextID int
	subs   map[string][]*Subscription
}

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		logger: logger.With("component", "bus"),
		subs:   make(map[string][]*Subscription, len(knownTags)),
	}
}

// Subscribe registers a new subscriber for tag with the given queue size
// (<= 0 means DefaultQueueSize). Returns an error for unknown tags.
func (b *Bus) Subscribe(tag string, queueSize int) (*Subscription, error) {
	if !knownTags[tag] {
		return nil, fmt.Errorf("subscribe: unknown tag %q", tag)
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{tag: tag, id: b.nextID, ch: make(chan Event, queueSize)}
	b.subs[tag] = append(b.subs[tag], sub)
	return sub, nil
}

// Unsubscribe removes a subscription. Its channel is not closed: a late
// in-flight publish must not panic, and the subscriber stops reading anyway.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.tag]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.tag] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Publish delivers an event to every current subscriber of tag. A full
// subscriber queue drops its oldest event to make room (logged once per
// occurrence). Unknown tags are a programmer error.
func (b *Bus) Publish(tag string, payload any) error {
	if !knownTags[tag] {
		return fmt.Errorf("publish: unknown tag %q", tag)
	}

	b.mu.Lock()
	b.seq++
	ev := Event{Tag: tag, Seq: b.seq, At: time.Now().UTC(), Payload: payload}
	targets := make([]*Subscription, len(b.subs[tag]))
	copy(targets, b.subs[tag])
	b.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- ev:
		default:
			// Drop oldest, then retry once. A concurrent reader may have
			// made room in between; either way the new event gets through.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
			b.logger.Warn("subscriber queue full, dropped oldest event",
				"tag", tag, "seq", ev.Seq)
		}
	}
	return nil
}

// Seq returns the last assigned sequence number.
func (b *Bus) Seq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}
