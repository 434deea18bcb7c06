package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/torobias/torobias/internal/gateway"
	"github.com/torobias/torobias/internal/metrics"
)

// Event is one broadcast message as delivered to subscribers.
type Event struct {
	Topic    string    `json:"topic"`
	Sequence uint64    `json:"sequence"`
	Payload  []byte    `json:"payload"`
	At       time.Time `json:"at"`
}

// DefaultSubscriberBuffer bounds each subscriber's in-flight backlog. A
// subscriber that falls this far behind is evicted rather than allowed to
// stall the topic.
const DefaultSubscriberBuffer = 256

// Hub fans events out to subscribers, one ordered stream per topic. Every
// publish is journaled to the append log first; the log assigns the
// sequence, so restarts and resumes see the same numbering.
type Hub struct {
	journal gateway.AppendLog

	mu     sync.Mutex
	topics map[string]*topicState
	closed bool
}

type topicState struct {
	mu   sync.Mutex
	subs map[*Subscriber]struct{}
}

// Subscriber receives one topic's events in publish order.
type Subscriber struct {
	topic string
	ch    chan Event
	once  sync.Once
}

// Events is the subscriber's delivery channel. It closes on eviction or
// unsubscribe.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Topic returns the topic this subscriber is attached to.
func (s *Subscriber) Topic() string { return s.topic }

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// NewHub builds a hub journaling through the given append log.
func NewHub(journal gateway.AppendLog) *Hub {
	return &Hub{
		journal: journal,
		topics:  make(map[string]*topicState),
	}
}

func (h *Hub) topic(name string) *topicState {
	h.mu.Lock()
	defer h.mu.Unlock()
	ts, ok := h.topics[name]
	if !ok {
		ts = &topicState{subs: make(map[*Subscriber]struct{})}
		h.topics[name] = ts
	}
	return ts
}

// Publish journals the payload, then fans it out. The per-topic lock is held
// across append and fanout so subscribers observe strictly increasing
// sequences. If journaling fails the event is not delivered at all.
func (h *Hub) Publish(ctx context.Context, topic string, payload []byte) (uint64, error) {
	ts := h.topic(topic)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	seq, err := h.journal.Append(ctx, topic, payload)
	if err != nil {
		metrics.GatewayErrors.WithLabelValues("log.append").Inc()
		return 0, err
	}

	ev := Event{Topic: topic, Sequence: seq, Payload: payload, At: time.Now().UTC()}
	for sub := range ts.subs {
		select {
		case sub.ch <- ev:
		default:
			// Backlog full: evict rather than block the topic.
			delete(ts.subs, sub)
			sub.close()
			metrics.SubscribersEvicted.WithLabelValues(topic).Inc()
			metrics.SubscribersActive.WithLabelValues(topic).Dec()
			log.Warn().Str("topic", topic).Uint64("sequence", seq).
				Msg("evicted slow subscriber")
		}
	}
	metrics.BroadcastEvents.WithLabelValues(topic).Inc()
	return seq, nil
}

// Subscribe attaches a new subscriber to a topic. buffer <= 0 uses the
// default backlog bound.
func (h *Hub) Subscribe(topic string, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	sub := &Subscriber{topic: topic, ch: make(chan Event, buffer)}

	ts := h.topic(topic)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.subs[sub] = struct{}{}
	metrics.SubscribersActive.WithLabelValues(topic).Inc()
	return sub
}

// Unsubscribe detaches and closes the subscriber. Safe to call twice.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	ts := h.topic(sub.topic)
	ts.mu.Lock()
	if _, ok := ts.subs[sub]; ok {
		delete(ts.subs, sub)
		metrics.SubscribersActive.WithLabelValues(sub.topic).Dec()
	}
	ts.mu.Unlock()
	sub.close()
}

// Replay returns journaled entries after seq, for resume-on-reconnect.
func (h *Hub) Replay(ctx context.Context, topic string, seq uint64, limit int) ([]gateway.Entry, error) {
	return h.journal.Since(ctx, topic, seq, limit)
}

// Close evicts every subscriber. Publishes after Close still journal but
// deliver to no one.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for name, ts := range h.topics {
		ts.mu.Lock()
		for sub := range ts.subs {
			delete(ts.subs, sub)
			sub.close()
			metrics.SubscribersActive.WithLabelValues(name).Dec()
		}
		ts.mu.Unlock()
	}
}
