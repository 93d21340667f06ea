package stream

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/manlek25/optantes/job"
)

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 64

// Broker fans job progress out to subscribers via topic-based pub/sub.
// Workers publish; SSE and WebSocket handlers subscribe.
type Broker struct {
	topics *TopicRegistry
	logger *slog.Logger

	// Subscriber management.
	subscribers sync.Map // subscriberID → *Subscriber

	// Metrics.
	totalPublished atomic.Int64

	// Config.
	bufferSize int
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber event buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// NewBroker creates a new stream broker.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	b := &Broker{
		topics:     NewTopicRegistry(),
		logger:     logger,
		bufferSize: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Topics returns the topic registry for external use.
func (b *Broker) Topics() *TopicRegistry { return b.topics }

// Subscribe creates a new subscriber on the given topics.
func (b *Broker) Subscribe(subscriberID string, topics ...string) *Subscriber {
	sub := NewSubscriber(subscriberID, b.bufferSize)
	b.subscribers.Store(subscriberID, sub)
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
	return sub
}

// RemoveSubscriber removes a subscriber from all topics and closes it.
func (b *Broker) RemoveSubscriber(subscriberID string) {
	b.topics.UnsubscribeAll(subscriberID)
	if val, ok := b.subscribers.LoadAndDelete(subscriberID); ok {
		val.(*Subscriber).Close() //nolint:errcheck // sync.Map always stores *Subscriber
	}
}

// GetSubscriber returns a subscriber by ID.
func (b *Broker) GetSubscriber(subscriberID string) (*Subscriber, bool) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return nil, false
	}
	return val.(*Subscriber), true //nolint:errcheck // sync.Map always stores *Subscriber
}

// Stats returns broker statistics.
func (b *Broker) Stats() BrokerStats {
	count := 0
	var dropped int64
	b.subscribers.Range(func(_, v any) bool {
		count++
		dropped += v.(*Subscriber).Dropped() //nolint:errcheck // sync.Map always stores *Subscriber
		return true
	})
	return BrokerStats{
		TopicCount:      b.topics.TopicCount(),
		SubscriberCount: count,
		TotalPublished:  b.totalPublished.Load(),
		TotalDropped:    dropped,
	}
}

// BrokerStats contains broker metrics.
type BrokerStats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
	TotalDropped    int64 `json:"total_dropped"`
}

// PublishProgress emits a progress event for the snapshot.
func (b *Broker) PublishProgress(snap job.Snapshot) {
	b.publish(EventProgress, snap)
}

// PublishHeartbeat emits a heartbeat event for the snapshot.
func (b *Broker) PublishHeartbeat(snap job.Snapshot) {
	b.publish(EventHeartbeat, snap)
}

// PublishTerminal emits the final event for the snapshot, then retires
// the job's topic. Subscribers left with no other topics are closed,
// which ends their event channel and lets SSE handlers return.
func (b *Broker) PublishTerminal(snap job.Snapshot) {
	var evtType EventType
	switch snap.State {
	case job.StateDone:
		evtType = EventDone
	case job.StateCanceled:
		evtType = EventCanceled
	default:
		evtType = EventError
	}
	b.publish(evtType, snap)

	for _, sub := range b.topics.Drop(JobTopic(snap.JobID.String())) {
		if len(sub.Topics()) == 0 {
			b.subscribers.Delete(sub.ID())
			sub.Close()
		}
	}
}

func (b *Broker) publish(evtType EventType, snap job.Snapshot) {
	evt := &Event{
		Type:      evtType,
		Timestamp: time.Now().UTC(),
		Topic:     JobTopic(snap.JobID.String()),
		Data: mustMarshal(JobEventData{
			JobID:     snap.JobID.String(),
			State:     string(snap.State),
			Processed: snap.Processed,
			Total:     snap.Total,
			HasResult: snap.HasResult,
			Error:     snap.Err,
		}),
	}
	delivered := b.topics.Broadcast(resolveTopics(evt), evt)
	b.totalPublished.Add(int64(delivered))
}

// mustMarshal marshals data to JSON, panicking on error (programming error).
func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("stream: marshal event data: " + err.Error())
	}
	return data
}
