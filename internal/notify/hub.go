package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/stemsplit/internal/domain"
)

// AllJobs subscribes to events of every job.
const AllJobs = ""

// Publisher accepts job events. Delivery is best effort.
type Publisher interface {
	Publish(event domain.Event)
}

// Sink forwards events to an out-of-process consumer such as a broker.
type Sink interface {
	Send(ctx context.Context, event domain.Event) error
}

// Config holds hub settings
type Config struct {
	Logger *slog.Logger
	// SubscriberBuffer is the per-subscriber channel capacity.
	SubscriberBuffer int
	// SinkQueueSize bounds events waiting for external sinks.
	SinkQueueSize int
	SinkTimeout   time.Duration
	Sinks         []Sink
}

// Hub fans job events out to subscribers keyed by job id. A slow
// subscriber loses events instead of blocking the publisher.
type Hub struct {
	logger      *slog.Logger
	buffer      int
	sinks       []Sink
	sinkTimeout time.Duration
	sinkQueue   chan domain.Event

	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
	closed bool

	dropped atomic.Uint64
}

// Subscription receives events on C until Close is called or the hub closes.
type Subscription struct {
	C <-chan domain.Event

	ch    chan domain.Event
	jobID string
	hub   *Hub
	once  sync.Once
}

// NewHub creates a hub. Run must be started when sinks are configured.
func NewHub(cfg Config) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	buffer := cfg.SubscriberBuffer
	if buffer <= 0 {
		buffer = 16
	}
	queue := cfg.SinkQueueSize
	if queue <= 0 {
		queue = 256
	}
	timeout := cfg.SinkTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	h := &Hub{
		logger:      logger,
		buffer:      buffer,
		sinks:       cfg.Sinks,
		sinkTimeout: timeout,
		topics:      make(map[string]map[*Subscription]struct{}),
	}
	if len(h.sinks) > 0 {
		h.sinkQueue = make(chan domain.Event, queue)
	}
	return h
}

// Subscribe registers interest in one job, or in every job with AllJobs.
// Events published before the call are never delivered.
func (h *Hub) Subscribe(jobID string) *Subscription {
	ch := make(chan domain.Event, h.buffer)
	sub := &Subscription{C: ch, ch: ch, jobID: jobID, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(ch)
		return sub
	}
	subs, ok := h.topics[jobID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.topics[jobID] = subs
	}
	subs[sub] = struct{}{}
	return sub
}

// Close unregisters the subscription and closes C. Safe to call twice.
func (s *Subscription) Close() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		defer h.mu.Unlock()

		subs, ok := h.topics[s.jobID]
		if !ok {
			return
		}
		if _, ok := subs[s]; !ok {
			return
		}
		delete(subs, s)
		if len(subs) == 0 {
			delete(h.topics, s.jobID)
		}
		close(s.ch)
	})
}

// Publish delivers event to subscribers of its job and of AllJobs, then
// queues it for external sinks. It never blocks.
func (h *Hub) Publish(event domain.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return
	}
	h.deliver(h.topics[event.JobID], event)
	if event.JobID != AllJobs {
		h.deliver(h.topics[AllJobs], event)
	}
	h.mu.RUnlock()

	if h.sinkQueue == nil {
		return
	}
	select {
	case h.sinkQueue <- event:
	default:
		h.dropped.Add(1)
		h.logger.Warn("Sink queue full, dropping event",
			slog.String("job_id", event.JobID),
			slog.String("event", string(event.Type)),
		)
	}
}

func (h *Hub) deliver(subs map[*Subscription]struct{}, event domain.Event) {
	for sub := range subs {
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
			h.logger.Debug("Subscriber too slow, dropping event",
				slog.String("job_id", event.JobID),
				slog.String("event", string(event.Type)),
			)
		}
	}
}

// Run forwards queued events to the sinks in publish order until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	if h.sinkQueue == nil {
		<-ctx.Done()
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			h.drainSinks()
			return nil
		case event := <-h.sinkQueue:
			h.forward(event)
		}
	}
}

// drainSinks flushes what is already queued without waiting for more.
func (h *Hub) drainSinks() {
	for {
		select {
		case event := <-h.sinkQueue:
			h.forward(event)
		default:
			return
		}
	}
}

func (h *Hub) forward(event domain.Event) {
	for _, sink := range h.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), h.sinkTimeout)
		err := sink.Send(ctx, event)
		cancel()
		if err != nil {
			h.logger.Error("Failed to forward event",
				slog.String("job_id", event.JobID),
				slog.String("event", string(event.Type)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Close disconnects every subscriber. Later publishes are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for jobID, subs := range h.topics {
		for sub := range subs {
			close(sub.ch)
		}
		delete(h.topics, jobID)
	}
}

// Subscribers returns the number of open subscriptions
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, subs := range h.topics {
		n += len(subs)
	}
	return n
}

// Dropped returns how many deliveries were skipped because a buffer was full
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
