// Package bus implements the in-process, topic-based message bus described
// in §4.2: bounded per-topic queues, configurable backpressure policies, a
// worker pool per topic, and per-topic metrics. It decouples producers
// (the feeder, client request threads) from consumers (gateway, egress
// subscribers) without requiring either side to block on the other's pace,
// except under the Block policy which is explicitly time-bounded.
package bus

import (
	"errors"
	"sync"
	"time"

	"github.com/argentumfx/core/pkg/metric"
	"go.uber.org/zap"
)

// Policy is the backpressure behavior applied when a topic's queue is full.
// It is fixed for the lifetime of a Bus.
type Policy int

const (
	// PolicyDropNewest rejects the incoming message when the queue is full.
	PolicyDropNewest Policy = iota
	// PolicyDropOldest evicts the front of the queue to make room.
	PolicyDropOldest
	// PolicyBlock waits for space, up to Config.BlockTimeout (0 = indefinite).
	PolicyBlock
)

var (
	// ErrInvalid is returned for an empty/nil publish payload.
	ErrInvalid = errors.New("bus: invalid payload")
	// ErrTimeout is returned by publish under backpressure: the queue was
	// full (DropNewest), or Block waited past its deadline, or the bus has
	// been shut down while a publisher was waiting.
	ErrTimeout = errors.New("bus: publish timed out")
)

// Metrics is the observable state of a single topic.
type Metrics struct {
	QueueDepth           int64
	Drops                int64
	BackpressureHits     int64
	Published            int64
	PublishLatencyNsAvg  int64
	PublishLatencyNsMax  int64
}

// Config configures a Bus. Capacity and Workers apply to every topic the
// bus creates; Policy is fixed for the bus's lifetime.
type Config struct {
	Capacity     int
	Workers      int
	Policy       Policy
	BlockTimeout time.Duration
	Logger       *zap.SugaredLogger
}

// Bus is a topic-based, in-process fan-out message bus.
type Bus struct {
	capacity     int
	workers      int
	policy       Policy
	blockTimeout time.Duration
	logger       *zap.SugaredLogger

	mu     sync.RWMutex
	topics map[string]*topicState
}

// New constructs a Bus from Config, defaulting any zero-valued fields to
// sane minimums (capacity 1, no logger => a no-op logger).
func New(cfg Config) *Bus {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Bus{
		capacity:     cfg.Capacity,
		workers:      cfg.Workers,
		policy:       cfg.Policy,
		blockTimeout: cfg.BlockTimeout,
		logger:       logger,
		topics:       make(map[string]*topicState),
	}
}

type subscriber struct {
	callback func([]byte)
}

// topicState is the per-topic FIFO queue, subscriber list, worker pool, and
// metrics described in §4.2.
type topicState struct {
	name string

	mu         sync.Mutex
	dataAvail  *sync.Cond
	spaceAvail *sync.Cond
	queue      [][]byte
	running    bool
	subs       []subscriber
	startedWG  sync.WaitGroup

	capacity int
	workers  int
	policy   Policy

	metrics *metric.Registry
}

func newTopicState(name string, capacity, workers int, policy Policy) *topicState {
	t := &topicState{
		name:     name,
		queue:    make([][]byte, 0, capacity),
		running:  true,
		capacity: capacity,
		workers:  workers,
		policy:   policy,
		metrics:  metric.NewRegistry(),
	}
	t.dataAvail = sync.NewCond(&t.mu)
	t.spaceAvail = sync.NewCond(&t.mu)
	return t
}

// waitWithDeadline blocks on cond (whose Locker is already held by the
// caller) until either it is signaled or deadline has passed, reporting
// whether the deadline was the reason for waking. A zero deadline means
// wait indefinitely.
func waitWithDeadline(mu *sync.Mutex, cond *sync.Cond, deadline time.Time) (timedOut bool) {
	if deadline.IsZero() {
		cond.Wait()
		return false
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return true
	}

	expired := make(chan struct{})
	timer := time.AfterFunc(remaining, func() {
		mu.Lock()
		close(expired)
		cond.Broadcast()
		mu.Unlock()
	})
	defer timer.Stop()

	cond.Wait()

	select {
	case <-expired:
		return true
	default:
		return false
	}
}

func (b *Bus) getOrCreateTopic(name string) *topicState {
	b.mu.RLock()
	t, ok := b.topics[name]
	b.mu.RUnlock()
	if ok {
		return t
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[name]; ok {
		return t
	}
	t = newTopicState(name, b.capacity, b.workers, b.policy)
	b.topics[name] = t
	b.startWorkers(t)
	return t
}

func (b *Bus) startWorkers(t *topicState) {
	for i := 0; i < t.workers; i++ {
		t.startedWG.Add(1)
		go b.runWorker(t)
	}
}

func (b *Bus) runWorker(t *topicState) {
	defer t.startedWG.Done()
	for {
		t.mu.Lock()
		for t.running && len(t.queue) == 0 {
			t.dataAvail.Wait()
		}
		if len(t.queue) == 0 {
			// Stopped with nothing left to deliver.
			t.mu.Unlock()
			return
		}

		msg := t.queue[0]
		t.queue = t.queue[1:]
		t.spaceAvail.Signal()

		subsSnapshot := make([]subscriber, len(t.subs))
		copy(subsSnapshot, t.subs)
		t.mu.Unlock()

		for _, s := range subsSnapshot {
			s.callback(msg)
		}
	}
}

// Publish delivers data to topic's subscribers, subject to the bus's
// backpressure policy when the topic's queue is full.
func (b *Bus) Publish(topic string, data []byte) error {
	if len(data) == 0 {
		return ErrInvalid
	}

	t := b.getOrCreateTopic(topic)
	start := time.Now()
	defer func() {
		t.metrics.Latency("publish").Observe(time.Since(start).Nanoseconds())
	}()

	effectivePolicy := t.policy
	if effectivePolicy == PolicyBlock && t.workers == 0 {
		// No reader exists to ever drain the queue; Block degrades to DropNewest.
		effectivePolicy = PolicyDropNewest
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch effectivePolicy {
	case PolicyDropNewest:
		if len(t.queue) >= t.capacity {
			t.metrics.Counter("backpressure_hits").Inc(1)
			t.metrics.Counter("drops").Inc(1)
			return ErrTimeout
		}
	case PolicyDropOldest:
		if len(t.queue) >= t.capacity {
			t.queue = t.queue[1:]
			t.metrics.Counter("drops").Inc(1)
		}
	case PolicyBlock:
		var deadline time.Time
		if b.blockTimeout > 0 {
			deadline = start.Add(b.blockTimeout)
		}
		for len(t.queue) >= t.capacity {
			if !t.running {
				return ErrTimeout
			}
			if waitWithDeadline(&t.mu, t.spaceAvail, deadline) {
				t.metrics.Counter("backpressure_hits").Inc(1)
				return ErrTimeout
			}
		}
		if !t.running {
			return ErrTimeout
		}
	}

	t.queue = append(t.queue, data)
	t.metrics.Counter("published").Inc(1)
	t.dataAvail.Signal()
	return nil
}

// Subscribe registers callback on topic. Registration is idempotent in the
// sense that it never disturbs already-running consumers; the new
// subscriber joins the fan-out starting with the next delivered message.
func (b *Bus) Subscribe(topic string, callback func([]byte)) {
	t := b.getOrCreateTopic(topic)
	t.mu.Lock()
	t.subs = append(t.subs, subscriber{callback: callback})
	t.mu.Unlock()
}

// GetMetrics reports the current metrics for topic, or ok=false if the
// topic has never been published to or subscribed on.
func (b *Bus) GetMetrics(topic string) (m Metrics, ok bool) {
	b.mu.RLock()
	t, exists := b.topics[topic]
	b.mu.RUnlock()
	if !exists {
		return Metrics{}, false
	}

	t.mu.Lock()
	depth := int64(len(t.queue))
	t.mu.Unlock()

	lat := t.metrics.Latency("publish")
	return Metrics{
		QueueDepth:          depth,
		Drops:               t.metrics.Counter("drops").Count(),
		BackpressureHits:    t.metrics.Counter("backpressure_hits").Count(),
		Published:           t.metrics.Counter("published").Count(),
		PublishLatencyNsAvg: lat.Avg(),
		PublishLatencyNsMax: lat.Max(),
	}, true
}

// Shutdown stops every topic's workers and wakes any publishers blocked
// under the Block policy. Pending messages may be discarded.
func (b *Bus) Shutdown() {
	b.mu.RLock()
	topics := make([]*topicState, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.RUnlock()

	for _, t := range topics {
		t.mu.Lock()
		t.running = false
		t.dataAvail.Broadcast()
		t.spaceAvail.Broadcast()
		t.mu.Unlock()
	}
	for _, t := range topics {
		t.startedWG.Wait()
	}
	b.logger.Debug("bus shutdown complete")
}
