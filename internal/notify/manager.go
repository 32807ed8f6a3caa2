// Package notify fans workflow state snapshots out to the subscribers of each decision.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"boardroom-orchestrator/internal/domain"
)

type OverflowPolicy string

const (
	// OverflowDropOldest discards the oldest pending payload to make room.
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	// OverflowReject refuses the new payload with domain.ErrQueueFull.
	OverflowReject OverflowPolicy = "reject"
)

var (
	ErrClosed   = errors.New("notification manager closed")
	errRejected = errors.New("payload rejected")
)

// Notification is one state snapshot addressed to a decision's subscribers.
type Notification struct {
	DecisionID string         `json:"decision_id"`
	Payload    map[string]any `json:"payload"`
	// Terminal marks the last snapshot of a decision; its queue becomes eligible for eviction.
	Terminal bool `json:"terminal,omitempty"`
}

// Publisher accepts notifications without blocking on subscribers.
type Publisher interface {
	Publish(ctx context.Context, n Notification) error
}

type Config struct {
	Capacity      int
	IdleTimeout   time.Duration
	Overflow      OverflowPolicy
	EvictAfter    time.Duration
	SweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Capacity:      100,
		IdleTimeout:   30 * time.Second,
		Overflow:      OverflowDropOldest,
		EvictAfter:    10 * time.Minute,
		SweepInterval: time.Minute,
	}
}

type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	afterSeq uint64
}

// AfterSeq starts the subscription after the given sequence number, for reconnecting clients.
func AfterSeq(seq uint64) SubscribeOption {
	return func(o *subscribeOptions) {
		o.afterSeq = seq
	}
}

// Manager owns the per-decision queues. Queues are created on the first publish or
// subscribe and evicted by Sweep once their decision is terminal and the grace period passed.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	queues map[string]*Queue
	closed bool
}

func NewManager(cfg Config, logger *slog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.Overflow == "" {
		cfg.Overflow = def.Overflow
	}
	if cfg.EvictAfter <= 0 {
		cfg.EvictAfter = def.EvictAfter
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		queues: map[string]*Queue{},
	}
}

func (m *Manager) GetOrCreate(decisionID string) (*Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	q, ok := m.queues[decisionID]
	if !ok {
		q = newQueue()
		m.queues[decisionID] = q
	}
	return q, nil
}

// Pending reports how many retained payloads a subscription resuming after afterSeq would
// receive. It does not create the queue.
func (m *Manager) Pending(decisionID string, afterSeq uint64) int {
	m.mu.Lock()
	q, ok := m.queues[decisionID]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending(afterSeq)
}

// Produce enqueues a payload for decisionID.
func (m *Manager) Produce(ctx context.Context, decisionID string, payload map[string]any) error {
	return m.Publish(ctx, Notification{DecisionID: decisionID, Payload: payload})
}

func (m *Manager) Publish(_ context.Context, n Notification) error {
	// A queue evicted between lookup and lock is recreated once.
	for attempt := 0; attempt < 2; attempt++ {
		q, err := m.GetOrCreate(n.DecisionID)
		if err != nil {
			return err
		}

		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			continue
		}
		now := m.now()
		dropped, err := q.push(n.Payload, m.cfg.Capacity, m.cfg.Overflow, now)
		if err == nil {
			if n.Terminal {
				q.terminalAt = now
			} else {
				q.terminalAt = time.Time{}
			}
		}
		q.mu.Unlock()

		if errors.Is(err, errRejected) {
			m.logger.Warn("Notification queue full, payload rejected", "decision_id", n.DecisionID, "capacity", m.cfg.Capacity)
			return domain.QueueFull("publish notification", n.DecisionID)
		}
		if dropped {
			m.logger.Warn("Notification queue full, dropped oldest payload", "decision_id", n.DecisionID, "capacity", m.cfg.Capacity)
		}
		return nil
	}
	return ErrClosed
}

// Subscribe registers a consumer of decisionID's payloads. The channel yields pending and
// future payloads in FIFO order, a keep-alive event after each idle window, and is closed
// when ctx is done or the manager shuts down.
func (m *Manager) Subscribe(ctx context.Context, decisionID string, opts ...SubscribeOption) (<-chan Event, error) {
	var o subscribeOptions
	for _, opt := range opts {
		opt(&o)
	}

	q, err := m.GetOrCreate(decisionID)
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	s := q.register(o.afterSeq)
	q.mu.Unlock()

	out := make(chan Event)
	go m.pump(ctx, q, s, out)
	return out, nil
}

func (m *Manager) pump(ctx context.Context, q *Queue, s *subscriber, out chan<- Event) {
	defer close(out)
	defer func() {
		q.mu.Lock()
		q.unregister(s)
		q.trim()
		q.mu.Unlock()
	}()

	idle := time.NewTimer(m.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		q.mu.Lock()
		e, ok := q.peek(s)
		skipped := 0
		if ok {
			skipped = int(e.seq - s.cursor)
		}
		wake, done := q.wake, q.done
		q.mu.Unlock()

		if ok {
			select {
			case out <- Event{Seq: e.seq, Payload: e.payload, Skipped: skipped, At: e.at}:
			case <-ctx.Done():
				return
			case <-done:
				return
			}
			q.mu.Lock()
			s.cursor = e.seq + 1
			q.trim()
			q.mu.Unlock()
			resetTimer(idle, m.cfg.IdleTimeout)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-wake:
		case <-idle.C:
			select {
			case out <- Event{KeepAlive: true, At: m.now()}:
			case <-ctx.Done():
				return
			case <-done:
				return
			}
			idle.Reset(m.cfg.IdleTimeout)
		}
	}
}

// Sweep evicts queues whose last payload was terminal at least EvictAfter ago and that have
// no subscribers. It returns the number of evicted queues.
func (m *Manager) Sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for id, q := range m.queues {
		q.mu.Lock()
		if !q.terminalAt.IsZero() && now.Sub(q.terminalAt) >= m.cfg.EvictAfter && len(q.subs) == 0 {
			q.close()
			delete(m.queues, id)
			evicted++
		}
		q.mu.Unlock()
	}
	if evicted > 0 {
		m.logger.Info("Evicted notification queues", "count", evicted, "remaining", len(m.queues))
	}
	return evicted
}

// Run sweeps on every SweepInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Close ends every subscription and rejects further publishes.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for id, q := range m.queues {
		q.mu.Lock()
		q.close()
		q.mu.Unlock()
		delete(m.queues, id)
	}
}

// Len returns the number of live queues.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues)
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
