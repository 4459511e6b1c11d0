package broker

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const memoryQueueBuffer = 1024

// MemoryOptions tunes the embedded broker.
type MemoryOptions struct {
	// Mode applies to every queue of this instance.
	Mode DeliveryMode
	// MinDelay/MaxDelay bound the randomized publish and delivery latency
	// that approximates networked broker behavior. Zero disables the delay.
	MinDelay time.Duration
	MaxDelay time.Duration
	Logger   *zap.Logger
	// OnDepth is invoked with the new queue depth after every enqueue and
	// every terminal settle; used to feed the queue_messages gauge.
	OnDepth func(queue string, depth int)
}

// Memory is the embedded broker used by the simulator deployment and by
// tests. Queues accept a durable declaration for interface parity, but depth
// lives in memory only and is lost on restart.
type Memory struct {
	opts   MemoryOptions
	logger *zap.Logger

	mu     sync.RWMutex
	queues map[string]*memQueue
	closed bool

	done chan struct{}
	wg   sync.WaitGroup

	randMu sync.Mutex
	rand   *rand.Rand
}

type memQueue struct {
	name   string
	shared chan *Message   // competing consumers pull from here
	fanout []chan *Message // one buffer per fan-out subscriber
	depth  int             // guarded by Memory.mu
}

var _ Broker = (*Memory)(nil)

func NewMemory(opts MemoryOptions) *Memory {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{
		opts:   opts,
		logger: logger,
		queues: make(map[string]*memQueue),
		done:   make(chan struct{}),
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (b *Memory) DeclareQueue(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = &memQueue{
			name:   name,
			shared: make(chan *Message, memoryQueueBuffer),
		}
	}
	return nil
}

func (b *Memory) Publish(ctx context.Context, queue string, body []byte, headers map[string]string) (string, error) {
	b.mu.RLock()
	q, ok := b.queues[queue]
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return "", ErrClosed
	}
	if !ok {
		return "", ErrUnknownQueue
	}

	if err := b.sleepJitter(ctx); err != nil {
		return "", err
	}

	msg := &Message{
		ID:         uuid.NewString(),
		Queue:      queue,
		Body:       body,
		Headers:    copyHeaders(headers),
		EnqueuedAt: time.Now(),
	}

	if b.opts.Mode == ModeFanOut {
		b.mu.RLock()
		targets := make([]chan *Message, len(q.fanout))
		copy(targets, q.fanout)
		b.mu.RUnlock()
		for _, ch := range targets {
			clone := *msg
			b.enqueue(q, ch, &clone)
		}
		return msg.ID, nil
	}

	b.enqueue(q, q.shared, msg)
	return msg.ID, nil
}

// Subscribe registers a handler and starts its sequential consume loop. In
// competing mode subscribers share one buffer, so each message reaches exactly
// one of them; in fan-out mode every subscriber owns a buffer and sees every
// message published after it registered.
func (b *Memory) Subscribe(ctx context.Context, queue string, h Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	q, ok := b.queues[queue]
	if !ok {
		b.mu.Unlock()
		return ErrUnknownQueue
	}

	source := q.shared
	if b.opts.Mode == ModeFanOut {
		source = make(chan *Message, memoryQueueBuffer)
		q.fanout = append(q.fanout, source)
	}
	b.mu.Unlock()

	b.wg.Add(1)
	go b.consumeLoop(ctx, q, source, h)
	return nil
}

func (b *Memory) consumeLoop(ctx context.Context, q *memQueue, source chan *Message, h Handler) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case msg := <-source:
			if err := b.sleepJitter(ctx); err != nil {
				// Consumer is gone mid-delivery; hand the message back.
				b.requeue(q, source, msg)
				return
			}

			d := &Delivery{Message: *msg}
			h(ctx, d)

			switch d.outcome() {
			case stateAcked, stateNackDrop:
				b.addDepth(q, -1)
			default:
				// Nack with requeue, or a handler that never settled:
				// both mean the attempt failed and the message goes back.
				clone := *msg
				clone.RetryCount++
				b.requeue(q, source, &clone)
			}
		}
	}
}

func (b *Memory) enqueue(q *memQueue, ch chan *Message, msg *Message) {
	select {
	case ch <- msg:
		b.addDepth(q, 1)
	default:
		b.logger.Warn("queue buffer full, dropping message",
			zap.String("queue", q.name), zap.String("message_id", msg.ID))
	}
}

func (b *Memory) requeue(q *memQueue, source chan *Message, msg *Message) {
	target := q.shared
	if b.opts.Mode == ModeFanOut {
		// Fan-out redelivery goes back to this subscriber only.
		target = source
	}
	select {
	case target <- msg:
	default:
		b.addDepth(q, -1)
		b.logger.Warn("queue buffer full, dropping requeued message",
			zap.String("queue", q.name), zap.String("message_id", msg.ID))
	}
}

func (b *Memory) addDepth(q *memQueue, delta int) {
	b.mu.Lock()
	q.depth += delta
	depth := q.depth
	onDepth := b.opts.OnDepth
	b.mu.Unlock()
	if onDepth != nil {
		onDepth(q.name, depth)
	}
}

func (b *Memory) sleepJitter(ctx context.Context) error {
	if b.opts.MaxDelay <= 0 {
		return nil
	}
	b.randMu.Lock()
	d := b.opts.MinDelay
	if span := b.opts.MaxDelay - b.opts.MinDelay; span > 0 {
		d += time.Duration(b.rand.Int63n(int64(span)))
	}
	b.randMu.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrClosed
	}
}

func (b *Memory) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()
	return nil
}

func copyHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
