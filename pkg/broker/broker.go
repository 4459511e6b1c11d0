package broker

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrClosed        = errors.New("broker: closed")
	ErrUnknownQueue  = errors.New("broker: queue not declared")
	ErrAlreadyActed  = errors.New("broker: delivery already acked or nacked")
	ErrModeUnsupport = errors.New("broker: delivery mode not supported by this backend")
)

// DeliveryMode selects how a queue hands messages to its subscribers.
type DeliveryMode int

const (
	// ModeCompeting delivers each message to exactly one subscriber.
	ModeCompeting DeliveryMode = iota
	// ModeFanOut delivers every message to every subscriber.
	ModeFanOut
)

// Message is the unit of transport: opaque payload plus string headers
// carrying both trace-context threads and delivery metadata.
type Message struct {
	ID         string
	Queue      string
	Body       []byte
	Headers    map[string]string
	EnqueuedAt time.Time
	RetryCount int
}

// Handler processes one delivery. It must Ack or Nack before returning;
// a delivery left open is treated as in-flight and redelivered.
type Handler func(ctx context.Context, d *Delivery)

// Broker is the queue contract shared by the embedded and networked backends.
// Subscribe serializes deliveries per subscription: a handler sees one message
// at a time, in queue order.
type Broker interface {
	DeclareQueue(ctx context.Context, name string) error
	Publish(ctx context.Context, queue string, body []byte, headers map[string]string) (string, error)
	Subscribe(ctx context.Context, queue string, h Handler) error
	Close() error
}

type ackState int

const (
	stateOpen ackState = iota
	stateAcked
	stateNackRequeue
	stateNackDrop
)

// Delivery wraps a message in flight with its acknowledgement controls.
type Delivery struct {
	Message

	mu     sync.Mutex
	state  ackState
	settle func(ackState) error
}

// Ack removes the message from the queue permanently.
func (d *Delivery) Ack() error { return d.transition(stateAcked) }

// Nack rejects the message: with requeue it is redelivered (possibly to a
// different competing consumer), without it is dropped.
func (d *Delivery) Nack(requeue bool) error {
	if requeue {
		return d.transition(stateNackRequeue)
	}
	return d.transition(stateNackDrop)
}

func (d *Delivery) transition(s ackState) error {
	d.mu.Lock()
	if d.state != stateOpen {
		d.mu.Unlock()
		return ErrAlreadyActed
	}
	d.state = s
	settle := d.settle
	d.mu.Unlock()

	if settle != nil {
		return settle(s)
	}
	return nil
}

func (d *Delivery) outcome() ackState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}
