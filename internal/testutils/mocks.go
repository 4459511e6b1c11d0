package testutils

import (
	"context"
	"sync"
	"time"

	"github.com/MoebiusX/OtelE2E-sub003/pkg/broker"
)

// StubClock advances only when Sleep is called, keeping durations deterministic.
type StubClock struct {
	Mu      sync.Mutex
	Current time.Time
	Slept   []time.Duration
}

func NewStubClock() *StubClock {
	return &StubClock{Current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *StubClock) Now() time.Time {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	return c.Current
}

func (c *StubClock) Sleep(d time.Duration) {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	c.Slept = append(c.Slept, d)
	c.Current = c.Current.Add(d)
}

// StubRand replays a fixed sequence of values.
type StubRand struct {
	Mu     sync.Mutex
	Values []float64
	idx    int
}

func (r *StubRand) Float64() float64 {
	r.Mu.Lock()
	defer r.Mu.Unlock()
	if len(r.Values) == 0 {
		return 0.5
	}
	v := r.Values[r.idx%len(r.Values)]
	r.idx++
	return v
}

// QueueCollector acks and records every delivery it receives.
type QueueCollector struct {
	C chan *broker.Delivery
}

func NewQueueCollector() *QueueCollector {
	return &QueueCollector{C: make(chan *broker.Delivery, 64)}
}

func (c *QueueCollector) Handle(_ context.Context, d *broker.Delivery) {
	if err := d.Ack(); err != nil {
		return
	}
	c.C <- d
}
