package fanout

import (
	"math/rand"
	"time"
)

// for deterministic testing
type Clock interface {
	Sleep(d time.Duration)
}

type Rand interface {
	Float64() float64
}

type RealClock struct{}

func (RealClock) Sleep(d time.Duration) { time.Sleep(d) }

type RealRand struct{ *rand.Rand }

func (r RealRand) Float64() float64 { return r.Rand.Float64() }
