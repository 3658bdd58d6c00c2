package pool

import (
	"math/rand"
	"sync/atomic"
)

// ReaderPolicy picks one reader pool out of n configured replicas.
// Implementations must be safe for concurrent use.
type ReaderPolicy interface {
	Next(n int) int
}

// NewReaderPolicy returns the policy for the given name. Unknown names
// fall back to round-robin.
func NewReaderPolicy(name string) ReaderPolicy {
	switch name {
	case "random":
		return randomPolicy{}
	default:
		return &roundRobinPolicy{}
	}
}

type roundRobinPolicy struct {
	counter atomic.Uint64
}

func (p *roundRobinPolicy) Next(n int) int {
	if n <= 1 {
		return 0
	}
	return int((p.counter.Add(1) - 1) % uint64(n))
}

type randomPolicy struct{}

func (randomPolicy) Next(n int) int {
	if n <= 1 {
		return 0
	}
	return rand.Intn(n)
}
