package spore

import (
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// IdAllocator hands out spore and link identities for one session. Identities are
// never reused.
type IdAllocator interface {
	NextSporeID() string
	NextLinkID() string
}

// CounterAllocator issues monotonic decimal ids starting at 1.
type CounterAllocator struct {
	spores atomic.Uint64
	links  atomic.Uint64
}

func NewCounterAllocator() *CounterAllocator {
	return &CounterAllocator{}
}

func (a *CounterAllocator) NextSporeID() string {
	return strconv.FormatUint(a.spores.Add(1), 10)
}

func (a *CounterAllocator) NextLinkID() string {
	return strconv.FormatUint(a.links.Add(1), 10)
}

// UUIDAllocator issues random ids, suitable when graphs from several sessions are
// merged into one buffer.
type UUIDAllocator struct{}

func (UUIDAllocator) NextSporeID() string { return uuid.NewString() }
func (UUIDAllocator) NextLinkID() string  { return uuid.NewString() }
