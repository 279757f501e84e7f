package ratelimit

import (
	"container/list"
	"net/netip"
	"sync"

	"github.com/pg9182/diode/pkg/clock"
)

// PerIPLimiter is the optional per-source-IP limiter from spec.md §4.3 and
// Open Question 3: one Bucket per source IP, aged out with an LRU so memory
// doesn't grow unboundedly under a scan from many distinct IPs. It layers
// *under* the global limiter: callers should check PerIPLimiter first, then
// the global Bucket, per the Open Question's resolution.
//
// Shaped like pkg/memstore's sync.Map-backed stores, generalized with
// eviction since a plain sync.Map cannot bound its size.
type PerIPLimiter struct {
	rate     float64
	capacity float64
	maxIPs   int
	clk      clock.Clock

	mu    sync.Mutex
	lru   *list.List // front = most recently used
	index map[netip.Addr]*list.Element
}

type perIPEntry struct {
	addr   netip.Addr
	bucket *Bucket
}

// NewPerIPLimiter creates a PerIPLimiter with the given per-IP rate/capacity
// and a bound on the number of distinct IPs tracked at once.
func NewPerIPLimiter(rate, capacity float64, maxIPs int, clk clock.Clock) *PerIPLimiter {
	return &PerIPLimiter{
		rate:     rate,
		capacity: capacity,
		maxIPs:   maxIPs,
		clk:      clk,
		lru:      list.New(),
		index:    make(map[netip.Addr]*list.Element),
	}
}

// TryConsume consumes n tokens from the bucket for addr, creating one (and
// evicting the least-recently-used entry if at capacity) if this is the
// first time addr has been seen.
func (p *PerIPLimiter) TryConsume(addr netip.Addr, n float64) bool {
	p.mu.Lock()
	el, ok := p.index[addr]
	if ok {
		p.lru.MoveToFront(el)
	} else {
		if p.maxIPs > 0 && p.lru.Len() >= p.maxIPs {
			back := p.lru.Back()
			if back != nil {
				delete(p.index, back.Value.(*perIPEntry).addr)
				p.lru.Remove(back)
			}
		}
		el = p.lru.PushFront(&perIPEntry{addr: addr, bucket: NewBucket(p.rate, p.capacity, p.clk)})
		p.index[addr] = el
	}
	bucket := el.Value.(*perIPEntry).bucket
	p.mu.Unlock()

	return bucket.TryConsume(n)
}

// Len reports the number of distinct IPs currently tracked.
func (p *PerIPLimiter) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lru.Len()
}
