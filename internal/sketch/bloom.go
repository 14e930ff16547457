// Package sketch provides approximate data structures. Results are
// probabilistic by construction and callers must not treat them as exact.
package sketch

import (
	"math"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash/v2"
)

// BloomFilter answers set membership with no false negatives and a false
// positive rate bounded by the rate it was sized for, as long as no more than
// the expected number of items are added.
type BloomFilter struct {
	mu    sync.RWMutex
	bits  *bitset.BitSet
	m     uint64
	k     uint64
	added uint64
}

// NewBloomFilter sizes a filter for n items at false positive rate p.
func NewBloomFilter(n uint64, p float64) *BloomFilter {
	if n == 0 {
		n = 1
	}
	if p <= 0 || p >= 1 {
		p = 0.01
	}
	m := uint64(math.Ceil(-float64(n) * math.Log(p) / (math.Ln2 * math.Ln2)))
	if m < 64 {
		m = 64
	}
	k := uint64(math.Round(float64(m) / float64(n) * math.Ln2))
	if k < 1 {
		k = 1
	}
	return &BloomFilter{bits: bitset.New(uint(m)), m: m, k: k}
}

func (b *BloomFilter) locations(key string) (uint64, uint64) {
	h := xxhash.Sum64String(key)
	h1 := h & 0xffffffff
	h2 := (h >> 32) | 1
	return h1, h2
}

func (b *BloomFilter) Add(key string) {
	h1, h2 := b.locations(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := uint64(0); i < b.k; i++ {
		b.bits.Set(uint((h1 + i*h2) % b.m))
	}
	b.added++
}

// Test reports whether key may have been added.
func (b *BloomFilter) Test(key string) bool {
	h1, h2 := b.locations(key)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for i := uint64(0); i < b.k; i++ {
		if !b.bits.Test(uint((h1 + i*h2) % b.m)) {
			return false
		}
	}
	return true
}

// TestAndAdd reports whether key may already have been present, then adds it.
func (b *BloomFilter) TestAndAdd(key string) bool {
	h1, h2 := b.locations(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	present := true
	for i := uint64(0); i < b.k; i++ {
		idx := uint((h1 + i*h2) % b.m)
		if !b.bits.Test(idx) {
			present = false
			b.bits.Set(idx)
		}
	}
	b.added++
	return present
}

func (b *BloomFilter) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bits.ClearAll()
	b.added = 0
}

func (b *BloomFilter) Count() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.added
}

// EstimatedFalsePositiveRate is (1 - e^(-kn/m))^k for the items added so far.
func (b *BloomFilter) EstimatedFalsePositiveRate() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return math.Pow(1-math.Exp(-float64(b.k)*float64(b.added)/float64(b.m)), float64(b.k))
}

// Params returns the bit count and hash count.
func (b *BloomFilter) Params() (m, k uint64) { return b.m, b.k }
