package sigindex

import (
	"encoding/binary"
	"hash/fnv"
	"math"
	"sync"
)

// bloomFilter is a thread-safe bloom filter using double-hashing
// (FNV-128a split into h1, h2).
type bloomFilter struct {
	mu   sync.RWMutex
	bits []uint64
	m    uint64 // total bits
	k    uint   // number of hash functions
}

// newBloomFilter sizes the filter for expectedItems at the given false
// positive rate. A round rarely exceeds a few hundred thousand signatures.
func newBloomFilter(expectedItems int, fpr float64) *bloomFilter {
	if expectedItems <= 0 {
		expectedItems = 1
	}
	if fpr <= 0 || fpr >= 1 {
		fpr = 0.001
	}

	n := float64(expectedItems)
	// Optimal bit count: m = -n*ln(p) / (ln(2))^2
	m := uint64(math.Ceil(-n * math.Log(fpr) / (math.Ln2 * math.Ln2)))
	// Optimal hash count: k = (m/n) * ln(2)
	k := uint(math.Ceil(float64(m) / n * math.Ln2))
	if k < 1 {
		k = 1
	}

	words := (m + 63) / 64
	return &bloomFilter{
		bits: make([]uint64, words),
		m:    m,
		k:    k,
	}
}

func (bf *bloomFilter) Add(key string) {
	h1, h2 := bloomHash(key)
	bf.mu.Lock()
	for i := uint(0); i < bf.k; i++ {
		pos := (h1 + uint64(i)*h2) % bf.m
		bf.bits[pos/64] |= 1 << (pos % 64)
	}
	bf.mu.Unlock()
}

// MayContain returns false if the key is definitely not in the set.
// A true return may be a false positive.
func (bf *bloomFilter) MayContain(key string) bool {
	h1, h2 := bloomHash(key)
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	for i := uint(0); i < bf.k; i++ {
		pos := (h1 + uint64(i)*h2) % bf.m
		if bf.bits[pos/64]&(1<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

func (bf *bloomFilter) Reset() {
	bf.mu.Lock()
	for i := range bf.bits {
		bf.bits[i] = 0
	}
	bf.mu.Unlock()
}

// bloomHash produces two independent 64-bit hashes from FNV-128a.
func bloomHash(key string) (uint64, uint64) {
	h := fnv.New128a()
	h.Write([]byte(key))
	sum := h.Sum(nil)
	h1 := binary.BigEndian.Uint64(sum[:8])
	h2 := binary.BigEndian.Uint64(sum[8:])
	if h2 == 0 {
		h2 = 1
	}
	return h1, h2
}
