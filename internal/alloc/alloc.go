// Package alloc defines the device allocator interface consumed by streams
// and the rematerialization pool, plus a byte-budgeted implementation that
// fails under memory pressure instead of growing.
package alloc

import (
	"errors"
	"fmt"
	"sync"
)

// WordSize is the size in bytes of one element of a Block.
const WordSize = 8

// ErrOutOfMemory is returned when a request does not fit in the remaining budget.
var ErrOutOfMemory = errors.New("out of device memory")

// Allocator hands out device memory blocks.
type Allocator interface {
	Allocate(size int64) (*Block, error)
	Deallocate(b *Block)
}

// Block is a region of device memory. Addr is unique for the lifetime of the
// allocator, so two blocks with the same Addr are the same storage.
type Block struct {
	Addr uint64
	Size int64
	Data []float64
}

// Words returns the number of float64 elements in the block.
func (b *Block) Words() int {
	return len(b.Data)
}

// Stats is a snapshot of allocator usage.
type Stats struct {
	Limit    int64  `json:"limit"`
	InUse    int64  `json:"in_use"`
	Peak     int64  `json:"peak"`
	Allocs   uint64 `json:"allocs"`
	Frees    uint64 `json:"frees"`
	Failures uint64 `json:"failures"`
}

// Budget is an Allocator with a fixed byte budget. A limit of 0 means unlimited.
type Budget struct {
	mu    sync.Mutex
	limit int64
	next  uint64
	live  map[uint64]int64
	stats Stats
}

// NewBudget creates a budgeted allocator.
func NewBudget(limit int64) (*Budget, error) {
	if limit < 0 {
		return nil, fmt.Errorf("memory limit must not be negative, got %d", limit)
	}
	return &Budget{
		limit: limit,
		live:  make(map[uint64]int64),
		stats: Stats{Limit: limit},
	}, nil
}

// RoundUp returns size rounded up to a whole number of words.
func RoundUp(size int64) int64 {
	return (size + WordSize - 1) / WordSize * WordSize
}

// Allocate reserves size bytes, rounded up to whole words. It returns
// ErrOutOfMemory when the request exceeds the remaining budget.
func (a *Budget) Allocate(size int64) (*Block, error) {
	if size < 0 {
		return nil, fmt.Errorf("invalid allocation size %d", size)
	}
	size = RoundUp(size)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.limit > 0 && a.stats.InUse+size > a.limit {
		a.stats.Failures++
		return nil, fmt.Errorf("allocate %d bytes (in use %d of %d): %w", size, a.stats.InUse, a.limit, ErrOutOfMemory)
	}

	a.next++
	b := &Block{
		Addr: a.next,
		Size: size,
		Data: make([]float64, size/WordSize),
	}
	a.live[b.Addr] = size
	a.stats.InUse += size
	a.stats.Allocs++
	if a.stats.InUse > a.stats.Peak {
		a.stats.Peak = a.stats.InUse
	}
	return b, nil
}

// Deallocate returns a block to the budget. Freeing a block twice, or a
// block from another allocator, is a programming error and panics.
func (a *Budget) Deallocate(b *Block) {
	if b == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	size, ok := a.live[b.Addr]
	if !ok {
		panic(fmt.Sprintf("alloc: deallocate of unknown block %d", b.Addr))
	}
	delete(a.live, b.Addr)
	a.stats.InUse -= size
	a.stats.Frees++
}

// Stats returns a snapshot of the allocator's counters.
func (a *Budget) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Available returns the number of unreserved bytes, or -1 when unlimited.
func (a *Budget) Available() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.limit == 0 {
		return -1
	}
	return a.limit - a.stats.InUse
}
