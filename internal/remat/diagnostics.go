package remat

import (
	"sort"

	"github.com/vk/flowvm/internal/slot"
)

// TensorInfo is a point-in-time view of one tensor.
type TensorInfo struct {
	Slot       slot.ID `json:"slot"`
	Name       string  `json:"name"`
	Shape      []int   `json:"shape"`
	Bytes      int64   `json:"bytes"`
	Resident   bool    `json:"resident"`
	Pins       int     `json:"pins"`
	Evictable  bool    `json:"evictable"`
	Released   bool    `json:"released"`
	Producer   string  `json:"producer,omitempty"`
	Cost       float64 `json:"cost"`
	LastAccess float64 `json:"last_access"`
	Score      float64 `json:"score,omitempty"`
}

// Snapshot is the pool's diagnostic view.
type Snapshot struct {
	Policy   string       `json:"policy"`
	Clock    float64      `json:"clock"`
	Stats    Stats        `json:"stats"`
	Resident []TensorInfo `json:"resident"`
	// Candidates are ordered by eviction preference, first to go first.
	Candidates []TensorInfo `json:"candidates"`
}

// Info returns the current state of a tensor.
func (p *Pool) Info(t *Tensor) TensorInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.infoLocked(t)
}

func (p *Pool) infoLocked(t *Tensor) TensorInfo {
	info := TensorInfo{
		Slot:       t.slot,
		Name:       t.name,
		Shape:      t.Shape(),
		Bytes:      t.bytes,
		Resident:   t.resident(),
		Pins:       t.pins,
		Evictable:  t.evictable && !t.frozen,
		Released:   t.released,
		Cost:       t.cost,
		LastAccess: t.lastAccess,
	}
	if t.producer != nil {
		info.Producer = t.producer.Name()
	}
	return info
}

// Snapshot lists the resident set and the eviction candidates.
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := Snapshot{
		Policy: p.cfg.Policy.Name(),
		Clock:  p.clock,
		Stats:  p.stats,
	}
	for _, t := range p.tensors {
		if !t.resident() {
			continue
		}
		info := p.infoLocked(t)
		snap.Resident = append(snap.Resident, info)
		if t.candidate() {
			info.Score = p.cfg.Policy.Score(p.candidateOf(t))
			snap.Candidates = append(snap.Candidates, info)
		}
	}
	sort.Slice(snap.Resident, func(i, j int) bool { return snap.Resident[i].Slot < snap.Resident[j].Slot })
	sort.Slice(snap.Candidates, func(i, j int) bool {
		a, b := snap.Candidates[i], snap.Candidates[j]
		if a.Score != b.Score {
			return a.Score < b.Score
		}
		return a.Slot < b.Slot
	})
	return snap
}
