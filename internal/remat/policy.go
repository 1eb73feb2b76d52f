package remat

import (
	"fmt"
	"math"

	"github.com/vk/flowvm/internal/slot"
)

// Candidate is what a Policy sees of an eviction candidate.
type Candidate struct {
	Slot  slot.ID
	Name  string
	Bytes int64
	// Cost is the estimated recompute cost recorded at the last compute.
	Cost float64
	// Staleness is the logical time since the last access, plus one.
	Staleness float64
}

// Policy scores eviction candidates. The candidate with the lowest score is
// evicted first.
type Policy interface {
	Name() string
	Score(c Candidate) float64
}

// DTR weighs recompute cost against size and staleness:
// cost^CostWeight / (bytes^SizeWeight * staleness^StalenessWeight).
type DTR struct {
	CostWeight      float64
	SizeWeight      float64
	StalenessWeight float64
}

// DefaultDTR returns the unweighted heuristic.
func DefaultDTR() *DTR {
	return &DTR{CostWeight: 1, SizeWeight: 1, StalenessWeight: 1}
}

func (p *DTR) Name() string { return "dtr" }

func (p *DTR) Score(c Candidate) float64 {
	num := math.Pow(c.Cost, p.CostWeight)
	den := math.Pow(float64(c.Bytes), p.SizeWeight) * math.Pow(c.Staleness, p.StalenessWeight)
	if den == 0 {
		return math.Inf(1)
	}
	return num / den
}

// LRU evicts the least recently accessed value.
type LRU struct{}

func (LRU) Name() string { return "lru" }

func (LRU) Score(c Candidate) float64 { return -c.Staleness }

// Largest evicts the biggest value.
type Largest struct{}

func (Largest) Name() string { return "size" }

func (Largest) Score(c Candidate) float64 { return -float64(c.Bytes) }

// ParsePolicy resolves a policy by name. Weights only apply to "dtr"; zero
// weights are replaced by 1.
func ParsePolicy(name string, costW, sizeW, staleW float64) (Policy, error) {
	switch name {
	case "", "dtr":
		p := DefaultDTR()
		if costW != 0 {
			p.CostWeight = costW
		}
		if sizeW != 0 {
			p.SizeWeight = sizeW
		}
		if staleW != 0 {
			p.StalenessWeight = staleW
		}
		return p, nil
	case "lru":
		return LRU{}, nil
	case "size":
		return Largest{}, nil
	default:
		return nil, fmt.Errorf("unknown eviction policy '%s' (want dtr, lru or size)", name)
	}
}
