// Package selector implements weighted round-robin backend selection shared
// by both proxy modes.
package selector

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/clusterlb/clusterlb/internal/registry"
)

// ErrNoCandidates is returned when the candidate list is empty. Callers must
// propagate it rather than silently degrading to a random choice.
var ErrNoCandidates = errors.New("no healthy backend available")

// Weighted is a stateful weighted round-robin selector. A single logical
// cursor is shared across calls to realise weight shares over time; it is
// safe for concurrent use.
type Weighted struct {
	mu     sync.Mutex
	cursor uint64
}

// New returns a fresh selector with its cursor at zero.
func New() *Weighted {
	return &Weighted{}
}

// Select chooses one backend from candidates under weighted round-robin.
// Candidates are sorted by id first so that ties (and the weight-boundary
// walk below) resolve deterministically regardless of input order.
func (w *Weighted) Select(candidates []registry.Backend) (registry.Backend, error) {
	if len(candidates) == 0 {
		return registry.Backend{}, ErrNoCandidates
	}

	sorted := append([]registry.Backend(nil), candidates...)
	slices.SortFunc(sorted, func(a, b registry.Backend) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		default:
			return 0
		}
	})

	var totalWeight uint64
	for _, b := range sorted {
		weight := b.Weight
		if weight < 1 {
			weight = 1
		}
		totalWeight += uint64(weight)
	}

	if totalWeight == 0 {
		// Unreachable in practice (weight is clamped to >=1 above), kept as a
		// defensive fallback to plain round-robin.
		w.mu.Lock()
		idx := w.cursor % uint64(len(sorted))
		w.cursor++
		w.mu.Unlock()
		return sorted[idx], nil
	}

	w.mu.Lock()
	position := w.cursor % totalWeight
	w.cursor++
	w.mu.Unlock()

	var cumulative uint64
	for _, b := range sorted {
		weight := b.Weight
		if weight < 1 {
			weight = 1
		}
		cumulative += uint64(weight)
		if position < cumulative {
			return b, nil
		}
	}

	// Unreachable: position < totalWeight always hits the loop above.
	return sorted[len(sorted)-1], nil
}
