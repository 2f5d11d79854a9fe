package strategy

import (
	"sync"

	"github.com/angeloszaimis/tcp-load-balancer/internal/backend"
)

// WeightedRoundRobin serves each backend weight consecutive times before the
// cursor moves on (bursts, not smooth interleaving).
//
// The backend count and the weight sum are captured at construction; build a
// new instance if the backend set changes.
type WeightedRoundRobin struct {
	source      Source
	mutex       sync.Mutex
	total       int
	sumWeights  int
	current     uint64
	weightCount int
}

func NewWeightedRoundRobin(source Source) *WeightedRoundRobin {
	sum := 0
	for _, b := range source.List() {
		sum += effectiveWeight(b)
	}

	return &WeightedRoundRobin{
		source:     source,
		total:      source.Count(),
		sumWeights: sum,
	}
}

// Next derives weighted indexes until a healthy backend turns up. Each
// unhealthy candidate adds its weight to a skip budget; once the budget
// reaches the weight sum, Next gives up. A heavy unhealthy backend can use up
// the budget before lighter ones are reached.
func (w *WeightedRoundRobin) Next() (backend.Backend, bool) {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.total == 0 {
		return backend.Backend{}, false
	}

	skipped := 0
	for skipped < w.sumWeights {
		next, err := w.nextWeighted()
		if err != nil {
			return backend.Backend{}, false
		}

		if next.Healthy {
			return next, true
		}

		skipped += effectiveWeight(next)
	}

	return backend.Backend{}, false
}

func (w *WeightedRoundRobin) nextWeighted() (backend.Backend, error) {
	candidate, err := w.source.Get(w.index())
	if err != nil {
		return backend.Backend{}, err
	}

	// budget of the current index used up: move on
	if candidate.Weight > 1 && w.weightCount >= candidate.Weight {
		w.advance()
		if candidate, err = w.source.Get(w.index()); err != nil {
			return backend.Backend{}, err
		}
	}

	if candidate.Weight > 1 {
		w.weightCount++
	} else {
		w.advance()
	}

	return candidate, nil
}

func (w *WeightedRoundRobin) index() int {
	return int(w.current % uint64(w.total))
}

func (w *WeightedRoundRobin) advance() {
	w.current++
	w.weightCount = 0
}

func (w *WeightedRoundRobin) Kind() Kind {
	return KindWeightedRoundRobin
}

func effectiveWeight(b backend.Backend) int {
	if b.Weight < 1 {
		return 1
	}
	return b.Weight
}
