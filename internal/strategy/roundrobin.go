package strategy

import (
	"sync"

	"github.com/angeloszaimis/tcp-load-balancer/internal/backend"
)

// RoundRobin hands out backends in registry order, skipping unhealthy ones.
type RoundRobin struct {
	source  Source
	mutex   sync.Mutex
	current uint64
}

func NewRoundRobin(source Source) *RoundRobin {
	return &RoundRobin{
		source: source,
	}
}

// Next tries at most Count candidates starting at the cursor. The cursor
// always moves past every candidate it looked at.
func (rr *RoundRobin) Next() (backend.Backend, bool) {
	rr.mutex.Lock()
	defer rr.mutex.Unlock()

	total := rr.source.Count()
	if total == 0 {
		return backend.Backend{}, false
	}

	unhealthy := 0
	for unhealthy < total {
		index := int(rr.current % uint64(total))
		rr.current++

		next, err := rr.source.Get(index)
		if err != nil {
			return backend.Backend{}, false
		}

		if next.Healthy {
			return next, true
		}

		unhealthy++
	}

	return backend.Backend{}, false
}

func (rr *RoundRobin) Kind() Kind {
	return KindRoundRobin
}
