package loadbalancer

import (
	"errors"
	"sync"

	"github.com/angeloszaimis/tcp-load-balancer/internal/backend"
	"github.com/angeloszaimis/tcp-load-balancer/internal/strategy"
)

var ErrNoHealthyBackend = errors.New("no healthy backends")

// LoadBalancer serializes backend selection so that concurrent connections
// never see the strategy cursor skip or repeat an index.
type LoadBalancer struct {
	strategy strategy.Strategy
	mutex    sync.Mutex
}

func NewLoadBalancer(strategy strategy.Strategy) *LoadBalancer {
	return &LoadBalancer{
		strategy: strategy,
		mutex:    sync.Mutex{},
	}
}

// Next returns the next healthy backend chosen by the strategy.
func (lb *LoadBalancer) Next() (backend.Backend, error) {
	lb.mutex.Lock()
	chosen, ok := lb.strategy.Next()
	lb.mutex.Unlock()

	if !ok {
		return backend.Backend{}, ErrNoHealthyBackend
	}

	return chosen, nil
}

func (lb *LoadBalancer) LoadBalancerStrategy() strategy.Strategy {
	return lb.strategy
}
