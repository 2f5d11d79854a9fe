package strategy

import (
	"errors"
	"fmt"
	"sort"

	"github.com/angeloszaimis/tcp-load-balancer/internal/backend"
)

// ErrUnknownKind is returned for a strategy name with no constructor.
var ErrUnknownKind = errors.New("strategy: unknown kind")

// Kind names a selection algorithm.
type Kind string

const (
	KindRoundRobin         Kind = "round-robin"
	KindWeightedRoundRobin Kind = "weighted-round-robin"
)

// Source is the read side of the backend registry.
type Source interface {
	Count() int
	Get(i int) (backend.Backend, error)
	List() []backend.Backend
}

type Strategy interface {
	// Next returns the next healthy backend, or false when none is available.
	Next() (backend.Backend, bool)
	Kind() Kind
}

var constructors = map[Kind]func(Source) Strategy{
	KindRoundRobin:         func(s Source) Strategy { return NewRoundRobin(s) },
	KindWeightedRoundRobin: func(s Source) Strategy { return NewWeightedRoundRobin(s) },
}

// Kinds lists every registered kind in lexical order.
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(constructors))
	for k := range constructors {
		kinds = append(kinds, k)
	}

	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// ParseKind maps a configured name to a Kind. Matching is exact.
func ParseKind(name string) (Kind, error) {
	kind := Kind(name)
	if _, ok := constructors[kind]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, name)
	}
	return kind, nil
}

// New builds the strategy registered for kind over source.
func New(kind Kind, source Source) (Strategy, error) {
	ctor, ok := constructors[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return ctor(source), nil
}

func (k Kind) String() string {
	return string(k)
}
