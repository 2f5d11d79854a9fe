// Package strategy implements the backend selection algorithms:
//
//   - Round Robin: strict cyclic order, skipping unhealthy backends
//   - Weighted Round Robin: each backend served weight consecutive times per cycle
//
// Strategies walk a Source (the backend registry) with a cursor owned by the
// strategy instance. Next reports false when no healthy backend is found.
// Strategies are selected by Kind through a constructor table.
package strategy
