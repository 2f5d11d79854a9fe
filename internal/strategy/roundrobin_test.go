package strategy_test

import (
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/tcp-load-balancer/internal/backend"
	"github.com/angeloszaimis/tcp-load-balancer/internal/registry"
	"github.com/angeloszaimis/tcp-load-balancer/internal/strategy"
)

var _ = Describe("RoundRobin", func() {
	var (
		reg   *registry.Registry
		strat strategy.Strategy
	)

	Context("with all healthy backends", func() {
		BeforeEach(func() {
			reg = registry.New([]backend.Backend{
				backend.New("localhost", 8081, 1, true),
				backend.New("localhost", 8082, 1, true),
				backend.New("localhost", 8083, 1, true),
			})
			strat = strategy.NewRoundRobin(reg)
		})

		It("should cycle through backends in order", func() {
			for _, port := range []int{8081, 8082, 8083, 8081} {
				b, ok := strat.Next()
				Expect(ok).To(BeTrue())
				Expect(b.Port).To(Equal(port))
			}
		})

		It("should distribute load evenly", func() {
			counts := make(map[int]int)
			for i := 0; i < 300; i++ {
				b, ok := strat.Next()
				Expect(ok).To(BeTrue())
				counts[b.Port]++
			}
			Expect(counts[8081]).To(Equal(100))
			Expect(counts[8082]).To(Equal(100))
			Expect(counts[8083]).To(Equal(100))
		})

		It("should not double-issue under concurrent callers", func() {
			var (
				wg     sync.WaitGroup
				mutex  sync.Mutex
				counts = make(map[int]int)
			)

			for g := 0; g < 10; g++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < 30; i++ {
						b, ok := strat.Next()
						if !ok {
							continue
						}
						mutex.Lock()
						counts[b.Port]++
						mutex.Unlock()
					}
				}()
			}
			wg.Wait()

			Expect(counts).To(Equal(map[int]int{8081: 100, 8082: 100, 8083: 100}))
		})
	})

	Context("with an empty registry", func() {
		It("should return none", func() {
			strat = strategy.NewRoundRobin(registry.New(nil))
			_, ok := strat.Next()
			Expect(ok).To(BeFalse())
		})
	})

	Context("with a single backend", func() {
		It("should always return a healthy backend", func() {
			strat = strategy.NewRoundRobin(registry.New([]backend.Backend{
				backend.New("localhost", 7076, 1, true),
			}))

			for i := 0; i < 5; i++ {
				b, ok := strat.Next()
				Expect(ok).To(BeTrue())
				Expect(b.Port).To(Equal(7076))
			}
		})

		It("should always return none for an unhealthy backend", func() {
			strat = strategy.NewRoundRobin(registry.New([]backend.Backend{
				backend.New("localhost", 7076, 1, false),
			}))

			for i := 0; i < 5; i++ {
				_, ok := strat.Next()
				Expect(ok).To(BeFalse())
			}
		})
	})

	Context("with unhealthy backends", func() {
		var source *countingSource

		BeforeEach(func() {
			source = &countingSource{Registry: registry.New([]backend.Backend{
				backend.New("localhost", 8081, 1, true),
				backend.New("localhost", 8082, 1, false),
				backend.New("localhost", 8083, 1, true),
			})}
			strat = strategy.NewRoundRobin(source)
		})

		It("should skip them", func() {
			counts := make(map[int]int)
			for i := 0; i < 100; i++ {
				b, ok := strat.Next()
				Expect(ok).To(BeTrue())
				counts[b.Port]++
			}
			Expect(counts[8082]).To(Equal(0))
			Expect(counts[8081]).To(Equal(50))
			Expect(counts[8083]).To(Equal(50))
		})

		It("should try every backend exactly once when all are down", func() {
			for _, port := range []int{8081, 8083} {
				_, err := source.UpdateHealth(&backend.Backend{Host: "localhost", Port: port, Healthy: false})
				Expect(err).NotTo(HaveOccurred())
			}

			_, ok := strat.Next()
			Expect(ok).To(BeFalse())
			Expect(source.gets).To(Equal(3))
		})

		It("should pick up recovered backends", func() {
			_, err := source.UpdateHealth(&backend.Backend{Host: "localhost", Port: 8082, Healthy: true})
			Expect(err).NotTo(HaveOccurred())

			ports := []int{}
			for i := 0; i < 3; i++ {
				b, ok := strat.Next()
				Expect(ok).To(BeTrue())
				ports = append(ports, b.Port)
			}
			Expect(ports).To(Equal([]int{8081, 8082, 8083}))
		})
	})
})

// countingSource records how many indexed lookups a strategy made.
type countingSource struct {
	*registry.Registry
	gets int
}

func (c *countingSource) Get(i int) (backend.Backend, error) {
	c.gets++
	return c.Registry.Get(i)
}
