package dispatcher_test

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/angeloszaimis/tcp-load-balancer/internal/backend"
	"github.com/angeloszaimis/tcp-load-balancer/internal/dispatcher"
	"github.com/angeloszaimis/tcp-load-balancer/internal/handler"
	"github.com/angeloszaimis/tcp-load-balancer/internal/loadbalancer"
	"github.com/angeloszaimis/tcp-load-balancer/internal/registry"
	"github.com/angeloszaimis/tcp-load-balancer/internal/strategy"
	"github.com/angeloszaimis/tcp-load-balancer/pkg/logger"
)

var _ = Describe("Dispatcher", func() {
	var (
		servers []*ghttp.Server
		reg     *registry.Registry
		d       *dispatcher.Dispatcher
		ctx     context.Context
		cancel  context.CancelFunc
		served  chan error
	)

	newBackendServer := func(status int, body string) backend.Backend {
		server := ghttp.NewServer()
		server.SetAllowUnhandledRequests(true)
		server.RouteToHandler(http.MethodGet, "/", ghttp.RespondWith(status, body))
		servers = append(servers, server)

		host, port := splitAddr(server.Addr())
		return backend.New(host, port, 1, true)
	}

	build := func(opts dispatcher.Options, h dispatcher.ConnectionHandler, backends ...backend.Backend) {
		reg = registry.New(backends)
		strat, err := strategy.New(strategy.KindRoundRobin, reg)
		Expect(err).NotTo(HaveOccurred())

		if h == nil {
			h = handler.NewConnectionHandler(backend.NewHTTPClient(time.Second), nil, logger.Discard(), time.Second)
		}

		opts.Address = "127.0.0.1:0"
		d = dispatcher.New(opts, reg, loadbalancer.NewLoadBalancer(strat), h, nil, logger.Discard())
	}

	start := func() {
		Expect(d.Listen()).To(Succeed())
		served = make(chan error, 1)
		go func() { served <- d.Serve(ctx) }()
	}

	request := func(line string) string {
		conn, err := net.Dial("tcp", d.Addr().String())
		Expect(err).NotTo(HaveOccurred())
		defer conn.Close()

		_, err = io.WriteString(conn, line)
		Expect(err).NotTo(HaveOccurred())

		Expect(conn.SetReadDeadline(time.Now().Add(5 * time.Second))).To(Succeed())
		reply, err := io.ReadAll(conn)
		Expect(err).NotTo(HaveOccurred())
		return string(reply)
	}

	// dialSilent connects without sending anything, so an early close from the
	// dispatcher is a clean EOF rather than a reset.
	dialSilent := func() string {
		conn, err := net.Dial("tcp", d.Addr().String())
		Expect(err).NotTo(HaveOccurred())
		defer conn.Close()

		Expect(conn.SetReadDeadline(time.Now().Add(5 * time.Second))).To(Succeed())
		reply, err := io.ReadAll(conn)
		Expect(err).NotTo(HaveOccurred())
		return string(reply)
	}

	BeforeEach(func() {
		servers = nil
		ctx, cancel = context.WithCancel(context.Background())
	})

	AfterEach(func() {
		cancel()
		if served != nil {
			Eventually(served).Should(Receive())
			served = nil
		}
		for _, s := range servers {
			s.Close()
		}
	})

	Context("proxying", func() {
		It("should relay a 200 answer", func() {
			build(dispatcher.Options{}, nil, newBackendServer(http.StatusOK, "hello"))
			start()

			reply := request("hi\n")
			Expect(reply).To(HavePrefix("\nResponse from server:"))
			Expect(reply).To(ContainSubstring("200"))
			Expect(reply).To(ContainSubstring("hello"))
		})

		It("should relay a 404 answer as a service error", func() {
			build(dispatcher.Options{}, nil, newBackendServer(http.StatusNotFound, "nope"))
			start()

			Expect(request("hi\n")).To(Equal("Backend Service Error: 404\n"))
		})

		It("should rotate across backends", func() {
			build(dispatcher.Options{}, nil,
				newBackendServer(http.StatusOK, "one"),
				newBackendServer(http.StatusOK, "two"),
			)
			start()

			Expect(request("a\n")).To(ContainSubstring("one"))
			Expect(request("b\n")).To(ContainSubstring("two"))
			Expect(request("c\n")).To(ContainSubstring("one"))
		})
	})

	Context("without a healthy backend", func() {
		It("should close the connection without writing", func() {
			b := newBackendServer(http.StatusOK, "hello")
			build(dispatcher.Options{}, nil, b.WithHealth(false))
			start()

			Expect(dialSilent()).To(BeEmpty())
		})

		It("should close the connection for an empty registry", func() {
			build(dispatcher.Options{}, nil)
			start()

			Expect(dialSilent()).To(BeEmpty())
		})
	})

	Describe("Update", func() {
		It("should forward health changes to the registry", func() {
			b := newBackendServer(http.StatusOK, "hello")
			build(dispatcher.Options{}, nil, b)
			start()

			d.Update(b.WithHealth(false))
			Expect(reg.List()[0].Healthy).To(BeFalse())
			Expect(dialSilent()).To(BeEmpty())

			d.Update(b.WithHealth(true))
			Expect(request("hi\n")).To(ContainSubstring("hello"))
		})

		It("should ignore unknown backends", func() {
			b := newBackendServer(http.StatusOK, "hello")
			build(dispatcher.Options{}, nil, b)

			d.Update(backend.New("elsewhere", 1, 1, false))
			Expect(reg.List()[0].Healthy).To(BeTrue())
		})
	})

	Describe("lifecycle", func() {
		It("should move from idle to listening to stopped", func() {
			build(dispatcher.Options{}, nil)
			Expect(d.State()).To(Equal(dispatcher.StateIdle))
			Expect(d.Addr()).To(BeNil())

			start()
			Expect(d.State()).To(Equal(dispatcher.StateListening))
			Expect(d.Addr()).NotTo(BeNil())

			cancel()
			Eventually(served).Should(Receive(BeNil()))
			served = nil
			Expect(d.State()).To(Equal(dispatcher.StateStopped))
			Expect(d.State().String()).To(Equal("stopped"))
		})

		It("should refuse to listen twice", func() {
			build(dispatcher.Options{}, nil)
			start()

			Expect(d.Listen()).To(MatchError(dispatcher.ErrAlreadyListening))
		})

		It("should refuse to serve before listening", func() {
			build(dispatcher.Options{}, nil)
			Expect(d.Serve(ctx)).To(MatchError(dispatcher.ErrNotListening))
		})

		It("should report a bind failure", func() {
			occupied, err := net.Listen("tcp", "127.0.0.1:0")
			Expect(err).NotTo(HaveOccurred())
			defer occupied.Close()

			d = dispatcher.New(dispatcher.Options{Address: occupied.Addr().String()},
				registry.New(nil), nil, nil, nil, logger.Discard())
			Expect(d.Run(ctx)).To(HaveOccurred())
			Expect(d.State()).To(Equal(dispatcher.StateIdle))
		})

		It("should wait for in-flight connections on shutdown", func() {
			release := make(chan struct{})
			stub := &blockingHandler{release: release}

			build(dispatcher.Options{}, stub, backend.New("localhost", 1, 1, true))
			start()

			conn, err := net.Dial("tcp", d.Addr().String())
			Expect(err).NotTo(HaveOccurred())
			defer conn.Close()

			Eventually(stub.Active).Should(Equal(int32(1)))

			cancel()
			Consistently(served, 100*time.Millisecond).ShouldNot(Receive())

			close(release)
			Eventually(served).Should(Receive(BeNil()))
			served = nil
		})
	})

	Describe("admission control", func() {
		It("should bound concurrently served connections", func() {
			release := make(chan struct{})
			stub := &blockingHandler{release: release}

			build(dispatcher.Options{MaxInFlight: 1}, stub, backend.New("localhost", 1, 1, true))
			start()

			var conns []net.Conn
			for i := 0; i < 3; i++ {
				conn, err := net.Dial("tcp", d.Addr().String())
				Expect(err).NotTo(HaveOccurred())
				conns = append(conns, conn)
			}
			defer func() {
				for _, c := range conns {
					c.Close()
				}
			}()

			Eventually(stub.Active).Should(Equal(int32(1)))
			Consistently(stub.Active, 100*time.Millisecond).Should(Equal(int32(1)))

			close(release)
			Eventually(stub.Served).Should(Equal(int32(3)))
			Expect(stub.MaxActive()).To(Equal(int32(1)))
		})

		It("should keep serving under an accept rate", func() {
			build(dispatcher.Options{AcceptRate: 100, AcceptBurst: 1}, nil, newBackendServer(http.StatusOK, "hello"))
			start()

			for i := 0; i < 3; i++ {
				Expect(request("hi\n")).To(ContainSubstring("hello"))
			}
		})
	})
})

// blockingHandler holds each connection until release is closed.
type blockingHandler struct {
	release chan struct{}

	active    atomic.Int32
	served    atomic.Int32
	mutex     sync.Mutex
	maxActive int32
}

func (b *blockingHandler) Handle(ctx context.Context, conn net.Conn, _ backend.Backend) {
	defer conn.Close()

	n := b.active.Add(1)
	b.mutex.Lock()
	if n > b.maxActive {
		b.maxActive = n
	}
	b.mutex.Unlock()

	<-b.release

	b.active.Add(-1)
	b.served.Add(1)
}

func (b *blockingHandler) Active() int32 { return b.active.Load() }

func (b *blockingHandler) Served() int32 { return b.served.Load() }

func (b *blockingHandler) MaxActive() int32 {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.maxActive
}

func splitAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		panic(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		panic(err)
	}
	return host, port
}
