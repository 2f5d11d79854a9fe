package backend

import (
	"net"
	"strconv"
)

// Backend describes one downstream server.
type Backend struct {
	Host    string
	Port    int
	Weight  int
	Healthy bool
}

// New creates a Backend with the given identity, weight and initial health.
func New(host string, port, weight int, healthy bool) Backend {
	return Backend{
		Host:    host,
		Port:    port,
		Weight:  weight,
		Healthy: healthy,
	}
}

// SameAs reports whether b and other refer to the same server.
func (b Backend) SameAs(other Backend) bool {
	return b.Host == other.Host && b.Port == other.Port
}

// Address returns the host:port form of the backend.
func (b Backend) Address() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// WithHealth returns a copy of b carrying the given health flag.
func (b Backend) WithHealth(healthy bool) Backend {
	b.Healthy = healthy
	return b
}

func (b Backend) String() string {
	return b.Address()
}
