// Package backend defines the backend server descriptor shared by the
// registry, the selection strategies and the health monitor, together with
// the HTTP capability used to reach a backend.
//
// A Backend is a plain value. Identity is the host:port pair; weight and
// health never take part in comparisons.
package backend
