// Package registry holds the ordered, fixed-size set of configured backends
// and their current health.
//
// All reads and writes go through a single mutex. Lists handed out are
// copies; the only way to change registry state is UpdateHealth, which
// matches entries by host:port identity.
package registry
