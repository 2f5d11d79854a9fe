// Package healthcheck implements the periodic health monitor. Each sweep
// probes every registered backend with an HTTP GET on its root path, writes
// the result back to the registry and notifies subscribed observers once per
// backend, right after that backend was checked.
package healthcheck
