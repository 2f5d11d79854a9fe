// Package httpserver runs the admin HTTP listener with address validation
// and graceful shutdown.
package httpserver
