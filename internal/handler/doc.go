// Package handler serves one client connection against a chosen backend.
//
// The client sends a single newline-terminated line, which is logged and not
// interpreted. The handler then fetches the backend's root path and writes
// either the backend's status line and body or a short service error, and
// closes the connection.
package handler
