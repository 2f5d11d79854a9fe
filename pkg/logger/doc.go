// Package logger builds the structured slog loggers passed to every
// component. Text output in dev and staging, JSON in prod; each component
// receives a child logger tagged with its name.
package logger
