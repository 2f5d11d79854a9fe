package handler

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/angeloszaimis/tcp-load-balancer/internal/backend"
	"github.com/angeloszaimis/tcp-load-balancer/internal/metrics"
	"github.com/angeloszaimis/tcp-load-balancer/pkg/logger"
)

// maxLineLength caps how much of the client's line is read.
const maxLineLength = 64 * 1024

type ConnectionHandler struct {
	fetcher       backend.Fetcher
	events        metrics.Emitter
	logger        *slog.Logger
	clientTimeout time.Duration
}

// NewConnectionHandler builds a handler. A nil events emitter discards
// events. clientTimeout bounds both reading the request line and writing
// the reply; <= 0 disables both deadlines.
func NewConnectionHandler(fetcher backend.Fetcher, events metrics.Emitter, log *slog.Logger, clientTimeout time.Duration) *ConnectionHandler {
	if events == nil {
		events = metrics.Discard{}
	}

	return &ConnectionHandler{
		fetcher:       fetcher,
		events:        events,
		logger:        logger.WithComponent(log, "handler"),
		clientTimeout: clientTimeout,
	}
}

// Handle proxies one exchange between conn and b. conn is always closed.
func (h *ConnectionHandler) Handle(ctx context.Context, conn net.Conn, b backend.Backend) {
	log := h.logger.With(
		slog.String("conn_id", ConnID(ctx)),
		slog.String("client", remoteAddr(conn)),
		slog.String("backend", b.Address()))

	defer func() {
		if r := recover(); r != nil {
			log.Error("Connection handler panicked", slog.Any("panic", r))
		}
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Debug("Failed to close client connection", slog.Any("err", err))
		}
		log.Debug("Connection closed")
	}()

	h.readRequest(conn, log)

	log.Debug("Proxying to backend")

	start := time.Now()
	res, err := h.fetcher.Get(ctx, b.Host, b.Port)
	duration := time.Since(start)

	var (
		reply      string
		statusCode int
	)

	switch {
	case err != nil:
		statusCode = http.StatusBadGateway
		reply = serviceError(statusCode)
		log.Error("Backend request failed", slog.Any("err", err))
	case res == nil:
		statusCode = http.StatusBadGateway
		reply = serviceError(statusCode)
		log.Error("Backend returned no response")
	case res.Success():
		statusCode = res.StatusCode
		reply = fmt.Sprintf("\nResponse from server: %s\n\n%s\n", res.StatusLine(), res.Body)
	default:
		statusCode = res.StatusCode
		reply = serviceError(statusCode)
		log.Warn("Backend answered with an error", slog.Int("status", statusCode))
	}

	h.events.Emit(metrics.MetricEvent{
		Type:       metrics.EventResponseCompleted,
		Backend:    b.Address(),
		Duration:   duration,
		StatusCode: statusCode,
	})

	if h.clientTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(h.clientTimeout))
	}

	if _, err := io.WriteString(conn, reply); err != nil {
		log.Error("Failed to write response to client", slog.Any("err", err))
		return
	}

	log.Info("Response sent",
		slog.Int("status", statusCode),
		slog.Duration("duration", duration))
}

func (h *ConnectionHandler) readRequest(conn net.Conn, log *slog.Logger) {
	if h.clientTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(h.clientTimeout))
	}

	reader := bufio.NewReader(io.LimitReader(conn, maxLineLength))
	line, err := reader.ReadString('\n')
	if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
		log.Error("Unable to read client data stream", slog.Any("err", err))
		return
	}

	log.Info("Received request", slog.String("request", strings.TrimRight(line, "\r\n")))
}

func serviceError(statusCode int) string {
	return fmt.Sprintf("Backend Service Error: %d\n", statusCode)
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
