//go:build ignore

// Backend is a small HTTP server to put behind the load balancer. It answers
// GET / with a configurable status and a body naming itself, which is what
// both the health monitor and proxied client connections request.
//
// Usage:
//
//	go run scripts/backend.go --port 7076
//	go run scripts/backend.go --port 7077 --status 503 --name broken
//	go run scripts/backend.go --port 7078 --delay 200ms
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/angeloszaimis/tcp-load-balancer/pkg/logger"
)

func main() {
	port := pflag.Int("port", 7076, "port to listen on")
	status := pflag.Int("status", http.StatusOK, "status code answered on /")
	name := pflag.String("name", "", "name reported in the body (defaults to backend-<port>)")
	delay := pflag.Duration("delay", 0, "artificial latency per request")
	pflag.Parse()

	if *name == "" {
		*name = fmt.Sprintf("backend-%d", *port)
	}

	log := logger.New("info", false, "dev").With(slog.String("backend", *name))

	var served atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		if *delay > 0 {
			time.Sleep(*delay)
		}

		n := served.Add(1)
		id := uuid.NewString()

		log.Info("request",
			slog.String("from", r.RemoteAddr),
			slog.String("request_id", id),
			slog.Int64("served", n))

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(*status)
		fmt.Fprintf(w, "%s request=%s served=%d", *name, id, n)
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Info("starting backend", slog.String("address", addr), slog.Int("status", *status))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		log.Error("server failed", slog.Any("err", err))
		os.Exit(1)
	}
}
