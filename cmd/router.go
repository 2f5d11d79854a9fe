package main

import (
	"encoding/json"
	"net/http"

	"github.com/angeloszaimis/tcp-load-balancer/internal/metrics"
	"github.com/angeloszaimis/tcp-load-balancer/internal/registry"
	"github.com/angeloszaimis/tcp-load-balancer/internal/strategy"
)

type backendView struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Weight  int    `json:"weight"`
	Healthy bool   `json:"healthy"`
}

type healthView struct {
	Status   string `json:"status"`
	Healthy  int    `json:"healthy_backends"`
	Backends int    `json:"backends"`
}

func setupRouter(collector *metrics.Collector, reg *registry.Registry, kind strategy.Kind) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", collector.PrometheusHandler())
	mux.HandleFunc("GET /stats", collector.StatsHandler(string(kind)))
	mux.HandleFunc("GET /backends", backendsHandler(reg))
	mux.HandleFunc("GET /healthz", healthzHandler(reg))

	return mux
}

func backendsHandler(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list := reg.List()
		views := make([]backendView, 0, len(list))
		for _, b := range list {
			views = append(views, backendView{Host: b.Host, Port: b.Port, Weight: b.Weight, Healthy: b.Healthy})
		}

		writeJSON(w, http.StatusOK, views)
	}
}

// healthzHandler answers 200 while at least one backend is healthy and 503
// otherwise.
func healthzHandler(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list := reg.List()

		view := healthView{Status: "ok", Backends: len(list)}
		for _, b := range list {
			if b.Healthy {
				view.Healthy++
			}
		}

		status := http.StatusOK
		if view.Healthy == 0 {
			view.Status = "unavailable"
			status = http.StatusServiceUnavailable
		}

		writeJSON(w, status, view)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
