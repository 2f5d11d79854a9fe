package metrics

import (
	"encoding/json"
	"net/http"
)

// StatsHandler serves the JSON snapshot. strategy labels the snapshot with
// the active selection strategy.
func (c *Collector) StatsHandler(strategy string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := c.metrics.Snapshot(strategy)

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snap); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
}
