package handlers

import (
	"net/http"
)

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Health() error
}

// HealthHandler reports liveness including database reachability
func HealthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.Health(); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}
}
