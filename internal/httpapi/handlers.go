package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/DoyleJ11/battleship-rooms/internal/registry"
	"github.com/DoyleJ11/battleship-rooms/internal/relay"
)

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type readiness struct {
	Rooms       int `json:"rooms"`
	Waiting     int `json:"waiting"`
	Paired      int `json:"paired"`
	Connections int `json:"connections"`
	Dropped     int `json:"dropped"`
}

// Readyz answers once both the registry and the relay respond.
func Readyz(reg *registry.Registry, rl *relay.Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rs, err := reg.Stats(r.Context())
		if err != nil {
			http.Error(w, "registry unavailable", http.StatusServiceUnavailable)
			return
		}
		ls, ok := rl.Stats(r.Context())
		if !ok {
			http.Error(w, "relay unavailable", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(readiness{
			Rooms:       rs.Rooms,
			Waiting:     rs.Waiting,
			Paired:      rs.Paired,
			Connections: rs.Connections,
			Dropped:     ls.Dropped,
		})
	}
}
