package httpapi

import (
	"net/http"
	"time"

	"github.com/DoyleJ11/battleship-rooms/internal/registry"
	"github.com/DoyleJ11/battleship-rooms/internal/relay"
	"github.com/DoyleJ11/battleship-rooms/internal/ws"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func SetupRoutes(reg *registry.Registry, rl *relay.Relay, opts ws.Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Public routes
	r.Get("/healthz", Healthz)
	r.With(middleware.Timeout(2*time.Second)).Get("/readyz", Readyz(reg, rl))
	r.Get("/ws", ws.Handler(reg, rl, opts))
	return r
}
