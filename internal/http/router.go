package http

import (
	"net/http"

	"github.com/SteamVC/SteamVC_Match/backend/match-server/internal/handlers"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func NewRouter(h *handlers.StatsHandler, broker *handlers.BrokerHandler, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
			ExposedHeaders:   []string{"Link"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/api/v1/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/queue/stats", h.QueueStats)
		r.Post("/queue/leave", h.LeaveQueue)
		r.Get("/rooms/{roomId}", h.GetRoom)
		r.Post("/rooms/{roomId}/end", h.EndRoom)
		// ストアへのWebSocketエンドポイント
		r.Get("/store/ws", broker.HandleStoreWS)
	})

	return r
}
