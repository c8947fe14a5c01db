package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes registers all admin API routes using chi router
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers) {
	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", Router(handlers)))

	log.Info().Msg("Admin endpoints enabled at /admin/*")
}

// Router returns the admin routes, relative to /admin
func Router(handlers *AdminHandlers) http.Handler {
	r := chi.NewRouter()
	r.Use(AuthMiddleware(handlers.secret))

	r.Get("/view", handlers.handleView)
	r.Get("/health", handlers.handleHealth)
	r.Post("/suspect", handlers.handleSuspect)
	r.Post("/check/{member}", handlers.handleCheck)
	r.Get("/quorum", handlers.handleQuorum)

	return r
}
