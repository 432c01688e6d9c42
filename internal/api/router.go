package api

import (
	"copyd/internal/api/middleware"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter настраивает роутинг для API
func (h *Handler) SetupRouter() *mux.Router {
	r := mux.NewRouter()

	// Публичные маршруты (не требуют аутентификации)
	r.HandleFunc("/api/auth/login", h.HandleLogin).Methods("POST")
	r.HandleFunc("/health", h.HandleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Защищенные маршруты (требуют аутентификации)
	api := r.PathPrefix("/api").Subrouter()
	api.Use(middleware.AuthMiddleware(h.authService))

	// Accounts
	api.HandleFunc("/accounts", h.HandleGetAccounts).Methods("GET")
	api.HandleFunc("/accounts", h.HandleAddAccount).Methods("POST")
	api.HandleFunc("/accounts/{id}/disabled", h.HandleToggleDisabled).Methods("PUT")

	// Ручное восстановление
	api.HandleFunc("/accounts/{id}/breaker/reset", h.HandleResetBreaker).Methods("POST")
	api.HandleFunc("/accounts/{id}/sequence/advance", h.HandleAdvanceSequence).Methods("POST")

	// История и журнал
	api.HandleFunc("/results", h.HandleGetResults).Methods("GET")
	api.HandleFunc("/logs", h.HandleGetLogs).Methods("GET")

	return r
}
