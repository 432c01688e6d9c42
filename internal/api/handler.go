// Package api - admin HTTP API: состояние аккаунтов, результаты
// копирования, журнал активности и ручные операции восстановления
// (сброс breaker'а, продвижение sequence).
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"copyd/internal/auth"
	"copyd/internal/models"
	"copyd/internal/risk"
	"copyd/internal/sequence"
)

// Store - персистентность, нужная API
type Store interface {
	GetAccounts(ctx context.Context) ([]models.Account, error)
	AddAccount(ctx context.Context, acc models.Account) error
	SetDisabled(ctx context.Context, accountID string, disabled bool) error
	RecentResults(ctx context.Context, limit int) ([]models.CopyExecutionResult, error)
	RecentLogs(ctx context.Context, limit int) ([]models.ActivityLog, error)
	LoadSequence(ctx context.Context, accountID string) (int64, error)
}

// Handler обрабатывает API запросы
type Handler struct {
	storage     Store
	authService *auth.Service
	breaker     *risk.Breaker
	seq         *sequence.Authority
	adminUser   string
	adminHash   string
	logger      *slog.Logger
}

func New(
	storage Store,
	authService *auth.Service,
	breaker *risk.Breaker,
	seq *sequence.Authority,
	adminUser, adminHash string,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		storage:     storage,
		authService: authService,
		breaker:     breaker,
		seq:         seq,
		adminUser:   adminUser,
		adminHash:   adminHash,
		logger:      logger,
	}
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type SuccessResponse struct {
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func (h *Handler) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) respondError(w http.ResponseWriter, statusCode int, message string) {
	h.respondJSON(w, statusCode, ErrorResponse{Error: message})
}

func (h *Handler) respondSuccess(w http.ResponseWriter, message string, data any) {
	h.respondJSON(w, http.StatusOK, SuccessResponse{
		Message: message,
		Data:    data,
	})
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token    string `json:"token"`
	Username string `json:"username"`
}

// HandleLogin обрабатывает вход оператора
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Username == "" || req.Password == "" {
		h.respondError(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	if req.Username != h.adminUser {
		h.respondError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	if err := h.authService.VerifyPassword(h.adminHash, req.Password); err != nil {
		h.respondError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	token, err := h.authService.GenerateToken(req.Username)
	if err != nil {
		h.logger.Error("Failed to generate token", "error", err)
		h.respondError(w, http.StatusInternalServerError, "Internal server error")

		return
	}

	h.respondSuccess(w, "Login successful", LoginResponse{
		Token:    token,
		Username: req.Username,
	})
}

// HandleHealth возвращает статус здоровья сервиса
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.respondSuccess(w, "OK", map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
