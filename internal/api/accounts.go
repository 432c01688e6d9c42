package api

import (
	"encoding/json"
	"net/http"
	"time"

	"copyd/internal/models"

	"github.com/gorilla/mux"
)

// AccountView - аккаунт в ответе API, дополненный состоянием breaker'а
type AccountView struct {
	models.Account
	BreakerTripped bool  `json:"breaker_tripped"`
	LastSequence   int64 `json:"last_sequence"`
}

// HandleGetAccounts возвращает все аккаунты
func (h *Handler) HandleGetAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.storage.GetAccounts(r.Context())
	if err != nil {
		h.logger.Error("Failed to get accounts", "error", err)
		h.respondError(w, http.StatusInternalServerError, "Failed to get accounts")

		return
	}

	views := make([]AccountView, 0, len(accounts))
	for _, acc := range accounts {
		seq, _ := h.storage.LoadSequence(r.Context(), acc.ID)

		views = append(views, AccountView{
			Account:        acc,
			BreakerTripped: h.breaker.Tripped(acc.ID),
			LastSequence:   seq,
		})
	}

	h.respondSuccess(w, "", views)
}

type AddAccountRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	BrokerKind  string `json:"broker_kind"`
	IsMaster    bool   `json:"is_master"`
	CopyEntries bool   `json:"copy_entries"`
	CopyExits   bool   `json:"copy_exits"`
}

// HandleAddAccount добавляет аккаунт. Подключение к брокеру
// регистрируется при следующем старте процесса.
func (h *Handler) HandleAddAccount(w http.ResponseWriter, r *http.Request) {
	var req AddAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.ID == "" || req.Name == "" || req.BrokerKind == "" {
		h.respondError(w, http.StatusBadRequest, "id, name and broker_kind are required")
		return
	}

	if err := h.storage.AddAccount(r.Context(), models.Account{
		ID:          req.ID,
		Name:        req.Name,
		BrokerKind:  req.BrokerKind,
		IsMaster:    req.IsMaster,
		CopyEntries: req.CopyEntries,
		CopyExits:   req.CopyExits,
	}); err != nil {
		h.logger.Error("Failed to add account", "error", err)
		h.respondError(w, http.StatusInternalServerError, "Failed to add account")

		return
	}

	h.respondSuccess(w, "Account added", nil)
}

type ToggleDisabledRequest struct {
	Disabled bool `json:"disabled"`
}

// HandleToggleDisabled включает/выключает аккаунт вручную
func (h *Handler) HandleToggleDisabled(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]

	var req ToggleDisabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.storage.SetDisabled(r.Context(), accountID, req.Disabled); err != nil {
		h.respondError(w, http.StatusNotFound, err.Error())
		return
	}

	h.respondSuccess(w, "Account updated", nil)
}

// HandleResetBreaker вручную возвращает аккаунт в строй после
// срабатывания circuit breaker'а
func (h *Handler) HandleResetBreaker(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]

	h.breaker.Reset(accountID)

	if err := h.storage.SetDisabled(r.Context(), accountID, false); err != nil {
		h.respondError(w, http.StatusNotFound, err.Error())
		return
	}

	h.logger.Info("Breaker reset via API", "account", accountID)
	h.respondSuccess(w, "Breaker reset", nil)
}

type AdvanceSequenceRequest struct {
	Jump string `json:"jump"` // duration, например "30s"
}

// HandleAdvanceSequence вручную продвигает sequence аккаунта вперед.
// Операция восстановления: брокер считает наши значения устаревшими,
// оператор перепрыгивает спорный диапазон.
func (h *Handler) HandleAdvanceSequence(w http.ResponseWriter, r *http.Request) {
	accountID := mux.Vars(r)["id"]

	var req AdvanceSequenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	jump, err := time.ParseDuration(req.Jump)
	if err != nil || jump <= 0 {
		h.respondError(w, http.StatusBadRequest, "jump must be a positive duration")
		return
	}

	if err := h.seq.JumpForward(r.Context(), accountID, jump); err != nil {
		h.logger.Error("Failed to advance sequence", "error", err)
		h.respondError(w, http.StatusInternalServerError, "Failed to advance sequence")

		return
	}

	value, _ := h.storage.LoadSequence(r.Context(), accountID)
	h.respondSuccess(w, "Sequence advanced", map[string]int64{"last_sequence": value})
}

// HandleGetResults возвращает последние результаты копирования
func (h *Handler) HandleGetResults(w http.ResponseWriter, r *http.Request) {
	results, err := h.storage.RecentResults(r.Context(), 100)
	if err != nil {
		h.logger.Error("Failed to get results", "error", err)
		h.respondError(w, http.StatusInternalServerError, "Failed to get results")

		return
	}

	h.respondSuccess(w, "", results)
}

// HandleGetLogs возвращает журнал активности
func (h *Handler) HandleGetLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := h.storage.RecentLogs(r.Context(), 200)
	if err != nil {
		h.logger.Error("Failed to get logs", "error", err)
		h.respondError(w, http.StatusInternalServerError, "Failed to get logs")

		return
	}

	h.respondSuccess(w, "", logs)
}
