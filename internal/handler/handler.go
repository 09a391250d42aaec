// Package handler содержит HTTP-обработчики API библиотечного сервиса.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/avoronin/library-system/internal/middleware"
	"github.com/avoronin/library-system/internal/model"
	"github.com/avoronin/library-system/internal/policy"
	"github.com/avoronin/library-system/internal/repository"
	"github.com/avoronin/library-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	IssueLoan(ctx context.Context, userID, copyID int64) (*model.Loan, error)
	SettleReturn(ctx context.Context, loanID int64, returnDate time.Time) (*model.Return, error)
	ActiveLoansForUser(ctx context.Context, userID int64) ([]model.Loan, error)
	OverdueLoans(ctx context.Context) ([]model.Loan, error)
}

// Handler реализует HTTP-обработчики API библиотечного сервиса.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type issueLoanRequest struct {
	UserID int64 `json:"user_id"`
	CopyID int64 `json:"copy_id"`
}

type loanResponse struct {
	ID         int64   `json:"id"`
	UserID     int64   `json:"user_id"`
	CopyID     int64   `json:"copy_id"`
	LoanDate   string  `json:"loan_date"`
	DueDate    string  `json:"due_date"`
	ReturnDate *string `json:"return_date,omitempty"`
	FineAmount string  `json:"fine_amount"`
}

func toLoanResponse(l model.Loan) loanResponse {
	resp := loanResponse{
		ID:         l.ID,
		UserID:     l.UserID,
		CopyID:     l.CopyID,
		LoanDate:   l.LoanDate.Format(time.DateOnly),
		DueDate:    l.DueDate.Format(time.DateOnly),
		FineAmount: l.FineAmount.StringFixed(2),
	}
	if l.ReturnDate != nil {
		v := l.ReturnDate.Format(time.DateOnly)
		resp.ReturnDate = &v
	}
	return resp
}

// IssueLoan выдаёт экземпляр читателю.
func (h *Handler) IssueLoan(w http.ResponseWriter, r *http.Request) {
	var req issueLoanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.UserID <= 0 || req.CopyID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	loan, err := h.service.IssueLoan(r.Context(), req.UserID, req.CopyID)
	if err != nil {
		h.writeIssueError(w, err)
		return
	}

	resp := toLoanResponse(*loan)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("encode loan response", zap.Error(err))
	}
}

func (h *Handler) writeIssueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrUserInactive),
		errors.Is(err, service.ErrUserHasOverdueLoan):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, service.ErrCopyUnavailable),
		errors.Is(err, service.ErrLoanLimitExceeded):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, policy.ErrConfigurationMissing):
		// ошибка конфигурации развертывания, а не запроса
		h.logger.Error("loan policy configuration missing", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	default:
		h.logger.Error("issue loan error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

type settleReturnRequest struct {
	ReturnDate string `json:"return_date"`
}

type returnResponse struct {
	ID         int64  `json:"id"`
	LoanID     int64  `json:"loan_id"`
	ReturnDate string `json:"return_date"`
	FinePaid   string `json:"fine_paid"`
}

// SettleReturn закрывает выдачу и начисляет пеню за просрочку.
func (h *Handler) SettleReturn(w http.ResponseWriter, r *http.Request) {
	loanID, err := strconv.ParseInt(chi.URLParam(r, "loanID"), 10, 64)
	if err != nil || loanID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req settleReturnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	returnDate, err := time.Parse(time.DateOnly, req.ReturnDate)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	ret, err := h.service.SettleReturn(r.Context(), loanID, returnDate)
	if err != nil {
		h.writeSettleError(w, err)
		return
	}

	resp := returnResponse{
		ID:         ret.ID,
		LoanID:     ret.LoanID,
		ReturnDate: ret.ReturnDate.Format(time.DateOnly),
		FinePaid:   ret.FinePaid.StringFixed(2),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("encode return response", zap.Error(err))
	}
}

func (h *Handler) writeSettleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrLoanNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, service.ErrLoanAlreadyReturned):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, policy.ErrFineRateUnavailable):
		h.logger.Error("fine rate configuration missing", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	default:
		h.logger.Error("settle return error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// GetUserLoans возвращает активные выдачи читателя.
func (h *Handler) GetUserLoans(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || userID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	loans, err := h.service.ActiveLoansForUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("get user loans error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeLoanList(w, loans)
}

// GetOverdueLoans возвращает все просроченные активные выдачи.
func (h *Handler) GetOverdueLoans(w http.ResponseWriter, r *http.Request) {
	loans, err := h.service.OverdueLoans(r.Context())
	if err != nil {
		h.logger.Error("get overdue loans error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeLoanList(w, loans)
}

func (h *Handler) writeLoanList(w http.ResponseWriter, loans []model.Loan) {
	if len(loans) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]loanResponse, 0, len(loans))
	for _, l := range loans {
		resp = append(resp, toLoanResponse(l))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("encode loan list", zap.Error(err))
	}
}
