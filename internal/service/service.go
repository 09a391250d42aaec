// Package service реализует бизнес-логику библиотечного сервиса:
// выдачу экземпляров читателям и возврат с начислением пени.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/avoronin/library-system/internal/identity"
	"github.com/avoronin/library-system/internal/inventory"
	"github.com/avoronin/library-system/internal/model"
	"github.com/avoronin/library-system/internal/policy"
	"github.com/avoronin/library-system/internal/repository"
)

// ErrUserInactive возвращается, если читатель не найден или заблокирован.
var (
	ErrUserInactive = errors.New("user is missing or inactive")
	// ErrCopyUnavailable возвращается, если экземпляр не найден или уже выдан.
	ErrCopyUnavailable = errors.New("copy is unavailable")
	// ErrUserHasOverdueLoan возвращается, если у читателя есть просроченная выдача.
	ErrUserHasOverdueLoan = errors.New("user has an overdue loan")
	// ErrLoanLimitExceeded возвращается при достижении лимита активных выдач.
	ErrLoanLimitExceeded = errors.New("loan limit exceeded")
	// ErrLoanAlreadyReturned возвращается при повторном возврате по выдаче.
	ErrLoanAlreadyReturned = errors.New("loan already returned")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	BeginUnitOfWork(ctx context.Context) (repository.UnitOfWork, error)
	ListActiveLoansByUser(ctx context.Context, userID int64) ([]model.Loan, error)
	ListOverdueLoans(ctx context.Context, asOf time.Time) ([]model.Loan, error)
	ListUsersForSync(ctx context.Context, limit int) ([]model.User, error)
	UpdateUserActive(ctx context.Context, userID int64, active bool) error
}

// Service содержит бизнес-логику библиотечного сервиса.
type Service struct {
	repo           Repository
	policies       *policy.PolicyResolver
	fineRates      *policy.FineRateResolver
	tracker        *inventory.StateTracker
	identityClient *identity.Client
	logger         *zap.Logger

	now func() time.Time
}

// NewService создаёт новый сервис с указанным репозиторием и клиентом
// системы идентификации.
func NewService(repo Repository, identityClient *identity.Client, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:           repo,
		policies:       policy.NewPolicyResolver(),
		fineRates:      policy.NewFineRateResolver(),
		tracker:        inventory.NewStateTracker(),
		identityClient: identityClient,
		logger:         logger,
		now:            time.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// IssueLoan выдаёт экземпляр читателю. Проверки выполняются по порядку:
// читатель активен, экземпляр доступен, нет просроченных выдач, лимит
// активных выдач не достигнут. Запись выдачи и переход состояния
// экземпляра фиксируются одной транзакцией.
func (s *Service) IssueLoan(ctx context.Context, userID, copyID int64) (*model.Loan, error) {
	today := model.DateOnly(s.now())

	uow, err := s.repo.BeginUnitOfWork(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin unit of work: %w", err)
	}
	defer uow.Rollback(ctx)

	u, err := uow.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, fmt.Errorf("%w: user %d", ErrUserInactive, userID)
		}
		return nil, err
	}
	if !u.Active {
		return nil, fmt.Errorf("%w: user %d", ErrUserInactive, userID)
	}

	// Блокировка строки экземпляра сериализует конкурирующие выдачи:
	// из двух одновременных запросов второй увидит состояние LOANED.
	c, err := uow.GetCopyForUpdate(ctx, copyID)
	if err != nil {
		if errors.Is(err, repository.ErrCopyNotFound) {
			return nil, fmt.Errorf("%w: copy %d", ErrCopyUnavailable, copyID)
		}
		return nil, err
	}
	if c.State != model.CopyStateAvailable {
		return nil, fmt.Errorf("%w: copy %d", ErrCopyUnavailable, copyID)
	}

	active, err := uow.ListActiveLoansByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, l := range active {
		if l.IsOverdue(today) {
			return nil, fmt.Errorf("%w: loan %d due %s", ErrUserHasOverdueLoan, l.ID, l.DueDate.Format(time.DateOnly))
		}
	}

	pol, err := s.policies.Resolve(ctx, uow, u.UserTypeID)
	if err != nil {
		return nil, err
	}

	count, err := uow.CountActiveLoansByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if count >= pol.MaxActiveLoans {
		return nil, fmt.Errorf("%w: %d of %d", ErrLoanLimitExceeded, count, pol.MaxActiveLoans)
	}

	loan := &model.Loan{
		UserID:     userID,
		CopyID:     copyID,
		LoanDate:   today,
		DueDate:    today.AddDate(0, 0, pol.LoanDurationDays),
		FineAmount: decimal.Zero,
	}

	loan.ID, err = uow.InsertLoan(ctx, loan)
	if err != nil {
		return nil, err
	}

	if err := s.tracker.MarkLoaned(ctx, uow, copyID); err != nil {
		return nil, err
	}

	if err := uow.Commit(ctx); err != nil {
		return nil, err
	}

	return loan, nil
}

// SettleReturn закрывает выдачу: вычисляет пеню, обновляет выдачу,
// создаёт запись о возврате и возвращает экземпляр в состояние AVAILABLE.
// Все три записи фиксируются одной транзакцией.
func (s *Service) SettleReturn(ctx context.Context, loanID int64, returnDate time.Time) (*model.Return, error) {
	returned := model.DateOnly(returnDate)

	uow, err := s.repo.BeginUnitOfWork(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin unit of work: %w", err)
	}
	defer uow.Rollback(ctx)

	// Блокировка строки выдачи сериализует конкурирующие возвраты:
	// второй запрос увидит уже заполненную дату возврата.
	loan, err := uow.GetLoanForUpdate(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if !loan.IsActive() {
		return nil, fmt.Errorf("%w: loan %d", ErrLoanAlreadyReturned, loanID)
	}

	fine, err := s.computeFine(ctx, uow, loan, returned)
	if err != nil {
		return nil, err
	}

	if err := uow.UpdateLoanReturn(ctx, loanID, returned, fine); err != nil {
		return nil, err
	}

	ret := &model.Return{
		LoanID:     loanID,
		ReturnDate: returned,
		FinePaid:   fine,
	}
	ret.ID, err = uow.InsertReturn(ctx, ret)
	if err != nil {
		return nil, err
	}

	if err := s.tracker.MarkAvailable(ctx, uow, loan.CopyID); err != nil {
		return nil, err
	}

	if err := uow.Commit(ctx); err != nil {
		return nil, err
	}

	return ret, nil
}

// computeFine считает пеню за просрочку. Ставка выбирается по году
// срока возврата выдачи, а не по году фактического возврата.
func (s *Service) computeFine(ctx context.Context, store policy.FineRateStore, loan *model.Loan, returned time.Time) (decimal.Decimal, error) {
	if !returned.After(loan.DueDate) {
		return decimal.Zero, nil
	}

	overdueDays := model.DaysBetween(loan.DueDate, returned)

	rate, err := s.fineRates.Resolve(ctx, store, loan.DueDate.Year())
	if err != nil {
		return decimal.Zero, err
	}

	return rate.Mul(decimal.NewFromInt(int64(overdueDays))), nil
}

// ActiveLoansForUser возвращает активные выдачи читателя.
func (s *Service) ActiveLoansForUser(ctx context.Context, userID int64) ([]model.Loan, error) {
	return s.repo.ListActiveLoansByUser(ctx, userID)
}

// OverdueLoans возвращает все просроченные активные выдачи.
func (s *Service) OverdueLoans(ctx context.Context) ([]model.Loan, error) {
	return s.repo.ListOverdueLoans(ctx, s.now())
}

// StartIdentitySync запускает фоновый процесс сверки флагов активности
// читателей с системой идентификации. Ядро выдачи этим процессом не
// затрагивается: движки читают пользователей только из хранилища.
func (s *Service) StartIdentitySync(ctx context.Context) {
	if s.identityClient == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processSyncBatch(ctx)
			}
		}
	}()
}

func (s *Service) processSyncBatch(ctx context.Context) {
	users, err := s.repo.ListUsersForSync(ctx, 100)
	if err != nil {
		s.logger.Warn("list users for sync", zap.Error(err))
		return
	}

	for _, u := range users {
		status, statusCode, retryAfter, err := s.identityClient.GetUserStatus(ctx, u.ID)
		if err != nil {
			s.logger.Warn("get user status", zap.Int64("userID", u.ID), zap.Error(err))
			continue
		}

		if statusCode == http.StatusTooManyRequests {
			if retryAfter > 0 {
				timer := time.NewTimer(retryAfter)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
			continue
		}

		if status == nil {
			continue
		}

		if err := s.repo.UpdateUserActive(ctx, u.ID, status.Active); err != nil {
			s.logger.Warn("update user active", zap.Int64("userID", u.ID), zap.Error(err))
		}
	}
}
