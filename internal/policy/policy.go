// Package policy реализует разрешение правил выдачи и ставок пени.
package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/avoronin/library-system/internal/model"
)

// ErrConfigurationMissing возвращается, если для категории читателя нет
// политики и в системе отсутствует глобальная конфигурация.
var ErrConfigurationMissing = errors.New("loan policy configuration missing")

const (
	// FallbackMaxActiveLoans применяется, когда нет ни политики категории,
	// ни глобального значения max_copies_default.
	FallbackMaxActiveLoans = 1
	// FallbackLoanDurationDays применяется, когда нет политики категории.
	FallbackLoanDurationDays = 14
)

// PolicyStore описывает операции хранилища, необходимые для разрешения
// политики. Отсутствие строки возвращается как (nil, nil).
type PolicyStore interface {
	GetPolicyByUserType(ctx context.Context, userTypeID int64) (*model.LoanPolicy, error)
	GetGlobalConfig(ctx context.Context) (*model.GlobalConfig, error)
}

// PolicyResolver возвращает применимую политику выдачи для категории читателя.
type PolicyResolver struct{}

// NewPolicyResolver создаёт новый резолвер политик.
func NewPolicyResolver() *PolicyResolver {
	return &PolicyResolver{}
}

// Resolve возвращает политику для указанной категории читателя. При
// отсутствии политики категории строится запасная политика из глобальной
// конфигурации; если нет и её — ErrConfigurationMissing.
func (r *PolicyResolver) Resolve(ctx context.Context, store PolicyStore, userTypeID int64) (model.LoanPolicy, error) {
	p, err := store.GetPolicyByUserType(ctx, userTypeID)
	if err != nil {
		return model.LoanPolicy{}, fmt.Errorf("get policy by user type: %w", err)
	}
	if p != nil {
		return *p, nil
	}

	cfg, err := store.GetGlobalConfig(ctx)
	if err != nil {
		return model.LoanPolicy{}, fmt.Errorf("get global config: %w", err)
	}
	if cfg == nil {
		return model.LoanPolicy{}, fmt.Errorf("%w: no policy for user type %d and no global config", ErrConfigurationMissing, userTypeID)
	}

	maxLoans := FallbackMaxActiveLoans
	if cfg.MaxCopiesDefault != nil {
		maxLoans = *cfg.MaxCopiesDefault
	}

	return model.LoanPolicy{
		UserTypeID:       userTypeID,
		MaxActiveLoans:   maxLoans,
		LoanDurationDays: FallbackLoanDurationDays,
	}, nil
}
