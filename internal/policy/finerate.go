package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/avoronin/library-system/internal/model"
)

// ErrFineRateUnavailable возвращается, если нет ни годовой ставки пени,
// ни глобальной ставки по умолчанию.
var ErrFineRateUnavailable = errors.New("fine rate unavailable")

// FineRateStore описывает операции хранилища, необходимые для разрешения
// ставки пени. Отсутствие строки возвращается как (nil, nil).
type FineRateStore interface {
	GetAnnualFineRate(ctx context.Context, year int) (*model.AnnualFineRate, error)
	GetGlobalConfig(ctx context.Context) (*model.GlobalConfig, error)
}

// FineRateResolver возвращает дневную ставку пени для календарного года.
// Год всегда берётся от срока возврата выдачи, а не от даты фактического
// возврата: ставка фиксируется политикой, действовавшей для выдачи.
type FineRateResolver struct{}

// NewFineRateResolver создаёт новый резолвер ставок пени.
func NewFineRateResolver() *FineRateResolver {
	return &FineRateResolver{}
}

// Resolve возвращает дневную ставку пени: годовую, если она задана,
// иначе глобальную ставку по умолчанию, иначе ErrFineRateUnavailable.
func (r *FineRateResolver) Resolve(ctx context.Context, store FineRateStore, year int) (decimal.Decimal, error) {
	rate, err := store.GetAnnualFineRate(ctx, year)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get annual fine rate: %w", err)
	}
	if rate != nil {
		return rate.DailyRate, nil
	}

	cfg, err := store.GetGlobalConfig(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("get global config: %w", err)
	}
	if cfg == nil || cfg.DailyFineRateDefault == nil {
		return decimal.Zero, fmt.Errorf("%w: no rate for year %d and no default", ErrFineRateUnavailable, year)
	}

	return *cfg.DailyFineRateDefault, nil
}
