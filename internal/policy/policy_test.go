package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/avoronin/library-system/internal/model"
)

type stubStore struct {
	policy    *model.LoanPolicy
	policyErr error

	rate    *model.AnnualFineRate
	rateErr error

	config    *model.GlobalConfig
	configErr error
}

func (s *stubStore) GetPolicyByUserType(ctx context.Context, userTypeID int64) (*model.LoanPolicy, error) {
	return s.policy, s.policyErr
}

func (s *stubStore) GetAnnualFineRate(ctx context.Context, year int) (*model.AnnualFineRate, error) {
	return s.rate, s.rateErr
}

func (s *stubStore) GetGlobalConfig(ctx context.Context) (*model.GlobalConfig, error) {
	return s.config, s.configErr
}

func intPtr(v int) *int { return &v }

func TestPolicyResolver_TypePolicy(t *testing.T) {
	store := &stubStore{
		policy: &model.LoanPolicy{UserTypeID: 3, MaxActiveLoans: 5, LoanDurationDays: 7},
	}
	r := NewPolicyResolver()

	p, err := r.Resolve(context.Background(), store, 3)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if p.MaxActiveLoans != 5 || p.LoanDurationDays != 7 {
		t.Fatalf("unexpected policy: %+v", p)
	}
}

func TestPolicyResolver_FallbackFromGlobalConfig(t *testing.T) {
	store := &stubStore{
		config: &model.GlobalConfig{MaxCopiesDefault: intPtr(3)},
	}
	r := NewPolicyResolver()

	p, err := r.Resolve(context.Background(), store, 3)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if p.MaxActiveLoans != 3 {
		t.Fatalf("MaxActiveLoans = %d, want 3", p.MaxActiveLoans)
	}
	if p.LoanDurationDays != FallbackLoanDurationDays {
		t.Fatalf("LoanDurationDays = %d, want %d", p.LoanDurationDays, FallbackLoanDurationDays)
	}
}

func TestPolicyResolver_FallbackWithoutMaxCopiesDefault(t *testing.T) {
	store := &stubStore{
		config: &model.GlobalConfig{},
	}
	r := NewPolicyResolver()

	p, err := r.Resolve(context.Background(), store, 3)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if p.MaxActiveLoans != FallbackMaxActiveLoans {
		t.Fatalf("MaxActiveLoans = %d, want %d", p.MaxActiveLoans, FallbackMaxActiveLoans)
	}
}

func TestPolicyResolver_ConfigurationMissing(t *testing.T) {
	store := &stubStore{}
	r := NewPolicyResolver()

	_, err := r.Resolve(context.Background(), store, 3)
	if !errors.Is(err, ErrConfigurationMissing) {
		t.Fatalf("expected ErrConfigurationMissing, got %v", err)
	}
}

func TestPolicyResolver_PropagatesStoreError(t *testing.T) {
	storeErr := errors.New("connection refused")
	store := &stubStore{policyErr: storeErr}
	r := NewPolicyResolver()

	_, err := r.Resolve(context.Background(), store, 3)
	if !errors.Is(err, storeErr) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
}

func TestFineRateResolver_AnnualRate(t *testing.T) {
	store := &stubStore{
		rate: &model.AnnualFineRate{Year: 2024, DailyRate: decimal.RequireFromString("0.25")},
		config: &model.GlobalConfig{
			DailyFineRateDefault: decimalPtr("0.10"),
		},
	}
	r := NewFineRateResolver()

	rate, err := r.Resolve(context.Background(), store, 2024)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if !rate.Equal(decimal.RequireFromString("0.25")) {
		t.Fatalf("rate = %s, want 0.25", rate)
	}
}

func TestFineRateResolver_GlobalDefault(t *testing.T) {
	store := &stubStore{
		config: &model.GlobalConfig{DailyFineRateDefault: decimalPtr("0.10")},
	}
	r := NewFineRateResolver()

	rate, err := r.Resolve(context.Background(), store, 2024)
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if !rate.Equal(decimal.RequireFromString("0.10")) {
		t.Fatalf("rate = %s, want 0.10", rate)
	}
}

func TestFineRateResolver_Unavailable(t *testing.T) {
	tests := []struct {
		name  string
		store *stubStore
	}{
		{name: "no config row", store: &stubStore{}},
		{name: "config without default", store: &stubStore{config: &model.GlobalConfig{}}},
	}

	r := NewFineRateResolver()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(context.Background(), tt.store, 2024)
			if !errors.Is(err, ErrFineRateUnavailable) {
				t.Fatalf("expected ErrFineRateUnavailable, got %v", err)
			}
		})
	}
}

func decimalPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}
