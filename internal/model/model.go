// Package model содержит доменные сущности библиотечного сервиса.
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// User представляет читателя библиотеки. Учётные записи создаются и
// обновляются внешней системой идентификации; сервис читает их из хранилища.
type User struct {
	ID         int64
	FullName   string
	Active     bool
	UserTypeID int64
	CreatedAt  time.Time
}

// UserType описывает категорию читателя (администратор, преподаватель, студент).
type UserType struct {
	ID   int64
	Name string
}

// CopyState описывает состояние доступности экземпляра.
type CopyState string

const (
	CopyStateAvailable CopyState = "AVAILABLE"
	CopyStateLoaned    CopyState = "LOANED"
)

// ParseCopyState проверяет строковое значение состояния экземпляра,
// полученное из внешних данных, и возвращает закрытый тип CopyState.
func ParseCopyState(s string) (CopyState, error) {
	switch CopyState(s) {
	case CopyStateAvailable, CopyStateLoaned:
		return CopyState(s), nil
	}
	return "", fmt.Errorf("unknown copy state %q", s)
}

// Copy представляет один физический экземпляр документа.
// Единственное изменяемое сервисом поле — State.
type Copy struct {
	ID         int64
	DocumentID int64
	Location   string
	State      CopyState
}

// Loan описывает выдачу экземпляра читателю на ограниченный срок.
// ReturnDate == nil означает активную выдачу.
type Loan struct {
	ID         int64
	UserID     int64
	CopyID     int64
	LoanDate   time.Time
	DueDate    time.Time
	ReturnDate *time.Time
	FineAmount decimal.Decimal
}

// IsActive сообщает, открыта ли выдача.
func (l *Loan) IsActive() bool {
	return l.ReturnDate == nil
}

// IsOverdue сообщает, просрочена ли активная выдача на указанную дату.
func (l *Loan) IsOverdue(today time.Time) bool {
	return l.IsActive() && l.DueDate.Before(DateOnly(today))
}

// Return описывает факт возврата по выдаче. Запись создаётся один раз
// и далее не изменяется.
type Return struct {
	ID         int64
	LoanID     int64
	ReturnDate time.Time
	FinePaid   decimal.Decimal
}

// LoanPolicy задаёт ограничения для категории читателя.
type LoanPolicy struct {
	UserTypeID       int64
	MaxActiveLoans   int
	LoanDurationDays int
}

// AnnualFineRate задаёт ставку пени за день просрочки для конкретного года.
type AnnualFineRate struct {
	Year      int
	DailyRate decimal.Decimal
}

// GlobalConfig содержит общесистемные значения по умолчанию.
// Хранится одной строкой; оба поля могут отсутствовать.
type GlobalConfig struct {
	MaxCopiesDefault     *int
	DailyFineRateDefault *decimal.Decimal
}

// DateOnly приводит момент времени к календарной дате в UTC.
func DateOnly(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DaysBetween возвращает число полных календарных дней от from до to.
func DaysBetween(from, to time.Time) int {
	return int(DateOnly(to).Sub(DateOnly(from)).Hours() / 24)
}
