// Package inventory реализует машину состояний доступности экземпляров.
package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/avoronin/library-system/internal/model"
)

// ErrCopyNotAvailable возвращается при попытке выдать экземпляр,
// который не находится в состоянии AVAILABLE.
var ErrCopyNotAvailable = errors.New("copy is not available")

// ErrCopyNotLoaned возвращается при попытке вернуть экземпляр,
// который не находится в состоянии LOANED.
var ErrCopyNotLoaned = errors.New("copy is not loaned")

// CopyStore описывает операции хранилища над экземплярами. Реализация
// обязана читать экземпляр с блокировкой строки в рамках объемлющей
// транзакции, чтобы проверка состояния и переход были сериализованы.
type CopyStore interface {
	GetCopyForUpdate(ctx context.Context, id int64) (*model.Copy, error)
	SetCopyState(ctx context.Context, id int64, state model.CopyState) error
}

// StateTracker выполняет переходы состояния экземпляра.
// Допустимые переходы: AVAILABLE -> LOANED и LOANED -> AVAILABLE.
type StateTracker struct{}

// NewStateTracker создаёт новый трекер состояний.
func NewStateTracker() *StateTracker {
	return &StateTracker{}
}

// MarkLoaned переводит экземпляр из AVAILABLE в LOANED.
func (t *StateTracker) MarkLoaned(ctx context.Context, store CopyStore, copyID int64) error {
	c, err := store.GetCopyForUpdate(ctx, copyID)
	if err != nil {
		return fmt.Errorf("get copy: %w", err)
	}
	if c.State != model.CopyStateAvailable {
		return fmt.Errorf("%w: copy %d is %s", ErrCopyNotAvailable, copyID, c.State)
	}
	if err := store.SetCopyState(ctx, copyID, model.CopyStateLoaned); err != nil {
		return fmt.Errorf("set copy state: %w", err)
	}
	return nil
}

// MarkAvailable переводит экземпляр из LOANED в AVAILABLE.
func (t *StateTracker) MarkAvailable(ctx context.Context, store CopyStore, copyID int64) error {
	c, err := store.GetCopyForUpdate(ctx, copyID)
	if err != nil {
		return fmt.Errorf("get copy: %w", err)
	}
	if c.State != model.CopyStateLoaned {
		return fmt.Errorf("%w: copy %d is %s", ErrCopyNotLoaned, copyID, c.State)
	}
	if err := store.SetCopyState(ctx, copyID, model.CopyStateAvailable); err != nil {
		return fmt.Errorf("set copy state: %w", err)
	}
	return nil
}
