// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/avoronin/library-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserNotFound возвращается, если читатель не найден.
var (
	ErrUserNotFound = errors.New("user not found")
	// ErrCopyNotFound возвращается, если экземпляр не найден.
	ErrCopyNotFound = errors.New("copy not found")
	// ErrLoanNotFound возвращается, если выдача не найдена.
	ErrLoanNotFound = errors.New("loan not found")
)

// UnitOfWork объединяет операции хранилища в одну транзакцию.
// Все чтения и записи внутри неё видят и изменяют согласованный снимок;
// фиксация происходит одним Commit, любой сбой откатывается целиком.
type UnitOfWork interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	GetCopyForUpdate(ctx context.Context, id int64) (*model.Copy, error)
	SetCopyState(ctx context.Context, id int64, state model.CopyState) error
	InsertLoan(ctx context.Context, loan *model.Loan) (int64, error)
	GetLoanForUpdate(ctx context.Context, id int64) (*model.Loan, error)
	UpdateLoanReturn(ctx context.Context, loanID int64, returnDate time.Time, fine decimal.Decimal) error
	CountActiveLoansByUser(ctx context.Context, userID int64) (int, error)
	ListActiveLoansByUser(ctx context.Context, userID int64) ([]model.Loan, error)
	InsertReturn(ctx context.Context, ret *model.Return) (int64, error)
	GetPolicyByUserType(ctx context.Context, userTypeID int64) (*model.LoanPolicy, error)
	GetAnnualFineRate(ctx context.Context, year int) (*model.AnnualFineRate, error)
	GetGlobalConfig(ctx context.Context) (*model.GlobalConfig, error)
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет только чтения вне транзакций. Сбои сериализации,
// дедлоки и сетевые обрывы ретраятся; ошибки с открытой транзакцией
// поднимаются наверх после отката — повторная политика на стороне вызывающего.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
		}

		if isConnectionError(err) {
			return retry.RetryableError(err)
		}

		return err
	})
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// BeginUnitOfWork открывает транзакцию и возвращает объект единицы работы.
func (r *PostgresRepository) BeginUnitOfWork(ctx context.Context) (UnitOfWork, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &txUnitOfWork{tx: tx}, nil
}

// ListActiveLoansByUser возвращает активные выдачи читателя.
func (r *PostgresRepository) ListActiveLoansByUser(ctx context.Context, userID int64) ([]model.Loan, error) {
	var loans []model.Loan
	err := r.withRetry(ctx, func(ctx context.Context) error {
		rows, err := r.pool.Query(ctx,
			`SELECT id, user_id, copy_id, loan_date, due_date, return_date, fine_amount
			 FROM loans
			 WHERE user_id = $1 AND return_date IS NULL
			 ORDER BY due_date`,
			userID,
		)
		if err != nil {
			return fmt.Errorf("select active loans: %w", err)
		}
		loans, err = scanLoans(rows)
		return err
	})
	return loans, err
}

// ListOverdueLoans возвращает все активные выдачи, просроченные на указанную дату.
func (r *PostgresRepository) ListOverdueLoans(ctx context.Context, asOf time.Time) ([]model.Loan, error) {
	var loans []model.Loan
	err := r.withRetry(ctx, func(ctx context.Context) error {
		rows, err := r.pool.Query(ctx,
			`SELECT id, user_id, copy_id, loan_date, due_date, return_date, fine_amount
			 FROM loans
			 WHERE return_date IS NULL AND due_date < $1
			 ORDER BY due_date`,
			model.DateOnly(asOf),
		)
		if err != nil {
			return fmt.Errorf("select overdue loans: %w", err)
		}
		loans, err = scanLoans(rows)
		return err
	})
	return loans, err
}

// ListUsersForSync возвращает читателей, чей флаг активности давно не
// сверялся с системой идентификации, начиная с самых давних.
func (r *PostgresRepository) ListUsersForSync(ctx context.Context, limit int) ([]model.User, error) {
	var users []model.User
	err := r.withRetry(ctx, func(ctx context.Context) error {
		rows, err := r.pool.Query(ctx,
			`SELECT id, full_name, active, user_type_id, created_at
			 FROM users
			 ORDER BY synced_at
			 LIMIT $1`,
			limit,
		)
		if err != nil {
			return fmt.Errorf("select users for sync: %w", err)
		}
		defer rows.Close()

		users = users[:0]
		for rows.Next() {
			var u model.User
			if err := rows.Scan(&u.ID, &u.FullName, &u.Active, &u.UserTypeID, &u.CreatedAt); err != nil {
				return fmt.Errorf("scan user: %w", err)
			}
			users = append(users, u)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("rows error: %w", err)
		}
		return nil
	})
	return users, err
}

// UpdateUserActive обновляет флаг активности читателя по данным системы идентификации.
func (r *PostgresRepository) UpdateUserActive(ctx context.Context, userID int64, active bool) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE users SET active = $2, synced_at = now() WHERE id = $1`,
		userID, active,
	)
	if err != nil {
		return fmt.Errorf("update user active: %w", err)
	}
	return nil
}

func scanLoans(rows pgx.Rows) ([]model.Loan, error) {
	defer rows.Close()

	var loans []model.Loan
	for rows.Next() {
		var l model.Loan
		if err := rows.Scan(&l.ID, &l.UserID, &l.CopyID, &l.LoanDate, &l.DueDate, &l.ReturnDate, &l.FineAmount); err != nil {
			return nil, fmt.Errorf("scan loan: %w", err)
		}
		loans = append(loans, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return loans, nil
}

// txUnitOfWork реализует UnitOfWork поверх транзакции pgx.
type txUnitOfWork struct {
	tx pgx.Tx
}

func (u *txUnitOfWork) Commit(ctx context.Context) error {
	if err := u.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (u *txUnitOfWork) Rollback(ctx context.Context) error {
	return u.tx.Rollback(ctx)
}

// GetUserByID возвращает читателя по идентификатору.
func (u *txUnitOfWork) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	row := u.tx.QueryRow(ctx,
		`SELECT id, full_name, active, user_type_id, created_at FROM users WHERE id = $1`,
		id,
	)

	var usr model.User
	err := row.Scan(&usr.ID, &usr.FullName, &usr.Active, &usr.UserTypeID, &usr.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &usr, nil
}

// GetCopyForUpdate возвращает экземпляр, блокируя его строку до конца
// транзакции. Конкурирующие выдачи одного экземпляра сериализуются здесь.
func (u *txUnitOfWork) GetCopyForUpdate(ctx context.Context, id int64) (*model.Copy, error) {
	row := u.tx.QueryRow(ctx,
		`SELECT id, document_id, location, state FROM copies WHERE id = $1 FOR UPDATE`,
		id,
	)

	var c model.Copy
	var state string
	err := row.Scan(&c.ID, &c.DocumentID, &c.Location, &state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCopyNotFound
		}
		return nil, fmt.Errorf("get copy: %w", err)
	}

	c.State, err = model.ParseCopyState(state)
	if err != nil {
		return nil, fmt.Errorf("copy %d: %w", id, err)
	}

	return &c, nil
}

// SetCopyState записывает новое состояние экземпляра.
func (u *txUnitOfWork) SetCopyState(ctx context.Context, id int64, state model.CopyState) error {
	cmdTag, err := u.tx.Exec(ctx,
		`UPDATE copies SET state = $2 WHERE id = $1`,
		id, string(state),
	)
	if err != nil {
		return fmt.Errorf("update copy state: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrCopyNotFound
	}
	return nil
}

// InsertLoan сохраняет новую выдачу и возвращает её идентификатор.
func (u *txUnitOfWork) InsertLoan(ctx context.Context, loan *model.Loan) (int64, error) {
	var id int64
	err := u.tx.QueryRow(ctx,
		`INSERT INTO loans (user_id, copy_id, loan_date, due_date, fine_amount)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		loan.UserID, loan.CopyID, loan.LoanDate, loan.DueDate, loan.FineAmount,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert loan: %w", err)
	}
	return id, nil
}

// GetLoanForUpdate возвращает выдачу, блокируя её строку до конца транзакции.
// Конкурирующие возвраты одной выдачи сериализуются здесь.
func (u *txUnitOfWork) GetLoanForUpdate(ctx context.Context, id int64) (*model.Loan, error) {
	row := u.tx.QueryRow(ctx,
		`SELECT id, user_id, copy_id, loan_date, due_date, return_date, fine_amount
		 FROM loans WHERE id = $1 FOR UPDATE`,
		id,
	)

	var l model.Loan
	err := row.Scan(&l.ID, &l.UserID, &l.CopyID, &l.LoanDate, &l.DueDate, &l.ReturnDate, &l.FineAmount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLoanNotFound
		}
		return nil, fmt.Errorf("get loan: %w", err)
	}

	return &l, nil
}

// UpdateLoanReturn закрывает выдачу: выставляет дату возврата и сумму пени.
func (u *txUnitOfWork) UpdateLoanReturn(ctx context.Context, loanID int64, returnDate time.Time, fine decimal.Decimal) error {
	cmdTag, err := u.tx.Exec(ctx,
		`UPDATE loans SET return_date = $2, fine_amount = $3 WHERE id = $1`,
		loanID, returnDate, fine,
	)
	if err != nil {
		return fmt.Errorf("update loan return: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrLoanNotFound
	}
	return nil
}

// CountActiveLoansByUser возвращает число активных выдач читателя.
func (u *txUnitOfWork) CountActiveLoansByUser(ctx context.Context, userID int64) (int, error) {
	var count int
	err := u.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM loans WHERE user_id = $1 AND return_date IS NULL`,
		userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active loans: %w", err)
	}
	return count, nil
}

// ListActiveLoansByUser возвращает активные выдачи читателя в рамках транзакции.
func (u *txUnitOfWork) ListActiveLoansByUser(ctx context.Context, userID int64) ([]model.Loan, error) {
	rows, err := u.tx.Query(ctx,
		`SELECT id, user_id, copy_id, loan_date, due_date, return_date, fine_amount
		 FROM loans
		 WHERE user_id = $1 AND return_date IS NULL
		 ORDER BY due_date`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select active loans: %w", err)
	}
	return scanLoans(rows)
}

// InsertReturn сохраняет запись о возврате и возвращает её идентификатор.
func (u *txUnitOfWork) InsertReturn(ctx context.Context, ret *model.Return) (int64, error) {
	var id int64
	err := u.tx.QueryRow(ctx,
		`INSERT INTO returns (loan_id, return_date, fine_paid)
		 VALUES ($1, $2, $3)
		 RETURNING id`,
		ret.LoanID, ret.ReturnDate, ret.FinePaid,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert return: %w", err)
	}
	return id, nil
}

// GetPolicyByUserType возвращает политику выдачи категории читателя
// или nil, если политика для категории не задана.
func (u *txUnitOfWork) GetPolicyByUserType(ctx context.Context, userTypeID int64) (*model.LoanPolicy, error) {
	row := u.tx.QueryRow(ctx,
		`SELECT user_type_id, max_active_loans, loan_duration_days
		 FROM loan_policies WHERE user_type_id = $1`,
		userTypeID,
	)

	var p model.LoanPolicy
	err := row.Scan(&p.UserTypeID, &p.MaxActiveLoans, &p.LoanDurationDays)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get loan policy: %w", err)
	}

	return &p, nil
}

// GetAnnualFineRate возвращает ставку пени за год или nil, если она не задана.
func (u *txUnitOfWork) GetAnnualFineRate(ctx context.Context, year int) (*model.AnnualFineRate, error) {
	row := u.tx.QueryRow(ctx,
		`SELECT year, daily_rate FROM annual_fine_rates WHERE year = $1`,
		year,
	)

	var r model.AnnualFineRate
	err := row.Scan(&r.Year, &r.DailyRate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get annual fine rate: %w", err)
	}

	return &r, nil
}

// GetGlobalConfig возвращает глобальную конфигурацию или nil, если строка отсутствует.
func (u *txUnitOfWork) GetGlobalConfig(ctx context.Context) (*model.GlobalConfig, error) {
	row := u.tx.QueryRow(ctx,
		`SELECT max_copies_default, daily_fine_rate_default FROM global_config`,
	)

	var cfg model.GlobalConfig
	err := row.Scan(&cfg.MaxCopiesDefault, &cfg.DailyFineRateDefault)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get global config: %w", err)
	}

	return &cfg, nil
}
