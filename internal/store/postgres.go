package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/creditops/internal/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Store struct {
	Db     *pgxpool.Pool
	logger *zap.Logger
}

func NewStore(ctx context.Context, connString string, logger *zap.Logger) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{Db: pool, logger: logger}, nil
}

func (s *Store) Close() {
	s.Db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Db.Ping(ctx)
}

// IncrementBalance records the idempotency key and adds the delta to the
// user's balance in one transaction. A concurrent delivery of the same key
// blocks on the primary key until the first commits, then inserts nothing
// and reports AlreadyApplied.
func (s *Store) IncrementBalance(ctx context.Context, u domain.LedgerUpdate) (domain.ApplyResult, error) {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return 0, fmt.Errorf("tx begin failed: %w: %w", domain.ErrStore, err)
	}
	defer tx.Rollback(ctx)

	// 1. Idempotency Reservation
	tag, err := tx.Exec(ctx,
		`INSERT INTO credit_events (idempotency_key, user_id, kind, delta, payload)
		 VALUES ($1, $2, $3, $4::text::numeric, $5)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		u.IdempotencyKey, u.UserID, u.Kind.String(), u.Delta.String(), u.Payload,
	)
	if err != nil {
		return 0, fmt.Errorf("credit event insert failed: %w: %w", domain.ErrStore, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.AlreadyApplied, nil
	}

	// 2. Balance Increment
	_, err = tx.Exec(ctx,
		`INSERT INTO accounts (user_id, balance) VALUES ($1, $2::text::numeric)
		 ON CONFLICT (user_id) DO UPDATE
		 SET balance = accounts.balance + EXCLUDED.balance, updated_at = NOW()`,
		u.UserID, u.Delta.String(),
	)
	if err != nil {
		return 0, fmt.Errorf("balance update failed: %w: %w", domain.ErrStore, err)
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("tx commit failed: %w: %w", domain.ErrStore, err)
	}
	return domain.Applied, nil
}

// MarkNotified stores the notification outcome on the credit event.
func (s *Store) MarkNotified(ctx context.Context, key string, notifyErr error) error {
	var err error
	if notifyErr == nil {
		_, err = s.Db.Exec(ctx,
			"UPDATE credit_events SET notified_at = NOW(), notify_error = '' WHERE idempotency_key = $1", key)
	} else {
		_, err = s.Db.Exec(ctx,
			"UPDATE credit_events SET notify_error = $2 WHERE idempotency_key = $1", key, notifyErr.Error())
	}
	if err != nil {
		return fmt.Errorf("mark notified failed: %w: %w", domain.ErrStore, err)
	}
	return nil
}

// GetAccount retrieves a single account by user ID.
func (s *Store) GetAccount(ctx context.Context, userID int64) (*domain.Account, error) {
	row := s.Db.QueryRow(ctx,
		"SELECT user_id, balance::text, created_at, updated_at FROM accounts WHERE user_id = $1", userID)
	acc, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}
	return acc, nil
}

// ListAccounts returns accounts ordered by most recent activity.
func (s *Store) ListAccounts(ctx context.Context, limit, offset int) ([]domain.Account, error) {
	rows, err := s.Db.Query(ctx,
		`SELECT user_id, balance::text, created_at, updated_at FROM accounts
		 ORDER BY updated_at DESC, user_id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	accounts := []domain.Account{}
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			s.logger.Warn("error scanning account", zap.Error(err))
			continue
		}
		accounts = append(accounts, *acc)
	}
	return accounts, rows.Err()
}

// GetCreditEvents retrieves applied credits for a specific user.
func (s *Store) GetCreditEvents(ctx context.Context, userID int64) ([]domain.CreditEvent, error) {
	var exists bool
	err := s.Db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM accounts WHERE user_id=$1)", userID).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.ErrAccountNotFound
	}

	rows, err := s.Db.Query(ctx,
		`SELECT idempotency_key, user_id, kind, delta::text, payload, created_at
		 FROM credit_events WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []domain.CreditEvent{}
	for rows.Next() {
		var ev domain.CreditEvent
		var delta string
		if err := rows.Scan(&ev.IdempotencyKey, &ev.UserID, &ev.Kind, &delta, &ev.Payload, &ev.CreatedAt); err != nil {
			s.logger.Warn("error scanning credit event", zap.Error(err))
			continue
		}
		ev.Delta, err = decimal.NewFromString(delta)
		if err != nil {
			s.logger.Warn("error parsing credit delta", zap.String("key", ev.IdempotencyKey), zap.Error(err))
			continue
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Stats aggregates account and credit counters.
func (s *Store) Stats(ctx context.Context) (*domain.Stats, error) {
	var st domain.Stats
	var total string
	err := s.Db.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM accounts),
			COUNT(*),
			COUNT(*) FILTER (WHERE kind = $1),
			COUNT(*) FILTER (WHERE kind = $2),
			COALESCE(SUM(delta), 0)::text
		FROM credit_events`,
		domain.KindCryptoInvoice.String(), domain.KindStarsPayment.String(),
	).Scan(&st.TotalAccounts, &st.TotalCredits, &st.CryptoCredits, &st.StarsCredits, &total)
	if err != nil {
		return nil, err
	}
	st.TotalCredited, err = decimal.NewFromString(total)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var acc domain.Account
	var balance string
	var created, updated time.Time
	if err := row.Scan(&acc.UserID, &balance, &created, &updated); err != nil {
		return nil, err
	}
	b, err := decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("bad balance %q: %w", balance, err)
	}
	acc.Balance = b
	acc.CreatedAt = created
	acc.UpdatedAt = updated
	return &acc, nil
}
