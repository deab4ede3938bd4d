package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"amm-sandbox/internal/model"
)

// Store is the write-only order archive. Markets never read it back; it
// exists for auditing runs after the process is gone.
type Store struct{ DB *sql.DB }

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Migrate(dir string) error {
	driver, err := postgres.WithInstance(s.DB, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *Store) Close() error { return s.DB.Close() }

// ── Orders ───────────────────────────────────────────

// InsertOrder archives one executed order. Re-archiving the same ID is a
// no-op.
func (s *Store) InsertOrder(ctx context.Context, n model.OrderNotification) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO order_archive (id, market_key, is_buy, wallet, amount_in, amount_out, price, executed_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (id) DO NOTHING`,
		n.ID, n.MarketKey, n.IsBuy, n.Wallet, n.AmountIn, n.AmountOut, n.Price, time.UnixMilli(n.Timestamp).UTC(),
	)
	return err
}

// ListOrders returns the newest archived orders of a market first.
func (s *Store) ListOrders(ctx context.Context, marketKey string, limit int) ([]model.OrderNotification, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, market_key, is_buy, wallet, amount_in, amount_out, price, executed_at
		 FROM order_archive WHERE market_key=$1 ORDER BY executed_at DESC LIMIT $2`, marketKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.OrderNotification{}
	for rows.Next() {
		var n model.OrderNotification
		var at time.Time
		if err := rows.Scan(&n.ID, &n.MarketKey, &n.IsBuy, &n.Wallet, &n.AmountIn, &n.AmountOut, &n.Price, &at); err != nil {
			return nil, err
		}
		n.Timestamp = at.UnixMilli()
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) CountOrders(ctx context.Context, marketKey string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM order_archive WHERE market_key=$1`, marketKey).Scan(&n)
	return n, err
}

// ── Sink ─────────────────────────────────────────────

func (s *Store) Name() string { return "archive" }

func (s *Store) Deliver(ctx context.Context, n model.OrderNotification) error {
	return s.InsertOrder(ctx, n)
}
