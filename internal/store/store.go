package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"golang.org/x/text/unicode/norm"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var ErrInvalidEntry = errors.New("invalid waitlist entry")

type Store struct {
	db  *DB
	now func() time.Time
}

type DB struct {
	raw *sql.DB
}

type Tx struct {
	raw *sql.Tx
}

func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.raw.QueryRowContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Tx, error) {
	tx, err := db.raw.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return &Tx{raw: tx}, nil
}

func (db *DB) Close() error {
	return db.raw.Close()
}

func (tx *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.raw.ExecContext(ctx, rebindPostgresPlaceholders(query), args...)
}

func (tx *Tx) Commit() error {
	return tx.raw.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.raw.Rollback()
}

// rebindPostgresPlaceholders turns ? into $1..$n outside single-quoted literals.
func rebindPostgresPlaceholders(query string) string {
	var out strings.Builder
	out.Grow(len(query) + 16)

	arg := 1
	inSingleQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			out.WriteByte(ch)
			if inSingleQuote {
				if i+1 < len(query) && query[i+1] == '\'' {
					out.WriteByte(query[i+1])
					i++
					continue
				}
				inSingleQuote = false
			} else {
				inSingleQuote = true
			}
			continue
		}

		if ch == '?' && !inSingleQuote {
			out.WriteByte('$')
			out.WriteString(strconv.Itoa(arg))
			arg++
			continue
		}

		out.WriteByte(ch)
	}

	return out.String()
}

func NewStore(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetConnMaxIdleTime(30 * time.Second)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)

	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &Store{db: &DB{raw: db}, now: time.Now}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) WithTx(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS waitlist (
			id BIGSERIAL PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			country TEXT NOT NULL,
			newsletter BOOLEAN NOT NULL DEFAULT FALSE,
			created_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS fulfilled_withdraw_orders (
			order_pubkey TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			market_index INTEGER NOT NULL,
			amount TEXT NOT NULL,
			release_slot BIGINT NOT NULL,
			signature TEXT NOT NULL,
			fulfilled_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_fulfilled_withdraw_orders_owner ON fulfilled_withdraw_orders(owner, fulfilled_at DESC);`,
		`CREATE TABLE IF NOT EXISTS keeper_state (
			id BIGINT PRIMARY KEY CHECK (id = 1),
			last_slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
	}
	for _, statement := range ddl {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

type WaitlistEntry struct {
	Email      string
	Name       string
	Country    string
	Newsletter bool
}

// Normalize trims every field and folds the email (lowercase, NFKC) so the
// unique constraint is case-insensitive.
func (e WaitlistEntry) Normalize() (WaitlistEntry, error) {
	e.Email = norm.NFKC.String(strings.ToLower(strings.TrimSpace(e.Email)))
	e.Name = strings.TrimSpace(e.Name)
	e.Country = strings.TrimSpace(e.Country)
	if e.Email == "" {
		return WaitlistEntry{}, fmt.Errorf("%w: email is required", ErrInvalidEntry)
	}
	if address, err := mail.ParseAddress(e.Email); err != nil || address.Address != e.Email {
		return WaitlistEntry{}, fmt.Errorf("%w: invalid email", ErrInvalidEntry)
	}
	if e.Name == "" {
		return WaitlistEntry{}, fmt.Errorf("%w: name is required", ErrInvalidEntry)
	}
	if e.Country == "" {
		return WaitlistEntry{}, fmt.Errorf("%w: country is required", ErrInvalidEntry)
	}
	return e, nil
}

// AddToWaitlist reports created=false when the email is already present.
func (s *Store) AddToWaitlist(ctx context.Context, entry WaitlistEntry) (bool, error) {
	entry, err := entry.Normalize()
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO waitlist (email, name, country, newsletter, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (email) DO NOTHING
	`, entry.Email, entry.Name, entry.Country, entry.Newsletter, s.now().Unix())
	if err != nil {
		return false, fmt.Errorf("insert waitlist entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("waitlist rows affected: %w", err)
	}
	return affected > 0, nil
}

func (s *Store) WaitlistSize(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM waitlist`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count waitlist: %w", err)
	}
	return count, nil
}

type FulfilledOrder struct {
	Order       solana.PublicKey
	Owner       solana.PublicKey
	MarketIndex uint16
	Amount      uint64
	ReleaseSlot uint64
	Signature   solana.Signature
}

// RecordFulfilledOrder stores the order and advances the keeper's last
// processed slot in one transaction. The slot never moves backwards.
func (s *Store) RecordFulfilledOrder(ctx context.Context, order FulfilledOrder, slot uint64) error {
	now := s.now().Unix()
	return s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO fulfilled_withdraw_orders (order_pubkey, owner, market_index, amount, release_slot, signature, fulfilled_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (order_pubkey) DO UPDATE SET
				signature = EXCLUDED.signature,
				fulfilled_at = EXCLUDED.fulfilled_at
		`,
			order.Order.String(),
			order.Owner.String(),
			int64(order.MarketIndex),
			strconv.FormatUint(order.Amount, 10),
			int64(order.ReleaseSlot),
			order.Signature.String(),
			now,
		); err != nil {
			return fmt.Errorf("insert fulfilled order: %w", err)
		}
		return upsertKeeperSlotTx(ctx, tx, slot, now)
	})
}

func upsertKeeperSlotTx(ctx context.Context, tx *Tx, slot uint64, now int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO keeper_state (id, last_slot, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			last_slot = GREATEST(keeper_state.last_slot, EXCLUDED.last_slot),
			updated_at = EXCLUDED.updated_at
	`, int64(slot), now)
	if err != nil {
		return fmt.Errorf("upsert keeper state: %w", err)
	}
	return nil
}

// LastKeeperSlot returns 0 before the first fulfilled order.
func (s *Store) LastKeeperSlot(ctx context.Context) (uint64, error) {
	var slot int64
	err := s.db.QueryRowContext(ctx, `SELECT last_slot FROM keeper_state WHERE id = 1`).Scan(&slot)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read keeper state: %w", err)
	}
	return uint64(slot), nil
}

func (s *Store) FulfilledOrderCount(ctx context.Context, owner solana.PublicKey) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fulfilled_withdraw_orders WHERE owner = ?`, owner.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count fulfilled orders: %w", err)
	}
	return count, nil
}
