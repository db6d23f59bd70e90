package main

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// ErrUsernameTaken is returned by CreateUser when the username is already registered.
var ErrUsernameTaken = errors.New("username already taken")

// Store is the ledger: users with cash balances, current holdings and the
// append-only trade history. All access goes through here.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Init creates the schema if it does not exist yet.
func (s *Store) Init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id SERIAL PRIMARY KEY,
		username VARCHAR(255) UNIQUE NOT NULL,
		hash VARCHAR(255) NOT NULL,
		cash NUMERIC(16,2) NOT NULL DEFAULT 10000.00,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE TABLE IF NOT EXISTS portfolio (
		id SERIAL PRIMARY KEY,
		userid INTEGER NOT NULL REFERENCES users(id),
		symbol VARCHAR(16) NOT NULL,
		shares INTEGER NOT NULL,
		UNIQUE (userid, symbol)
	);
	CREATE TABLE IF NOT EXISTS history (
		id SERIAL PRIMARY KEY,
		userid INTEGER NOT NULL REFERENCES users(id),
		symbol VARCHAR(16) NOT NULL,
		shares INTEGER NOT NULL,
		method VARCHAR(8) NOT NULL,
		price NUMERIC(16,4) NOT NULL,
		traded_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// CreateUser registers a new user with the given bcrypt hash and starting cash.
func (s *Store) CreateUser(username, hash string, cash decimal.Decimal) (int, error) {
	var id int
	err := s.db.QueryRow(
		"INSERT INTO users (username, hash, cash) VALUES ($1, $2, $3) RETURNING id",
		username, hash, cash,
	).Scan(&id)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return 0, ErrUsernameTaken
		}
		return 0, err
	}
	return id, nil
}

func (s *Store) UserByName(username string) (*User, error) {
	var u User
	err := s.db.QueryRow(
		"SELECT id, username, hash, cash FROM users WHERE username = $1",
		username,
	).Scan(&u.ID, &u.Username, &u.Hash, &u.Cash)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) UserHash(userID int) (string, error) {
	var hash string
	err := s.db.QueryRow("SELECT hash FROM users WHERE id = $1", userID).Scan(&hash)
	return hash, err
}

func (s *Store) SetHash(userID int, hash string) error {
	_, err := s.db.Exec("UPDATE users SET hash = $1 WHERE id = $2", hash, userID)
	return err
}

func (s *Store) Cash(userID int) (decimal.Decimal, error) {
	var cash decimal.Decimal
	err := s.db.QueryRow("SELECT cash FROM users WHERE id = $1", userID).Scan(&cash)
	return cash, err
}

// Portfolio returns the user's current holdings ordered by first purchase.
func (s *Store) Portfolio(userID int) ([]Holding, error) {
	rows, err := s.db.Query(
		"SELECT userid, symbol, shares FROM portfolio WHERE userid = $1 ORDER BY id",
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var holdings []Holding
	for rows.Next() {
		var h Holding
		if err := rows.Scan(&h.UserID, &h.Symbol, &h.Shares); err != nil {
			return nil, err
		}
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

// History returns all of the user's past trades, oldest first.
func (s *Store) History(userID int) ([]HistoryEntry, error) {
	rows, err := s.db.Query(
		"SELECT id, userid, symbol, shares, method, price, traded_at FROM history WHERE userid = $1 ORDER BY id",
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Symbol, &e.Shares, &e.Method, &e.Price, &e.TradedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// The transaction-scoped variants below lock the rows they read so a trade's
// read-modify-write sequence is safe against concurrent requests for the
// same user.

func cashForUpdate(tx *sql.Tx, userID int) (decimal.Decimal, error) {
	var cash decimal.Decimal
	err := tx.QueryRow("SELECT cash FROM users WHERE id = $1 FOR UPDATE", userID).Scan(&cash)
	return cash, err
}

// holdingForUpdate returns the locked share count for (userID, symbol),
// or 0 and false if the user holds no position.
func holdingForUpdate(tx *sql.Tx, userID int, symbol string) (int, bool, error) {
	var shares int
	err := tx.QueryRow(
		"SELECT shares FROM portfolio WHERE userid = $1 AND symbol = $2 FOR UPDATE",
		userID, symbol,
	).Scan(&shares)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return shares, true, nil
}

func setCashTx(tx *sql.Tx, userID int, cash decimal.Decimal) error {
	_, err := tx.Exec("UPDATE users SET cash = $1 WHERE id = $2", cash, userID)
	return err
}

// upsertHoldingTx inserts or updates the holding row, deleting it when the
// share count drops to zero.
func upsertHoldingTx(tx *sql.Tx, userID int, symbol string, shares int) error {
	if shares <= 0 {
		_, err := tx.Exec("DELETE FROM portfolio WHERE userid = $1 AND symbol = $2", userID, symbol)
		return err
	}
	_, err := tx.Exec(
		`INSERT INTO portfolio (userid, symbol, shares) VALUES ($1, $2, $3)
		 ON CONFLICT (userid, symbol) DO UPDATE SET shares = EXCLUDED.shares`,
		userID, symbol, shares,
	)
	return err
}

func appendHistoryTx(tx *sql.Tx, userID int, symbol string, shares int, method string, price decimal.Decimal) error {
	_, err := tx.Exec(
		"INSERT INTO history (userid, symbol, shares, method, price) VALUES ($1, $2, $3, $4, $5)",
		userID, symbol, shares, method, price,
	)
	return err
}
