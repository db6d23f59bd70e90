package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// Trade rejections. All of them are user errors, recoverable by resubmitting
// the form; the handlers render them with a 400 status.
var (
	ErrInvalidSymbol     = errors.New("invalid stock symbol")
	ErrInvalidShares     = errors.New("invalid number of shares")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrOverSell          = errors.New("cannot sell more shares than you own")
)

// quoteSource is anything that can resolve a symbol to a current quote.
// A nil result means the symbol could not be resolved.
type quoteSource interface {
	Lookup(symbol string) *Quote
}

// Trader executes buys and sells against the ledger. Each trade runs in a
// single database transaction with the user's cash and holding rows locked,
// so concurrent trades by the same user cannot lose updates.
type Trader struct {
	store  *Store
	quotes quoteSource
}

func NewTrader(store *Store, quotes quoteSource) *Trader {
	return &Trader{store: store, quotes: quotes}
}

// ParseShares parses a form share count. Anything that is not a positive
// base-10 integer is rejected before any lookup or mutation happens.
func ParseShares(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, ErrInvalidShares
	}
	return n, nil
}

// Buy purchases shares of symbol at the current quoted price. On success the
// holding grows by exactly shares, cash shrinks by exactly price*shares and
// one Buy row is appended to history. On any rejection nothing is written.
func (t *Trader) Buy(userID int, symbol string, shares int) error {
	if shares <= 0 {
		return ErrInvalidShares
	}

	quote := t.quotes.Lookup(symbol)
	if quote == nil {
		return ErrInvalidSymbol
	}
	cost := quote.Price.Mul(decimal.NewFromInt(int64(shares)))

	tx, err := t.store.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cash, err := cashForUpdate(tx, userID)
	if err != nil {
		return fmt.Errorf("reading cash: %w", err)
	}
	if cost.GreaterThan(cash) {
		return ErrInsufficientFunds
	}

	held, _, err := holdingForUpdate(tx, userID, quote.Symbol)
	if err != nil {
		return fmt.Errorf("reading holding: %w", err)
	}

	if err := upsertHoldingTx(tx, userID, quote.Symbol, held+shares); err != nil {
		return fmt.Errorf("updating holding: %w", err)
	}
	if err := setCashTx(tx, userID, cash.Sub(cost)); err != nil {
		return fmt.Errorf("updating cash: %w", err)
	}
	if err := appendHistoryTx(tx, userID, quote.Symbol, shares, MethodBuy, quote.Price); err != nil {
		return fmt.Errorf("appending history: %w", err)
	}

	return tx.Commit()
}

// Sell disposes of shares of symbol at the current quoted price. The holding
// row is deleted when the position reaches zero. On any rejection nothing is
// written.
func (t *Trader) Sell(userID int, symbol string, shares int) error {
	if shares <= 0 {
		return ErrInvalidShares
	}
	symbol = normalizeSymbol(symbol)

	tx, err := t.store.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	held, ok, err := holdingForUpdate(tx, userID, symbol)
	if err != nil {
		return fmt.Errorf("reading holding: %w", err)
	}
	if !ok {
		return ErrInvalidSymbol
	}
	if shares > held {
		return ErrOverSell
	}

	quote := t.quotes.Lookup(symbol)
	if quote == nil {
		return ErrInvalidSymbol
	}
	value := quote.Price.Mul(decimal.NewFromInt(int64(shares)))

	cash, err := cashForUpdate(tx, userID)
	if err != nil {
		return fmt.Errorf("reading cash: %w", err)
	}

	if err := setCashTx(tx, userID, cash.Add(value)); err != nil {
		return fmt.Errorf("updating cash: %w", err)
	}
	if err := upsertHoldingTx(tx, userID, symbol, held-shares); err != nil {
		return fmt.Errorf("updating holding: %w", err)
	}
	if err := appendHistoryTx(tx, userID, symbol, shares, MethodSell, quote.Price); err != nil {
		return fmt.Errorf("appending history: %w", err)
	}

	return tx.Commit()
}
