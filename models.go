package main

import (
	"time"

	"github.com/shopspring/decimal"
)

type User struct {
	ID       int
	Username string
	Hash     string
	Cash     decimal.Decimal
}

// Holding is a user's current share count in one symbol.
// A row exists only while shares > 0.
type Holding struct {
	UserID int
	Symbol string
	Shares int
}

// HistoryEntry is an immutable record of one completed trade.
type HistoryEntry struct {
	ID       int
	UserID   int
	Symbol   string
	Shares   int
	Method   string
	Price    decimal.Decimal
	TradedAt time.Time
}

// Quote is a point-in-time price lookup result, never persisted.
type Quote struct {
	Symbol string
	Name   string
	Price  decimal.Decimal
}

const (
	MethodBuy  = "Buy"
	MethodSell = "Sell"
)
