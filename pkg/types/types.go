// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the venue: order and balance
// records, enums, and the JSON request/response bodies of the HTTP API. It
// has no dependencies on internal packages, so it can be imported by any
// layer, including the client SDK.
package types

import (
	"regexp"
	"time"

	"github.com/google/uuid"
)

// CashTicker is the reserved symbol for the cash asset. Every price and every
// cash balance is denominated in it, in integer minor units. The instrument
// row for it is seeded at bootstrap and can never be delisted.
const CashTicker = "RUB"

// Direction represents the side of an order: BUY or SELL.
type Direction string

const (
	BUY  Direction = "BUY"
	SELL Direction = "SELL"
)

// Valid reports whether d is one of the two known directions.
func (d Direction) Valid() bool {
	return d == BUY || d == SELL
}

// Opposite returns the counter side (BUY for SELL and vice versa).
func (d Direction) Opposite() Direction {
	if d == BUY {
		return SELL
	}
	return BUY
}

// OrderStatus enumerates the order lifecycle.
//
// NEW and PARTIALLY_EXECUTED orders rest on the book (limit) or exist only
// inside the placing transaction (market). EXECUTED and CANCELLED are
// terminal and never re-opened.
type OrderStatus string

const (
	StatusNew               OrderStatus = "NEW"
	StatusPartiallyExecuted OrderStatus = "PARTIALLY_EXECUTED"
	StatusExecuted          OrderStatus = "EXECUTED"
	StatusCancelled         OrderStatus = "CANCELLED"
)

// Terminal reports whether the status is absorbing.
func (s OrderStatus) Terminal() bool {
	return s == StatusExecuted || s == StatusCancelled
}

// Open reports whether an order in this status still rests on the book.
func (s OrderStatus) Open() bool {
	return s == StatusNew || s == StatusPartiallyExecuted
}

// StatusForFill returns the status implied by a fill level: EXECUTED when
// filled == qty, PARTIALLY_EXECUTED when 0 < filled < qty, NEW otherwise.
func StatusForFill(filled, qty int64) OrderStatus {
	switch {
	case filled >= qty:
		return StatusExecuted
	case filled > 0:
		return StatusPartiallyExecuted
	default:
		return StatusNew
	}
}

// Role is the authorization level of a user.
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// User is an account on the venue. APIKey is the sole credential.
type User struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	Role   Role      `json:"role"`
	APIKey string    `json:"api_key"`
}

// Instrument is a tradable asset. Immutable after creation; deletion is
// refused while open orders reference the ticker.
type Instrument struct {
	Ticker      string `json:"ticker"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Balance is one (user, ticker) ledger row. Invariant at every committed
// state: Amount >= Locked >= 0. A missing row reads as (0, 0).
type Balance struct {
	UserID uuid.UUID
	Ticker string
	Amount int64 // total held, minor units
	Locked int64 // reserved by open orders; spendable = Amount - Locked
}

// Available returns the spendable portion of the balance.
func (b Balance) Available() int64 {
	return b.Amount - b.Locked
}

// Order is a persisted order record. Price is nil exactly when the order is
// a market order; market orders never rest, so a persisted open order always
// carries a price.
type Order struct {
	ID        uuid.UUID   `json:"id"`
	UserID    uuid.UUID   `json:"user_id"`
	Ticker    string      `json:"ticker"`
	Direction Direction   `json:"direction"`
	Qty       int64       `json:"qty"`
	Price     *int64      `json:"price,omitempty"`
	Status    OrderStatus `json:"status"`
	FilledQty int64       `json:"filled_qty"`
	Timestamp time.Time   `json:"timestamp"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// IsMarket reports whether the order executes immediately at book prices.
func (o *Order) IsMarket() bool {
	return o.Price == nil
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() int64 {
	return o.Qty - o.FilledQty
}

// Trade is one executed fill between a buy and a sell order. Append-only.
type Trade struct {
	ID           uuid.UUID `json:"-"`
	Ticker       string    `json:"ticker"`
	Amount       int64     `json:"amount"`
	Price        int64     `json:"price"`
	Timestamp    time.Time `json:"timestamp"`
	BuyOrderID   uuid.UUID `json:"-"`
	SellOrderID  uuid.UUID `json:"-"`
	BuyerUserID  uuid.UUID `json:"-"`
	SellerUserID uuid.UUID `json:"-"`
}

// Level is one aggregated price level of the L2 book.
type Level struct {
	Price int64 `json:"price"`
	Qty   int64 `json:"qty"`
}

// L2Book is the aggregated order book for one ticker: resting quantity
// grouped by price. Bids sorted by price descending, asks ascending.
type L2Book struct {
	BidLevels []Level `json:"bid_levels"`
	AskLevels []Level `json:"ask_levels"`
}

// Request/response bodies of the HTTP API.

// RegisterRequest creates a new user account.
type RegisterRequest struct {
	Name string `json:"name"`
}

// OrderRequest places a new order. Price absent means a market order.
type OrderRequest struct {
	Direction Direction `json:"direction"`
	Ticker    string    `json:"ticker"`
	Qty       int64     `json:"qty"`
	Price     *int64    `json:"price,omitempty"`
}

// IsMarket reports whether the request describes a market order.
func (r OrderRequest) IsMarket() bool {
	return r.Price == nil
}

// CreateOrderResponse acknowledges a placed order.
type CreateOrderResponse struct {
	Success bool      `json:"success"`
	OrderID uuid.UUID `json:"order_id"`
}

// OkResponse is the generic success acknowledgement.
type OkResponse struct {
	Success bool `json:"success"`
}

// InstrumentRequest lists a new instrument (admin only).
type InstrumentRequest struct {
	Ticker      string `json:"ticker"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// DepositRequest credits a user's balance (admin only).
type DepositRequest struct {
	UserID uuid.UUID `json:"user_id"`
	Ticker string    `json:"ticker"`
	Amount int64     `json:"amount"`
}

// WithdrawRequest debits a user's available balance (admin only).
type WithdrawRequest struct {
	UserID uuid.UUID `json:"user_id"`
	Ticker string    `json:"ticker"`
	Amount int64     `json:"amount"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// Validation helpers shared by the service and the client.

var tickerRe = regexp.MustCompile(`^[A-Z][A-Z0-9]{1,9}$`)

// ValidTicker reports whether s is a well-formed ticker: 2-10 uppercase
// alphanumeric characters starting with a letter.
func ValidTicker(s string) bool {
	return tickerRe.MatchString(s)
}

// ValidUserName reports whether a registration name is acceptable.
func ValidUserName(s string) bool {
	return len([]rune(s)) >= 3
}
