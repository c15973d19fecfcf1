// Package client is a typed REST client for the venue API.
//
// It covers the whole HTTP surface: registration, order management, balance
// reads, the public book and tape, and the admin operations. Non-2xx
// replies decode into the error taxonomy of the server, so callers can
// branch with apperr.IsKind.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/tochka-team/stock-market-api/pkg/apperr"
	"github.com/tochka-team/stock-market-api/pkg/types"
)

// Client talks to one venue deployment. It wraps a resty HTTP client with
// timeout and retry on 5xx.
type Client struct {
	http *resty.Client
}

// New creates a client for the given base URL.
func New(baseURL string) *Client {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{http: httpClient}
}

// SetToken sets the credential sent with every subsequent request: a user's
// api_key, or the shared admin secret for the admin surface.
func (c *Client) SetToken(token string) *Client {
	c.http.SetHeader("Authorization", "TOKEN "+token)
	return c
}

// Ping checks the server is up.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get("/ping")
	return c.check(resp, err, http.StatusOK, "ping")
}

// Register creates a new user account and returns it, api key included.
func (c *Client) Register(ctx context.Context, name string) (*types.User, error) {
	var u types.User
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(types.RegisterRequest{Name: name}).
		SetResult(&u).
		Post("/register")
	if err := c.check(resp, err, http.StatusOK, "register"); err != nil {
		return nil, err
	}
	return &u, nil
}

// Instruments lists every tradable instrument.
func (c *Client) Instruments(ctx context.Context) ([]types.Instrument, error) {
	var out []types.Instrument
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get("/instrument")
	if err := c.check(resp, err, http.StatusOK, "list instruments"); err != nil {
		return nil, err
	}
	return out, nil
}

// Balances returns the caller's available funds per ticker.
func (c *Client) Balances(ctx context.Context) (map[string]int64, error) {
	out := make(map[string]int64)
	resp, err := c.http.R().SetContext(ctx).SetResult(&out).Get("/balance")
	if err := c.check(resp, err, http.StatusOK, "get balances"); err != nil {
		return nil, err
	}
	return out, nil
}

// PlaceOrder submits a new order and returns its id.
func (c *Client) PlaceOrder(ctx context.Context, req types.OrderRequest) (uuid.UUID, error) {
	var out types.CreateOrderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/order")
	if err := c.check(resp, err, http.StatusCreated, "place order"); err != nil {
		return uuid.Nil, err
	}
	return out.OrderID, nil
}

// GetOrder fetches one of the caller's orders.
func (c *Client) GetOrder(ctx context.Context, id uuid.UUID) (*types.Order, error) {
	var o types.Order
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&o).
		Get("/order/" + id.String())
	if err := c.check(resp, err, http.StatusOK, "get order"); err != nil {
		return nil, err
	}
	return &o, nil
}

// ListOrders pages through the caller's order history, newest first.
func (c *Client) ListOrders(ctx context.Context, limit, offset int) ([]types.Order, error) {
	var out []types.Order
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("limit", fmt.Sprint(limit)).
		SetQueryParam("offset", fmt.Sprint(offset)).
		SetResult(&out).
		Get("/order")
	if err := c.check(resp, err, http.StatusOK, "list orders"); err != nil {
		return nil, err
	}
	return out, nil
}

// CancelOrder cancels one of the caller's open orders.
func (c *Client) CancelOrder(ctx context.Context, id uuid.UUID) error {
	resp, err := c.http.R().SetContext(ctx).Delete("/order/" + id.String())
	return c.check(resp, err, http.StatusOK, "cancel order")
}

// OrderBook fetches the aggregated book for a ticker.
func (c *Client) OrderBook(ctx context.Context, ticker string, limit int) (*types.L2Book, error) {
	var book types.L2Book
	req := c.http.R().SetContext(ctx).SetResult(&book)
	if limit > 0 {
		req.SetQueryParam("limit", fmt.Sprint(limit))
	}
	resp, err := req.Get("/public/orderbook/" + ticker)
	if err := c.check(resp, err, http.StatusOK, "get orderbook"); err != nil {
		return nil, err
	}
	return &book, nil
}

// Transactions fetches the most recent trades on a ticker, newest first.
func (c *Client) Transactions(ctx context.Context, ticker string, limit int) ([]types.Trade, error) {
	var out []types.Trade
	req := c.http.R().SetContext(ctx).SetResult(&out)
	if limit > 0 {
		req.SetQueryParam("limit", fmt.Sprint(limit))
	}
	resp, err := req.Get("/public/transactions/" + ticker)
	if err := c.check(resp, err, http.StatusOK, "get transactions"); err != nil {
		return nil, err
	}
	return out, nil
}

// Admin surface. These require the client token to be the shared admin
// secret, not a user api_key.

// AddInstrument lists a new instrument.
func (c *Client) AddInstrument(ctx context.Context, in types.Instrument) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(types.InstrumentRequest{Ticker: in.Ticker, Name: in.Name, Description: in.Description}).
		Post("/admin/instrument")
	return c.check(resp, err, http.StatusOK, "add instrument")
}

// DeleteInstrument delists an instrument.
func (c *Client) DeleteInstrument(ctx context.Context, ticker string) error {
	resp, err := c.http.R().SetContext(ctx).Delete("/admin/instrument/" + ticker)
	return c.check(resp, err, http.StatusOK, "delete instrument")
}

// Deposit credits a user's balance.
func (c *Client) Deposit(ctx context.Context, userID uuid.UUID, ticker string, amount int64) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(types.DepositRequest{UserID: userID, Ticker: ticker, Amount: amount}).
		Post("/admin/balance/deposit")
	return c.check(resp, err, http.StatusOK, "deposit")
}

// Withdraw debits a user's available balance.
func (c *Client) Withdraw(ctx context.Context, userID uuid.UUID, ticker string, amount int64) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(types.WithdrawRequest{UserID: userID, Ticker: ticker, Amount: amount}).
		Post("/admin/balance/withdraw")
	return c.check(resp, err, http.StatusOK, "withdraw")
}

// DeleteUser removes an account and returns the deleted record.
func (c *Client) DeleteUser(ctx context.Context, id uuid.UUID) (*types.User, error) {
	var u types.User
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&u).
		Delete("/admin/user/" + id.String())
	if err := c.check(resp, err, http.StatusOK, "delete user"); err != nil {
		return nil, err
	}
	return &u, nil
}

// check turns a transport error or a non-expected status into a typed
// error. The server's {"detail": ...} body becomes the message; the status
// code picks the kind.
func (c *Client) check(resp *resty.Response, err error, want int, op string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if resp.StatusCode() == want {
		return nil
	}
	detail := resp.String()
	var body types.ErrorResponse
	if jsonErr := json.Unmarshal(resp.Body(), &body); jsonErr == nil && body.Detail != "" {
		detail = body.Detail
	}
	return apperr.Newf(kindForStatus(resp.StatusCode()), "%s: %s", op, detail)
}

// kindForStatus is the inverse of the server's status mapping. 400 carries
// several kinds; the client collapses them to InvalidInput since the detail
// string is what matters to a caller at that point.
func kindForStatus(status int) apperr.Kind {
	switch status {
	case http.StatusUnauthorized:
		return apperr.Unauthenticated
	case http.StatusForbidden:
		return apperr.Forbidden
	case http.StatusNotFound:
		return apperr.NotFound
	case http.StatusConflict:
		return apperr.Conflict
	case http.StatusBadRequest:
		return apperr.InvalidInput
	default:
		return apperr.Internal
	}
}
