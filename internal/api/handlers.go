// Package api exposes the venue over HTTP/JSON: routing, TOKEN
// authentication, the admin surface, and the mapping from business errors
// to status codes. Handlers stay thin; everything transactional lives in
// the service layer.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/tochka-team/stock-market-api/pkg/apperr"
	"github.com/tochka-team/stock-market-api/pkg/types"
)

// VenueService is the application layer the handlers drive.
type VenueService interface {
	Register(ctx context.Context, name string) (*types.User, error)
	Authenticate(ctx context.Context, apiKey string) (*types.User, error)
	DeleteUser(ctx context.Context, id uuid.UUID) (*types.User, error)
	Deposit(ctx context.Context, userID uuid.UUID, ticker string, amount int64) error
	Withdraw(ctx context.Context, userID uuid.UUID, ticker string, amount int64) error

	Instruments(ctx context.Context) ([]types.Instrument, error)
	AddInstrument(ctx context.Context, in types.Instrument) error
	RemoveInstrument(ctx context.Context, ticker string) error
	OrderBook(ctx context.Context, ticker string, depth int) (*types.L2Book, error)
	Transactions(ctx context.Context, ticker string, limit int) ([]types.Trade, error)

	PlaceOrder(ctx context.Context, userID uuid.UUID, req types.OrderRequest) (uuid.UUID, error)
	CancelOrder(ctx context.Context, userID, orderID uuid.UUID) error
	GetOrder(ctx context.Context, userID, orderID uuid.UUID) (*types.Order, error)
	ListOrders(ctx context.Context, userID uuid.UUID, limit, offset int) ([]types.Order, error)
	Balances(ctx context.Context, userID uuid.UUID) (map[string]int64, error)
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	svc        VenueService
	adminToken string
	logger     *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(svc VenueService, adminToken string, logger *slog.Logger) *Handlers {
	return &Handlers{
		svc:        svc,
		adminToken: adminToken,
		logger:     logger.With("component", "api-handlers"),
	}
}

func (h *Handlers) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "pong"})
}

func (h *Handlers) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req types.RegisterRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	u, err := h.svc.Register(r.Context(), req.Name)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *Handlers) handleInstruments(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.Instruments(r.Context())
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if list == nil {
		list = []types.Instrument{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handlers) handleAddInstrument(w http.ResponseWriter, r *http.Request) {
	var req types.InstrumentRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	in := types.Instrument{Ticker: req.Ticker, Name: req.Name, Description: req.Description}
	if err := h.svc.AddInstrument(r.Context(), in); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, types.OkResponse{Success: true})
}

func (h *Handlers) handleDeleteInstrument(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.RemoveInstrument(r.Context(), r.PathValue("ticker")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, types.OkResponse{Success: true})
}

func (h *Handlers) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req types.DepositRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := h.svc.Deposit(r.Context(), req.UserID, req.Ticker, req.Amount); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, types.OkResponse{Success: true})
}

func (h *Handlers) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req types.WithdrawRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := h.svc.Withdraw(r.Context(), req.UserID, req.Ticker, req.Amount); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, types.OkResponse{Success: true})
}

func (h *Handlers) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, apperr.New(apperr.InvalidInput, "malformed user id"))
		return
	}
	u, err := h.svc.DeleteUser(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (h *Handlers) handleBalances(w http.ResponseWriter, r *http.Request) {
	balances, err := h.svc.Balances(r.Context(), userFrom(r.Context()).ID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, balances)
}

func (h *Handlers) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req types.OrderRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	orderID, err := h.svc.PlaceOrder(r.Context(), userFrom(r.Context()).ID, req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, types.CreateOrderResponse{Success: true, OrderID: orderID})
}

func (h *Handlers) handleListOrders(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 0)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	offset, err := intQuery(r, "offset", 0)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	orders, err := h.svc.ListOrders(r.Context(), userFrom(r.Context()).ID, limit, offset)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if orders == nil {
		orders = []types.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (h *Handlers) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, apperr.New(apperr.NotFound, "order not found"))
		return
	}
	o, err := h.svc.GetOrder(r.Context(), userFrom(r.Context()).ID, id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handlers) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, apperr.New(apperr.NotFound, "order not found"))
		return
	}
	if err := h.svc.CancelOrder(r.Context(), userFrom(r.Context()).ID, id); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, types.OkResponse{Success: true})
}

func (h *Handlers) handleOrderBook(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 0)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	book, err := h.svc.OrderBook(r.Context(), r.PathValue("ticker"), limit)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (h *Handlers) handleTransactions(w http.ResponseWriter, r *http.Request) {
	limit, err := intQuery(r, "limit", 0)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	trades, err := h.svc.Transactions(r.Context(), r.PathValue("ticker"), limit)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if trades == nil {
		trades = []types.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// intQuery parses an optional integer query parameter.
func intQuery(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Newf(apperr.InvalidInput, "%s must be an integer", name)
	}
	return n, nil
}
