package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/erain9/tradeclient/pkg/core"
	"github.com/erain9/tradeclient/pkg/exchange"
	"github.com/erain9/tradeclient/pkg/trader"
)

// OrderEntry is the order surface served on /orders
type OrderEntry interface {
	Place(ctx context.Context, req trader.PlaceRequest) (*core.Order, error)
	Cancel(ctx context.Context, orderID string) error
	Modify(ctx context.Context, orderID string, price, amount decimal.Decimal) (*core.Order, error)
	Open() []*core.Order
}

type placeBody struct {
	Instrument string          `json:"instrument_name"`
	Direction  string          `json:"direction"`
	Type       string          `json:"type"`
	Price      decimal.Decimal `json:"price"`
	Amount     decimal.Decimal `json:"amount"`
}

type modifyBody struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

func (s *Server) registerOrderRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /orders", s.handleListOrders)
	mux.HandleFunc("POST /orders", s.handlePlaceOrder)
	mux.HandleFunc("PUT /orders/{id}", s.handleModifyOrder)
	mux.HandleFunc("DELETE /orders/{id}", s.handleCancelOrder)
}

func (s *Server) handleListOrders(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.orders.Open())
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var body placeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, fmt.Sprintf("invalid body: %v", err), http.StatusBadRequest)
		return
	}
	side, err := core.ParseSide(body.Direction)
	if err != nil {
		s.writeError(w, err)
		return
	}
	orderType := core.TypeLimit
	if body.Type != "" {
		if orderType, err = core.ParseOrderType(body.Type); err != nil {
			s.writeError(w, err)
			return
		}
	}

	order, err := s.orders.Place(r.Context(), trader.PlaceRequest{
		Instrument: body.Instrument,
		Side:       side,
		Type:       orderType,
		Price:      body.Price,
		Amount:     body.Amount,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, order)
}

func (s *Server) handleModifyOrder(w http.ResponseWriter, r *http.Request) {
	var body modifyBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, fmt.Sprintf("invalid body: %v", err), http.StatusBadRequest)
		return
	}
	order, err := s.orders.Modify(r.Context(), r.PathValue("id"), body.Price, body.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, order)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	if err := s.orders.Cancel(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write response")
	}
}

// writeError maps order errors onto HTTP status codes
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusBadGateway
	switch {
	case errors.Is(err, core.ErrInvalidArgument), errors.Is(err, trader.ErrLimitExceeded):
		code = http.StatusBadRequest
	case errors.Is(err, core.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, exchange.ErrNotAuthenticated):
		code = http.StatusUnauthorized
	case errors.Is(err, exchange.ErrRejected):
		code = http.StatusUnprocessableEntity
	}
	if code == http.StatusBadGateway {
		s.logger.Error().Err(err).Msg("Order request failed")
	}
	http.Error(w, err.Error(), code)
}
