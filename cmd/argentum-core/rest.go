package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/argentumfx/core/pkg/gateway"
	"github.com/argentumfx/core/pkg/oms"
	"github.com/argentumfx/core/pkg/types"
)

// restRoutes builds the §6 REST surface (GET /api/v1/health, GET
// /api/v1/markets/{symbol}/snapshot, POST /api/v1/orders) on top of the
// same per-symbol gateways/managers the WebSocket server uses, so both
// front ends are thin wrappers over the same gateway.Gateway/oms.Manager
// pair per symbol.
func restRoutes(mux *http.ServeMux, primary *gateway.Gateway, gateways map[string]*gateway.Gateway, managers map[string]*oms.Manager) {
	mux.HandleFunc("GET /api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, primary.HealthJSON())
	})

	mux.HandleFunc("GET /api/v1/markets/{symbol}/snapshot", func(w http.ResponseWriter, r *http.Request) {
		symbol := gateway.NormalizeSymbol(r.PathValue("symbol"))
		gw, ok := gateways[symbol]
		if !ok {
			writeJSON(w, http.StatusOK, "{}")
			return
		}
		writeJSON(w, http.StatusOK, gw.LatestTickJSON(symbol))
	})

	mux.HandleFunc("POST /api/v1/orders", func(w http.ResponseWriter, r *http.Request) {
		handleSubmitOrder(w, r, gateways, managers)
	})
}

type orderRequestBody struct {
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	OrderType string  `json:"order_type"`
	Price     float64 `json:"price"`
	Quantity  float64 `json:"quantity"`
	OrderID   uint64  `json:"order_id"`
}

func handleSubmitOrder(w http.ResponseWriter, r *http.Request, gateways map[string]*gateway.Gateway, managers map[string]*oms.Manager) {
	var body orderRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		w.WriteHeader(http.StatusUnprocessableEntity)
		return
	}

	symbol := gateway.NormalizeSymbol(body.Symbol)
	gw, ok := gateways[symbol]
	if !ok {
		w.WriteHeader(http.StatusUnprocessableEntity)
		return
	}
	manager := managers[symbol]

	side := types.SideBuy
	if body.Side == "sell" {
		side = types.SideSell
	}
	orderType := types.OrderTypeLimit
	if body.OrderType == "market" {
		orderType = types.OrderTypeMarket
	}

	order := types.Order{
		OrderID:  body.OrderID,
		Symbol:   body.Symbol,
		Side:     side,
		Type:     orderType,
		Price:    body.Price,
		Quantity: body.Quantity,
	}
	if order.OrderID == 0 {
		order.OrderID = nextRESTOrderID()
	}

	ack := gateway.SubmitOrderAuthorized(gw, manager, order, bearerToken(r))

	status := http.StatusOK
	switch ack.GatewayRejectReason {
	case gateway.RejectUnauthorized:
		status = http.StatusUnauthorized
	case gateway.RejectRateLimited:
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, gateway.OrderAckToJSON(ack))
}

// handleWebSocketUpgrade authorizes the token query parameter against
// primary before handing the connection to wsSrv, matching the §6
// GET /ws?token=… contract (400 missing token, 401 unauthorized, 429 rate-limited).
func handleWebSocketUpgrade(primary *gateway.Gateway, wsSrv interface {
	HandleConnection(http.ResponseWriter, *http.Request)
}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("token")
		if token == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		ok, reason := primary.AuthorizeRequest(token, false)
		if !ok {
			if reason == gateway.RejectRateLimited {
				w.WriteHeader(http.StatusTooManyRequests)
			} else {
				w.WriteHeader(http.StatusUnauthorized)
			}
			return
		}
		wsSrv.HandleConnection(w, r)
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(auth, prefix) {
		return strings.TrimPrefix(auth, prefix)
	}
	return auth
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

var restOrderIDCounter uint64

func nextRESTOrderID() uint64 {
	return atomic.AddUint64(&restOrderIDCounter, 1)
}
