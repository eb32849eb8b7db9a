// Package oms implements the order manager state machine described in
// §4.5: it orchestrates submit/cancel/modify against a book.Book and a
// risk.Manager, and tracks each order's lifecycle from New through a
// terminal state.
//
// The book, risk, and order-state maps are all guarded by a single mutex,
// mirroring the original implementation's lock-guard-per-call shape.
package oms

import (
	"errors"
	"sync"

	"github.com/argentumfx/core/pkg/book"
	"github.com/argentumfx/core/pkg/fixedpoint"
	"github.com/argentumfx/core/pkg/risk"
	"github.com/argentumfx/core/pkg/types"
)

// RejectReason classifies why submit_order refused an order.
type RejectReason int

const (
	RejectNone RejectReason = iota
	RejectInvalidOrder
	RejectDuplicateOrderID
	RejectRiskRejected
	RejectInternalError
)

func (r RejectReason) String() string {
	switch r {
	case RejectNone:
		return "none"
	case RejectInvalidOrder:
		return "invalid_order"
	case RejectDuplicateOrderID:
		return "duplicate_order_id"
	case RejectRiskRejected:
		return "risk_rejected"
	case RejectInternalError:
		return "internal_error"
	default:
		return "unknown"
	}
}

// Status is an order's position in its lifecycle.
type Status int

const (
	StatusNew Status = iota
	StatusResting
	StatusPartiallyFilled
	StatusFilled
	StatusCanceled
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusResting:
		return "resting"
	case StatusPartiallyFilled:
		return "partially_filled"
	case StatusFilled:
		return "filled"
	case StatusCanceled:
		return "canceled"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCanceled || s == StatusRejected
}

// State is the order manager's view of one order's lifecycle.
type State struct {
	Order         types.Order
	InitialLots   int64
	RemainingLots int64
	FilledLots    int64
	Status        Status
	RejectReason  RejectReason
	UpdatedAtNs   uint64
}

// SubmissionResult is returned by SubmitOrder.
type SubmissionResult struct {
	Accepted         bool
	Resting          bool
	FilledQuantity   float64
	RemainingQuantity float64
	Status           Status
	RejectReason     RejectReason
	Trades           []types.Trade
}

var (
	// ErrOrderNotFound is returned by Cancel/Modify calls for an unknown order_id.
	ErrOrderNotFound = errors.New("oms: order not found")
)

// Clock returns the current unix time in nanoseconds; injected so tests
// can control timestamps deterministically.
type Clock func() uint64

// Manager orchestrates one symbol's order lifecycle against a book.Book
// and a risk.Manager.
type Manager struct {
	risk  *risk.Manager
	book  *book.Book
	clock Clock

	mu            sync.Mutex
	activeOrders  map[uint64]State
	history       *historyRing
}

// DefaultHistoryCapacity bounds the order_history ring buffer, per the
// supplemented bounded-memory requirement for long-running gateways.
const DefaultHistoryCapacity = 100_000

// New constructs a Manager. historyCapacity <= 0 uses DefaultHistoryCapacity.
func New(r *risk.Manager, b *book.Book, clock Clock, historyCapacity int) *Manager {
	if historyCapacity <= 0 {
		historyCapacity = DefaultHistoryCapacity
	}
	if clock == nil {
		clock = func() uint64 { return 0 }
	}
	return &Manager{
		risk:         r,
		book:         b,
		clock:        clock,
		activeOrders: make(map[uint64]State),
		history:      newHistoryRing(historyCapacity),
	}
}

func isValidOrder(order types.Order) bool {
	if order.OrderID == 0 {
		return false
	}
	if order.QuantityLots <= 0 {
		return false
	}
	if order.Side != types.SideBuy && order.Side != types.SideSell {
		return false
	}
	if order.Type == types.OrderTypeLimit && order.PriceTicks <= 0 {
		return false
	}
	if order.Type != types.OrderTypeLimit && order.PriceTicks < 0 {
		return false
	}
	return true
}

// SubmitOrder is the entry point for a new order: it validates, checks
// for a duplicate order_id against both active and historical orders,
// reserves exposure with the risk manager, matches against the book, and
// either rests the residual (Limit) or releases it (Market).
func (m *Manager) SubmitOrder(order types.Order) SubmissionResult {
	normalized := order
	fixedpoint.NormalizeOrderScalars(&normalized)

	result := SubmissionResult{RemainingQuantity: normalized.Quantity}

	if !isValidOrder(normalized) {
		result.Status, result.RejectReason = StatusRejected, RejectInvalidOrder
		return result
	}

	m.mu.Lock()
	if _, exists := m.activeOrders[normalized.OrderID]; exists {
		m.mu.Unlock()
		result.Status, result.RejectReason = StatusRejected, RejectDuplicateOrderID
		return result
	}
	if m.history.has(normalized.OrderID) {
		m.mu.Unlock()
		result.Status, result.RejectReason = StatusRejected, RejectDuplicateOrderID
		return result
	}
	m.mu.Unlock()

	orderNotional := fixedpoint.SignedNotionalUnits(normalized)
	if err := m.risk.CheckOrder(orderNotional); err != nil {
		result.Status, result.RejectReason = StatusRejected, RejectRiskRejected
		return result
	}

	taker := State{
		Order:         normalized,
		InitialLots:   normalized.QuantityLots,
		RemainingLots: normalized.QuantityLots,
		Status:        StatusNew,
		UpdatedAtNs:   m.clock(),
	}

	trades, residual, err := m.book.MatchOrder(normalized)
	if err != nil {
		m.risk.OnCancel(orderNotional)
		result.Status, result.RejectReason = StatusRejected, RejectInternalError
		return result
	}
	result.Trades = trades

	for _, trade := range trades {
		fill := normalized
		fill.PriceTicks, fill.QuantityLots = trade.PriceTicks, trade.QuantityLots
		fill.Price, fill.Quantity = fixedpoint.FromPriceTicks(trade.PriceTicks), fixedpoint.FromQuantityLots(trade.QuantityLots)

		fillNotional := fixedpoint.SignedNotionalUnits(fill)
		m.risk.OnFill(fillNotional)
		// The taker reserved these lots at its own price (zero for a Market
		// order), not the trade price: settle the difference so exactly the
		// reserved amount leaves committed.
		reserved := normalized
		reserved.QuantityLots = trade.QuantityLots
		m.risk.OnCancel(fixedpoint.SignedNotionalUnits(reserved) - fillNotional)
		result.FilledQuantity += fill.Quantity
		taker.FilledLots += trade.QuantityLots
		taker.RemainingLots -= trade.QuantityLots
		if taker.RemainingLots < 0 {
			taker.RemainingLots = 0
		}

		m.applyTradeToMaker(trade.MakerOrderID, trade)
	}

	result.RemainingQuantity = fixedpoint.FromQuantityLots(taker.RemainingLots)
	result.Resting = normalized.Type == types.OrderTypeLimit && taker.RemainingLots > 0

	m.mu.Lock()
	if result.Resting {
		taker.Order = residual
		if taker.FilledLots > 0 {
			taker.Status = StatusPartiallyFilled
		} else {
			taker.Status = StatusResting
		}
		taker.UpdatedAtNs = m.clock()
		m.activeOrders[normalized.OrderID] = taker
	} else {
		if taker.RemainingLots > 0 {
			// Market order residual that could not fill: release its reservation.
			leftover := normalized
			leftover.PriceTicks, leftover.QuantityLots = normalized.PriceTicks, taker.RemainingLots
			m.risk.OnCancel(fixedpoint.SignedNotionalUnits(leftover))
		}
		if taker.FilledLots > 0 {
			taker.Status = StatusFilled
		} else {
			taker.Status = StatusCanceled
		}
		taker.RemainingLots = 0
		taker.Order.QuantityLots = 0
		taker.Order.Quantity = 0
		taker.UpdatedAtNs = m.clock()
		m.history.put(taker)
	}
	m.mu.Unlock()

	result.Accepted = true
	result.Status = taker.Status
	return result
}

// applyTradeToMaker updates an active resting maker order with a fill,
// moving it to history once fully filled. Must be called with m.mu unlocked.
func (m *Manager) applyTradeToMaker(makerOrderID uint64, trade types.Trade) {
	m.mu.Lock()
	defer m.mu.Unlock()

	maker, ok := m.activeOrders[makerOrderID]
	if !ok {
		return
	}

	fill := maker.Order
	fill.PriceTicks, fill.QuantityLots = trade.PriceTicks, trade.QuantityLots
	fill.Price, fill.Quantity = fixedpoint.FromPriceTicks(trade.PriceTicks), fixedpoint.FromQuantityLots(trade.QuantityLots)
	m.risk.OnFill(fixedpoint.SignedNotionalUnits(fill))

	maker.FilledLots += trade.QuantityLots
	maker.RemainingLots -= trade.QuantityLots
	if maker.RemainingLots < 0 {
		maker.RemainingLots = 0
	}
	maker.Order.QuantityLots = maker.RemainingLots
	maker.Order.Quantity = fixedpoint.FromQuantityLots(maker.RemainingLots)
	maker.UpdatedAtNs = m.clock()

	if maker.RemainingLots == 0 {
		maker.Status = StatusFilled
		delete(m.activeOrders, makerOrderID)
		m.history.put(maker)
		return
	}
	maker.Status = StatusPartiallyFilled
	m.activeOrders[makerOrderID] = maker
}

// CancelOrder cancels an active order in full, releasing its remaining
// reservation back to the risk manager.
func (m *Manager) CancelOrder(orderID uint64) error {
	m.mu.Lock()
	state, ok := m.activeOrders[orderID]
	if !ok {
		m.mu.Unlock()
		return ErrOrderNotFound
	}
	m.mu.Unlock()

	if _, err := m.book.CancelOrder(orderID); err != nil {
		return ErrOrderNotFound
	}

	m.risk.OnCancel(fixedpoint.SignedNotionalUnits(state.Order))

	m.mu.Lock()
	state.Status = StatusCanceled
	state.Order.QuantityLots = 0
	state.Order.Quantity = 0
	state.RemainingLots = 0
	state.UpdatedAtNs = m.clock()
	delete(m.activeOrders, orderID)
	m.history.put(state)
	m.mu.Unlock()
	return nil
}

// CancelOrderPartial reduces an active order's quantity by quantity
// (float64, converted to quantity_lots), releasing the corresponding
// exposure. An order reduced to zero becomes fully Canceled.
func (m *Manager) CancelOrderPartial(orderID uint64, quantity float64) error {
	reduceLots := fixedpoint.ToQuantityLots(quantity)
	if reduceLots <= 0 {
		return ErrOrderNotFound
	}

	m.mu.Lock()
	state, ok := m.activeOrders[orderID]
	m.mu.Unlock()
	if !ok {
		return ErrOrderNotFound
	}

	updated, err := m.book.CancelOrderPartial(orderID, reduceLots)
	if err != nil {
		return ErrOrderNotFound
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if updated.QuantityLots <= 0 {
		m.risk.OnCancel(fixedpoint.SignedNotionalUnits(state.Order))
		state.Status = StatusCanceled
		state.RemainingLots = 0
		state.Order.QuantityLots = 0
		state.Order.Quantity = 0
		state.UpdatedAtNs = m.clock()
		delete(m.activeOrders, orderID)
		m.history.put(state)
		return nil
	}

	oldRemaining := state.RemainingLots
	state.Order = updated
	state.RemainingLots = updated.QuantityLots
	if state.FilledLots > 0 {
		state.Status = StatusPartiallyFilled
	} else {
		state.Status = StatusResting
	}
	state.UpdatedAtNs = m.clock()

	released := oldRemaining - state.RemainingLots
	if released > 0 {
		canceled := updated
		canceled.QuantityLots = released
		canceled.Quantity = fixedpoint.FromQuantityLots(released)
		m.risk.OnCancel(fixedpoint.SignedNotionalUnits(canceled))
	}
	m.activeOrders[orderID] = state
	return nil
}

// ModifyOrder replaces order_id's price/quantity with newPrice/newQuantity.
// Unlike a naive cancel-then-recheck, the risk reservation for the
// original order is never released until the replacement's reservation
// has been admitted: ModifyOrder asks the risk manager to swap the
// reservation atomically, so a concurrent order can never consume the
// budget freed by a modify that ultimately gets rejected.
func (m *Manager) ModifyOrder(orderID uint64, newPrice, newQuantity float64) error {
	m.mu.Lock()
	state, ok := m.activeOrders[orderID]
	m.mu.Unlock()
	if !ok {
		return ErrOrderNotFound
	}

	replacement := state.Order
	replacement.Price, replacement.Quantity = newPrice, newQuantity
	replacement.PriceTicks, replacement.QuantityLots = 0, 0
	fixedpoint.NormalizeOrderScalars(&replacement)

	if !isValidOrder(replacement) {
		return ErrOrderNotFound
	}

	oldNotional := fixedpoint.SignedNotionalUnits(state.Order)
	newNotional := fixedpoint.SignedNotionalUnits(replacement)
	if err := m.risk.CheckReplace(oldNotional, newNotional); err != nil {
		return err
	}

	if err := m.book.ModifyOrder(orderID, replacement); err != nil {
		// Replacement couldn't be placed; undo the reservation swap.
		m.risk.CheckReplace(newNotional, oldNotional)
		return err
	}

	m.mu.Lock()
	state.Order = replacement
	state.InitialLots = replacement.QuantityLots
	state.RemainingLots = replacement.QuantityLots
	state.FilledLots = 0
	state.Status = StatusResting
	state.UpdatedAtNs = m.clock()
	m.activeOrders[orderID] = state
	m.mu.Unlock()
	return nil
}

// GetOrderState returns the order manager's view of order_id, looking
// first at active orders then at bounded history.
func (m *Manager) GetOrderState(orderID uint64) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.activeOrders[orderID]; ok {
		return s, true
	}
	return m.history.get(orderID)
}

// ActiveOrderCount returns the number of orders currently resting or
// partially filled.
func (m *Manager) ActiveOrderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.activeOrders)
}
