// Package book implements a single-symbol limit order book with
// price-time priority, as described in §4.3. Price levels are tracked with
// a heap of price_ticks per side (min-heap for asks, max-heap for bids, in
// the spirit of the teacher's PriceHeap), each level holding a FIFO list of
// resting orders; an order_id index gives O(1) cancel/modify lookup.
//
// A Book is not internally synchronized: callers serialize access to a
// single symbol's book externally (typically one goroutine per symbol).
package book

import (
	"container/heap"
	"container/list"
	"errors"

	"github.com/argentumfx/core/pkg/fixedpoint"
	"github.com/argentumfx/core/pkg/types"
)

var (
	// ErrInvalidQuantity rejects an order with non-positive quantity_lots.
	ErrInvalidQuantity = errors.New("book: quantity_lots must be positive")
	// ErrOrderNotFound is returned by cancel/modify for an unknown order_id.
	ErrOrderNotFound = errors.New("book: order not found")
	// ErrStopOrder is returned by MatchOrder for a Stop order, which the book does not match.
	ErrStopOrder = errors.New("book: stop orders are not matched")
)

// locator is the O(1) lookup entry for a resting order: which side/price
// level it rests on and its position within that level's FIFO list.
type locator struct {
	side       types.Side
	priceTicks int64
	elem       *list.Element
}

// priceLevel is the FIFO queue of orders resting at one price_ticks.
type priceLevel struct {
	priceTicks int64
	orders     *list.List // of *types.Order
}

// priceHeap orders price_ticks for one side: ascending for asks (best ask
// is the lowest price), descending for bids (best bid is the highest).
type priceHeap struct {
	prices []int64
	bids   bool
}

func (h priceHeap) Len() int { return len(h.prices) }
func (h priceHeap) Less(i, j int) bool {
	if h.bids {
		return h.prices[i] > h.prices[j]
	}
	return h.prices[i] < h.prices[j]
}
func (h priceHeap) Swap(i, j int) { h.prices[i], h.prices[j] = h.prices[j], h.prices[i] }
func (h *priceHeap) Push(x any)   { h.prices = append(h.prices, x.(int64)) }
func (h *priceHeap) Pop() any {
	old := h.prices
	n := len(old)
	v := old[n-1]
	h.prices = old[:n-1]
	return v
}

// side holds one half of the book: a heap of active price_ticks and the
// level (FIFO order queue) at each.
type side struct {
	heap   priceHeap
	levels map[int64]*priceLevel
}

func newSide(bids bool) *side {
	return &side{
		heap:   priceHeap{bids: bids},
		levels: make(map[int64]*priceLevel),
	}
}

// bestPrice returns the top of the heap, skipping (and popping) any stale
// entries left behind by a level that has since been fully drained.
func (s *side) bestPrice() (int64, bool) {
	for s.heap.Len() > 0 {
		p := s.heap.prices[0]
		if lvl, ok := s.levels[p]; ok && lvl.orders.Len() > 0 {
			return p, true
		}
		heap.Pop(&s.heap)
	}
	return 0, false
}

func (s *side) levelAt(priceTicks int64) (*priceLevel, bool) {
	lvl, ok := s.levels[priceTicks]
	return lvl, ok
}

func (s *side) getOrCreateLevel(priceTicks int64) *priceLevel {
	lvl, ok := s.levels[priceTicks]
	if ok {
		return lvl
	}
	lvl = &priceLevel{priceTicks: priceTicks, orders: list.New()}
	s.levels[priceTicks] = lvl
	heap.Push(&s.heap, priceTicks)
	return lvl
}

func (s *side) removeLevelIfEmpty(priceTicks int64) {
	if lvl, ok := s.levels[priceTicks]; ok && lvl.orders.Len() == 0 {
		delete(s.levels, priceTicks)
	}
}

// Book is a single-symbol limit order book.
type Book struct {
	symbol      string
	bids        *side
	asks        *side
	orderLookup map[uint64]locator
	nextTradeID uint64
}

// New constructs an empty book for symbol.
func New(symbol string) *Book {
	return &Book{
		symbol:      symbol,
		bids:        newSide(true),
		asks:        newSide(false),
		orderLookup: make(map[uint64]locator),
		nextTradeID: 1,
	}
}

// Symbol returns the book's instrument symbol.
func (b *Book) Symbol() string { return b.symbol }

func (b *Book) sideFor(s types.Side) *side {
	if s.IsBuy() {
		return b.bids
	}
	return b.asks
}

// AddOrder rests order on the book without matching. Callers that want
// matching behavior should use MatchOrder instead; MatchOrder uses AddOrder
// to rest a Limit residual, and ModifyOrder to place a replacement or
// restore the original.
func (b *Book) AddOrder(order types.Order) error {
	if order.QuantityLots <= 0 {
		return ErrInvalidQuantity
	}
	s := b.sideFor(order.Side)
	lvl := s.getOrCreateLevel(order.PriceTicks)
	elem := lvl.orders.PushBack(order)
	b.orderLookup[order.OrderID] = locator{side: order.Side, priceTicks: order.PriceTicks, elem: elem}
	return nil
}

// CancelOrder removes order_id from the book entirely, returning the
// canceled order's last-known quantity_lots for risk release.
func (b *Book) CancelOrder(orderID uint64) (types.Order, error) {
	loc, ok := b.orderLookup[orderID]
	if !ok {
		return types.Order{}, ErrOrderNotFound
	}
	s := b.sideFor(loc.side)
	lvl, ok := s.levelAt(loc.priceTicks)
	if !ok {
		delete(b.orderLookup, orderID)
		return types.Order{}, ErrOrderNotFound
	}
	canceled := loc.elem.Value.(types.Order)
	lvl.orders.Remove(loc.elem)
	s.removeLevelIfEmpty(loc.priceTicks)
	delete(b.orderLookup, orderID)
	return canceled, nil
}

// CancelOrderPartial reduces a resting order's quantity_lots by
// reduceLots without losing its place in price-time priority, returning
// the updated order.
func (b *Book) CancelOrderPartial(orderID uint64, reduceLots int64) (types.Order, error) {
	loc, ok := b.orderLookup[orderID]
	if !ok {
		return types.Order{}, ErrOrderNotFound
	}
	order := loc.elem.Value.(types.Order)
	order.QuantityLots -= reduceLots
	if order.QuantityLots <= 0 {
		_, err := b.CancelOrder(orderID)
		return types.Order{}, err
	}
	order.Quantity = fixedpoint.FromQuantityLots(order.QuantityLots)
	loc.elem.Value = order
	return order, nil
}

// ModifyOrder replaces order_id with replacement, implemented as
// cancel-then-add: if re-adding fails (invalid quantity), the original
// resting order is restored so the book is never left without the order
// it claimed to hold.
func (b *Book) ModifyOrder(orderID uint64, replacement types.Order) error {
	original, err := b.CancelOrder(orderID)
	if err != nil {
		return err
	}
	replacement.OrderID = orderID
	if err := b.AddOrder(replacement); err != nil {
		// Roll back: the replacement was invalid, restore the original.
		_ = b.AddOrder(original)
		return err
	}
	return nil
}

// GetOrder returns the resting order for order_id.
func (b *Book) GetOrder(orderID uint64) (types.Order, bool) {
	loc, ok := b.orderLookup[orderID]
	if !ok {
		return types.Order{}, false
	}
	return loc.elem.Value.(types.Order), true
}

// MatchOrder walks the opposite side in price-time priority, filling
// incoming as far as its price/quantity allow, and rests any residual
// quantity of a Limit order at its own price. A Market order's residual
// is never rested; the caller is responsible for releasing its exposure.
func (b *Book) MatchOrder(incoming types.Order) ([]types.Trade, types.Order, error) {
	if incoming.QuantityLots <= 0 {
		return nil, incoming, ErrInvalidQuantity
	}
	if incoming.Type == types.OrderTypeStop {
		return nil, incoming, ErrStopOrder
	}

	opposite := b.sideFor(incoming.Side.Opposite())
	var trades []types.Trade
	remaining := incoming.QuantityLots

	for remaining > 0 {
		levelPrice, ok := opposite.bestPrice()
		if !ok {
			break
		}
		if incoming.Type == types.OrderTypeLimit && crossesLimit(incoming.Side, incoming.PriceTicks, levelPrice) {
			break
		}

		lvl := opposite.levels[levelPrice]
		elem := lvl.orders.Front()
		for elem != nil && remaining > 0 {
			maker := elem.Value.(types.Order)
			fillLots := remaining
			if maker.QuantityLots < fillLots {
				fillLots = maker.QuantityLots
			}

			trade := types.Trade{
				TradeID:       b.nextTradeID,
				MakerOrderID:  maker.OrderID,
				TakerOrderID:  incoming.OrderID,
				TimestampNs:   incoming.TimestampNs,
				PriceTicks:    levelPrice,
				QuantityLots:  fillLots,
				AggressorSide: incoming.Side,
			}
			b.nextTradeID++
			trades = append(trades, trade)

			maker.QuantityLots -= fillLots
			remaining -= fillLots

			next := elem.Next()
			if maker.QuantityLots <= 0 {
				delete(b.orderLookup, maker.OrderID)
				lvl.orders.Remove(elem)
			} else {
				maker.Quantity = fixedpoint.FromQuantityLots(maker.QuantityLots)
				elem.Value = maker
			}
			elem = next
		}

		opposite.removeLevelIfEmpty(levelPrice)
	}

	residual := incoming
	residual.QuantityLots = remaining
	residual.Quantity = fixedpoint.FromQuantityLots(remaining)

	if remaining > 0 && incoming.Type == types.OrderTypeLimit {
		if err := b.AddOrder(residual); err != nil {
			return trades, residual, err
		}
	}

	return trades, residual, nil
}

func crossesLimit(side types.Side, limitPriceTicks, levelPriceTicks int64) bool {
	if side.IsBuy() {
		return levelPriceTicks > limitPriceTicks
	}
	return levelPriceTicks < limitPriceTicks
}

// GetBestBid returns the highest resting bid price_ticks.
func (b *Book) GetBestBid() (int64, bool) { return b.bids.bestPrice() }

// GetBestAsk returns the lowest resting ask price_ticks.
func (b *Book) GetBestAsk() (int64, bool) { return b.asks.bestPrice() }

// GetSpread returns GetBestAsk - GetBestBid in price_ticks.
func (b *Book) GetSpread() (int64, bool) {
	bid, ok := b.GetBestBid()
	if !ok {
		return 0, false
	}
	ask, ok := b.GetBestAsk()
	if !ok {
		return 0, false
	}
	return ask - bid, true
}

// VWAP computes the volume-weighted average price_ticks of walking
// quantityLots into the opposite side of takerSide: a buy VWAP walks the
// asks, a sell VWAP walks the bids. Returns false if the book does not
// hold enough resting quantity to fill quantityLots.
func (b *Book) VWAP(takerSide types.Side, quantityLots int64) (int64, bool) {
	if quantityLots <= 0 {
		return 0, false
	}

	s := b.sideFor(takerSide.Opposite())

	ordered := make([]priceVolume, 0, len(s.levels))
	for p, lvl := range s.levels {
		if lvl.orders.Len() == 0 {
			continue
		}
		var total int64
		for e := lvl.orders.Front(); e != nil; e = e.Next() {
			total += e.Value.(types.Order).QuantityLots
		}
		ordered = append(ordered, priceVolume{price: p, lots: total})
	}
	sortByPriority(ordered, s.heap.bids)

	remaining := quantityLots
	var notional int64
	for _, lvl := range ordered {
		if remaining <= 0 {
			break
		}
		take := remaining
		if lvl.lots < take {
			take = lvl.lots
		}
		notional += fixedpoint.ToNotionalUnits(lvl.price, take)
		remaining -= take
	}

	if remaining > 0 {
		return 0, false
	}
	return notional / quantityLots, true
}

// priceVolume is a (price_ticks, total resting quantity_lots) pair used
// to walk a side in price priority for VWAP.
type priceVolume struct {
	price int64
	lots  int64
}

// sortByPriority insertion-sorts levels by price_ticks, descending for
// the bid side and ascending for the ask side.
func sortByPriority(levels []priceVolume, descending bool) {
	for i := 1; i < len(levels); i++ {
		j := i
		for j > 0 {
			swap := levels[j-1].price > levels[j].price
			if descending {
				swap = levels[j-1].price < levels[j].price
			}
			if !swap {
				break
			}
			levels[j-1], levels[j] = levels[j], levels[j-1]
			j--
		}
	}
}
