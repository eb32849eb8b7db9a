// Package gateway implements the market/order gateway described in §4.6:
// symbol normalization, token-based auth with lazy expiry, a rolling
// rate-limit window, a last-tick cache, and JSON encoding of ticks,
// order acks, and health/metrics snapshots. Internal counters are kept
// as plain atomics for cheap synchronous reads (Metrics/HealthJSON) and
// mirrored into prometheus/client_golang counters for external scraping.
package gateway

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/argentumfx/core/pkg/bus"
	"github.com/argentumfx/core/pkg/oms"
	"github.com/argentumfx/core/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RejectReason classifies why the gateway itself refused a request,
// distinct from oms.RejectReason (which classifies an admitted request
// the order manager then rejected).
type RejectReason int

const (
	RejectNone RejectReason = iota
	RejectUnauthorized
	RejectRateLimited
)

func (r RejectReason) String() string {
	switch r {
	case RejectNone:
		return "none"
	case RejectUnauthorized:
		return "unauthorized"
	case RejectRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// RateLimit configures the rolling window applied per authenticated
// token (or "anonymous" for an empty token).
type RateLimit struct {
	WindowMs    uint64
	MaxRequests uint64
}

// SecurityConfig seeds the gateway's token store and rate limiter.
type SecurityConfig struct {
	APIToken          string
	DefaultTokenTTLMs uint64
	RateLimit         RateLimit
}

// Metrics is a point-in-time snapshot of the gateway's counters.
type Metrics struct {
	TicksReceived   uint64
	TicksDecoded    uint64
	DecodeErrors    uint64
	OrderRequests   uint64
	OrderAccepted   uint64
	OrderRejected   uint64
	AuthFailures    uint64
	RateLimited     uint64
	TrackedSymbols  int
}

type rateWindowState struct {
	windowStart time.Time
	requests    uint64
}

// Gateway is the market-data/order ingress boundary: it decodes inbound
// ticks off a bus topic, caches the latest tick per symbol, and
// authorizes/ rate-limits order submission.
type Gateway struct {
	bus         *bus.Bus
	marketTopic string
	security    SecurityConfig
	clock       func() uint64
	logger      *zap.SugaredLogger

	decode func([]byte) (types.MarketTick, error)

	started atomic.Bool

	mu            sync.Mutex
	latestTicks   map[string]types.MarketTick
	tokenExpiryNs map[string]uint64
	rateWindows   map[string]*rateWindowState

	ticksReceived uint64
	ticksDecoded  uint64
	decodeErrors  uint64
	orderRequests uint64
	orderAccepted uint64
	orderRejected uint64
	authFailures  uint64
	rateLimited   uint64

	promTicksReceived prometheus.Counter
	promTicksDecoded  prometheus.Counter
	promDecodeErrors  prometheus.Counter
	promOrderRequests prometheus.Counter
	promOrderAccepted prometheus.Counter
	promOrderRejected prometheus.Counter
	promAuthFailures  prometheus.Counter
	promRateLimited   prometheus.Counter
}

// New constructs a Gateway. decode unpacks a bus message payload into a
// MarketTick (typically codec.DecodeMarketTickV1/V2 after envelope
// unwrapping). registerer may be nil to skip prometheus registration
// (e.g. in tests); clock may be nil to disable token expiry.
func New(b *bus.Bus, marketTopic string, security SecurityConfig, decode func([]byte) (types.MarketTick, error), clock func() uint64, logger *zap.SugaredLogger, registerer prometheus.Registerer) *Gateway {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if clock == nil {
		clock = func() uint64 { return 0 }
	}

	g := &Gateway{
		bus:           b,
		marketTopic:   marketTopic,
		security:      security,
		clock:         clock,
		logger:        logger,
		decode:        decode,
		latestTicks:   make(map[string]types.MarketTick),
		tokenExpiryNs: make(map[string]uint64),
		rateWindows:   make(map[string]*rateWindowState),
	}

	if security.APIToken != "" {
		g.tokenExpiryNs[security.APIToken] = expiryFromTTL(clock(), security.DefaultTokenTTLMs)
	}

	g.registerMetrics(registerer)
	return g
}

func (g *Gateway) registerMetrics(registerer prometheus.Registerer) {
	opts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: "argentum", Subsystem: "gateway", Name: name, Help: help}
	}
	g.promTicksReceived = prometheus.NewCounter(opts("ticks_received_total", "Market ticks received on the gateway's bus subscription."))
	g.promTicksDecoded = prometheus.NewCounter(opts("ticks_decoded_total", "Market ticks successfully decoded."))
	g.promDecodeErrors = prometheus.NewCounter(opts("decode_errors_total", "Market tick payloads that failed to decode."))
	g.promOrderRequests = prometheus.NewCounter(opts("order_requests_total", "Order submission requests received."))
	g.promOrderAccepted = prometheus.NewCounter(opts("order_accepted_total", "Order submissions accepted by the order manager."))
	g.promOrderRejected = prometheus.NewCounter(opts("order_rejected_total", "Order submissions rejected, by the gateway or the order manager."))
	g.promAuthFailures = prometheus.NewCounter(opts("auth_failures_total", "Requests rejected for an invalid or expired token."))
	g.promRateLimited = prometheus.NewCounter(opts("rate_limited_total", "Requests rejected by the rolling rate limiter."))

	if registerer == nil {
		return
	}
	for _, c := range []prometheus.Counter{
		g.promTicksReceived, g.promTicksDecoded, g.promDecodeErrors,
		g.promOrderRequests, g.promOrderAccepted, g.promOrderRejected,
		g.promAuthFailures, g.promRateLimited,
	} {
		registerer.MustRegister(c)
	}
}

func expiryFromTTL(nowNs, ttlMs uint64) uint64 {
	if ttlMs == 0 {
		return 0
	}
	return nowNs + ttlMs*1_000_000
}

// Start subscribes the gateway to its market topic. Calling Start more
// than once is a no-op.
func (g *Gateway) Start() {
	if !g.started.CompareAndSwap(false, true) {
		return
	}
	g.bus.Subscribe(g.marketTopic, g.onMarketMessage)
}

// Stop marks the gateway as no longer accepting market messages; an
// in-flight Subscribe callback already dispatched will still run, but
// onMarketMessage checks the flag and becomes a no-op.
func (g *Gateway) Stop() {
	g.started.Store(false)
}

func (g *Gateway) onMarketMessage(data []byte) {
	if !g.started.Load() {
		return
	}
	atomic.AddUint64(&g.ticksReceived, 1)
	g.promTicksReceived.Inc()

	tick, err := g.decode(data)
	if err != nil {
		atomic.AddUint64(&g.decodeErrors, 1)
		g.promDecodeErrors.Inc()
		return
	}

	g.mu.Lock()
	g.latestTicks[NormalizeSymbol(tick.Symbol)] = tick
	g.mu.Unlock()

	atomic.AddUint64(&g.ticksDecoded, 1)
	g.promTicksDecoded.Inc()
}

// GetLatestTick returns the most recent tick cached for symbol.
func (g *Gateway) GetLatestTick(symbol string) (types.MarketTick, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	tick, ok := g.latestTicks[NormalizeSymbol(symbol)]
	return tick, ok
}

// LatestTickJSON renders GetLatestTick(symbol) as JSON, or "{}" if unknown.
func (g *Gateway) LatestTickJSON(symbol string) string {
	tick, ok := g.GetLatestTick(symbol)
	if !ok {
		return "{}"
	}
	return TickToJSON(tick)
}

// HealthJSON renders the gateway's current metrics and running status.
func (g *Gateway) HealthJSON() string {
	return MetricsToJSON(g.Metrics(), g.started.Load(), g.clock())
}

// consumeRateLimit applies the rolling window for key, resetting the
// window once it has elapsed and admitting the request if under the cap.
func (g *Gateway) consumeRateLimit(key string, now time.Time) bool {
	windowMs := g.security.RateLimit.WindowMs
	if windowMs == 0 {
		windowMs = 1
	}
	window := time.Duration(windowMs) * time.Millisecond

	state, ok := g.rateWindows[key]
	if !ok {
		state = &rateWindowState{windowStart: now}
		g.rateWindows[key] = state
	}
	if now.Sub(state.windowStart) >= window {
		state.windowStart = now
		state.requests = 0
	}

	if g.security.RateLimit.MaxRequests == 0 {
		return false
	}
	if state.requests >= g.security.RateLimit.MaxRequests {
		return false
	}
	state.requests++
	return true
}

func (g *Gateway) tokenAllowedLocked(token string, nowNs uint64) bool {
	if len(g.tokenExpiryNs) == 0 {
		return true
	}
	expiryNs, ok := g.tokenExpiryNs[token]
	if !ok {
		return false
	}
	if expiryNs != 0 && nowNs > expiryNs {
		delete(g.tokenExpiryNs, token)
		return false
	}
	return true
}

// AuthorizeRequest checks providedToken against the token store and then
// the rolling rate limiter. When countAsOrderRequest is true, the call is
// additionally tallied against order_requests/order_rejected.
func (g *Gateway) AuthorizeRequest(providedToken string, countAsOrderRequest bool) (bool, RejectReason) {
	if countAsOrderRequest {
		atomic.AddUint64(&g.orderRequests, 1)
		g.promOrderRequests.Inc()
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	nowNs := g.clock()
	if !g.tokenAllowedLocked(providedToken, nowNs) {
		atomic.AddUint64(&g.authFailures, 1)
		g.promAuthFailures.Inc()
		if countAsOrderRequest {
			atomic.AddUint64(&g.orderRejected, 1)
			g.promOrderRejected.Inc()
		}
		return false, RejectUnauthorized
	}

	key := providedToken
	if key == "" {
		key = "anonymous"
	}
	if !g.consumeRateLimit(key, time.Now()) {
		atomic.AddUint64(&g.rateLimited, 1)
		g.promRateLimited.Inc()
		if countAsOrderRequest {
			atomic.AddUint64(&g.orderRejected, 1)
			g.promOrderRejected.Inc()
		}
		return false, RejectRateLimited
	}

	return true, RejectNone
}

// AddToken registers token with an optional TTL (0 = no expiry).
func (g *Gateway) AddToken(token string, ttlMs uint64) bool {
	if token == "" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tokenExpiryNs[token] = expiryFromTTL(g.clock(), ttlMs)
	return true
}

// RevokeToken removes token from the store, returning false if it was
// not present.
func (g *Gateway) RevokeToken(token string) bool {
	if token == "" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.tokenExpiryNs[token]; !ok {
		return false
	}
	delete(g.tokenExpiryNs, token)
	return true
}

// RotateToken atomically replaces oldToken with newToken, whose expiry is
// ttlMs from now (0 = no expiry).
func (g *Gateway) RotateToken(oldToken, newToken string, ttlMs uint64) bool {
	if oldToken == "" || newToken == "" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.tokenExpiryNs[oldToken]; !ok {
		return false
	}
	delete(g.tokenExpiryNs, oldToken)
	g.tokenExpiryNs[newToken] = expiryFromTTL(g.clock(), ttlMs)
	return true
}

// RecordOrderResult tallies an order submission's outcome.
func (g *Gateway) RecordOrderResult(accepted bool) {
	if accepted {
		atomic.AddUint64(&g.orderAccepted, 1)
		g.promOrderAccepted.Inc()
		return
	}
	atomic.AddUint64(&g.orderRejected, 1)
	g.promOrderRejected.Inc()
}

// Metrics returns a snapshot of the gateway's counters.
func (g *Gateway) Metrics() Metrics {
	g.mu.Lock()
	tracked := len(g.latestTicks)
	g.mu.Unlock()

	return Metrics{
		TicksReceived:  atomic.LoadUint64(&g.ticksReceived),
		TicksDecoded:   atomic.LoadUint64(&g.ticksDecoded),
		DecodeErrors:   atomic.LoadUint64(&g.decodeErrors),
		OrderRequests:  atomic.LoadUint64(&g.orderRequests),
		OrderAccepted:  atomic.LoadUint64(&g.orderAccepted),
		OrderRejected:  atomic.LoadUint64(&g.orderRejected),
		AuthFailures:   atomic.LoadUint64(&g.authFailures),
		RateLimited:    atomic.LoadUint64(&g.rateLimited),
		TrackedSymbols: tracked,
	}
}

// ResetMetrics zeroes every counter (the tick cache and token store are untouched).
func (g *Gateway) ResetMetrics() {
	atomic.StoreUint64(&g.ticksReceived, 0)
	atomic.StoreUint64(&g.ticksDecoded, 0)
	atomic.StoreUint64(&g.decodeErrors, 0)
	atomic.StoreUint64(&g.orderRequests, 0)
	atomic.StoreUint64(&g.orderAccepted, 0)
	atomic.StoreUint64(&g.orderRejected, 0)
	atomic.StoreUint64(&g.authFailures, 0)
	atomic.StoreUint64(&g.rateLimited, 0)
}

// NormalizeSymbol strips '/', '-', '_', and spaces and uppercases the
// remainder, for use as a cache/rate-limit key. The stored tick's Symbol
// field keeps the original, ingested representation.
func NormalizeSymbol(symbol string) string {
	var b strings.Builder
	b.Grow(len(symbol))
	for _, r := range symbol {
		switch r {
		case '/', '-', '_', ' ':
			continue
		default:
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// OrderAck is the gateway's response to a submitted order, carrying both
// the order manager's and the gateway's own reject reasons.
type OrderAck struct {
	OrderID             uint64
	Accepted            bool
	Resting             bool
	FilledQuantity      float64
	RemainingQuantity   float64
	RejectReason        oms.RejectReason
	GatewayRejectReason RejectReason
}

// SubmitOrder submits order to manager without any gateway-level
// authorization, for callers (e.g. internal strategies) that don't go
// through the token/rate-limit boundary.
func SubmitOrder(manager *oms.Manager, order types.Order) OrderAck {
	result := manager.SubmitOrder(order)
	return OrderAck{
		OrderID:           order.OrderID,
		Accepted:          result.Accepted,
		Resting:           result.Resting,
		FilledQuantity:    result.FilledQuantity,
		RemainingQuantity: result.RemainingQuantity,
		RejectReason:      result.RejectReason,
	}
}

// SubmitOrderAuthorized authorizes apiToken against g before submitting
// order to manager, recording the outcome against the gateway's metrics.
func SubmitOrderAuthorized(g *Gateway, manager *oms.Manager, order types.Order, apiToken string) OrderAck {
	ok, reason := g.AuthorizeRequest(apiToken, true)
	if !ok {
		return OrderAck{
			OrderID:             order.OrderID,
			RemainingQuantity:   order.Quantity,
			GatewayRejectReason: reason,
		}
	}

	ack := SubmitOrder(manager, order)
	g.RecordOrderResult(ack.Accepted)
	return ack
}

// jsonFixed formats v with 10 fractional digits, matching the original
// gateway's ostringstream precision(10) fixed formatting.
func jsonFixed(v float64) string {
	return decimal.NewFromFloat(v).StringFixed(10)
}

func jsonEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// TickToJSON renders tick as the gateway's wire JSON representation.
func TickToJSON(tick types.MarketTick) string {
	var b strings.Builder
	b.WriteString(`{"event":"tick"`)
	b.WriteString(`,"symbol":"`)
	b.WriteString(jsonEscape(tick.Symbol))
	b.WriteString(`","timestamp_ns":`)
	writeUint(&b, tick.TimestampNs)
	b.WriteString(`,"price":`)
	b.WriteString(jsonFixed(tick.Price))
	b.WriteString(`,"quantity":`)
	b.WriteString(jsonFixed(tick.Quantity))
	b.WriteString(`,"side":"`)
	b.WriteString(tick.Side.String())
	b.WriteString(`","source":"`)
	b.WriteString(jsonEscape(tick.Source))
	b.WriteString(`"}`)
	return b.String()
}

// OrderAckToJSON renders ack as the gateway's wire JSON representation.
func OrderAckToJSON(ack OrderAck) string {
	var b strings.Builder
	b.WriteString(`{"event":"order_ack"`)
	b.WriteString(`,"order_id":`)
	writeUint(&b, ack.OrderID)
	b.WriteString(`,"accepted":`)
	b.WriteString(writeBool(ack.Accepted))
	b.WriteString(`,"resting":`)
	b.WriteString(writeBool(ack.Resting))
	b.WriteString(`,"filled_quantity":`)
	b.WriteString(jsonFixed(ack.FilledQuantity))
	b.WriteString(`,"remaining_quantity":`)
	b.WriteString(jsonFixed(ack.RemainingQuantity))
	b.WriteString(`,"reject_reason":"`)
	b.WriteString(ack.RejectReason.String())
	b.WriteString(`","gateway_reject_reason":"`)
	b.WriteString(ack.GatewayRejectReason.String())
	b.WriteString(`"}`)
	return b.String()
}

// MetricsToJSON renders a health/metrics snapshot. status is "down" if
// not running, "degraded" if decode errors have occurred, else "ok".
func MetricsToJSON(m Metrics, running bool, nowNs uint64) string {
	status := "down"
	if running {
		if m.DecodeErrors > 0 {
			status = "degraded"
		} else {
			status = "ok"
		}
	}

	var b strings.Builder
	b.WriteString(`{"status":"`)
	b.WriteString(status)
	b.WriteString(`","timestamp_ns":`)
	writeUint(&b, nowNs)
	b.WriteString(`,"ticks_received":`)
	writeUint(&b, m.TicksReceived)
	b.WriteString(`,"ticks_decoded":`)
	writeUint(&b, m.TicksDecoded)
	b.WriteString(`,"decode_errors":`)
	writeUint(&b, m.DecodeErrors)
	b.WriteString(`,"order_requests":`)
	writeUint(&b, m.OrderRequests)
	b.WriteString(`,"order_accepted":`)
	writeUint(&b, m.OrderAccepted)
	b.WriteString(`,"order_rejected":`)
	writeUint(&b, m.OrderRejected)
	b.WriteString(`,"auth_failures":`)
	writeUint(&b, m.AuthFailures)
	b.WriteString(`,"rate_limited":`)
	writeUint(&b, m.RateLimited)
	b.WriteString(`,"tracked_symbols":`)
	writeUint(&b, uint64(m.TrackedSymbols))
	b.WriteString(`}`)
	return b.String()
}

func writeUint(b *strings.Builder, v uint64) {
	b.WriteString(strconv.FormatUint(v, 10))
}

func writeBool(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
