package gateway

import (
	"testing"
	"time"

	"github.com/argentumfx/core/pkg/book"
	"github.com/argentumfx/core/pkg/bus"
	"github.com/argentumfx/core/pkg/codec"
	"github.com/argentumfx/core/pkg/oms"
	"github.com/argentumfx/core/pkg/risk"
	"github.com/argentumfx/core/pkg/types"
	"github.com/stretchr/testify/require"
)

func decodeV1(data []byte) (types.MarketTick, error) {
	return codec.DecodeMarketTickV1(data)
}

// testRateLimit admits far more requests than any one test makes; a zero
// RateLimit admits none.
var testRateLimit = RateLimit{WindowMs: 60_000, MaxRequests: 1_000}

func newTestGateway(t *testing.T, security SecurityConfig) (*Gateway, *bus.Bus) {
	t.Helper()
	b := bus.New(bus.Config{Capacity: 16, Workers: 1, Policy: bus.PolicyDropNewest})
	g := New(b, "ticks.eurusd", security, decodeV1, func() uint64 { return uint64(time.Now().UnixNano()) }, nil, nil)
	return g, b
}

func TestNormalizeSymbol(t *testing.T) {
	require.Equal(t, "EURUSD", NormalizeSymbol("eur/usd"))
	require.Equal(t, "EURUSD", NormalizeSymbol("EUR-USD"))
	require.Equal(t, "EURUSD", NormalizeSymbol("eur_usd"))
	require.Equal(t, "EURUSD", NormalizeSymbol("eur usd"))
}

func TestOnMarketMessageCachesLatestTickBySymbol(t *testing.T) {
	g, b := newTestGateway(t, SecurityConfig{})
	g.Start()
	defer b.Shutdown()

	tick := types.MarketTick{TimestampNs: 100, Price: 1.1, Quantity: 2, Symbol: "EUR/USD", Source: "FEEDA", Side: types.SideBuy}
	payload, err := codec.EncodeMarketTickV1(tick)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		require.NoError(t, b.Publish("ticks.eurusd", payload))
		got, ok := g.GetLatestTick("EURUSD")
		return ok && got.Symbol == "EUR/USD"
	}, time.Second, 5*time.Millisecond)

	m := g.Metrics()
	require.Equal(t, 1, m.TrackedSymbols)
}

func TestOnMarketMessageCountsDecodeErrors(t *testing.T) {
	g, b := newTestGateway(t, SecurityConfig{})
	g.Start()
	defer b.Shutdown()

	require.NoError(t, b.Publish("ticks.eurusd", []byte("too short")))

	require.Eventually(t, func() bool {
		return g.Metrics().DecodeErrors == 1
	}, time.Second, 5*time.Millisecond)
}

func TestAuthorizeRequestOpenWhenNoTokensConfigured(t *testing.T) {
	g, b := newTestGateway(t, SecurityConfig{RateLimit: testRateLimit})
	defer b.Shutdown()
	ok, reason := g.AuthorizeRequest("anything", false)
	require.True(t, ok)
	require.Equal(t, RejectNone, reason)
}

func TestAuthorizeRequestRejectsUnknownToken(t *testing.T) {
	g, b := newTestGateway(t, SecurityConfig{APIToken: "secret-token"})
	defer b.Shutdown()
	ok, reason := g.AuthorizeRequest("wrong-token", false)
	require.False(t, ok)
	require.Equal(t, RejectUnauthorized, reason)
}

func TestAuthorizeRequestAcceptsConfiguredToken(t *testing.T) {
	g, b := newTestGateway(t, SecurityConfig{APIToken: "secret-token", RateLimit: testRateLimit})
	defer b.Shutdown()
	ok, reason := g.AuthorizeRequest("secret-token", false)
	require.True(t, ok)
	require.Equal(t, RejectNone, reason)
}

func TestAuthorizeRequestRateLimitsPerToken(t *testing.T) {
	security := SecurityConfig{RateLimit: RateLimit{WindowMs: 60_000, MaxRequests: 2}}
	g, b := newTestGateway(t, security)
	defer b.Shutdown()

	ok1, _ := g.AuthorizeRequest("tokenA", false)
	ok2, _ := g.AuthorizeRequest("tokenA", false)
	ok3, reason3 := g.AuthorizeRequest("tokenA", false)
	require.True(t, ok1)
	require.True(t, ok2)
	require.False(t, ok3)
	require.Equal(t, RejectRateLimited, reason3)

	// A different key has its own independent window.
	okOther, _ := g.AuthorizeRequest("tokenB", false)
	require.True(t, okOther)
}

func TestAddRevokeRotateToken(t *testing.T) {
	g, b := newTestGateway(t, SecurityConfig{RateLimit: testRateLimit})
	defer b.Shutdown()

	require.True(t, g.AddToken("tok1", 0))
	ok, _ := g.AuthorizeRequest("tok1", false)
	require.True(t, ok)
	// Presence of ANY token switches auth from open to closed for unlisted tokens.
	okOther, reasonOther := g.AuthorizeRequest("nope", false)
	require.False(t, okOther)
	require.Equal(t, RejectUnauthorized, reasonOther)

	require.True(t, g.RotateToken("tok1", "tok2", 0))
	okOld, _ := g.AuthorizeRequest("tok1", false)
	require.False(t, okOld)
	okNew, _ := g.AuthorizeRequest("tok2", false)
	require.True(t, okNew)

	require.True(t, g.RevokeToken("tok2"))
	require.False(t, g.RevokeToken("tok2"))
}

func TestTokenExpiresLazily(t *testing.T) {
	nowNs := uint64(1_000_000_000)
	clock := func() uint64 { return nowNs }
	b := bus.New(bus.Config{Capacity: 4, Workers: 1})
	defer b.Shutdown()
	g := New(b, "ticks", SecurityConfig{RateLimit: testRateLimit}, decodeV1, clock, nil, nil)

	require.True(t, g.AddToken("short-lived", 1)) // 1ms TTL
	ok, _ := g.AuthorizeRequest("short-lived", false)
	require.True(t, ok)

	nowNs += 2_000_000 // advance 2ms
	ok, reason := g.AuthorizeRequest("short-lived", false)
	require.False(t, ok)
	require.Equal(t, RejectUnauthorized, reason)
}

func TestSubmitOrderAuthorizedRejectsBeforeTouchingOMS(t *testing.T) {
	security := SecurityConfig{APIToken: "secret"}
	b := bus.New(bus.Config{Capacity: 4, Workers: 1})
	defer b.Shutdown()
	g := New(b, "ticks", security, decodeV1, func() uint64 { return 0 }, nil, nil)

	r := risk.NewManager(risk.Limits{MaxOrderValue: 1_000_000_000, MaxPositionExposure: 1_000_000_000, MaxDailyLoss: 1_000_000_000})
	book := book.New("EURUSD")
	manager := oms.New(r, book, nil, 10)

	order := types.Order{OrderID: 1, Symbol: "EURUSD", Side: types.SideBuy, Type: types.OrderTypeLimit, Price: 1.1, Quantity: 10}
	ack := SubmitOrderAuthorized(g, manager, order, "wrong-token")
	require.False(t, ack.Accepted)
	require.Equal(t, RejectUnauthorized, ack.GatewayRejectReason)
	require.Equal(t, 0, manager.ActiveOrderCount())
}

func TestSubmitOrderAuthorizedSucceeds(t *testing.T) {
	security := SecurityConfig{APIToken: "secret", RateLimit: testRateLimit}
	b := bus.New(bus.Config{Capacity: 4, Workers: 1})
	defer b.Shutdown()
	g := New(b, "ticks", security, decodeV1, func() uint64 { return 0 }, nil, nil)

	r := risk.NewManager(risk.Limits{MaxOrderValue: 1_000_000_000, MaxPositionExposure: 1_000_000_000, MaxDailyLoss: 1_000_000_000})
	book := book.New("EURUSD")
	manager := oms.New(r, book, nil, 10)

	order := types.Order{OrderID: 1, Symbol: "EURUSD", Side: types.SideBuy, Type: types.OrderTypeLimit, Price: 1.1, Quantity: 10}
	ack := SubmitOrderAuthorized(g, manager, order, "secret")
	require.True(t, ack.Accepted)
	require.Equal(t, RejectNone, ack.GatewayRejectReason)
	require.Equal(t, uint64(1), g.Metrics().OrderAccepted)
}

func TestTickToJSONFormatsTenFractionalDigits(t *testing.T) {
	tick := types.MarketTick{TimestampNs: 42, Price: 1.1, Quantity: 2.5, Symbol: "EURUSD", Source: "FEEDA", Side: types.SideSell}
	j := TickToJSON(tick)
	require.Contains(t, j, `"price":1.1000000000`)
	require.Contains(t, j, `"quantity":2.5000000000`)
	require.Contains(t, j, `"side":"sell"`)
}

func TestLatestTickJSONEmptyWhenUnknown(t *testing.T) {
	g, b := newTestGateway(t, SecurityConfig{})
	defer b.Shutdown()
	require.Equal(t, "{}", g.LatestTickJSON("UNKNOWN"))
}

func TestMetricsToJSONReflectsDegradedStatus(t *testing.T) {
	m := Metrics{DecodeErrors: 1}
	j := MetricsToJSON(m, true, 0)
	require.Contains(t, j, `"status":"degraded"`)

	jDown := MetricsToJSON(m, false, 0)
	require.Contains(t, jDown, `"status":"down"`)
}

func TestResetMetricsZeroesCounters(t *testing.T) {
	g, b := newTestGateway(t, SecurityConfig{})
	defer b.Shutdown()
	g.RecordOrderResult(true)
	require.Equal(t, uint64(1), g.Metrics().OrderAccepted)
	g.ResetMetrics()
	require.Equal(t, uint64(0), g.Metrics().OrderAccepted)
}
