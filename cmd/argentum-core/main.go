// Command argentum-core wires the bus, order book, risk manager, order
// manager, market gateway, and WebSocket front end into one process:
// the reference deployment of the trading core.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/argentumfx/core/pkg/book"
	"github.com/argentumfx/core/pkg/bus"
	"github.com/argentumfx/core/pkg/codec"
	"github.com/argentumfx/core/pkg/gateway"
	"github.com/argentumfx/core/pkg/oms"
	"github.com/argentumfx/core/pkg/risk"
	"github.com/argentumfx/core/pkg/wsserver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	httpPort       = flag.Int("http-port", 8080, "HTTP/WebSocket/metrics port")
	symbolsFlag    = flag.String("symbols", "EURUSD,GBPUSD,USDJPY", "comma-separated tradeable symbols")
	apiToken       = flag.String("api-token", "", "static API token required of callers; empty means open access")
	natsURL        = flag.String("nats", "", "NATS URL for cross-process bus bridging; empty disables it")
	maxOrderValue  = flag.Int64("max-order-value", 10_000_000_000, "risk: max single order value (price × quantity)")
	maxExposure    = flag.Int64("max-position-exposure", 100_000_000_000, "risk: max net position (price × quantity)")
	maxDailyLoss   = flag.Int64("max-daily-loss", 50_000_000_000, "risk: daily loss figure (price × quantity); stored in risk.Limits, not checked")
	rateLimitWinMs = flag.Uint64("rate-limit-window-ms", 1000, "gateway: rate limit window in ms")
	rateLimitMax   = flag.Uint64("rate-limit-max", 1000, "gateway: max requests per window")
)

func main() {
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()
	sugar := logger.Sugar()

	symbols := strings.Split(*symbolsFlag, ",")

	marketBus := bus.New(bus.Config{Capacity: 4096, Workers: 4, Policy: bus.PolicyDropOldest, Logger: sugar})
	defer marketBus.Shutdown()

	if *natsURL != "" {
		bridge, err := bus.NewNatsBridge(*natsURL, "argentum", marketBus, sugar)
		if err != nil {
			sugar.Fatalw("nats bridge failed", "error", err)
		}
		defer bridge.Close()
		for _, symbol := range symbols {
			topic := marketTopic(symbol)
			bridge.Forward(topic)
			if err := bridge.Absorb(topic); err != nil {
				sugar.Warnw("nats absorb failed", "topic", topic, "error", err)
			}
		}
		if err := bridge.QueueAbsorb("orders.inbound", "argentum-cores"); err != nil {
			sugar.Warnw("nats order queue absorb failed", "error", err)
		}
	}

	registerer := prometheus.NewRegistry()

	security := gateway.SecurityConfig{
		APIToken:          *apiToken,
		DefaultTokenTTLMs: 0,
		RateLimit:         gateway.RateLimit{WindowMs: *rateLimitWinMs, MaxRequests: *rateLimitMax},
	}

	managers := make(map[string]*oms.Manager, len(symbols))
	gateways := make(map[string]*gateway.Gateway, len(symbols))

	riskManager := risk.NewManager(risk.Limits{
		MaxOrderValue:       *maxOrderValue,
		MaxPositionExposure: *maxExposure,
		MaxDailyLoss:        *maxDailyLoss,
	})

	for _, rawSymbol := range symbols {
		symbol := gateway.NormalizeSymbol(rawSymbol)
		if symbol == "" {
			continue
		}
		b := book.New(symbol)
		manager := oms.New(riskManager, b, nil, oms.DefaultHistoryCapacity)
		managers[symbol] = manager

		topic := marketTopic(symbol)
		symbolRegisterer := prometheus.WrapRegistererWith(prometheus.Labels{"symbol": symbol}, registerer)
		gw := gateway.New(marketBus, topic, security, codec.DecodeMarketTickV1, nowNs, sugar, symbolRegisterer)
		gw.Start()
		gateways[symbol] = gw
	}

	primaryGateway := gateways[gateway.NormalizeSymbol(symbols[0])]
	wsSrv := wsserver.New(primaryGateway, managers, sugar)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registerer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/ws", handleWebSocketUpgrade(primaryGateway, wsSrv))
	restRoutes(mux, primaryGateway, gateways, managers)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", *httpPort),
		Handler:      allowCORS(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		sugar.Info("shutting down argentum-core")
		for _, gw := range gateways {
			gw.Stop()
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	sugar.Infow("argentum-core listening", "port", *httpPort, "symbols", symbols)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		sugar.Fatalw("http server failed", "error", err)
	}
}

func marketTopic(symbol string) string {
	return "ticks." + strings.ToLower(gateway.NormalizeSymbol(symbol))
}

func nowNs() uint64 {
	return uint64(time.Now().UnixNano())
}

func allowCORS(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		h.ServeHTTP(w, r)
	})
}
