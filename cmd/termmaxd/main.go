package main

import (
	"flag"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"termmax/config"
	"termmax/crypto"
	"termmax/gateway"
	"termmax/native/gearing"
	"termmax/native/market"
	"termmax/native/order"
	"termmax/native/pricefeed"
	"termmax/native/router"
	"termmax/observability/logging"
	"termmax/state"
	"termmax/storage"
)

func main() {
	configPath := flag.String("config", "./termmax.toml", "path to the venue configuration file")
	flag.Parse()

	logger := logging.Setup("termmaxd")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("config error", "err", err)
		os.Exit(1)
	}

	owner, err := cfg.OwnerAddress()
	if err != nil {
		logger.Error("owner address error", "err", err)
		os.Exit(1)
	}
	treasurer, err := cfg.TreasurerAddress()
	if err != nil {
		logger.Error("treasurer address error", "err", err)
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		logger.Error("storage error", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	manager := state.NewManager(db)
	metrics := gateway.NewMetrics()
	feed := gateway.NewFeed(0, metrics)
	prices := pricefeed.NewStaticFeed(time.Duration(cfg.OracleMaxAgeSeconds) * time.Second)

	gearingEngine := gearing.NewEngine(crypto.ModuleAddress("gearing/vault"), gearing.Config{
		Treasurer:        treasurer,
		MaxLtv:           cfg.Gearing.MaxLtv,
		LiquidationLtv:   cfg.Gearing.LiquidationLtv,
		LiquidationBonus: cfg.Gearing.LiquidationBonus,
	})
	gearingEngine.SetState(manager)
	gearingEngine.SetFeed(prices)
	gearingEngine.SetEmitter(feed)
	gearingEngine.SetPauses(manager)

	orderEngine := order.NewEngine()
	orderEngine.SetState(manager)
	orderEngine.SetEmitter(feed)
	orderEngine.SetPauses(manager)

	marketEngine := market.NewEngine()
	marketEngine.SetState(manager)
	marketEngine.SetGearing(gearingEngine)
	marketEngine.SetOrderFactory(orderEngine)
	marketEngine.SetEmitter(feed)
	marketEngine.SetPauses(manager)

	routerEngine := router.NewEngine(owner)
	routerEngine.SetState(manager)
	routerEngine.SetEngines(marketEngine, orderEngine, gearingEngine)
	routerEngine.SetEmitter(feed)
	routerEngine.SetPauses(manager)

	server := gateway.NewServer(gateway.ServerConfig{
		Markets:  marketEngine,
		Orders:   orderEngine,
		Loans:    gearingEngine,
		Accounts: manager,
		Listings: routerEngine,
		Feed:     feed,
		Metrics:  metrics,
	})

	if cfg.MetricsAddress != "" && cfg.MetricsAddress != cfg.ListenAddress {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			logger.Info("metrics listening", "addr", cfg.MetricsAddress)
			if err := http.ListenAndServe(cfg.MetricsAddress, mux); err != nil {
				logger.Error("metrics server stopped", "err", err)
			}
		}()
	}

	logger.Info("gateway listening", "addr", cfg.ListenAddress)
	if err := http.ListenAndServe(cfg.ListenAddress, server.Router()); err != nil {
		logger.Error("gateway stopped", "err", err)
		os.Exit(1)
	}
}
