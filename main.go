package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"papertrader/internal/api"
	"papertrader/internal/audit"
	"papertrader/internal/events"
	"papertrader/internal/market"
	"papertrader/internal/order"
	"papertrader/internal/portfolio"
	"papertrader/internal/risk"
	"papertrader/internal/strategy"
	"papertrader/pkg/clock"
	"papertrader/pkg/config"
	"papertrader/pkg/db"
)

const version = "0.1.0"

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}
	profile, err := cfg.Profile()
	if err != nil {
		log.Fatal("risk profile rejected", zap.Error(err))
	}
	log.Info("starting",
		zap.String("version", version),
		zap.Strings("instruments", cfg.Instruments),
		zap.String("risk_profile", profile.Name))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.Real{}
	bus := events.NewBus(clk, cfg.BusPublishTimeout)

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatal("db init failed", zap.Error(err))
	}
	defer database.Close()
	queries := db.NewQueries(database)

	sim := order.NewSimulator(order.SimConfig{
		Slippage:       cfg.Slippage,
		FeeRate:        cfg.FeeRate,
		SplitThreshold: cfg.SplitThreshold,
	}, clk)
	auditStore := audit.NewStore(queries, log.Named("audit"))
	oms := order.NewManager(bus, clk, log.Named("oms"), sim, auditStore)
	go oms.Run(ctx)

	tracker := portfolio.NewTracker(bus, clk, log.Named("portfolio"))
	go tracker.Run(ctx)

	engine, err := risk.NewEngine(bus, clk, log.Named("risk"), profile, oms, cfg.InitialBalance, cfg.Instruments)
	if err != nil {
		log.Fatal("risk engine init failed", zap.Error(err))
	}
	go engine.Run(ctx)

	recorder := audit.NewRecorder(bus, queries, log.Named("audit"))
	go recorder.Run(ctx)

	strat, err := strategy.NewMeanReversion(bus, log.Named("strategy"),
		cfg.StrategyThreshold, cfg.StrategyWindow, cfg.StrategyStopFrac)
	if err != nil {
		log.Fatal("strategy init failed", zap.Error(err))
	}
	go strat.Run(ctx)

	feed := &market.MockFeed{
		Bus:         bus,
		Clock:       clk,
		Log:         log.Named("feed"),
		Instruments: cfg.Instruments,
		Interval:    cfg.FeedInterval,
		Seed:        cfg.FeedSeed,
	}
	feed.Start(ctx)

	server := api.NewServer(bus, log.Named("api"), engine, oms, tracker, queries, auditStore, api.SystemMeta{
		Instruments: cfg.Instruments,
		RiskProfile: profile.Name,
		Version:     version,
	}, cfg.JWTSecret)
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatal("api server failed", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info("shutting down", zap.String("signal", s.String()))
	cancel()
}
