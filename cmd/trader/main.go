package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/erain9/tradeclient/config"
	"github.com/erain9/tradeclient/pkg/backend/memory"
	"github.com/erain9/tradeclient/pkg/backend/redis"
	"github.com/erain9/tradeclient/pkg/core"
	"github.com/erain9/tradeclient/pkg/exchange"
	"github.com/erain9/tradeclient/pkg/feed"
	"github.com/erain9/tradeclient/pkg/logging"
	"github.com/erain9/tradeclient/pkg/marketdata"
	"github.com/erain9/tradeclient/pkg/messaging"
	"github.com/erain9/tradeclient/pkg/messaging/kafka"
	"github.com/erain9/tradeclient/pkg/otel"
	"github.com/erain9/tradeclient/pkg/queue"
	"github.com/erain9/tradeclient/pkg/server"
	"github.com/erain9/tradeclient/pkg/trader"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}

	logger, closeLog, err := logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty,
		Output: os.Stdout,
		File:   cfg.Logging.File,
	})
	if err != nil {
		return err
	}
	defer closeLog()

	cleanup, err := otel.Init(otel.Config{
		ServiceVersion:   cfg.Telemetry.ServiceVersion,
		Endpoint:         cfg.Telemetry.Endpoint,
		ConnectTimeout:   cfg.Telemetry.ConnectTimeout,
		CollectorEnabled: cfg.Telemetry.Enabled,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	defer cleanup()
	if cfg.Telemetry.Enabled {
		if err := otel.StartRuntimeMetrics(cfg.Telemetry.RuntimeMetrics); err != nil {
			logger.Warn().Err(err).Msg("Runtime metrics disabled")
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	policy, err := core.ParseScalePolicy(cfg.Feed.ScalePolicy)
	if err != nil {
		return err
	}

	// Sinks
	books := memory.NewMemoryBackend()
	sinks := []messaging.BookSender{books}
	var closers []io.Closer

	if cfg.Kafka.Enabled {
		bookSender := kafka.NewBookUpdateSender(cfg.Kafka.BrokerAddr, cfg.Kafka.BookTopic)
		sinks = append(sinks, bookSender)
		closers = append(closers, bookSender)
	}
	if cfg.Redis.Enabled {
		zl, err := zap.NewProduction()
		if err != nil {
			return fmt.Errorf("failed to create zap logger: %w", err)
		}
		defer func() { _ = zl.Sync() }()
		store := redis.NewBookStore(redis.NewClient(redis.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}), cfg.Redis.Prefix, cfg.Redis.TTL, zl)
		sinks = append(sinks, store)
		closers = append(closers, store)
	}

	var traderOpts []trader.Option
	if cfg.Kafka.Enabled {
		producer, err := queue.NewOrderEventProducer([]string{cfg.Kafka.BrokerAddr}, cfg.Kafka.OrderTopic)
		if err != nil {
			logger.Warn().Err(err).Msg("Order events disabled")
		} else {
			traderOpts = append(traderOpts, trader.WithEventSender(producer))
			closers = append(closers, producer)
		}
	}
	defer func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				logger.Warn().Err(err).Msg("Failed to close sink")
			}
		}
	}()

	fanout := messaging.NewFanout(messaging.FanoutConfig{
		Workers:     cfg.Sinks.ProcessingThreads,
		QueueSize:   cfg.Sinks.QueueSize,
		SendTimeout: cfg.Sinks.SendTimeout,
	}, logger, sinks...)
	fanout.Start(ctx)
	defer fanout.Close()

	// Execution
	execClient := exchange.NewClient(exchange.Config{
		BaseURL:      cfg.Exchange.RESTURL,
		ClientID:     cfg.Exchange.APIKey,
		ClientSecret: cfg.Exchange.APISecret,
		Timeout:      cfg.Exchange.Timeout,
		RateLimit:    cfg.Exchange.RateLimit,
		Burst:        cfg.Exchange.Burst,
	}, exchange.WithLogger(logger))

	// Market data. The feed handler and the manager's transport refer to
	// each other, so the manager is assigned before Run starts.
	var mgr *marketdata.Manager
	var tr *trader.Trader
	var bootstrapped atomic.Bool

	feedClient := feed.NewClient(feed.Config{
		URL:               cfg.Exchange.WSURL,
		HeartbeatInterval: cfg.Feed.HeartbeatInterval,
		InitialBackoff:    cfg.Feed.InitialBackoff,
		MaxBackoff:        cfg.Feed.MaxBackoff,
	}, func(ctx context.Context, msg []byte) {
		mgr.HandleMessage(ctx, msg)
	}, feed.WithLogger(logger), feed.WithOnConnect(func(ctx context.Context) error {
		if len(mgr.ActiveChannels()) > 0 {
			return mgr.Resubscribe(ctx)
		}
		for _, instrument := range cfg.Trading.Instruments {
			if err := mgr.Subscribe(ctx, instrument, true, true, true); err != nil {
				return err
			}
			logger.Info().Str("instrument", instrument).Msg("Subscribed to market data")
		}
		if !bootstrapped.Swap(true) {
			bootstrap(ctx, tr, cfg.Trading.Instruments, cfg.Trading.BootstrapDepth, logger)
		}
		return nil
	}))

	mgr = marketdata.NewManager(feedClient,
		marketdata.WithLogger(logger),
		marketdata.WithBookOptions(core.WithLogger(logger), core.WithScalePolicy(policy)),
	)
	mgr.SetOrderBookCallback(func(instrument, _ string, _ json.RawMessage) {
		if book := mgr.GetOrderBook(instrument); book != nil {
			fanout.Publish(book.Snapshot(cfg.Sinks.Depth))
		}
	})
	mgr.SetTradeCallback(func(instrument, _ string, data json.RawMessage) {
		logger.Info().Str("instrument", instrument).RawJSON("data", data).Msg("Trade update")
	})
	mgr.SetTickerCallback(func(instrument, _ string, data json.RawMessage) {
		logger.Debug().Str("instrument", instrument).RawJSON("data", data).Msg("Ticker update")
	})

	tr = trader.New(execClient, mgr, trader.Limits{
		MinOrderSize:  decimal.NewFromFloat(cfg.Trading.MinOrderSize),
		MaxOrderSize:  decimal.NewFromFloat(cfg.Trading.MaxOrderSize),
		MaxOpenOrders: cfg.Trading.MaxOpenOrders,
	}, append(traderOpts, trader.WithLogger(logger))...)

	// Health, status and order entry
	srv := server.New(server.Config{
		GRPCAddr: cfg.Server.GRPCAddr,
		HTTPAddr: cfg.Server.HTTPAddr,
	}, func() server.Status {
		return status(feedClient, mgr, tr)
	}, logger, server.WithOrderEntry(tr))
	if err := srv.Start(); err != nil {
		return err
	}

	if cfg.Exchange.APIKey != "" {
		if err := execClient.Authenticate(ctx); err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}
		logger.Info().Msg("Authentication successful")
	} else {
		logger.Warn().Msg("No API key configured, running market data only")
	}

	feedDone := make(chan error, 1)
	go func() {
		feedDone <- feedClient.Run(ctx)
	}()

	logger.Info().Strs("instruments", cfg.Trading.Instruments).Msg("Starting main loop")
	mainLoop(ctx, cfg, srv, feedClient, execClient, books, logger)

	// Clean shutdown
	logger.Info().Msg("Shutting down")

	unsubCtx, unsubCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	if err := mgr.UnsubscribeAll(unsubCtx); err != nil {
		logger.Warn().Err(err).Msg("Failed to unsubscribe")
	}
	unsubCancel()

	if err := feedClient.Close(); err != nil {
		logger.Warn().Err(err).Msg("Failed to close feed")
	}
	cancel()
	if err := <-feedDone; err != nil {
		logger.Warn().Err(err).Msg("Feed stopped with error")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown error")
	}

	stats := mgr.Stats()
	logger.Info().
		Int64("messages", stats.Messages).
		Int64("parse_failures", stats.ParseFailures).
		Uint64("published", fanout.Published()).
		Uint64("dropped", fanout.Dropped()).
		Msg("Shutdown complete")
	return nil
}

// mainLoop tracks feed health and polls positions until ctx is done
func mainLoop(ctx context.Context, cfg *config.Config, srv *server.Server, feedClient *feed.Client,
	execClient *exchange.Client, books *memory.MemoryBackend, logger zerolog.Logger) {
	health := time.NewTicker(time.Second)
	defer health.Stop()
	positions := time.NewTicker(cfg.Trading.PositionInterval)
	defer positions.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-srv.Errors():
			logger.Error().Err(err).Msg("Server failed")
			return
		case <-health.C:
			srv.SetFeedStatus(feedClient.Connected())
		case <-positions.C:
			logger.Debug().Str("books", books.String()).Msg("Latest books")
			if !execClient.Authenticated() {
				continue
			}
			list, err := execClient.GetPositions(ctx, cfg.Trading.PositionCurrency)
			if err != nil {
				logger.Error().Err(err).Msg("Error in main loop")
				continue
			}
			for _, p := range list {
				logger.Debug().
					Str("instrument", p.Instrument).
					Str("direction", p.Direction).
					Str("size", p.Size.String()).
					Str("floating_pnl", p.FloatingPnL.String()).
					Msg("Position")
			}
		}
	}
}

// bootstrap seeds each book from REST before the first feed frame is read
func bootstrap(ctx context.Context, tr *trader.Trader, instruments []string, depth int, logger zerolog.Logger) {
	for _, instrument := range instruments {
		if err := tr.Bootstrap(ctx, instrument, depth); err != nil {
			logger.Warn().Err(err).Str("instrument", instrument).Msg("Bootstrap failed")
		}
	}
}

func status(feedClient *feed.Client, mgr *marketdata.Manager, tr *trader.Trader) server.Status {
	st := server.Status{
		Connected:  feedClient.Connected(),
		Channels:   mgr.ActiveChannels(),
		Feed:       mgr.Stats(),
		OpenOrders: len(tr.Open()),
	}
	for _, instrument := range mgr.Instruments() {
		book := mgr.GetOrderBook(instrument)
		if book == nil {
			continue
		}
		snap := book.Snapshot(1)
		st.Books = append(st.Books, server.BookSummary{
			Instrument: instrument,
			BestBid:    snap.BestBid,
			BestAsk:    snap.BestAsk,
			Spread:     snap.Spread,
			BidLevels:  book.Depth(core.Buy),
			AskLevels:  book.Depth(core.Sell),
		})
	}
	return st
}
