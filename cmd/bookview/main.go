package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/zap"

	"github.com/erain9/tradeclient/pkg/backend/redis"
	"github.com/erain9/tradeclient/pkg/core"
	"github.com/erain9/tradeclient/pkg/feed"
	"github.com/erain9/tradeclient/pkg/marketdata"
	"github.com/erain9/tradeclient/pkg/messaging"
	"github.com/erain9/tradeclient/pkg/messaging/kafka"
)

var (
	source     = flag.String("source", "feed", "Where books come from: feed, redis or kafka")
	instrument = flag.String("instrument", "BTC-PERPETUAL", "Instrument to display")
	depth      = flag.Int("depth", 10, "Levels per side")
	wsURL      = flag.String("ws_url", "wss://test.deribit.com/ws/api/v2", "Feed websocket URL")
	redisAddr  = flag.String("redis_addr", "localhost:6379", "Redis address")
	redisPfx   = flag.String("redis_prefix", "tradeclient", "Redis key prefix used by the trader")
	kafkaAddr  = flag.String("kafka_addr", "localhost:9092", "Kafka broker address")
	kafkaTopic = flag.String("kafka_topic", "book-updates", "Kafka topic the trader writes book updates to")
	refresh    = flag.Duration("refresh", 500*time.Millisecond, "Minimum time between redraws")
)

func main() {
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	view := newLadderView(os.Stdout, *refresh)

	var err error
	switch *source {
	case "feed":
		err = watchFeed(ctx, view)
	case "redis":
		err = watchRedis(ctx, view)
	case "kafka":
		err = watchKafka(ctx, view)
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("bookview failed")
	}
}

// watchFeed keeps its own replica of the instrument's book
func watchFeed(ctx context.Context, view *ladderView) error {
	var mgr *marketdata.Manager
	client := feed.NewClient(feed.Config{URL: *wsURL}, func(ctx context.Context, msg []byte) {
		mgr.HandleMessage(ctx, msg)
	}, feed.WithLogger(log.Logger), feed.WithOnConnect(func(ctx context.Context) error {
		if len(mgr.ActiveChannels()) > 0 {
			return mgr.Resubscribe(ctx)
		}
		return mgr.SubscribeOrderBook(ctx, *instrument)
	}))
	defer client.Close()

	mgr = marketdata.NewManager(client, marketdata.WithLogger(log.Logger))
	mgr.SetOrderBookCallback(func(name, _ string, _ json.RawMessage) {
		if book := mgr.GetOrderBook(name); book != nil {
			view.Show(book.Snapshot(*depth))
		}
	})

	return client.Run(ctx)
}

// watchRedis renders the snapshots a running trader publishes
func watchRedis(ctx context.Context, view *ladderView) error {
	store := redis.NewBookStore(redis.NewClient(redis.RedisOptions{Addr: *redisAddr}), *redisPfx, 0, zap.NewNop())
	defer store.Close()

	if latest, err := store.Latest(ctx, *instrument); err == nil {
		view.Show(latest.BookSnapshot)
	}
	return store.Watch(ctx, func(update *messaging.BookUpdate) {
		view.Show(update.BookSnapshot)
	}, *instrument)
}

// watchKafka renders the book updates a running trader writes to Kafka
func watchKafka(ctx context.Context, view *ladderView) error {
	consumer := kafka.NewBookUpdateConsumer(*kafkaAddr, *kafkaTopic, "", log.Logger)
	defer consumer.Close()

	return consumer.Consume(ctx, func(update *messaging.BookUpdate) {
		view.Show(update.BookSnapshot)
	}, *instrument)
}

// ladderView redraws at most once per interval
type ladderView struct {
	out      io.Writer
	interval time.Duration
	last     time.Time
}

func newLadderView(out io.Writer, interval time.Duration) *ladderView {
	return &ladderView{out: out, interval: interval}
}

func (v *ladderView) Show(snap core.BookSnapshot) {
	if time.Since(v.last) < v.interval {
		return
	}
	v.last = time.Now()
	fmt.Fprint(v.out, "\033[H\033[2J")
	if err := renderLadder(v.out, snap, *depth); err != nil {
		log.Error().Err(err).Msg("render failed")
	}
}

// renderLadder prints asks from the highest shown price down to the best
// ask, then bids from the best bid down
func renderLadder(w io.Writer, snap core.BookSnapshot, depth int) error {
	cyan := color.New(color.FgCyan).SprintfFunc()
	red := color.New(color.FgRed).SprintfFunc()
	green := color.New(color.FgGreen).SprintfFunc()

	fmt.Fprintf(w, "%s  %s\n", cyan(snap.Instrument), snap.Timestamp.Format(time.RFC3339))

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', tabwriter.AlignRight)
	fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t\n", cyan("Price"), cyan("Volume"), cyan("Orders"), cyan("Side"))

	asks := snap.Asks
	if depth > 0 && len(asks) > depth {
		asks = asks[:depth]
	}
	for i := len(asks) - 1; i >= 0; i-- {
		l := asks[i]
		fmt.Fprintf(tw, "%.4f\t%.4f\t%d\t%s\t\n", l.Price, l.Volume, l.Orders, red("ASK"))
	}

	fmt.Fprintf(tw, "%s\t%s\t\t\t\n", "spread", fmt.Sprintf("%.4f", snap.Spread))

	bids := snap.Bids
	if depth > 0 && len(bids) > depth {
		bids = bids[:depth]
	}
	for _, l := range bids {
		fmt.Fprintf(tw, "%.4f\t%.4f\t%d\t%s\t\n", l.Price, l.Volume, l.Orders, green("BID"))
	}

	return tw.Flush()
}

func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  bookview [-source=feed|redis|kafka] [-instrument=NAME] [-depth=N]")
	fmt.Println("\nExamples:")
	fmt.Println("  bookview -instrument=ETH-PERPETUAL -depth=5")
	fmt.Println("  bookview -source=redis -redis_addr=localhost:6379")
	fmt.Println("  bookview -source=kafka -kafka_addr=localhost:9092 -kafka_topic=book-updates")
}
