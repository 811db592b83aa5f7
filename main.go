package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adhocore/gronx"
	"github.com/denisbrodbeck/machineid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"trading-core/internal/api"
	"trading-core/internal/bus"
	"trading-core/internal/domain"
	"trading-core/internal/execution"
	"trading-core/internal/lock"
	"trading-core/internal/lockset"
	"trading-core/internal/obs"
	"trading-core/internal/ordermgr"
	"trading-core/internal/papermatch"
	"trading-core/internal/possync"
	"trading-core/internal/ratelimit"
	"trading-core/internal/reconcile"
	"trading-core/internal/riskgate"
	"trading-core/internal/riskledger"
	"trading-core/internal/snapshot"
	"trading-core/internal/venue"
	"trading-core/internal/wsingest"
	"trading-core/pkg/config"
	"trading-core/pkg/db"
	"trading-core/pkg/i18n"
)

const (
	topicBarClose  = "bar_close"
	topicTradePlan = "trade_plan"
	consumerGroup  = "execution-core"
)

// barClosePayload mirrors the bar_close envelope payload (§4.4).
type barClosePayload struct {
	Symbol      string `json:"symbol"`
	Timeframe   string `json:"timeframe"`
	CloseTimeMs int64  `json:"close_time_ms"`
	IsFinal     bool   `json:"is_final"`
	Source      string `json:"source"`
	OHLCV       ohlcv  `json:"ohlcv"`
}

type ohlcv struct {
	Open, High, Low, Close, Volume float64
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf(i18n.Get("ConfigLoadFailed"), err)
	}
	if cfg.Language == "zh" {
		i18n.SetLanguage(i18n.LangZH)
	}
	log.Printf(i18n.Get("Starting"), cfg.ExecutionMode, cfg.Port)
	log.Printf(i18n.Get("UsingDBPath"), cfg.DBPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf(i18n.Get("DBInitFailed"), err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf(i18n.Get("DBMigrationsFailed"), err)
	}
	repo := db.NewRepository(database)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	eventBus := bus.New(rdb, "execution-core")
	locker := lock.New(rdb)
	locks := lockset.New()
	gates := riskgate.New(repo, cfg)
	emitter := riskgate.NewEmitter(repo)
	gates.SetEmitter(emitter)
	metrics := obs.NewMetrics()

	limiter := ratelimit.New()
	venueClient := venue.NewClient(venue.Config{
		APIKey:    cfg.VenueAPIKey,
		APISecret: cfg.VenueAPISecret,
		BaseURL:   cfg.VenueBaseURL,
		Testnet:   cfg.VenueTestnet,
		Category:  cfg.VenueCategory,
	}, limiter)
	equityReader := venue.NewEquityReader(venueClient)

	executor := execution.New(repo, gates, emitter, locker, venueClient, equityReader, cfg)
	orderMgr := ordermgr.New(repo, venueClient, emitter, cfg)
	matcher := papermatch.New(repo, emitter, locks, cfg)
	reconcileLoop := reconcile.New(repo, venueClient, orderMgr, emitter, locks, cfg)
	syncLoop := possync.New(repo, venueClient, locks, cfg)
	riskMonitor := riskledger.New(repo, venueClient, equityReader, emitter, gates, cfg)

	var archiver *snapshot.Archiver
	if cfg.SnapshotS3Bucket != "" {
		archiver, err = snapshot.NewArchiver(ctx, snapshot.ArchiverConfig{
			Bucket:    cfg.SnapshotS3Bucket,
			Prefix:    cfg.SnapshotS3Prefix,
			Region:    cfg.AWSRegion,
			AccessKey: cfg.AWSAccessKeyID,
			SecretKey: cfg.AWSSecretAccessKey,
		})
		if err != nil {
			log.Printf(i18n.Get("SnapshotArchiverDown"), err)
			archiver = nil
		}
	}
	snapshotter := snapshot.New(repo, venueClient, equityReader, emitter, archiver, cfg)

	ingest := wsingest.New(cfg, repo, emitter, privateWSURL(cfg))

	adminServer := api.NewServer(repo, gates, metrics, cfg)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runGuarded("admin api", func() error { return adminServer.Start(":" + cfg.Port) })
	})

	g.Go(func() error {
		return consumeLoop(gctx, eventBus, topicBarClose, consumerGroup, func(ctx context.Context, env bus.Envelope) error {
			var p barClosePayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return fmt.Errorf("decode bar_close: %w", err)
			}
			if !p.IsFinal {
				return nil
			}
			tf := domain.Timeframe(p.Timeframe)
			if err := repo.UpsertBar(ctx, p.Symbol, tf, p.CloseTimeMs, p.OHLCV.Open, p.OHLCV.High, p.OHLCV.Low, p.OHLCV.Close, p.OHLCV.Volume); err != nil {
				log.Printf("bar_close: upsert bar %s/%s: %v", p.Symbol, tf, err)
			}
			bar := papermatch.Bar{
				Open: p.OHLCV.Open, High: p.OHLCV.High, Low: p.OHLCV.Low,
				Close: p.OHLCV.Close, Volume: p.OHLCV.Volume, CloseTimeMs: p.CloseTimeMs,
			}
			return matcher.OnBarClose(ctx, p.Symbol, tf, bar)
		})
	})

	g.Go(func() error {
		return consumeLoop(gctx, eventBus, topicTradePlan, consumerGroup, func(ctx context.Context, env bus.Envelope) error {
			var plan domain.TradePlan
			if err := json.Unmarshal(env.Payload, &plan); err != nil {
				return fmt.Errorf("decode trade_plan: %w", err)
			}
			timer := obs.NewTimer(metrics.OrderLatency)
			err := executor.HandleTradePlan(ctx, plan)
			timer.Stop()
			if err != nil {
				metrics.IncrementPlansRejected()
			} else {
				metrics.IncrementPlansAdmitted()
			}
			return err
		})
	})

	if cfg.PrivateWSEnabled {
		g.Go(func() error {
			return runGuarded("ws ingest", func() error { ingest.Run(gctx); return nil })
		})
	}

	g.Go(func() error {
		return tickLoop(gctx, time.Duration(cfg.ReconcileIntervalMs)*time.Millisecond, "reconcile", func(ctx context.Context) error {
			return reconcileLoop.Run(ctx)
		})
	})

	g.Go(func() error {
		return tickLoop(gctx, time.Duration(cfg.PositionSyncIntervalMs)*time.Millisecond, "possync", func(ctx context.Context) error {
			return syncLoop.Run(ctx)
		})
	})

	g.Go(func() error {
		return tickLoop(gctx, time.Duration(cfg.RiskMonitorIntervalMs)*time.Millisecond, "riskledger", func(ctx context.Context) error {
			if err := riskMonitor.Run(ctx); err != nil {
				metrics.IncrementRiskHalts()
				return err
			}
			return nil
		})
	})

	g.Go(func() error {
		return tickLoop(gctx, time.Duration(cfg.SnapshotIntervalSec)*time.Second, "snapshotter", func(ctx context.Context) error {
			return snapshotter.Run(ctx)
		})
	})

	g.Go(func() error {
		return cronLoop(gctx, "0 2 * * *", "snapshot retention sweep", func(ctx context.Context) error {
			return snapshotter.Prune(ctx)
		})
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println(i18n.Get("ShuttingDown"))
		cancel()
	}()

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		log.Printf("execution core exited with error: %v", err)
	}
}

// consumerID derives a stable per-host consumer name for the bus consumer
// groups, so a restarted process keeps the same consumer name in each group
// instead of registering a new one. bus.Consume reads only never-delivered
// entries, so entries left pending under that name are not re-read.
func consumerID() string {
	id, err := machineid.ID()
	if err != nil || id == "" {
		return "consumer-1"
	}
	return "consumer-" + id
}

func privateWSURL(cfg *config.Config) string {
	if cfg.VenueTestnet {
		return "wss://stream-testnet.bybit.com/v5/private"
	}
	return "wss://stream.bybit.com/v5/private"
}

// runGuarded recovers a panic in fn into an error so one loop crashing
// never takes the whole process down silently.
func runGuarded(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf(i18n.Get("LoopPanicRecovered"), name, r)
			err = fmt.Errorf("%s: panic: %v", name, r)
		}
	}()
	return fn()
}

// tickLoop runs fn on a fixed interval until ctx is cancelled. A single
// tick's error is logged, never fatal to the loop.
func tickLoop(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := runGuarded(name, func() error { return fn(ctx) }); err != nil {
				log.Printf("%s: %v", name, err)
			}
		}
	}
}

// cronLoop checks a cron expression once a minute and fires fn on the
// minute it becomes due.
func cronLoop(ctx context.Context, expr, name string, fn func(context.Context) error) error {
	gron := gronx.New()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			due, err := gron.IsDue(expr)
			if err != nil {
				log.Printf("%s: invalid cron expression %q: %v", name, expr, err)
				continue
			}
			if !due {
				continue
			}
			if err := runGuarded(name, func() error { return fn(ctx) }); err != nil {
				log.Printf("%s: %v", name, err)
			}
		}
	}
}

// consumeLoop reads, dispatches and acks messages from topic in a loop
// until ctx is cancelled. A handler error routes the message to the DLQ
// instead of blocking the consumer group.
func consumeLoop(ctx context.Context, b *bus.Bus, topic, group string, handle func(context.Context, bus.Envelope) error) error {
	if err := b.EnsureGroup(ctx, topic, group); err != nil {
		return fmt.Errorf("consume %s: %w", topic, err)
	}
	consumer := consumerID()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgs, err := b.Consume(ctx, topic, group, consumer, 10, 2*time.Second)
		if err != nil {
			log.Printf("consume %s: %v", topic, err)
			time.Sleep(time.Second)
			continue
		}
		for _, m := range msgs {
			handleErr := runGuarded("handle "+topic, func() error { return handle(ctx, m.Envelope) })
			if handleErr != nil {
				log.Printf("consume %s: handler failed for %s, routing to dlq: %v", topic, m.ID, handleErr)
				b.Handoff(ctx, topic, group, m.ID, m.Envelope, handleErr)
				continue
			}
			if err := b.Ack(ctx, topic, group, m.ID); err != nil {
				log.Printf("consume %s: ack %s: %v", topic, m.ID, err)
			}
		}
	}
}
