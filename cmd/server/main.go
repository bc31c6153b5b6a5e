package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"marketplace/internal/config"
	"marketplace/internal/market"
	"marketplace/internal/metrics"
	"marketplace/internal/queue"
	"marketplace/internal/roles"
	"marketplace/internal/router"
	"marketplace/internal/store"
	"marketplace/internal/token"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// SQLite, schema migrated on open
	db, err := gorm.Open(sqlite.Open(cfg.DBPath), &gorm.Config{})
	if err != nil {
		logger.Fatal("db open", zap.Error(err))
	}
	st, err := store.Open(db, cfg.Market)
	if err != nil {
		logger.Fatal("store open", zap.Error(err))
	}

	rdb := rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer rdb.Close()

	roleStore := roles.NewRedisStore(rdb)
	if cfg.AdminAddress != (common.Address{}) {
		if err := roleStore.Grant(ctx, market.RoleAdmin, cfg.AdminAddress); err != nil {
			logger.Fatal("grant admin", zap.Error(err))
		}
	}

	tokens := token.NewRegistry()
	tokens.OnTransfer(func(t token.Transfer) {
		logger.Debug("token ownership changed",
			zap.Uint64("id", t.ID), zap.String("from", t.From.Hex()), zap.String("to", t.To.Hex()))
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mtr := metrics.New(reg)

	outbox := queue.NewOutbox(rdb, cfg.EventStream, clock.New())
	mkt := market.New(st, roleStore, tokens,
		market.WithLogger(logger),
		market.WithEventSink(market.MultiSink{outbox, mtr}),
	)
	if err := restoreTokens(ctx, mkt, tokens); err != nil {
		logger.Fatal("restore tokens", zap.Error(err))
	}

	producer := queue.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	defer producer.Close()
	consumer := queue.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, db, logger)
	defer consumer.Close()
	go queue.NewRelay(rdb, producer, cfg.EventStream, cfg.EventGroup, cfg.EventConsumer, logger).Run(ctx)
	go consumer.Run(ctx)

	r := gin.Default()
	router.Setup(r, router.Deps{
		Market:   mkt,
		Redis:    rdb,
		Metrics:  mtr,
		Gatherer: reg,
		Config:   cfg,
		Log:      logger,
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("marketplace listening", zap.String("addr", cfg.HTTPAddr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("http server", zap.Error(err))
	}
}

// restoreTokens re-mints the in-process ownership registry from the
// persisted listings after a restart.
func restoreTokens(ctx context.Context, mkt *market.Marketplace, tokens *token.Registry) error {
	products, err := mkt.Products(ctx)
	if err != nil {
		return err
	}
	for _, p := range products {
		if err := tokens.Mint(ctx, p.Owner, p.ID); err != nil {
			return err
		}
	}
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}
