package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"brokercore/internal/auth"
	"brokercore/internal/broker"
	"brokercore/internal/config"
	"brokercore/internal/db"
	"brokercore/internal/execution"
	"brokercore/internal/gate"
	"brokercore/internal/health"
	"brokercore/internal/httpserver"
	"brokercore/internal/lease"
	"brokercore/internal/ledger"
	"brokercore/internal/logging"
	"brokercore/internal/margin"
	"brokercore/internal/marketdata"
	"brokercore/internal/monitor"
	"brokercore/internal/notify"
	"brokercore/internal/orders"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const leaseKey = "brokercore:scanner-lease"

type quoteFeed interface {
	marketdata.Oracle
	marketdata.Publisher
}

type stores struct {
	pool      *pgxpool.Pool
	ledger    ledger.Store
	orders    orders.Store
	positions margin.Store
	outbox    notify.Outbox
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	log, err := logging.New(cfg.AppMode)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	if st.pool != nil {
		defer st.pool.Close()
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return err
		}
	}

	var feed quoteFeed = marketdata.NewLiveQuotes()
	var scannerLease lease.Lease = lease.NewLocalLease().Owner(cfg.InstanceID, cfg.LeaseTTL)
	if redisClient != nil {
		feed = marketdata.NewRedisQuotes(redisClient, 2*cfg.PriceMaxAge)
		scannerLease = lease.NewRedisLease(redisClient, leaseKey, cfg.InstanceID, cfg.LeaseTTL)
		log.Info("using redis for quotes and scanner lease", zap.String("addr", cfg.RedisAddr))
	}

	var sink notify.Sink = notify.NewLogSink(log)
	if len(cfg.KafkaBrokers) > 0 {
		kafkaSink := notify.NewKafkaSink(strings.Join(cfg.KafkaBrokers, ","), cfg.KafkaTopic)
		defer kafkaSink.Close()
		sink = kafkaSink
		log.Info("publishing events to kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic))
	}

	oracleGate := gate.New(gate.Config{Name: "oracle", Concurrency: 4, Timeout: cfg.OracleTimeout})
	executorGate := gate.New(gate.Config{
		Name:        "executor",
		Concurrency: cfg.ExecutorConcurrency,
		RPS:         cfg.ExecutorRPS,
		Timeout:     cfg.ExecutorTimeout,
	})
	guard := marketdata.NewGuard(feed, oracleGate, cfg.PriceMaxAge, log)

	var executor broker.Executor = broker.NewDisabledExecutor()
	if cfg.ExecutorMode == "paper" {
		executor = broker.NewPaperExecutor(guard)
	}

	ledgerSvc := ledger.NewService(st.ledger, log)
	orderSvc := orders.NewService(st.orders, ledgerSvc, guard, log)
	marginSvc := margin.NewService(st.positions, ledgerSvc, guard, cfg.MaintenanceFraction, log)
	engine := execution.NewEngine(st.orders, st.positions, ledgerSvc, executor, executorGate, guard,
		execution.Config{ExecutingCeiling: cfg.ExecutingCeiling}, log)
	authSvc := auth.NewService(cfg.JWTIssuer, []byte(cfg.JWTSecret), cfg.JWTTTL)

	keeper := lease.NewKeeper(scannerLease, cfg.LeaseTTL, log)
	mon := monitor.New(st.orders, st.positions, guard, engine, keeper, monitor.Config{
		OrderInterval:     cfg.OrderMonitorInterval,
		PositionInterval:  cfg.PositionMonitorInterval,
		ReconcileInterval: cfg.ReconcileInterval,
		UserParallelism:   cfg.MonitorUserParallelism,
	}, log)
	notifier := notify.NewNotifier(st.outbox, sink, log, cfg.OutboxInterval)
	limiter := httpserver.NewRateLimiter(20, 40)

	router := httpserver.NewRouter(httpserver.RouterDeps{
		AuthHandler:     auth.NewHandler(authSvc),
		LedgerHandler:   ledger.NewHandler(ledgerSvc),
		OrderHandler:    orders.NewHandler(orderSvc),
		PositionHandler: margin.NewHandler(marginSvc, engine),
		MarketHandler:   marketdata.NewHandler(feed),
		HealthHandler:   health.NewHandler(st.pool, keeper, time.Now()),
		AuthService:     authSvc,
		RateLimiter:     limiter,
		InternalToken:   cfg.InternalToken,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return keeper.Run(ctx) })
	g.Go(func() error { return mon.Run(ctx) })
	g.Go(func() error { return notifier.Run(ctx) })
	g.Go(func() error {
		limiter.Run(ctx)
		return nil
	})
	g.Go(func() error {
		log.Info("server listening",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("mode", cfg.AppMode),
			zap.String("executor", cfg.ExecutorMode),
			zap.String("instance", cfg.InstanceID))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info("shutdown complete")
	return err
}

func openStores(ctx context.Context, cfg config.Config, log *zap.Logger) (stores, error) {
	if cfg.DBDSN == "" {
		log.Warn("DB_DSN not set, running on in-memory stores")
		outbox := notify.NewMemOutbox()
		return stores{
			ledger:    ledger.NewMemStore(),
			orders:    orders.NewMemStore(outbox),
			positions: margin.NewMemStore(outbox),
			outbox:    outbox,
		}, nil
	}
	pool, err := db.NewPool(ctx, cfg.DBDSN)
	if err != nil {
		return stores{}, err
	}
	if err := db.Migrate(ctx, pool, log); err != nil {
		pool.Close()
		return stores{}, err
	}
	return stores{
		pool:      pool,
		ledger:    ledger.NewPGStore(pool),
		orders:    orders.NewPGStore(pool),
		positions: margin.NewPGStore(pool),
		outbox:    notify.NewPGOutbox(pool),
	}, nil
}
