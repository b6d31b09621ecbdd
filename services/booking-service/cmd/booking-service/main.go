package main

import (
	"context"
	"net"
	"net/http"
	"time"
	_ "time/tzdata"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/surfskatehalle/booking/libs/auth"
	"github.com/surfskatehalle/booking/libs/config"
	"github.com/surfskatehalle/booking/libs/db"
	"github.com/surfskatehalle/booking/libs/grpcx"
	"github.com/surfskatehalle/booking/libs/httpx"
	"github.com/surfskatehalle/booking/libs/kafkax"
	otelx "github.com/surfskatehalle/booking/libs/otel"
	"github.com/surfskatehalle/booking/libs/runtime"
	"github.com/surfskatehalle/booking/services/booking-service/internal/availability"
	"github.com/surfskatehalle/booking/services/booking-service/internal/handlers"
	"github.com/surfskatehalle/booking/services/booking-service/internal/outbox"
	"github.com/surfskatehalle/booking/services/booking-service/internal/payment"
	"github.com/surfskatehalle/booking/services/booking-service/internal/preferences"
	"github.com/surfskatehalle/booking/services/booking-service/internal/reconcile"
	"github.com/surfskatehalle/booking/services/booking-service/internal/storage"
)

func main() {
	service := config.String("SERVICE_NAME", "booking-service")
	port, err := config.Port("PORT", "8080")
	if err != nil {
		panic(err)
	}
	grpcPort, err := config.Port("GRPC_PORT", "9090")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service, config.String("LOG_LEVEL", "info"))

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	loc, err := time.LoadLocation(config.String("FACILITY_TIMEZONE", "Europe/Berlin"))
	if err != nil {
		panic(err)
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL, db.PoolConfig{
		MaxConns: int32(config.Int("DB_MAX_CONNS", 10)),
		MinConns: int32(config.Int("DB_MIN_CONNS", 1)),
	})
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	redisOpts, err := redis.ParseURL(config.String("REDIS_URL", "redis://redis:6379/0"))
	if err != nil {
		panic(err)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()

	jwtSecret := config.String("JWT_SECRET", "")
	var jwks *auth.JWKSClient
	if jwksURL := config.String("JWT_JWKS_URL", ""); jwksURL != "" {
		jwks = auth.NewJWKSClient(jwksURL, config.Seconds("JWT_JWKS_TTL_SECONDS", 5*time.Minute), nil)
	}
	if jwtSecret == "" && jwks == nil {
		panic("JWT_SECRET or JWT_JWKS_URL is required")
	}
	verifier := &auth.Verifier{Secret: jwtSecret, JWKS: jwks}

	outboxRepo := outbox.NewRepository()
	repo := storage.NewRepository(pool, outboxRepo)
	publisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: config.Seconds("OUTBOX_POLL_SECONDS", 2*time.Second),
		BatchSize: config.Int("OUTBOX_BATCH_SIZE", 50),
	})
	go publisher.Run(ctx)

	payments := payment.NewStripe(payment.StripeConfig{
		SecretKey:        config.String("STRIPE_SECRET_KEY", ""),
		WebhookSecret:    config.String("STRIPE_WEBHOOK_SECRET", ""),
		WebhookTolerance: config.Seconds("STRIPE_WEBHOOK_TOLERANCE_SECONDS", 5*time.Minute),
		SessionTTL:       config.Seconds("CHECKOUT_SESSION_TTL_SECONDS", time.Hour),
	})
	reconciler := reconcile.NewCheckoutReconciler(pool, repo, payments, logger, reconcile.Config{
		StaleAfter: config.Seconds("RECONCILE_STALE_AFTER_SECONDS", 75*time.Minute),
		SessionTTL: payments.SessionTTL(),
		BatchSize:  config.Int("RECONCILE_BATCH_SIZE", 50),
	})
	if config.String("STRIPE_SECRET_KEY", "") == "" {
		logger.Warn("checkout reconcile disabled: STRIPE_SECRET_KEY missing")
	} else {
		go reconciler.Run(ctx, config.Seconds("RECONCILE_INTERVAL_SECONDS", 5*time.Minute))
	}
	prefs := preferences.NewStore(rdb, config.Seconds("LOCALE_TTL_SECONDS", 0))

	h := handlers.New(repo, payments, prefs, logger, handlers.Config{
		Location:   loc,
		Policy:     availability.Policy{ClampToClose: config.Bool("CLAMP_TO_CLOSING", false)},
		SuccessURL: config.String("CHECKOUT_SUCCESS_URL", "http://localhost:5173/payment-success"),
		CancelURL:  config.String("CHECKOUT_CANCEL_URL", "http://localhost:5173/book"),
		ListLimit:  config.Int("RESERVATION_LIST_LIMIT", 100),
	})

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "redis", Optional: true, Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
		runtime.ReadyCheck{Name: "kafka", Optional: true, Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)
	h.Register(mux, auth.RequireAuth(verifier))

	rateLimit := config.Int("RATE_LIMIT_PER_MINUTE", 120)
	var limit httpx.Middleware
	if config.String("RATE_LIMIT_BACKEND", "redis") == "memory" {
		memLimiter := httpx.NewRateLimiter(rateLimit, time.Minute)
		go sweepRateLimiter(ctx, memLimiter, time.Minute)
		limit = memLimiter.Middleware()
	} else {
		limit = httpx.NewRedisRateLimiter(rdb, rateLimit, time.Minute, service).Middleware(logger, true)
	}
	httpHandler := httpx.Chain(mux,
		httpx.WithRecover(logger),
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins:   config.List("CORS_ALLOWED_ORIGINS", ""),
			AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
			AllowCredentials: true,
			MaxAge:           10 * time.Minute,
		}),
		limit,
		httpx.WithBodyLimit(1<<20),
		httpx.WithTimeout(15*time.Second),
	)
	httpHandler = otelhttp.NewHandler(httpHandler, "booking")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           httpHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer, health := grpcx.NewServer(logger)
	lis, err := net.Listen("tcp", ":"+grpcPort)
	if err != nil {
		logger.Error("grpc listen failed", "err", err)
		panic(err)
	}
	go func() {
		logger.Info("grpc server starting", "addr", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server error", "err", err)
		}
	}()

	go func() {
		logger.Info("http server starting", "addr", srv.Addr, "timezone", loc.String())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	health.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	grpcServer.GracefulStop()
	logger.Info("servers stopped")
}

func sweepRateLimiter(ctx context.Context, rl *httpx.RateLimiter, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Sweep()
		}
	}
}
