package main

import (
	"context"
	"net/http"
	"strings"
	"time"
	_ "time/tzdata"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/surfskatehalle/booking/libs/config"
	"github.com/surfskatehalle/booking/libs/db"
	"github.com/surfskatehalle/booking/libs/httpx"
	"github.com/surfskatehalle/booking/libs/kafkax"
	otelx "github.com/surfskatehalle/booking/libs/otel"
	"github.com/surfskatehalle/booking/libs/runtime"
	"github.com/surfskatehalle/booking/services/notification-service/internal/consumer"
	"github.com/surfskatehalle/booking/services/notification-service/internal/email"
	"github.com/surfskatehalle/booking/services/notification-service/internal/inbox"
	"github.com/surfskatehalle/booking/services/notification-service/internal/notify"
	"github.com/surfskatehalle/booking/services/notification-service/internal/storage"
)

func main() {
	service := config.String("SERVICE_NAME", "notification-service")
	port, err := config.Port("PORT", "8085")
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
		MaxConns: int32(config.Int("DB_MAX_CONNS", 5)),
		MinConns: int32(config.Int("DB_MIN_CONNS", 1)),
	})
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	sender := email.NewSMTPSender(email.SMTPConfig{
		Host:     config.String("SMTP_HOST", "mailpit"),
		Port:     config.String("SMTP_PORT", "1025"),
		From:     config.String("SMTP_FROM", "buchung@surfskatehalle.local"),
		Username: config.String("SMTP_USERNAME", ""),
		Password: config.String("SMTP_PASSWORD", ""),
	})
	notifier := notify.New(sender, storage.NewRepository(pool), loc, logger)

	brokers := config.String("KAFKA_BROKERS", "")
	if len(kafkax.SplitBrokers(brokers)) == 0 {
		logger.Warn("event consumer disabled (no kafka brokers configured)")
	} else {
		eventConsumer := consumer.New(logger, inbox.NewRepository(pool), consumer.Config{
			Brokers:      brokers,
			GroupID:      config.String("KAFKA_GROUP_ID", "notification-service"),
			Topics:       config.List("KAFKA_CONSUME_TOPICS", strings.Join(notify.Topics, ",")),
			MaxAttempts:  config.Int("CONSUMER_MAX_ATTEMPTS", 5),
			RetryBackoff: config.Seconds("CONSUMER_RETRY_BACKOFF_SECONDS", time.Second),
		}, notifier.Handle)
		go eventConsumer.Run(ctx)
	}

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	)
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, "notification")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
