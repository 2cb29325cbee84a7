package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/your-org/etlflow/internal/ledger"
	"github.com/your-org/etlflow/internal/processor"
	"github.com/your-org/etlflow/pkg/config"
	"github.com/your-org/etlflow/pkg/kafka"
	"github.com/your-org/etlflow/pkg/logger"
	"github.com/your-org/etlflow/pkg/storage/objectstore"
	"github.com/your-org/etlflow/pkg/tracing"
)

const maxNotificationBytes = 1 << 20

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logr, err := logger.New(cfg.App.LogLevel,
		zap.String("service", cfg.App.Name),
		zap.String("env", cfg.App.Environment))
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	traceShutdown, err := tracing.Init(ctx, tracing.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
		Attributes:  parseResourceAttributes(cfg.Tracing.ResourceAttr),
		ServiceName: cfg.App.Name,
	})
	if err != nil {
		logr.Fatal("init tracing", zap.Error(err))
	}
	defer traceShutdown(context.Background()) //nolint:errcheck

	source, err := objectstore.New(objectstore.Config{
		Provider:  cfg.Storage.Provider,
		Endpoint:  cfg.Storage.Endpoint,
		Region:    cfg.Storage.Region,
		Bucket:    cfg.Storage.SourceBucket,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		UseSSL:    cfg.Storage.UseSSL,
	})
	if err != nil {
		logr.Fatal("init source object store", zap.Error(err))
	}
	defer source.Close() //nolint:errcheck

	destination, err := objectstore.New(objectstore.Config{
		Provider:  cfg.Storage.Provider,
		Endpoint:  cfg.Storage.Endpoint,
		Region:    cfg.Storage.Region,
		Bucket:    cfg.Storage.DestinationBucket,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		UseSSL:    cfg.Storage.UseSSL,
	})
	if err != nil {
		logr.Fatal("init destination object store", zap.Error(err))
	}
	defer destination.Close() //nolint:errcheck

	led, err := newLedger(ctx, cfg)
	if err != nil {
		logr.Fatal("init ledger", zap.Error(err))
	}
	defer led.Close() //nolint:errcheck

	producer := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:      cfg.Kafka.Brokers,
		Topic:        cfg.Kafka.ProcessedTopic,
		BatchSize:    cfg.Kafka.BatchSize,
		BatchTimeout: cfg.Kafka.BatchTimeout,
		Compression:  kafka.CompressionFromString(cfg.Kafka.CompressionCodec),
		RequiredAcks: kafkago.RequireAll,
		MaxAttempts:  cfg.Kafka.Retries,
	})
	defer producer.Close(context.Background()) //nolint:errcheck

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := processor.NewMetrics(registry)

	controller := processor.NewController(processor.Params{
		Config: processor.Config{
			MaxAttempts:       cfg.Processor.MaxAttempts,
			StrictRecords:     cfg.Processor.StrictRecords,
			DestinationPrefix: cfg.Processor.DestinationPrefix,
		},
		Ledger:    led,
		Source:    source,
		Committer: processor.NewCommitter(destination, logr),
		Notifier:  producer,
		Metrics:   metrics,
		Logger:    logr,
	})

	consumer := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:  cfg.Kafka.Brokers,
		Topic:    cfg.Kafka.NotificationTopic,
		GroupID:  cfg.Kafka.ConsumerGroup,
		MinBytes: cfg.Kafka.MinBytes,
		MaxBytes: cfg.Kafka.MaxBytes,
	})
	defer consumer.Close() //nolint:errcheck

	runner := processor.NewRunner(processor.RunnerParams{
		Source:       consumer,
		Controller:   controller,
		Logger:       logr,
		RetryBackoff: cfg.Processor.RetryBackoff,
		MaxAttempts:  cfg.Processor.MaxAttempts,
		DedupTTL:     cfg.Processor.DeliveryDedupTTL,
	})

	handler := processor.NewHTTPHandler(controller, logr, maxNotificationBytes)

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handler.Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	metricsServer := &http.Server{
		Addr:    cfg.Metrics.Addr,
		Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logr.Error("http server shutdown failed", zap.Error(err))
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logr.Error("metrics server shutdown failed", zap.Error(err))
		}
	}()

	go func() {
		logr.Info("metrics server starting", zap.String("addr", cfg.Metrics.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Error("metrics server failed", zap.Error(err))
		}
	}()

	go func() {
		logr.Info("notification consumer starting",
			zap.String("topic", cfg.Kafka.NotificationTopic),
			zap.String("group", cfg.Kafka.ConsumerGroup))
		if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
			logr.Error("notification consumer failed", zap.Error(err))
			stop()
		}
	}()

	logr.Info("processor starting", zap.String("addr", cfg.HTTP.Addr))
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logr.Fatal("http server failed", zap.Error(err))
	}
}

func newLedger(ctx context.Context, cfg *config.Config) (ledger.Ledger, error) {
	lcfg := ledger.Config{
		MaxAttempts:     cfg.Processor.MaxAttempts,
		StalenessWindow: cfg.Processor.StalenessWindow,
	}
	if cfg.Ledger.Driver == "postgres" {
		return ledger.NewPostgres(ctx, cfg.Ledger.DSN, lcfg)
	}
	return ledger.NewMemory(lcfg), nil
}

func parseResourceAttributes(raw string) map[string]string {
	if raw == "" {
		return map[string]string{}
	}
	attrs := map[string]string{}
	pairs := strings.Split(raw, ",")
	for _, pair := range pairs {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		if !strings.Contains(pair, "=") {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		attrs[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	return attrs
}
