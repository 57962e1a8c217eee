package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rabbitmq/amqp091-go"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"card-grading-service/internal/certcode"
	"card-grading-service/internal/config"
	"card-grading-service/internal/controller"
	"card-grading-service/internal/db"
	"card-grading-service/internal/intake"
	"card-grading-service/internal/observability"
	"card-grading-service/internal/rabbit"
	"card-grading-service/internal/repository"
	"card-grading-service/internal/service"
)

// store is everything the services need from one backend.
type store interface {
	service.Repository
	intake.Store
	controller.Pinger
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("card grading service stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)

	repo, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	pipeline, err := intake.NewPipeline(intake.Deps{Store: repo, Logger: logger, Metrics: metrics})
	if err != nil {
		return err
	}

	var publisher service.EventPublisher
	var consumerDone <-chan struct{}
	if cfg.RabbitEnabled {
		conn, err := amqp091.Dial(cfg.RabbitURL)
		if err != nil {
			return fmt.Errorf("connect rabbitmq: %w", err)
		}
		defer conn.Close()

		consumeCh, err := conn.Channel()
		if err != nil {
			return fmt.Errorf("open consume channel: %w", err)
		}
		publishCh, err := conn.Channel()
		if err != nil {
			return fmt.Errorf("open publish channel: %w", err)
		}
		if err := rabbit.DeclareExchanges(publishCh); err != nil {
			return err
		}
		publisher = rabbit.NewStatusPublisher(publishCh, rabbit.StatusChangedExchange)

		consumer := rabbit.NewPaymentConfirmedConsumer(pipeline, rabbit.IntakeQueue, logger, metrics)
		consumerDone, err = rabbit.SetupConsumers(ctx, consumeCh, consumer, logger)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("rabbitmq disabled; payment_confirmed intake and status events are off")
	}

	gradingService, err := service.NewGradingService(service.Deps{
		Repo:          repo,
		Generator:     certcode.NewGenerator(nil, cfg.CodeAttempts),
		Publisher:     publisher,
		CommitRetries: cfg.CommitRetries,
		Logger:        logger,
		Metrics:       metrics,
	})
	if err != nil {
		return err
	}
	authService := service.NewAuthService(cfg.AuthURL, cfg.RequestTimeout)

	gin.SetMode(gin.ReleaseMode)
	router := controller.NewRouter(controller.RouterDeps{
		Controller:     controller.NewGradingController(gradingService, pipeline, logger),
		Auth:           authService,
		Store:          repo,
		Gatherer:       reg,
		Metrics:        metrics,
		Logger:         logger,
		RequestTimeout: cfg.RequestTimeout,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("card grading service listening", zap.String("addr", srv.Addr), zap.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if consumerDone != nil {
		stop()
		select {
		case <-consumerDone:
		case <-shutdownCtx.Done():
			logger.Warn("consumer did not stop in time")
		}
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverMongo:
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		repo := repository.NewMongoRepository(client.Database(cfg.MongoDBName))
		if err := repo.EnsureIndexes(connectCtx); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, err
		}
		closeFn := func() {
			if err := client.Disconnect(context.Background()); err != nil {
				logger.Warn("mongo disconnect", zap.Error(err))
			}
		}
		return repo, closeFn, nil

	case config.DriverSQLite:
		sqlDB, err := db.Open(ctx, db.Config{Path: cfg.SQLitePath})
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() {
			if err := sqlDB.Close(); err != nil {
				logger.Warn("sqlite close", zap.Error(err))
			}
		}
		return repository.NewSQLiteRepository(sqlDB), closeFn, nil

	case config.DriverMemory:
		logger.Warn("using in-memory store; data is lost on restart")
		return repository.NewMemoryRepository(), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}
