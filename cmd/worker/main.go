package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"taskrelay/configs"
	"taskrelay/db"
	"taskrelay/internal/backend/memory"
	"taskrelay/internal/backend/postgres"
	"taskrelay/internal/backend/redisbackend"
	"taskrelay/internal/domain"
	"taskrelay/internal/pool"
	"taskrelay/internal/rabbitmq"
	"taskrelay/internal/worker"
	"taskrelay/pkg/tasks"
)

var rabbitIsReady, backendIsReady bool

type pinger interface {
	Ping(ctx context.Context) error
}

func main() {
	cfg := configs.InitConfig()
	setupLogger(cfg.Worker)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connectCtx, connectCancel := context.WithTimeout(rootCtx, 30*time.Second)
	defer connectCancel()

	conn, err := rabbitmq.Dial(connectCtx, cfg.RabbitMQ.ToRabbitConnectionUri(), cfg.RabbitMQ.Queues())
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			slog.Error("An error occurred while closing RabbitMQ connection", "error", err.Error())
		}
	}()
	rabbitIsReady = true
	slog.Info("RabbitMQ connection has been initialized successfully")

	resultBackend, periodic, err := setupBackend(connectCtx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		if err := resultBackend.Close(); err != nil {
			slog.Error("An error occurred while closing the result backend", "error", err.Error())
		}
	}()
	backendIsReady = true
	slog.Info("Result backend has been initialized successfully", "backend", cfg.ResultBackend)

	consumers, err := rabbitmq.NewConsumerSet(conn, nil, false, slog.Default())
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		if err := consumers.Close(); err != nil {
			slog.Error("An error occurred while closing the consumer set", "error", err.Error())
		}
	}()
	// malformed messages are logged and dropped so a poison message cannot
	// wedge the consume loop
	consumers.OnDecodeError(func(msg domain.Delivery, decodeErr error) {
		slog.Error("Dropping message that failed to decode", "error", decodeErr.Error())
		if err := msg.Ack(); err != nil {
			slog.Error("Failed to drop undecodable message", "error", err.Error())
		}
	})

	publisher := rabbitmq.NewTaskPublisher(conn, cfg.RabbitMQ.DefaultMessageOptions(), slog.Default())
	publisher.NotifyTaskSent(func(env *domain.Envelope) {
		slog.Debug("task-sent notification", "task", env.Task, "task_id", env.ID)
	})

	taskPool := pool.New(pool.Config{
		Concurrency: cfg.Worker.Concurrency,
		PutGuard:    cfg.Worker.PutGuard,
		SoftTimeout: cfg.Worker.SoftTimeout,
		HardTimeout: cfg.Worker.HardTimeout,
	})

	daemon := worker.New(worker.Config{
		QueueWakeupAfter:  cfg.Worker.QueueWakeupAfter,
		EmptyMsgEmitEvery: cfg.Worker.EmptyMsgEmitEvery,
		Logfile:           cfg.Worker.Logfile,
		Loglevel:          cfg.Worker.Loglevel,
	}, consumers, publisher, tasks.DefaultRegistry(), resultBackend, taskPool, periodic)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		slog.Info("Received shutdown signal, finishing in-flight tasks...", "signal", sig.String())
		cancel()
		sig = <-sigChan
		slog.Error("Received second shutdown signal, terminating immediately", "signal", sig.String())
		taskPool.Terminate()
		os.Exit(1)
	}()

	go setUpHealthCheckerAPIs(rootCtx, cfg, conn, resultBackend, taskPool)

	slog.Info("Worker daemon is running. To exit press CTRL+C",
		"concurrency", cfg.Worker.Concurrency, "queues", len(cfg.RabbitMQ.Queues()))
	if err := daemon.Run(rootCtx); err != nil {
		log.Fatal(err)
	}
	slog.Info("Worker daemon has stopped")
}

func setupLogger(cfg configs.WorkerConfig) {
	level := slog.LevelInfo
	switch cfg.Loglevel {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	out := os.Stderr
	if cfg.Logfile != "" {
		f, err := os.OpenFile(cfg.Logfile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Fatalf("Unable to open logfile %s: %v", cfg.Logfile, err)
		}
		out = f
	}
	h := slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(h))
}

func setupBackend(ctx context.Context, cfg *configs.Config) (domain.ResultBackend, domain.PeriodicSource, error) {
	switch cfg.ResultBackend {
	case "redis":
		b, err := redisbackend.New(cfg.RedisConfig.ToRedisConnectionUri(), cfg.RedisConfig.ResultTTL)
		return b, nil, err
	case "postgres":
		if err := db.MigrateUp(cfg.Database.ToMigrationUri()); err != nil {
			return nil, nil, err
		}
		b, err := postgres.New(ctx, cfg.Database.ToDbConnectionUri())
		if err != nil {
			return nil, nil, err
		}
		return b, b, nil
	case "memory", "":
		return memory.New(), nil, nil
	default:
		return nil, nil, errors.New("unrecognized result backend: " + cfg.ResultBackend)
	}
}

func setUpHealthCheckerAPIs(ctx context.Context, cfg *configs.Config, conn *rabbitmq.Connection,
	resultBackend domain.ResultBackend, taskPool *pool.Pool) {
	r := gin.Default()
	r.GET("/readiness", func(c *gin.Context) {
		if rabbitIsReady && backendIsReady {
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
		} else {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		}
	})
	r.GET("/liveness", func(c *gin.Context) {
		if !conn.IsHealthy() {
			slog.Error("Rabbit is not healthy")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not healthy"})
			return
		}
		if p, ok := resultBackend.(pinger); ok {
			if err := p.Ping(ctx); err != nil {
				slog.Error("Result backend seems not to be pingable in liveness API", "error", err.Error())
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not healthy"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	r.GET("/pool", func(c *gin.Context) {
		info := taskPool.Info()
		c.JSON(http.StatusOK, gin.H{
			"max-concurrency":          info.MaxConcurrency,
			"processes":                info.Workers,
			"put-guarded-by-semaphore": info.PutGuarded,
			"timeouts":                 []string{info.SoftTimeout.String(), info.HardTimeout.String()},
		})
	})

	srv := &http.Server{
		Addr:    ":" + cfg.HealthPort,
		Handler: r,
	}
	go func() {
		log.Printf("Starting health server on port %s\n", cfg.HealthPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("listen: %s\n", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Error occurred while shutting down health server", "error", err.Error())
	}
}
