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
	"taskrelay/internal/errval"
	"taskrelay/internal/excwrap"
	"taskrelay/internal/rabbitmq"
	"taskrelay/internal/server"
)

var rabbitIsReady, backendIsReady bool

func main() {
	cfg := configs.InitConfig()

	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(h))

	connectCtx, connectCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerTimeOutInSeconds)*time.Second)
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
	slog.Info("RabbitMQ has been initialized successfully")

	resultBackend, err := setupBackend(connectCtx, cfg)
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

	publisher := rabbitmq.NewTaskPublisher(conn, cfg.RabbitMQ.DefaultMessageOptions(), slog.Default())
	logic := server.NewServerLogic(publisher, resultBackend)

	exitChan := make(chan os.Signal, 1)
	signal.Notify(exitChan, syscall.SIGINT, syscall.SIGTERM)

	router := setupHTTPServer(logic, conn)
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	// Initializing the server in a goroutine so that
	// it won't block the graceful shutdown handling below
	go func() {
		log.Printf("Starting server on port %s\n", cfg.ServerPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("listen: %s\n", err)
		}
	}()

	<-exitChan
	log.Println("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Error occurred while shutting down HTTP server", "error", err.Error())
	}
}

func setupBackend(ctx context.Context, cfg *configs.Config) (domain.ResultBackend, error) {
	switch cfg.ResultBackend {
	case "redis":
		return redisbackend.New(cfg.RedisConfig.ToRedisConnectionUri(), cfg.RedisConfig.ResultTTL)
	case "postgres":
		if err := db.MigrateUp(cfg.Database.ToMigrationUri()); err != nil {
			return nil, err
		}
		return postgres.New(ctx, cfg.Database.ToDbConnectionUri())
	case "memory", "":
		return memory.New(), nil
	default:
		return nil, errors.New("unrecognized result backend: " + cfg.ResultBackend)
	}
}

func setupHTTPServer(logic *server.ServerLogic, conn *rabbitmq.Connection) *gin.Engine {
	r := gin.Default()

	r.POST("/tasks", func(c *gin.Context) {
		var req server.RouterRequestSubmitTask
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		taskID, err := logic.SubmitTask(c.Request.Context(), req)
		if err != nil {
			if errors.Is(err, errval.ErrValidation) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"task_id": taskID})
	})

	r.GET("/tasks/:id", func(c *gin.Context) {
		meta, err := logic.GetTaskResult(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, meta)
	})

	r.GET("/tasks/:id/wait", func(c *gin.Context) {
		timeout := 5 * time.Second
		if raw := c.Query("timeout"); raw != "" {
			parsed, err := time.ParseDuration(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid timeout: " + err.Error()})
				return
			}
			timeout = parsed
		}

		result, err := logic.WaitForTask(c.Request.Context(), c.Param("id"), timeout)
		if err != nil {
			if errors.Is(err, errval.ErrTimeout) {
				c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
				return
			}
			var failure *excwrap.Info
			if errors.As(err, &failure) {
				c.JSON(http.StatusOK, gin.H{"status": domain.Failure, "failure": failure})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": domain.Done, "result": result})
	})

	r.GET("/readiness", func(c *gin.Context) {
		if rabbitIsReady && backendIsReady {
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
		} else {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		}
	})
	r.GET("/liveness", func(c *gin.Context) {
		if !conn.IsHealthy() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not healthy"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	return r
}
