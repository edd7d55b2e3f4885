package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mentorchat/internal/api"
	"mentorchat/internal/auth"
	"mentorchat/internal/config"
	"mentorchat/internal/logger"
	"mentorchat/internal/redis"
	"mentorchat/internal/service/assistant"
	"mentorchat/internal/service/mentor"
	"mentorchat/internal/storage"
	"mentorchat/internal/worker"
)

func main() {
	cfg, err := config.Load(os.Getenv("MENTORCHAT_CONFIG"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	lg, err := logger.New(cfg.Log, cfg.Production())
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer lg.Sync()

	if err := run(cfg, lg); err != nil {
		lg.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, lg *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lg.Info("opening database", zap.String("driver", cfg.BasicConfig.Database))
	db, err := storage.Open(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	// Create necessary tables: users, sessions, messages, user_tokens
	if err := storage.Migrate(db, cfg.BasicConfig.Database); err != nil {
		return err
	}

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb, err = redis.NewRedisClient(cfg)
		if err != nil {
			return err
		}
		defer rdb.Close()
		lg.Info("redis enabled", zap.String("host", cfg.Redis.Host), zap.Int("port", cfg.Redis.Port))
	}

	assistantService, err := assistant.NewService(db, lg.Named("assistant"))
	if err != nil {
		return err
	}
	assistantService.StartSweeper(ctx, assistant.DefaultSweepInterval, assistant.DefaultGuestMaxAge)

	chatModel, err := mentor.NewChatModel(ctx, cfg)
	if err != nil {
		return err
	}
	mentorService := mentor.New(chatModel, cfg.Mentor.SystemPrompt, lg.Named("mentor"))

	workers := worker.NewManager(assistantService, mentorService, mentorService, worker.DispatcherConfig{
		MinWorkers:  cfg.BasicConfig.MinWorkers,
		MaxWorkers:  cfg.BasicConfig.MaxWorkers,
		QueueSize:   cfg.BasicConfig.QueueSize,
		IdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Second,
		MaxHistory:  cfg.Mentor.MaxHistory,
	}, worker.WithRedis(rdb), worker.WithLogger(lg.Named("worker")))
	defer workers.Close()

	authService := auth.NewService(db, rdb, time.Duration(cfg.BasicConfig.TokenTTL)*time.Hour).
		WithLogger(lg.Named("auth"))

	handlers := api.NewHandler(assistantService, authService, workers, api.Options{
		StreamTimeout: time.Duration(cfg.BasicConfig.StreamTimeout) * time.Second,
		SendRate:      cfg.BasicConfig.SendRate,
		SendBurst:     cfg.BasicConfig.SendBurst,
		Logger:        lg.Named("api"),
	})

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), api.RequestLogger(lg.Named("http")))
	handlers.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.BasicConfig.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		lg.Info("listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	lg.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
