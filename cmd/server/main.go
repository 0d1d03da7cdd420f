// Package main runs the signaling and session coordination server.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/castline/signaling/config"
	"github.com/castline/signaling/internal/coordinator"
	"github.com/castline/signaling/internal/middleware"
	"github.com/castline/signaling/internal/registry"
	"github.com/castline/signaling/internal/router"
	"github.com/castline/signaling/pkg/redis"
	"github.com/castline/signaling/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	reg := registry.New(logger)
	rt := router.New(reg, logger)

	// Cross-instance broadcast bridge is optional: without Redis the
	// service runs single-instance with in-memory fanout only.
	var bridge *coordinator.RedisBridge
	if cfg.Redis.Addr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		cancel()
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
		bridge = coordinator.NewRedisBridge(rdb.Client, logger)
	}

	var svc *coordinator.Service
	if bridge != nil {
		svc = coordinator.New(reg, rt, bridge, logger)
		stop, err := svc.Start(bridge)
		if err != nil {
			logger.Fatal("bridge subscribe", zap.Error(err))
		}
		defer stop()
	} else {
		svc = coordinator.New(reg, rt, nil, logger)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	engine.Use(middleware.Logger(logger))

	engine.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })
	engine.GET("/stats", func(c *gin.Context) {
		response.OK(c, gin.H{
			"participants": svc.ParticipantCount(),
			"sessions":     svc.SessionCount(),
		})
	})
	engine.GET("/ws", svc.ServeWs())

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      engine,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
