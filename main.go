package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/asrhub/asrhub/config"
	"github.com/asrhub/asrhub/internal/bootstrap"
	"github.com/asrhub/asrhub/internal/logger"
)

func main() {
	configFile := os.Getenv("CONFIG_FILE")
	if configFile == "" {
		configFile = "config.json"
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	lcfg := cfg.Logging
	logger.InitFromConfig(
		lcfg.Level,
		lcfg.Format,
		lcfg.Output,
		lcfg.FilePath,
		lcfg.MaxSize,
		lcfg.MaxBackups,
		lcfg.MaxAge,
		lcfg.Compress,
	)
	logger.Info("configuration_loaded", "config", cfg.ToSafeMap())

	deps, err := bootstrap.InitApp(cfg)
	if err != nil {
		logger.Error("failed_to_initialize_app_dependencies", "error", err)
		os.Exit(1)
	}

	// Hot reload only touches the logging level: provider pool sizes,
	// FCM timers and buffer recipes are read once at InitApp and a
	// config edit to them requires a restart, the same boundary the
	// teacher draws around its own reload hook.
	reloadMgr := config.NewHotReloadManager(cfg, configFile)
	reloadMgr.OnChange(func(newCfg *config.Config) {
		logger.SetLevel(newCfg.Logging.Level)
		logger.Info("log_level_reloaded", "level", newCfg.Logging.Level)
	})
	if err := reloadMgr.StartWatching(); err != nil {
		logger.Warn("config_hot_reload_unavailable", "error", err)
	}

	// All enabled transports share one gin engine and one listening
	// port: HTTP/SSE owns the REST routes, WebSocket/Socket.IO mount as
	// plain handlers alongside them (spec.md §6 has no per-transport
	// port requirement).
	mux := deps.HTTPRouter
	if mux == nil {
		mux = gin.New()
		mux.Use(gin.Recovery())
	}
	if deps.WSHandler != nil {
		mux.GET("/ws", gin.WrapH(deps.WSHandler))
	}
	if deps.SocketIO != nil {
		mux.GET("/socket.io/", gin.WrapH(deps.SocketIO))
	}

	servers := []*http.Server{{
		Addr:        cfg.Addr(),
		Handler:     mux,
		ReadTimeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
	}}

	if deps.RedisPubSub != nil {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			if err := deps.RedisPubSub.ListenControlChannel(ctx); err != nil && ctx.Err() == nil {
				logger.Error("redis_pubsub_control_channel_failed", "error", err)
			}
		}()
		defer cancel()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Info("shutting_down_server")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, s := range servers {
			if err := s.Shutdown(ctx); err != nil {
				logger.Error("server_forced_to_shutdown", "error", err)
			}
		}
		if deps.RedisPubSub != nil {
			deps.RedisPubSub.Close()
		}
		reloadMgr.Stop()
		if err := logger.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "error closing logger: %v\n", err)
		}
		logger.Info("server_shutdown_complete")
		os.Exit(0)
	}()

	logger.Info("server_started",
		"addr", cfg.Addr(),
		"health", fmt.Sprintf("http://%s/health", cfg.Addr()),
	)

	if err := servers[0].ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server_error", "error", err)
		os.Exit(1)
	}
}
