package main

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	"bookshelf/internal/app"
	"bookshelf/internal/config"
	"bookshelf/internal/ratelimit"
	"bookshelf/internal/server"
	"bookshelf/internal/util"
	"bookshelf/pkg/storage"
	"bookshelf/pkg/store"
	"bookshelf/pkg/token"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	util.InitLogger(cfg.LogLevel)

	accessTTL, err := cfg.ParseAccessTokenTTL()
	if err != nil {
		slog.Error("parse access token ttl", "err", err)
		os.Exit(1)
	}
	signedURLTTL, err := cfg.ParseSignedURLTTL()
	if err != nil {
		slog.Error("parse signed url ttl", "err", err)
		os.Exit(1)
	}

	db, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		slog.Error("open database", "err", err)
		os.Exit(1)
	}

	objects, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		slog.Error("open object store", "err", err)
		os.Exit(1)
	}

	// Refresh tokens survive restarts only when Redis is configured.
	var registry store.RefreshTokenRegistry = store.NewMemoryRefreshTokenRegistry()
	if cfg.RedisAddr != "" {
		registry = store.NewRedisRefreshTokenRegistry(cfg.RedisAddr, cfg.RedisPassword)
		slog.Info("refresh token registry backed by redis", "addr", cfg.RedisAddr)
	} else {
		slog.Warn("refresh token registry is in-memory, tokens do not survive restarts")
	}

	tokens, err := token.NewService(cfg.AccessTokenSecret, cfg.RefreshTokenSecret, accessTTL, registry)
	if err != nil {
		slog.Error("token service", "err", err)
		os.Exit(1)
	}

	core, err := app.New(app.Config{
		Store:               db,
		Objects:             objects,
		Tokens:              tokens,
		SignedURLTTL:        signedURLTTL,
		PlaceholderImageURL: cfg.PlaceholderImageURL,
	})
	if err != nil {
		slog.Error("app", "err", err)
		os.Exit(1)
	}

	var registerLimiter, loginLimiter *ratelimit.FixedWindowLimiter
	if cfg.RedisAddr != "" {
		if cfg.RegisterRateLimitPerMinute > 0 {
			registerLimiter, err = ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "bookshelf:ratelimit:register", cfg.RegisterRateLimitPerMinute, time.Minute)
			if err != nil {
				slog.Error("register rate limiter", "err", err)
				os.Exit(1)
			}
		}
		if cfg.LoginRateLimitPerMinute > 0 {
			loginLimiter, err = ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "bookshelf:ratelimit:login", cfg.LoginRateLimitPerMinute, time.Minute)
			if err != nil {
				slog.Error("login rate limiter", "err", err)
				os.Exit(1)
			}
		}
	}

	srv, err := server.New(server.Config{
		App:             core,
		RegisterLimiter: registerLimiter,
		LoginLimiter:    loginLimiter,
		MaxUploadBytes:  cfg.MaxUploadBytes,
	})
	if err != nil {
		slog.Error("server", "err", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}
	slog.Info("listening", "port", cfg.Port)
	if err := httpServer.ListenAndServe(); err != nil {
		slog.Error("server stopped", "err", err)
		os.Exit(1)
	}
}
