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

	"github.com/joho/godotenv"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"

	"github.com/dokanhq/dokansync/domain"
	"github.com/dokanhq/dokansync/internal/api"
	"github.com/dokanhq/dokansync/internal/archive"
	"github.com/dokanhq/dokansync/internal/cache"
	"github.com/dokanhq/dokansync/internal/clock"
	"github.com/dokanhq/dokansync/internal/config"
	"github.com/dokanhq/dokansync/internal/database"
	"github.com/dokanhq/dokansync/internal/engine"
	"github.com/dokanhq/dokansync/internal/migrations"
	"github.com/dokanhq/dokansync/internal/notify"
	"github.com/dokanhq/dokansync/internal/seed"
)

func main() {
	_ = godotenv.Load()

	cfg := config.LoadServer()
	db, err := database.Connect(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()
	migrations.RunServer(db)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := notify.NewHub()
	var (
		dedup    engine.Deduper
		notifier engine.Notifier = hub
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("redis: %v", err)
		}
		dedup = cache.NewDedup(rdb)
		bridge := notify.NewBridge(hub, rdb)
		notifier = bridge
		go bridge.Run(ctx)
		log.Printf("redis enabled at %s", cfg.RedisAddr)
	}

	eng := engine.New(db, clock.New(domain.ServerNodeID), dedup, notifier)

	if cfg.SeedPath != "" && cfg.SeedBusiness != "" {
		seed.LoadProducts(ctx, eng, db, cfg.SeedBusiness, cfg.SeedPath)
	}

	if cfg.MinioEndpoint != "" {
		mc, err := minio.New(cfg.MinioEndpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
			Secure: cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("minio: %v", err)
		}
		arch := archive.New(db, mc, cfg.MinioBucket, cfg.ArchiveInterval, cfg.ArchiveAfter)
		go arch.Run(ctx)
		log.Printf("archiver enabled, bucket %s", cfg.MinioBucket)
	}

	handler := api.New(db, eng, hub, cfg)
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("dokansync server starting on :%s (db=%s)", cfg.HTTPPort, cfg.DBDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down")

	// Give in-flight pushes and long polls a moment to finish.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
