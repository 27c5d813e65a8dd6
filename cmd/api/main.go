package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/adewale/keyboardia-sub010/internal/app"
	"github.com/adewale/keyboardia-sub010/internal/archive"
	"github.com/adewale/keyboardia-sub010/internal/config"
	"github.com/adewale/keyboardia-sub010/internal/coordinator"
	"github.com/adewale/keyboardia-sub010/internal/directory"
	"github.com/adewale/keyboardia-sub010/internal/preview"
	"github.com/adewale/keyboardia-sub010/internal/samples"
	"github.com/adewale/keyboardia-sub010/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	sessionStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("store setup failed: %v", err)
	}
	defer sessionStore.Close()

	catalog := samples.Catalog(samples.Builtin())
	if strings.TrimSpace(cfg.SampleBucketEndpoint) != "" {
		bucket, err := samples.OpenBucket(ctx, samples.BucketConfig{
			Endpoint:  cfg.SampleBucketEndpoint,
			AccessKey: cfg.SampleBucketAccessKey,
			SecretKey: cfg.SampleBucketSecretKey,
			Bucket:    cfg.SampleBucketName,
			Secure:    cfg.SampleBucketSecure,
		})
		if err != nil {
			log.Printf("samples: bucket catalog unavailable, using built-ins: %v", err)
		} else {
			defer bucket.Close()
			catalog = bucket
		}
	}

	var meiliClient *directory.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = directory.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	dir := directory.NewService(meiliClient, sessionStore)
	dir.Reindex(ctx)

	var arch *archive.Service
	if strings.TrimSpace(cfg.ArchiveDir) != "" {
		if err := os.MkdirAll(cfg.ArchiveDir, 0o755); err != nil {
			log.Fatalf("failed to create archive dir: %v", err)
		}
		arch = archive.New(cfg.ArchiveDir)
	}

	registry := coordinator.NewRegistry(sessionStore, coordinator.Config{
		FlushInterval: cfg.FlushInterval,
		MaxPlayers:    cfg.MaxPlayers,
	})
	registry.Catalog = catalog
	registry.OnSaved = func(rec *store.SessionRecord) {
		dir.IndexSession(rec)
		if arch != nil {
			// Runs on the save goroutine, so commits stay in save order.
			if err := arch.Commit(rec); err != nil {
				log.Printf("archive: commit %s: %v", rec.ID, err)
			}
		}
	}

	service := app.New(cfg, sessionStore, registry, dir, arch, preview.NewRenderer(), catalog)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Keyboardia API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	if err := registry.Shutdown(shutdownCtx); err != nil {
		log.Printf("room drain error: %v", err)
	}
}

// openStore picks the persistence backend: Redis when REDIS_URL is set,
// then Postgres when DATABASE_URL is set, otherwise in-memory.
func openStore(ctx context.Context, cfg config.Config) (store.SessionStore, error) {
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis session store")
		return store.NewRedisStore(cfg.RedisURL)
	}
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx, db, cfg.MigrationsDir); err != nil {
			db.Close()
			return nil, err
		}
		log.Printf("Using PostgreSQL session store")
		return store.NewPostgresStore(db), nil
	}
	log.Printf("WARNING: no REDIS_URL or DATABASE_URL set, sessions will not survive a restart")
	return store.NewMemoryStore(), nil
}
