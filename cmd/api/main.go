package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"inkpad/api/internal/app"
	"inkpad/api/internal/archive"
	"inkpad/api/internal/authpw"
	"inkpad/api/internal/config"
	"inkpad/api/internal/email"
	"inkpad/api/internal/gitrepo"
	"inkpad/api/internal/realtime"
	"inkpad/api/internal/search"
	"inkpad/api/internal/session"
	"inkpad/api/internal/store"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("main: open database: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("main: apply migrations: %v", err)
	}
	padStore := store.NewPadStore(db)

	var sessions app.RefreshSessions
	redisStore, err := session.NewRedisStore(cfg.RedisURL, cfg.RefreshTTL)
	if err != nil {
		log.Printf("main: redis unavailable, using postgres refresh sessions: %v", err)
		sessions = session.NewPGStore(padStore, cfg.RefreshTTL)
	} else {
		defer redisStore.Close()
		sessions = redisStore
	}

	authSvc := authpw.NewService(padStore)

	gitSvc, err := gitrepo.NewService(cfg.SnapshotsDir)
	if err != nil {
		log.Fatalf("main: init snapshot repos: %v", err)
	}

	meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	defer meili.Close()
	searchSvc := search.NewService(meili, search.NewPgFTS(db))
	searchSvc.ReindexAllFromPG(ctx)

	var archiveStore *archive.Store
	if cfg.MinioEndpoint != "" {
		archiveStore, err = archive.New(archive.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Printf("main: minio unavailable, publish archive disabled: %v", err)
			archiveStore = nil
		} else if err := archiveStore.EnsureBucket(ctx); err != nil {
			log.Printf("main: ensure archive bucket: %v", err)
			archiveStore = nil
		}
	}

	smtpPort, _ := strconv.Atoi(cfg.SMTPPort)
	emailSvc := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     smtpPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})

	svc := app.New(cfg, padStore, sessions, authSvc, gitSvc, searchSvc, archiveStore, emailSvc)
	hub := realtime.NewHub(svc, svc, []byte(cfg.JWTSecret), cfg.CORSOrigin)
	svc.SetHub(hub)

	httpServer := app.NewHTTPServer(svc, hub, cfg.CORSOrigin, cfg.ConvertURL)

	// No global read/write timeouts: the realtime endpoint holds
	// connections open indefinitely and heartbeats through pings.
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Printf("main: listening on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("main: serve: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("main: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("main: shutdown: %v", err)
	}
}
