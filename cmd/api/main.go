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

	"corvel.app/internal/access"
	"corvel.app/internal/httpapi"
	"corvel.app/internal/obs"
	"corvel.app/internal/session"
	"corvel.app/internal/stepup"
	"corvel.app/internal/store/pg"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	dsn := os.Getenv("CORVEL_PG_DSN")
	if dsn == "" {
		log.Fatal("CORVEL_PG_DSN is required")
	}
	store, err := pg.Open(dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}

	redisAddr := envOr("CORVEL_REDIS_ADDR", "127.0.0.1:6379")
	sessions, err := session.Open(redisAddr, os.Getenv("CORVEL_REDIS_PASSWORD"), envInt("CORVEL_REDIS_DB", 0), session.Config{
		LiveTTL: envDuration("CORVEL_SESSION_TTL", 0),
		PermTTL: envDuration("CORVEL_PERM_CACHE_TTL", 0),
	})
	if err != nil {
		log.Fatalf("open session store: %v", err)
	}

	eval, err := access.NewEvaluator(sessions, store)
	if err != nil {
		log.Fatalf("build evaluator: %v", err)
	}
	verifier, err := stepup.NewVerifier(sessions, store,
		stepup.WithLockout(
			envInt("CORVEL_LOCKOUT_MAX", stepup.DefaultMaxAttempts),
			envDuration("CORVEL_LOCKOUT_WINDOW", stepup.DefaultWindow),
		))
	if err != nil {
		log.Fatalf("build verifier: %v", err)
	}
	revoker, err := access.NewRevoker(sessions, store)
	if err != nil {
		log.Fatalf("build revoker: %v", err)
	}

	api := httpapi.New(httpapi.Deps{
		Store:    store,
		Sessions: sessions,
		Eval:     eval,
		Verifier: verifier,
		Revoker:  revoker,
		TokenTTL: envDuration("CORVEL_TOKEN_TTL", 12*time.Hour),
	}, version)

	srv := &http.Server{
		Addr:              envOr("CORVEL_ADDR", ":8080"),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting corvel-core %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	_ = sessions.Close()
	_ = store.Close()
	log.Println("Stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("%s: %v", key, err)
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("%s: %v", key, err)
	}
	return d
}
