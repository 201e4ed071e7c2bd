package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tallyhq.io/internal/authz"
	"tallyhq.io/internal/httpapi"
	"tallyhq.io/internal/identity"
	"tallyhq.io/internal/license"
	"tallyhq.io/internal/membership"
	"tallyhq.io/internal/obs"
	"tallyhq.io/internal/rbac"
	"tallyhq.io/internal/session"
	"tallyhq.io/internal/store/pg"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	dsn := os.Getenv("TALLY_PG_DSN")
	if dsn == "" {
		log.Fatal("TALLY_PG_DSN is required")
	}
	secret := os.Getenv("TALLY_AUTH_SECRET")
	if secret == "" {
		log.Fatal("TALLY_AUTH_SECRET is required")
	}

	store, err := pg.Open(dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}

	identitySvc, err := identity.NewService(store)
	if err != nil {
		log.Fatalf("identity service: %v", err)
	}
	membershipSvc, err := membership.NewService(store)
	if err != nil {
		log.Fatalf("membership service: %v", err)
	}
	rbacSvc, err := rbac.NewService(store)
	if err != nil {
		log.Fatalf("rbac service: %v", err)
	}
	licenseSvc, err := license.NewService(store)
	if err != nil {
		log.Fatalf("license service: %v", err)
	}
	sessionSvc, err := session.NewService(store, store, store,
		session.WithTokenSecret(secret),
		session.WithIssuer("tallyhq"),
	)
	if err != nil {
		log.Fatalf("session service: %v", err)
	}
	engine, err := authz.NewEngine(licenseSvc, membershipSvc, rbacSvc)
	if err != nil {
		log.Fatalf("authz engine: %v", err)
	}

	{
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := rbacSvc.EnsureBuiltins(ctx); err != nil {
			log.Fatalf("seed builtin permissions: %v", err)
		}
		cancel()
	}

	api := httpapi.New(httpapi.ReadyProbe{DB: store.DB()}, version, httpapi.Deps{
		Identity:    identitySvc,
		Memberships: membershipSvc,
		RBAC:        rbacSvc,
		Licenses:    licenseSvc,
		Sessions:    sessionSvc,
		Engine:      engine,
	})

	handler := httpapi.RequestID(api.Handler())
	handler = httpapi.Logging(handler)
	handler = httpapi.SecurityHeaders(handler)
	handler = httpapi.CORS(handler)
	handler = httpapi.MaxBodyBytes(handler, 1<<20)
	handler = httpapi.RateLimit(handler, 50, 25)

	addr := os.Getenv("TALLY_HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting tallyhq-api %s on %s", version, srv.Addr)

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
	_ = store.Close()
	log.Println("Stopped")
}
