package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"confportal.org/internal/auth"
	"confportal.org/internal/httpapi"
	"confportal.org/internal/obs"
	"confportal.org/internal/store/pg"
	"confportal.org/internal/stream"
)

var (
	version = "0.4.1"
	commit  = "dev"
)

func main() {
	// Инициализация observability (регистрация метрик, JSON-логгер и т.п.)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	secret := os.Getenv("PORTAL_JWT_SECRET")
	if secret == "" {
		log.Fatal("PORTAL_JWT_SECRET is required")
	}

	// Подключение к БД (если задан DSN); без него работаем на in-memory хранилище
	var (
		db    *sql.DB
		store auth.Store
	)
	if dsn := os.Getenv("PORTAL_PG_DSN"); dsn != "" {
		var err error
		db, err = pg.OpenAndPing(context.Background(), dsn)
		if err != nil {
			log.Fatalf("connect db: %v", err)
		}
		store = auth.NewPGStore(db)
	} else {
		mem := auth.NewMemStore()
		mem.EnsureCatalog()
		store = mem
		log.Println("PORTAL_PG_DSN is empty, using in-memory store (development only)")
	}

	// Redis: blacklist access-токенов и кэш прав (опционально)
	var (
		rdb       *redis.Client
		blacklist *auth.Blacklist
		cache     *auth.PermissionCache
	)
	if addr := os.Getenv("PORTAL_REDIS_ADDR"); addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: os.Getenv("PORTAL_REDIS_PASSWORD"),
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Fatalf("ping redis at %s: %v", addr, err)
		}
		blacklist = auth.NewBlacklist(rdb)
		cache = auth.NewPermissionCache(rdb, "confportal")
	} else {
		log.Println("PORTAL_REDIS_ADDR is empty, running without token blacklist and permission cache")
	}

	signer, err := auth.NewSigner([]byte(secret))
	if err != nil {
		log.Fatalf("build signer: %v", err)
	}

	var refreshOpts []auth.RefreshOption
	if salt, pepper := os.Getenv("PORTAL_REFRESH_SALT"), os.Getenv("PORTAL_REFRESH_PEPPER"); salt != "" || pepper != "" {
		refreshOpts = append(refreshOpts, auth.WithRefreshHashKeys(salt, pepper))
	}
	refresh := auth.NewRefreshService(store, refreshOpts...)
	resolver := auth.NewResolver(store, cache)

	var svcOpts []auth.ServiceOption
	if blacklist != nil {
		svcOpts = append(svcOpts, auth.WithServiceBlacklist(blacklist))
	}
	svc, err := auth.NewService(store, signer, refresh, resolver, svcOpts...)
	if err != nil {
		log.Fatalf("build auth service: %v", err)
	}
	rbac := auth.NewRBACService(store, resolver)

	// HTTP API
	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, svc, rbac, stream.New(),
		httpapi.WithSecureCookies(envBool("PORTAL_SECURE_COOKIES")),
		httpapi.WithDebug(envBool("PORTAL_DEBUG")),
	)

	addr := os.Getenv("PORTAL_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(), // уже обёрнут метриками в httpapi
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// WriteTimeout отключён: /v1/admin/events/stream держит соединение открытым
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	log.Printf("Starting confportal-api %s on %s", version, srv.Addr)

	// graceful shutdown
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
	if db != nil {
		_ = db.Close()
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	log.Println("Stopped")
}

func envBool(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && v
}
