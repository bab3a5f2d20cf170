package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"dash-gateway/internal/gateway"
	"dash-gateway/internal/hls"
	"dash-gateway/internal/platform/config"
	"dash-gateway/internal/platform/logger"
	"dash-gateway/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	cacheDir := config.GetEnv("CACHE_DIR", ".")
	loginFile := config.GetEnv("LOGIN_FILE", filepath.Join(cacheDir, "login.json"))
	contentAPI := config.GetEnv("CONTENT_API_URL", "")
	licenseAPI := config.GetEnv("LICENSE_API_URL", "")
	cdnHost := config.GetEnv("CDN_HOST", "")
	proxyBase := config.GetEnv("PROXY_BASE_URL", "http://localhost:"+port)
	aesKey := config.GetEnv("AES_KEY", "")
	timeout := config.GetEnvDuration("UPSTREAM_TIMEOUT", 15*time.Second)

	log := logger.New("dash-gateway", logLevel, logFormat)

	if contentAPI == "" || licenseAPI == "" || cdnHost == "" || aesKey == "" {
		log.Error("CONTENT_API_URL, LICENSE_API_URL, CDN_HOST and AES_KEY must be set")
		os.Exit(1)
	}

	store, err := gateway.NewFileStore(filepath.Join(cacheDir, "data.json"))
	if err != nil {
		log.Error("cache store init failed", "error", err)
		os.Exit(1)
	}
	cache := gateway.NewManifestCache(store)

	resolver := gateway.NewResolver(contentAPI, aesKey, cache, timeout, log)
	extractor := gateway.NewExtractor(timeout, log)
	license := gateway.NewLicenseRelay(licenseAPI, cacheDir, timeout, log)
	segments := gateway.NewSegmentProxy(cdnHost, cache, timeout, log)
	svc := gateway.NewService(resolver, extractor, license, loginFile, proxyBase, timeout, log)

	met := metrics.New()
	h := gateway.NewHandler(svc, segments, license, log, met)
	bridge := hls.NewHandler(hls.NewBridge(svc, log), log)

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetCachedManifests(cache.Len()) }).ServeHTTP(w, r)
	})
	h.Routes(r)
	bridge.Routes(r)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"cdn_host", cdnHost,
		"cache_dir", cacheDir,
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
