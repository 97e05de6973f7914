// Command tablet-demo wires together every piece of the tile core into a
// runnable HTTP server, generalizing the teacher's cmd/server from a flat
// image gallery to a directory of paged documents served tile-by-tile.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"github.com/avitab/tilecore/internal/chartlist"
	"github.com/avitab/tilecore/internal/config"
	"github.com/avitab/tilecore/internal/httpapi"
	"github.com/avitab/tilecore/internal/logger"
	"github.com/avitab/tilecore/internal/platform"
	"github.com/avitab/tilecore/internal/sessions"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	vipsConfig := &vips.Config{
		ConcurrencyLevel: cfg.VipsConcurrency,
		MaxCacheMem:      cfg.VipsMaxCacheMB * 1024 * 1024,
		MaxCacheFiles:    0,
		MaxCacheSize:     0,
		ReportLeaks:      false,
		CacheTrace:       false,
		VectorEnabled:    true,
	}

	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)

	vips.Startup(vipsConfig)
	defer vips.Shutdown()

	log.Info("vips initialized",
		zap.Int("max_cache_mb", cfg.VipsMaxCacheMB),
		zap.Int("concurrency", cfg.VipsConcurrency),
	)

	if !platform.FileExists(cfg.DocumentDir) {
		if err := platform.Mkdir(cfg.DocumentDir); err != nil {
			log.Fatal("failed to create document directory", zap.Error(err))
		}
	}

	log.Info("starting tile core demo server",
		zap.Int("port", cfg.Port),
		zap.String("document_dir", cfg.DocumentDir),
	)

	scanner := chartlist.New(cfg.DocumentDir, cfg.TileSize, cfg.MaxRenderZoom, log)
	if err := scanner.Scan(); err != nil {
		log.Warn("initial scan failed", zap.Error(err))
	}

	mgr := sessions.NewManager(
		cfg.CacheDir,
		cfg.TileSize,
		cfg.MaxRenderZoom,
		time.Duration(cfg.CacheSeconds)*time.Second,
		time.Duration(cfg.WorkerWaitSeconds)*time.Second,
		log,
	)
	defer mgr.CloseAll()

	handlers := httpapi.New(cfg, log, scanner, mgr)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/documents", handlers.HandleDocuments)
	mux.HandleFunc("/api/documents/", handlers.HandleDocumentRoutes)
	mux.HandleFunc("/api/upload", handlers.HandleUpload)
	mux.HandleFunc("/healthz", handlers.HandleHealthz)
	mux.HandleFunc("/", handlers.HandleStatic)

	handler := handlers.CORSMiddleware(handlers.RequestLoggingMiddleware(mux))

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handler,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	log.Info("server started", zap.Int("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}
