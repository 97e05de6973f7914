package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config holds the tile core's ambient settings. Every field has an
// environment-variable source and a default, following the same
// getEnv/getEnvInt pattern the rest of this module's ancestry uses.
type Config struct {
	DocumentDir string
	CacheDir    string

	// CacheSeconds is the memory-eviction age threshold (spec CACHE_SECONDS).
	CacheSeconds int
	// TileSize is the rasterizer's output tile edge, in pixels.
	TileSize int
	// WorkerWaitSeconds is the background loader's condition-wait timeout.
	WorkerWaitSeconds int
	// MaxRenderZoom bounds the base raster the rasterizer caches per page;
	// see SPEC_FULL.md section 5 for why vips needs this where mupdf did not.
	MaxRenderZoom int

	VipsConcurrency int
	VipsMaxCacheMB  int

	LogLevel string
	Port     int

	UploadToken   string
	MaxUploadSize int64
	AllowedOrigin string
	PublicBaseURL string
}

func Load() *Config {
	documentDir := getEnv("DOCUMENT_DIR", "./documents")

	return &Config{
		DocumentDir:       documentDir,
		CacheDir:          getEnv("CACHE_DIR", filepath.Join(documentDir, "cache")),
		CacheSeconds:      getEnvInt("CACHE_SECONDS", 30),
		TileSize:          getEnvInt("TILE_SIZE", 512),
		WorkerWaitSeconds: getEnvInt("WORKER_WAIT_SECONDS", 1),
		MaxRenderZoom:     getEnvInt("MAX_RENDER_ZOOM", 6),
		VipsConcurrency:   getEnvInt("VIPS_CONCURRENCY", 1),
		VipsMaxCacheMB:    getEnvInt("VIPS_MAX_CACHE_MB", 128),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		Port:              getEnvInt("PORT", 8080),
		UploadToken:       getEnv("UPLOAD_TOKEN", ""),
		MaxUploadSize:     getEnvInt64("MAX_UPLOAD_SIZE", 4294967296), // 4GB default
		AllowedOrigin:     getEnv("ALLOWED_ORIGIN", ""),
		PublicBaseURL:     getEnv("PUBLIC_BASE_URL", "http://localhost:8080"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func (c *Config) IsUploadPublic() bool {
	return strings.TrimSpace(c.UploadToken) == ""
}
