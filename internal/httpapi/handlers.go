// Package httpapi exposes the document/tile subsystem over HTTP,
// generalizing the teacher's (garfik-gigaview) internal/http package from
// a single flat image list to a directory of multi-page documents, each
// with its own lazily-activated DocumentSession and TileCache.
package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/avitab/tilecore/internal/chartlist"
	"github.com/avitab/tilecore/internal/config"
	"github.com/avitab/tilecore/internal/sessions"
	"github.com/avitab/tilecore/internal/tilesource"
)

// Handlers wires the HTTP surface to the document scanner and the
// session manager that activates one Rasterizer+TileCache pair per open
// document.
type Handlers struct {
	config   *config.Config
	logger   *zap.Logger
	scanner  *chartlist.Scanner
	sessions *sessions.Manager
}

func New(cfg *config.Config, logger *zap.Logger, scanner *chartlist.Scanner, mgr *sessions.Manager) *Handlers {
	return &Handlers{
		config:   cfg,
		logger:   logger,
		scanner:  scanner,
		sessions: mgr,
	}
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		ip := h.extractIP(r)

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		h.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("ip", ip),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Int64("bytes", wrapped.bytesWritten),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.String("user_agent", r.UserAgent()),
		)
	})
}

func (h *Handlers) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowedOrigin := ""

		if h.config.AllowedOrigin != "" {
			allowedOrigin = h.config.AllowedOrigin
		} else {
			host := r.Host
			if origin != "" && strings.HasPrefix(origin, "http://"+host) || strings.HasPrefix(origin, "https://"+host) {
				allowedOrigin = origin
			} else if origin == "" {
				allowedOrigin = "*"
			}
		}

		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// HandleDocuments lists every scanned document.
func (h *Handlers) HandleDocuments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	docs := h.scanner.GetDocuments()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(docs)
}

// HandleUpload accepts a new document, matching the teacher's upload flow:
// optional bearer/query token auth, temp file, rename into place, rescan.
func (h *Handlers) HandleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if !h.config.IsUploadPublic() {
		token := ""
		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			if strings.HasPrefix(authHeader, "Bearer ") {
				token = strings.TrimPrefix(authHeader, "Bearer ")
			}
		}
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token != h.config.UploadToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxUploadSize)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "Failed to parse multipart form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "No file provided", http.StatusBadRequest)
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if ext != ".pdf" {
		http.Error(w, "Invalid file extension", http.StatusBadRequest)
		return
	}

	tempFile, err := os.CreateTemp(os.TempDir(), "upload_*"+ext)
	if err != nil {
		h.logger.Error("failed to create temp file", zap.Error(err))
		http.Error(w, "Failed to save file", http.StatusInternalServerError)
		return
	}
	tempPath := tempFile.Name()

	if _, err := io.Copy(tempFile, file); err != nil {
		tempFile.Close()
		os.Remove(tempPath)
		h.logger.Error("failed to copy file", zap.Error(err))
		http.Error(w, "Failed to save file", http.StatusInternalServerError)
		return
	}
	tempFile.Close()

	docID, err := h.scanner.ProcessUploadedFile(tempPath, header.Filename)
	if err != nil {
		if _, statErr := os.Stat(tempPath); statErr == nil {
			os.Remove(tempPath)
		}
		h.logger.Error("failed to process uploaded file", zap.Error(err))
		http.Error(w, "Failed to process file", http.StatusInternalServerError)
		return
	}

	if err := h.scanner.Scan(); err != nil {
		h.logger.Warn("failed to rescan after upload", zap.Error(err))
	}

	doc := h.scanner.GetDocumentByID(docID)
	if doc == nil {
		h.logger.Warn("uploaded document not found after scan", zap.String("id", docID))
		http.Error(w, "Failed to retrieve uploaded document", http.StatusInternalServerError)
		return
	}

	response := map[string]interface{}{
		"id":    docID,
		"name":  doc.OriginalFilename,
		"pages": doc.PageCount,
		"saved": true,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// HandleDocumentRoutes dispatches /api/documents/{id}/... sub-routes:
// document metadata and tile serving.
func (h *Handlers) HandleDocumentRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/documents/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}

	docID := parts[0]

	switch {
	case len(parts) == 2 && parts[1] == "meta":
		h.handleDocumentMeta(w, r, docID)
	case len(parts) >= 7 && parts[1] == "pages" && parts[3] == "tiles":
		h.handleTile(w, r, docID, parts[2], parts[4:])
	default:
		http.NotFound(w, r)
	}
}

func (h *Handlers) handleDocumentMeta(w http.ResponseWriter, r *http.Request, docID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	doc := h.scanner.GetDocumentByID(docID)
	if doc == nil {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}

	session, err := h.sessions.Acquire(docID, h.scanner.GetDocumentPathByID(docID))
	if err != nil {
		h.logger.Error("failed to open document session", zap.String("id", docID), zap.Error(err))
		http.Error(w, "failed to open document", http.StatusInternalServerError)
		return
	}

	meta := map[string]interface{}{
		"id":         doc.ID,
		"name":       doc.OriginalFilename,
		"pageCount":  session.PageCount(),
		"tileSize":   session.TileSize(),
		"bytes":      doc.Bytes,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(meta)
}

// handleTile serves /api/documents/{id}/pages/{page}/tiles/{z}/{x}/{y}.png.
// It polls the document's TileCache once: a miss returns 204 so the
// client can retry shortly, matching spec.md's non-blocking GetTile
// contract rather than blocking the HTTP request on the producer.
func (h *Handlers) handleTile(w http.ResponseWriter, r *http.Request, docID, pageStr string, tileParts []string) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if len(tileParts) < 3 {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}

	page, err := strconv.Atoi(pageStr)
	if err != nil {
		http.Error(w, "Invalid page", http.StatusBadRequest)
		return
	}

	zoom, err := strconv.Atoi(tileParts[0])
	if err != nil {
		http.Error(w, "Invalid zoom level", http.StatusBadRequest)
		return
	}
	x, err := strconv.Atoi(tileParts[1])
	if err != nil {
		http.Error(w, "Invalid x coordinate", http.StatusBadRequest)
		return
	}

	tileFile := tileParts[2]
	ext := filepath.Ext(tileFile)
	y, err := strconv.Atoi(strings.TrimSuffix(tileFile, ext))
	if err != nil {
		http.Error(w, "Invalid y coordinate", http.StatusBadRequest)
		return
	}

	if doc := h.scanner.GetDocumentByID(docID); doc == nil {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}

	session, err := h.sessions.Acquire(docID, h.scanner.GetDocumentPathByID(docID))
	if err != nil {
		h.logger.Error("failed to open document session", zap.String("id", docID), zap.Error(err))
		http.Error(w, "failed to open document", http.StatusInternalServerError)
		return
	}

	cache, err := session.ActivateCache(page)
	if err != nil {
		h.logger.Error("failed to activate page cache", zap.String("id", docID), zap.Int("page", page), zap.Error(err))
		http.Error(w, "failed to open page", http.StatusInternalServerError)
		return
	}

	image, err := cache.GetTile(x, y, zoom)
	if err != nil {
		switch err {
		case tilesource.ErrInvalidCoordinate:
			http.Error(w, "invalid tile coordinate", http.StatusBadRequest)
		case tilesource.ErrCorruptTile:
			http.Error(w, "tile failed to render", http.StatusUnprocessableEntity)
		default:
			h.logger.Error("unexpected GetTile error", zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}
	if image == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	// GetTile handed us our own reference (spec.md:216's shared-ownership
	// handle); release it once the response is written regardless of
	// outcome, leaving the cache's own copy live in memCache.
	defer image.Release()

	data, err := image.EncodePNG()
	if err != nil {
		h.logger.Error("failed to encode tile", zap.Error(err))
		http.Error(w, "failed to encode tile", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Cache-Control", "public, max-age=31536000")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
	w.Header().Set("Content-Type", "image/png")

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Write(data)
}

func (h *Handlers) HandleStatic(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	if path == "/" {
		path = "/index.html"
	}

	filePath := filepath.Join("public", path)
	if !strings.HasPrefix(filepath.Clean(filePath), "public") {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	if path == "/index.html" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		content := strings.ReplaceAll(string(data), "__PUBLIC_BASE_URL__", h.config.PublicBaseURL)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(content))
		return
	}

	http.ServeFile(w, r, filePath)
}

// Not for real production use due to potential spoofing, fine for a demo.
func (h *Handlers) extractIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip != "" {
		return strings.Split(ip, ":")[0]
	}
	addr := r.RemoteAddr
	if addr != "" {
		return strings.Split(addr, ":")[0]
	}
	return "unknown"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
