// Package chartlist scans a document directory, generalizing the
// teacher's (garfik-gigaview) internal/image_list.Scanner from raster
// images to paged documents: every document gets a stable UUID identity,
// a JSON sidecar holding its metadata, and orphaned sidecars are cleaned
// up on every scan, exactly as the teacher's scanner does for images.
package chartlist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/avitab/tilecore/internal/rasterizer"
)

// DocumentInfo is the JSON sidecar persisted alongside each document,
// mirroring the teacher's ImageInfo shape but keyed by page count instead
// of pixel dimensions.
type DocumentInfo struct {
	ID               string `json:"id"`
	OriginalFilename string `json:"original_filename"`
	CurrentFilename  string `json:"current_filename"`
	PageCount        int    `json:"page_count"`
	Bytes            int64  `json:"bytes"`
}

// Scanner enumerates documents in a directory, matching them up with
// UUID-keyed JSON sidecars, and can process newly uploaded files the same
// way.
type Scanner struct {
	dataDir       string
	tileSize      int
	maxRenderZoom int
	logger        *zap.Logger
	documents     []DocumentInfo
}

func New(dataDir string, tileSize, maxRenderZoom int, logger *zap.Logger) *Scanner {
	return &Scanner{
		dataDir:       dataDir,
		tileSize:      tileSize,
		maxRenderZoom: maxRenderZoom,
		logger:        logger,
		documents:     []DocumentInfo{},
	}
}

var documentExtensions = map[string]bool{
	".pdf": true,
}

// Scan rebuilds the in-memory document list: it deletes orphaned or
// invalid sidecars first, then walks dataDir, migrating any file lacking
// a sidecar to a UUID filename and measuring its page count by briefly
// opening it with the rasterizer.
func (s *Scanner) Scan() error {
	s.documents = []DocumentInfo{}

	if err := s.cleanupOrphanedJSON(); err != nil {
		return err
	}

	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read document directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := s.getFilePath(entry.Name())
		info, err := entry.Info()
		if err != nil {
			s.logger.Warn("error getting file info", zap.String("path", path), zap.Error(err))
			continue
		}

		ext := strings.ToLower(filepath.Ext(path))
		if !documentExtensions[ext] {
			continue
		}

		basename := strings.TrimSuffix(filepath.Base(path), ext)
		jsonPath := s.getFilePath(basename + ".json")

		var doc *DocumentInfo

		if _, err := os.Stat(jsonPath); err != nil {
			newUUID := uuid.New().String()
			finalPath := s.getFilePath(newUUID + ext)
			if err := os.Rename(path, finalPath); err != nil {
				s.logger.Warn("failed to rename file", zap.String("old_path", path), zap.String("new_path", finalPath), zap.Error(err))
				continue
			}
			s.logger.Info("migrated document to UUID", zap.String("old_path", path), zap.String("new_path", finalPath))

			doc, err = s.scanDocument(finalPath, info)
			if err != nil {
				s.logger.Warn("failed to scan document", zap.String("path", finalPath), zap.Error(err))
				continue
			}

			doc.ID = newUUID
			doc.OriginalFilename = filepath.Base(path)
			doc.CurrentFilename = filepath.Base(finalPath)

			jsonPath = s.getFilePath(newUUID + ".json")
			if err := s.saveMetadata(jsonPath, doc); err != nil {
				s.logger.Warn("failed to save metadata", zap.String("json_path", jsonPath), zap.Error(err))
			} else {
				s.logger.Info("created metadata file", zap.String("json_path", jsonPath))
			}
		} else {
			doc, err = s.loadMetadata(jsonPath)
			if err != nil {
				s.logger.Warn("failed to load metadata, skipping", zap.String("json_path", jsonPath), zap.Error(err))
				continue
			}
		}
		s.documents = append(s.documents, *doc)
	}

	return nil
}

func (s *Scanner) cleanupOrphanedJSON() error {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read document directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := s.getFilePath(entry.Name())
		if strings.ToLower(filepath.Ext(path)) != ".json" {
			continue
		}

		basename := strings.TrimSuffix(filepath.Base(path), ".json")

		meta, err := s.loadMetadata(path)
		if err != nil {
			if err := os.Remove(path); err != nil {
				s.logger.Warn("failed to delete invalid JSON", zap.String("path", path), zap.Error(err))
			} else {
				s.logger.Info("deleted invalid JSON file", zap.String("path", path))
			}
			continue
		}

		if meta.ID != basename {
			s.logger.Warn("UUID mismatch in JSON",
				zap.String("json_path", path),
				zap.String("filename_uuid", basename),
				zap.String("json_uuid", meta.ID))
			if err := os.Remove(path); err != nil {
				s.logger.Warn("failed to delete invalid JSON", zap.String("path", path), zap.Error(err))
			} else {
				s.logger.Info("deleted JSON with UUID mismatch", zap.String("path", path))
			}
			continue
		}

		docPath := s.getFilePath(meta.CurrentFilename)
		if _, err := os.Stat(docPath); err != nil {
			if err := os.Remove(path); err != nil {
				s.logger.Warn("failed to delete orphaned JSON", zap.String("path", path), zap.Error(err))
			} else {
				s.logger.Info("deleted orphaned JSON file", zap.String("path", path))
			}
		}
	}

	return nil
}

// scanDocument briefly opens path with the rasterizer purely to count
// pages, then closes it; the long-lived Rasterizer used to actually serve
// tiles is opened later, on demand, by DocumentSession.
func (s *Scanner) scanDocument(path string, info os.FileInfo) (*DocumentInfo, error) {
	r, err := rasterizer.Open(path, s.tileSize, s.maxRenderZoom, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open document: %w", err)
	}
	defer r.Close()

	return &DocumentInfo{
		PageCount: r.GetPageCount(),
		Bytes:     info.Size(),
	}, nil
}

func (s *Scanner) GetDocuments() []DocumentInfo {
	return s.documents
}

func (s *Scanner) GetDocumentByID(id string) *DocumentInfo {
	for _, doc := range s.documents {
		if doc.ID == id {
			return &doc
		}
	}
	return nil
}

func (s *Scanner) GetDocumentPathByID(id string) string {
	doc := s.GetDocumentByID(id)
	if doc == nil {
		return ""
	}
	return s.getFilePath(doc.CurrentFilename)
}

func (s *Scanner) getFilePath(filename string) string {
	return filepath.Join(s.dataDir, filename)
}

func (s *Scanner) loadMetadata(path string) (*DocumentInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var meta DocumentInfo
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}

	return &meta, nil
}

func (s *Scanner) saveMetadata(path string, meta *DocumentInfo) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	return nil
}

// ProcessUploadedFile finalizes an uploaded document: generates a UUID,
// renames it into dataDir, measures its page count, and persists its
// sidecar, exactly mirroring the teacher's ProcessUploadedFile.
func (s *Scanner) ProcessUploadedFile(tempPath string, originalFilename string) (string, error) {
	ext := strings.ToLower(filepath.Ext(originalFilename))
	if !documentExtensions[ext] {
		return "", fmt.Errorf("unsupported document format: %s", ext)
	}

	newUUID := uuid.New().String()
	finalPath := s.getFilePath(newUUID + ext)

	if err := os.Rename(tempPath, finalPath); err != nil {
		return "", fmt.Errorf("failed to move uploaded file: %w", err)
	}

	info, err := os.Stat(finalPath)
	if err != nil {
		return "", fmt.Errorf("failed to stat file: %w", err)
	}

	doc, err := s.scanDocument(finalPath, info)
	if err != nil {
		return "", fmt.Errorf("failed to scan document: %w", err)
	}

	doc.ID = newUUID
	doc.OriginalFilename = originalFilename
	doc.CurrentFilename = filepath.Base(finalPath)

	jsonPath := s.getFilePath(newUUID + ".json")
	if err := s.saveMetadata(jsonPath, doc); err != nil {
		return "", fmt.Errorf("failed to save metadata: %w", err)
	}

	s.logger.Info("processed uploaded document",
		zap.String("uuid", newUUID),
		zap.String("original_filename", originalFilename),
		zap.String("final_path", finalPath))

	return newUUID, nil
}
