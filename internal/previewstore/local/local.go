package local

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/vbonduro/reunite/internal/domain"
	"github.com/vbonduro/reunite/internal/previewstore"
)

// Store writes previews as files under one directory.
type Store struct {
	basePath string
}

func New(basePath string) (*Store, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create preview directory: %w", err)
	}
	return &Store{basePath: basePath}, nil
}

func (s *Store) Save(ctx context.Context, source domain.Source, image domain.Blob) (string, error) {
	filename := fmt.Sprintf("%s_%s%s", source, uuid.NewString(), mimeTypeToExt(image.MIMEType))
	filePath := filepath.Join(s.basePath, filename)

	if err := os.WriteFile(filePath, image.Data, 0644); err != nil {
		if rerr := os.Remove(filePath); rerr != nil && !os.IsNotExist(rerr) {
			slog.Error("failed to remove preview after write error", "error", rerr)
		}
		return "", fmt.Errorf("failed to write preview: %w", err)
	}
	return filename, nil
}

func (s *Store) Get(ctx context.Context, key string) (domain.Blob, error) {
	filePath, err := s.safeJoin(key)
	if err != nil {
		return domain.Blob{}, err
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.Blob{}, previewstore.ErrNotFound
		}
		return domain.Blob{}, fmt.Errorf("failed to read preview: %w", err)
	}
	return domain.Blob{
		Filename: key,
		MIMEType: extToMimeType(filePath),
		Data:     data,
	}, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	filePath, err := s.safeJoin(key)
	if err != nil {
		return err
	}

	if err := os.Remove(filePath); err != nil {
		if os.IsNotExist(err) {
			return previewstore.ErrNotFound
		}
		return fmt.Errorf("failed to delete preview: %w", err)
	}
	return nil
}

// safeJoin resolves key relative to basePath and rejects directory traversal.
func (s *Store) safeJoin(key string) (string, error) {
	absBase, err := filepath.Abs(s.basePath)
	if err != nil {
		return "", fmt.Errorf("invalid base path: %w", err)
	}

	absPath, err := filepath.Abs(filepath.Join(s.basePath, key))
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}

	if !strings.HasPrefix(absPath, absBase+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal attempt")
	}
	return absPath, nil
}

func mimeTypeToExt(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}

func extToMimeType(filePath string) string {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
