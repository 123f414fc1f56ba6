// Package fs stores generated media under a single root directory and prunes
// files past their retention age.
package fs

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Gateway struct {
	root   string
	maxAge time.Duration
}

func NewGateway(root string, maxAge time.Duration) (*Gateway, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve media root: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create media root: %w", err)
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &Gateway{root: absRoot, maxAge: maxAge}, nil
}

func (g *Gateway) Root() string {
	return g.root
}

// SaveImage writes image bytes and returns the absolute path and MIME type.
func (g *Gateway) SaveImage(data []byte, format string) (path string, mediaType string, err error) {
	ext := strings.TrimPrefix(strings.ToLower(format), ".")
	if ext == "" {
		ext = "png"
	}
	path = filepath.Join(g.root, fmt.Sprintf("img_%s.%s", uuid.NewString(), ext))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", "", fmt.Errorf("write image: %w", err)
	}
	return path, "image/" + ext, nil
}

// SaveImageBase64 decodes and stores a base64 image payload, as returned by
// generation APIs.
func (g *Gateway) SaveImageBase64(encoded, format string) (path string, mediaType string, err error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", fmt.Errorf("decode image payload: %w", err)
	}
	return g.SaveImage(data, format)
}

func (g *Gateway) SaveVideo(data []byte) (string, error) {
	path := filepath.Join(g.root, fmt.Sprintf("vid_%s.mp4", uuid.NewString()))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write video: %w", err)
	}
	return path, nil
}

// Cleanup removes media files older than the retention age and returns how
// many were deleted. Unreadable entries are skipped.
func (g *Gateway) Cleanup() (int, error) {
	entries, err := os.ReadDir(g.root)
	if err != nil {
		return 0, fmt.Errorf("scan media root: %w", err)
	}
	cutoff := time.Now().Add(-g.maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(g.root, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}
