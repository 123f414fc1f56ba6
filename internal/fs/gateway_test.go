package fs

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newGateway(t *testing.T, maxAge time.Duration) *Gateway {
	t.Helper()
	g, err := NewGateway(t.TempDir(), maxAge)
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	return g
}

func TestSaveImageWritesUnderRoot(t *testing.T) {
	g := newGateway(t, time.Hour)

	path, mediaType, err := g.SaveImage([]byte{0x89, 0x50, 0x4e, 0x47}, "png")
	if err != nil {
		t.Fatalf("SaveImage: %v", err)
	}
	if mediaType != "image/png" {
		t.Fatalf("mediaType = %q", mediaType)
	}
	if filepath.Dir(path) != g.Root() {
		t.Fatalf("image written outside root: %s", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("stat saved image: %v", err)
	}
}

func TestSaveImageBase64RejectsBadPayload(t *testing.T) {
	g := newGateway(t, time.Hour)

	if _, _, err := g.SaveImageBase64("not-base64!!", "png"); err == nil {
		t.Fatal("expected decode error")
	}

	encoded := base64.StdEncoding.EncodeToString([]byte("jpegdata"))
	path, mediaType, err := g.SaveImageBase64(encoded, "jpeg")
	if err != nil {
		t.Fatalf("SaveImageBase64: %v", err)
	}
	if mediaType != "image/jpeg" {
		t.Fatalf("mediaType = %q", mediaType)
	}
	got, err := os.ReadFile(path)
	if err != nil || string(got) != "jpegdata" {
		t.Fatalf("readback = %q, err = %v", got, err)
	}
}

func TestCleanupRemovesOnlyExpiredFiles(t *testing.T) {
	g := newGateway(t, time.Hour)

	oldPath, _, err := g.SaveImage([]byte("old"), "png")
	if err != nil {
		t.Fatalf("SaveImage: %v", err)
	}
	freshPath, _, err := g.SaveImage([]byte("fresh"), "png")
	if err != nil {
		t.Fatalf("SaveImage: %v", err)
	}

	stale := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(oldPath, stale, stale); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	removed, err := g.Cleanup()
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Fatalf("expired file still present: %v", err)
	}
	if _, err := os.Stat(freshPath); err != nil {
		t.Fatalf("fresh file removed: %v", err)
	}
}

func TestSaveVideoUsesMP4(t *testing.T) {
	g := newGateway(t, time.Hour)
	path, err := g.SaveVideo([]byte("video"))
	if err != nil {
		t.Fatalf("SaveVideo: %v", err)
	}
	if !strings.HasSuffix(path, ".mp4") {
		t.Fatalf("path = %q, want .mp4 suffix", path)
	}
}
