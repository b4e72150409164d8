package api

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/anikeev/wagate/internal/config"
)

func mediaHandler(t *testing.T) *Handler {
	t.Helper()
	return NewHandler(nil, &config.Config{
		MediaDir: t.TempDir(),
		Timeout:  config.Timeouts{MediaFetch: time.Second},
	})
}

func TestDecodeDataURI(t *testing.T) {
	media, err := decodeDataURI("data:image/png;base64,aGVsbG8=", "pic.png")
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if string(media.data) != "hello" {
		t.Fatalf("unexpected payload: %q", media.data)
	}
	if media.mimeType != "image/png" || media.filename != "pic.png" {
		t.Fatalf("unexpected metadata: %+v", media)
	}
}

func TestDecodeDataURIRejectsNonBase64(t *testing.T) {
	if _, err := decodeDataURI("data:text/plain,hello", ""); err == nil {
		t.Fatalf("plain data: URIs must be rejected")
	}
	if _, err := decodeDataURI("http://example.com/x.png", ""); err == nil {
		t.Fatalf("non data: URIs must be rejected")
	}
}

func TestReadLocalMediaStaysUnderRoot(t *testing.T) {
	h := mediaHandler(t)

	path := filepath.Join(h.cfg.MediaDir, "note.txt")
	if err := os.WriteFile(path, []byte("contents"), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	media, err := h.readLocalMedia("note.txt", "")
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(media.data) != "contents" || media.filename != "note.txt" {
		t.Fatalf("unexpected media: %+v", media)
	}
}

func TestReadLocalMediaRejectsEscape(t *testing.T) {
	h := mediaHandler(t)
	if _, err := h.readLocalMedia("../../etc/passwd", ""); err == nil {
		t.Fatalf("path escape must be rejected")
	}
}

func TestResolveMediaClassifiesSources(t *testing.T) {
	h := mediaHandler(t)

	path := filepath.Join(h.cfg.MediaDir, "pic.png")
	if err := os.WriteFile(path, []byte("image"), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	media, err := h.resolveMedia(context.Background(), "data:text/plain;base64,aGk=", "")
	if err != nil || string(media.data) != "hi" {
		t.Fatalf("data: URI not resolved inline: %v", err)
	}

	media, err = h.resolveMedia(context.Background(), "pic.png", "")
	if err != nil || string(media.data) != "image" {
		t.Fatalf("bare reference must resolve under the media root: %v", err)
	}
	if media.mimeType != "image/png" {
		t.Fatalf("mime must come from the extension, got %q", media.mimeType)
	}
}
