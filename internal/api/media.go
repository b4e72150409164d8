package api

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/anikeev/wagate/internal/guard"
)

// maxMediaBytes caps what the gateway will buffer for one send.
const maxMediaBytes = 64 << 20

type resolvedMedia struct {
	data     []byte
	mimeType string
	filename string
}

// resolveMedia loads the media named by one reference string. The form
// of the reference selects the source: http(s) URLs are fetched, data:
// URIs decoded inline, anything else is a path under the media root.
func (h *Handler) resolveMedia(ctx context.Context, media, filename string) (*resolvedMedia, error) {
	switch {
	case strings.HasPrefix(media, "http://"), strings.HasPrefix(media, "https://"):
		return h.fetchMedia(ctx, media, filename)
	case strings.HasPrefix(media, "data:"):
		return decodeDataURI(media, filename)
	default:
		return h.readLocalMedia(media, filename)
	}
}

// fetchMedia downloads the media under its own budget, so a slow remote
// host cannot consume the send budget.
func (h *Handler) fetchMedia(ctx context.Context, url, filename string) (*resolvedMedia, error) {
	return guard.Do(ctx, "fetch media", h.cfg.Timeout.MediaFetch,
		func(ctx context.Context) (*resolvedMedia, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return nil, fmt.Errorf("build media request: %w", err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return nil, fmt.Errorf("fetch media: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				return nil, fmt.Errorf("media host returned %d", resp.StatusCode)
			}

			data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
			if err != nil {
				return nil, fmt.Errorf("read media body: %w", err)
			}
			if len(data) > maxMediaBytes {
				return nil, fmt.Errorf("media exceeds %d bytes", maxMediaBytes)
			}

			mimeType := resp.Header.Get("Content-Type")
			if mimeType == "" {
				mimeType = "application/octet-stream"
			}
			if filename == "" {
				filename = filepath.Base(req.URL.Path)
			}
			return &resolvedMedia{data: data, mimeType: mimeType, filename: filename}, nil
		})
}

// decodeDataURI parses a data:<mime>;base64,<payload> URI.
func decodeDataURI(uri, filename string) (*resolvedMedia, error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return nil, fmt.Errorf("media_data must be a data: URI")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, fmt.Errorf("malformed data: URI")
	}

	mimeType, _, _ := strings.Cut(meta, ";")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	if !strings.HasSuffix(meta, ";base64") {
		return nil, fmt.Errorf("only base64 data: URIs are supported")
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode data: URI: %w", err)
	}
	if len(data) > maxMediaBytes {
		return nil, fmt.Errorf("media exceeds %d bytes", maxMediaBytes)
	}
	return &resolvedMedia{data: data, mimeType: mimeType, filename: filename}, nil
}

// readLocalMedia serves a file from under the media root. Paths that
// resolve outside the root are refused.
func (h *Handler) readLocalMedia(relPath, filename string) (*resolvedMedia, error) {
	root, err := filepath.Abs(h.cfg.MediaDir)
	if err != nil {
		return nil, fmt.Errorf("resolve media root: %w", err)
	}
	full, err := filepath.Abs(filepath.Join(root, relPath))
	if err != nil {
		return nil, fmt.Errorf("resolve media path: %w", err)
	}
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return nil, fmt.Errorf("media_path escapes the media directory")
	}

	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("read media file: %w", err)
	}
	if len(data) > maxMediaBytes {
		return nil, fmt.Errorf("media exceeds %d bytes", maxMediaBytes)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(full))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	if filename == "" {
		filename = filepath.Base(full)
	}
	return &resolvedMedia{data: data, mimeType: mimeType, filename: filename}, nil
}
