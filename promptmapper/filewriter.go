package promptmapper

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// FileWriter persists inline file bytes somewhere the sidecar process can
// read them back from, returning a URL. Implementations beyond
// LocalFileWriter (e.g. an S3 uploader) are the embedder's responsibility.
type FileWriter interface {
	Write(ctx context.Context, mimeType string, data []byte) (url string, err error)
}

// Remover is an optional capability a FileWriter may implement so that
// FileResolver.Cleanup can best-effort remove what it wrote.
type Remover interface {
	Remove(url string)
}

// LocalFileWriter is the default FileWriter: it writes inline bytes under
// a temp directory and returns file:// URLs.
type LocalFileWriter struct {
	dir string
}

// NewLocalFileWriter creates a fresh temp directory to write resolved
// files into.
func NewLocalFileWriter() (*LocalFileWriter, error) {
	dir, err := os.MkdirTemp("", "codexrpc-files-*")
	if err != nil {
		return nil, fmt.Errorf("promptmapper: create temp dir: %w", err)
	}
	return &LocalFileWriter{dir: dir}, nil
}

// Write persists data under the writer's temp directory and returns a
// file:// URL to it.
func (w *LocalFileWriter) Write(_ context.Context, mimeType string, data []byte) (string, error) {
	name := uuid.NewString() + extensionFor(mimeType)
	path := filepath.Join(w.dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("promptmapper: write file: %w", err)
	}
	return "file://" + path, nil
}

// Remove deletes the file backing url, ignoring any error (best-effort,
// per FileResolver.Cleanup's contract).
func (w *LocalFileWriter) Remove(url string) {
	path := strings.TrimPrefix(url, "file://")
	_ = os.Remove(path)
}

// RemoveAll deletes the writer's entire temp directory.
func (w *LocalFileWriter) RemoveAll() {
	_ = os.RemoveAll(w.dir)
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ""
	}
}

// FileResolver resolves FilePart payloads to TurnInputItem entries,
// delegating inline-bytes writes to a FileWriter and tracking every URL it
// produces so Cleanup can best-effort remove them at end of turn.
type FileResolver struct {
	writer FileWriter

	mu   sync.Mutex
	urls []string
}

// NewFileResolver constructs a FileResolver backed by writer.
func NewFileResolver(writer FileWriter) *FileResolver {
	return &FileResolver{writer: writer}
}

// Resolve maps one FilePart to a TurnInputItem, or returns (nil, nil) when
// the part's media type is unsupported and the part is skipped.
func (r *FileResolver) Resolve(ctx context.Context, part FilePart) (*TurnInputItem, error) {
	if part.URL != "" {
		item := r.itemForURL(part.URL)
		return &item, nil
	}

	data := part.Data
	if len(data) == 0 && part.Base64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(part.Base64)
		if err != nil {
			return nil, fmt.Errorf("promptmapper: decode base64 file payload: %w", err)
		}
		data = decoded
	}
	if len(data) == 0 {
		return nil, nil
	}

	switch {
	case strings.HasPrefix(part.MimeType, "text/"):
		return &TurnInputItem{Type: "text", Text: string(data)}, nil
	case strings.HasPrefix(part.MimeType, "image/"):
		url, err := r.writer.Write(ctx, part.MimeType, data)
		if err != nil {
			return nil, fmt.Errorf("promptmapper: resolve inline image: %w", err)
		}
		r.mu.Lock()
		r.urls = append(r.urls, url)
		r.mu.Unlock()
		item := r.itemForURL(url)
		return &item, nil
	default:
		// Unsupported media types are silently skipped.
		return nil, nil
	}
}

func (r *FileResolver) itemForURL(url string) TurnInputItem {
	if strings.HasPrefix(url, "file://") {
		return TurnInputItem{Type: "local_image", Path: strings.TrimPrefix(url, "file://")}
	}
	return TurnInputItem{Type: "image", URL: url}
}

// Cleanup best-effort removes every URL this resolver produced. It never
// fails observably; removal errors are swallowed.
func (r *FileResolver) Cleanup() {
	r.mu.Lock()
	urls := r.urls
	r.urls = nil
	r.mu.Unlock()

	remover, ok := r.writer.(Remover)
	if !ok {
		return
	}
	for _, u := range urls {
		remover.Remove(u)
	}
}
