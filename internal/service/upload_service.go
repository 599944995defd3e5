package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/makeasinger/rhythmdeck/internal/sandbox"
	"github.com/makeasinger/rhythmdeck/internal/store"
)

// Upload name prefixes.
const (
	PrefixReference = "ref"
	PrefixLyrics    = "lrc"
)

const maxDownloadSize = 300 * 1024 * 1024 // 300MB

// UploadService stores reference audio and lyrics files next to the runs.
type UploadService struct {
	dir        string
	httpClient *http.Client
}

// NewUploadService creates an upload service writing into dir.
func NewUploadService(dir string) *UploadService {
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	return &UploadService{
		dir: dir,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Dir returns the upload directory.
func (s *UploadService) Dir() string {
	return s.dir
}

// SaveMultipart stores an uploaded form file as <prefix>-<id>-<name>.
func (s *UploadService) SaveMultipart(file *multipart.FileHeader, prefix string) (string, error) {
	src, err := file.Open()
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	return s.save(src, prefix, file.Filename)
}

// SaveBase64 decodes data and stores it under filename.
func (s *UploadService) SaveBase64(data, filename, prefix string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(data))
	if err != nil {
		return "", invalid(fmt.Sprintf("invalid base64 payload for %s", filename))
	}
	return s.save(bytes.NewReader(raw), prefix, filename)
}

// SaveURL downloads rawURL and stores it. The file name is taken from
// filename, or from the URL path when empty.
func (s *UploadService) SaveURL(ctx context.Context, rawURL, filename, prefix string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", invalid(fmt.Sprintf("invalid URL %q", rawURL))
	}

	ctx, cancel := context.WithTimeout(ctx, s.httpClient.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", invalid(fmt.Sprintf("failed to fetch %s: %v", rawURL, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", invalid(fmt.Sprintf("failed to fetch %s: status %d", rawURL, resp.StatusCode))
	}

	if filename == "" {
		filename = path.Base(u.Path)
		if filename == "" || filename == "/" || filename == "." {
			filename = "download.bin"
		}
	}
	return s.save(io.LimitReader(resp.Body, maxDownloadSize), prefix, filename)
}

// Remove deletes previously saved uploads, ignoring empty paths.
func (s *UploadService) Remove(paths ...string) {
	for _, p := range paths {
		if p == "" || filepath.Dir(p) != filepath.Clean(s.dir) {
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.Printf("Failed to remove upload %s: %v", p, err)
		}
	}
}

func (s *UploadService) save(r io.Reader, prefix, filename string) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}

	id := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	name := fmt.Sprintf("%s-%s-%s", prefix, id, sandbox.SecureName(filename))
	dst := filepath.Join(s.dir, name)

	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}
	if err := store.WriteBytes(dst, data); err != nil {
		return "", fmt.Errorf("write upload: %w", err)
	}
	return dst, nil
}
