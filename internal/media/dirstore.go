package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// DirStore stores attachments as content-addressed files in one directory
// and serves them back over HTTP. Names are derived from the content hash,
// so re-uploading the same file is idempotent and nothing ever collides.
type DirStore struct {
	dir     string
	baseURL string
}

// NewDirStore creates the store, making dir if needed. baseURL is the public
// prefix uploads are served from, e.g. "https://chat.example.com/media".
func NewDirStore(dir, baseURL string) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("media: create dir: %w", err)
	}
	return &DirStore{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Save writes the attachment and returns its public URL.
func (s *DirStore) Save(filename string, r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxUploadBytes+1))
	if err != nil {
		return "", fmt.Errorf("media: read attachment: %w", err)
	}
	if len(data) > MaxUploadBytes {
		return "", fmt.Errorf("media: attachment exceeds %d byte limit", MaxUploadBytes)
	}

	sum := sha256.Sum256(data)
	name := hex.EncodeToString(sum[:8]) + sanitizeExt(filename)

	dst := filepath.Join(s.dir, name)
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return "", fmt.Errorf("media: write attachment: %w", err)
	}
	return s.baseURL + "/" + name, nil
}

// Upload implements Uploader for clients embedded in the same process.
func (s *DirStore) Upload(_ context.Context, filename string, r io.Reader) (string, error) {
	return s.Save(filename, r)
}

// Handler serves the store over HTTP: POST uploads a multipart "file" field,
// GET fetches a stored attachment by name.
func (s *DirStore) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			s.handleUpload(w, r)
		case http.MethodGet:
			s.handleFetch(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

func (s *DirStore) handleUpload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	url, err := s.Save(header.Filename, file)
	if err != nil {
		log.Printf("[media] upload %s: %v", header.Filename, err)
		http.Error(w, "upload failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(uploadResponse{URL: url}); err != nil {
		log.Printf("[media] write upload response: %v", err)
	}
}

func (s *DirStore) handleFetch(w http.ResponseWriter, r *http.Request) {
	// Base strips any path traversal attempt down to the file name.
	name := path.Base(r.URL.Path)
	if name == "." || name == "/" {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, filepath.Join(s.dir, name))
}

// sanitizeExt keeps a short, safe file extension for content-type sniffing.
func sanitizeExt(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if len(ext) > 8 {
		return ""
	}
	for _, r := range ext {
		if r != '.' && (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
