// Package media handles attachment upload and serving. Clients upload
// through an Uploader and embed the returned URL in the message document;
// the gateway serves uploads from a content-addressed directory store.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"
)

// DefaultUploadTimeout bounds one attachment upload round trip.
const DefaultUploadTimeout = 30 * time.Second

// MaxUploadBytes caps the size of a single attachment.
const MaxUploadBytes = 25 << 20 // 25 MiB

// Uploader stores an attachment and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, filename string, r io.Reader) (url string, err error)
}

// HTTPUploader uploads attachments to the gateway's media endpoint as
// multipart form data.
type HTTPUploader struct {
	endpoint string
	client   *http.Client
}

// NewHTTPUploader creates an uploader posting to endpoint.
func NewHTTPUploader(endpoint string) *HTTPUploader {
	return &HTTPUploader{
		endpoint: endpoint,
		client:   &http.Client{Timeout: DefaultUploadTimeout},
	}
}

// uploadResponse is the media endpoint's reply body.
type uploadResponse struct {
	URL string `json:"url"`
}

// Upload posts the attachment and returns the URL it is served from.
func (u *HTTPUploader) Upload(ctx context.Context, filename string, r io.Reader) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("media: build upload: %w", err)
	}
	if _, err := io.Copy(part, io.LimitReader(r, MaxUploadBytes+1)); err != nil {
		return "", fmt.Errorf("media: read attachment: %w", err)
	}
	if body.Len() > MaxUploadBytes {
		return "", fmt.Errorf("media: attachment exceeds %d byte limit", MaxUploadBytes)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("media: build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, &body)
	if err != nil {
		return "", fmt.Errorf("media: build upload request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := u.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("media: upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("media: upload rejected with status %d", resp.StatusCode)
	}

	var ur uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
		return "", fmt.Errorf("media: decode upload response: %w", err)
	}
	if ur.URL == "" {
		return "", fmt.Errorf("media: upload response missing url")
	}
	return ur.URL, nil
}
