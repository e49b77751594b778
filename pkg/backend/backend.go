// Package backend talks to the menu admin REST API: upload credential
// negotiation, image attachment, deletion, signed URL resolution and
// listing the images already attached to a menu item.
package backend

import (
	"context"
	"fmt"
	"net/http"

	"github.com/menuadmin/imageupload/pkg/errors"
)

// Errors matched against *APIError with errors.Is.
var (
	ErrUnauthorized = errors.New("backend: unauthorized")
	ErrUnavailable  = errors.New("backend: unavailable")
)

// UploadTicket is the backend's answer to an upload-url request.
type UploadTicket struct {
	UploadURL string `json:"uploadUrl"`
	Key       string `json:"key"`
	URL       string `json:"url"`
}

// Complete reports whether every field needed for transfer and attach is set.
func (t UploadTicket) Complete() bool {
	return t.UploadURL != "" && t.Key != "" && t.URL != ""
}

// AttachedImage is one image linked to a menu item.
type AttachedImage struct {
	ID        string `json:"_id"`
	Key       string `json:"key"`
	URL       string `json:"url"`
	IsPrimary bool   `json:"isPrimary"`
	Position  int    `json:"position"`
}

// MenuItem is the subset of a menu item the uploader cares about.
type MenuItem struct {
	ID     string          `json:"_id"`
	Images []AttachedImage `json:"images"`
}

// Image returns the image stored under key.
func (m *MenuItem) Image(key string) (AttachedImage, bool) {
	for _, img := range m.Images {
		if img.Key == key {
			return img, true
		}
	}
	return AttachedImage{}, false
}

// AttachRequest links an uploaded object to a menu item.
type AttachRequest struct {
	Key       string `json:"key"`
	URL       string `json:"url"`
	IsPrimary bool   `json:"isPrimary"`
}

// Client is the backend contract consumed by the upload pipeline.
type Client interface {
	NegotiateUpload(ctx context.Context, ownerID, contentType string, contentLength int64) (*UploadTicket, error)
	AttachObject(ctx context.Context, ownerID string, req AttachRequest) (*AttachedImage, error)
	DeleteObject(ctx context.Context, ownerID, imageID string) error
	ResolveSignedURL(ctx context.Context, key string) (string, error)
	ListImages(ctx context.Context, ownerID string) ([]AttachedImage, error)
}

// APIError is a non-2xx answer from the backend.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned %d", e.StatusCode)
	}
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Message)
}

// Is maps status classes onto the package and pipeline sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case errors.ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrUnavailable:
		return e.StatusCode >= 500
	}
	return false
}
