package security

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/menuadmin/imageupload/pkg/errors"
)

// Default upload policy
const (
	DefaultMaxFileSize int64 = 5 * 1024 * 1024
)

// DefaultAllowedTypes is the content-type allow-list for menu images.
var DefaultAllowedTypes = []string{"image/jpeg", "image/jpg", "image/png", "image/webp"}

// Candidate is a file offered to the pipeline before it becomes an entry.
type Candidate struct {
	Name        string
	ContentType string
	Size        int64
}

// Validator checks candidates against a size and content-type policy.
// It holds no mutable state; the same candidate always gets the same verdict.
type Validator struct {
	maxFileSize  int64
	allowedTypes map[string]struct{}
}

// NewValidator creates a new upload policy validator
func NewValidator(maxFileSize int64, allowedTypes []string) *Validator {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	if len(allowedTypes) == 0 {
		allowedTypes = DefaultAllowedTypes
	}

	allowed := make(map[string]struct{}, len(allowedTypes))
	for _, t := range allowedTypes {
		allowed[normalizeType(t)] = struct{}{}
	}

	slog.Info("upload_validator_init",
		"max_file_size_mb", maxFileSize/1024/1024,
		"allowed_types", strings.Join(allowedTypes, ","))

	return &Validator{
		maxFileSize:  maxFileSize,
		allowedTypes: allowed,
	}
}

// MaxFileSize returns the configured size ceiling in bytes.
func (v *Validator) MaxFileSize() int64 {
	return v.maxFileSize
}

// Validate returns nil when the candidate may enter the pipeline, or an error
// wrapping errors.ErrValidation that describes the first violated rule.
func (v *Validator) Validate(c Candidate) error {
	if err := v.ValidateContentType(c.ContentType); err != nil {
		slog.Warn("upload_validation_failed", "file", c.Name, "content_type", c.ContentType, "reason", "content_type")
		return err
	}
	if err := v.ValidateFileSize(c.Size); err != nil {
		slog.Warn("upload_validation_failed", "file", c.Name, "size", c.Size, "reason", "file_size")
		return err
	}
	return nil
}

// ValidateContentType checks the declared type against the allow-list
func (v *Validator) ValidateContentType(contentType string) error {
	if _, ok := v.allowedTypes[normalizeType(contentType)]; !ok {
		return fmt.Errorf("%w: unsupported file, allowed: JPG, PNG, WEBP", errors.ErrValidation)
	}
	return nil
}

// ValidateFileSize checks if a file exceeds max file size
func (v *Validator) ValidateFileSize(size int64) error {
	if size > v.maxFileSize {
		return fmt.Errorf("%w: max file size is %dMB", errors.ErrValidation, v.maxFileSize/1024/1024)
	}
	return nil
}

func normalizeType(t string) string {
	if i := strings.IndexByte(t, ';'); i >= 0 {
		t = t[:i]
	}
	return strings.ToLower(strings.TrimSpace(t))
}
