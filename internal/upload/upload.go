// Package upload delivers evidence files to the risk-reporting backend or an
// S3-compatible bucket.
package upload

import (
	"context"
	"fmt"

	"github.com/dj-oyu/padetect-agent/internal/config"
	"github.com/dj-oyu/padetect-agent/internal/settings"
)

// Uploader sends evidence. Both calls are synchronous and return true only
// when the remote side confirmed receipt.
type Uploader interface {
	UploadFile(ctx context.Context, path string) bool
	UploadBytes(ctx context.Context, data []byte) bool
}

// New builds the uploader selected by cfg.Backend.
func New(cfg config.UploadConfig) (Uploader, error) {
	switch cfg.Backend {
	case "", "http":
		return NewHTTPUploader(cfg, nil, DetectIdentity()), nil
	case "s3":
		return NewS3Uploader(cfg.S3)
	default:
		return nil, fmt.Errorf("unknown upload backend %q", cfg.Backend)
	}
}

// WithServerSettings overlays the serverSettings section (base_url,
// client_version, company_code) on cfg. meta may be nil.
func WithServerSettings(cfg config.UploadConfig, meta *settings.Meta) config.UploadConfig {
	if meta == nil {
		return cfg
	}
	cfg.BaseURL = meta.StringOrDefault("base_url", cfg.BaseURL)
	cfg.ClientVersion = meta.StringOrDefault("client_version", cfg.ClientVersion)
	cfg.CompanyCode = meta.StringOrDefault("company_code", cfg.CompanyCode)
	return cfg
}
