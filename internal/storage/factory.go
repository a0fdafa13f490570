package storage

import (
	"strings"

	"github.com/timmy/memedex/internal/config"
)

// NewStorage builds an S3-compatible client from cfg. It returns nil, nil when
// storage is not configured.
func NewStorage(cfg *config.StorageConfig) (ObjectStorage, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	typ := StorageType(cfg.Type)
	if typ == "" {
		typ = detectStorageType(cfg.Endpoint)
	}
	return NewS3Storage(&S3Config{
		Type:      typ,
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		UseSSL:    cfg.UseSSL,
		Bucket:    cfg.Bucket,
		Region:    cfg.Region,
		PublicURL: cfg.PublicURL,
	})
}

func detectStorageType(endpoint string) StorageType {
	endpoint = strings.ToLower(endpoint)
	switch {
	case strings.Contains(endpoint, "r2.cloudflarestorage.com"):
		return StorageTypeR2
	case strings.Contains(endpoint, "amazonaws.com"):
		return StorageTypeS3
	default:
		return StorageTypeS3Compatible
	}
}
