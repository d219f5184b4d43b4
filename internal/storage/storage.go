// Package storage abstracts the object store holding tenant catalog files.
package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"time"
)

var ErrObjectNotFound = errors.New("object not found")

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

type PutOptions struct {
	ContentType string
}

type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) (ObjectInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

// CatalogObjectKey is the canonical object key for a tenant's catalog file.
// The main catalog is named "main"; secondary catalogs use their logical name.
func CatalogObjectKey(tenantID, catalogName string) (string, error) {
	tenantID = strings.TrimSpace(tenantID)
	catalogName = strings.TrimSpace(catalogName)
	if tenantID == "" {
		return "", errors.New("tenant id is required")
	}
	if catalogName == "" {
		catalogName = "main"
	}
	for _, part := range []string{tenantID, catalogName} {
		if strings.ContainsAny(part, "/\\") || strings.Contains(part, "..") {
			return "", errors.New("invalid path component: " + part)
		}
	}
	return path.Join("tenants", tenantID, "catalogs", catalogName+"_catalog.sqlite"), nil
}
