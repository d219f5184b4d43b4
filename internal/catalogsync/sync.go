// Package catalogsync stages tenant catalog files from the object store onto
// the local filesystem so that catalog URLs resolve to readable sqlite files.
package catalogsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/duckgate/duckgate/internal/storage"
)

// Materializer downloads catalog objects into dataDir. A catalog URL of the
// form "sqlite:<path>" is materialized at <dataDir>/<tenant>/<name>_catalog.sqlite
// and the rewritten local URL is returned. Plain local paths bypass the store.
type Materializer struct {
	Store   storage.ObjectStore
	DataDir string
	Logger  *slog.Logger
}

func NewMaterializer(store storage.ObjectStore, dataDir string, logger *slog.Logger) *Materializer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Materializer{Store: store, DataDir: dataDir, Logger: logger}
}

// Materialize ensures the tenant's catalog file exists locally and returns the
// catalog URL the execution layer should attach. When no object store is
// configured the input URL is returned unchanged.
func (m *Materializer) Materialize(ctx context.Context, tenantID, catalogName, catalogURL string) (string, error) {
	if m.Store == nil {
		return catalogURL, nil
	}

	key, err := storage.CatalogObjectKey(tenantID, catalogName)
	if err != nil {
		return "", err
	}

	localPath, err := m.localPath(tenantID, catalogName)
	if err != nil {
		return "", err
	}

	remote, err := m.Store.Stat(ctx, key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		// Tenant has never published a catalog; fall back to whatever the
		// control plane configured.
		m.Logger.Debug("catalog object absent, using configured url",
			slog.String("tenant_id", tenantID),
			slog.String("key", key))
		return catalogURL, nil
	}
	if err != nil {
		return "", fmt.Errorf("stat catalog %q: %w", key, err)
	}

	if fresh, err := m.isFresh(localPath, remote); err != nil {
		return "", err
	} else if !fresh {
		if err := m.download(ctx, key, localPath); err != nil {
			return "", err
		}
		m.Logger.Info("catalog staged",
			slog.String("tenant_id", tenantID),
			slog.String("catalog", catalogName),
			slog.Int64("size_bytes", remote.Size))
	}

	return "sqlite:" + localPath, nil
}

func (m *Materializer) localPath(tenantID, catalogName string) (string, error) {
	if strings.TrimSpace(m.DataDir) == "" {
		return "", fmt.Errorf("data dir is required")
	}
	if catalogName == "" {
		catalogName = "main"
	}
	dir := filepath.Join(m.DataDir, "catalogs", tenantID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create catalog dir: %w", err)
	}
	return filepath.Join(dir, catalogName+"_catalog.sqlite"), nil
}

// isFresh compares local and remote sizes. Catalog files grow monotonically
// under DuckLake so a size match is a cheap staleness check.
func (m *Materializer) isFresh(localPath string, remote storage.ObjectInfo) (bool, error) {
	info, err := os.Stat(localPath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat local catalog: %w", err)
	}
	return info.Size() == remote.Size, nil
}

func (m *Materializer) download(ctx context.Context, key, localPath string) error {
	reader, err := m.Store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("fetch catalog %q: %w", key, err)
	}
	defer func() { _ = reader.Close() }()

	tmp, err := os.CreateTemp(filepath.Dir(localPath), ".catalog-*")
	if err != nil {
		return fmt.Errorf("create staging file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, reader); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write catalog file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close staging file: %w", err)
	}
	if err := os.Rename(tmpName, localPath); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("move catalog into place: %w", err)
	}
	return nil
}
