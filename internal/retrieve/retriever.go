// Package retrieve is the read path over the artifact store. Outputs are
// written exactly once, before their queue message is deleted, so no
// coordination is needed here.
package retrieve

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/SirClappington/modelq/internal/store"
)

type Retriever struct {
	store store.Store
	log   *zap.Logger
}

func New(st store.Store, log *zap.Logger) *Retriever {
	return &Retriever{store: st, log: log}
}

// List returns every artifact key under prefix.
func (r *Retriever) List(ctx context.Context, prefix string) ([]string, error) {
	return r.store.List(ctx, prefix)
}

// Download copies one artifact to a local path, creating parent
// directories as needed.
func (r *Retriever) Download(ctx context.Context, key, destPath string) error {
	rc, err := r.store.Get(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	f, err := os.Create(destPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		os.Remove(destPath)
		return err
	}
	return f.Close()
}

// DownloadAll mirrors every key under prefix into destDir, keeping the key
// hierarchy. Existing local files are skipped unless overwrite is set.
func (r *Retriever) DownloadAll(ctx context.Context, prefix, destDir string, overwrite bool) ([]string, error) {
	keys, err := r.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	var fetched []string
	for _, key := range keys {
		rel := strings.TrimPrefix(key, prefix)
		dest := filepath.Join(destDir, filepath.FromSlash(rel))
		if !overwrite {
			if _, err := os.Stat(dest); err == nil {
				r.log.Debug("skipping existing file", zap.String("path", dest))
				continue
			}
		}
		if err := r.Download(ctx, key, dest); err != nil {
			return fetched, err
		}
		fetched = append(fetched, dest)
	}
	return fetched, nil
}
