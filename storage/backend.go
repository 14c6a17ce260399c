package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"parkwatch/pkg/parking"
)

// Write preconditions.
const (
	anyGeneration int64 = -1 // Unconditional write
	noObject      int64 = 0  // Object must not exist yet
)

// backend is a flat key/value object store with generation preconditions.
type backend interface {
	read(ctx context.Context, key string) (data []byte, generation int64, err error)
	write(ctx context.Context, key string, data []byte, ifGeneration int64) error
	remove(ctx context.Context, key string) error
	list(ctx context.Context, prefix string) ([]string, error)
}

// gcsBackend stores objects in a Cloud Storage bucket.
type gcsBackend struct {
	client *storage.Client
	logger *slog.Logger
	bucket string
}

func retryOptions(ctx context.Context, logger *slog.Logger, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			logger.Info("Retrying storage operation after error", "op", op, "attempt", n, "key", key, "error", retryErr)
		}),
	}
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

func (b *gcsBackend) read(ctx context.Context, key string) ([]byte, int64, error) {
	var data []byte
	var generation int64
	missing := false
	err := retry.Do(
		func() error {
			r, openErr := b.client.Bucket(b.bucket).Object(key).NewReader(ctx)
			if openErr != nil {
				// Don't retry on "not found" errors
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					missing = true
					return retry.Unrecoverable(parking.ErrNotFound)
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					b.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			generation = r.Attrs.Generation
			return nil
		},
		retryOptions(ctx, b.logger, "read", key)...,
	)
	if missing {
		return nil, 0, parking.ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read after retries: %w", err)
	}
	return data, generation, nil
}

func (b *gcsBackend) write(ctx context.Context, key string, data []byte, ifGeneration int64) error {
	conflict := false
	err := retry.Do(
		func() error {
			obj := b.client.Bucket(b.bucket).Object(key)
			switch {
			case ifGeneration == noObject:
				obj = obj.If(storage.Conditions{DoesNotExist: true})
			case ifGeneration > 0:
				obj = obj.If(storage.Conditions{GenerationMatch: ifGeneration})
			}

			w := obj.NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					b.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				if isPreconditionFailed(closeErr) {
					conflict = true
					return retry.Unrecoverable(parking.ErrConflict)
				}
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retryOptions(ctx, b.logger, "write", key)...,
	)
	if conflict {
		return parking.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("write after retries: %w", err)
	}
	return nil
}

func (b *gcsBackend) remove(ctx context.Context, key string) error {
	err := retry.Do(
		func() error {
			if deleteErr := b.client.Bucket(b.bucket).Object(key).Delete(ctx); deleteErr != nil {
				// Deletion is idempotent
				if errors.Is(deleteErr, storage.ErrObjectNotExist) {
					return nil
				}
				return fmt.Errorf("delete from storage: %w", deleteErr)
			}
			return nil
		},
		retryOptions(ctx, b.logger, "delete", key)...,
	)
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}
	return nil
}

func (b *gcsBackend) list(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	it := b.client.Bucket(b.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

// localBackend stores objects as files under a directory. Keys map to
// relative paths. Generations are not tracked on disk: the Store serialises
// conditional writes with its own lock, so existence is the only precondition
// checked here.
type localBackend struct {
	root string
}

func (b *localBackend) path(key string) string {
	return filepath.Join(b.root, filepath.FromSlash(key))
}

func (b *localBackend) read(_ context.Context, key string) ([]byte, int64, error) {
	data, err := os.ReadFile(b.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, parking.ErrNotFound
		}
		return nil, 0, fmt.Errorf("read from local storage: %w", err)
	}
	return data, 1, nil
}

func (b *localBackend) write(_ context.Context, key string, data []byte, ifGeneration int64) error {
	p := b.path(key)
	if ifGeneration != anyGeneration {
		_, err := os.Stat(p)
		exists := err == nil
		if exists != (ifGeneration > 0) {
			return parking.ErrConflict
		}
	}

	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return fmt.Errorf("create local storage directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return fmt.Errorf("write to local storage: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write to local storage: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write to local storage: %w", err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("write to local storage: %w", err)
	}
	return nil
}

func (b *localBackend) remove(_ context.Context, key string) error {
	if err := os.Remove(b.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete from local storage: %w", err)
	}
	return nil
}

func (b *localBackend) list(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	start := b.root
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		start = b.path(prefix[:i])
	}
	err := filepath.WalkDir(start, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(b.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read local storage directory: %w", err)
	}
	return keys, nil
}
