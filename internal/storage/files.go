package storage

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"

	"gocloud.dev/blob"
)

// FileStore stores deploy trees and manifests by path.
type FileStore struct {
	bucket *Bucket
}

// NewFileStore wraps a bucket.
func NewFileStore(bucket *Bucket) *FileStore {
	return &FileStore{bucket: bucket}
}

// Save writes the stream to key, replacing any existing object.
func (s *FileStore) Save(ctx context.Context, key string, r io.Reader) error {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w, err := s.bucket.NewWriter(wctx, key, &blob.WriterOptions{ContentType: contentTypeFor(key)})
	if err != nil {
		return fmt.Errorf("open %s: %w", key, err)
	}
	if _, err := io.Copy(w, r); err != nil {
		// cancelling before Close discards the partial object.
		cancel()
		_ = w.Close()
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close %s: %w", key, err)
	}
	return nil
}

// SaveBytes writes p to key.
func (s *FileStore) SaveBytes(ctx context.Context, key string, p []byte) error {
	if err := s.bucket.WriteAll(ctx, key, p, &blob.WriterOptions{ContentType: contentTypeFor(key)}); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// Load opens key for reading. It returns ErrNotFound when absent.
func (s *FileStore) Load(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		return nil, translate(err)
	}
	return r, nil
}

// LoadBytes reads the whole object at key.
func (s *FileStore) LoadBytes(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		return nil, translate(err)
	}
	return data, nil
}

// List returns every key under prefix.
func (s *FileStore) List(ctx context.Context, prefix string) ([]string, error) {
	iter := s.bucket.List(&blob.ListOptions{Prefix: strings.TrimRight(prefix, "/") + "/"})
	var keys []string
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// DeletePrefix removes every object under prefix and returns how many were removed.
func (s *FileStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := s.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, key := range keys {
		if err := s.bucket.Delete(ctx, key); err != nil {
			if translate(err) == ErrNotFound {
				continue
			}
			return deleted, fmt.Errorf("delete %s: %w", key, err)
		}
		deleted++
	}
	return deleted, nil
}

func contentTypeFor(key string) string {
	ext := path.Ext(key)
	if ext == "" {
		return ""
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	switch ext {
	case ".wasm":
		return "application/wasm"
	case ".data", ".pck", ".bin":
		return "application/octet-stream"
	}
	return ""
}
