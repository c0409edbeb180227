package storage

import (
	"context"
	_ "crypto/sha256" // digest.Canonical
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"gocloud.dev/blob"
	"golang.org/x/sync/errgroup"
)

const (
	blobPrefix               = "blobs"
	uploadPrefix             = "uploads"
	defaultContentType       = "application/octet-stream"
	defaultExistsConcurrency = 16
)

// ErrDigestMismatch indicates uploaded content did not hash to the expected digest.
var ErrDigestMismatch = errors.New("storage: digest mismatch")

// BlobObject describes a stored content-addressed object.
type BlobObject struct {
	Existed       bool   `json:"existed"`
	Digest        string `json:"digest"`
	Path          string `json:"path"`
	ContentLength int64  `json:"contentLength"`
	ContentType   string `json:"contentType"`
}

// BlobStore keeps immutable content keyed by its digest. Objects are shared by
// every deploy across the system and are never owned by a single deploy.
type BlobStore struct {
	bucket            *Bucket
	existsConcurrency int
}

// NewBlobStore wraps a bucket.
func NewBlobStore(bucket *Bucket) *BlobStore {
	return &BlobStore{bucket: bucket, existsConcurrency: defaultExistsConcurrency}
}

// BlobPath is the bucket key of the object with digest d.
func BlobPath(d digest.Digest) string {
	encoded := d.Encoded()
	shard := encoded
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return fmt.Sprintf("%s/%s/%s/%s", blobPrefix, d.Algorithm(), shard, encoded)
}

// UploadIfAbsent streams r into the store. The content is staged under a
// temporary key while it is hashed, then promoted to its digest key unless an
// object with that digest already exists. Concurrent uploads of the same
// content are harmless: content is immutable once stored.
//
// When expected is non-empty the computed digest must match it, otherwise
// nothing becomes visible and ErrDigestMismatch is returned.
func (s *BlobStore) UploadIfAbsent(ctx context.Context, r io.Reader, contentType string, expected digest.Digest) (*BlobObject, error) {
	if contentType == "" {
		contentType = defaultContentType
	}
	tmpKey := uploadPrefix + "/" + uuid.NewString()

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w, err := s.bucket.NewWriter(wctx, tmpKey, &blob.WriterOptions{ContentType: contentType})
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	digester := digest.Canonical.Digester()
	n, err := io.Copy(io.MultiWriter(w, digester.Hash()), r)
	if err != nil {
		cancel()
		_ = w.Close()
		return nil, fmt.Errorf("stage upload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("stage upload: %w", err)
	}
	defer s.discard(ctx, tmpKey)

	d := digester.Digest()
	if expected != "" && expected != d {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrDigestMismatch, expected, d)
	}

	key := BlobPath(d)
	obj := &BlobObject{Digest: d.String(), Path: key, ContentLength: n, ContentType: contentType}
	exists, err := s.bucket.Exists(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("check %s: %w", d, err)
	}
	if exists {
		obj.Existed = true
		return obj, nil
	}
	if err := s.bucket.Copy(ctx, key, tmpKey, nil); err != nil {
		return nil, fmt.Errorf("promote %s: %w", d, err)
	}
	return obj, nil
}

func (s *BlobStore) discard(ctx context.Context, key string) {
	_ = s.bucket.Delete(context.WithoutCancel(ctx), key)
}

// ExistingDigests returns the subset of digests already present in the store.
func (s *BlobStore) ExistingDigests(ctx context.Context, digests []digest.Digest) (map[digest.Digest]struct{}, error) {
	found := make(map[digest.Digest]struct{})
	var mu sync.Mutex
	seen := make(map[digest.Digest]struct{}, len(digests))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.existsConcurrency)
	for _, d := range digests {
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		d := d
		g.Go(func() error {
			ok, err := s.bucket.Exists(gctx, BlobPath(d))
			if err != nil {
				return fmt.Errorf("check %s: %w", d, err)
			}
			if ok {
				mu.Lock()
				found[d] = struct{}{}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return found, nil
}

// Open reads the object with digest d. It returns ErrNotFound when absent.
func (s *BlobStore) Open(ctx context.Context, d digest.Digest) (io.ReadCloser, error) {
	r, err := s.bucket.NewReader(ctx, BlobPath(d), nil)
	if err != nil {
		return nil, translate(err)
	}
	return r, nil
}

// Count returns the number of stored blobs.
func (s *BlobStore) Count(ctx context.Context) (int, error) {
	iter := s.bucket.List(&blob.ListOptions{Prefix: blobPrefix + "/"})
	count := 0
	for {
		_, err := iter.Next(ctx)
		if err == io.EOF {
			return count, nil
		}
		if err != nil {
			return 0, err
		}
		count++
	}
}
