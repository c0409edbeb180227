// Package storage holds the path-addressed file store for deploy trees and
// the content-addressed blob store shared by every deploy. Both sit on top of
// gocloud.dev buckets so the backend is chosen by URL (file://, mem://, s3://).
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"
)

// ErrNotFound indicates the requested object does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrInvalidPath indicates a key escaped its root or was empty.
var ErrInvalidPath = errors.New("storage: invalid path")

// Bucket represents access to a single object storage bucket.
type Bucket = blob.Bucket

// OpenBucket opens the bucket addressed by a gocloud URL such as
// file:///var/lib/share or mem://.
func OpenBucket(ctx context.Context, url string) (*Bucket, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("empty bucket url")
	}
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", url, err)
	}
	return bucket, nil
}

// JoinKey joins rel under root, refusing anything that would land outside root.
func JoinKey(root, rel string) (string, error) {
	rel = strings.ReplaceAll(rel, "\\", "/")
	if rel == "" || strings.HasPrefix(rel, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, rel)
	}
	cleaned := path.Clean(rel)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, rel)
	}
	if root == "" {
		return cleaned, nil
	}
	return strings.TrimRight(root, "/") + "/" + cleaned, nil
}

func translate(err error) error {
	if gcerrors.Code(err) == gcerrors.NotFound {
		return ErrNotFound
	}
	return err
}
