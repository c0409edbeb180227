// Package deploy is the deployment engine. It ingests builds either as a
// gzip+tar archive or through the incremental manifest protocol, stores their
// files, and promotes finished deploys to be the active version of a branch.
package deploy

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"

	"github.com/vague-archive/cloud-platform-sub000/internal/cache"
	"github.com/vague-archive/cloud-platform-sub000/internal/repository"
	"github.com/vague-archive/cloud-platform-sub000/internal/storage"
	"github.com/vague-archive/cloud-platform-sub000/internal/trash"
	"github.com/vague-archive/cloud-platform-sub000/pkg/config"
)

const (
	defaultArchiveConcurrency     = 100
	defaultMaterializeConcurrency = 8
	defaultCacheTTL               = time.Hour
)

// FileStore holds deploy trees and manifests.
type FileStore interface {
	Save(ctx context.Context, key string, r io.Reader) error
	SaveBytes(ctx context.Context, key string, p []byte) error
	LoadBytes(ctx context.Context, key string) ([]byte, error)
}

// BlobStore holds content shared by every deploy, keyed by digest.
type BlobStore interface {
	UploadIfAbsent(ctx context.Context, r io.Reader, contentType string, expected digest.Digest) (*storage.BlobObject, error)
	ExistingDigests(ctx context.Context, digests []digest.Digest) (map[digest.Digest]struct{}, error)
	Open(ctx context.Context, d digest.Digest) (io.ReadCloser, error)
}

// Engine runs deploys.
type Engine struct {
	store   repository.Store
	files   FileStore
	blobs   BlobStore
	cache   *cache.Cache
	trash   trash.Queue
	logger  *slog.Logger
	metrics *Metrics
	events  Notifier
	cfg     config.DeployConfig
	now     func() time.Time

	activations *singleflight.Group
}

// New returns a deploy engine. Zero concurrency and TTL settings in cfg fall
// back to the defaults.
func New(store repository.Store, files FileStore, blobs BlobStore, infoCache *cache.Cache, queue trash.Queue, logger *slog.Logger, metrics *Metrics, cfg config.DeployConfig) Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ArchiveConcurrency <= 0 {
		cfg.ArchiveConcurrency = defaultArchiveConcurrency
	}
	if cfg.MaterializeConcurrency <= 0 {
		cfg.MaterializeConcurrency = defaultMaterializeConcurrency
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	return Engine{
		store:   store,
		files:   files,
		blobs:   blobs,
		cache:   infoCache,
		trash:   queue,
		logger:  logger,
		metrics: metrics,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },

		activations: &singleflight.Group{},
	}
}

// Outcome says what activation did with a deploy.
type Outcome string

// Activation outcomes. Superseded and branch-gone deploys finished
// successfully but were discarded instead of served.
const (
	OutcomeActivated  Outcome = "activated"
	OutcomeSuperseded Outcome = "superseded"
	OutcomeBranchGone Outcome = "branch_gone"
)

// Result describes a finished deploy.
type Result struct {
	DeployID string        `json:"deployId"`
	Number   int           `json:"number"`
	Path     string        `json:"path"`
	URL      string        `json:"url"`
	Outcome  Outcome       `json:"outcome"`
	Duration time.Duration `json:"duration"`
}

// Served reports whether the deploy became the branch's active deploy.
func (r Result) Served() bool {
	return r.Outcome == OutcomeActivated
}

func (e Engine) publicURL(orgSlug, gameSlug, branchSlug string) string {
	base := strings.TrimRight(e.cfg.PublicURL, "/")
	return base + "/" + orgSlug + "/" + gameSlug + "/" + branchSlug + "/"
}
