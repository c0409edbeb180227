package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/vague-archive/cloud-platform-sub000/internal/domain"
	"github.com/vague-archive/cloud-platform-sub000/internal/repository"
	"github.com/vague-archive/cloud-platform-sub000/internal/storage"
)

const (
	pipelineIncremental = "incremental"
	// ManifestFile is stored at the root of every incremental deploy.
	ManifestFile = ".deploy-manifest.json"
)

// BeginCommand opens an incremental deploy for a manifest.
type BeginCommand struct {
	Target
	Manifest []domain.DeployAsset
}

// BeginResult lists the assets the client still has to upload.
type BeginResult struct {
	DeployID string               `json:"deployId"`
	Number   int                  `json:"number"`
	Path     string               `json:"path"`
	Missing  []domain.DeployAsset `json:"missing"`
}

// UploadCommand stores one asset of an incremental deploy.
type UploadCommand struct {
	DeployID    string
	Digest      string
	ContentType string
	Body        io.Reader
}

// ActivateCommand materializes and activates an incremental deploy.
type ActivateCommand struct {
	DeployID string
	// Concurrency bounds parallel blob copies; zero uses the configured default.
	Concurrency int
}

// BeginIncremental starts a deploy, stores its manifest and returns the
// manifest entries whose content is not yet in the blob store. The branch's
// active deploy is left alone.
func (e Engine) BeginIncremental(ctx context.Context, cmd BeginCommand) (*BeginResult, error) {
	if err := cmd.Target.normalize(); err != nil {
		return nil, err
	}
	digests, err := validateManifest(cmd.Manifest)
	if err != nil {
		return nil, err
	}
	s, err := e.startDeploy(ctx, cmd.Target)
	if err != nil {
		return nil, err
	}

	manifest, err := json.Marshal(cmd.Manifest)
	if err != nil {
		return nil, e.failDeploy(ctx, pipelineIncremental, s, fmt.Errorf("encode manifest: %w", err))
	}
	if err := e.files.SaveBytes(ctx, manifestKey(s.deploy.Path), manifest); err != nil {
		return nil, e.failDeploy(ctx, pipelineIncremental, s, fmt.Errorf("save manifest: %w", err))
	}
	existing, err := e.blobs.ExistingDigests(ctx, digests)
	if err != nil {
		return nil, e.failDeploy(ctx, pipelineIncremental, s, fmt.Errorf("check existing assets: %w", err))
	}

	missing := make([]domain.DeployAsset, 0, len(cmd.Manifest))
	for _, asset := range cmd.Manifest {
		if _, ok := existing[digest.Digest(asset.Digest)]; !ok {
			missing = append(missing, asset)
		}
	}
	e.logger.Info("incremental deploy begun",
		"deploy_id", s.deploy.ID,
		"assets", len(cmd.Manifest),
		"missing", len(missing),
	)
	return &BeginResult{
		DeployID: s.deploy.ID,
		Number:   s.deploy.Number,
		Path:     s.deploy.Path,
		Missing:  missing,
	}, nil
}

// UploadAsset stores content for a deploy that is still in progress. The
// blob store is shared, so the content may already exist; the returned object
// says so.
func (e Engine) UploadAsset(ctx context.Context, cmd UploadCommand) (*storage.BlobObject, error) {
	if strings.TrimSpace(cmd.DeployID) == "" {
		return nil, invalid("deployId", "required")
	}
	if cmd.Body == nil {
		return nil, invalid("body", "required")
	}
	var expected digest.Digest
	if cmd.Digest != "" {
		d, err := parseDigest(cmd.Digest)
		if err != nil {
			return nil, invalid("digest", "%v", err)
		}
		expected = d
	}
	deploy, err := e.store.GetDeployByID(ctx, cmd.DeployID)
	if err != nil {
		return nil, fmt.Errorf("deploy %s: %w", cmd.DeployID, err)
	}
	if err := guardDeploying(deploy); err != nil {
		return nil, err
	}

	obj, err := e.blobs.UploadIfAbsent(ctx, cmd.Body, cmd.ContentType, expected)
	if err != nil {
		if errors.Is(err, storage.ErrDigestMismatch) {
			return nil, invalid("digest", "%v", err)
		}
		return nil, err
	}
	e.metrics.observeUpload(obj.Existed)
	e.logger.Debug("asset uploaded", "deploy_id", deploy.ID, "digest", obj.Digest, "existed", obj.Existed)
	return obj, nil
}

// ActivateIncremental copies every manifest entry from the blob store into
// the deploy path and activates the deploy. Concurrent calls for the same
// deploy on one engine share a single activation and its result.
func (e Engine) ActivateIncremental(ctx context.Context, cmd ActivateCommand) (*Result, error) {
	if strings.TrimSpace(cmd.DeployID) == "" {
		return nil, invalid("deployId", "required")
	}
	if cmd.Concurrency < 0 {
		return nil, invalid("concurrency", "must not be negative")
	}
	if e.activations == nil {
		return e.activateIncremental(ctx, cmd)
	}
	v, err, _ := e.activations.Do(cmd.DeployID, func() (any, error) {
		return e.activateIncremental(ctx, cmd)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (e Engine) activateIncremental(ctx context.Context, cmd ActivateCommand) (*Result, error) {
	deploy, err := e.store.GetDeployByID(ctx, cmd.DeployID)
	if err != nil {
		return nil, fmt.Errorf("deploy %s: %w", cmd.DeployID, err)
	}
	if err := guardDeploying(deploy); err != nil {
		return nil, err
	}
	s, err := e.resume(ctx, deploy)
	if err != nil {
		return nil, err
	}

	data, err := e.files.LoadBytes(ctx, manifestKey(deploy.Path))
	if err != nil {
		return nil, e.failDeploy(ctx, pipelineIncremental, s, fmt.Errorf("load manifest: %w", err))
	}
	var manifest []domain.DeployAsset
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, e.failDeploy(ctx, pipelineIncremental, s, fmt.Errorf("decode manifest: %w", err))
	}

	concurrency := cmd.Concurrency
	if concurrency == 0 {
		concurrency = e.cfg.MaterializeConcurrency
	}
	if err := e.materialize(ctx, manifest, deploy.Path, concurrency); err != nil {
		return nil, e.failDeploy(ctx, pipelineIncremental, s, err)
	}
	e.metrics.addFiles(pipelineIncremental, len(manifest))
	return e.finish(ctx, pipelineIncremental, s)
}

// resume rebuilds the start context of an existing deploy.
func (e Engine) resume(ctx context.Context, deploy *domain.Deploy) (*started, error) {
	org, err := e.store.GetOrganizationByID(ctx, deploy.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("organization %s: %w", deploy.OrganizationID, err)
	}
	game, err := e.store.GetGameByID(ctx, deploy.GameID)
	if err != nil {
		return nil, fmt.Errorf("game %s: %w", deploy.GameID, err)
	}
	branch, err := e.store.GetBranchByID(ctx, deploy.BranchID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		// activation will discard the deploy; keep the slug for reporting.
		branch = &domain.Branch{ID: deploy.BranchID, Slug: branchSlugFromPath(deploy.Path)}
	case err != nil:
		return nil, fmt.Errorf("branch %s: %w", deploy.BranchID, err)
	}
	return &started{org: *org, game: *game, branch: *branch, deploy: *deploy, startAt: deploy.CreatedOn}, nil
}

// materialize copies blobs into root with at most concurrency copies in flight.
func (e Engine) materialize(ctx context.Context, manifest []domain.DeployAsset, root string, concurrency int) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, asset := range manifest {
		g.Go(func() error {
			return e.copyAsset(gctx, asset, root)
		})
	}
	return g.Wait()
}

func (e Engine) copyAsset(ctx context.Context, asset domain.DeployAsset, root string) error {
	d, err := digest.Parse(asset.Digest)
	if err != nil {
		return fmt.Errorf("asset %s: %w", asset.Path, err)
	}
	key, err := storage.JoinKey(root, asset.Path)
	if err != nil {
		return err
	}
	r, err := e.blobs.Open(ctx, d)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("asset %s (%s) was never uploaded", asset.Path, d)
		}
		return fmt.Errorf("open asset %s: %w", asset.Path, err)
	}
	defer r.Close()

	counted := &countingReader{r: r}
	if err := e.files.Save(ctx, key, counted); err != nil {
		return err
	}
	if counted.n != asset.ContentLength {
		return fmt.Errorf("asset %s: expected %d bytes, stored %d", asset.Path, asset.ContentLength, counted.n)
	}
	return nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func validateManifest(manifest []domain.DeployAsset) ([]digest.Digest, error) {
	if len(manifest) == 0 {
		return nil, invalid("manifest", "must list at least one asset")
	}
	paths := make(map[string]struct{}, len(manifest))
	digests := make([]digest.Digest, 0, len(manifest))
	for i, asset := range manifest {
		field := fmt.Sprintf("manifest[%d]", i)
		cleaned, err := storage.JoinKey("", asset.Path)
		if err != nil || cleaned != asset.Path {
			return nil, invalid(field+".path", "%q is not a clean relative path", asset.Path)
		}
		if cleaned == ManifestFile {
			return nil, invalid(field+".path", "%q is reserved", asset.Path)
		}
		if _, dup := paths[cleaned]; dup {
			return nil, invalid(field+".path", "%q is listed twice", asset.Path)
		}
		paths[cleaned] = struct{}{}
		d, err := parseDigest(asset.Digest)
		if err != nil {
			return nil, invalid(field+".digest", "%v", err)
		}
		if asset.ContentLength < 0 {
			return nil, invalid(field+".contentLength", "must not be negative")
		}
		digests = append(digests, d)
	}
	return digests, nil
}

// parseDigest accepts only the algorithm the blob store addresses content by.
func parseDigest(raw string) (digest.Digest, error) {
	d, err := digest.Parse(raw)
	if err != nil {
		return "", err
	}
	if d.Algorithm() != digest.Canonical {
		return "", fmt.Errorf("unsupported digest algorithm %s, want %s", d.Algorithm(), digest.Canonical)
	}
	return d, nil
}

func manifestKey(root string) string {
	return root + "/" + ManifestFile
}

func branchSlugFromPath(path string) string {
	parts := strings.Split(path, "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[len(parts)-2]
}
