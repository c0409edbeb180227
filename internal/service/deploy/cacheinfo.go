package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/vague-archive/cloud-platform-sub000/internal/cache"
	"github.com/vague-archive/cloud-platform-sub000/internal/domain"
	"github.com/vague-archive/cloud-platform-sub000/internal/repository"
)

func deployInfoKey(orgSlug, gameSlug, branchSlug string) string {
	return "deployinfo:" + strings.ToLower(orgSlug) + ":" + strings.ToLower(gameSlug) + ":" + strings.ToLower(branchSlug)
}

// GetCachedDeployInfo returns the active deploy of a branch for the serving
// path. A nil result means there is nothing to serve; that answer is cached
// like any other until the TTL expires or the next activation overwrites it.
func (e Engine) GetCachedDeployInfo(ctx context.Context, orgSlug, gameSlug, branchSlug string) (*domain.CachedDeployInfo, error) {
	key := deployInfoKey(orgSlug, gameSlug, branchSlug)
	load := func(ctx context.Context) (*domain.CachedDeployInfo, error) {
		return e.loadDeployInfo(ctx, orgSlug, gameSlug, branchSlug)
	}
	if e.cache == nil {
		return load(ctx)
	}
	return cache.GetOrSet(ctx, e.cache, key, e.cfg.CacheTTL, load)
}

func (e Engine) loadDeployInfo(ctx context.Context, orgSlug, gameSlug, branchSlug string) (*domain.CachedDeployInfo, error) {
	org, err := e.store.GetOrganizationBySlug(ctx, orgSlug)
	if err != nil {
		return absent(err)
	}
	game, err := e.store.GetGameBySlug(ctx, org.ID, gameSlug)
	if err != nil {
		return absent(err)
	}
	branch, err := e.store.GetBranchBySlug(ctx, game.ID, NormalizeSlug(branchSlug))
	if err != nil {
		return absent(err)
	}
	if !branch.HasActiveDeploy() {
		return nil, nil
	}
	deploy, err := e.store.GetDeployByID(ctx, *branch.ActiveDeployID)
	if err != nil {
		return absent(err)
	}
	return &domain.CachedDeployInfo{Purpose: game.Purpose, FilePath: deploy.Path}, nil
}

func absent(err error) (*domain.CachedDeployInfo, error) {
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	return nil, fmt.Errorf("load deploy info: %w", err)
}

// writeThrough publishes a freshly activated deploy to the cache.
func (e Engine) writeThrough(ctx context.Context, q repository.CatalogRepository, deploy domain.Deploy, branch *domain.Branch) {
	if e.cache == nil || branch == nil {
		return
	}
	org, err := q.GetOrganizationByID(ctx, deploy.OrganizationID)
	if err != nil {
		e.logger.Warn("deploy info write-through skipped", "deploy_id", deploy.ID, "error", err)
		return
	}
	game, err := q.GetGameByID(ctx, deploy.GameID)
	if err != nil {
		e.logger.Warn("deploy info write-through skipped", "deploy_id", deploy.ID, "error", err)
		return
	}
	info := &domain.CachedDeployInfo{Purpose: game.Purpose, FilePath: deploy.Path}
	key := deployInfoKey(org.Slug, game.Slug, branch.Slug)
	if err := cache.Set(ctx, e.cache, key, info, e.cfg.CacheTTL); err != nil {
		e.logger.Warn("deploy info write-through failed", "key", key, "error", err)
	}
}
