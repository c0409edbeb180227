package deploy

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vague-archive/cloud-platform-sub000/internal/domain"
	"github.com/vague-archive/cloud-platform-sub000/internal/repository"
	"github.com/vague-archive/cloud-platform-sub000/pkg/crypto"
)

const maxSlugLength = 64

var slugPattern = regexp.MustCompile(`^[a-z0-9]+([-_.][a-z0-9]+)*$`)

// Target identifies the branch a deploy is headed for.
type Target struct {
	Organization string
	Game         string
	Branch       string
	// Password is applied only when the branch is created by this deploy.
	Password   string
	DeployedBy string
}

// NormalizeSlug trims and lower-cases a slug.
func NormalizeSlug(slug string) string {
	return strings.ToLower(strings.TrimSpace(slug))
}

func (t *Target) normalize() error {
	t.Organization = strings.TrimSpace(t.Organization)
	t.Game = strings.TrimSpace(t.Game)
	t.Branch = NormalizeSlug(t.Branch)
	t.DeployedBy = strings.TrimSpace(t.DeployedBy)
	if t.Organization == "" {
		return invalid("organization", "required")
	}
	if t.Game == "" {
		return invalid("game", "required")
	}
	return validateBranchSlug(t.Branch)
}

func validateBranchSlug(slug string) error {
	switch {
	case slug == "":
		return invalid("branch", "required")
	case len(slug) > maxSlugLength:
		return invalid("branch", "must be at most %d characters", maxSlugLength)
	case !slugPattern.MatchString(slug):
		return invalid("branch", "%q may only contain lowercase letters, digits and single separators", slug)
	}
	return nil
}

// started is a deploy row in the Deploying state together with the records
// it was created under.
type started struct {
	org     domain.Organization
	game    domain.Game
	branch  domain.Branch
	deploy  domain.Deploy
	startAt time.Time
}

func (s *started) result(outcome Outcome, url string, now time.Time) *Result {
	return &Result{
		DeployID: s.deploy.ID,
		Number:   s.deploy.Number,
		Path:     s.deploy.Path,
		URL:      url,
		Outcome:  outcome,
		Duration: now.Sub(s.startAt),
	}
}

func (e Engine) failure(s *started, cause error) *FailedError {
	return &FailedError{
		Organization: s.org.Slug,
		Game:         s.game.Slug,
		Branch:       s.branch.Slug,
		Path:         s.deploy.Path,
		Duration:     e.now().Sub(s.startAt),
		Err:          cause,
	}
}

// startDeploy creates the branch when needed, then a numbered deploy in the
// Deploying state, and points the branch's latest pointer at it. Everything
// happens in one game-scoped transaction before any file is written.
func (e Engine) startDeploy(ctx context.Context, t Target) (*started, error) {
	org, err := e.store.GetOrganizationBySlug(ctx, t.Organization)
	if err != nil {
		return nil, fmt.Errorf("organization %s: %w", t.Organization, err)
	}
	game, err := e.store.GetGameBySlug(ctx, org.ID, t.Game)
	if err != nil {
		return nil, fmt.Errorf("game %s/%s: %w", t.Organization, t.Game, err)
	}
	s := &started{org: *org, game: *game, startAt: e.now()}

	err = e.store.WithinTx(ctx, repository.GameScope(game.ID), func(ctx context.Context, q repository.Queries) error {
		branch, created, err := e.findOrCreateBranch(ctx, q, s, t)
		if err != nil {
			return err
		}

		number := 0
		if branch.LatestDeployID != nil {
			latest, err := q.GetDeployByID(ctx, *branch.LatestDeployID)
			if err != nil {
				return fmt.Errorf("load latest deploy: %w", err)
			}
			number = latest.Number
		} else if created {
			// a recreated slug must not reuse the paths of its predecessor.
			number, err = q.HighestDeployNumber(ctx, game.ID, domain.BranchPath(org.ID, game.ID, branch.Slug))
			if err != nil {
				return fmt.Errorf("load deploy numbers: %w", err)
			}
		}
		number++

		now := e.now()
		deploy := domain.Deploy{
			ID:             uuid.NewString(),
			OrganizationID: org.ID,
			GameID:         game.ID,
			BranchID:       branch.ID,
			Number:         number,
			Path:           domain.DeployPath(org.ID, game.ID, branch.Slug, number),
			State:          domain.DeployStateDeploying,
			DeployedBy:     t.DeployedBy,
			CreatedOn:      now,
			DeployingOn:    &now,
			UpdatedOn:      now,
		}
		if err := q.CreateDeploy(ctx, &deploy); err != nil {
			return fmt.Errorf("create deploy %d: %w", number, err)
		}
		if err := q.SetLatestDeploy(ctx, branch.ID, deploy.ID); err != nil {
			return fmt.Errorf("set latest deploy: %w", err)
		}
		branch.LatestDeployID = &deploy.ID
		s.branch = *branch
		s.deploy = deploy
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("deploy started",
		"deploy_id", s.deploy.ID,
		"organization", s.org.Slug,
		"game", s.game.Slug,
		"branch", s.branch.Slug,
		"number", s.deploy.Number,
		"path", s.deploy.Path,
	)
	return s, nil
}

func (e Engine) findOrCreateBranch(ctx context.Context, q repository.Queries, s *started, t Target) (*domain.Branch, bool, error) {
	branch, err := q.GetBranchBySlug(ctx, s.game.ID, t.Branch)
	if err == nil {
		return branch, false, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, false, fmt.Errorf("load branch: %w", err)
	}

	now := e.now()
	branch = &domain.Branch{
		ID:             uuid.NewString(),
		OrganizationID: s.org.ID,
		GameID:         s.game.ID,
		Slug:           t.Branch,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if t.Password != "" {
		encrypted, err := crypto.Seal(e.cfg.PasswordSecret, t.Password)
		if err != nil {
			return nil, false, fmt.Errorf("encrypt branch password: %w", err)
		}
		branch.EncryptedPassword = encrypted
	}
	if err := q.CreateBranch(ctx, branch); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, false, invalid("branch", "%q is already taken", t.Branch)
		}
		return nil, false, fmt.Errorf("create branch: %w", err)
	}
	return branch, true, nil
}
