package repository

import (
	"context"

	"github.com/vague-archive/cloud-platform-sub000/internal/domain"
)

// CatalogRepository reads the organizations and games deploys belong to.
type CatalogRepository interface {
	GetOrganizationByID(ctx context.Context, id string) (*domain.Organization, error)
	GetOrganizationBySlug(ctx context.Context, slug string) (*domain.Organization, error)
	GetGameByID(ctx context.Context, id string) (*domain.Game, error)
	GetGameBySlug(ctx context.Context, organizationID, slug string) (*domain.Game, error)
}

// CatalogWriter seeds organizations and games. Administration lives outside
// the deploy engine; this exists for tooling and tests.
type CatalogWriter interface {
	CreateOrganization(ctx context.Context, org *domain.Organization) error
	CreateGame(ctx context.Context, game *domain.Game) error
}

// BranchRepository persists branches and their deploy pointers.
type BranchRepository interface {
	GetBranchByID(ctx context.Context, id string) (*domain.Branch, error)
	GetBranchBySlug(ctx context.Context, gameID, slug string) (*domain.Branch, error)
	// CreateBranch returns ErrConflict when the slug is already taken in the game.
	CreateBranch(ctx context.Context, branch *domain.Branch) error
	SetLatestDeploy(ctx context.Context, branchID, deployID string) error
	SetActiveDeploy(ctx context.Context, branchID string, deployID *string) error
	DeleteBranch(ctx context.Context, branchID string) error
}

// DeployRepository persists deploy rows. Soft-deleted rows stay readable.
type DeployRepository interface {
	GetDeployByID(ctx context.Context, id string) (*domain.Deploy, error)
	CreateDeploy(ctx context.Context, deploy *domain.Deploy) error
	UpdateDeploy(ctx context.Context, deploy *domain.Deploy) error
	ListLiveDeploysByBranch(ctx context.Context, branchID string) ([]domain.Deploy, error)
	// HighestDeployNumber returns the largest number among the game's deploys
	// stored under pathPrefix, deleted or not, or 0 when there are none.
	HighestDeployNumber(ctx context.Context, gameID, pathPrefix string) (int, error)
}

// Queries is everything the deploy engine reads or writes.
type Queries interface {
	CatalogRepository
	BranchRepository
	DeployRepository
}

// Store runs queries, optionally inside a transaction.
type Store interface {
	Queries
	// WithinTx runs fn with consistent reads of the rows reachable from scope.
	// Transactions sharing a scope key are serialized. fn's queries are
	// committed when it returns nil and rolled back otherwise.
	WithinTx(ctx context.Context, scope string, fn func(ctx context.Context, q Queries) error) error
}

// GameScope is the transaction scope covering a game and all of its branches.
func GameScope(gameID string) string {
	return "game:" + gameID
}
