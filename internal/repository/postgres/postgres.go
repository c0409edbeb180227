package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vague-archive/cloud-platform-sub000/internal/domain"
	"github.com/vague-archive/cloud-platform-sub000/internal/repository"
)

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
	q    querier
	inTx bool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, q: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.Store         = (*Repository)(nil)
	_ repository.CatalogWriter = (*Repository)(nil)
)

// WithinTx opens a transaction, takes a transaction-level advisory lock on the
// scope key and runs fn against it. Nested calls reuse the open transaction.
func (r *Repository) WithinTx(ctx context.Context, scope string, fn func(ctx context.Context, q repository.Queries) error) error {
	if r.inTx {
		if _, err := r.q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, scope); err != nil {
			return fmt.Errorf("lock scope %s: %w", scope, err)
		}
		return fn(ctx, r)
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, scope); err != nil {
		return fmt.Errorf("lock scope %s: %w", scope, err)
	}
	if err := fn(ctx, &Repository{pool: r.pool, q: tx, inTx: true}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// CreateOrganization inserts an organization.
func (r *Repository) CreateOrganization(ctx context.Context, org *domain.Organization) error {
	const query = `INSERT INTO organizations (id, slug, name, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING RETURNING id`
	var id string
	if err := r.q.QueryRow(ctx, query, org.ID, org.Slug, org.Name, org.CreatedAt).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrConflict
		}
		return err
	}
	return nil
}

// CreateGame inserts a game.
func (r *Repository) CreateGame(ctx context.Context, game *domain.Game) error {
	const query = `INSERT INTO games (id, organization_id, slug, name, purpose, created_at) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING RETURNING id`
	var id string
	if err := r.q.QueryRow(ctx, query, game.ID, game.OrganizationID, game.Slug, game.Name, game.Purpose, game.CreatedAt).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrConflict
		}
		return err
	}
	return nil
}

// GetOrganizationByID fetches an organization.
func (r *Repository) GetOrganizationByID(ctx context.Context, id string) (*domain.Organization, error) {
	const query = `SELECT id, slug, name, created_at FROM organizations WHERE id = $1`
	return r.scanOrganization(r.q.QueryRow(ctx, query, id))
}

// GetOrganizationBySlug fetches an organization by its slug.
func (r *Repository) GetOrganizationBySlug(ctx context.Context, slug string) (*domain.Organization, error) {
	const query = `SELECT id, slug, name, created_at FROM organizations WHERE lower(slug) = lower($1)`
	return r.scanOrganization(r.q.QueryRow(ctx, query, slug))
}

func (r *Repository) scanOrganization(row pgx.Row) (*domain.Organization, error) {
	var org domain.Organization
	if err := row.Scan(&org.ID, &org.Slug, &org.Name, &org.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &org, nil
}

// GetGameByID fetches a game.
func (r *Repository) GetGameByID(ctx context.Context, id string) (*domain.Game, error) {
	const query = `SELECT id, organization_id, slug, name, purpose, created_at FROM games WHERE id = $1`
	return r.scanGame(r.q.QueryRow(ctx, query, id))
}

// GetGameBySlug fetches a game by slug within an organization.
func (r *Repository) GetGameBySlug(ctx context.Context, organizationID, slug string) (*domain.Game, error) {
	const query = `SELECT id, organization_id, slug, name, purpose, created_at
		FROM games WHERE organization_id = $1 AND lower(slug) = lower($2)`
	return r.scanGame(r.q.QueryRow(ctx, query, organizationID, slug))
}

func (r *Repository) scanGame(row pgx.Row) (*domain.Game, error) {
	var game domain.Game
	if err := row.Scan(&game.ID, &game.OrganizationID, &game.Slug, &game.Name, &game.Purpose, &game.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &game, nil
}

const branchColumns = `id, organization_id, game_id, slug, active_deploy_id, latest_deploy_id, is_pinned, encrypted_password, created_at, updated_at`

// GetBranchByID fetches a branch.
func (r *Repository) GetBranchByID(ctx context.Context, id string) (*domain.Branch, error) {
	query := `SELECT ` + branchColumns + ` FROM branches WHERE id = $1`
	return r.scanBranch(r.q.QueryRow(ctx, query, id))
}

// GetBranchBySlug fetches a branch by its case-insensitive slug.
func (r *Repository) GetBranchBySlug(ctx context.Context, gameID, slug string) (*domain.Branch, error) {
	query := `SELECT ` + branchColumns + ` FROM branches WHERE game_id = $1 AND lower(slug) = lower($2)`
	return r.scanBranch(r.q.QueryRow(ctx, query, gameID, slug))
}

func (r *Repository) scanBranch(row pgx.Row) (*domain.Branch, error) {
	var b domain.Branch
	if err := row.Scan(&b.ID, &b.OrganizationID, &b.GameID, &b.Slug, &b.ActiveDeployID, &b.LatestDeployID, &b.IsPinned, &b.EncryptedPassword, &b.CreatedAt, &b.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

// CreateBranch inserts a branch, reporting ErrConflict on a duplicate slug.
func (r *Repository) CreateBranch(ctx context.Context, branch *domain.Branch) error {
	const query = `INSERT INTO branches (id, organization_id, game_id, slug, is_pinned, encrypted_password, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING RETURNING id`
	var id string
	err := r.q.QueryRow(ctx, query,
		branch.ID,
		branch.OrganizationID,
		branch.GameID,
		branch.Slug,
		branch.IsPinned,
		branch.EncryptedPassword,
		branch.CreatedAt,
		branch.UpdatedAt,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrConflict
		}
		return err
	}
	return nil
}

// SetLatestDeploy moves the branch's latest pointer.
func (r *Repository) SetLatestDeploy(ctx context.Context, branchID, deployID string) error {
	const query = `UPDATE branches SET latest_deploy_id = $2, updated_at = $3 WHERE id = $1`
	return r.execOne(ctx, query, branchID, deployID, time.Now().UTC())
}

// SetActiveDeploy moves the branch's active pointer.
func (r *Repository) SetActiveDeploy(ctx context.Context, branchID string, deployID *string) error {
	const query = `UPDATE branches SET active_deploy_id = $2, updated_at = $3 WHERE id = $1`
	return r.execOne(ctx, query, branchID, deployID, time.Now().UTC())
}

// DeleteBranch removes a branch row. Deploy rows keep their branch_id for audit.
func (r *Repository) DeleteBranch(ctx context.Context, branchID string) error {
	return r.execOne(ctx, `DELETE FROM branches WHERE id = $1`, branchID)
}

const deployColumns = `id, organization_id, game_id, branch_id, number, path, state, error, deployed_by,
	created_on, deploying_on, deployed_on, failed_on, updated_on, deleted_on, deleted_reason`

// GetDeployByID fetches a deploy, including soft-deleted rows.
func (r *Repository) GetDeployByID(ctx context.Context, id string) (*domain.Deploy, error) {
	query := `SELECT ` + deployColumns + ` FROM deploys WHERE id = $1`
	d, err := scanDeploy(r.q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

// ListLiveDeploysByBranch returns deploys of a branch that are not soft-deleted.
func (r *Repository) ListLiveDeploysByBranch(ctx context.Context, branchID string) ([]domain.Deploy, error) {
	query := `SELECT ` + deployColumns + ` FROM deploys
		WHERE branch_id = $1 AND deleted_on IS NULL ORDER BY number`
	rows, err := r.q.Query(ctx, query, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deploys := make([]domain.Deploy, 0)
	for rows.Next() {
		d, err := scanDeploy(rows)
		if err != nil {
			return nil, err
		}
		deploys = append(deploys, *d)
	}
	return deploys, rows.Err()
}

// HighestDeployNumber looks across every branch that ever used pathPrefix.
func (r *Repository) HighestDeployNumber(ctx context.Context, gameID, pathPrefix string) (int, error) {
	const query = `SELECT COALESCE(MAX(number), 0) FROM deploys
		WHERE game_id = $1 AND left(path, length($2) + 1) = $2 || '/'`
	var number int
	if err := r.q.QueryRow(ctx, query, gameID, strings.TrimRight(pathPrefix, "/")).Scan(&number); err != nil {
		return 0, err
	}
	return number, nil
}

func scanDeploy(row pgx.Row) (*domain.Deploy, error) {
	var d domain.Deploy
	var state string
	if err := row.Scan(
		&d.ID,
		&d.OrganizationID,
		&d.GameID,
		&d.BranchID,
		&d.Number,
		&d.Path,
		&state,
		&d.Error,
		&d.DeployedBy,
		&d.CreatedOn,
		&d.DeployingOn,
		&d.DeployedOn,
		&d.FailedOn,
		&d.UpdatedOn,
		&d.DeletedOn,
		&d.DeletedReason,
	); err != nil {
		return nil, err
	}
	d.State = domain.DeployState(state)
	return &d, nil
}

// CreateDeploy inserts a deploy.
func (r *Repository) CreateDeploy(ctx context.Context, deploy *domain.Deploy) error {
	const query = `INSERT INTO deploys (id, organization_id, game_id, branch_id, number, path, state, error, deployed_by,
			created_on, deploying_on, deployed_on, failed_on, updated_on, deleted_on, deleted_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT DO NOTHING RETURNING id`
	var id string
	err := r.q.QueryRow(ctx, query,
		deploy.ID,
		deploy.OrganizationID,
		deploy.GameID,
		deploy.BranchID,
		deploy.Number,
		deploy.Path,
		string(deploy.State),
		deploy.Error,
		deploy.DeployedBy,
		deploy.CreatedOn,
		deploy.DeployingOn,
		deploy.DeployedOn,
		deploy.FailedOn,
		deploy.UpdatedOn,
		deploy.DeletedOn,
		deploy.DeletedReason,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrConflict
		}
		return err
	}
	return nil
}

// UpdateDeploy persists the mutable columns of a deploy.
func (r *Repository) UpdateDeploy(ctx context.Context, deploy *domain.Deploy) error {
	const query = `UPDATE deploys
		SET state = $2,
			error = $3,
			deploying_on = $4,
			deployed_on = $5,
			failed_on = $6,
			updated_on = $7,
			deleted_on = $8,
			deleted_reason = $9
		WHERE id = $1`
	return r.execOne(ctx, query,
		deploy.ID,
		string(deploy.State),
		deploy.Error,
		deploy.DeployingOn,
		deploy.DeployedOn,
		deploy.FailedOn,
		deploy.UpdatedOn,
		deploy.DeletedOn,
		deploy.DeletedReason,
	)
}

func (r *Repository) execOne(ctx context.Context, query string, args ...any) error {
	tag, err := r.q.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}
