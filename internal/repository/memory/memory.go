// Package memory provides an in-process implementation of the repository
// interfaces. Transactions are serialized per scope key and rolled back with
// an undo journal, which makes it suitable for tests and single-node
// development setups.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vague-archive/cloud-platform-sub000/internal/domain"
	"github.com/vague-archive/cloud-platform-sub000/internal/repository"
)

type store struct {
	mu       sync.Mutex
	orgs     map[string]domain.Organization
	games    map[string]domain.Game
	branches map[string]domain.Branch
	deploys  map[string]domain.Deploy

	scopeMu sync.Mutex
	scopes  map[string]*sync.Mutex
}

type journal struct {
	undo []func()
	held map[string]*sync.Mutex
	// order preserves acquisition order so locks are released in reverse.
	order []string
}

// Repository is an in-memory repository.Store.
type Repository struct {
	*store
	tx *journal
}

var (
	_ repository.Store         = (*Repository)(nil)
	_ repository.CatalogWriter = (*Repository)(nil)
)

// New returns an empty repository.
func New() *Repository {
	return &Repository{store: &store{
		orgs:     make(map[string]domain.Organization),
		games:    make(map[string]domain.Game),
		branches: make(map[string]domain.Branch),
		deploys:  make(map[string]domain.Deploy),
		scopes:   make(map[string]*sync.Mutex),
	}}
}

func (s *store) scopeLock(scope string) *sync.Mutex {
	s.scopeMu.Lock()
	defer s.scopeMu.Unlock()
	l, ok := s.scopes[scope]
	if !ok {
		l = &sync.Mutex{}
		s.scopes[scope] = l
	}
	return l
}

// WithinTx serializes fn against other transactions on the same scope and
// reverts its writes when fn fails.
func (r *Repository) WithinTx(ctx context.Context, scope string, fn func(ctx context.Context, q repository.Queries) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.tx != nil {
		if _, ok := r.tx.held[scope]; !ok {
			l := r.scopeLock(scope)
			l.Lock()
			r.tx.held[scope] = l
			r.tx.order = append(r.tx.order, scope)
		}
		return fn(ctx, r)
	}

	j := &journal{held: make(map[string]*sync.Mutex)}
	l := r.scopeLock(scope)
	l.Lock()
	j.held[scope] = l
	j.order = append(j.order, scope)
	defer func() {
		for i := len(j.order) - 1; i >= 0; i-- {
			j.held[j.order[i]].Unlock()
		}
	}()

	err := fn(ctx, &Repository{store: r.store, tx: j})
	if err != nil {
		r.mu.Lock()
		for i := len(j.undo) - 1; i >= 0; i-- {
			j.undo[i]()
		}
		r.mu.Unlock()
	}
	return err
}

// record must be called with mu held.
func (r *Repository) record(undo func()) {
	if r.tx != nil {
		r.tx.undo = append(r.tx.undo, undo)
	}
}

// CreateOrganization stores an organization.
func (r *Repository) CreateOrganization(_ context.Context, org *domain.Organization) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.orgs {
		if existing.ID == org.ID || strings.EqualFold(existing.Slug, org.Slug) {
			return repository.ErrConflict
		}
	}
	r.orgs[org.ID] = *org
	id := org.ID
	r.record(func() { delete(r.orgs, id) })
	return nil
}

// CreateGame stores a game.
func (r *Repository) CreateGame(_ context.Context, game *domain.Game) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.games {
		if existing.ID == game.ID || (existing.OrganizationID == game.OrganizationID && strings.EqualFold(existing.Slug, game.Slug)) {
			return repository.ErrConflict
		}
	}
	r.games[game.ID] = *game
	id := game.ID
	r.record(func() { delete(r.games, id) })
	return nil
}

// GetOrganizationByID fetches an organization.
func (r *Repository) GetOrganizationByID(_ context.Context, id string) (*domain.Organization, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	org, ok := r.orgs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &org, nil
}

// GetOrganizationBySlug fetches an organization by slug.
func (r *Repository) GetOrganizationBySlug(_ context.Context, slug string) (*domain.Organization, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, org := range r.orgs {
		if strings.EqualFold(org.Slug, slug) {
			found := org
			return &found, nil
		}
	}
	return nil, repository.ErrNotFound
}

// GetGameByID fetches a game.
func (r *Repository) GetGameByID(_ context.Context, id string) (*domain.Game, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	game, ok := r.games[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &game, nil
}

// GetGameBySlug fetches a game by slug within an organization.
func (r *Repository) GetGameBySlug(_ context.Context, organizationID, slug string) (*domain.Game, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, game := range r.games {
		if game.OrganizationID == organizationID && strings.EqualFold(game.Slug, slug) {
			found := game
			return &found, nil
		}
	}
	return nil, repository.ErrNotFound
}

// GetBranchByID fetches a branch.
func (r *Repository) GetBranchByID(_ context.Context, id string) (*domain.Branch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	branch, ok := r.branches[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &branch, nil
}

// GetBranchBySlug fetches a branch by case-insensitive slug.
func (r *Repository) GetBranchBySlug(_ context.Context, gameID, slug string) (*domain.Branch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, branch := range r.branches {
		if branch.GameID == gameID && strings.EqualFold(branch.Slug, slug) {
			found := branch
			return &found, nil
		}
	}
	return nil, repository.ErrNotFound
}

// CreateBranch stores a branch or reports ErrConflict on a duplicate slug.
func (r *Repository) CreateBranch(_ context.Context, branch *domain.Branch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.branches {
		if existing.ID == branch.ID || (existing.GameID == branch.GameID && strings.EqualFold(existing.Slug, branch.Slug)) {
			return repository.ErrConflict
		}
	}
	r.branches[branch.ID] = *branch
	id := branch.ID
	r.record(func() { delete(r.branches, id) })
	return nil
}

// SetLatestDeploy moves the latest pointer.
func (r *Repository) SetLatestDeploy(_ context.Context, branchID, deployID string) error {
	return r.updateBranch(branchID, func(b *domain.Branch) {
		id := deployID
		b.LatestDeployID = &id
	})
}

// SetActiveDeploy moves the active pointer.
func (r *Repository) SetActiveDeploy(_ context.Context, branchID string, deployID *string) error {
	return r.updateBranch(branchID, func(b *domain.Branch) {
		if deployID == nil {
			b.ActiveDeployID = nil
			return
		}
		id := *deployID
		b.ActiveDeployID = &id
	})
}

func (r *Repository) updateBranch(branchID string, mutate func(*domain.Branch)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	branch, ok := r.branches[branchID]
	if !ok {
		return repository.ErrNotFound
	}
	before := branch
	mutate(&branch)
	branch.UpdatedAt = time.Now().UTC()
	r.branches[branchID] = branch
	r.record(func() { r.branches[branchID] = before })
	return nil
}

// DeleteBranch removes a branch row.
func (r *Repository) DeleteBranch(_ context.Context, branchID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	before, ok := r.branches[branchID]
	if !ok {
		return repository.ErrNotFound
	}
	delete(r.branches, branchID)
	r.record(func() { r.branches[branchID] = before })
	return nil
}

// GetDeployByID fetches a deploy, soft-deleted or not.
func (r *Repository) GetDeployByID(_ context.Context, id string) (*domain.Deploy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deploys[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &d, nil
}

// CreateDeploy stores a deploy; number and path are unique.
func (r *Repository) CreateDeploy(_ context.Context, deploy *domain.Deploy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.deploys {
		if existing.ID == deploy.ID || existing.Path == deploy.Path ||
			(existing.BranchID == deploy.BranchID && existing.Number == deploy.Number) {
			return repository.ErrConflict
		}
	}
	r.deploys[deploy.ID] = *deploy
	id := deploy.ID
	r.record(func() { delete(r.deploys, id) })
	return nil
}

// UpdateDeploy replaces the stored deploy row.
func (r *Repository) UpdateDeploy(_ context.Context, deploy *domain.Deploy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	before, ok := r.deploys[deploy.ID]
	if !ok {
		return repository.ErrNotFound
	}
	r.deploys[deploy.ID] = *deploy
	r.record(func() { r.deploys[before.ID] = before })
	return nil
}

// ListLiveDeploysByBranch returns non-deleted deploys ordered by number.
func (r *Repository) ListLiveDeploysByBranch(_ context.Context, branchID string) ([]domain.Deploy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	deploys := make([]domain.Deploy, 0)
	for _, d := range r.deploys {
		if d.BranchID == branchID && !d.Deleted() {
			deploys = append(deploys, d)
		}
	}
	sort.Slice(deploys, func(i, j int) bool { return deploys[i].Number < deploys[j].Number })
	return deploys, nil
}

// HighestDeployNumber returns the largest number stored under pathPrefix.
func (r *Repository) HighestDeployNumber(_ context.Context, gameID, pathPrefix string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prefix := strings.TrimRight(pathPrefix, "/") + "/"
	highest := 0
	for _, d := range r.deploys {
		if d.GameID == gameID && strings.HasPrefix(d.Path, prefix) && d.Number > highest {
			highest = d.Number
		}
	}
	return highest, nil
}
