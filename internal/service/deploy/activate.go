package deploy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vague-archive/cloud-platform-sub000/internal/domain"
	"github.com/vague-archive/cloud-platform-sub000/internal/notify"
	"github.com/vague-archive/cloud-platform-sub000/internal/repository"
	"github.com/vague-archive/cloud-platform-sub000/internal/trash"
)

const settleTimeout = 30 * time.Second

// Reasons recorded on soft-deleted deploys and their trash jobs.
const (
	ReasonBranchGone    = "branch no longer exists"
	ReasonSuperseded    = "deploy has been superceeded"
	ReasonReplaced      = "deploy has been replaced"
	ReasonFailed        = "deploy failed"
	ReasonBranchDeleted = "branch deleted"
)

// activation is what the activation transaction decided.
type activation struct {
	outcome Outcome
	deploy  domain.Deploy
	branch  *domain.Branch
	trashed []trash.Job
}

// activate marks a Deploying deploy Ready and resolves it against the
// branch's current active deploy. The branch is reloaded inside the game
// transaction so that concurrent activations of the same branch converge on
// the highest number.
func (e Engine) activate(ctx context.Context, gameID, deployID string) (*activation, error) {
	var act *activation
	err := e.store.WithinTx(ctx, repository.GameScope(gameID), func(ctx context.Context, q repository.Queries) error {
		act = &activation{}
		deploy, err := q.GetDeployByID(ctx, deployID)
		if err != nil {
			return fmt.Errorf("load deploy: %w", err)
		}
		if err := guardDeploying(deploy); err != nil {
			return err
		}
		now := e.now()
		deploy.MarkReady(now)

		branch, err := q.GetBranchByID(ctx, deploy.BranchID)
		if errors.Is(err, repository.ErrNotFound) {
			act.outcome = OutcomeBranchGone
			act.trashed = append(act.trashed, markDeleted(deploy, ReasonBranchGone, now))
			act.deploy = *deploy
			return q.UpdateDeploy(ctx, deploy)
		}
		if err != nil {
			return fmt.Errorf("reload branch: %w", err)
		}

		var previous *domain.Deploy
		if branch.HasActiveDeploy() && *branch.ActiveDeployID != deploy.ID {
			previous, err = q.GetDeployByID(ctx, *branch.ActiveDeployID)
			if err != nil && !errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("load active deploy: %w", err)
			}
		}
		if previous != nil && previous.Number > deploy.Number {
			act.outcome = OutcomeSuperseded
			act.trashed = append(act.trashed, markDeleted(deploy, ReasonSuperseded, now))
			act.deploy = *deploy
			act.branch = branch
			return q.UpdateDeploy(ctx, deploy)
		}

		if err := q.UpdateDeploy(ctx, deploy); err != nil {
			return fmt.Errorf("update deploy: %w", err)
		}
		if err := q.SetActiveDeploy(ctx, branch.ID, &deploy.ID); err != nil {
			return fmt.Errorf("set active deploy: %w", err)
		}
		branch.ActiveDeployID = &deploy.ID
		if previous != nil && !previous.Deleted() {
			act.trashed = append(act.trashed, markDeleted(previous, ReasonReplaced, now))
			if err := q.UpdateDeploy(ctx, previous); err != nil {
				return fmt.Errorf("delete replaced deploy: %w", err)
			}
		}
		act.outcome = OutcomeActivated
		act.deploy = *deploy
		act.branch = branch
		// written while the game lock is held so a slower, older activation
		// cannot overwrite a newer entry.
		e.writeThrough(ctx, q, act.deploy, branch)
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.enqueueTrash(ctx, act.trashed)

	switch act.outcome {
	case OutcomeActivated:
		e.logger.Info("deploy activated", "deploy_id", act.deploy.ID, "branch_id", act.deploy.BranchID, "number", act.deploy.Number)
	default:
		e.logger.Warn("deploy discarded on activation", "deploy_id", act.deploy.ID, "branch_id", act.deploy.BranchID, "number", act.deploy.Number, "outcome", act.outcome)
	}
	return act, nil
}

// fail marks a Deploying deploy Failed and deletes it.
func (e Engine) fail(ctx context.Context, deploy domain.Deploy, cause error) error {
	var trashed []trash.Job
	// the game scope covers the branch and serializes against activation.
	err := e.store.WithinTx(ctx, repository.GameScope(deploy.GameID), func(ctx context.Context, q repository.Queries) error {
		current, err := q.GetDeployByID(ctx, deploy.ID)
		if err != nil {
			return fmt.Errorf("load deploy: %w", err)
		}
		if err := guardDeploying(current); err != nil {
			return err
		}
		now := e.now()
		current.MarkFailed(cause.Error(), now)
		trashed = []trash.Job{markDeleted(current, ReasonFailed, now)}
		return q.UpdateDeploy(ctx, current)
	})
	if err != nil {
		return err
	}
	e.logger.Error("deploy failed", "deploy_id", deploy.ID, "branch_id", deploy.BranchID, "path", deploy.Path, "error", cause)
	e.enqueueTrash(ctx, trashed)
	return nil
}

// failDeploy fails s and builds the error returned to the caller.
func (e Engine) failDeploy(ctx context.Context, pipeline string, s *started, cause error) error {
	failed := e.failure(s, cause)
	// the caller's context is often what failed; recording the failure must
	// not depend on it.
	ctx, cancel := settleContext(ctx)
	defer cancel()
	if err := e.fail(ctx, s.deploy, cause); err != nil {
		e.logger.Error("mark deploy failed", "deploy_id", s.deploy.ID, "error", err)
		return errors.Join(failed, err)
	}
	e.metrics.observeDeploy(pipeline, "failed", failed.Duration.Seconds())
	ev := s.event(notify.KindFailed, failed.Duration)
	ev.Error = cause.Error()
	e.announce(ctx, ev)
	return failed
}

// DeleteBranch soft-deletes every live deploy of the branch, then removes the
// branch itself. Deploys still in flight find the branch gone when they try
// to activate.
func (e Engine) DeleteBranch(ctx context.Context, branchID string) error {
	branch, err := e.store.GetBranchByID(ctx, branchID)
	if err != nil {
		return err
	}
	var trashed []trash.Job
	err = e.store.WithinTx(ctx, repository.GameScope(branch.GameID), func(ctx context.Context, q repository.Queries) error {
		trashed = nil
		deploys, err := q.ListLiveDeploysByBranch(ctx, branch.ID)
		if err != nil {
			return err
		}
		now := e.now()
		for i := range deploys {
			d := &deploys[i]
			if d.State == domain.DeployStateDeploying {
				continue
			}
			trashed = append(trashed, markDeleted(d, ReasonBranchDeleted, now))
			if err := q.UpdateDeploy(ctx, d); err != nil {
				return err
			}
		}
		return q.DeleteBranch(ctx, branch.ID)
	})
	if err != nil {
		return err
	}
	e.logger.Info("branch deleted", "branch_id", branch.ID, "slug", branch.Slug, "deploys", len(trashed))
	e.enqueueTrash(ctx, trashed)
	return nil
}

func guardDeploying(d *domain.Deploy) error {
	if d.Deleted() {
		return fmt.Errorf("%w: deploy %s was deleted", ErrInvalidState, d.ID)
	}
	if d.State.Terminal() {
		return fmt.Errorf("%w: deploy %s is already %s", ErrInvalidState, d.ID, d.State)
	}
	return nil
}

func markDeleted(d *domain.Deploy, reason string, now time.Time) trash.Job {
	d.MarkDeleted(reason, now)
	return trash.Job{Path: d.Path, Reason: reason, EnqueuedAt: now}
}

// settleContext detaches ctx from cancellation for work that must finish
// once a deploy's ingestion is over, bounded by settleTimeout.
func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

// enqueueTrash hands deleted deploy trees to the trash queue. It runs after
// the soft-delete has committed and never fails the caller.
func (e Engine) enqueueTrash(ctx context.Context, jobs []trash.Job) {
	if e.trash == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, job := range jobs {
		if err := e.trash.Enqueue(ctx, job); err != nil {
			e.logger.Warn("enqueue trash job failed", "path", job.Path, "reason", job.Reason, "error", err)
		}
	}
}
