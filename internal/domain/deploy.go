package domain

import (
	"fmt"
	"time"
)

// DeployState is the lifecycle state of a deploy.
type DeployState string

// Deploy states.
const (
	DeployStateDeploying DeployState = "deploying"
	DeployStateReady     DeployState = "ready"
	DeployStateFailed    DeployState = "failed"
)

// Terminal reports whether no further transition is allowed from s.
func (s DeployState) Terminal() bool {
	return s == DeployStateReady || s == DeployStateFailed
}

// Deploy captures one numbered build attempt targeting a branch.
type Deploy struct {
	ID             string
	OrganizationID string
	GameID         string
	BranchID       string
	Number         int
	Path           string
	State          DeployState
	Error          *string
	DeployedBy     string
	CreatedOn      time.Time
	DeployingOn    *time.Time
	DeployedOn     *time.Time
	FailedOn       *time.Time
	UpdatedOn      time.Time
	DeletedOn      *time.Time
	DeletedReason  *string
}

// Deleted reports whether the deploy has been soft-deleted.
func (d Deploy) Deleted() bool {
	return d.DeletedOn != nil
}

// DeployPath returns the storage root of a deploy. It is computed once, at
// creation, so renaming a branch never moves existing deploys.
func DeployPath(organizationID, gameID, branchSlug string, number int) string {
	return fmt.Sprintf("%s/%d", BranchPath(organizationID, gameID, branchSlug), number)
}

// BranchPath is the storage prefix shared by every deploy of a branch slug.
func BranchPath(organizationID, gameID, branchSlug string) string {
	return fmt.Sprintf("share/%s/%s/%s", organizationID, gameID, branchSlug)
}

// MarkReady transitions the deploy to Ready.
func (d *Deploy) MarkReady(now time.Time) {
	d.State = DeployStateReady
	d.Error = nil
	d.FailedOn = nil
	d.DeployingOn = nil
	d.DeployedOn = &now
	d.UpdatedOn = now
}

// MarkFailed transitions the deploy to Failed with the given message.
func (d *Deploy) MarkFailed(message string, now time.Time) {
	d.State = DeployStateFailed
	d.Error = &message
	d.FailedOn = &now
	d.DeployingOn = nil
	d.UpdatedOn = now
}

// MarkDeleted stamps the soft-delete columns.
func (d *Deploy) MarkDeleted(reason string, now time.Time) {
	d.DeletedOn = &now
	d.DeletedReason = &reason
	d.UpdatedOn = now
}
