package domain

import "time"

// Branch is an independently deployable slot within a game.
//
// ActiveDeployID points at the deploy currently served. LatestDeployID points
// at the most recently created deploy regardless of its outcome. Only the
// deploy engine writes either pointer.
type Branch struct {
	ID                string
	OrganizationID    string
	GameID            string
	Slug              string
	ActiveDeployID    *string
	LatestDeployID    *string
	IsPinned          bool
	EncryptedPassword []byte
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HasActiveDeploy reports whether the branch currently serves a deploy.
func (b Branch) HasActiveDeploy() bool {
	return b.ActiveDeployID != nil && *b.ActiveDeployID != ""
}
