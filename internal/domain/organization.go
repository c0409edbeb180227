package domain

import "time"

// Game purposes.
const (
	PurposeGame = "game"
	PurposeTool = "tool"
)

// Organization owns games and the branches deployed under them.
type Organization struct {
	ID        string
	Slug      string
	Name      string
	CreatedAt time.Time
}

// Game is a publishable game or tool belonging to an organization.
type Game struct {
	ID             string
	OrganizationID string
	Slug           string
	Name           string
	Purpose        string
	CreatedAt      time.Time
}
