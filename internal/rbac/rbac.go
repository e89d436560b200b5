package rbac

import (
	"strings"
	"time"
)

type Role string
type Action string

const (
	RoleViewer    Role = "viewer"
	RoleEditor    Role = "editor"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead    Action = "read"
	ActionEdit    Action = "edit"
	ActionSubmit  Action = "submit"
	ActionReview  Action = "review"
	ActionProtect Action = "protect"
	ActionDelete  Action = "delete"
	ActionAdmin   Action = "admin"
)

// Actor is the resolved identity the engine acts on behalf of.
type Actor struct {
	ID        string
	Name      string
	Role      Role
	EditCount int
	JoinedAt  time.Time
}

func (a Actor) Anonymous() bool {
	return strings.TrimSpace(a.ID) == ""
}

// Tenure is how long the actor has been a member as of now.
func (a Actor) Tenure(now time.Time) time.Duration {
	if a.JoinedAt.IsZero() || now.Before(a.JoinedAt) {
		return 0
	}
	return now.Sub(a.JoinedAt)
}

func (a Actor) DisplayName() string {
	if strings.TrimSpace(a.Name) != "" {
		return a.Name
	}
	return a.ID
}

// Rank orders roles; unknown roles rank below viewer.
func Rank(role Role) int {
	switch role {
	case RoleViewer:
		return 1
	case RoleEditor:
		return 2
	case RoleModerator:
		return 3
	case RoleAdmin:
		return 4
	default:
		return 0
	}
}

func AtLeast(role, min Role) bool {
	return Rank(role) >= Rank(min) && Rank(role) > 0
}

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleModerator:
		return action == ActionRead || action == ActionEdit || action == ActionSubmit ||
			action == ActionReview || action == ActionProtect || action == ActionDelete
	case RoleEditor:
		return action == ActionRead || action == ActionEdit || action == ActionSubmit
	case RoleViewer:
		return action == ActionRead || action == ActionSubmit
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(role))) {
	case RoleViewer, RoleEditor, RoleModerator, RoleAdmin:
		return Role(strings.ToLower(strings.TrimSpace(role)))
	default:
		return RoleViewer
	}
}

// Parse is the strict form of Normalize used for configuration input.
func Parse(role string) (Role, bool) {
	r := Role(strings.ToLower(strings.TrimSpace(role)))
	if Rank(r) == 0 {
		return "", false
	}
	return r, true
}
