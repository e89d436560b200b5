package protection

import (
	"fmt"
	"time"

	"github.com/biz-doublej/rangu.fam-sub002/internal/rbac"
	"github.com/biz-doublej/rangu.fam-sub002/internal/wiki"
)

// Requirement is what an actor needs to edit a page directly.
// MinEditCount and MinTenure only bind actors whose role equals MinRole;
// higher roles pass on rank alone.
type Requirement struct {
	MinRole      rbac.Role
	MinEditCount int
	MinTenure    time.Duration
}

type Policy struct {
	Levels map[wiki.ProtectionLevel]Requirement
	// CreateLevel is the level new pages are checked against.
	CreateLevel wiki.ProtectionLevel
}

func DefaultPolicy() Policy {
	return Policy{
		Levels: map[wiki.ProtectionLevel]Requirement{
			wiki.ProtectionNone:  {MinRole: rbac.RoleEditor},
			wiki.ProtectionSemi:  {MinRole: rbac.RoleEditor, MinEditCount: 10, MinTenure: 96 * time.Hour},
			wiki.ProtectionFull:  {MinRole: rbac.RoleModerator},
			wiki.ProtectionAdmin: {MinRole: rbac.RoleAdmin},
		},
		CreateLevel: wiki.ProtectionNone,
	}
}

func (p Policy) Validate() error {
	for _, level := range []wiki.ProtectionLevel{wiki.ProtectionNone, wiki.ProtectionSemi, wiki.ProtectionFull, wiki.ProtectionAdmin} {
		req, ok := p.Levels[level]
		if !ok {
			return fmt.Errorf("protection policy: missing level %q", level)
		}
		if rbac.Rank(req.MinRole) == 0 {
			return fmt.Errorf("protection policy: level %q has unknown role %q", level, req.MinRole)
		}
		if req.MinEditCount < 0 || req.MinTenure < 0 {
			return fmt.Errorf("protection policy: level %q has negative thresholds", level)
		}
	}
	if !p.CreateLevel.Valid() {
		return fmt.Errorf("protection policy: unknown create level %q", p.CreateLevel)
	}
	return nil
}

type Gate struct {
	policy Policy
	now    func() time.Time
}

func NewGate(policy Policy) *Gate {
	return &Gate{policy: policy, now: time.Now}
}

// WithClock returns a copy of the gate evaluating tenure against now.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	return &Gate{policy: g.policy, now: now}
}

func (g *Gate) Policy() Policy {
	return g.policy
}

func (g *Gate) CanEditDirectly(level wiki.ProtectionLevel, actor rbac.Actor) bool {
	if actor.Anonymous() {
		return false
	}
	req, ok := g.policy.Levels[level]
	if !ok {
		// Unknown levels fall back to the strictest configured tier.
		req = g.policy.Levels[wiki.ProtectionAdmin]
	}
	if !rbac.AtLeast(actor.Role, req.MinRole) {
		return false
	}
	if rbac.Rank(actor.Role) > rbac.Rank(req.MinRole) {
		return true
	}
	if actor.EditCount < req.MinEditCount {
		return false
	}
	return actor.Tenure(g.now()) >= req.MinTenure
}

func (g *Gate) RequiresSubmission(level wiki.ProtectionLevel, actor rbac.Actor) bool {
	return !g.CanEditDirectly(level, actor)
}

func (g *Gate) CheckDirect(level wiki.ProtectionLevel, actor rbac.Actor) error {
	if g.CanEditDirectly(level, actor) {
		return nil
	}
	return wiki.PermissionDenied("page protection %q requires %s", level, g.describe(level))
}

func (g *Gate) CanCreateDirectly(actor rbac.Actor) bool {
	return g.CanEditDirectly(g.policy.CreateLevel, actor)
}

// CheckReview reports whether reviewer may decide a submission targeting a page
// at level. Approving into a protected page needs the same standing as editing it.
func (g *Gate) CheckReview(level wiki.ProtectionLevel, reviewer rbac.Actor) error {
	if reviewer.Anonymous() || !rbac.Can(reviewer.Role, rbac.ActionReview) {
		return wiki.PermissionDenied("reviewing submissions requires the %s role", rbac.RoleModerator)
	}
	return g.CheckDirect(level, reviewer)
}

// CheckProtect reports whether actor may set a page to level.
func (g *Gate) CheckProtect(current, level wiki.ProtectionLevel, actor rbac.Actor) error {
	if actor.Anonymous() || !rbac.Can(actor.Role, rbac.ActionProtect) {
		return wiki.PermissionDenied("changing protection requires the %s role", rbac.RoleModerator)
	}
	if err := g.CheckDirect(current, actor); err != nil {
		return err
	}
	return g.CheckDirect(level, actor)
}

func (g *Gate) describe(level wiki.ProtectionLevel) string {
	req, ok := g.policy.Levels[level]
	if !ok {
		req = g.policy.Levels[wiki.ProtectionAdmin]
	}
	out := string(req.MinRole)
	if req.MinEditCount > 0 {
		out += fmt.Sprintf(", %d edits", req.MinEditCount)
	}
	if req.MinTenure > 0 {
		out += fmt.Sprintf(", %s tenure", req.MinTenure)
	}
	return out
}
