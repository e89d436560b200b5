package protection

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/biz-doublej/rangu.fam-sub002/internal/rbac"
	"github.com/biz-doublej/rangu.fam-sub002/internal/wiki"
)

var gateNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestGate(policy Policy) *Gate {
	return NewGate(policy).WithClock(func() time.Time { return gateNow })
}

func TestCanEditDirectlyDefaultPolicy(t *testing.T) {
	veteran := rbac.Actor{ID: "vet", Role: rbac.RoleEditor, EditCount: 25, JoinedAt: gateNow.Add(-30 * 24 * time.Hour)}
	newcomer := rbac.Actor{ID: "new", Role: rbac.RoleEditor, EditCount: 2, JoinedAt: gateNow.Add(-time.Hour)}
	recent := rbac.Actor{ID: "recent", Role: rbac.RoleEditor, EditCount: 50, JoinedAt: gateNow.Add(-95 * time.Hour)}
	viewer := rbac.Actor{ID: "view", Role: rbac.RoleViewer}
	moderator := rbac.Actor{ID: "mod", Role: rbac.RoleModerator}
	admin := rbac.Actor{ID: "adm", Role: rbac.RoleAdmin}

	cases := []struct {
		name  string
		level wiki.ProtectionLevel
		actor rbac.Actor
		allow bool
	}{
		{name: "editor on unprotected", level: wiki.ProtectionNone, actor: newcomer, allow: true},
		{name: "viewer on unprotected", level: wiki.ProtectionNone, actor: viewer, allow: false},
		{name: "anonymous on unprotected", level: wiki.ProtectionNone, actor: rbac.Actor{Role: rbac.RoleAdmin}, allow: false},
		{name: "veteran on semi", level: wiki.ProtectionSemi, actor: veteran, allow: true},
		{name: "newcomer on semi", level: wiki.ProtectionSemi, actor: newcomer, allow: false},
		{name: "short tenure on semi", level: wiki.ProtectionSemi, actor: recent, allow: false},
		{name: "moderator on semi without edits", level: wiki.ProtectionSemi, actor: moderator, allow: true},
		{name: "veteran on full", level: wiki.ProtectionFull, actor: veteran, allow: false},
		{name: "moderator on full", level: wiki.ProtectionFull, actor: moderator, allow: true},
		{name: "moderator on admin", level: wiki.ProtectionAdmin, actor: moderator, allow: false},
		{name: "admin on admin", level: wiki.ProtectionAdmin, actor: admin, allow: true},
		{name: "unknown level uses strictest", level: wiki.ProtectionLevel("mystery"), actor: moderator, allow: false},
	}

	gate := newTestGate(DefaultPolicy())
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := gate.CanEditDirectly(tc.level, tc.actor); got != tc.allow {
				t.Fatalf("CanEditDirectly(%q) = %v, want %v", tc.level, got, tc.allow)
			}
			if gate.RequiresSubmission(tc.level, tc.actor) == tc.allow {
				t.Fatal("RequiresSubmission must be the negation of CanEditDirectly")
			}
			err := gate.CheckDirect(tc.level, tc.actor)
			if tc.allow && err != nil {
				t.Fatalf("CheckDirect() error = %v", err)
			}
			if !tc.allow && !wiki.IsPermissionDenied(err) {
				t.Fatalf("expected PermissionDenied, got %v", err)
			}
		})
	}
}

func TestCheckReviewRequiresModeratorAndLevel(t *testing.T) {
	gate := newTestGate(DefaultPolicy())
	editor := rbac.Actor{ID: "ed", Role: rbac.RoleEditor, EditCount: 100, JoinedAt: gateNow.Add(-1000 * time.Hour)}
	moderator := rbac.Actor{ID: "mod", Role: rbac.RoleModerator}
	admin := rbac.Actor{ID: "adm", Role: rbac.RoleAdmin}

	if err := gate.CheckReview(wiki.ProtectionNone, editor); !wiki.IsPermissionDenied(err) {
		t.Fatalf("editor should not review, got %v", err)
	}
	if err := gate.CheckReview(wiki.ProtectionFull, moderator); err != nil {
		t.Fatalf("moderator should review full pages, got %v", err)
	}
	if err := gate.CheckReview(wiki.ProtectionAdmin, moderator); !wiki.IsPermissionDenied(err) {
		t.Fatalf("moderator should not approve into admin pages, got %v", err)
	}
	if err := gate.CheckReview(wiki.ProtectionAdmin, admin); err != nil {
		t.Fatalf("admin review error = %v", err)
	}
}

func TestCheckProtect(t *testing.T) {
	gate := newTestGate(DefaultPolicy())
	moderator := rbac.Actor{ID: "mod", Role: rbac.RoleModerator}
	if err := gate.CheckProtect(wiki.ProtectionNone, wiki.ProtectionFull, moderator); err != nil {
		t.Fatalf("moderator should protect to full, got %v", err)
	}
	if err := gate.CheckProtect(wiki.ProtectionNone, wiki.ProtectionAdmin, moderator); !wiki.IsPermissionDenied(err) {
		t.Fatalf("moderator should not raise to admin, got %v", err)
	}
	if err := gate.CheckProtect(wiki.ProtectionAdmin, wiki.ProtectionNone, moderator); !wiki.IsPermissionDenied(err) {
		t.Fatalf("moderator should not lower admin protection, got %v", err)
	}
}

func TestCreateLevelGatesNewPages(t *testing.T) {
	policy := DefaultPolicy()
	policy.CreateLevel = wiki.ProtectionFull
	gate := newTestGate(policy)
	if gate.CanCreateDirectly(rbac.Actor{ID: "ed", Role: rbac.RoleEditor}) {
		t.Fatal("editor should be routed to a create submission")
	}
	if !gate.CanCreateDirectly(rbac.Actor{ID: "mod", Role: rbac.RoleModerator}) {
		t.Fatal("moderator should create directly")
	}
}

func TestLoadPolicyFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	raw := []byte(`
create_level: semi
levels:
  semi:
    min_role: editor
    min_edit_count: 3
    min_tenure: 24h
  full:
    min_role: admin
`)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	policy, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy() error = %v", err)
	}
	if policy.CreateLevel != wiki.ProtectionSemi {
		t.Fatalf("create level = %q", policy.CreateLevel)
	}
	semi := policy.Levels[wiki.ProtectionSemi]
	if semi.MinEditCount != 3 || semi.MinTenure != 24*time.Hour {
		t.Fatalf("unexpected semi requirement: %+v", semi)
	}
	if policy.Levels[wiki.ProtectionFull].MinRole != rbac.RoleAdmin {
		t.Fatalf("full should require admin: %+v", policy.Levels[wiki.ProtectionFull])
	}
	if policy.Levels[wiki.ProtectionNone].MinRole != rbac.RoleEditor {
		t.Fatal("omitted levels should keep defaults")
	}
}

func TestParsePolicyRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"unknown level": "levels:\n  locked:\n    min_role: admin\n",
		"unknown role":  "levels:\n  full:\n    min_role: owner\n",
		"bad tenure":    "levels:\n  semi:\n    min_role: editor\n    min_tenure: forever\n",
		"bad create":    "create_level: everything\n",
		"not yaml":      "levels: [",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParsePolicy([]byte(raw)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
