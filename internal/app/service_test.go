package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/biz-doublej/rangu.fam-sub002/internal/gitrepo"
	"github.com/biz-doublej/rangu.fam-sub002/internal/lease"
	"github.com/biz-doublej/rangu.fam-sub002/internal/metrics"
	"github.com/biz-doublej/rangu.fam-sub002/internal/protection"
	"github.com/biz-doublej/rangu.fam-sub002/internal/rbac"
	"github.com/biz-doublej/rangu.fam-sub002/internal/search"
	"github.com/biz-doublej/rangu.fam-sub002/internal/store"
	"github.com/biz-doublej/rangu.fam-sub002/internal/wiki"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

var (
	veteran   = rbac.Actor{ID: "u_vet", Name: "Vera", Role: rbac.RoleEditor, EditCount: 120, JoinedAt: epoch.AddDate(-1, 0, 0)}
	newcomer  = rbac.Actor{ID: "u_new", Name: "Nico", Role: rbac.RoleEditor, EditCount: 2, JoinedAt: epoch.Add(-24 * time.Hour)}
	reader    = rbac.Actor{ID: "u_read", Name: "Rita", Role: rbac.RoleViewer}
	moderator = rbac.Actor{ID: "u_mod", Name: "Mona", Role: rbac.RoleModerator}
	admin     = rbac.Actor{ID: "u_admin", Name: "Ada", Role: rbac.RoleAdmin}
)

type recordingIndexer struct {
	mu      sync.Mutex
	indexed map[string]search.PageRecord
	removed []string
}

func (r *recordingIndexer) IndexPage(page search.PageRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexed == nil {
		r.indexed = map[string]search.PageRecord{}
	}
	r.indexed[page.ID] = page
}

func (r *recordingIndexer) RemovePage(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.indexed, id)
	r.removed = append(r.removed, id)
}

type recordingNotifier struct {
	mu      sync.Mutex
	queued  []string
	decided []wiki.SubmissionStatus
}

func (r *recordingNotifier) SubmissionQueued(sub wiki.Submission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queued = append(r.queued, sub.ID)
	return nil
}

func (r *recordingNotifier) SubmissionDecided(sub wiki.Submission) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decided = append(r.decided, sub.Status)
	return nil
}

type recordingMirror struct {
	mu        sync.Mutex
	revisions map[string][]int
	fail      error
}

func (r *recordingMirror) RecordRevision(_ context.Context, page wiki.Page, rev wiki.Revision, _ gitrepo.RevisionSource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	if r.revisions == nil {
		r.revisions = map[string][]int{}
	}
	r.revisions[page.ID] = append(r.revisions[page.ID], rev.Number)
	return nil
}

func (r *recordingMirror) History(string, int) ([]gitrepo.CommitInfo, error) {
	return []gitrepo.CommitInfo{}, nil
}

func (r *recordingMirror) SnapshotAt(pageID string, number int) (gitrepo.Snapshot, error) {
	return gitrepo.Snapshot{}, gitrepo.ErrRevisionNotMirrored
}

type testEnv struct {
	svc      *Service
	clock    *testClock
	indexer  *recordingIndexer
	notifier *recordingNotifier
	mirror   *recordingMirror
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	recorder := &recordingMirror{}
	env := newTestEnvWithMirror(t, recorder)
	env.mirror = recorder
	return env
}

func newTestEnvWithMirror(t *testing.T, mirror HistoryMirror) *testEnv {
	t.Helper()
	clock := &testClock{now: epoch}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	leases := lease.NewManager(lease.NewMemoryBackend(), 10*time.Minute, logger)
	leases.Now = clock.Now
	gate := protection.NewGate(protection.DefaultPolicy()).WithClock(clock.Now)

	env := &testEnv{
		clock:    clock,
		indexer:  &recordingIndexer{},
		notifier: &recordingNotifier{},
	}
	env.svc = NewService(store.NewMemoryStore(), leases, gate, Options{
		Indexer:  env.indexer,
		Notifier: env.notifier,
		Mirror:   mirror,
		Metrics:  metrics.New(),
		Logger:   logger,
		Now:      clock.Now,
	})
	t.Cleanup(env.svc.Wait)
	return env
}

func (e *testEnv) createPage(t *testing.T, slug, content string) wiki.Page {
	t.Helper()
	result, err := e.svc.ProposeCreate(context.Background(), CreateInput{Namespace: "main", Slug: slug, Content: content}, veteran)
	if err != nil {
		t.Fatalf("ProposeCreate(%s) error = %v", slug, err)
	}
	if result.Applied == nil {
		t.Fatalf("ProposeCreate(%s) should apply directly, got %+v", slug, result)
	}
	return *result.Applied
}

func (e *testEnv) protect(t *testing.T, slug string, level wiki.ProtectionLevel) {
	t.Helper()
	if _, _, err := e.svc.ProtectPage(context.Background(), "main", slug, level, admin, ""); err != nil {
		t.Fatalf("ProtectPage(%s, %s) error = %v", slug, level, err)
	}
}

func TestApprovingStaleSubmissionFailsWithRevisionConflict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	page := env.createPage(t, "Test", "Hello")
	if page.CurrentRevision != 1 {
		t.Fatalf("expected revision 1 after create, got %d", page.CurrentRevision)
	}

	// Full protection routes the editors' changes through the queue.
	env.protect(t, "Test", wiki.ProtectionFull)

	first, err := env.svc.ProposeEdit(ctx, EditInput{Namespace: "main", Slug: "Test", Content: "Hello World", BaseRevision: 2}, veteran)
	if err != nil || first.Queued == nil {
		t.Fatalf("ProposeEdit(first) = %+v, %v", first, err)
	}
	second, err := env.svc.ProposeEdit(ctx, EditInput{Namespace: "main", Slug: "Test", Content: "Hi there", BaseRevision: 2}, newcomer)
	if err != nil || second.Queued == nil {
		t.Fatalf("ProposeEdit(second) = %+v, %v", second, err)
	}

	approved, err := env.svc.ReviewSubmission(ctx, first.Queued.ID, DecisionApprove, moderator, "")
	if err != nil {
		t.Fatalf("approve first error = %v", err)
	}
	if approved.Revision == nil || approved.Revision.Number != 3 || approved.Page.Content != "Hello World" {
		t.Fatalf("unexpected approval result: %+v", approved)
	}
	if approved.Submission.Status != wiki.StatusApproved || approved.Submission.AppliedRevision != 3 {
		t.Fatalf("approved submission not updated: %+v", approved.Submission)
	}

	_, err = env.svc.ReviewSubmission(ctx, second.Queued.ID, DecisionApprove, moderator, "")
	conflict, ok := wiki.AsRevisionConflict(err)
	if !ok {
		t.Fatalf("expected RevisionConflict, got %v", err)
	}
	if conflict.Expected != 2 || conflict.Actual != 3 {
		t.Fatalf("conflict = %+v, want expected 2 actual 3", conflict)
	}

	stale, err := env.svc.GetSubmission(ctx, second.Queued.ID)
	if err != nil {
		t.Fatalf("GetSubmission() error = %v", err)
	}
	if stale.Status != wiki.StatusPending {
		t.Fatalf("stale submission should stay pending, got %s", stale.Status)
	}
	current, err := env.svc.GetPage(ctx, "main", "Test")
	if err != nil {
		t.Fatalf("GetPage() error = %v", err)
	}
	if current.Content != "Hello World" || current.CurrentRevision != 3 {
		t.Fatalf("page changed by stale approval: %+v", current)
	}
}

func TestSubmissionsPinnedToRevisionOne(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createPage(t, "Test", "Hello")

	submit := func(content string) wiki.Submission {
		t.Helper()
		sub, err := env.svc.Submissions().Submit(ctx, SubmitInput{
			Type: wiki.SubmissionEdit, Namespace: "main", Slug: "Test", Content: content, ExpectedRevision: 1,
		}, newcomer)
		if err != nil {
			t.Fatalf("Submit(%q) error = %v", content, err)
		}
		return sub
	}
	s1 := submit("Hello World")
	s2 := submit("Hi there")

	if _, err := env.svc.ReviewSubmission(ctx, s1.ID, DecisionApprove, moderator, ""); err != nil {
		t.Fatalf("approve S1 error = %v", err)
	}
	_, err := env.svc.ReviewSubmission(ctx, s2.ID, DecisionApprove, moderator, "")
	if conflict, ok := wiki.AsRevisionConflict(err); !ok || conflict.Expected != 1 || conflict.Actual != 2 {
		t.Fatalf("expected RevisionConflict{1,2}, got %v", err)
	}
	page, err := env.svc.GetPage(ctx, "main", "Test")
	if err != nil || page.Content != "Hello World" || page.CurrentRevision != 2 {
		t.Fatalf("GetPage() = %+v, %v", page, err)
	}
}

func TestConcurrentDirectEditsKeepDenseNumbering(t *testing.T) {
	env := newTestEnv(t)
	page := env.createPage(t, "Busy", "v0")

	const writers = 12
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < writers; i++ {
		actor := rbac.Actor{ID: fmt.Sprintf("u_%02d", i), Name: fmt.Sprintf("Writer %d", i), Role: rbac.RoleEditor}
		content := fmt.Sprintf("v%d", i+1)
		g.Go(func() error {
			for {
				_, err := env.svc.ProposeEdit(ctx, EditInput{Namespace: "main", Slug: "Busy", Content: content}, actor)
				if _, held := wiki.AsLockHeld(err); held {
					runtime.Gosched()
					continue
				}
				return err
			}
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent edit error = %v", err)
	}

	history, err := env.svc.GetHistoryByID(context.Background(), page.ID, wiki.Pagination{Limit: 100})
	if err != nil {
		t.Fatalf("GetHistoryByID() error = %v", err)
	}
	if len(history) != writers+1 {
		t.Fatalf("expected %d revisions, got %d", writers+1, len(history))
	}
	for i, rev := range history {
		if want := writers + 1 - i; rev.Number != want {
			t.Fatalf("history[%d].Number = %d, want %d", i, rev.Number, want)
		}
	}
	if held, err := env.svc.leases.IsHeld(context.Background(), page.ID); err != nil || held {
		t.Fatalf("lease should be released after edits: held=%v err=%v", held, err)
	}
}

func TestConcurrentApprovalsOnlyOneWins(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createPage(t, "Contested", "base")

	const pending = 8
	ids := make([]string, pending)
	for i := range ids {
		sub, err := env.svc.Submissions().Submit(ctx, SubmitInput{
			Type: wiki.SubmissionEdit, Namespace: "main", Slug: "Contested", Content: fmt.Sprintf("draft %d", i),
		}, newcomer)
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		ids[i] = sub.ID
	}

	var (
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			_, err := env.svc.ReviewSubmission(ctx, id, DecisionApprove, moderator, "")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
				return nil
			}
			if _, ok := wiki.AsRevisionConflict(err); ok {
				conflicts++
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected approval error = %v", err)
	}
	if wins != 1 || conflicts != pending-1 {
		t.Fatalf("wins=%d conflicts=%d", wins, conflicts)
	}
	page, err := env.svc.GetPage(ctx, "main", "Contested")
	if err != nil || page.CurrentRevision != 2 {
		t.Fatalf("GetPage() = %+v, %v", page, err)
	}
}

func TestProtectionRoutesEdits(t *testing.T) {
	tests := []struct {
		name       string
		level      wiki.ProtectionLevel
		actor      rbac.Actor
		wantDirect bool
	}{
		{name: "open page newcomer", level: wiki.ProtectionNone, actor: newcomer, wantDirect: true},
		{name: "open page viewer", level: wiki.ProtectionNone, actor: reader, wantDirect: false},
		{name: "semi newcomer", level: wiki.ProtectionSemi, actor: newcomer, wantDirect: false},
		{name: "semi veteran", level: wiki.ProtectionSemi, actor: veteran, wantDirect: true},
		{name: "full veteran", level: wiki.ProtectionFull, actor: veteran, wantDirect: false},
		{name: "full moderator", level: wiki.ProtectionFull, actor: moderator, wantDirect: true},
		{name: "admin moderator", level: wiki.ProtectionAdmin, actor: moderator, wantDirect: false},
		{name: "admin admin", level: wiki.ProtectionAdmin, actor: admin, wantDirect: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			env.createPage(t, "Gated", "original")
			if tc.level != wiki.ProtectionNone {
				env.protect(t, "Gated", tc.level)
			}

			_, _, err := env.svc.EditPage(ctx, EditInput{Namespace: "main", Slug: "Gated", Content: "direct"}, tc.actor)
			if tc.wantDirect && err != nil {
				t.Fatalf("EditPage() error = %v", err)
			}
			if !tc.wantDirect && !wiki.IsPermissionDenied(err) {
				t.Fatalf("EditPage() should be denied, got %v", err)
			}

			result, err := env.svc.ProposeEdit(ctx, EditInput{Namespace: "main", Slug: "Gated", Content: "proposed"}, tc.actor)
			if err != nil {
				t.Fatalf("ProposeEdit() error = %v", err)
			}
			if tc.wantDirect != (result.Applied != nil) || tc.wantDirect == (result.Queued != nil) {
				t.Fatalf("ProposeEdit() = %+v, wantDirect=%v", result, tc.wantDirect)
			}
			if result.Queued != nil && result.Queued.ExpectedRevision == 0 {
				t.Fatalf("queued submission should pin the head revision: %+v", result.Queued)
			}
		})
	}
}

func TestAnonymousCannotPropose(t *testing.T) {
	env := newTestEnv(t)
	env.createPage(t, "Open", "text")

	_, err := env.svc.ProposeEdit(context.Background(), EditInput{Namespace: "main", Slug: "Open", Content: "x"}, rbac.Actor{Role: rbac.RoleViewer})
	if !wiki.IsPermissionDenied(err) {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
	_, err = env.svc.ProposeCreate(context.Background(), CreateInput{Namespace: "main", Slug: "New", Content: "x"}, rbac.Actor{})
	if !wiki.IsPermissionDenied(err) {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
}

func TestStaleBaseRevisionOnDirectEdit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createPage(t, "Base", "one")

	if _, err := env.svc.ProposeEdit(ctx, EditInput{Namespace: "main", Slug: "Base", Content: "two", BaseRevision: 1}, veteran); err != nil {
		t.Fatalf("ProposeEdit() error = %v", err)
	}
	_, err := env.svc.ProposeEdit(ctx, EditInput{Namespace: "main", Slug: "Base", Content: "also two", BaseRevision: 1}, newcomer)
	if conflict, ok := wiki.AsRevisionConflict(err); !ok || conflict.Expected != 1 || conflict.Actual != 2 {
		t.Fatalf("expected RevisionConflict{1,2}, got %v", err)
	}
}

func TestEditSessionLease(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	page := env.createPage(t, "Leased", "text")

	granted, err := env.svc.AcquireEditSession(ctx, "main", "Leased", veteran, "copyedit")
	if err != nil {
		t.Fatalf("AcquireEditSession() error = %v", err)
	}
	if granted.Holder != veteran.ID || !granted.ExpiresAt.Equal(epoch.Add(10*time.Minute)) {
		t.Fatalf("unexpected lease: %+v", granted)
	}

	_, err = env.svc.ProposeEdit(ctx, EditInput{Namespace: "main", Slug: "Leased", Content: "blocked"}, newcomer)
	held, ok := wiki.AsLockHeld(err)
	if !ok || held.Holder != veteran.ID {
		t.Fatalf("expected LockHeld by %s, got %v", veteran.ID, err)
	}
	if _, err := env.svc.AcquireEditSession(ctx, "main", "Leased", newcomer, ""); err == nil {
		t.Fatal("second actor should not get the lease")
	}

	env.clock.Advance(3 * time.Minute)
	renewed, err := env.svc.AcquireEditSession(ctx, "main", "Leased", veteran, "")
	if err != nil {
		t.Fatalf("renew error = %v", err)
	}
	if !renewed.ExpiresAt.After(granted.ExpiresAt) || renewed.Reason != "copyedit" {
		t.Fatalf("renewal should extend and keep the reason: %+v", renewed)
	}

	// Editing inside a session keeps the session.
	if _, err := env.svc.ProposeEdit(ctx, EditInput{Namespace: "main", Slug: "Leased", Content: "mine"}, veteran); err != nil {
		t.Fatalf("holder edit error = %v", err)
	}
	shown, err := env.svc.GetPage(ctx, "main", "Leased")
	if err != nil {
		t.Fatalf("GetPage() error = %v", err)
	}
	if shown.Lease == nil || shown.Lease.Holder != veteran.ID {
		t.Fatalf("GetPage() should show the session lease, got %+v", shown.Lease)
	}

	env.clock.Advance(11 * time.Minute)
	if _, err := env.svc.ProposeEdit(ctx, EditInput{Namespace: "main", Slug: "Leased", Content: "after expiry"}, newcomer); err != nil {
		t.Fatalf("edit after expiry error = %v", err)
	}
	if err := env.svc.ReleaseEditSession(ctx, "main", "Leased", veteran); err != nil {
		t.Fatalf("releasing an expired lease should be a no-op, got %v", err)
	}
	if err := env.svc.ReleaseEditSession(ctx, "main", "Leased", veteran); err != nil {
		t.Fatalf("second release should be a no-op, got %v", err)
	}
	if held, _ := env.svc.leases.IsHeld(ctx, page.ID); held {
		t.Fatal("no lease should remain")
	}
}

func TestEditSessionRequiresDirectAccess(t *testing.T) {
	env := newTestEnv(t)
	env.createPage(t, "Locked", "text")
	env.protect(t, "Locked", wiki.ProtectionFull)

	if _, err := env.svc.AcquireEditSession(context.Background(), "main", "Locked", veteran, ""); !wiki.IsPermissionDenied(err) {
		t.Fatalf("expected PermissionDenied, got %v", err)
	}
}

func TestSoftDeleteKeepsAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	page := env.createPage(t, "Doomed", "first")
	if _, err := env.svc.ProposeEdit(ctx, EditInput{Namespace: "main", Slug: "Doomed", Content: "second"}, veteran); err != nil {
		t.Fatalf("ProposeEdit() error = %v", err)
	}

	if _, err := env.svc.DeletePage(ctx, "main", "Doomed", veteran, "spam"); !wiki.IsPermissionDenied(err) {
		t.Fatalf("editor delete should be denied, got %v", err)
	}
	deleted, err := env.svc.DeletePage(ctx, "main", "Doomed", moderator, "spam")
	if err != nil {
		t.Fatalf("DeletePage() error = %v", err)
	}
	if !deleted.IsDeleted || deleted.DeletedBy != moderator.ID || deleted.DeleteReason != "spam" {
		t.Fatalf("unexpected deleted page: %+v", deleted)
	}

	if _, err := env.svc.GetPage(ctx, "main", "Doomed"); !wiki.IsNotFound(err) {
		t.Fatalf("deleted page should be hidden, got %v", err)
	}
	if _, err := env.svc.GetHistory(ctx, "main", "Doomed", wiki.Pagination{}); !wiki.IsNotFound(err) {
		t.Fatalf("history by key should be hidden, got %v", err)
	}
	history, err := env.svc.GetHistoryByID(ctx, page.ID, wiki.Pagination{})
	if err != nil || len(history) != 2 {
		t.Fatalf("GetHistoryByID() = %d revisions, %v", len(history), err)
	}
	first, err := env.svc.GetRevision(ctx, page.ID, 1)
	if err != nil || first.Content != "first" {
		t.Fatalf("GetRevision(1) = %+v, %v", first, err)
	}
	if _, err := env.svc.ProposeEdit(ctx, EditInput{Namespace: "main", Slug: "Doomed", Content: "x"}, veteran); !wiki.IsNotFound(err) {
		t.Fatalf("editing a deleted page should be NotFound, got %v", err)
	}

	env.indexer.mu.Lock()
	_, stillIndexed := env.indexer.indexed[page.ID]
	env.indexer.mu.Unlock()
	if stillIndexed {
		t.Fatal("deleted page should leave the search index")
	}

	replacement := env.createPage(t, "Doomed", "reborn")
	if replacement.ID == page.ID || replacement.CurrentRevision != 1 {
		t.Fatalf("expected a fresh page, got %+v", replacement)
	}
	if _, err := env.svc.RestorePage(ctx, page.ID, moderator); !wiki.IsConflict(err) {
		t.Fatalf("restore onto a taken key should conflict, got %v", err)
	}
	if _, err := env.svc.DeletePage(ctx, "main", "Doomed", moderator, "duplicate"); err != nil {
		t.Fatalf("DeletePage(replacement) error = %v", err)
	}
	restored, err := env.svc.RestorePage(ctx, page.ID, moderator)
	if err != nil {
		t.Fatalf("RestorePage() error = %v", err)
	}
	if restored.IsDeleted || restored.Content != "second" || restored.CurrentRevision != 2 {
		t.Fatalf("unexpected restored page: %+v", restored)
	}
}

func TestRevertMarksLaterRevisions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	page := env.createPage(t, "Vandalized", "good")
	for _, content := range []string{"bad", "worse"} {
		if _, err := env.svc.ProposeEdit(ctx, EditInput{Namespace: "main", Slug: "Vandalized", Content: content}, newcomer); err != nil {
			t.Fatalf("ProposeEdit(%q) error = %v", content, err)
		}
	}

	if _, _, err := env.svc.RevertPage(ctx, "main", "Vandalized", 3, veteran, ""); !wiki.IsValidation(err) {
		t.Fatalf("reverting to the head should be a validation error, got %v", err)
	}
	reverted, rev, err := env.svc.RevertPage(ctx, "main", "Vandalized", 1, veteran, "")
	if err != nil {
		t.Fatalf("RevertPage() error = %v", err)
	}
	if reverted.Content != "good" || rev.Number != 4 || rev.EditType != wiki.EditRevert || rev.Summary != "Reverted to revision 1" {
		t.Fatalf("unexpected revert: page=%+v rev=%+v", reverted, rev)
	}

	history, err := env.svc.GetHistoryByID(ctx, page.ID, wiki.Pagination{})
	if err != nil {
		t.Fatalf("GetHistoryByID() error = %v", err)
	}
	for _, r := range history {
		want := r.Number == 2 || r.Number == 3
		if r.IsReverted != want {
			t.Fatalf("revision %d IsReverted = %v, want %v", r.Number, r.IsReverted, want)
		}
	}
}

func TestMoveKeepsIdentityAndHistory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	page := env.createPage(t, "Old", "text")
	env.createPage(t, "Taken", "text")

	if _, _, err := env.svc.MovePage(ctx, "main", "Old", wiki.Key{Namespace: "main", Slug: "Taken"}, veteran, ""); !wiki.IsConflict(err) {
		t.Fatalf("moving onto a live page should conflict, got %v", err)
	}
	if _, _, err := env.svc.MovePage(ctx, "main", "Old", wiki.Key{Namespace: "main", Slug: "Old"}, veteran, ""); !wiki.IsValidation(err) {
		t.Fatalf("moving onto itself should be a validation error, got %v", err)
	}

	moved, rev, err := env.svc.MovePage(ctx, "main", "Old", wiki.Key{Namespace: "help", Slug: "New"}, veteran, "")
	if err != nil {
		t.Fatalf("MovePage() error = %v", err)
	}
	if moved.ID != page.ID || moved.Namespace != "help" || moved.Slug != "New" || rev.EditType != wiki.EditMove || rev.Number != 2 {
		t.Fatalf("unexpected move: page=%+v rev=%+v", moved, rev)
	}
	if _, err := env.svc.GetPage(ctx, "main", "Old"); !wiki.IsNotFound(err) {
		t.Fatalf("old key should be vacant, got %v", err)
	}
	if history, err := env.svc.GetHistory(ctx, "help", "New", wiki.Pagination{}); err != nil || len(history) != 2 {
		t.Fatalf("GetHistory(new key) = %d, %v", len(history), err)
	}
}

func TestProtectRequiresModerator(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createPage(t, "Policy", "rules")

	if _, _, err := env.svc.ProtectPage(ctx, "main", "Policy", wiki.ProtectionSemi, veteran, ""); !wiki.IsPermissionDenied(err) {
		t.Fatalf("editor protect should be denied, got %v", err)
	}
	if _, _, err := env.svc.ProtectPage(ctx, "main", "Policy", wiki.ProtectionAdmin, moderator, ""); !wiki.IsPermissionDenied(err) {
		t.Fatalf("moderator cannot raise above their own level, got %v", err)
	}
	page, rev, err := env.svc.ProtectPage(ctx, "main", "Policy", wiki.ProtectionFull, moderator, "")
	if err != nil {
		t.Fatalf("ProtectPage() error = %v", err)
	}
	if page.Protection != wiki.ProtectionFull || page.Content != "rules" || rev.EditType != wiki.EditProtect || rev.SizeChange != 0 {
		t.Fatalf("unexpected protect result: page=%+v rev=%+v", page, rev)
	}
	if _, _, err := env.svc.ProtectPage(ctx, "main", "Policy", wiki.ProtectionFull, moderator, ""); !wiki.IsValidation(err) {
		t.Fatalf("same level should be a validation error, got %v", err)
	}
}

func TestReviewDecisions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createPage(t, "Queue", "text")

	submit := func() string {
		t.Helper()
		result, err := env.svc.ProposeEdit(ctx, EditInput{Namespace: "main", Slug: "Queue", Content: "proposal"}, reader)
		if err != nil || result.Queued == nil {
			t.Fatalf("ProposeEdit() = %+v, %v", result, err)
		}
		return result.Queued.ID
	}

	held := submit()
	if _, err := env.svc.ReviewSubmission(ctx, held, DecisionHold, veteran, ""); !wiki.IsPermissionDenied(err) {
		t.Fatalf("editor review should be denied, got %v", err)
	}
	result, err := env.svc.ReviewSubmission(ctx, held, DecisionHold, moderator, "needs sources")
	if err != nil || result.Submission.Status != wiki.StatusOnHold || result.Submission.Reason != "needs sources" {
		t.Fatalf("hold = %+v, %v", result, err)
	}
	_, err = env.svc.ReviewSubmission(ctx, held, DecisionApprove, moderator, "")
	if invalid, ok := wiki.AsInvalidState(err); !ok || invalid.Status != wiki.StatusOnHold {
		t.Fatalf("approving a held submission should be InvalidState, got %v", err)
	}
	if result, err = env.svc.ReviewSubmission(ctx, held, DecisionUnhold, moderator, ""); err != nil || result.Submission.Status != wiki.StatusPending {
		t.Fatalf("unhold = %+v, %v", result, err)
	}
	if result, err = env.svc.ReviewSubmission(ctx, held, DecisionReject, moderator, "duplicate"); err != nil || result.Submission.Status != wiki.StatusRejected {
		t.Fatalf("reject = %+v, %v", result, err)
	}
	for _, decision := range []Decision{DecisionApprove, DecisionReject, DecisionHold, DecisionUnhold} {
		if _, err := env.svc.ReviewSubmission(ctx, held, decision, moderator, ""); err == nil {
			t.Fatalf("%s on a rejected submission should fail", decision)
		} else if _, ok := wiki.AsInvalidState(err); !ok {
			t.Fatalf("%s on a rejected submission: expected InvalidState, got %v", decision, err)
		}
	}

	if _, err := env.svc.ReviewSubmission(ctx, submit(), Decision("merge"), moderator, ""); !wiki.IsValidation(err) {
		t.Fatalf("unknown decision should be a validation error, got %v", err)
	}

	page, err := env.svc.GetPage(ctx, "main", "Queue")
	if err != nil || page.CurrentRevision != 1 {
		t.Fatalf("non-approval decisions must not touch the page: %+v, %v", page, err)
	}

	pending, err := env.svc.ListSubmissions(ctx, wiki.SubmissionFilter{Status: wiki.StatusPending})
	if err != nil || len(pending) != 1 {
		t.Fatalf("ListSubmissions(pending) = %d, %v", len(pending), err)
	}
}

func TestCreateSubmissionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	queued, err := env.svc.ProposeCreate(ctx, CreateInput{Namespace: "Help", Slug: "Getting Started", Content: "welcome"}, reader)
	if err != nil || queued.Queued == nil {
		t.Fatalf("ProposeCreate() = %+v, %v", queued, err)
	}
	if queued.Queued.Namespace != "help" || queued.Queued.Type != wiki.SubmissionCreate {
		t.Fatalf("unexpected submission: %+v", queued.Queued)
	}
	rival, err := env.svc.ProposeCreate(ctx, CreateInput{Namespace: "help", Slug: "Getting Started", Content: "hello"}, reader)
	if err != nil || rival.Queued == nil {
		t.Fatalf("ProposeCreate(rival) = %+v, %v", rival, err)
	}

	approved, err := env.svc.ReviewSubmission(ctx, queued.Queued.ID, DecisionApprove, moderator, "")
	if err != nil {
		t.Fatalf("approve create error = %v", err)
	}
	if approved.Page == nil || approved.Page.CurrentRevision != 1 || approved.Page.CreatedBy != reader.ID {
		t.Fatalf("unexpected page: %+v", approved.Page)
	}
	if approved.Submission.PageID != approved.Page.ID || approved.Submission.AppliedRevision != 1 {
		t.Fatalf("submission not linked to page: %+v", approved.Submission)
	}

	if _, err := env.svc.ReviewSubmission(ctx, rival.Queued.ID, DecisionApprove, moderator, ""); !wiki.IsConflict(err) {
		t.Fatalf("second create should conflict, got %v", err)
	}
	still, err := env.svc.GetSubmission(ctx, rival.Queued.ID)
	if err != nil || still.Status != wiki.StatusPending {
		t.Fatalf("rival should stay pending: %+v, %v", still, err)
	}
}

func TestSideEffectsFollowAcceptedRevisions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	page := env.createPage(t, "Watched", "one")
	if _, err := env.svc.ProposeEdit(ctx, EditInput{Namespace: "main", Slug: "Watched", Content: "two"}, veteran); err != nil {
		t.Fatalf("ProposeEdit() error = %v", err)
	}
	queued, err := env.svc.ProposeEdit(ctx, EditInput{Namespace: "main", Slug: "Watched", Content: "three"}, reader)
	if err != nil {
		t.Fatalf("ProposeEdit(reader) error = %v", err)
	}
	if _, err := env.svc.ReviewSubmission(ctx, queued.Queued.ID, DecisionReject, moderator, "no"); err != nil {
		t.Fatalf("reject error = %v", err)
	}
	env.svc.Wait()

	env.mirror.mu.Lock()
	mirrored := append([]int(nil), env.mirror.revisions[page.ID]...)
	env.mirror.mu.Unlock()
	if len(mirrored) != 2 {
		t.Fatalf("expected two mirrored revisions, got %v", mirrored)
	}

	env.indexer.mu.Lock()
	record := env.indexer.indexed[page.ID]
	env.indexer.mu.Unlock()
	if record.Revision != 2 || record.Content != "two" {
		t.Fatalf("index should hold the head, got %+v", record)
	}

	env.notifier.mu.Lock()
	defer env.notifier.mu.Unlock()
	if len(env.notifier.queued) != 1 || len(env.notifier.decided) != 1 || env.notifier.decided[0] != wiki.StatusRejected {
		t.Fatalf("unexpected notifications: queued=%v decided=%v", env.notifier.queued, env.notifier.decided)
	}
}

func TestMirrorFailureDoesNotFailEdit(t *testing.T) {
	env := newTestEnv(t)
	env.mirror.fail = errors.New("disk full")
	page := env.createPage(t, "Resilient", "text")
	env.svc.Wait()
	if page.CurrentRevision != 1 {
		t.Fatalf("create should succeed despite mirror failure: %+v", page)
	}
}

func TestGitMirrorRecordsEveryRevision(t *testing.T) {
	env := newTestEnvWithMirror(t, gitrepo.New(t.TempDir()))
	ctx := context.Background()
	page := env.createPage(t, "Chronicle", "draft 1")
	for i := 2; i <= 30; i++ {
		if _, err := env.svc.ProposeEdit(ctx, EditInput{Namespace: "main", Slug: "Chronicle", Content: fmt.Sprintf("draft %d", i)}, veteran); err != nil {
			t.Fatalf("ProposeEdit(%d) error = %v", i, err)
		}
	}
	env.svc.Wait()

	commits, err := env.svc.MirrorHistory(ctx, page.ID, 0)
	if err != nil {
		t.Fatalf("MirrorHistory() error = %v", err)
	}
	if len(commits) != 30 {
		t.Fatalf("expected 30 mirrored commits, got %d", len(commits))
	}
	for i, commit := range commits {
		if want := 30 - i; commit.Revision != want {
			t.Fatalf("commits[%d].Revision = %d, want %d", i, commit.Revision, want)
		}
	}
	for n := 1; n <= 30; n++ {
		rev, err := env.svc.GetRevision(ctx, page.ID, n)
		if err != nil {
			t.Fatalf("GetRevision(%d) error = %v", n, err)
		}
		snap, err := env.svc.MirrorSnapshot(ctx, page.ID, n)
		if err != nil {
			t.Fatalf("MirrorSnapshot(%d) error = %v", n, err)
		}
		if snap.Content != rev.Content || snap.Meta.Revision != n || snap.Meta.EditType != string(rev.EditType) {
			t.Fatalf("MirrorSnapshot(%d) = %+v, store has %q", n, snap, rev.Content)
		}
	}

	if _, err := env.svc.MirrorSnapshot(ctx, page.ID, 31); !wiki.IsNotFound(err) {
		t.Fatalf("unmirrored revision should be NotFound, got %v", err)
	}
	if _, err := env.svc.MirrorHistory(ctx, "pg_missing", 0); !wiki.IsNotFound(err) {
		t.Fatalf("unknown page should be NotFound, got %v", err)
	}
}

func TestGitMirrorUnderConcurrentEditors(t *testing.T) {
	env := newTestEnvWithMirror(t, gitrepo.New(t.TempDir()))
	ctx := context.Background()
	page := env.createPage(t, "Busy", "start")

	var g errgroup.Group
	for w := 0; w < 6; w++ {
		actor := rbac.Actor{ID: fmt.Sprintf("u_m%02d", w), Name: fmt.Sprintf("Writer %d", w), Role: rbac.RoleEditor}
		g.Go(func() error {
			for i := 0; i < 3; {
				_, err := env.svc.ProposeEdit(ctx, EditInput{Namespace: "main", Slug: "Busy", Content: fmt.Sprintf("%s-%d", actor.ID, i)}, actor)
				if _, held := wiki.AsLockHeld(err); held {
					runtime.Gosched()
					continue
				}
				if err != nil {
					return err
				}
				i++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent edits error = %v", err)
	}
	env.svc.Wait()

	commits, err := env.svc.MirrorHistory(ctx, page.ID, 0)
	if err != nil {
		t.Fatalf("MirrorHistory() error = %v", err)
	}
	if len(commits) != 19 {
		t.Fatalf("expected 19 mirrored commits, got %d", len(commits))
	}
}

func TestMirrorReadsNeedAMirror(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(store.NewMemoryStore(), lease.NewManager(lease.NewMemoryBackend(), time.Minute, logger),
		protection.NewGate(protection.DefaultPolicy()), Options{Logger: logger})
	if _, err := svc.MirrorHistory(context.Background(), "pg_1", 0); !wiki.IsNotFound(err) {
		t.Fatalf("expected NotFound without a mirror, got %v", err)
	}
}

// lapsingBackend lets the caller's live lease run out just before the
// first acquire is evaluated.
type lapsingBackend struct {
	*lease.MemoryBackend
	clock *testClock
	lapse bool
}

func (b *lapsingBackend) Acquire(ctx context.Context, key, holder, reason string, now time.Time, ttl time.Duration) (wiki.Lease, error) {
	if b.lapse {
		b.lapse = false
		b.clock.Advance(ttl)
		now = now.Add(ttl)
	}
	return b.MemoryBackend.Acquire(ctx, key, holder, reason, now, ttl)
}

func TestDirectEditReleasesLeaseWhenSessionLapsed(t *testing.T) {
	clock := &testClock{now: epoch}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	backend := &lapsingBackend{MemoryBackend: lease.NewMemoryBackend(), clock: clock}
	leases := lease.NewManager(backend, 10*time.Minute, logger)
	leases.Now = clock.Now
	svc := NewService(store.NewMemoryStore(), leases, protection.NewGate(protection.DefaultPolicy()).WithClock(clock.Now),
		Options{Logger: logger, Now: clock.Now})
	ctx := context.Background()

	created, err := svc.ProposeCreate(ctx, CreateInput{Namespace: "main", Slug: "Lapse", Content: "one"}, veteran)
	if err != nil || created.Applied == nil {
		t.Fatalf("ProposeCreate() = %+v, %v", created, err)
	}
	if _, err := svc.AcquireEditSession(ctx, "main", "Lapse", veteran, ""); err != nil {
		t.Fatalf("AcquireEditSession() error = %v", err)
	}

	backend.lapse = true
	if _, err := svc.ProposeEdit(ctx, EditInput{Namespace: "main", Slug: "Lapse", Content: "two"}, veteran); err != nil {
		t.Fatalf("ProposeEdit() error = %v", err)
	}
	if held, err := leases.IsHeld(ctx, created.Applied.ID); err != nil || held {
		t.Fatalf("a lease granted for the edit must be released, held=%v err=%v", held, err)
	}
}

func TestSearchUsesIndexedPages(t *testing.T) {
	clock := &testClock{now: epoch}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	index := search.NewService(nil, search.NewMemoryIndex(), logger)
	leases := lease.NewManager(lease.NewMemoryBackend(), time.Minute, logger)
	svc := NewService(store.NewMemoryStore(), leases, protection.NewGate(protection.DefaultPolicy()), Options{
		Indexer: index, Searcher: index, Logger: logger, Now: clock.Now,
	})
	ctx := context.Background()

	if _, err := svc.ProposeCreate(ctx, CreateInput{Namespace: "main", Slug: "Otters", Title: "Otters", Content: "River otters hold hands"}, veteran); err != nil {
		t.Fatalf("ProposeCreate() error = %v", err)
	}
	if _, err := svc.ProposeCreate(ctx, CreateInput{Namespace: "main", Slug: "Beavers", Content: "Beavers build dams"}, veteran); err != nil {
		t.Fatalf("ProposeCreate() error = %v", err)
	}

	resp := svc.Search(ctx, search.Query{Text: "  otters "})
	if resp.Total != 1 || len(resp.Results) != 1 || resp.Results[0].Slug != "Otters" {
		t.Fatalf("unexpected search response: %+v", resp)
	}
	if _, err := svc.DeletePage(ctx, "main", "Otters", admin, ""); err != nil {
		t.Fatalf("DeletePage() error = %v", err)
	}
	if resp := svc.Search(ctx, search.Query{Text: "otters"}); resp.Total != 0 {
		t.Fatalf("deleted page should not be found: %+v", resp)
	}
	if resp := svc.Search(ctx, search.Query{}); len(resp.Results) != 0 || resp.Results == nil {
		t.Fatalf("blank query should return an empty list: %+v", resp)
	}
}

func TestDecisionOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: nil, want: "ok"},
		{err: &wiki.RevisionConflictError{Expected: 1, Actual: 2}, want: "conflict"},
		{err: wiki.Conflict("taken"), want: "conflict"},
		{err: &wiki.InvalidStateError{Status: wiki.StatusRejected, Op: "approve"}, want: "invalid_state"},
		{err: wiki.PermissionDenied("no"), want: "denied"},
		{err: errors.New("boom"), want: "error"},
	}
	for _, tc := range tests {
		if got := decisionOutcome(tc.err); got != tc.want {
			t.Fatalf("decisionOutcome(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
