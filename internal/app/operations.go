package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/biz-doublej/rangu.fam-sub002/internal/gitrepo"
	"github.com/biz-doublej/rangu.fam-sub002/internal/metrics"
	"github.com/biz-doublej/rangu.fam-sub002/internal/rbac"
	"github.com/biz-doublej/rangu.fam-sub002/internal/search"
	"github.com/biz-doublej/rangu.fam-sub002/internal/wiki"
)

type EditInput struct {
	Namespace    string   `json:"namespace"`
	Slug         string   `json:"slug"`
	Title        string   `json:"title"`
	Content      string   `json:"content"`
	Summary      string   `json:"summary"`
	Categories   []string `json:"categories"`
	BaseRevision int      `json:"baseRevision"`
}

type CreateInput struct {
	Namespace  string   `json:"namespace"`
	Slug       string   `json:"slug"`
	Title      string   `json:"title"`
	Content    string   `json:"content"`
	Summary    string   `json:"summary"`
	Categories []string `json:"categories"`
}

// EditResult holds exactly one of Applied or Queued.
type EditResult struct {
	Applied  *wiki.Page       `json:"applied,omitempty"`
	Revision *wiki.Revision   `json:"revision,omitempty"`
	Queued   *wiki.Submission `json:"queued,omitempty"`
}

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
	DecisionHold    Decision = "hold"
	DecisionUnhold  Decision = "unhold"
)

type ReviewResult struct {
	Submission wiki.Submission `json:"submission"`
	Page       *wiki.Page      `json:"page,omitempty"`
	Revision   *wiki.Revision  `json:"revision,omitempty"`
}

// ProposeEdit applies the edit under a scoped lease when the protection
// gate allows it and queues a submission otherwise.
func (s *Service) ProposeEdit(ctx context.Context, in EditInput, actor rbac.Actor) (result EditResult, err error) {
	ctx, done := s.observe(ctx, "propose_edit", attribute.String("wiki.page", in.Namespace+":"+in.Slug))
	defer func() { done(err) }()

	if actor.Anonymous() {
		return EditResult{}, wiki.PermissionDenied("editing requires an authenticated actor")
	}
	page, err := s.pages.GetLive(ctx, in.Namespace, in.Slug)
	if err != nil {
		return EditResult{}, err
	}
	if s.gate.CanEditDirectly(page.Protection, actor) {
		updated, rev, err := s.directEdit(ctx, page.ID, in, actor)
		if err != nil {
			return EditResult{}, err
		}
		return EditResult{Applied: &updated, Revision: &rev}, nil
	}

	sub, err := s.submissions.Submit(ctx, SubmitInput{
		Type:             wiki.SubmissionEdit,
		Namespace:        page.Namespace,
		Slug:             page.Slug,
		Title:            in.Title,
		Content:          in.Content,
		Summary:          in.Summary,
		Categories:       in.Categories,
		ExpectedRevision: in.BaseRevision,
	}, actor)
	if err != nil {
		if _, stale := wiki.AsRevisionConflict(err); stale {
			s.metrics.RevisionConflict("submit")
		}
		return EditResult{}, err
	}
	s.submissionQueued(sub)
	return EditResult{Queued: &sub}, nil
}

// EditPage is the direct path only; a gated actor gets PermissionDenied.
func (s *Service) EditPage(ctx context.Context, in EditInput, actor rbac.Actor) (page wiki.Page, rev wiki.Revision, err error) {
	ctx, done := s.observe(ctx, "edit_page", attribute.String("wiki.page", in.Namespace+":"+in.Slug))
	defer func() { done(err) }()

	live, err := s.pages.GetLive(ctx, in.Namespace, in.Slug)
	if err != nil {
		return wiki.Page{}, wiki.Revision{}, err
	}
	if err := s.gate.CheckDirect(live.Protection, actor); err != nil {
		return wiki.Page{}, wiki.Revision{}, err
	}
	return s.directEdit(ctx, live.ID, in, actor)
}

func (s *Service) directEdit(ctx context.Context, pageID string, in EditInput, actor rbac.Actor) (page wiki.Page, rev wiki.Revision, err error) {
	err = s.withLease(ctx, pageID, actor, "edit", func(current wiki.Page) error {
		if err := s.gate.CheckDirect(current.Protection, actor); err != nil {
			return err
		}
		if in.BaseRevision != 0 && in.BaseRevision != current.CurrentRevision {
			return &wiki.RevisionConflictError{Expected: in.BaseRevision, Actual: current.CurrentRevision}
		}
		var err error
		page, rev, err = s.pages.applyEdit(ctx, current, in.Title, in.Content, in.Summary, actor, nil)
		return err
	})
	if err != nil {
		if _, stale := wiki.AsRevisionConflict(err); stale {
			s.metrics.RevisionConflict("direct")
		}
		return wiki.Page{}, wiki.Revision{}, err
	}
	s.revisionAccepted(page, rev)
	return page, rev, nil
}

// ProposeCreate creates the page directly when the actor passes the
// policy's create level and queues a create submission otherwise.
func (s *Service) ProposeCreate(ctx context.Context, in CreateInput, actor rbac.Actor) (result EditResult, err error) {
	ctx, done := s.observe(ctx, "propose_create", attribute.String("wiki.page", in.Namespace+":"+in.Slug))
	defer func() { done(err) }()

	if actor.Anonymous() {
		return EditResult{}, wiki.PermissionDenied("creating pages requires an authenticated actor")
	}
	if s.gate.CanCreateDirectly(actor) {
		page, rev, err := s.pages.Create(ctx, wiki.Key{Namespace: in.Namespace, Slug: in.Slug}, in.Title, in.Content, in.Summary, actor)
		if err != nil {
			return EditResult{}, err
		}
		s.revisionAccepted(page, rev)
		return EditResult{Applied: &page, Revision: &rev}, nil
	}

	sub, err := s.submissions.Submit(ctx, SubmitInput{
		Type:       wiki.SubmissionCreate,
		Namespace:  in.Namespace,
		Slug:       in.Slug,
		Title:      in.Title,
		Content:    in.Content,
		Summary:    in.Summary,
		Categories: in.Categories,
	}, actor)
	if err != nil {
		return EditResult{}, err
	}
	s.submissionQueued(sub)
	return EditResult{Queued: &sub}, nil
}

func (s *Service) ReviewSubmission(ctx context.Context, id string, decision Decision, reviewer rbac.Actor, reason string) (result ReviewResult, err error) {
	ctx, done := s.observe(ctx, "review_submission",
		attribute.String("wiki.submission", id), attribute.String("wiki.decision", string(decision)))
	defer func() {
		s.metrics.Decision(string(decision), decisionOutcome(err))
		done(err)
	}()

	var sub wiki.Submission
	switch decision {
	case DecisionApprove:
		approval, err := s.submissions.Approve(ctx, id, reviewer)
		if err != nil {
			if _, stale := wiki.AsRevisionConflict(err); stale {
				s.metrics.RevisionConflict("approval")
			}
			return ReviewResult{}, err
		}
		s.revisionAccepted(approval.Page, approval.Revision)
		s.submissionDecided(approval.Submission)
		return ReviewResult{Submission: approval.Submission, Page: &approval.Page, Revision: &approval.Revision}, nil
	case DecisionReject:
		sub, err = s.submissions.Reject(ctx, id, reviewer, reason)
	case DecisionHold:
		sub, err = s.submissions.Hold(ctx, id, reviewer, reason)
	case DecisionUnhold:
		sub, err = s.submissions.Unhold(ctx, id, reviewer)
	default:
		return ReviewResult{}, wiki.Validation("decision", "decision must be approve, reject, hold or unhold")
	}
	if err != nil {
		return ReviewResult{}, err
	}
	s.submissionDecided(sub)
	return ReviewResult{Submission: sub}, nil
}

func decisionOutcome(err error) string {
	if err == nil {
		return "ok"
	}
	if _, ok := wiki.AsRevisionConflict(err); ok || wiki.IsConflict(err) {
		return "conflict"
	}
	if _, ok := wiki.AsInvalidState(err); ok {
		return "invalid_state"
	}
	if wiki.IsPermissionDenied(err) {
		return "denied"
	}
	return "error"
}

// AcquireEditSession grants or renews the actor's lease on a page they may
// edit directly.
func (s *Service) AcquireEditSession(ctx context.Context, namespace, slug string, actor rbac.Actor, reason string) (result wiki.Lease, err error) {
	ctx, done := s.observe(ctx, "acquire_edit_session", attribute.String("wiki.page", namespace+":"+slug))
	defer func() { done(err) }()

	page, err := s.pages.GetLive(ctx, namespace, slug)
	if err != nil {
		return wiki.Lease{}, err
	}
	if err := s.gate.CheckDirect(page.Protection, actor); err != nil {
		return wiki.Lease{}, err
	}
	granted, err := s.leases.Acquire(ctx, page.ID, actor, reason)
	s.recordLease(err, granted.Renewed)
	if err != nil {
		return wiki.Lease{}, err
	}
	return granted, nil
}

func (s *Service) ReleaseEditSession(ctx context.Context, namespace, slug string, actor rbac.Actor) (err error) {
	ctx, done := s.observe(ctx, "release_edit_session", attribute.String("wiki.page", namespace+":"+slug))
	defer func() { done(err) }()

	page, err := s.pages.GetLive(ctx, namespace, slug)
	if err != nil {
		return err
	}
	if err := s.leases.Release(ctx, page.ID, actor); err != nil {
		return err
	}
	s.metrics.Lease(metrics.LeaseReleased)
	return nil
}

// GetPage returns the live page with its current lease, if any.
func (s *Service) GetPage(ctx context.Context, namespace, slug string) (wiki.Page, error) {
	page, err := s.pages.GetLive(ctx, namespace, slug)
	if err != nil {
		return wiki.Page{}, err
	}
	s.attachLease(ctx, &page)
	return page, nil
}

// GetPageByID includes soft-deleted pages.
func (s *Service) GetPageByID(ctx context.Context, pageID string) (wiki.Page, error) {
	page, err := s.pages.GetByID(ctx, pageID)
	if err != nil {
		return wiki.Page{}, err
	}
	if !page.IsDeleted {
		s.attachLease(ctx, &page)
	}
	return page, nil
}

func (s *Service) attachLease(ctx context.Context, page *wiki.Page) {
	current, ok, err := s.leases.Get(ctx, page.ID)
	if err != nil {
		s.logger.Warn("read edit lease", "page_id", page.ID, "error", err)
		return
	}
	if ok {
		page.Lease = &current
	}
}

func (s *Service) GetHistory(ctx context.Context, namespace, slug string, p wiki.Pagination) ([]wiki.Revision, error) {
	page, err := s.pages.GetLive(ctx, namespace, slug)
	if err != nil {
		return nil, err
	}
	return s.revisions.History(ctx, page.ID, p)
}

// GetHistoryByID reads history for any page, deleted or not.
func (s *Service) GetHistoryByID(ctx context.Context, pageID string, p wiki.Pagination) ([]wiki.Revision, error) {
	if _, err := s.pages.GetByID(ctx, pageID); err != nil {
		return nil, err
	}
	return s.revisions.History(ctx, pageID, p)
}

func (s *Service) GetRevision(ctx context.Context, pageID string, number int) (wiki.Revision, error) {
	if _, err := s.pages.GetByID(ctx, pageID); err != nil {
		return wiki.Revision{}, err
	}
	return s.revisions.Get(ctx, pageID, number)
}

// MirrorHistory lists the page's commits in the history mirror, newest first.
func (s *Service) MirrorHistory(ctx context.Context, pageID string, limit int) ([]gitrepo.CommitInfo, error) {
	if s.mirror == nil {
		return nil, wiki.NotFound("history mirror")
	}
	if _, err := s.pages.GetByID(ctx, pageID); err != nil {
		return nil, err
	}
	if limit < 0 {
		return nil, wiki.Validation("limit", "limit must not be negative")
	}
	return s.mirror.History(pageID, limit)
}

// MirrorSnapshot reads the page as the history mirror recorded it at number.
func (s *Service) MirrorSnapshot(ctx context.Context, pageID string, number int) (gitrepo.Snapshot, error) {
	if s.mirror == nil {
		return gitrepo.Snapshot{}, wiki.NotFound("history mirror")
	}
	if _, err := s.pages.GetByID(ctx, pageID); err != nil {
		return gitrepo.Snapshot{}, err
	}
	snap, err := s.mirror.SnapshotAt(pageID, number)
	if errors.Is(err, gitrepo.ErrRevisionNotMirrored) {
		return gitrepo.Snapshot{}, wiki.NotFound(fmt.Sprintf("mirrored revision %d of page %s", number, pageID))
	}
	return snap, err
}

func (s *Service) ProtectPage(ctx context.Context, namespace, slug string, level wiki.ProtectionLevel, actor rbac.Actor, reason string) (page wiki.Page, rev wiki.Revision, err error) {
	ctx, done := s.observe(ctx, "protect_page",
		attribute.String("wiki.page", namespace+":"+slug), attribute.String("wiki.protection", string(level)))
	defer func() { done(err) }()

	return s.moderate(ctx, namespace, slug, actor, "protect", func(current wiki.Page) (wiki.Page, wiki.Revision, error) {
		if err := s.gate.CheckProtect(current.Protection, level, actor); err != nil {
			return wiki.Page{}, wiki.Revision{}, err
		}
		return s.pages.Protect(ctx, current, level, actor, reason)
	})
}

func (s *Service) MovePage(ctx context.Context, namespace, slug string, target wiki.Key, actor rbac.Actor, reason string) (page wiki.Page, rev wiki.Revision, err error) {
	ctx, done := s.observe(ctx, "move_page",
		attribute.String("wiki.page", namespace+":"+slug), attribute.String("wiki.target", target.String()))
	defer func() { done(err) }()

	return s.moderate(ctx, namespace, slug, actor, "move", func(current wiki.Page) (wiki.Page, wiki.Revision, error) {
		if err := s.gate.CheckDirect(current.Protection, actor); err != nil {
			return wiki.Page{}, wiki.Revision{}, err
		}
		return s.pages.Move(ctx, current, target, actor, reason)
	})
}

func (s *Service) RevertPage(ctx context.Context, namespace, slug string, to int, actor rbac.Actor, summary string) (page wiki.Page, rev wiki.Revision, err error) {
	ctx, done := s.observe(ctx, "revert_page", attribute.String("wiki.page", namespace+":"+slug), attribute.Int("wiki.to", to))
	defer func() { done(err) }()

	return s.moderate(ctx, namespace, slug, actor, "revert", func(current wiki.Page) (wiki.Page, wiki.Revision, error) {
		if err := s.gate.CheckDirect(current.Protection, actor); err != nil {
			return wiki.Page{}, wiki.Revision{}, err
		}
		return s.pages.Revert(ctx, current, to, actor, summary)
	})
}

// moderate runs a revision-producing page operation under the edit lease.
func (s *Service) moderate(ctx context.Context, namespace, slug string, actor rbac.Actor, reason string, fn func(wiki.Page) (wiki.Page, wiki.Revision, error)) (wiki.Page, wiki.Revision, error) {
	if actor.Anonymous() {
		return wiki.Page{}, wiki.Revision{}, wiki.PermissionDenied("%s requires an authenticated actor", reason)
	}
	live, err := s.pages.GetLive(ctx, namespace, slug)
	if err != nil {
		return wiki.Page{}, wiki.Revision{}, err
	}
	var (
		page wiki.Page
		rev  wiki.Revision
	)
	err = s.withLease(ctx, live.ID, actor, reason, func(current wiki.Page) error {
		var err error
		page, rev, err = fn(current)
		return err
	})
	if err != nil {
		return wiki.Page{}, wiki.Revision{}, err
	}
	s.revisionAccepted(page, rev)
	return page, rev, nil
}

func (s *Service) DeletePage(ctx context.Context, namespace, slug string, actor rbac.Actor, reason string) (page wiki.Page, err error) {
	ctx, done := s.observe(ctx, "delete_page", attribute.String("wiki.page", namespace+":"+slug))
	defer func() { done(err) }()

	if !rbac.Can(actor.Role, rbac.ActionDelete) {
		return wiki.Page{}, wiki.PermissionDenied("role %s cannot delete pages", actor.Role)
	}
	live, err := s.pages.GetLive(ctx, namespace, slug)
	if err != nil {
		return wiki.Page{}, err
	}
	if err := s.gate.CheckDirect(live.Protection, actor); err != nil {
		return wiki.Page{}, err
	}
	page, err = s.pages.SoftDelete(ctx, live, actor, reason)
	if err != nil {
		return wiki.Page{}, err
	}
	s.logger.Info("page deleted", "page_id", page.ID, "page", page.Key().String(), "actor", actor.ID)
	if s.indexer != nil {
		s.indexer.RemovePage(page.ID)
	}
	return page, nil
}

func (s *Service) RestorePage(ctx context.Context, pageID string, actor rbac.Actor) (page wiki.Page, err error) {
	ctx, done := s.observe(ctx, "restore_page", attribute.String("wiki.page_id", pageID))
	defer func() { done(err) }()

	if !rbac.Can(actor.Role, rbac.ActionDelete) {
		return wiki.Page{}, wiki.PermissionDenied("role %s cannot restore pages", actor.Role)
	}
	deleted, err := s.pages.GetByID(ctx, pageID)
	if err != nil {
		return wiki.Page{}, err
	}
	if err := s.gate.CheckDirect(deleted.Protection, actor); err != nil {
		return wiki.Page{}, err
	}
	page, err = s.pages.Restore(ctx, pageID, actor)
	if err != nil {
		return wiki.Page{}, err
	}
	s.logger.Info("page restored", "page_id", page.ID, "page", page.Key().String(), "actor", actor.ID)
	s.index(page)
	return page, nil
}

func (s *Service) ListSubmissions(ctx context.Context, filter wiki.SubmissionFilter) ([]wiki.Submission, error) {
	return s.submissions.List(ctx, filter)
}

func (s *Service) GetSubmission(ctx context.Context, id string) (wiki.Submission, error) {
	return s.submissions.Get(ctx, id)
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	_, done := s.observe(ctx, "search")
	defer done(nil)

	q.Text = strings.TrimSpace(q.Text)
	if s.searcher == nil || q.Text == "" {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.searcher.Search(q)
}
