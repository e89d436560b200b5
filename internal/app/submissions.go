package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/biz-doublej/rangu.fam-sub002/internal/protection"
	"github.com/biz-doublej/rangu.fam-sub002/internal/rbac"
	"github.com/biz-doublej/rangu.fam-sub002/internal/store"
	"github.com/biz-doublej/rangu.fam-sub002/internal/util"
	"github.com/biz-doublej/rangu.fam-sub002/internal/wiki"
)

type SubmitInput struct {
	Type       wiki.SubmissionType
	Namespace  string
	Slug       string
	Title      string
	Content    string
	Summary    string
	Categories []string
	// ExpectedRevision pins an edit to the revision the author saw. Zero
	// snapshots the head at submit time.
	ExpectedRevision int
}

// Approval is the outcome of a successful approve.
type Approval struct {
	Submission wiki.Submission
	Page       wiki.Page
	Revision   wiki.Revision
}

// SubmissionWorkflow is the moderated path:
//
//	pending -> approved | rejected | onhold
//	onhold  -> pending | rejected
//
// Approval re-checks the page head against the submission's expected
// revision and commits the page change and the status change together.
type SubmissionWorkflow struct {
	store Store
	pages *PageStore
	gate  *protection.Gate
	now   func() time.Time
}

func NewSubmissionWorkflow(st Store, pages *PageStore, gate *protection.Gate, now func() time.Time) *SubmissionWorkflow {
	if now == nil {
		now = time.Now
	}
	return &SubmissionWorkflow{store: st, pages: pages, gate: gate, now: now}
}

func (w *SubmissionWorkflow) Submit(ctx context.Context, in SubmitInput, author rbac.Actor) (wiki.Submission, error) {
	if author.Anonymous() {
		return wiki.Submission{}, wiki.PermissionDenied("submissions require an authenticated actor")
	}
	if !rbac.Can(author.Role, rbac.ActionSubmit) {
		return wiki.Submission{}, wiki.PermissionDenied("role %s cannot submit changes", author.Role)
	}
	key, err := wiki.NormalizeKey(in.Namespace, in.Slug)
	if err != nil {
		return wiki.Submission{}, err
	}
	summary, err := wiki.NormalizeSummary(in.Summary)
	if err != nil {
		return wiki.Submission{}, err
	}

	now := w.now().UTC()
	sub := wiki.Submission{
		ID:         util.NewID("sub"),
		Type:       in.Type,
		Status:     wiki.StatusPending,
		Namespace:  key.Namespace,
		Slug:       key.Slug,
		Content:    in.Content,
		Summary:    summary,
		Categories: wiki.NormalizeCategories(in.Categories),
		AuthorID:   author.ID,
		AuthorName: author.DisplayName(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	switch in.Type {
	case wiki.SubmissionEdit:
		page, err := w.store.GetPageByKey(ctx, key.Namespace, key.Slug)
		if err != nil {
			return wiki.Submission{}, err
		}
		if in.ExpectedRevision != 0 && in.ExpectedRevision != page.CurrentRevision {
			return wiki.Submission{}, &wiki.RevisionConflictError{Expected: in.ExpectedRevision, Actual: page.CurrentRevision}
		}
		sub.PageID = page.ID
		sub.ExpectedRevision = page.CurrentRevision
		sub.Title = page.Title
		if title := strings.TrimSpace(in.Title); title != "" {
			if sub.Title, err = wiki.NormalizeTitle(title, key); err != nil {
				return wiki.Submission{}, err
			}
		}
	case wiki.SubmissionCreate:
		if in.Content == "" {
			return wiki.Submission{}, wiki.Validation("content", "content is required to create a page")
		}
		if err := w.pages.ensureVacant(ctx, key); err != nil {
			return wiki.Submission{}, err
		}
		if sub.Title, err = wiki.NormalizeTitle(in.Title, key); err != nil {
			return wiki.Submission{}, err
		}
	default:
		return wiki.Submission{}, wiki.Validation("type", "unknown submission type "+string(in.Type))
	}

	if err := w.store.InsertSubmission(ctx, sub); err != nil {
		return wiki.Submission{}, err
	}
	return sub, nil
}

// Approve applies a pending submission. A stale edit fails with a revision
// conflict and a create whose key is taken fails with a conflict; either
// way the submission stays pending.
func (w *SubmissionWorkflow) Approve(ctx context.Context, id string, reviewer rbac.Actor) (Approval, error) {
	sub, err := w.store.GetSubmission(ctx, id)
	if err != nil {
		return Approval{}, err
	}
	if sub.Status != wiki.StatusPending {
		return Approval{}, &wiki.InvalidStateError{Status: sub.Status, Op: "approve"}
	}

	transition := &store.SubmissionTransition{
		ID:           sub.ID,
		From:         []wiki.SubmissionStatus{wiki.StatusPending},
		To:           wiki.StatusApproved,
		ReviewerID:   reviewer.ID,
		ReviewerName: reviewer.DisplayName(),
		At:           w.now().UTC(),
	}
	author := rbac.Actor{ID: sub.AuthorID, Name: sub.AuthorName}

	var (
		page wiki.Page
		rev  wiki.Revision
	)
	switch sub.Type {
	case wiki.SubmissionEdit:
		current, err := w.store.GetPageByID(ctx, sub.PageID)
		if err != nil {
			return Approval{}, err
		}
		if current.IsDeleted {
			return Approval{}, wiki.NotFound("page " + current.Key().String())
		}
		if err := w.gate.CheckReview(current.Protection, reviewer); err != nil {
			return Approval{}, err
		}
		if current.CurrentRevision != sub.ExpectedRevision {
			return Approval{}, &wiki.RevisionConflictError{Expected: sub.ExpectedRevision, Actual: current.CurrentRevision}
		}
		page, rev, err = w.pages.applyEdit(ctx, current, titleChange(current, sub), sub.Content, sub.Summary, author, transition)
		if err != nil {
			return Approval{}, w.explain(ctx, err, sub.ID, "approve")
		}
	case wiki.SubmissionCreate:
		if err := w.gate.CheckReview(w.gate.Policy().CreateLevel, reviewer); err != nil {
			return Approval{}, err
		}
		page, rev, err = w.pages.create(ctx, sub.Key(), sub.Title, sub.Content, sub.Summary, author, transition)
		if err != nil {
			return Approval{}, w.explain(ctx, err, sub.ID, "approve")
		}
	default:
		return Approval{}, wiki.Validation("type", "unknown submission type "+string(sub.Type))
	}

	approved, err := w.store.GetSubmission(ctx, sub.ID)
	if err != nil {
		return Approval{}, err
	}
	return Approval{Submission: approved, Page: page, Revision: rev}, nil
}

// Reject closes a pending or held submission without touching the page.
func (w *SubmissionWorkflow) Reject(ctx context.Context, id string, reviewer rbac.Actor, reason string) (wiki.Submission, error) {
	return w.transition(ctx, id, reviewer, reason, "reject",
		[]wiki.SubmissionStatus{wiki.StatusPending, wiki.StatusOnHold}, wiki.StatusRejected)
}

func (w *SubmissionWorkflow) Hold(ctx context.Context, id string, reviewer rbac.Actor, reason string) (wiki.Submission, error) {
	return w.transition(ctx, id, reviewer, reason, "hold",
		[]wiki.SubmissionStatus{wiki.StatusPending}, wiki.StatusOnHold)
}

func (w *SubmissionWorkflow) Unhold(ctx context.Context, id string, reviewer rbac.Actor) (wiki.Submission, error) {
	return w.transition(ctx, id, reviewer, "", "unhold",
		[]wiki.SubmissionStatus{wiki.StatusOnHold}, wiki.StatusPending)
}

func (w *SubmissionWorkflow) Get(ctx context.Context, id string) (wiki.Submission, error) {
	if strings.TrimSpace(id) == "" {
		return wiki.Submission{}, wiki.Validation("id", "submission id is required")
	}
	return w.store.GetSubmission(ctx, id)
}

// List returns the queue oldest first.
func (w *SubmissionWorkflow) List(ctx context.Context, filter wiki.SubmissionFilter) ([]wiki.Submission, error) {
	if filter.Offset < 0 {
		return nil, wiki.Validation("offset", "offset must not be negative")
	}
	p, err := wiki.Pagination{Limit: filter.Limit}.Normalize()
	if err != nil {
		return nil, err
	}
	filter.Limit = p.Limit
	if filter.Namespace != "" {
		filter.Namespace = strings.ToLower(strings.TrimSpace(filter.Namespace))
	}
	return w.store.ListSubmissions(ctx, filter)
}

func (w *SubmissionWorkflow) transition(ctx context.Context, id string, reviewer rbac.Actor, reason, op string, from []wiki.SubmissionStatus, to wiki.SubmissionStatus) (wiki.Submission, error) {
	if !rbac.Can(reviewer.Role, rbac.ActionReview) {
		return wiki.Submission{}, wiki.PermissionDenied("role %s cannot review submissions", reviewer.Role)
	}
	reason, err := wiki.NormalizeSummary(reason)
	if err != nil {
		return wiki.Submission{}, err
	}
	sub, err := w.store.TransitionSubmission(ctx, store.SubmissionTransition{
		ID:           id,
		From:         from,
		To:           to,
		ReviewerID:   reviewer.ID,
		ReviewerName: reviewer.DisplayName(),
		Reason:       reason,
		At:           w.now().UTC(),
	})
	if err != nil {
		return wiki.Submission{}, w.explain(ctx, err, id, op)
	}
	return sub, nil
}

// explain turns a lost status race into InvalidState carrying the status
// the winner left behind. A conflict raised while another reviewer was
// approving the same submission is reported the same way.
func (w *SubmissionWorkflow) explain(ctx context.Context, err error, id, op string) error {
	mismatch := errors.Is(err, store.ErrStatusMismatch)
	_, stale := wiki.AsRevisionConflict(err)
	if !mismatch && !stale && !wiki.IsConflict(err) {
		return err
	}
	current, getErr := w.store.GetSubmission(ctx, id)
	if getErr != nil {
		return getErr
	}
	if mismatch || current.Status != wiki.StatusPending {
		return &wiki.InvalidStateError{Status: current.Status, Op: op}
	}
	return err
}

func titleChange(page wiki.Page, sub wiki.Submission) string {
	if sub.Title == "" || sub.Title == page.Title {
		return ""
	}
	return sub.Title
}
