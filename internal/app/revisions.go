package app

import (
	"context"
	"errors"
	"time"

	"github.com/biz-doublej/rangu.fam-sub002/internal/rbac"
	"github.com/biz-doublej/rangu.fam-sub002/internal/store"
	"github.com/biz-doublej/rangu.fam-sub002/internal/util"
	"github.com/biz-doublej/rangu.fam-sub002/internal/wiki"
)

// Change is one accepted change to a page. Zero-valued optional fields keep
// the page's current value.
type Change struct {
	Content  string
	Summary  string
	Author   rbac.Actor
	EditType wiki.EditType

	Title      string
	Protection wiki.ProtectionLevel
	Key        *wiki.Key

	// MarkRevertedAfter flags later revisions as reverted in the same commit.
	MarkRevertedAfter int
	// Submission is transitioned in the same commit when set.
	Submission *store.SubmissionTransition
}

// RevisionLog appends numbered revisions. Callers serialize appends per page
// with an edit lease or run them as a submission approval; the store's
// conditional commit rejects anything that slips through.
type RevisionLog struct {
	store Store
	now   func() time.Time
}

func NewRevisionLog(st Store, now func() time.Time) *RevisionLog {
	if now == nil {
		now = time.Now
	}
	return &RevisionLog{store: st, now: now}
}

// Append commits change on top of page and returns the new page state and
// revision. For EditCreate, page is the unsaved page with CurrentRevision 0.
func (l *RevisionLog) Append(ctx context.Context, page wiki.Page, change Change) (wiki.Page, wiki.Revision, error) {
	if !change.EditType.Valid() {
		return wiki.Page{}, wiki.Revision{}, wiki.Validation("editType", "unknown edit type "+string(change.EditType))
	}
	creating := change.EditType == wiki.EditCreate
	if creating && change.Content == "" {
		return wiki.Page{}, wiki.Revision{}, wiki.Validation("content", "content is required to create a page")
	}
	if creating != (page.CurrentRevision == 0) {
		return wiki.Page{}, wiki.Revision{}, wiki.Validation("editType", "create must start a new page and only a new page")
	}

	now := l.now().UTC()
	next := page
	next.Content = change.Content
	next.CurrentRevision = page.CurrentRevision + 1
	next.UpdatedBy = change.Author.ID
	next.UpdatedAt = now
	next.Lease = nil
	if change.Title != "" {
		next.Title = change.Title
	}
	if change.Protection != "" {
		next.Protection = change.Protection
	}
	if change.Key != nil {
		next.Namespace = change.Key.Namespace
		next.Slug = change.Key.Slug
	}
	if creating {
		if next.ID == "" {
			next.ID = util.NewID("pg")
		}
		if next.Protection == "" {
			next.Protection = wiki.ProtectionNone
		}
		next.CreatedBy = change.Author.ID
		next.CreatedAt = now
	}

	rev := wiki.Revision{
		ID:            util.NewID("rev"),
		PageID:        next.ID,
		Number:        next.CurrentRevision,
		Content:       change.Content,
		Summary:       change.Summary,
		AuthorID:      change.Author.ID,
		AuthorName:    change.Author.DisplayName(),
		EditType:      change.EditType,
		ContentLength: len(change.Content),
		SizeChange:    len(change.Content) - len(page.Content),
		CreatedAt:     now,
	}

	var err error
	if creating {
		err = l.store.CreatePage(ctx, next, rev, change.Submission)
	} else {
		err = l.store.CommitRevision(ctx, store.Commit{
			ExpectedRevision:  page.CurrentRevision,
			Page:              next,
			Revision:          rev,
			MarkRevertedAfter: change.MarkRevertedAfter,
			Submission:        change.Submission,
		})
	}
	if errors.Is(err, store.ErrDuplicate) {
		return wiki.Page{}, wiki.Revision{}, wiki.Conflict("page %s already exists", next.Key())
	}
	if err != nil {
		return wiki.Page{}, wiki.Revision{}, err
	}
	return next, rev, nil
}

// History returns revisions newest first.
func (l *RevisionLog) History(ctx context.Context, pageID string, p wiki.Pagination) ([]wiki.Revision, error) {
	p, err := p.Normalize()
	if err != nil {
		return nil, err
	}
	return l.store.ListRevisions(ctx, pageID, p.Limit, p.Skip)
}

func (l *RevisionLog) Get(ctx context.Context, pageID string, number int) (wiki.Revision, error) {
	if number < 1 {
		return wiki.Revision{}, wiki.Validation("revision", "revision numbers start at 1")
	}
	return l.store.GetRevision(ctx, pageID, number)
}
