package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/biz-doublej/rangu.fam-sub002/internal/rbac"
	"github.com/biz-doublej/rangu.fam-sub002/internal/store"
	"github.com/biz-doublej/rangu.fam-sub002/internal/util"
	"github.com/biz-doublej/rangu.fam-sub002/internal/wiki"
)

// PageStore owns the canonical page records. Every content or metadata
// change goes through the RevisionLog; lease checks belong to the caller.
type PageStore struct {
	store Store
	log   *RevisionLog
	now   func() time.Time
}

func NewPageStore(st Store, log *RevisionLog, now func() time.Time) *PageStore {
	if now == nil {
		now = time.Now
	}
	return &PageStore{store: st, log: log, now: now}
}

// Create starts a page at revision 1. It fails with a conflict when a live
// page already has the key; soft-deleted pages do not block it.
func (p *PageStore) Create(ctx context.Context, key wiki.Key, title, content, summary string, author rbac.Actor) (wiki.Page, wiki.Revision, error) {
	return p.create(ctx, key, title, content, summary, author, nil)
}

func (p *PageStore) create(ctx context.Context, key wiki.Key, title, content, summary string, author rbac.Actor, transition *store.SubmissionTransition) (wiki.Page, wiki.Revision, error) {
	key, err := wiki.NormalizeKey(key.Namespace, key.Slug)
	if err != nil {
		return wiki.Page{}, wiki.Revision{}, err
	}
	title, err = wiki.NormalizeTitle(title, key)
	if err != nil {
		return wiki.Page{}, wiki.Revision{}, err
	}
	summary, err = wiki.NormalizeSummary(summary)
	if err != nil {
		return wiki.Page{}, wiki.Revision{}, err
	}
	if err := p.ensureVacant(ctx, key); err != nil {
		return wiki.Page{}, wiki.Revision{}, err
	}

	page := wiki.Page{
		ID:         util.NewID("pg"),
		Namespace:  key.Namespace,
		Slug:       key.Slug,
		Title:      title,
		Protection: wiki.ProtectionNone,
	}
	if transition != nil {
		transition.PageID = page.ID
		transition.AppliedRevision = 1
	}
	return p.log.Append(ctx, page, Change{
		Content:    content,
		Summary:    summary,
		Author:     author,
		EditType:   wiki.EditCreate,
		Submission: transition,
	})
}

func (p *PageStore) GetLive(ctx context.Context, namespace, slug string) (wiki.Page, error) {
	key, err := wiki.NormalizeKey(namespace, slug)
	if err != nil {
		return wiki.Page{}, err
	}
	return p.store.GetPageByKey(ctx, key.Namespace, key.Slug)
}

// GetByID also returns soft-deleted pages.
func (p *PageStore) GetByID(ctx context.Context, pageID string) (wiki.Page, error) {
	if strings.TrimSpace(pageID) == "" {
		return wiki.Page{}, wiki.Validation("pageId", "page id is required")
	}
	return p.store.GetPageByID(ctx, pageID)
}

// ApplyEdit appends an edit revision. The caller must hold the page's lease.
func (p *PageStore) ApplyEdit(ctx context.Context, page wiki.Page, content, summary string, author rbac.Actor) (wiki.Page, wiki.Revision, error) {
	return p.applyEdit(ctx, page, "", content, summary, author, nil)
}

func (p *PageStore) applyEdit(ctx context.Context, page wiki.Page, title, content, summary string, author rbac.Actor, transition *store.SubmissionTransition) (wiki.Page, wiki.Revision, error) {
	summary, err := wiki.NormalizeSummary(summary)
	if err != nil {
		return wiki.Page{}, wiki.Revision{}, err
	}
	if title = strings.TrimSpace(title); title != "" {
		if title, err = wiki.NormalizeTitle(title, page.Key()); err != nil {
			return wiki.Page{}, wiki.Revision{}, err
		}
	}
	if transition != nil {
		transition.AppliedRevision = page.CurrentRevision + 1
	}
	return p.log.Append(ctx, page, Change{
		Content:    content,
		Summary:    summary,
		Author:     author,
		EditType:   wiki.EditEdit,
		Title:      title,
		Submission: transition,
	})
}

// SoftDelete hides the page from key lookups. Revisions stay readable by page id.
func (p *PageStore) SoftDelete(ctx context.Context, page wiki.Page, actor rbac.Actor, reason string) (wiki.Page, error) {
	reason, err := wiki.NormalizeSummary(reason)
	if err != nil {
		return wiki.Page{}, err
	}
	if err := p.store.SoftDeletePage(ctx, page.ID, actor.ID, reason, p.now().UTC()); err != nil {
		return wiki.Page{}, err
	}
	return p.store.GetPageByID(ctx, page.ID)
}

// Restore undeletes a page unless another live page has taken its key.
func (p *PageStore) Restore(ctx context.Context, pageID string, actor rbac.Actor) (wiki.Page, error) {
	err := p.store.RestorePage(ctx, pageID, actor.ID, p.now().UTC())
	if errors.Is(err, store.ErrDuplicate) {
		page, getErr := p.store.GetPageByID(ctx, pageID)
		if getErr != nil {
			return wiki.Page{}, getErr
		}
		return wiki.Page{}, wiki.Conflict("another live page now uses %s", page.Key())
	}
	if err != nil {
		return wiki.Page{}, err
	}
	return p.store.GetPageByID(ctx, pageID)
}

// Protect changes the protection level and records it as a revision with
// unchanged content.
func (p *PageStore) Protect(ctx context.Context, page wiki.Page, level wiki.ProtectionLevel, actor rbac.Actor, reason string) (wiki.Page, wiki.Revision, error) {
	if !level.Valid() {
		return wiki.Page{}, wiki.Revision{}, wiki.Validation("protection", fmt.Sprintf("unknown protection level %q", level))
	}
	if level == page.Protection {
		return wiki.Page{}, wiki.Revision{}, wiki.Validation("protection", "page already has protection "+string(level))
	}
	summary := strings.TrimSpace(reason)
	if summary == "" {
		summary = fmt.Sprintf("Changed protection from %s to %s", page.Protection, level)
	}
	summary, err := wiki.NormalizeSummary(summary)
	if err != nil {
		return wiki.Page{}, wiki.Revision{}, err
	}
	return p.log.Append(ctx, page, Change{
		Content:    page.Content,
		Summary:    summary,
		Author:     actor,
		EditType:   wiki.EditProtect,
		Protection: level,
	})
}

// Move renames the page to target, keeping its id and history.
func (p *PageStore) Move(ctx context.Context, page wiki.Page, target wiki.Key, actor rbac.Actor, reason string) (wiki.Page, wiki.Revision, error) {
	target, err := wiki.NormalizeKey(target.Namespace, target.Slug)
	if err != nil {
		return wiki.Page{}, wiki.Revision{}, err
	}
	if target == page.Key() {
		return wiki.Page{}, wiki.Revision{}, wiki.Validation("slug", "page is already at "+target.String())
	}
	if err := p.ensureVacant(ctx, target); err != nil {
		return wiki.Page{}, wiki.Revision{}, err
	}
	summary := strings.TrimSpace(reason)
	if summary == "" {
		summary = fmt.Sprintf("Moved %s to %s", page.Key(), target)
	}
	summary, err = wiki.NormalizeSummary(summary)
	if err != nil {
		return wiki.Page{}, wiki.Revision{}, err
	}
	return p.log.Append(ctx, page, Change{
		Content:  page.Content,
		Summary:  summary,
		Author:   actor,
		EditType: wiki.EditMove,
		Key:      &target,
	})
}

// Revert restores the content of revision to as a new revision and flags
// everything after it as reverted.
func (p *PageStore) Revert(ctx context.Context, page wiki.Page, to int, actor rbac.Actor, summary string) (wiki.Page, wiki.Revision, error) {
	if to < 1 || to >= page.CurrentRevision {
		return wiki.Page{}, wiki.Revision{}, wiki.Validation("revision", fmt.Sprintf("can only revert to revisions 1..%d", page.CurrentRevision-1))
	}
	target, err := p.log.Get(ctx, page.ID, to)
	if err != nil {
		return wiki.Page{}, wiki.Revision{}, err
	}
	if strings.TrimSpace(summary) == "" {
		summary = fmt.Sprintf("Reverted to revision %d", to)
	}
	summary, err = wiki.NormalizeSummary(summary)
	if err != nil {
		return wiki.Page{}, wiki.Revision{}, err
	}
	return p.log.Append(ctx, page, Change{
		Content:           target.Content,
		Summary:           summary,
		Author:            actor,
		EditType:          wiki.EditRevert,
		MarkRevertedAfter: to,
	})
}

func (p *PageStore) ensureVacant(ctx context.Context, key wiki.Key) error {
	_, err := p.store.GetPageByKey(ctx, key.Namespace, key.Slug)
	if err == nil {
		return wiki.Conflict("page %s already exists", key)
	}
	if wiki.IsNotFound(err) {
		return nil
	}
	return err
}
