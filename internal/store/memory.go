package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/biz-doublej/rangu.fam-sub002/internal/wiki"
)

// MemoryStore keeps everything in process. All mutations run inside one
// critical section so each method is atomic like a Postgres transaction.
type MemoryStore struct {
	mu          sync.RWMutex
	pages       map[string]wiki.Page
	live        map[wiki.Key]string
	revisions   map[string][]wiki.Revision
	submissions map[string]wiki.Submission
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pages:       map[string]wiki.Page{},
		live:        map[wiki.Key]string{},
		revisions:   map[string][]wiki.Revision{},
		submissions: map[string]wiki.Submission{},
	}
}

func (s *MemoryStore) CreatePage(_ context.Context, page wiki.Page, rev wiki.Revision, transition *SubmissionTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.live[page.Key()]; taken {
		return ErrDuplicate
	}
	if _, exists := s.pages[page.ID]; exists {
		return fmt.Errorf("page id %s already exists", page.ID)
	}
	var updated *wiki.Submission
	if transition != nil {
		sub, err := s.checkTransition(*transition)
		if err != nil {
			return err
		}
		updated = &sub
	}

	page.Lease = nil
	s.pages[page.ID] = clonePage(page)
	s.live[page.Key()] = page.ID
	s.revisions[page.ID] = []wiki.Revision{rev}
	if updated != nil {
		s.submissions[updated.ID] = *updated
	}
	return nil
}

func (s *MemoryStore) CommitRevision(_ context.Context, commit Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.pages[commit.Page.ID]
	if !ok || current.IsDeleted {
		return wiki.NotFound("page " + commit.Page.ID)
	}
	if current.CurrentRevision != commit.ExpectedRevision {
		return &wiki.RevisionConflictError{Expected: commit.ExpectedRevision, Actual: current.CurrentRevision}
	}
	history := s.revisions[current.ID]
	if len(history) != current.CurrentRevision || commit.Revision.Number != current.CurrentRevision+1 {
		return &wiki.RevisionConflictError{Expected: commit.ExpectedRevision, Actual: len(history)}
	}
	newKey := commit.Page.Key()
	if newKey != current.Key() {
		if _, taken := s.live[newKey]; taken {
			return ErrDuplicate
		}
	}
	var updated *wiki.Submission
	if commit.Submission != nil {
		sub, err := s.checkTransition(*commit.Submission)
		if err != nil {
			return err
		}
		updated = &sub
	}

	next := current
	next.Namespace = commit.Page.Namespace
	next.Slug = commit.Page.Slug
	next.Title = commit.Page.Title
	next.Content = commit.Page.Content
	next.CurrentRevision = commit.Page.CurrentRevision
	next.Protection = commit.Page.Protection
	next.UpdatedBy = commit.Page.UpdatedBy
	next.UpdatedAt = commit.Page.UpdatedAt

	if commit.MarkRevertedAfter > 0 {
		for i := range history {
			if history[i].Number > commit.MarkRevertedAfter {
				history[i].IsReverted = true
			}
		}
	}
	s.revisions[current.ID] = append(history, commit.Revision)
	if newKey != current.Key() {
		delete(s.live, current.Key())
		s.live[newKey] = current.ID
	}
	s.pages[current.ID] = next
	if updated != nil {
		s.submissions[updated.ID] = *updated
	}
	return nil
}

func (s *MemoryStore) GetPageByKey(_ context.Context, namespace, slug string) (wiki.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.live[wiki.Key{Namespace: namespace, Slug: slug}]
	if !ok {
		return wiki.Page{}, wiki.NotFound("page " + namespace + ":" + slug)
	}
	return clonePage(s.pages[id]), nil
}

func (s *MemoryStore) GetPageByID(_ context.Context, pageID string) (wiki.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	page, ok := s.pages[pageID]
	if !ok {
		return wiki.Page{}, wiki.NotFound("page " + pageID)
	}
	return clonePage(page), nil
}

func (s *MemoryStore) ListRevisions(_ context.Context, pageID string, limit, skip int) ([]wiki.Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.revisions[pageID]
	items := make([]wiki.Revision, 0)
	for i := len(history) - 1 - skip; i >= 0 && len(items) < limit; i-- {
		items = append(items, history[i])
	}
	return items, nil
}

func (s *MemoryStore) GetRevision(_ context.Context, pageID string, number int) (wiki.Revision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.revisions[pageID]
	if number < 1 || number > len(history) {
		return wiki.Revision{}, wiki.NotFound(fmt.Sprintf("revision %d of page %s", number, pageID))
	}
	return history[number-1], nil
}

func (s *MemoryStore) SoftDeletePage(_ context.Context, pageID, deletedBy, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	page, ok := s.pages[pageID]
	if !ok || page.IsDeleted {
		return wiki.NotFound("live page " + pageID)
	}
	page.IsDeleted = true
	page.DeletedBy = deletedBy
	page.DeleteReason = reason
	page.DeletedAt = &at
	page.UpdatedBy = deletedBy
	page.UpdatedAt = at
	s.pages[pageID] = page
	delete(s.live, page.Key())
	return nil
}

func (s *MemoryStore) RestorePage(_ context.Context, pageID, restoredBy string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	page, ok := s.pages[pageID]
	if !ok || !page.IsDeleted {
		return wiki.NotFound("deleted page " + pageID)
	}
	if _, taken := s.live[page.Key()]; taken {
		return ErrDuplicate
	}
	page.IsDeleted = false
	page.DeletedBy = ""
	page.DeleteReason = ""
	page.DeletedAt = nil
	page.UpdatedBy = restoredBy
	page.UpdatedAt = at
	s.pages[pageID] = page
	s.live[page.Key()] = pageID
	return nil
}

func (s *MemoryStore) InsertSubmission(_ context.Context, sub wiki.Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.submissions[sub.ID]; exists {
		return fmt.Errorf("submission %s already exists", sub.ID)
	}
	s.submissions[sub.ID] = cloneSubmission(sub)
	return nil
}

func (s *MemoryStore) GetSubmission(_ context.Context, id string) (wiki.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.submissions[id]
	if !ok {
		return wiki.Submission{}, wiki.NotFound("submission " + id)
	}
	return cloneSubmission(sub), nil
}

func (s *MemoryStore) ListSubmissions(_ context.Context, filter wiki.SubmissionFilter) ([]wiki.Submission, error) {
	s.mu.RLock()
	matched := make([]wiki.Submission, 0)
	for _, sub := range s.submissions {
		if filter.Status != "" && sub.Status != filter.Status {
			continue
		}
		if filter.Namespace != "" && sub.Namespace != filter.Namespace {
			continue
		}
		matched = append(matched, cloneSubmission(sub))
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].CreatedAt.Before(matched[j].CreatedAt)
	})
	if filter.Offset >= len(matched) {
		return []wiki.Submission{}, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

func (s *MemoryStore) TransitionSubmission(_ context.Context, transition SubmissionTransition) (wiki.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, err := s.checkTransition(transition)
	if err != nil {
		return wiki.Submission{}, err
	}
	s.submissions[sub.ID] = sub
	return cloneSubmission(sub), nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// checkTransition returns the transitioned submission without storing it.
// Callers must hold the write lock.
func (s *MemoryStore) checkTransition(t SubmissionTransition) (wiki.Submission, error) {
	sub, ok := s.submissions[t.ID]
	if !ok {
		return wiki.Submission{}, wiki.NotFound("submission " + t.ID)
	}
	if !t.accepts(sub.Status) {
		return wiki.Submission{}, ErrStatusMismatch
	}
	sub = cloneSubmission(sub)
	applyTransition(&sub, t)
	return sub, nil
}

func clonePage(page wiki.Page) wiki.Page {
	if page.DeletedAt != nil {
		at := *page.DeletedAt
		page.DeletedAt = &at
	}
	page.Lease = nil
	return page
}

func cloneSubmission(sub wiki.Submission) wiki.Submission {
	sub.Categories = append([]string{}, sub.Categories...)
	if sub.ReviewedAt != nil {
		at := *sub.ReviewedAt
		sub.ReviewedAt = &at
	}
	return sub
}
