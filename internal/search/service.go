package search

import (
	"context"
	"log/slog"
	"sync"
)

// localIndex is implemented by fallbacks that keep their own copy of pages.
type localIndex interface {
	IndexPage(page PageRecord) error
	DeletePage(id string) error
}

// Service is the facade that tries Meilisearch first and falls back to the
// local searcher (Postgres FTS, or the in-memory index without a database).
type Service struct {
	meili    *Meili
	fallback Searcher
	pgfts    *PgFTS
	logger   *slog.Logger

	// Writes are stamped in call order. A Meilisearch write runs only if no
	// later write for the same page was stamped before it got its turn.
	mu      sync.Mutex
	seq     uint64
	latest  map[string]indexWrite
	writeMu sync.Mutex
	pending sync.WaitGroup
}

type indexWrite struct {
	seq      uint64
	revision int
	deleted  bool
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, fallback Searcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{meili: meili, fallback: fallback, logger: logger, latest: map[string]indexWrite{}}
	if pg, ok := fallback.(*PgFTS); ok {
		s.pgfts = pg
	}
	return s
}

// Search tries Meilisearch if healthy, otherwise falls back.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn("meilisearch error, falling back", "error", err)
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}

	results, total, err := s.fallback.Search(q)
	if err != nil {
		s.logger.Error("fallback search failed", "error", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexPage updates the local index synchronously and Meilisearch in the
// background. Records older than the last one seen for the page are dropped.
func (s *Service) IndexPage(page PageRecord) {
	seq, ok := s.stamp(page.ID, page.Revision, false)
	if !ok {
		s.logger.Debug("skip stale index write", "page_id", page.ID, "revision", page.Revision)
		return
	}
	if local, ok := s.fallback.(localIndex); ok {
		if err := local.IndexPage(page); err != nil {
			s.logger.Error("index page locally", "page_id", page.ID, "error", err)
		}
	}
	s.writeMeili(page.ID, seq, "index page", func() error {
		return s.meili.IndexPage(page)
	})
}

// RemovePage drops a page from the indexes.
func (s *Service) RemovePage(id string) {
	seq, _ := s.stamp(id, 0, true)
	if local, ok := s.fallback.(localIndex); ok {
		if err := local.DeletePage(id); err != nil {
			s.logger.Error("remove page locally", "page_id", id, "error", err)
		}
	}
	s.writeMeili(id, seq, "remove page", func() error {
		return s.meili.DeletePage(id)
	})
}

// Wait blocks until queued Meilisearch writes have been sent.
func (s *Service) Wait() {
	s.pending.Wait()
}

// stamp orders a write for id. Index writes for a revision below the last
// one stamped are refused; removals keep the last revision.
func (s *Service) stamp(id string, revision int, deleted bool) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, seen := s.latest[id]
	if seen && !deleted && revision < last.revision {
		return 0, false
	}
	if deleted {
		revision = last.revision
	}
	s.seq++
	s.latest[id] = indexWrite{seq: s.seq, revision: revision, deleted: deleted}
	return s.seq, true
}

func (s *Service) superseded(id string, seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest[id].seq != seq
}

func (s *Service) writeMeili(id string, seq uint64, what string, write func() error) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		if s.superseded(id, seq) {
			return
		}
		if err := write(); err != nil {
			s.logger.Error(what, "page_id", id, "error", err)
		}
	}()
}

// ReindexFromPG pushes every live page from PostgreSQL into Meilisearch.
func (s *Service) ReindexFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	pages, err := s.pgfts.LoadPages(ctx)
	if err != nil {
		s.logger.Error("reindex load failed", "error", err)
		return
	}
	if err := s.meili.IndexPages(pages); err != nil {
		s.logger.Error("reindex pages", "error", err)
		return
	}
	s.logger.Info("reindexed pages", "count", len(pages))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
