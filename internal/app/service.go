package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/biz-doublej/rangu.fam-sub002/internal/gitrepo"
	"github.com/biz-doublej/rangu.fam-sub002/internal/lease"
	"github.com/biz-doublej/rangu.fam-sub002/internal/metrics"
	"github.com/biz-doublej/rangu.fam-sub002/internal/protection"
	"github.com/biz-doublej/rangu.fam-sub002/internal/rbac"
	"github.com/biz-doublej/rangu.fam-sub002/internal/search"
	"github.com/biz-doublej/rangu.fam-sub002/internal/store"
	"github.com/biz-doublej/rangu.fam-sub002/internal/telemetry"
	"github.com/biz-doublej/rangu.fam-sub002/internal/wiki"
)

// Store is the persistence boundary. store.PostgresStore and
// store.MemoryStore implement it.
type Store interface {
	CreatePage(ctx context.Context, page wiki.Page, rev wiki.Revision, transition *store.SubmissionTransition) error
	CommitRevision(ctx context.Context, commit store.Commit) error
	GetPageByKey(ctx context.Context, namespace, slug string) (wiki.Page, error)
	GetPageByID(ctx context.Context, pageID string) (wiki.Page, error)
	ListRevisions(ctx context.Context, pageID string, limit, skip int) ([]wiki.Revision, error)
	GetRevision(ctx context.Context, pageID string, number int) (wiki.Revision, error)
	SoftDeletePage(ctx context.Context, pageID, deletedBy, reason string, at time.Time) error
	RestorePage(ctx context.Context, pageID, restoredBy string, at time.Time) error
	InsertSubmission(ctx context.Context, sub wiki.Submission) error
	GetSubmission(ctx context.Context, id string) (wiki.Submission, error)
	ListSubmissions(ctx context.Context, filter wiki.SubmissionFilter) ([]wiki.Submission, error)
	TransitionSubmission(ctx context.Context, transition store.SubmissionTransition) (wiki.Submission, error)
	Ping(ctx context.Context) error
}

// Indexer keeps a search index in step with live pages.
type Indexer interface {
	IndexPage(page search.PageRecord)
	RemovePage(id string)
}

type Searcher interface {
	Search(q search.Query) search.Response
}

// Notifier delivers review queue events.
type Notifier interface {
	SubmissionQueued(sub wiki.Submission) error
	SubmissionDecided(sub wiki.Submission) error
}

// HistoryMirror copies accepted revisions somewhere outside the store and
// reads them back for audits. gitrepo.Service implements it.
type HistoryMirror interface {
	RecordRevision(ctx context.Context, page wiki.Page, rev wiki.Revision, source gitrepo.RevisionSource) error
	History(pageID string, limit int) ([]gitrepo.CommitInfo, error)
	SnapshotAt(pageID string, number int) (gitrepo.Snapshot, error)
}

// Options carries the optional collaborators. Nil fields are skipped.
type Options struct {
	Indexer  Indexer
	Searcher Searcher
	Notifier Notifier
	Mirror   HistoryMirror
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
}

type Service struct {
	store       Store
	leases      *lease.Manager
	gate        *protection.Gate
	revisions   *RevisionLog
	pages       *PageStore
	submissions *SubmissionWorkflow

	indexer  Indexer
	searcher Searcher
	notifier Notifier
	mirror   HistoryMirror
	metrics  *metrics.Metrics
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time

	background sync.WaitGroup
}

func NewService(st Store, leases *lease.Manager, gate *protection.Gate, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	revisions := NewRevisionLog(st, opts.Now)
	pages := NewPageStore(st, revisions, opts.Now)
	return &Service{
		store:       st,
		leases:      leases,
		gate:        gate,
		revisions:   revisions,
		pages:       pages,
		submissions: NewSubmissionWorkflow(st, pages, gate, opts.Now),
		indexer:     opts.Indexer,
		searcher:    opts.Searcher,
		notifier:    opts.Notifier,
		mirror:      opts.Mirror,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		tracer:      telemetry.Tracer(),
		now:         opts.Now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingLeases checks the lease backend. checked is false when the backend
// lives in process and has nothing to ping.
func (s *Service) PingLeases(ctx context.Context) (checked bool, err error) {
	return s.leases.Ping(ctx)
}

// Wait blocks until background side effects (mirroring, notifications)
// have finished.
func (s *Service) Wait() {
	s.background.Wait()
}

func (s *Service) Metrics() *metrics.Metrics {
	return s.metrics
}

func (s *Service) Revisions() *RevisionLog {
	return s.revisions
}

func (s *Service) Pages() *PageStore {
	return s.pages
}

func (s *Service) Submissions() *SubmissionWorkflow {
	return s.submissions
}

// observe starts a span and returns the function that ends it and records
// the operation latency.
func (s *Service) observe(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	started := time.Now()
	ctx, span := s.tracer.Start(ctx, "wiki."+op, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			if asDomainError(err) == nil {
				span.SetStatus(codes.Error, err.Error())
			}
		}
		span.End()
		s.metrics.ObserveOperation(op, time.Since(started).Seconds())
	}
}

// withLease runs fn under the page's edit lease, handing it the page as
// re-read after the lease was granted. The lease is released on every path
// unless the actor already held it as an edit session, in which case it is
// only renewed.
func (s *Service) withLease(ctx context.Context, pageID string, actor rbac.Actor, reason string, fn func(page wiki.Page) error) error {
	granted, err := s.leases.Acquire(ctx, pageID, actor, reason)
	if err != nil {
		s.recordLease(err, false)
		return err
	}
	s.recordLease(nil, granted.Renewed)
	if !granted.Renewed {
		defer func() {
			if err := s.leases.Release(context.WithoutCancel(ctx), pageID, actor); err != nil {
				s.logger.Warn("release edit lease", "page_id", pageID, "actor", actor.ID, "error", err)
				return
			}
			s.metrics.Lease(metrics.LeaseReleased)
		}()
	}

	page, err := s.store.GetPageByID(ctx, pageID)
	if err != nil {
		return err
	}
	if page.IsDeleted {
		return wiki.NotFound("page " + page.Key().String())
	}
	return fn(page)
}

func (s *Service) recordLease(err error, renewed bool) {
	switch _, held := wiki.AsLockHeld(err); {
	case err == nil && renewed:
		s.metrics.Lease(metrics.LeaseRenewed)
	case err == nil:
		s.metrics.Lease(metrics.LeaseGranted)
	case held:
		s.metrics.Lease(metrics.LeaseHeld)
	default:
		s.metrics.Lease(metrics.LeaseError)
	}
}

// revisionAccepted fans a committed revision out to the optional collaborators.
func (s *Service) revisionAccepted(page wiki.Page, rev wiki.Revision) {
	s.metrics.RevisionAppended(string(rev.EditType))
	s.logger.Info("revision appended",
		"page_id", page.ID,
		"page", page.Key().String(),
		"revision", rev.Number,
		"edit_type", rev.EditType,
		"author", rev.AuthorID,
		"size_change", rev.SizeChange,
	)
	s.index(page)
	if s.mirror != nil {
		s.goBackground("mirror revision", func() error {
			return s.mirror.RecordRevision(context.Background(), page, rev, s.revisions)
		})
	}
}

func (s *Service) index(page wiki.Page) {
	if s.indexer == nil {
		return
	}
	s.indexer.IndexPage(search.NewPageRecord(
		page.ID, page.Namespace, page.Slug, page.Title, page.Content,
		string(page.Protection), page.CurrentRevision, page.UpdatedAt,
	))
}

func (s *Service) submissionQueued(sub wiki.Submission) {
	s.metrics.SubmissionCreated(string(sub.Type))
	s.logger.Info("submission queued",
		"submission_id", sub.ID,
		"type", sub.Type,
		"page", sub.Key().String(),
		"expected_revision", sub.ExpectedRevision,
		"author", sub.AuthorID,
	)
	if s.notifier != nil {
		s.goBackground("notify submission queued", func() error {
			return s.notifier.SubmissionQueued(sub)
		})
	}
}

func (s *Service) submissionDecided(sub wiki.Submission) {
	s.logger.Info("submission reviewed",
		"submission_id", sub.ID,
		"status", sub.Status,
		"reviewer", sub.ReviewerID,
		"applied_revision", sub.AppliedRevision,
	)
	if s.notifier != nil {
		s.goBackground("notify submission decided", func() error {
			return s.notifier.SubmissionDecided(sub)
		})
	}
}

func (s *Service) goBackground(what string, fn func() error) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		if err := fn(); err != nil {
			s.logger.Warn(what+" failed", "error", err)
		}
	}()
}
