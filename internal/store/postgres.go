package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/biz-doublej/rangu.fam-sub002/internal/wiki"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const pageColumns = `id, namespace, slug, title, content, current_revision, protection, is_deleted,
	COALESCE(deleted_by, ''), COALESCE(delete_reason, ''), deleted_at,
	created_by, updated_by, created_at, updated_at`

const revisionColumns = `id, page_id, number, content, summary, author_id, author_name, edit_type,
	content_length, size_change, is_reverted, created_at`

const submissionColumns = `id, type, status, namespace, slug, COALESCE(page_id, ''), title, content, summary,
	categories::text, expected_revision, author_id, author_name, COALESCE(reviewer_id, ''),
	COALESCE(reviewer_name, ''), COALESCE(reason, ''), applied_revision, created_at, updated_at, reviewed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPage(row rowScanner) (wiki.Page, error) {
	var (
		page       wiki.Page
		protection string
		deletedAt  sql.NullTime
	)
	err := row.Scan(
		&page.ID,
		&page.Namespace,
		&page.Slug,
		&page.Title,
		&page.Content,
		&page.CurrentRevision,
		&protection,
		&page.IsDeleted,
		&page.DeletedBy,
		&page.DeleteReason,
		&deletedAt,
		&page.CreatedBy,
		&page.UpdatedBy,
		&page.CreatedAt,
		&page.UpdatedAt,
	)
	if err != nil {
		return wiki.Page{}, err
	}
	page.Protection = wiki.ProtectionLevel(protection)
	if deletedAt.Valid {
		at := deletedAt.Time
		page.DeletedAt = &at
	}
	return page, nil
}

func scanRevision(row rowScanner) (wiki.Revision, error) {
	var (
		rev      wiki.Revision
		editType string
	)
	err := row.Scan(
		&rev.ID,
		&rev.PageID,
		&rev.Number,
		&rev.Content,
		&rev.Summary,
		&rev.AuthorID,
		&rev.AuthorName,
		&editType,
		&rev.ContentLength,
		&rev.SizeChange,
		&rev.IsReverted,
		&rev.CreatedAt,
	)
	if err != nil {
		return wiki.Revision{}, err
	}
	rev.EditType = wiki.EditType(editType)
	return rev, nil
}

func scanSubmission(row rowScanner) (wiki.Submission, error) {
	var (
		sub        wiki.Submission
		subType    string
		status     string
		categories string
		reviewedAt sql.NullTime
	)
	err := row.Scan(
		&sub.ID,
		&subType,
		&status,
		&sub.Namespace,
		&sub.Slug,
		&sub.PageID,
		&sub.Title,
		&sub.Content,
		&sub.Summary,
		&categories,
		&sub.ExpectedRevision,
		&sub.AuthorID,
		&sub.AuthorName,
		&sub.ReviewerID,
		&sub.ReviewerName,
		&sub.Reason,
		&sub.AppliedRevision,
		&sub.CreatedAt,
		&sub.UpdatedAt,
		&reviewedAt,
	)
	if err != nil {
		return wiki.Submission{}, err
	}
	sub.Type = wiki.SubmissionType(subType)
	sub.Status = wiki.SubmissionStatus(status)
	if err := json.Unmarshal([]byte(categories), &sub.Categories); err != nil {
		return wiki.Submission{}, fmt.Errorf("decode categories: %w", err)
	}
	if sub.Categories == nil {
		sub.Categories = []string{}
	}
	if reviewedAt.Valid {
		at := reviewedAt.Time
		sub.ReviewedAt = &at
	}
	return sub, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (s *PostgresStore) CreatePage(ctx context.Context, page wiki.Page, rev wiki.Revision, transition *SubmissionTransition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create page tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO pages (id, namespace, slug, title, content, current_revision, protection, created_by, updated_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, page.ID, page.Namespace, page.Slug, page.Title, page.Content, page.CurrentRevision, string(page.Protection),
		page.CreatedBy, page.UpdatedBy, page.CreatedAt, page.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert page: %w", err)
	}
	if err := insertRevision(ctx, tx, rev); err != nil {
		return err
	}
	if transition != nil {
		if _, err := transitionSubmission(ctx, tx, *transition); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create page: %w", err)
	}
	return nil
}

func (s *PostgresStore) CommitRevision(ctx context.Context, commit Commit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	page := commit.Page
	result, err := tx.ExecContext(ctx, `
		UPDATE pages
		SET namespace=$3, slug=$4, title=$5, content=$6, current_revision=$7, protection=$8, updated_by=$9, updated_at=$10
		WHERE id=$1 AND current_revision=$2 AND NOT is_deleted
	`, page.ID, commit.ExpectedRevision, page.Namespace, page.Slug, page.Title, page.Content, page.CurrentRevision,
		string(page.Protection), page.UpdatedBy, page.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("update page head: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update page head rows: %w", err)
	}
	if affected == 0 {
		return headMismatch(ctx, tx, page.ID, commit.ExpectedRevision)
	}

	if err := insertRevision(ctx, tx, commit.Revision); err != nil {
		if isUniqueViolation(err) {
			return &wiki.RevisionConflictError{Expected: commit.ExpectedRevision, Actual: commit.Revision.Number}
		}
		return err
	}
	if commit.MarkRevertedAfter > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE revisions SET is_reverted=TRUE
			WHERE page_id=$1 AND number > $2 AND number < $3
		`, page.ID, commit.MarkRevertedAfter, commit.Revision.Number); err != nil {
			return fmt.Errorf("mark reverted revisions: %w", err)
		}
	}
	if commit.Submission != nil {
		if _, err := transitionSubmission(ctx, tx, *commit.Submission); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit revision: %w", err)
	}
	return nil
}

func headMismatch(ctx context.Context, tx *sql.Tx, pageID string, expected int) error {
	var (
		actual  int
		deleted bool
	)
	err := tx.QueryRowContext(ctx, `SELECT current_revision, is_deleted FROM pages WHERE id=$1`, pageID).Scan(&actual, &deleted)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && deleted) {
		return wiki.NotFound("page " + pageID)
	}
	if err != nil {
		return fmt.Errorf("read page head: %w", err)
	}
	return &wiki.RevisionConflictError{Expected: expected, Actual: actual}
}

func insertRevision(ctx context.Context, tx *sql.Tx, rev wiki.Revision) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO revisions (id, page_id, number, content, summary, author_id, author_name, edit_type, content_length, size_change, is_reverted, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, rev.ID, rev.PageID, rev.Number, rev.Content, rev.Summary, rev.AuthorID, rev.AuthorName, string(rev.EditType),
		rev.ContentLength, rev.SizeChange, rev.IsReverted, rev.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return err
		}
		return fmt.Errorf("insert revision: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPageByKey(ctx context.Context, namespace, slug string) (wiki.Page, error) {
	page, err := scanPage(s.db.QueryRowContext(ctx, `
		SELECT `+pageColumns+`
		FROM pages
		WHERE namespace=$1 AND slug=$2 AND NOT is_deleted
	`, namespace, slug))
	if errors.Is(err, sql.ErrNoRows) {
		return wiki.Page{}, wiki.NotFound("page " + namespace + ":" + slug)
	}
	if err != nil {
		return wiki.Page{}, fmt.Errorf("get page by key: %w", err)
	}
	return page, nil
}

func (s *PostgresStore) GetPageByID(ctx context.Context, pageID string) (wiki.Page, error) {
	page, err := scanPage(s.db.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM pages WHERE id=$1`, pageID))
	if errors.Is(err, sql.ErrNoRows) {
		return wiki.Page{}, wiki.NotFound("page " + pageID)
	}
	if err != nil {
		return wiki.Page{}, fmt.Errorf("get page: %w", err)
	}
	return page, nil
}

func (s *PostgresStore) ListRevisions(ctx context.Context, pageID string, limit, skip int) ([]wiki.Revision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+revisionColumns+`
		FROM revisions
		WHERE page_id=$1
		ORDER BY number DESC
		LIMIT $2 OFFSET $3
	`, pageID, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("list revisions: %w", err)
	}
	defer rows.Close()

	items := make([]wiki.Revision, 0)
	for rows.Next() {
		rev, err := scanRevision(rows)
		if err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		items = append(items, rev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate revisions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetRevision(ctx context.Context, pageID string, number int) (wiki.Revision, error) {
	rev, err := scanRevision(s.db.QueryRowContext(ctx, `
		SELECT `+revisionColumns+`
		FROM revisions
		WHERE page_id=$1 AND number=$2
	`, pageID, number))
	if errors.Is(err, sql.ErrNoRows) {
		return wiki.Revision{}, wiki.NotFound(fmt.Sprintf("revision %d of page %s", number, pageID))
	}
	if err != nil {
		return wiki.Revision{}, fmt.Errorf("get revision: %w", err)
	}
	return rev, nil
}

func (s *PostgresStore) SoftDeletePage(ctx context.Context, pageID, deletedBy, reason string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE pages
		SET is_deleted=TRUE, deleted_by=$2, delete_reason=$3, deleted_at=$4, updated_by=$2, updated_at=$4,
			lock_holder=NULL, lock_reason=NULL, lock_started_at=NULL, lock_expires_at=NULL
		WHERE id=$1 AND NOT is_deleted
	`, pageID, deletedBy, reason, at)
	if err != nil {
		return fmt.Errorf("soft delete page: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("soft delete page rows: %w", err)
	}
	if affected == 0 {
		return wiki.NotFound("live page " + pageID)
	}
	return nil
}

func (s *PostgresStore) RestorePage(ctx context.Context, pageID, restoredBy string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE pages
		SET is_deleted=FALSE, deleted_by=NULL, delete_reason=NULL, deleted_at=NULL, updated_by=$2, updated_at=$3
		WHERE id=$1 AND is_deleted
	`, pageID, restoredBy, at)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("restore page: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("restore page rows: %w", err)
	}
	if affected == 0 {
		return wiki.NotFound("deleted page " + pageID)
	}
	return nil
}

func (s *PostgresStore) InsertSubmission(ctx context.Context, sub wiki.Submission) error {
	categories, err := json.Marshal(nonNilStrings(sub.Categories))
	if err != nil {
		return fmt.Errorf("encode categories: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO submissions (id, type, status, namespace, slug, page_id, title, content, summary, categories,
			expected_revision, author_id, author_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10::jsonb, $11, $12, $13, $14, $15)
	`, sub.ID, string(sub.Type), string(sub.Status), sub.Namespace, sub.Slug, sub.PageID, sub.Title, sub.Content,
		sub.Summary, string(categories), sub.ExpectedRevision, sub.AuthorID, sub.AuthorName, sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSubmission(ctx context.Context, id string) (wiki.Submission, error) {
	sub, err := scanSubmission(s.db.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return wiki.Submission{}, wiki.NotFound("submission " + id)
	}
	if err != nil {
		return wiki.Submission{}, fmt.Errorf("get submission: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) ListSubmissions(ctx context.Context, filter wiki.SubmissionFilter) ([]wiki.Submission, error) {
	clauses := []string{"TRUE"}
	args := []any{}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status=$%d", len(args)))
	}
	if filter.Namespace != "" {
		args = append(args, filter.Namespace)
		clauses = append(clauses, fmt.Sprintf("namespace=$%d", len(args)))
	}
	args = append(args, filter.Limit, filter.Offset)
	query := `SELECT ` + submissionColumns + ` FROM submissions WHERE ` + strings.Join(clauses, " AND ") +
		fmt.Sprintf(" ORDER BY created_at ASC, id ASC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	items := make([]wiki.Submission, 0)
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		items = append(items, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submissions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) TransitionSubmission(ctx context.Context, transition SubmissionTransition) (wiki.Submission, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wiki.Submission{}, fmt.Errorf("begin transition tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sub, err := transitionSubmission(ctx, tx, transition)
	if err != nil {
		return wiki.Submission{}, err
	}
	if err := tx.Commit(); err != nil {
		return wiki.Submission{}, fmt.Errorf("commit transition: %w", err)
	}
	return sub, nil
}

func transitionSubmission(ctx context.Context, tx *sql.Tx, t SubmissionTransition) (wiki.Submission, error) {
	args := []any{t.ID, string(t.To), t.ReviewerID, t.ReviewerName, t.Reason, t.PageID, t.AppliedRevision, t.At, t.To.Terminal()}
	placeholders := make([]string, 0, len(t.From))
	for _, from := range t.From {
		args = append(args, string(from))
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}
	if len(placeholders) == 0 {
		return wiki.Submission{}, ErrStatusMismatch
	}

	sub, err := scanSubmission(tx.QueryRowContext(ctx, `
		UPDATE submissions
		SET status=$2, reviewer_id=NULLIF($3, ''), reviewer_name=NULLIF($4, ''), reason=NULLIF($5, ''),
			page_id=COALESCE(NULLIF($6, ''), page_id),
			applied_revision=CASE WHEN $7 > 0 THEN $7 ELSE applied_revision END,
			updated_at=$8,
			reviewed_at=CASE WHEN $9 THEN $8 ELSE reviewed_at END
		WHERE id=$1 AND status IN (`+strings.Join(placeholders, ", ")+`)
		RETURNING `+submissionColumns, args...))
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM submissions WHERE id=$1)`, t.ID).Scan(&exists); err != nil {
			return wiki.Submission{}, fmt.Errorf("check submission: %w", err)
		}
		if !exists {
			return wiki.Submission{}, wiki.NotFound("submission " + t.ID)
		}
		return wiki.Submission{}, ErrStatusMismatch
	}
	if err != nil {
		return wiki.Submission{}, fmt.Errorf("transition submission: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
