package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher over the pages.search_vector column.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search ranks live pages with plainto_tsquery and ts_rank, using
// ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := "NOT p.is_deleted AND p.search_vector @@ plainto_tsquery('simple', $1)"
	args := []any{q.Text}
	if q.Namespace != "" {
		where += " AND p.namespace = $2"
		args = append(args, q.Namespace)
	}

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM pages p WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT p.id, p.namespace, p.slug, p.title,
			ts_headline('simple', p.content, plainto_tsquery('simple', $1), 'MaxFragments=1,MaxWords=30') AS snippet
		FROM pages p
		WHERE %s
		ORDER BY ts_rank(p.search_vector, plainto_tsquery('simple', $1)) DESC, p.updated_at DESC
		LIMIT %d OFFSET %d`, where, limit, offset), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.PageID, &r.Namespace, &r.Slug, &r.Title, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadPages returns every live page for full reindexing.
func (p *PgFTS) LoadPages(ctx context.Context) ([]PageRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, namespace, slug, title, content, protection, current_revision, updated_at
		FROM pages
		WHERE NOT is_deleted
	`)
	if err != nil {
		return nil, fmt.Errorf("load pages: %w", err)
	}
	defer rows.Close()

	pages := make([]PageRecord, 0)
	for rows.Next() {
		var (
			r         PageRecord
			updatedAt sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.Namespace, &r.Slug, &r.Title, &r.Content, &r.Protection, &r.Revision, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		if updatedAt.Valid {
			r.UpdatedAt = updatedAt.Time.Unix()
		}
		pages = append(pages, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages: %w", err)
	}
	return pages, nil
}
