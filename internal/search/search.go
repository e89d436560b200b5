package search

import "time"

// Result is a single search hit returned to the caller.
type Result struct {
	PageID    string `json:"pageId"`
	Namespace string `json:"namespace"`
	Slug      string `json:"slug"`
	Title     string `json:"title"`
	Snippet   string `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text      string
	Namespace string // empty = all namespaces
	Limit     int
	Offset    int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over live pages.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// PageRecord is the data we index for a live page.
type PageRecord struct {
	ID         string `json:"id"`
	Namespace  string `json:"namespace"`
	Slug       string `json:"slug"`
	Title      string `json:"title"`
	Content    string `json:"content"`
	Protection string `json:"protection"`
	Revision   int    `json:"revision"`
	UpdatedAt  int64  `json:"updatedAt"`
}

// NewPageRecord builds a record; updatedAt is stored as unix seconds so it
// can be sorted in Meilisearch.
func NewPageRecord(id, namespace, slug, title, content, protection string, revision int, updatedAt time.Time) PageRecord {
	return PageRecord{
		ID:         id,
		Namespace:  namespace,
		Slug:       slug,
		Title:      title,
		Content:    content,
		Protection: protection,
		Revision:   revision,
		UpdatedAt:  updatedAt.Unix(),
	}
}

const defaultLimit = 20
