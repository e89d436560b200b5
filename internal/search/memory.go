package search

import (
	"sort"
	"strings"
	"sync"
)

// MemoryIndex is the Searcher used when no database is configured. It
// matches every query term as a case-insensitive substring of the title or
// content.
type MemoryIndex struct {
	mu    sync.RWMutex
	pages map[string]PageRecord
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{pages: map[string]PageRecord{}}
}

func (m *MemoryIndex) Healthy() bool {
	return true
}

func (m *MemoryIndex) IndexPage(page PageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[page.ID] = page
	return nil
}

func (m *MemoryIndex) DeletePage(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pages, id)
	return nil
}

func (m *MemoryIndex) Search(q Query) ([]Result, int, error) {
	terms := strings.Fields(strings.ToLower(q.Text))
	if len(terms) == 0 {
		return nil, 0, nil
	}

	type scored struct {
		page  PageRecord
		score int
	}
	m.mu.RLock()
	matched := make([]scored, 0)
	for _, page := range m.pages {
		if q.Namespace != "" && page.Namespace != q.Namespace {
			continue
		}
		title := strings.ToLower(page.Title)
		content := strings.ToLower(page.Content)
		score := 0
		for _, term := range terms {
			inTitle := strings.Contains(title, term)
			if !inTitle && !strings.Contains(content, term) {
				score = -1
				break
			}
			if inTitle {
				score += 2
			} else {
				score++
			}
		}
		if score > 0 {
			matched = append(matched, scored{page: page, score: score})
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].score != matched[j].score {
			return matched[i].score > matched[j].score
		}
		return matched[i].page.ID < matched[j].page.ID
	})

	total := len(matched)
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	start := q.Offset
	if start < 0 {
		start = 0
	}
	results := make([]Result, 0)
	for i := start; i < len(matched) && len(results) < limit; i++ {
		page := matched[i].page
		results = append(results, Result{
			PageID:    page.ID,
			Namespace: page.Namespace,
			Slug:      page.Slug,
			Title:     page.Title,
			Snippet:   snippet(page.Content, terms[0]),
		})
	}
	return results, total, nil
}

// snippet returns up to 30 words of content starting near the first match.
func snippet(content, term string) string {
	words := strings.Fields(content)
	start := 0
	for i, word := range words {
		if strings.Contains(strings.ToLower(word), term) {
			start = max(0, i-5)
			break
		}
	}
	end := min(len(words), start+30)
	return strings.Join(words[start:end], " ")
}
