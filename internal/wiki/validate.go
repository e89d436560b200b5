package wiki

import (
	"regexp"
	"strings"
)

const (
	MaxSlugLength    = 255
	MaxTitleLength   = 255
	MaxSummaryLength = 500
)

var namespacePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,31}$`)

// NormalizeKey trims the key and checks it names a valid page location.
func NormalizeKey(namespace, slug string) (Key, error) {
	ns := strings.ToLower(strings.TrimSpace(namespace))
	if ns == "" {
		return Key{}, Validation("namespace", "namespace is required")
	}
	if !namespacePattern.MatchString(ns) {
		return Key{}, Validation("namespace", "namespace must start with a letter and use only a-z, 0-9, '_' or '-'")
	}
	s := strings.TrimSpace(slug)
	if s == "" {
		return Key{}, Validation("slug", "slug is required")
	}
	if len(s) > MaxSlugLength {
		return Key{}, Validation("slug", "slug is too long")
	}
	if strings.ContainsAny(s, "/\n\r\t") {
		return Key{}, Validation("slug", "slug must not contain '/' or control characters")
	}
	return Key{Namespace: ns, Slug: s}, nil
}

func NormalizeTitle(title string, key Key) (string, error) {
	t := strings.TrimSpace(title)
	if t == "" {
		t = key.Slug
	}
	if len(t) > MaxTitleLength {
		return "", Validation("title", "title is too long")
	}
	return t, nil
}

func NormalizeSummary(summary string) (string, error) {
	s := strings.TrimSpace(summary)
	if len(s) > MaxSummaryLength {
		return "", Validation("summary", "summary is too long")
	}
	return s, nil
}

// NormalizeCategories trims, drops blanks and removes duplicates keeping order.
func NormalizeCategories(categories []string) []string {
	out := make([]string, 0, len(categories))
	seen := make(map[string]struct{}, len(categories))
	for _, category := range categories {
		c := strings.TrimSpace(category)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
