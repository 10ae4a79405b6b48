package research

import (
	"net/url"
	"strings"
)

// NormalizeSourceURL canonicalizes a URL for deduplication: lowercase scheme
// and host, fragment dropped, trailing slash trimmed. Unparseable input is
// returned trimmed so it still participates in dedup.
func NormalizeSourceURL(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return strings.TrimRight(trimmed, "/")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	out := u.String()
	return strings.TrimRight(out, "/")
}

// SourceDomain extracts the lowercase host for diversity bookkeeping.
func SourceDomain(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(strings.TrimPrefix(u.Host, "www."))
}

// MergeSources folds incoming sources into existing ones, deduplicating by
// normalized URL. When two sources share a URL the higher-confidence one
// wins. The merged set is capped at limit (<=0 means unlimited); existing
// order is preserved and new sources append in input order.
func MergeSources(existing, incoming []Source, limit int) []Source {
	index := make(map[string]int, len(existing))
	merged := make([]Source, 0, len(existing)+len(incoming))
	for _, s := range existing {
		key := NormalizeSourceURL(s.URL)
		if key == "" {
			continue
		}
		if at, ok := index[key]; ok {
			if s.Confidence > merged[at].Confidence {
				merged[at] = s
			}
			continue
		}
		index[key] = len(merged)
		merged = append(merged, s)
	}
	for _, s := range incoming {
		key := NormalizeSourceURL(s.URL)
		if key == "" {
			continue
		}
		if at, ok := index[key]; ok {
			if s.Confidence > merged[at].Confidence {
				merged[at] = s
			}
			continue
		}
		index[key] = len(merged)
		merged = append(merged, s)
	}
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}
