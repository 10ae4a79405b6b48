// Package search wraps the web search providers the finder draws sources
// from.
package search

import (
	"context"
	"fmt"
)

// Result is one search hit.
type Result struct {
	Title   string
	URL     string
	Snippet string
}

// WebSearcher issues one query and returns up to k results.
type WebSearcher interface {
	Search(ctx context.Context, query string, k int) ([]Result, error)
}

type Provider string

const (
	SerperProvider Provider = "serper"
	BraveProvider  Provider = "brave"
)

// NewWebSearcher returns the searcher for the configured provider.
func NewWebSearcher(provider Provider, apiKey string) (WebSearcher, error) {
	switch provider {
	case SerperProvider:
		return &Serper{APIKey: apiKey}, nil
	case BraveProvider:
		return &Brave{APIKey: apiKey}, nil
	default:
		return nil, fmt.Errorf("unsupported search provider %q", provider)
	}
}
