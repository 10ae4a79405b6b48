// Package fetch pulls readable article text out of source pages for the
// summarizer.
package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	readability "github.com/go-shiori/go-readability"
)

// Fetcher extracts the main text content of a page.
type Fetcher interface {
	Fetch(ctx context.Context, pageURL string) (string, error)
}

// HTTPFetcher downloads a page and runs readability extraction over it.
type HTTPFetcher struct {
	client   *http.Client
	maxChars int
}

// NewHTTPFetcher builds a fetcher. maxChars caps the extracted text; <=0
// means a 8000-character default.
func NewHTTPFetcher(timeout time.Duration, maxChars int) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if maxChars <= 0 {
		maxChars = 8000
	}
	return &HTTPFetcher{
		client:   &http.Client{Timeout: timeout},
		maxChars: maxChars,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, pageURL string) (string, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return "", fmt.Errorf("parsing url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", "deepresearch/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching %s: %w", pageURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching %s: status %d", pageURL, resp.StatusCode)
	}

	article, err := readability.FromReader(resp.Body, parsed)
	if err != nil {
		return "", fmt.Errorf("extracting content from %s: %w", pageURL, err)
	}
	text := strings.TrimSpace(article.TextContent)
	if text == "" {
		return "", fmt.Errorf("no readable content at %s", pageURL)
	}
	return truncate(text, f.maxChars), nil
}

// truncate cuts s to at most max bytes without splitting a UTF-8 rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
