package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const serperURL = "https://google.serper.dev/search"

// Serper queries google.serper.dev. https://serper.dev/ docs.
type Serper struct {
	APIKey string
	Client *http.Client
}

func (s *Serper) Search(ctx context.Context, query string, k int) ([]Result, error) {
	payload, err := json.Marshal(map[string]interface{}{"q": query, "num": k})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serperURL, strings.NewReader(string(payload)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-KEY", s.APIKey)
	req.Header.Set("Content-Type", "application/json")

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("serper request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("serper returned status %d", resp.StatusCode)
	}

	var raw struct {
		Organic []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding serper response: %w", err)
	}
	out := make([]Result, 0, len(raw.Organic))
	for i, item := range raw.Organic {
		if i >= k {
			break
		}
		out = append(out, Result{Title: item.Title, URL: item.Link, Snippet: item.Snippet})
	}
	return out, nil
}
