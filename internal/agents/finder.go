package agents

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/deepresearch/internal/research"
	"github.com/mohammad-safakhou/deepresearch/internal/search"
)

// Finder turns the plan's sub-questions into search queries and ranks the
// hits. It makes no model calls.
type Finder struct {
	Searcher search.WebSearcher
	Logger   *log.Logger
}

func (f *Finder) logf(format string, args ...interface{}) {
	if f.Logger != nil {
		f.Logger.Printf(format, args...)
	}
}

func (f *Finder) Find(ctx context.Context, in research.FinderInput) ([]research.Source, error) {
	known := make(map[string]bool, len(in.Known))
	for _, s := range in.Known {
		known[research.NormalizeSourceURL(s.URL)] = true
	}

	perDomain := make(map[string]int)
	var out []research.Source
	var lastErr error
	succeeded := 0

	for _, sq := range in.Plan.SubQuestions {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		results, err := f.Searcher.Search(ctx, sq.Question, in.Options.SearchResultsPerQuery)
		if err != nil {
			f.logf("search for %q failed: %v", sq.Question, err)
			lastErr = err
			continue
		}
		succeeded++

		kept := 0
		for _, r := range results {
			if kept >= in.Options.MaxSourcesPerQuestion {
				break
			}
			key := research.NormalizeSourceURL(r.URL)
			if key == "" || known[key] {
				continue
			}
			domain := research.SourceDomain(r.URL)
			if in.Options.SourceDiversity && domain != "" && perDomain[domain] >= 2 {
				continue
			}
			reliability, confidence := rateDomain(domain)
			out = append(out, research.Source{
				ID:            uuid.NewString(),
				SubQuestionID: sq.ID,
				URL:           r.URL,
				Title:         r.Title,
				Snippet:       r.Snippet,
				Domain:        domain,
				Reliability:   reliability,
				Confidence:    confidence,
			})
			known[key] = true
			perDomain[domain]++
			kept++
		}
	}

	if succeeded == 0 && lastErr != nil {
		return nil, fmt.Errorf("all searches failed: %w", lastErr)
	}
	return out, nil
}

var highReliabilityDomains = map[string]bool{
	"arxiv.org":   true,
	"nature.com":  true,
	"science.org": true,
	"nih.gov":     true,
	"who.int":     true,
}

var mediumReliabilityDomains = map[string]bool{
	"wikipedia.org": true,
	"reuters.com":   true,
	"apnews.com":    true,
	"bbc.com":       true,
	"bbc.co.uk":     true,
	"nytimes.com":   true,
	"wsj.com":       true,
	"ft.com":        true,
	"economist.com": true,
}

// rateDomain assigns a coarse reliability tier by domain.
func rateDomain(domain string) (string, float64) {
	if domain == "" {
		return "unknown", 0.4
	}
	if strings.HasSuffix(domain, ".gov") || strings.HasSuffix(domain, ".edu") || highReliabilityDomains[domain] {
		return "high", 0.9
	}
	if mediumReliabilityDomains[domain] || hasSuffixDomain(domain, mediumReliabilityDomains) {
		return "medium", 0.7
	}
	return "medium-low", 0.5
}

func hasSuffixDomain(domain string, set map[string]bool) bool {
	for base := range set {
		if strings.HasSuffix(domain, "."+base) {
			return true
		}
	}
	return false
}
