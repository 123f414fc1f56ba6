package jobs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
)

const DefaultMaxSearchResults = 5

// Searcher queries the DuckDuckGo HTML endpoint and scrapes the result list.
// No API key is required.
type Searcher struct {
	BaseURL    string
	MaxResults int
	Client     *http.Client
}

func (s *Searcher) Search(ctx context.Context, query string) Result {
	base := s.BaseURL
	if base == "" {
		base = "https://html.duckduckgo.com/html/"
	}
	maxResults := s.MaxResults
	if maxResults <= 0 {
		maxResults = DefaultMaxSearchResults
	}

	form := url.Values{"q": {query}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base, strings.NewReader(form.Encode()))
	if err != nil {
		return Result{Err: fmt.Errorf("build search request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; parlor)")

	resp, err := s.client().Do(req)
	if err != nil {
		return Result{Err: fmt.Errorf("search request failed: %w", err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{Err: fmt.Errorf("search returned %d", resp.StatusCode)}
	}

	results, err := parseResults(resp.Body, maxResults)
	if err != nil {
		return Result{Err: err}
	}
	if len(results) == 0 {
		return Result{Err: fmt.Errorf("no results for %q", query)}
	}
	return Result{Results: results}
}

// parseResults walks the result page. Each hit is an anchor with class
// result__a; the matching snippet carries class result__snippet.
func parseResults(r io.Reader, limit int) ([]SearchResult, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse search page: %w", err)
	}

	var results []SearchResult
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if len(results) >= limit {
			return
		}
		if n.Type == html.ElementNode && n.Data == "a" && hasClass(n, "result__a") {
			results = append(results, SearchResult{
				Title: strings.TrimSpace(textOf(n)),
				URL:   cleanURL(attr(n, "href")),
			})
		}
		if n.Type == html.ElementNode && hasClass(n, "result__snippet") && len(results) > 0 {
			last := &results[len(results)-1]
			if last.Snippet == "" {
				last.Snippet = strings.TrimSpace(textOf(n))
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return results, nil
}

// cleanURL unwraps DuckDuckGo's redirect links, which carry the target in the
// uddg query parameter.
func cleanURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	if u.Scheme == "" {
		u.Scheme = "https"
	}
	return u.String()
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textOf(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func (s *Searcher) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return &http.Client{Timeout: 30 * time.Second}
}
