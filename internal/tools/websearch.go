package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"

	"github.com/cchalm/researcher/internal/ai"
)

const (
	DefaultSearchEndpoint   = "https://html.duckduckgo.com/html/"
	DefaultSearchMaxResults = 5

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) " +
		"Chrome/124.0.0.0 Safari/537.36"
)

// HTTPDoer is satisfied by *http.Client
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// WebSearchTool searches the web through DuckDuckGo's HTML interface
type WebSearchTool struct {
	client     HTTPDoer
	endpoint   string
	maxResults int
}

type WebSearchInput struct {
	Query string `json:"query"`
}

// SearchResult is a single web search hit, serialized one per line in the tool output
type SearchResult struct {
	Title string `json:"title"`
	Href  string `json:"href"`
	Body  string `json:"body"`
}

// NewWebSearchTool creates a web search tool. Empty endpoint and non-positive maxResults select the defaults
func NewWebSearchTool(client HTTPDoer, endpoint string, maxResults int) *WebSearchTool {
	if endpoint == "" {
		endpoint = DefaultSearchEndpoint
	}
	if maxResults <= 0 {
		maxResults = DefaultSearchMaxResults
	}
	return &WebSearchTool{
		client:     client,
		endpoint:   endpoint,
		maxResults: maxResults,
	}
}

func (t *WebSearchTool) Spec() ai.ToolSpec {
	return ai.ToolSpec{
		Name:        "web_search",
		Description: "Fetch information about any query from the internet.",
		InputSchema: ai.InputSchema{
			Properties: map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Query for which more information is required.",
				},
			},
			Required: []string{"query"},
		},
	}
}

func (t *WebSearchTool) Run(ctx context.Context, input json.RawMessage) (string, error) {
	var in WebSearchInput
	if err := parseInputJSON(input, &in); err != nil {
		return "", err
	}
	if strings.TrimSpace(in.Query) == "" {
		return "", NewToolInputError(fmt.Errorf("query must not be empty"))
	}

	results, err := t.search(ctx, in.Query)
	if err != nil {
		return "", fmt.Errorf("failed to search: %w", err)
	}
	if len(results) == 0 {
		return fmt.Sprintf("No results found for %q.", in.Query), nil
	}

	lines := make([]string, 0, len(results))
	for _, result := range results {
		b, err := json.Marshal(result)
		if err != nil {
			return "", fmt.Errorf("failed to marshal search result: %w", err)
		}
		lines = append(lines, string(b))
	}
	return strings.Join(lines, "\n"), nil
}

func (t *WebSearchTool) search(ctx context.Context, query string) ([]SearchResult, error) {
	u, err := url.Parse(t.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid search endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch results: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("bad status: %s", resp.Status)
	}

	body, err := charset.NewReader(io.LimitReader(resp.Body, 5<<20), resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, fmt.Errorf("failed to detect charset: %w", err)
	}
	doc, err := html.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse results page: %w", err)
	}

	results := parseSearchResults(doc)
	if len(results) > t.maxResults {
		results = results[:t.maxResults]
	}
	return results, nil
}

// parseSearchResults extracts organic results from a DuckDuckGo HTML results page. Each result is a "result__a"
// link followed by an optional "result__snippet"; ads are skipped
func parseSearchResults(doc *html.Node) []SearchResult {
	var results []SearchResult
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch {
			case hasClass(n, "result--ad"):
				return
			case hasClass(n, "result__a"):
				results = append(results, SearchResult{
					Title: nodeText(n),
					Href:  resolveResultLink(attr(n, "href")),
				})
				return
			case hasClass(n, "result__snippet"):
				if len(results) > 0 {
					results[len(results)-1].Body = nodeText(n)
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return results
}

// resolveResultLink unwraps DuckDuckGo redirect links of the form //duckduckgo.com/l/?uddg=<target>
func resolveResultLink(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	if u.Scheme == "" && u.Host != "" {
		u.Scheme = "https"
	}
	return u.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

// nodeText returns the whitespace-normalized text content of n
func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}
