package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/kotodama-bot/kotodama/common/redact"
	"github.com/kotodama-bot/kotodama/common/retry"
	"github.com/kotodama-bot/kotodama/internal/kotodama/llm"
)

const (
	InternetSearchToolName = "internet_search"

	defaultSearchResults = 5
	duckDuckGoEndpoint   = "https://html.duckduckgo.com/html/"
	googleCSEEndpoint    = "https://www.googleapis.com/customsearch/v1"
)

// SearchResult is one web search hit.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Searcher runs a web search.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// WebConfig holds the HTTP plumbing shared by the web tools.
type WebConfig struct {
	// Client defaults to a 30s-timeout client (search) or a guarded client
	// (website reader).
	Client *http.Client
	// Retry defaults to three attempts on HTTP 429.
	Retry *retry.Config
}

func (c WebConfig) retryConfig() retry.Config {
	if c.Retry != nil {
		return *c.Retry
	}
	return webRetry
}

// DuckDuckGoSearcher scrapes DuckDuckGo's HTML endpoint. It needs no key.
type DuckDuckGoSearcher struct {
	// Endpoint defaults to the public HTML endpoint.
	Endpoint string
	Web      WebConfig
}

// Search implements Searcher.
func (d *DuckDuckGoSearcher) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	endpoint := d.Endpoint
	if endpoint == "" {
		endpoint = duckDuckGoEndpoint
	}
	resp, err := fetch(ctx, d.client(), endpoint+"?q="+url.QueryEscape(query), d.Web.retryConfig(), nil)
	if err != nil {
		return nil, fmt.Errorf("duckduckgo: %w", err)
	}
	return parseDuckDuckGoHTML(resp.Body, limit)
}

func (d *DuckDuckGoSearcher) client() *http.Client {
	if d.Web.Client != nil {
		return d.Web.Client
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// parseDuckDuckGoHTML walks the result page and pairs each result__a link
// with the result__snippet that follows it.
func parseDuckDuckGoHTML(page []byte, limit int) ([]SearchResult, error) {
	doc, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("duckduckgo: parse results: %w", err)
	}

	var (
		results []SearchResult
		current *SearchResult
	)
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if len(results) >= limit {
			return
		}
		if n.Type == html.ElementNode {
			switch {
			case n.DataAtom == atom.A && hasClass(n, "result__a"):
				if current != nil && current.URL != "" {
					results = append(results, *current)
				}
				current = &SearchResult{
					Title: collapseSpace(nodeText(n)),
					URL:   unwrapDuckDuckGoURL(getAttr(n, "href")),
				}
				return
			case hasClass(n, "result__snippet"):
				if current != nil {
					current.Snippet = collapseSpace(nodeText(n))
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	if current != nil && current.URL != "" && len(results) < limit {
		results = append(results, *current)
	}
	return results, nil
}

// unwrapDuckDuckGoURL extracts the target of a //duckduckgo.com/l/?uddg=
// redirect link.
func unwrapDuckDuckGoURL(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	if u.Scheme == "" && strings.HasPrefix(href, "//") {
		return "https:" + href
	}
	return href
}

// GoogleSearcher queries the Google Custom Search JSON API.
type GoogleSearcher struct {
	APIKey string
	CX     string
	// Endpoint defaults to the public API.
	Endpoint string
	Web      WebConfig
}

// Search implements Searcher.
func (g *GoogleSearcher) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	endpoint := g.Endpoint
	if endpoint == "" {
		endpoint = googleCSEEndpoint
	}
	q := url.Values{}
	q.Set("key", g.APIKey)
	q.Set("cx", g.CX)
	q.Set("q", query)
	q.Set("num", fmt.Sprint(min(limit, 10)))

	client := g.Web.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := fetch(ctx, client, endpoint+"?"+q.Encode(), g.Web.retryConfig(), nil)
	if err != nil {
		// The request URL carries the API key.
		return nil, fmt.Errorf("google search: %s", redact.String(err.Error(), g.APIKey))
	}

	var data struct {
		Items []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"items"`
	}
	if err := json.Unmarshal(resp.Body, &data); err != nil {
		return nil, fmt.Errorf("google search: decode response: %w", err)
	}
	results := make([]SearchResult, 0, len(data.Items))
	for _, item := range data.Items {
		results = append(results, SearchResult{Title: item.Title, URL: item.Link, Snippet: item.Snippet})
	}
	return results, nil
}

// InternetSearchTool exposes a Searcher to the model.
type InternetSearchTool struct {
	searcher Searcher
	limit    int
}

// NewInternetSearchTool returns an internet_search tool backed by s.
func NewInternetSearchTool(s Searcher) *InternetSearchTool {
	return &InternetSearchTool{searcher: s, limit: defaultSearchResults}
}

func (t *InternetSearchTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        InternetSearchToolName,
		Description: "Search the web. Returns titles, URLs and snippets of the top results.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The search query.",
					"minLength":   1,
				},
			},
			"required":             []string{"query"},
			"additionalProperties": false,
		},
	}
}

func (t *InternetSearchTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	query := strings.TrimSpace(stringArg(args, "query"))
	results, err := t.searcher.Search(ctx, query, t.limit)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return fmt.Sprintf("No results found for %q.", query), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Search results for %q:\n", query)
	for i, r := range results {
		fmt.Fprintf(&b, "\n%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			fmt.Fprintf(&b, "   %s\n", r.Snippet)
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// --- html helpers ---

func getAttr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(getAttr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func nodeText(n *html.Node) string {
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

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

var _ Tool = (*InternetSearchTool)(nil)
