package tools

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/kotodama-bot/kotodama/internal/kotodama/llm"
)

const (
	ReadWebsiteToolName = "read_website"

	maxWebsiteURLs      = 3
	maxWebsiteChars     = 8000
	websiteFetchTimeout = 30 * time.Second
)

var skipElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Svg:      true,
	atom.Template: true,
	atom.Iframe:   true,
	atom.Object:   true,
	atom.Embed:    true,
	atom.Head:     true,
}

var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Section: true, atom.Article: true,
	atom.Header: true, atom.Footer: true, atom.Nav: true, atom.Main: true,
	atom.Aside: true, atom.Ul: true, atom.Ol: true, atom.Li: true,
	atom.Table: true, atom.Tr: true, atom.Blockquote: true, atom.Pre: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
}

var (
	hiddenStyleRe  = regexp.MustCompile(`(?i)display\s*:\s*none|visibility\s*:\s*hidden`)
	spaceRunRe     = regexp.MustCompile(`[ \t]+`)
	multiNewlineRe = regexp.MustCompile(`\n{3,}`)
)

// ExtractVisibleText returns what a reader would see on an HTML page.
// Non-HTML content is returned unchanged.
func ExtractVisibleText(raw []byte, contentType string) string {
	if contentType != "" && !strings.Contains(strings.ToLower(contentType), "html") {
		return string(raw)
	}
	doc, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return string(raw)
	}

	var buf strings.Builder
	writeVisible(doc, &buf)

	lines := strings.Split(buf.String(), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRightFunc(strings.TrimLeft(spaceRunRe.ReplaceAllString(line, " "), " "), unicode.IsSpace)
	}
	text := multiNewlineRe.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(text)
}

func writeVisible(n *html.Node, buf *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		buf.WriteString(n.Data)
		return
	case html.ElementNode:
		if skipElements[n.DataAtom] || hasAttr(n, "hidden") || getAttr(n, "aria-hidden") == "true" {
			return
		}
		if hiddenStyleRe.MatchString(getAttr(n, "style")) {
			return
		}
		block := blockElements[n.DataAtom]
		if block {
			buf.WriteString("\n")
		}
		if n.DataAtom == atom.Li {
			buf.WriteString("- ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			writeVisible(c, buf)
		}
		if block || n.DataAtom == atom.Br {
			buf.WriteString("\n")
		}
	default:
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			writeVisible(c, buf)
		}
	}
}

// htmlTitle returns the document <title>, if any.
func htmlTitle(raw []byte) string {
	doc, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return ""
	}
	var title string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if title != "" {
			return
		}
		if n.Type == html.ElementNode && n.DataAtom == atom.Title {
			title = collapseSpace(nodeText(n))
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title
}

// truncateRunes clips s to max runes, marking the cut.
func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max]) + "\n[... truncated]"
}

// ReadWebsiteTool fetches pages and returns their visible text.
type ReadWebsiteTool struct {
	web      WebConfig
	maxURLs  int
	maxChars int
	validate func(string) error
}

// NewReadWebsiteTool returns a read_website tool. A zero WebConfig uses a
// client that refuses private and loopback addresses.
func NewReadWebsiteTool(web WebConfig) *ReadWebsiteTool {
	if web.Client == nil {
		web.Client = NewGuardedClient(websiteFetchTimeout)
	}
	return &ReadWebsiteTool{
		web:      web,
		maxURLs:  maxWebsiteURLs,
		maxChars: maxWebsiteChars,
		validate: func(raw string) error {
			_, err := validateURL(raw)
			return err
		},
	}
}

func (t *ReadWebsiteTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name: ReadWebsiteToolName,
		Description: fmt.Sprintf("Fetch one or more web pages and return their readable text. "+
			"At most %d URLs per call; long pages are truncated.", t.maxURLs),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"urls": map[string]any{
					"type":        "array",
					"description": "http or https URLs to read.",
					"items":       map[string]any{"type": "string", "minLength": 1},
					"minItems":    1,
					"maxItems":    t.maxURLs,
				},
			},
			"required":             []string{"urls"},
			"additionalProperties": false,
		},
	}
}

// Execute reads each URL in turn. A failing page is reported inline and does
// not fail the call.
func (t *ReadWebsiteTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	urls := stringSliceArg(args, "urls")
	if len(urls) == 0 {
		return "", fmt.Errorf("read_website: no urls given")
	}
	if len(urls) > t.maxURLs {
		urls = urls[:t.maxURLs]
	}

	sections := make([]string, 0, len(urls))
	for _, u := range urls {
		sections = append(sections, t.readOne(ctx, strings.TrimSpace(u)))
	}
	return strings.Join(sections, "\n\n---\n\n"), nil
}

func (t *ReadWebsiteTool) readOne(ctx context.Context, u string) string {
	if err := t.validate(u); err != nil {
		return fmt.Sprintf("URL: %s\nerror: %v", u, err)
	}
	resp, err := fetch(ctx, t.web.Client, u, t.web.retryConfig(), func(req *http.Request) {
		req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")
	})
	if err != nil {
		return fmt.Sprintf("URL: %s\nerror: %v", u, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "URL: %s\n", resp.FinalURL)
	if strings.Contains(strings.ToLower(resp.ContentType), "html") {
		if title := htmlTitle(resp.Body); title != "" {
			fmt.Fprintf(&b, "Title: %s\n", title)
		}
	}
	text := ExtractVisibleText(resp.Body, resp.ContentType)
	if text == "" {
		text = "(no readable text)"
	}
	b.WriteString("\n")
	b.WriteString(truncateRunes(text, t.maxChars))
	return b.String()
}

var _ Tool = (*ReadWebsiteTool)(nil)
