package tools

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

const pageFixture = `<!DOCTYPE html>
<html>
<head><title>  Kotodama   Notes </title><style>body { color: red }</style></head>
<body>
  <script>var secret = "do not read";</script>
  <h1>Heading</h1>
  <p>First    paragraph.</p>
  <div style="display: none">hidden by style</div>
  <div hidden>hidden attribute</div>
  <span aria-hidden="true">aria hidden</span>
  <ul><li>one</li><li>two</li></ul>
  <noscript>enable js</noscript>
</body>
</html>`

func TestExtractVisibleText(t *testing.T) {
	got := ExtractVisibleText([]byte(pageFixture), "text/html; charset=utf-8")
	for _, want := range []string{"Heading", "First paragraph.", "- one", "- two"} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in\n%s", want, got)
		}
	}
	for _, banned := range []string{"secret", "color: red", "hidden by style", "hidden attribute", "aria hidden", "enable js", "Kotodama Notes"} {
		if strings.Contains(got, banned) {
			t.Errorf("unexpected %q in\n%s", banned, got)
		}
	}
	if strings.Contains(got, "\n\n\n") {
		t.Errorf("uncollapsed blank lines in\n%q", got)
	}
}

func TestExtractVisibleText_PassesThroughNonHTML(t *testing.T) {
	raw := `{"a": "<b>not html</b>"}`
	if got := ExtractVisibleText([]byte(raw), "application/json"); got != raw {
		t.Fatalf("got %q", got)
	}
}

func TestHTMLTitle(t *testing.T) {
	if got := htmlTitle([]byte(pageFixture)); got != "Kotodama Notes" {
		t.Fatalf("title = %q", got)
	}
	if got := htmlTitle([]byte("<p>no title</p>")); got != "" {
		t.Fatalf("title = %q", got)
	}
}

func TestTruncateRunes(t *testing.T) {
	if got := truncateRunes("héllo", 10); got != "héllo" {
		t.Fatalf("short = %q", got)
	}
	if got := truncateRunes("héllo wörld", 5); got != "héllo\n[... truncated]" {
		t.Fatalf("long = %q", got)
	}
}

func newTestWebsiteTool(srv *httptest.Server) *ReadWebsiteTool {
	tool := NewReadWebsiteTool(WebConfig{Client: srv.Client(), Retry: fastRetry()})
	tool.validate = func(string) error { return nil }
	return tool
}

func TestReadWebsiteTool_Execute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/page":
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, pageFixture)
		case "/plain":
			w.Header().Set("Content-Type", "text/plain")
			fmt.Fprint(w, "just text")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	tool := newTestWebsiteTool(srv)
	out, err := tool.Execute(context.Background(), map[string]any{
		"urls": []any{srv.URL + "/page", srv.URL + "/plain", srv.URL + "/missing"},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	sections := strings.Split(out, "\n\n---\n\n")
	if len(sections) != 3 {
		t.Fatalf("got %d sections:\n%s", len(sections), out)
	}
	if !strings.Contains(sections[0], "Title: Kotodama Notes") || !strings.Contains(sections[0], "First paragraph.") {
		t.Errorf("page section:\n%s", sections[0])
	}
	if !strings.HasSuffix(sections[1], "just text") {
		t.Errorf("plain section:\n%s", sections[1])
	}
	if !strings.Contains(sections[2], "error:") || !strings.Contains(sections[2], "404") {
		t.Errorf("missing section:\n%s", sections[2])
	}
}

func TestReadWebsiteTool_LimitsAndTruncates(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, strings.Repeat("x", 50))
	}))
	defer srv.Close()

	tool := newTestWebsiteTool(srv)
	tool.maxChars = 10
	urls := []any{}
	for i := 0; i < maxWebsiteURLs+2; i++ {
		urls = append(urls, fmt.Sprintf("%s/%d", srv.URL, i))
	}
	out, err := tool.Execute(context.Background(), map[string]any{"urls": urls})
	if err != nil {
		t.Fatal(err)
	}
	if hits.Load() != maxWebsiteURLs {
		t.Fatalf("fetched %d pages, want %d", hits.Load(), maxWebsiteURLs)
	}
	if !strings.Contains(out, strings.Repeat("x", 10)+"\n[... truncated]") {
		t.Fatalf("no truncation marker in\n%s", out)
	}
}

func TestReadWebsiteTool_RefusesPrivateTargets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("private target was fetched")
	}))
	defer srv.Close()

	tool := NewReadWebsiteTool(WebConfig{Client: srv.Client()})
	out, err := tool.Execute(context.Background(), map[string]any{
		"urls": []any{srv.URL, "file:///etc/passwd"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(out, ErrBlockedURL.Error()) != 2 {
		t.Fatalf("out =\n%s", out)
	}
}

func TestReadWebsiteTool_NoURLs(t *testing.T) {
	tool := NewReadWebsiteTool(WebConfig{})
	if _, err := tool.Execute(context.Background(), map[string]any{}); err == nil {
		t.Fatal("want error")
	}
}
