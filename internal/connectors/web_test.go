package connectors

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func serveHTML(t *testing.T, html string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(html))
	}))
}

func TestFetchWebPageExtractsTitleAndText(t *testing.T) {
	srv := serveHTML(t, `<html>
		<head><title>Page Title</title><style>body { color: red }</style></head>
		<body>
			<nav>Home About Contact</nav>
			<main><p>The   actual   content.</p><p>Second paragraph.</p></main>
			<script>alert("hi")</script>
			<footer>Copyright</footer>
		</body>
	</html>`)
	defer srv.Close()

	page, err := FetchWebPage(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("FetchWebPage: %v", err)
	}
	if page.Title != "Page Title" {
		t.Errorf("title = %q", page.Title)
	}
	if page.Content != "The actual content. Second paragraph." {
		t.Errorf("content = %q", page.Content)
	}
	for _, junk := range []string{"alert", "color: red", "Home About", "Copyright"} {
		if strings.Contains(page.Content, junk) {
			t.Errorf("content contains %q", junk)
		}
	}
}

func TestFetchWebPageFallsBackToH1(t *testing.T) {
	srv := serveHTML(t, `<html><body><h1>Heading Title</h1><p>Body text</p></body></html>`)
	defer srv.Close()

	page, err := FetchWebPage(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("FetchWebPage: %v", err)
	}
	if page.Title != "Heading Title" {
		t.Errorf("title = %q, want Heading Title", page.Title)
	}
}

func TestFetchWebPageBodyFallback(t *testing.T) {
	srv := serveHTML(t, `<html><body><p>No main element here</p></body></html>`)
	defer srv.Close()

	page, err := FetchWebPage(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("FetchWebPage: %v", err)
	}
	if page.Content != "No main element here" {
		t.Errorf("content = %q", page.Content)
	}
	// No title anywhere: the URL stands in.
	if page.Title != srv.URL {
		t.Errorf("title = %q, want %q", page.Title, srv.URL)
	}
}

func TestFetchWebPageErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	if _, err := FetchWebPage(context.Background(), srv.URL); err == nil {
		t.Error("expected error on http 404")
	}
}

func TestCollapseWhitespace(t *testing.T) {
	if got := collapseWhitespace("  a \n\t b   c "); got != "a b c" {
		t.Errorf("got %q", got)
	}
}
