// Package connectors extracts plain text from external document formats
// so fetched pages and files can be stored and indexed like any other
// content.
package connectors

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"
)

const maxFetchBytes = 10 << 20

// WebPage is the extracted form of a fetched HTML document.
type WebPage struct {
	URL     string
	Title   string
	Content string
}

// FetchWebPage downloads url and extracts its readable text. The main or
// article element is preferred over the full body when present; script,
// style, and chrome elements are dropped either way.
func FetchWebPage(ctx context.Context, url string) (*WebPage, error) {
	client := &http.Client{Timeout: 30 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", "pcontext/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: status %d", url, resp.StatusCode)
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", url, err)
	}

	page := &WebPage{URL: url}
	page.Title = pageTitle(doc)
	page.Content = pageText(doc)
	if page.Title == "" {
		page.Title = url
	}
	return page, nil
}

// pageTitle prefers the document <title>, falling back to the first h1.
func pageTitle(doc *html.Node) string {
	if t := findElement(doc, "title"); t != nil {
		return strings.TrimSpace(nodeText(t))
	}
	if h1 := findElement(doc, "h1"); h1 != nil {
		return strings.TrimSpace(nodeText(h1))
	}
	return ""
}

func pageText(doc *html.Node) string {
	root := doc
	if main := findElement(doc, "main"); main != nil {
		root = main
	} else if article := findElement(doc, "article"); article != nil {
		root = article
	} else if body := findElement(doc, "body"); body != nil {
		root = body
	}
	return collapseWhitespace(nodeText(root))
}

var skippedElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"nav":      true,
	"header":   true,
	"footer":   true,
	"aside":    true,
}

func findElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, tag); found != nil {
			return found
		}
	}
	return nil
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skippedElements[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
