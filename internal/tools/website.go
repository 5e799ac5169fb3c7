package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"

	"github.com/cchalm/researcher/internal/ai"
)

const defaultWebsiteTextLimit = 20000

var (
	skippedTags = map[string]bool{
		"script": true, "style": true, "noscript": true, "head": true,
		"iframe": true, "svg": true, "canvas": true, "template": true,
	}
	blockTags = map[string]bool{
		"p": true, "div": true, "li": true, "section": true, "article": true, "br": true,
		"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
		"header": true, "footer": true, "nav": true, "ul": true, "ol": true, "tr": true,
	}
)

// WebsiteTextTool fetches a web page and returns its visible text, so the model can read a search hit in full
type WebsiteTextTool struct {
	client    HTTPDoer
	runeLimit int
}

type WebsiteTextInput struct {
	URL string `json:"url"`
}

// NewWebsiteTextTool creates a website text tool. Output longer than runeLimit runes is truncated; a non-positive
// limit selects the default
func NewWebsiteTextTool(client HTTPDoer, runeLimit int) *WebsiteTextTool {
	if runeLimit <= 0 {
		runeLimit = defaultWebsiteTextLimit
	}
	return &WebsiteTextTool{client: client, runeLimit: runeLimit}
}

func (t *WebsiteTextTool) Spec() ai.ToolSpec {
	return ai.ToolSpec{
		Name:        "website_text",
		Description: "Get the text content of a website by stripping all non-text tags and trimming whitespace.",
		InputSchema: ai.InputSchema{
			Properties: map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "The URL of the website to retrieve the text content from.",
				},
			},
			Required: []string{"url"},
		},
	}
}

func (t *WebsiteTextTool) Run(ctx context.Context, input json.RawMessage) (string, error) {
	var in WebsiteTextInput
	if err := parseInputJSON(input, &in); err != nil {
		return "", err
	}
	u, err := url.ParseRequestURI(in.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", NewToolInputError(fmt.Errorf("invalid url: %q", in.URL))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("bad status: %s", resp.Status)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType != "" &&
		!strings.Contains(contentType, "text/html") &&
		!strings.Contains(contentType, "application/xhtml+xml") &&
		!strings.Contains(contentType, "text/plain") {
		return "", NewToolInputError(fmt.Errorf("unsupported content type: %s", contentType))
	}

	body, err := charset.NewReader(io.LimitReader(resp.Body, 5<<20), contentType)
	if err != nil {
		return "", fmt.Errorf("failed to detect charset: %w", err)
	}
	text, err := visibleText(body)
	if err != nil {
		return "", err
	}
	if text == "" {
		return "<EMPTY-PAGE>", nil
	}
	return truncateRunes(text, t.runeLimit), nil
}

// visibleText streams the document through the tokenizer, dropping non-content elements and starting a new line at
// block boundaries
func visibleText(r io.Reader) (string, error) {
	tokenizer := html.NewTokenizer(r)
	var lines []string
	var line []string
	flush := func() {
		if len(line) > 0 {
			lines = append(lines, strings.Join(line, " "))
			line = nil
		}
	}

	skipDepth := 0
	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			if errors.Is(tokenizer.Err(), io.EOF) {
				flush()
				return strings.Join(lines, "\n"), nil
			}
			return "", fmt.Errorf("failed to tokenize page: %w", tokenizer.Err())
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := tokenizer.TagName()
			tag := strings.ToLower(string(name))
			if skippedTags[tag] && tt == html.StartTagToken {
				skipDepth++
			}
			if blockTags[tag] {
				flush()
			}
		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			tag := strings.ToLower(string(name))
			if skippedTags[tag] && skipDepth > 0 {
				skipDepth--
			}
			if blockTags[tag] {
				flush()
			}
		case html.TextToken:
			if skipDepth > 0 {
				continue
			}
			line = append(line, strings.Fields(string(tokenizer.Text()))...)
		}
	}
}

func truncateRunes(s string, limit int) string {
	count := utf8.RuneCountInString(s)
	if count <= limit {
		return s
	}
	runes := []rune(s)
	return fmt.Sprintf("%s... and %d more characters. The page has been truncated.", string(runes[:limit]), count-limit)
}
