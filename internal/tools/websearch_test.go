package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
)

const resultsPage = `<!DOCTYPE html>
<html><head><title>gdp india at DuckDuckGo</title></head>
<body>
<div class="result results_links result--ad">
  <h2 class="result__title"><a class="result__a" href="https://ads.example.com">Buy GDP</a></h2>
  <a class="result__snippet">Sponsored</a>
</div>
<div class="result results_links results_links_deep web-result">
  <h2 class="result__title">
    <a rel="nofollow" class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fen.wikipedia.org%2Fwiki%2FEconomy_of_India&amp;rut=abc">Economy of <b>India</b></a>
  </h2>
  <a class="result__snippet" href="#">The economy of India is a developing <b>mixed</b> economy.</a>
</div>
<div class="result results_links results_links_deep web-result">
  <h2 class="result__title"><a class="result__a" href="https://data.worldbank.org/country/india">World Bank</a></h2>
  <a class="result__snippet">GDP (current US$)</a>
</div>
<div class="result results_links results_links_deep web-result">
  <h2 class="result__title"><a class="result__a" href="//imf.org/india">IMF</a></h2>
</div>
</body></html>`

func TestParseSearchResults(t *testing.T) {
	doc, err := html.Parse(strings.NewReader(resultsPage))
	require.NoError(t, err)

	results := parseSearchResults(doc)

	require.Len(t, results, 3)
	assert.Equal(t, SearchResult{
		Title: "Economy of India",
		Href:  "https://en.wikipedia.org/wiki/Economy_of_India",
		Body:  "The economy of India is a developing mixed economy.",
	}, results[0])
	assert.Equal(t, "https://data.worldbank.org/country/india", results[1].Href)
	assert.Equal(t, "https://imf.org/india", results[2].Href)
	assert.Empty(t, results[2].Body)
}

func TestWebSearchTool_Run(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("q")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(resultsPage))
	}))
	defer server.Close()

	tool := NewWebSearchTool(server.Client(), server.URL+"/html/", 2)

	out, err := tool.Run(context.Background(), json.RawMessage(`{"query": "gdp india"}`))

	require.NoError(t, err)
	assert.Equal(t, "gdp india", gotQuery)
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 2)
	var first SearchResult
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, "Economy of India", first.Title)
}

func TestWebSearchTool_BadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	tool := NewWebSearchTool(server.Client(), server.URL, 0)

	_, err := tool.Run(context.Background(), json.RawMessage(`{"query": "anything"}`))

	assert.ErrorContains(t, err, "failed to search")
}

func TestWebSearchTool_EmptyQuery(t *testing.T) {
	tool := NewWebSearchTool(http.DefaultClient, "", 0)

	_, err := tool.Run(context.Background(), json.RawMessage(`{"query": "  "}`))

	var tie ToolInputError
	assert.ErrorAs(t, err, &tie)
}

func TestWebSearchTool_NoResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body><div class="no-results">No results.</div></body></html>`))
	}))
	defer server.Close()

	tool := NewWebSearchTool(server.Client(), server.URL, 0)

	out, err := tool.Run(context.Background(), json.RawMessage(`{"query": "zzzz"}`))

	require.NoError(t, err)
	assert.Equal(t, `No results found for "zzzz".`, out)
}
