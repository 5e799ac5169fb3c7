package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/go-github/v68/github"

	"github.com/cchalm/researcher/internal/ai"
)

const defaultGitHubSearchResults = 5

// GitHubSearchTool searches public GitHub repositories
type GitHubSearchTool struct {
	client     *github.Client
	maxResults int
}

type GitHubSearchInput struct {
	Query string `json:"query"`
}

func NewGitHubSearchTool(client *github.Client, maxResults int) *GitHubSearchTool {
	if maxResults <= 0 {
		maxResults = defaultGitHubSearchResults
	}
	return &GitHubSearchTool{client: client, maxResults: maxResults}
}

func (t *GitHubSearchTool) Spec() ai.ToolSpec {
	return ai.ToolSpec{
		Name: "github_search",
		Description: "Search public GitHub repositories, ordered by stars. Useful for questions about open source " +
			"projects, libraries and their popularity.",
		InputSchema: ai.InputSchema{
			Properties: map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "GitHub search query, e.g. 'vector database language:go'.",
				},
			},
			Required: []string{"query"},
		},
	}
}

func (t *GitHubSearchTool) Run(ctx context.Context, input json.RawMessage) (string, error) {
	var in GitHubSearchInput
	if err := parseInputJSON(input, &in); err != nil {
		return "", err
	}
	if strings.TrimSpace(in.Query) == "" {
		return "", NewToolInputError(fmt.Errorf("query must not be empty"))
	}

	opts := &github.SearchOptions{
		Sort:        "stars",
		Order:       "desc",
		ListOptions: github.ListOptions{PerPage: t.maxResults},
	}
	result, _, err := t.client.Search.Repositories(ctx, in.Query, opts)
	if err != nil {
		return "", fmt.Errorf("failed to search repositories: %w", err)
	}
	if len(result.Repositories) == 0 {
		return fmt.Sprintf("No repositories found for %q.", in.Query), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d repositories, showing the top %d:\n", result.GetTotal(), min(len(result.Repositories), t.maxResults))
	for i, repo := range result.Repositories {
		if i >= t.maxResults {
			break
		}
		fmt.Fprintf(&sb, "- %s (%d stars): %s\n  %s\n",
			repo.GetFullName(), repo.GetStargazersCount(), repo.GetDescription(), repo.GetHTMLURL())
	}
	return sb.String(), nil
}
