package recall

import (
	"context"

	"github.com/neul-labs/openclaw/pkg/sandbox"
	"github.com/neul-labs/openclaw/pkg/toolregistry"
)

// Tool returns the builtin that searches the recall store. maxResults
// caps the per-call limit; zero means 20.
func Tool(store *Store, maxResults int) toolregistry.Definition {
	if maxResults <= 0 {
		maxResults = 20
	}
	return toolregistry.Definition{
		Name:        "recall",
		Description: "Search past conversation transcripts for relevant text. Returns the closest matching snippets with their session and timestamp.",
		Parameters: []toolregistry.Parameter{
			{
				Name:        "query",
				Type:        "string",
				Description: "What to look for, in natural language",
				Required:    true,
			},
			{
				Name:        "limit",
				Type:        "number",
				Description: "How many snippets to return (default 5)",
				Required:    false,
			},
		},
		Execute: func(ctx context.Context, params map[string]interface{}, _ *sandbox.Handle) (interface{}, error) {
			query, _ := params["query"].(string)

			limit := 5
			if raw, ok := params["limit"].(float64); ok && raw > 0 {
				limit = int(raw)
			}
			if limit > maxResults {
				limit = maxResults
			}

			results, err := store.Search(ctx, query, limit)
			if err != nil {
				return nil, err
			}

			return map[string]interface{}{
				"results": results,
				"count":   len(results),
			}, nil
		},
	}
}
