package provider

import (
	"context"
	"net/http"
	"os"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"agentd/errors"
)

func init() {
	Register("databricks", newDatabricks)
}

// newDatabricks builds a provider against a Databricks serving endpoint,
// which speaks the chat-completion protocol.
func newDatabricks(ctx context.Context, cfg Config) (Provider, error) {
	host := cfg.Host
	if host == "" {
		host = os.Getenv("DATABRICKS_HOST")
	}
	if host == "" {
		return nil, errors.Config("databricks host not set (config hosts.databricks or DATABRICKS_HOST)")
	}
	token := os.Getenv("DATABRICKS_TOKEN")
	if token == "" {
		return nil, errors.Config("DATABRICKS_TOKEN environment variable not set")
	}

	base := strings.TrimRight(host, "/") + "/serving-endpoints"
	c := openai.NewClient(
		option.WithAPIKey(token),
		option.WithBaseURL(base),
		option.WithHTTPClient(&http.Client{Timeout: cfg.httpTimeout()}),
	)
	return &openaiProvider{client: &c, model: cfg.Model, name: "databricks"}, nil
}
